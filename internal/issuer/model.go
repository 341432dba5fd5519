// Package issuer manages the credential issuers this node hosts: their
// metadata, the wallet keys they sign with and the descriptor that decides
// how their access tokens are issued.
package issuer

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/jwtrust/internal/trust"
)

var (
	// ErrNotFound is returned when no issuer matches the lookup.
	ErrNotFound = errors.New("issuer not found")
	// ErrConflict is returned when the slug is already taken.
	ErrConflict = errors.New("issuer already exists")
	// ErrInvalidRequest is returned when a create request fails validation.
	ErrInvalidRequest = errors.New("invalid issuer request")
)

// Record is a hosted issuer.
type Record struct {
	ID       uuid.UUID            `json:"id"`
	Slug     string               `json:"slug"`
	Metadata trust.IssuerMetadata `json:"metadata"`
	// FederationKey and AccessTokenKey are did:key fingerprints of wallet keys.
	FederationKey  string `json:"federation_key"`
	AccessTokenKey string `json:"access_token_key"`
	// TokenIssuer is a descriptor encoded with trust.MarshalIssuer.
	TokenIssuer json.RawMessage `json:"token_issuer"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CreateRequest is the payload for a new issuer. TokenIssuer is optional;
// without it access tokens are signed by the issuer's own access token key
// through its did:key.
type CreateRequest struct {
	Slug        string               `json:"slug"`
	Metadata    trust.IssuerMetadata `json:"metadata"`
	TokenIssuer json.RawMessage      `json:"token_issuer,omitempty"`
}
