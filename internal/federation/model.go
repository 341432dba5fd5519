package federation

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// EntityStatementType is the JOSE "typ" of every federation entity statement.
const EntityStatementType = "entity-statement+jwt"

// JWKS is a JSON Web Key Set. Keys stay in their JSON object form until a
// caller needs one.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

// Empty reports whether the set is nil or holds no keys.
func (s *JWKS) Empty() bool { return s == nil || len(s.Keys) == 0 }

// FederationEntityMetadata is the "federation_entity" metadata block.
type FederationEntityMetadata struct {
	OrganizationName        string   `json:"organization_name,omitempty"`
	LogoURI                 string   `json:"logo_uri,omitempty"`
	HomepageURI             string   `json:"homepage_uri,omitempty"`
	Contacts                []string `json:"contacts,omitempty"`
	FederationFetchEndpoint string   `json:"federation_fetch_endpoint,omitempty"`
	FederationListEndpoint  string   `json:"federation_list_endpoint,omitempty"`
}

// RelyingPartyMetadata is the subset of "openid_relying_party" metadata the
// trust layer reads.
type RelyingPartyMetadata struct {
	ClientName   string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris,omitempty"`
	JWKS         *JWKS    `json:"jwks,omitempty"`
}

// Metadata holds the per entity type metadata of an entity statement.
// Provider and credential issuer metadata are kept as raw objects.
type Metadata struct {
	FederationEntity       *FederationEntityMetadata `json:"federation_entity,omitempty"`
	OpenIDProvider         map[string]any            `json:"openid_provider,omitempty"`
	OpenIDRelyingParty     *RelyingPartyMetadata     `json:"openid_relying_party,omitempty"`
	OpenIDCredentialIssuer map[string]any            `json:"openid_credential_issuer,omitempty"`
}

// EntityStatementClaims is the payload of an entity statement. An entity
// configuration is the self-signed case where iss == sub.
type EntityStatementClaims struct {
	jwt.RegisteredClaims
	JWKS           *JWKS     `json:"jwks,omitempty"`
	AuthorityHints []string  `json:"authority_hints,omitempty"`
	Metadata       *Metadata `json:"metadata,omitempty"`
}

// IsEntityConfiguration reports whether the statement is self-issued.
func (c *EntityStatementClaims) IsEntityConfiguration() bool {
	return c.Issuer != "" && c.Issuer == c.Subject
}

// RelyingPartyKeys returns metadata.openid_relying_party.jwks.keys, or nil.
func (c *EntityStatementClaims) RelyingPartyKeys() []map[string]any {
	if c.Metadata == nil || c.Metadata.OpenIDRelyingParty == nil || c.Metadata.OpenIDRelyingParty.JWKS == nil {
		return nil
	}
	return c.Metadata.OpenIDRelyingParty.JWKS.Keys
}

// FetchEndpoint returns metadata.federation_entity.federation_fetch_endpoint.
func (c *EntityStatementClaims) FetchEndpoint() string {
	if c.Metadata == nil || c.Metadata.FederationEntity == nil {
		return ""
	}
	return c.Metadata.FederationEntity.FederationFetchEndpoint
}

// Statement is one verified link of a trust chain.
type Statement struct {
	Token  string
	Claims *EntityStatementClaims
}

// TrustChain is an ordered, verified path from a leaf entity to a trust
// anchor: the leaf's entity configuration first, then one subordinate
// statement per hop, then the anchor's entity configuration.
type TrustChain struct {
	Statements          []Statement
	EntityConfiguration *EntityStatementClaims
	TrustAnchorID       string
}

// ExpiresAt is the earliest expiry of any statement in the chain.
func (tc *TrustChain) ExpiresAt() time.Time {
	var earliest time.Time
	for _, s := range tc.Statements {
		if s.Claims.ExpiresAt == nil {
			continue
		}
		if exp := s.Claims.ExpiresAt.Time; earliest.IsZero() || exp.Before(earliest) {
			earliest = exp
		}
	}
	return earliest
}

// SubordinateStatus is the lifecycle state of a registered subordinate.
type SubordinateStatus string

const (
	StatusPending   SubordinateStatus = "pending"
	StatusActive    SubordinateStatus = "active"
	StatusSuspended SubordinateStatus = "suspended"
)

// Subordinate is an entity this node vouches for as a federation authority.
type Subordinate struct {
	ID           string            `json:"id"`
	EntityID     string            `json:"entity_id"`
	JWKS         JWKS              `json:"jwks"`
	Status       SubordinateStatus `json:"status"`
	RegisteredAt time.Time         `json:"registered_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// RegisterRequest is the payload for a new subordinate application.
type RegisterRequest struct {
	EntityID string `json:"entity_id"`
	JWKS     JWKS   `json:"jwks"`
}
