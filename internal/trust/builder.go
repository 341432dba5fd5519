package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmerrifield20/jwtrust/internal/federation"
	"github.com/jmerrifield20/jwtrust/internal/keys"
)

// entityConfigurationTTL is the validity window of a built entity configuration.
const entityConfigurationTTL = 24 * time.Hour

// IssuerMetadata is the credential issuer metadata advertised through the
// openid_provider block of an entity configuration.
type IssuerMetadata struct {
	IssuerURL                         string          `json:"issuer_url"`
	TokenEndpoint                     string          `json:"token_endpoint,omitempty"`
	CredentialEndpoint                string          `json:"credential_endpoint,omitempty"`
	AuthorizationServer               string          `json:"authorization_server,omitempty"`
	CredentialsSupported              any             `json:"credentials_supported,omitempty"`
	CredentialConfigurationsSupported map[string]any  `json:"credential_configurations_supported,omitempty"`
	IssuerDisplay                     []IssuerDisplay `json:"display,omitempty"`
	DPoPSigningAlgValuesSupported     []string        `json:"dpop_signing_alg_values_supported,omitempty"`
}

// IssuerDisplay is one localized display entry of an issuer.
type IssuerDisplay struct {
	Name   string `json:"name,omitempty"`
	Locale string `json:"locale,omitempty"`
	Logo   *Logo  `json:"logo,omitempty"`
}

// Logo is the logo of an IssuerDisplay.
type Logo struct {
	URL     string `json:"url,omitempty"`
	AltText string `json:"alt_text,omitempty"`
}

// BuildEntityConfiguration produces the self-signed entity configuration of
// an issuer. It is signed with federationKey and publishes accessTokenKey in
// the openid_provider jwks. Any failure wraps ErrEntityStatement.
func (d *Dispatcher) BuildEntityConfiguration(ctx context.Context, meta IssuerMetadata, federationKey, accessTokenKey keys.Key) (string, error) {
	if meta.IssuerURL == "" {
		return "", fmt.Errorf("%w: issuer url is required", ErrEntityStatement)
	}

	fedJWK, err := federation.StatementJWK(federationKey)
	if err != nil {
		return "", fmt.Errorf("%w: federation key: %w", ErrEntityStatement, err)
	}
	provider, err := providerMetadata(meta, accessTokenKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEntityStatement, err)
	}

	now := d.agent.Now()
	claims := &federation.EntityStatementClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    meta.IssuerURL,
			Subject:   meta.IssuerURL,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(entityConfigurationTTL)),
		},
		JWKS: &federation.JWKS{Keys: []map[string]any{fedJWK}},
		Metadata: &federation.Metadata{
			FederationEntity: federationEntity(meta),
			OpenIDProvider:   provider,
		},
	}

	token, err := federation.SignStatement(ctx, d.agent.Signatures, federationKey, claims)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEntityStatement, err)
	}
	return token, nil
}

func federationEntity(meta IssuerMetadata) *federation.FederationEntityMetadata {
	if len(meta.IssuerDisplay) == 0 {
		return nil
	}
	display := meta.IssuerDisplay[0]
	fe := &federation.FederationEntityMetadata{OrganizationName: display.Name}
	if display.Logo != nil {
		fe.LogoURI = display.Logo.URL
	}
	return fe
}

// providerMetadata reshapes meta into the openid_provider object. Empty
// members are left out.
func providerMetadata(meta IssuerMetadata, accessTokenKey keys.Key) (map[string]any, error) {
	j, err := keys.JwkFromKey(accessTokenKey)
	if err != nil {
		return nil, fmt.Errorf("access token key: %w", err)
	}
	atJWK, err := j.Map()
	if err != nil {
		return nil, fmt.Errorf("access token key: %w", err)
	}
	atJWK["kid"] = accessTokenKey.Fingerprint()

	m := map[string]any{
		"credential_issuer":                   meta.IssuerURL,
		"client_registration_types_supported": []string{"automatic"},
		"jwks":                                map[string]any{"keys": []map[string]any{atJWK}},
	}
	setString(m, "token_endpoint", meta.TokenEndpoint)
	setString(m, "credential_endpoint", meta.CredentialEndpoint)
	if meta.AuthorizationServer != "" {
		m["authorization_server"] = meta.AuthorizationServer
		m["authorization_servers"] = []string{meta.AuthorizationServer}
	}
	if meta.CredentialsSupported != nil {
		m["credentials_supported"] = meta.CredentialsSupported
	}
	if len(meta.CredentialConfigurationsSupported) > 0 {
		m["credential_configurations_supported"] = meta.CredentialConfigurationsSupported
	}
	if len(meta.IssuerDisplay) > 0 {
		m["display"] = meta.IssuerDisplay
	}
	if len(meta.DPoPSigningAlgValuesSupported) > 0 {
		m["dpop_signing_alg_values_supported"] = meta.DPoPSigningAlgValuesSupported
	}
	return m, nil
}

func setString(m map[string]any, k, v string) {
	if v != "" {
		m[k] = v
	}
}
