package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmerrifield20/jwtrust/internal/keys"
	"github.com/jmerrifield20/jwtrust/internal/signature"
)

// ErrInvalidStatement is returned when an entity statement fails parsing,
// claim validation or signature verification.
var ErrInvalidStatement = errors.New("invalid entity statement")

// clockSkew is the leeway applied to iat and exp checks.
const clockSkew = 30 * time.Second

// VerifyFunc checks the signature of token against a single JWK. Callers
// supply it so that the resolver never has to own a signature engine.
type VerifyFunc func(ctx context.Context, token string, jwk *keys.Jwk) (bool, error)

// Signer produces compact JWS tokens.
type Signer interface {
	CreateCompact(ctx context.Context, opts signature.CreateOptions) (string, error)
}

// ParseStatement decodes an entity statement without checking its signature.
// It returns the claims and the JOSE header.
func ParseStatement(token string) (*EntityStatementClaims, map[string]any, error) {
	claims := &EntityStatementClaims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidStatement, err)
	}
	if typ, _ := parsed.Header["typ"].(string); typ != "" && typ != EntityStatementType {
		return nil, nil, fmt.Errorf("%w: unexpected typ %q", ErrInvalidStatement, typ)
	}
	return claims, parsed.Header, nil
}

// ValidateClaims checks the presence of iss/sub and the iat/exp window.
func ValidateClaims(claims *EntityStatementClaims, now func() time.Time) error {
	if claims.Issuer == "" || claims.Subject == "" {
		return fmt.Errorf("%w: iss and sub are required", ErrInvalidStatement)
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if now != nil {
		opts = append(opts, jwt.WithTimeFunc(now))
	}
	if err := jwt.NewValidator(opts...).Validate(claims); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStatement, err)
	}
	return nil
}

// VerifyWithJWKS checks the signature of token using the keys of set. When
// the header names a kid only the matching key is tried; otherwise every key
// is tried in order.
func VerifyWithJWKS(ctx context.Context, token string, header map[string]any, set *JWKS, verify VerifyFunc) error {
	if set.Empty() {
		return fmt.Errorf("%w: no keys to verify with", ErrInvalidStatement)
	}
	kid, _ := header["kid"].(string)

	tried := 0
	for _, raw := range set.Keys {
		if kid != "" {
			if k, _ := raw["kid"].(string); k != kid {
				continue
			}
		}
		j, err := keys.JwkFromMap(raw)
		if err != nil {
			continue
		}
		tried++
		ok, err := verify(ctx, token, j)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStatement, err)
		}
		if ok {
			return nil
		}
	}
	if tried == 0 {
		return fmt.Errorf("%w: no usable key for kid %q", ErrInvalidStatement, kid)
	}
	return fmt.Errorf("%w: signature does not verify", ErrInvalidStatement)
}

// SignStatement signs claims as an entity statement with key. The header
// carries the key fingerprint as kid and the key's preferred algorithm.
func SignStatement(ctx context.Context, s Signer, key keys.Key, claims *EntityStatementClaims) (string, error) {
	algs := key.SupportedSignatureAlgorithms()
	if len(algs) == 0 {
		return "", fmt.Errorf("%s key has no signature algorithm", key.Type)
	}

	data, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal entity statement: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", fmt.Errorf("decode entity statement: %w", err)
	}

	return s.CreateCompact(ctx, signature.CreateOptions{
		Header: map[string]any{
			"kid": key.Fingerprint(),
			"alg": algs[0],
			"typ": EntityStatementType,
		},
		Payload: payload,
		Key:     key,
	})
}

// StatementJWK renders key as a JWKS member with kid and alg set.
func StatementJWK(key keys.Key) (map[string]any, error) {
	j, err := keys.JwkFromKey(key)
	if err != nil {
		return nil, err
	}
	m, err := j.Map()
	if err != nil {
		return nil, err
	}
	m["kid"] = key.Fingerprint()
	if algs := key.SupportedSignatureAlgorithms(); len(algs) > 0 {
		m["alg"] = algs[0]
	}
	return m, nil
}
