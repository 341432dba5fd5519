// Package signature produces and checks compact JWS tokens. Private keys are
// borrowed from a keys.Wallet; verification keys come from a caller supplied
// resolver or from the token's own jwk / x5c header.
package signature

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/certificate"
	"github.com/jmerrifield20/jwtrust/internal/keys"
)

var (
	// ErrMalformedToken is returned when a token is not a compact JWS.
	ErrMalformedToken = errors.New("malformed compact JWS")
	// ErrAlgorithm is returned when the header algorithm is missing, "none",
	// or not usable with the key.
	ErrAlgorithm = errors.New("unacceptable signature algorithm")
	// ErrNoKey is returned when no verification key can be found.
	ErrNoKey = errors.New("no verification key")
	// ErrUntrustedChain is returned when an x5c chain cannot be anchored in
	// the engine's trusted roots, including when the engine has none.
	ErrUntrustedChain = errors.New("untrusted certificate chain")
)

// JwkResolver picks the verification key for a token given its protected header.
type JwkResolver func(ctx context.Context, header map[string]any) (*keys.Jwk, error)

// FixedJwk returns a JwkResolver that always yields j.
func FixedJwk(j *keys.Jwk) JwkResolver {
	return func(context.Context, map[string]any) (*keys.Jwk, error) { return j, nil }
}

// CreateOptions is the input to CreateCompact.
type CreateOptions struct {
	Header  map[string]any
	Payload map[string]any
	Key     keys.Key
}

// Result is the outcome of a verification. A token whose signature does not
// check out yields IsValid=false and no error.
type Result struct {
	IsValid bool
	Header  map[string]any
	Payload map[string]any
	Key     keys.Key
}

// Engine signs and verifies compact JWS tokens.
type Engine struct {
	wallet keys.Wallet
	roots  *x509.CertPool
	logger *zap.Logger
}

// NewEngine creates an Engine. With nil roots every x5c token is rejected.
func NewEngine(wallet keys.Wallet, roots *x509.CertPool, logger *zap.Logger) *Engine {
	return &Engine{wallet: wallet, roots: roots, logger: logger}
}

// CreateCompact signs Payload with the wallet key for Key. The header must
// carry an "alg" the key type supports.
func (e *Engine) CreateCompact(ctx context.Context, opts CreateOptions) (string, error) {
	alg, _ := opts.Header["alg"].(string)
	if !opts.Key.Type.SupportsAlgorithm(alg) {
		return "", fmt.Errorf("%w: %q for %s key", ErrAlgorithm, alg, opts.Key.Type)
	}

	signer, err := e.wallet.Signer(ctx, opts.Key)
	if err != nil {
		return "", fmt.Errorf("borrow signer: %w", err)
	}

	headers, err := protectedHeaders(opts.Header)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(opts.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	signed, err := jws.Sign(payload, jws.WithKey(jwa.SignatureAlgorithm(alg), signer, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("sign jws: %w", err)
	}
	return string(signed), nil
}

// Verify checks token. With a nil resolver the key is taken from whichever of
// the "jwk" or "x5c" headers the token carries; tokens carrying both are
// rejected.
func (e *Engine) Verify(ctx context.Context, token string, resolver JwkResolver) (Result, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Result{}, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	header, err := decodeSegment(parts[0])
	if err != nil {
		return Result{}, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	alg, _ := header["alg"].(string)
	if alg == "" || strings.EqualFold(alg, "none") {
		return Result{}, fmt.Errorf("%w: %q", ErrAlgorithm, alg)
	}

	var key keys.Key
	if resolver != nil {
		j, err := resolver(ctx, header)
		if err != nil {
			return Result{}, fmt.Errorf("resolve verification key: %w", err)
		}
		if j == nil {
			return Result{}, ErrNoKey
		}
		if key, err = j.Key(); err != nil {
			return Result{}, err
		}
	} else if key, err = e.headerKey(ctx, header); err != nil {
		return Result{}, err
	}

	if !key.Type.SupportsAlgorithm(alg) {
		return Result{}, fmt.Errorf("%w: %q for %s key", ErrAlgorithm, alg, key.Type)
	}

	// The payload is only interpreted once the signature checks out; a
	// corrupted payload is a failed verification, not a malformed token.
	result := Result{Header: header, Key: key}
	if _, err := jws.Verify([]byte(token), jws.WithKey(jwa.SignatureAlgorithm(alg), key.Public)); err != nil {
		e.logger.Debug("jws signature rejected", zap.String("alg", alg), zap.Error(err))
		return result, nil
	}
	if result.Payload, err = decodeSegment(parts[1]); err != nil {
		return result, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}
	result.IsValid = true
	return result, nil
}

func (e *Engine) headerKey(ctx context.Context, header map[string]any) (keys.Key, error) {
	var resolve JwkResolver
	switch _, hasJwk := header["jwk"]; {
	case hasJwk && header["x5c"] != nil:
		return keys.Key{}, fmt.Errorf("%w: header carries both jwk and x5c", ErrNoKey)
	case hasJwk:
		resolve = e.EmbeddedJwk()
	default:
		resolve = e.CertificateChain()
	}
	j, err := resolve(ctx, header)
	if err != nil {
		return keys.Key{}, err
	}
	return j.Key()
}

// EmbeddedJwk returns a JwkResolver that takes the key from the token's own
// "jwk" header. Tokens that also carry "x5c" are rejected.
func (e *Engine) EmbeddedJwk() JwkResolver {
	return func(_ context.Context, header map[string]any) (*keys.Jwk, error) {
		if header["x5c"] != nil {
			return nil, fmt.Errorf("%w: jwk verification does not accept an x5c header", ErrNoKey)
		}
		raw, ok := header["jwk"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: header has no jwk", ErrNoKey)
		}
		j, err := keys.JwkFromMap(raw)
		if err != nil {
			return nil, fmt.Errorf("header jwk: %w", err)
		}
		return j, nil
	}
}

// CertificateChain returns a JwkResolver that takes the key from the leaf of
// the "x5c" header once the chain validates against the engine's roots.
// Tokens that also carry "jwk" are rejected.
func (e *Engine) CertificateChain() JwkResolver {
	return func(_ context.Context, header map[string]any) (*keys.Jwk, error) {
		if _, ok := header["jwk"]; ok {
			return nil, fmt.Errorf("%w: x5c verification does not accept a jwk header", ErrNoKey)
		}
		chain, err := stringSlice(header["x5c"])
		if err != nil {
			return nil, err
		}
		if len(chain) == 0 {
			return nil, fmt.Errorf("%w: header has no x5c", ErrNoKey)
		}
		if e.roots == nil {
			return nil, fmt.Errorf("%w: no trusted roots configured", ErrUntrustedChain)
		}
		if err := certificate.ValidateChain(chain, e.roots); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUntrustedChain, err)
		}
		leaf, err := certificate.GetLeafCertificate(chain)
		if err != nil {
			return nil, err
		}
		return keys.JwkFromKey(leaf.PublicKey)
	}
}

// Decode splits a compact JWS and decodes its header and payload without
// checking the signature.
func Decode(token string) (header, payload map[string]any, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	if header, err = decodeSegment(parts[0]); err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	if payload, err = decodeSegment(parts[1]); err != nil {
		return nil, nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}
	return header, payload, nil
}

func decodeSegment(seg string) (map[string]any, error) {
	data, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// protectedHeaders copies the caller's header map into jws headers. Going
// through JSON lets jwx parse structured members such as jwk and x5c.
func protectedHeaders(h map[string]any) (jws.Headers, error) {
	headers := jws.NewHeaders()
	if len(h) == 0 {
		return headers, nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if err := json.Unmarshal(data, headers); err != nil {
		return nil, fmt.Errorf("build protected header: %w", err)
	}
	return headers, nil
}

func stringSlice(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("x5c element is %T, want string", item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("x5c is %T, want array", v)
	}
}
