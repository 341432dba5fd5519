package keys

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Jwk is a normalized, public-only JSON Web Key. It is immutable once built.
type Jwk struct {
	key     jwk.Key
	keyType KeyType
}

// JwkFromKey derives the public JWK for a Key.
func JwkFromKey(k Key) (*Jwk, error) {
	raw, err := jwk.FromRaw(k.Public)
	if err != nil {
		return nil, fmt.Errorf("jwk from %s key: %w", k.Type, err)
	}
	return &Jwk{key: raw, keyType: k.Type}, nil
}

// JwkFromJSON parses a JWK from its JSON object form. Private members are
// discarded. Missing or unknown "kty" values are rejected.
func JwkFromJSON(data []byte) (*Jwk, error) {
	parsed, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse jwk: %w", err)
	}
	pub, err := parsed.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("public jwk: %w", err)
	}
	kt, err := jwkKeyType(pub)
	if err != nil {
		return nil, err
	}
	return &Jwk{key: pub, keyType: kt}, nil
}

// JwkFromMap parses a JWK held as a decoded JSON object.
func JwkFromMap(m map[string]any) (*Jwk, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal jwk: %w", err)
	}
	return JwkFromJSON(data)
}

// KeyType returns the key type of the JWK.
func (j *Jwk) KeyType() KeyType { return j.keyType }

// KeyID returns the "kid" member, if any.
func (j *Jwk) KeyID() string { return j.key.KeyID() }

// SupportedSignatureAlgorithms returns the JWA algorithms for the key type.
func (j *Jwk) SupportedSignatureAlgorithms() []string {
	return j.keyType.SupportedSignatureAlgorithms()
}

// Key converts the JWK back into a Key.
func (j *Jwk) Key() (Key, error) {
	var raw any
	if err := j.key.Raw(&raw); err != nil {
		return Key{}, fmt.Errorf("raw key from jwk: %w", err)
	}
	return FromPublicKey(raw)
}

// Public returns the underlying jwx key.
func (j *Jwk) Public() jwk.Key { return j.key }

// Map returns the JWK as a JSON object.
func (j *Jwk) Map() (map[string]any, error) {
	data, err := json.Marshal(j.key)
	if err != nil {
		return nil, fmt.Errorf("marshal jwk: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode jwk: %w", err)
	}
	return m, nil
}

// MarshalJSON implements json.Marshaler.
func (j *Jwk) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.key)
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint, base64url encoded.
func (j *Jwk) Thumbprint() (string, error) {
	sum, err := j.key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("jwk thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

func jwkKeyType(k jwk.Key) (KeyType, error) {
	switch k.KeyType() {
	case jwa.RSA:
		return KeyTypeRSA, nil
	case jwa.EC, jwa.OKP:
		crv, ok := k.Get("crv")
		if !ok {
			return "", fmt.Errorf("%w: %s jwk without crv", ErrUnsupportedKeyType, k.KeyType())
		}
		kt := KeyType(fmt.Sprint(crv))
		if _, known := signatureAlgorithms[kt]; !known {
			return "", fmt.Errorf("%w: curve %s", ErrUnsupportedKeyType, kt)
		}
		return kt, nil
	default:
		return "", fmt.Errorf("%w: kty %q", ErrUnsupportedKeyType, k.KeyType())
	}
}
