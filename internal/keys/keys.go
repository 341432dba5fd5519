// Package keys models the key material the trust layer borrows from a wallet.
//
// It provides:
//   - KeyType: the closed set of supported key types and their JWA algorithms
//   - Key: a public key plus its type, addressable by did:key fingerprint
//   - Jwk: a normalized public JSON Web Key derived from a Key or from JSON
//   - Wallet: the signing collaborator that owns private keys
//   - MemoryWallet: an in-process Wallet for tests and single-node deployments
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/x25519"
	"github.com/mr-tron/base58"
)

// KeyType identifies the cryptographic family of a key.
type KeyType string

const (
	KeyTypeEd25519 KeyType = "Ed25519"
	KeyTypeX25519  KeyType = "X25519"
	KeyTypeP256    KeyType = "P-256"
	KeyTypeP384    KeyType = "P-384"
	KeyTypeP521    KeyType = "P-521"
	KeyTypeRSA     KeyType = "RSA"
)

// ErrUnsupportedKeyType is returned when a key does not map to a known KeyType.
var ErrUnsupportedKeyType = errors.New("unsupported key type")

// signatureAlgorithms lists the JWA algorithms per key type, preferred first.
// X25519 is a key agreement key and has none.
var signatureAlgorithms = map[KeyType][]string{
	KeyTypeEd25519: {"EdDSA"},
	KeyTypeX25519:  {},
	KeyTypeP256:    {"ES256"},
	KeyTypeP384:    {"ES384"},
	KeyTypeP521:    {"ES512"},
	KeyTypeRSA:     {"PS256", "RS256"},
}

// multicodec varint prefixes used in did:key fingerprints.
var multicodecPrefixes = map[KeyType][]byte{
	KeyTypeEd25519: {0xed, 0x01},
	KeyTypeX25519:  {0xec, 0x01},
	KeyTypeP256:    {0x80, 0x24},
	KeyTypeP384:    {0x81, 0x24},
	KeyTypeP521:    {0x82, 0x24},
	KeyTypeRSA:     {0x85, 0x24},
}

// SupportedSignatureAlgorithms returns the JWA signature algorithms usable
// with keys of this type. The slice is a copy.
func (t KeyType) SupportedSignatureAlgorithms() []string {
	return append([]string(nil), signatureAlgorithms[t]...)
}

// SupportsAlgorithm reports whether alg is one of the type's signature algorithms.
func (t KeyType) SupportsAlgorithm(alg string) bool {
	for _, a := range signatureAlgorithms[t] {
		if a == alg {
			return true
		}
	}
	return false
}

// Key is a public key together with its type. The private half, if any,
// lives in a Wallet and is looked up by fingerprint.
type Key struct {
	Type   KeyType
	Public crypto.PublicKey
}

// FromPublicKey wraps a Go public key value.
// Accepted types: ed25519.PublicKey, x25519.PublicKey, *ecdsa.PublicKey, *rsa.PublicKey.
func FromPublicKey(pub crypto.PublicKey) (Key, error) {
	switch p := pub.(type) {
	case ed25519.PublicKey:
		return Key{Type: KeyTypeEd25519, Public: p}, nil
	case x25519.PublicKey:
		return Key{Type: KeyTypeX25519, Public: p}, nil
	case *ecdsa.PublicKey:
		kt, err := curveKeyType(p.Curve)
		if err != nil {
			return Key{}, err
		}
		return Key{Type: kt, Public: p}, nil
	case *rsa.PublicKey:
		return Key{Type: KeyTypeRSA, Public: p}, nil
	default:
		return Key{}, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, pub)
	}
}

// Fingerprint returns the multibase (base58btc, "z" prefix) encoding of the
// multicodec-prefixed public key, i.e. the did:key method-specific identifier.
func (k Key) Fingerprint() string {
	raw, err := k.rawPublicBytes()
	if err != nil {
		return ""
	}
	prefix := multicodecPrefixes[k.Type]
	buf := make([]byte, 0, len(prefix)+len(raw))
	buf = append(buf, prefix...)
	buf = append(buf, raw...)
	return "z" + base58.Encode(buf)
}

// Equal reports whether both keys carry the same public key.
func (k Key) Equal(other Key) bool {
	return k.Type == other.Type && k.Fingerprint() != "" && k.Fingerprint() == other.Fingerprint()
}

// SupportedSignatureAlgorithms is shorthand for k.Type.SupportedSignatureAlgorithms().
func (k Key) SupportedSignatureAlgorithms() []string {
	return k.Type.SupportedSignatureAlgorithms()
}

// FromFingerprint decodes a did:key style fingerprint back into a Key.
func FromFingerprint(fingerprint string) (Key, error) {
	if len(fingerprint) < 2 || fingerprint[0] != 'z' {
		return Key{}, fmt.Errorf("fingerprint %q: expected base58btc multibase prefix 'z'", fingerprint)
	}
	data, err := base58.Decode(fingerprint[1:])
	if err != nil {
		return Key{}, fmt.Errorf("decode fingerprint: %w", err)
	}
	return FromMulticodec(data)
}

// FromMulticodec decodes multicodec-prefixed public key bytes.
func FromMulticodec(data []byte) (Key, error) {
	if len(data) < 2 {
		return Key{}, fmt.Errorf("multicodec key too short (%d bytes)", len(data))
	}
	for kt, prefix := range multicodecPrefixes {
		if data[0] != prefix[0] || data[1] != prefix[1] {
			continue
		}
		return FromRawPublicBytes(kt, data[2:])
	}
	return Key{}, fmt.Errorf("%w: multicodec prefix 0x%x%x", ErrUnsupportedKeyType, data[0], data[1])
}

// FromRawPublicBytes builds a Key from its canonical raw encoding: the 32 raw
// bytes for Ed25519/X25519, a compressed point for NIST curves and a PKCS#1
// DER public key for RSA.
func FromRawPublicBytes(kt KeyType, raw []byte) (Key, error) {
	switch kt {
	case KeyTypeEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return Key{}, fmt.Errorf("ed25519 public key: got %d bytes, want %d", len(raw), ed25519.PublicKeySize)
		}
		return Key{Type: kt, Public: ed25519.PublicKey(append([]byte(nil), raw...))}, nil
	case KeyTypeX25519:
		if len(raw) != 32 {
			return Key{}, fmt.Errorf("x25519 public key: got %d bytes, want 32", len(raw))
		}
		return Key{Type: kt, Public: x25519.PublicKey(append([]byte(nil), raw...))}, nil
	case KeyTypeP256, KeyTypeP384, KeyTypeP521:
		curve := keyTypeCurve(kt)
		x, y := elliptic.UnmarshalCompressed(curve, raw)
		if x == nil {
			x, y = elliptic.Unmarshal(curve, raw) //nolint:staticcheck
		}
		if x == nil {
			return Key{}, fmt.Errorf("%s public key: invalid point encoding", kt)
		}
		return Key{Type: kt, Public: &ecdsa.PublicKey{Curve: curve, X: x, Y: y}}, nil
	case KeyTypeRSA:
		pub, err := x509.ParsePKCS1PublicKey(raw)
		if err != nil {
			return Key{}, fmt.Errorf("parse rsa public key: %w", err)
		}
		return Key{Type: kt, Public: pub}, nil
	default:
		return Key{}, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, kt)
	}
}

func (k Key) rawPublicBytes() ([]byte, error) {
	switch p := k.Public.(type) {
	case ed25519.PublicKey:
		return []byte(p), nil
	case x25519.PublicKey:
		return []byte(p), nil
	case *ecdsa.PublicKey:
		return elliptic.MarshalCompressed(p.Curve, p.X, p.Y), nil
	case *rsa.PublicKey:
		return x509.MarshalPKCS1PublicKey(p), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, k.Public)
	}
}

func curveKeyType(c elliptic.Curve) (KeyType, error) {
	switch c.Params().Name {
	case "P-256":
		return KeyTypeP256, nil
	case "P-384":
		return KeyTypeP384, nil
	case "P-521":
		return KeyTypeP521, nil
	default:
		return "", fmt.Errorf("%w: curve %s", ErrUnsupportedKeyType, c.Params().Name)
	}
}

func keyTypeCurve(kt KeyType) elliptic.Curve {
	switch kt {
	case KeyTypeP384:
		return elliptic.P384()
	case KeyTypeP521:
		return elliptic.P521()
	default:
		return elliptic.P256()
	}
}
