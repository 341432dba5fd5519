package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/lestrrat-go/jwx/v2/x25519"
	"golang.org/x/crypto/curve25519"
)

const rsaKeyBits = 2048

// ErrKeyNotFound is returned when the wallet holds no private key for a public key.
var ErrKeyNotFound = errors.New("key not found in wallet")

// Wallet owns private keys. The trust layer only ever asks it for a
// crypto.Signer bound to a public Key for the duration of one operation.
type Wallet interface {
	// CreateKey generates and stores a new key pair of the given type.
	CreateKey(ctx context.Context, keyType KeyType) (Key, error)
	// Signer returns a signer for the private half of key.
	Signer(ctx context.Context, key Key) (crypto.Signer, error)
	// SupportedKeyTypes lists the key types CreateKey accepts.
	SupportedKeyTypes() []KeyType
}

// MemoryWallet is an in-memory, thread-safe Wallet. Keys do not survive a restart.
type MemoryWallet struct {
	mu        sync.RWMutex
	signers   map[string]crypto.Signer
	agreement map[string][]byte
}

// NewMemoryWallet creates an empty MemoryWallet.
func NewMemoryWallet() *MemoryWallet {
	return &MemoryWallet{
		signers:   make(map[string]crypto.Signer),
		agreement: make(map[string][]byte),
	}
}

// SupportedKeyTypes implements Wallet.
func (w *MemoryWallet) SupportedKeyTypes() []KeyType {
	return []KeyType{KeyTypeEd25519, KeyTypeX25519, KeyTypeP256, KeyTypeP384, KeyTypeP521, KeyTypeRSA}
}

// CreateKey implements Wallet.
func (w *MemoryWallet) CreateKey(_ context.Context, keyType KeyType) (Key, error) {
	if keyType == KeyTypeX25519 {
		return w.createAgreementKey()
	}

	signer, err := GenerateSigner(keyType)
	if err != nil {
		return Key{}, err
	}
	return w.Import(signer)
}

// GenerateSigner creates a private key of a signing key type.
func GenerateSigner(keyType KeyType) (crypto.Signer, error) {
	var (
		signer crypto.Signer
		err    error
	)
	switch keyType {
	case KeyTypeEd25519:
		_, signer, err = ed25519.GenerateKey(rand.Reader)
	case KeyTypeP256, KeyTypeP384, KeyTypeP521:
		signer, err = ecdsa.GenerateKey(keyTypeCurve(keyType), rand.Reader)
	case KeyTypeRSA:
		signer, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, keyType)
	}
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", keyType, err)
	}
	return signer, nil
}

// Import stores an existing private key and returns its public Key.
func (w *MemoryWallet) Import(signer crypto.Signer) (Key, error) {
	key, err := FromPublicKey(signer.Public())
	if err != nil {
		return Key{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signers[key.Fingerprint()] = signer
	return key, nil
}

// Signer implements Wallet.
func (w *MemoryWallet) Signer(_ context.Context, key Key) (crypto.Signer, error) {
	fp := key.Fingerprint()
	w.mu.RLock()
	defer w.mu.RUnlock()
	if s, ok := w.signers[fp]; ok {
		return s, nil
	}
	if _, ok := w.agreement[fp]; ok {
		return nil, fmt.Errorf("%s key %s cannot sign", key.Type, fp)
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, fp)
}

func (w *MemoryWallet) createAgreementKey() (Key, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return Key{}, fmt.Errorf("generate X25519 key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return Key{}, fmt.Errorf("derive X25519 public key: %w", err)
	}
	key := Key{Type: KeyTypeX25519, Public: x25519.PublicKey(pub)}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.agreement[key.Fingerprint()] = priv
	return key, nil
}
