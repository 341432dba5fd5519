package certificate

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key"
)

// Authority is a root CA persisted to disk. It issues leaf certificates that
// bind an issuer URL (URI SAN) and host names (DNS SANs) to an arbitrary
// public key, which is the shape an x5c issuer needs.
type Authority struct {
	dir  string
	name string
	cert *x509.Certificate
	key  crypto.Signer
}

// LeafRequest describes a leaf certificate to issue.
type LeafRequest struct {
	CommonName string
	URIs       []string
	DNSNames   []string
	ValidFor   time.Duration
}

// NewAuthority returns an Authority that stores the CA files in dir.
func NewAuthority(dir, name string) *Authority {
	if name == "" {
		name = "jwtrust CA"
	}
	return &Authority{dir: dir, name: name}
}

// LoadOrCreate loads the CA from disk if it exists; creates a new one otherwise.
func (a *Authority) LoadOrCreate() error {
	if err := a.Load(); err == nil {
		return nil
	}
	return a.Create()
}

// Load reads an existing CA cert and key from the configured directory.
func (a *Authority) Load() error {
	certPEM, err := os.ReadFile(filepath.Join(a.dir, caCertFile))
	if err != nil {
		return fmt.Errorf("read CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(a.dir, caKeyFile))
	if err != nil {
		return fmt.Errorf("read CA key: %w", err)
	}
	cert, key, err := decodeCertAndKey(certPEM, keyPEM)
	if err != nil {
		return err
	}
	a.cert = cert
	a.key = key
	return nil
}

// Create generates a new P-384 CA, saves it to disk, and activates it.
func (a *Authority) Create() error {
	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir %q: %w", a.dir, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: a.name},
		NotBefore:             time.Now().UTC().Add(-time.Minute),
		NotAfter:              time.Now().UTC().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(filepath.Join(a.dir, caCertFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(a.dir, caKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	a.cert = cert
	a.key = key
	return nil
}

// Cert returns the loaded CA certificate.
func (a *Authority) Cert() *x509.Certificate { return a.cert }

// Signer returns the CA private key.
func (a *Authority) Signer() crypto.Signer { return a.key }

// CertPEM returns the CA certificate encoded as PEM.
func (a *Authority) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.cert.Raw})
}

// CertPool returns an x509.CertPool containing only this CA certificate.
func (a *Authority) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.cert)
	return pool
}

// Issue signs a leaf certificate for pub. The private key never leaves the
// caller; only the public half is certified.
func (a *Authority) Issue(pub crypto.PublicKey, req LeafRequest) (*x509.Certificate, error) {
	if a.cert == nil || a.key == nil {
		return nil, fmt.Errorf("CA not loaded; call LoadOrCreate first")
	}
	if req.ValidFor == 0 {
		req.ValidFor = 365 * 24 * time.Hour
	}

	uris := make([]*url.URL, 0, len(req.URIs))
	for _, raw := range req.URIs {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse URI SAN %q: %w", raw, err)
		}
		uris = append(uris, u)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: req.CommonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(req.ValidFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		URIs:         uris,
		DNSNames:     req.DNSNames,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, a.cert, pub, a.key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}
	return cert, nil
}

// IssueChain issues a leaf and returns it in x5c form followed by the CA.
func (a *Authority) IssueChain(pub crypto.PublicKey, req LeafRequest) ([]string, error) {
	leaf, err := a.Issue(pub, req)
	if err != nil {
		return nil, err
	}
	return EncodeChain(leaf, a.cert), nil
}

// FetchRootPool downloads a PEM bundle from a URL and returns it as a CertPool.
func FetchRootPool(ctx context.Context, caURL string, timeout time.Duration) (*x509.CertPool, error) {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, caURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build CA fetch request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch root CA from %s: %w", caURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch root CA: unexpected status %d from %s", resp.StatusCode, caURL)
	}
	pemBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read root CA body: %w", err)
	}
	return LoadPool(pemBytes)
}

func decodeCertAndKey(certPEM, keyPEM []byte) (*x509.Certificate, crypto.Signer, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode private key PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("CA key of type %T cannot sign", parsed)
	}
	return cert, signer, nil
}

// randomSerial generates a cryptographically random 128-bit certificate serial.
func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
