// Package certificate handles the X.509 side of token trust: leaf extraction
// from x5c chains, SAN inspection, chain validation and a small issuing CA.
package certificate

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/jmerrifield20/jwtrust/internal/keys"
)

// ErrEmptyChain is returned when a chain holds no certificates.
var ErrEmptyChain = errors.New("certificate chain is empty")

// Leaf is the end-entity certificate of a chain together with the values the
// trust layer reads from it.
type Leaf struct {
	Certificate *x509.Certificate
	PublicKey   keys.Key
	SanURINames []string
	SanDNSNames []string
}

// GetLeafCertificate parses the first element of an x5c style chain
// (base64 DER, leaf first). PEM blocks are accepted as well.
func GetLeafCertificate(chain []string) (*Leaf, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	cert, err := parseOne(chain[0])
	if err != nil {
		return nil, fmt.Errorf("parse leaf certificate: %w", err)
	}
	pub, err := keys.FromPublicKey(cert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("leaf public key: %w", err)
	}

	uris := make([]string, 0, len(cert.URIs))
	for _, u := range cert.URIs {
		uris = append(uris, u.String())
	}
	return &Leaf{
		Certificate: cert,
		PublicKey:   pub,
		SanURINames: uris,
		SanDNSNames: append([]string(nil), cert.DNSNames...),
	}, nil
}

// ParseChain parses every element of an x5c style chain.
func ParseChain(chain []string) ([]*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	certs := make([]*x509.Certificate, 0, len(chain))
	for i, c := range chain {
		cert, err := parseOne(c)
		if err != nil {
			return nil, fmt.Errorf("parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// EncodeChain renders certificates in x5c form (standard base64 DER).
func EncodeChain(certs ...*x509.Certificate) []string {
	out := make([]string, 0, len(certs))
	for _, c := range certs {
		out = append(out, base64.StdEncoding.EncodeToString(c.Raw))
	}
	return out
}

// ValidateChain verifies that the leaf chains up to one of roots, using the
// remaining chain elements as intermediates.
func ValidateChain(chain []string, roots *x509.CertPool) error {
	certs, err := ParseChain(chain)
	if err != nil {
		return err
	}
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	_, err = certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("verify certificate chain: %w", err)
	}
	return nil
}

// DomainFromURL returns the host part of rawURL without port.
func DomainFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	return u.Hostname(), nil
}

// LoadPool reads PEM certificates into a new pool.
func LoadPool(pemData []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("no certificates found in PEM data")
	}
	return pool, nil
}

func parseOne(encoded string) (*x509.Certificate, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "-----BEGIN") {
		block, _ := pem.Decode([]byte(encoded))
		if block == nil {
			return nil, fmt.Errorf("failed to decode certificate PEM")
		}
		return x509.ParseCertificate(block.Bytes)
	}
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Some producers emit base64url despite RFC 7515.
		der, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return nil, fmt.Errorf("decode certificate base64: %w", err)
		}
	}
	return x509.ParseCertificate(der)
}
