package certificate_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmerrifield20/jwtrust/internal/certificate"
	"github.com/jmerrifield20/jwtrust/internal/keys"
)

func newAuthority(t *testing.T) *certificate.Authority {
	t.Helper()
	ca := certificate.NewAuthority(t.TempDir(), "test CA")
	if err := ca.Create(); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return ca
}

func TestAuthority_Create(t *testing.T) {
	dir := t.TempDir()
	ca := certificate.NewAuthority(dir, "")
	if err := ca.Create(); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	for _, name := range []string{"ca.crt", "ca.key"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := ca.Cert().Verify(x509.VerifyOptions{Roots: ca.CertPool()}); err != nil {
		t.Errorf("CA cert does not verify against itself: %v", err)
	}
}

func TestAuthority_LoadOrCreate_idempotent(t *testing.T) {
	dir := t.TempDir()
	ca1 := certificate.NewAuthority(dir, "")
	if err := ca1.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	ca2 := certificate.NewAuthority(dir, "")
	if err := ca2.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	if ca1.Cert().SerialNumber.Cmp(ca2.Cert().SerialNumber) != 0 {
		t.Error("LoadOrCreate created a new CA on the second call")
	}
	k1, err := keys.FromPublicKey(ca1.Signer().Public())
	if err != nil {
		t.Fatal(err)
	}
	k2, err := keys.FromPublicKey(ca2.Signer().Public())
	if err != nil {
		t.Fatal(err)
	}
	if k1.Fingerprint() != k2.Fingerprint() || k1.Type != keys.KeyTypeP384 {
		t.Errorf("reloaded CA key differs: %s vs %s", k1.Fingerprint(), k2.Fingerprint())
	}
}

func TestGetLeafCertificate(t *testing.T) {
	ca := newAuthority(t)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	chain, err := ca.IssueChain(pub, certificate.LeafRequest{
		CommonName: "issuer.example.com",
		URIs:       []string{"https://issuer.example.com/tenant"},
		DNSNames:   []string{"issuer.example.com"},
	})
	if err != nil {
		t.Fatalf("IssueChain() error: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length: got %d, want 2", len(chain))
	}

	leaf, err := certificate.GetLeafCertificate(chain)
	if err != nil {
		t.Fatalf("GetLeafCertificate() error: %v", err)
	}
	if leaf.PublicKey.Type != keys.KeyTypeEd25519 {
		t.Errorf("PublicKey.Type: got %s, want Ed25519", leaf.PublicKey.Type)
	}
	if len(leaf.SanURINames) != 1 || leaf.SanURINames[0] != "https://issuer.example.com/tenant" {
		t.Errorf("SanURINames: got %v", leaf.SanURINames)
	}
	if len(leaf.SanDNSNames) != 1 || leaf.SanDNSNames[0] != "issuer.example.com" {
		t.Errorf("SanDNSNames: got %v", leaf.SanDNSNames)
	}
}

func TestGetLeafCertificate_empty(t *testing.T) {
	if _, err := certificate.GetLeafCertificate(nil); !errors.Is(err, certificate.ErrEmptyChain) {
		t.Errorf("expected ErrEmptyChain, got %v", err)
	}
	if _, err := certificate.GetLeafCertificate([]string{"not base64!"}); err == nil {
		t.Error("expected error for garbage chain element")
	}
}

func TestValidateChain(t *testing.T) {
	ca := newAuthority(t)
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	chain, err := ca.IssueChain(&priv.PublicKey, certificate.LeafRequest{DNSNames: []string{"a.example"}})
	if err != nil {
		t.Fatal(err)
	}

	if err := certificate.ValidateChain(chain, ca.CertPool()); err != nil {
		t.Errorf("ValidateChain() with issuing root: %v", err)
	}

	other := newAuthority(t)
	if err := certificate.ValidateChain(chain, other.CertPool()); err == nil {
		t.Error("ValidateChain() should fail against an unrelated root")
	}
}

func TestDomainFromURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://issuer.example.com/path", "issuer.example.com", false},
		{"https://issuer.example.com:8443", "issuer.example.com", false},
		{"not a url", "", true},
		{"%zz", "", true},
	}
	for _, tt := range tests {
		got, err := certificate.DomainFromURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("DomainFromURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("DomainFromURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFetchRootPool(t *testing.T) {
	ca := newAuthority(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(ca.CertPEM())
	}))
	defer srv.Close()

	pool, err := certificate.FetchRootPool(context.Background(), srv.URL, 0)
	if err != nil {
		t.Fatalf("FetchRootPool() error: %v", err)
	}
	if _, err := ca.Cert().Verify(x509.VerifyOptions{Roots: pool}); err != nil {
		t.Errorf("fetched pool does not contain the CA: %v", err)
	}
}
