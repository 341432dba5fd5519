package issuer_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/certificate"
	"github.com/jmerrifield20/jwtrust/internal/did"
	"github.com/jmerrifield20/jwtrust/internal/federation"
	"github.com/jmerrifield20/jwtrust/internal/issuer"
	"github.com/jmerrifield20/jwtrust/internal/keys"
	"github.com/jmerrifield20/jwtrust/internal/signature"
	"github.com/jmerrifield20/jwtrust/internal/trust"
	"github.com/jmerrifield20/jwtrust/internal/trustledger"
)

type harness struct {
	ctx    context.Context
	wallet *keys.MemoryWallet
	d      *trust.Dispatcher
	ledger *trustledger.MemoryLedger
	svc    *issuer.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	w := keys.NewMemoryWallet()
	d := trust.NewDispatcher(trust.Agent{
		Wallet:     w,
		Keys:       did.NewKeyResolver(did.KeyMethodResolver{}),
		Signatures: signature.NewEngine(w, nil, zap.NewNop()),
	}, zap.NewNop())
	ledger := trustledger.New()
	return &harness{
		ctx:    context.Background(),
		wallet: w,
		d:      d,
		ledger: ledger,
		svc:    issuer.NewService(issuer.NewMemoryRepository(), w, d, ledger, zap.NewNop()),
	}
}

func acme() trust.IssuerMetadata {
	return trust.IssuerMetadata{
		IssuerURL:     "https://issuer.example/acme",
		TokenEndpoint: "https://issuer.example/acme/token",
		IssuerDisplay: []trust.IssuerDisplay{{Name: "Acme"}},
	}
}

func TestService_CreateAndEntityConfiguration(t *testing.T) {
	h := newHarness(t)

	rec, err := h.svc.Create(h.ctx, &issuer.CreateRequest{Slug: "acme", Metadata: acme()})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if rec.FederationKey == "" || rec.AccessTokenKey == "" || rec.FederationKey == rec.AccessTokenKey {
		t.Errorf("unexpected keys %q / %q", rec.FederationKey, rec.AccessTokenKey)
	}
	desc, err := trust.UnmarshalIssuer(rec.TokenIssuer)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := desc.(trust.IssuerDid); !ok {
		t.Errorf("default token issuer: got %T, want IssuerDid", desc)
	}

	token, err := h.svc.EntityConfiguration(h.ctx, "acme")
	if err != nil {
		t.Fatalf("EntityConfiguration() error: %v", err)
	}
	claims, header, err := federation.ParseStatement(token)
	if err != nil {
		t.Fatal(err)
	}
	if header["kid"] != rec.FederationKey {
		t.Errorf("kid: got %v, want %s", header["kid"], rec.FederationKey)
	}
	if claims.Subject != "https://issuer.example/acme" {
		t.Errorf("sub: %s", claims.Subject)
	}
	if claims.Metadata.FederationEntity == nil || claims.Metadata.FederationEntity.OrganizationName != "Acme" {
		t.Errorf("federation_entity: %+v", claims.Metadata.FederationEntity)
	}

	if _, err := h.svc.EntityConfiguration(h.ctx, "nobody"); !errors.Is(err, issuer.ErrNotFound) {
		t.Errorf("unknown slug: expected ErrNotFound, got %v", err)
	}

	entries, err := h.ledger.List(h.ctx, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != trustledger.ActionIssuerCreated {
		t.Errorf("ledger: got %+v", entries)
	}
}

func TestService_IssueAccessToken(t *testing.T) {
	h := newHarness(t)
	rec, err := h.svc.Create(h.ctx, &issuer.CreateRequest{Slug: "acme", Metadata: acme()})
	if err != nil {
		t.Fatal(err)
	}

	token, err := h.svc.IssueAccessToken(h.ctx, "acme", map[string]any{"sub": "wallet-1", "iss": "https://forged.example"})
	if err != nil {
		t.Fatalf("IssueAccessToken() error: %v", err)
	}
	header, payload, err := signature.Decode(token)
	if err != nil {
		t.Fatal(err)
	}
	if header["typ"] != "at+jwt" || header["alg"] != "ES256" {
		t.Errorf("header: %v", header)
	}
	if payload["iss"] != rec.Metadata.IssuerURL || payload["sub"] != "wallet-1" {
		t.Errorf("payload: %v", payload)
	}
	if _, ok := payload["exp"]; !ok {
		t.Error("exp should default to the access token TTL")
	}

	desc, err := trust.UnmarshalIssuer(rec.TokenIssuer)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := h.d.Verify(h.ctx, trust.VerifierDid{DidURL: desc.(trust.IssuerDid).DidURL}, token)
	if err != nil || !ok {
		t.Errorf("access token should verify against the issuer DID: ok=%v err=%v", ok, err)
	}
}

func TestService_CreateValidation(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Create(h.ctx, &issuer.CreateRequest{Slug: "acme", Metadata: acme()}); err != nil {
		t.Fatal(err)
	}

	otherKey, err := h.wallet.CreateKey(h.ctx, keys.KeyTypeP256)
	if err != nil {
		t.Fatal(err)
	}
	ca := certificate.NewAuthority(t.TempDir(), "")
	if err := ca.Create(); err != nil {
		t.Fatal(err)
	}
	chain, err := ca.IssueChain(otherKey.Public, certificate.LeafRequest{DNSNames: []string{"elsewhere.example"}})
	if err != nil {
		t.Fatal(err)
	}
	mismatched, err := trust.MarshalIssuer(trust.IssuerCertificateChain{Chain: chain, Issuer: "https://issuer.example"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		req     issuer.CreateRequest
		wantErr error
	}{
		{"bad slug", issuer.CreateRequest{Slug: "Not A Slug", Metadata: acme()}, issuer.ErrInvalidRequest},
		{"relative issuer url", issuer.CreateRequest{Slug: "rel", Metadata: trust.IssuerMetadata{IssuerURL: "/acme"}}, issuer.ErrInvalidRequest},
		{"duplicate slug", issuer.CreateRequest{Slug: "acme", Metadata: acme()}, issuer.ErrConflict},
		{"unknown method", issuer.CreateRequest{Slug: "magic", Metadata: acme(), TokenIssuer: json.RawMessage(`{"method":"magic"}`)}, trust.ErrUnsupportedMethod},
		{"san mismatch", issuer.CreateRequest{Slug: "x5c", Metadata: acme(), TokenIssuer: mismatched}, trust.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.Create(h.ctx, &tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMemoryRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := issuer.NewMemoryRepository()
	for _, slug := range []string{"a", "b", "c"} {
		if err := repo.Create(ctx, &issuer.Record{Slug: slug}); err != nil {
			t.Fatal(err)
		}
	}
	page, err := repo.List(ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 {
		t.Errorf("List(2, 0): got %d", len(page))
	}
	if rest, _ := repo.List(ctx, 10, 5); len(rest) != 0 {
		t.Errorf("List past the end: got %d", len(rest))
	}
	rec, err := repo.GetBySlug(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if got, err := repo.GetByID(ctx, rec.ID); err != nil || got.Slug != "b" {
		t.Errorf("GetByID: %v %v", got, err)
	}
}
