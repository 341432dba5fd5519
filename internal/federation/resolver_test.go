package federation_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/federation"
	"github.com/jmerrifield20/jwtrust/internal/keys"
	"github.com/jmerrifield20/jwtrust/internal/signature"
)

// testFederation serves leaf -> intermediate -> anchor from one httptest server.
type testFederation struct {
	t       *testing.T
	srv     *httptest.Server
	engine  *signature.Engine
	wallet  *keys.MemoryWallet
	configs map[string]string // path prefix -> entity configuration
	fetch   map[string]string // "authority|sub" -> subordinate statement
	hits    atomic.Int32

	leafID, intID, anchorID           string
	leafKey, intKey, anchorKey, rpKey keys.Key
}

func newTestFederation(t *testing.T) *testFederation {
	t.Helper()
	w := keys.NewMemoryWallet()
	f := &testFederation{
		t:       t,
		wallet:  w,
		engine:  signature.NewEngine(w, nil, zap.NewNop()),
		configs: make(map[string]string),
		fetch:   make(map[string]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)

	f.leafID = f.srv.URL + "/leaf"
	f.intID = f.srv.URL + "/intermediate"
	f.anchorID = f.srv.URL + "/anchor"
	f.leafKey = f.newKey()
	f.intKey = f.newKey()
	f.anchorKey = f.newKey()
	f.rpKey = f.newKey()

	f.publishConfig(f.leafID, f.leafKey, []string{f.intID}, &federation.Metadata{
		OpenIDRelyingParty: &federation.RelyingPartyMetadata{JWKS: f.jwks(f.rpKey)},
	})
	f.publishConfig(f.intID, f.intKey, []string{f.anchorID}, authorityMetadata(f.intID))
	f.publishConfig(f.anchorID, f.anchorKey, nil, authorityMetadata(f.anchorID))
	f.publishStatement(f.intID, f.intKey, f.leafID, f.leafKey)
	f.publishStatement(f.anchorID, f.anchorKey, f.intID, f.intKey)
	return f
}

func authorityMetadata(id string) *federation.Metadata {
	return &federation.Metadata{FederationEntity: &federation.FederationEntityMetadata{
		OrganizationName:        "authority",
		FederationFetchEndpoint: id + "/fetch",
	}}
}

func (f *testFederation) serve(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	if entity, ok := strings.CutSuffix(r.URL.Path, federation.WellKnownPath); ok {
		if tok, found := f.configs[f.srv.URL+entity]; found {
			w.Header().Set("Content-Type", "application/entity-statement+jwt")
			_, _ = w.Write([]byte(tok))
			return
		}
	}
	if authority, ok := strings.CutSuffix(r.URL.Path, "/fetch"); ok {
		if tok, found := f.fetch[f.srv.URL+authority+"|"+r.URL.Query().Get("sub")]; found {
			_, _ = w.Write([]byte(tok))
			return
		}
	}
	http.NotFound(w, r)
}

func (f *testFederation) newKey() keys.Key {
	k, err := f.wallet.CreateKey(context.Background(), keys.KeyTypeEd25519)
	if err != nil {
		f.t.Fatal(err)
	}
	return k
}

func (f *testFederation) jwks(ks ...keys.Key) *federation.JWKS {
	set := &federation.JWKS{}
	for _, k := range ks {
		m, err := federation.StatementJWK(k)
		if err != nil {
			f.t.Fatal(err)
		}
		set.Keys = append(set.Keys, m)
	}
	return set
}

func (f *testFederation) sign(signer keys.Key, claims *federation.EntityStatementClaims) string {
	tok, err := federation.SignStatement(context.Background(), f.engine, signer, claims)
	if err != nil {
		f.t.Fatal(err)
	}
	return tok
}

func registered(iss, sub string, exp time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Issuer:    iss,
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(exp)),
	}
}

func (f *testFederation) publishConfig(id string, key keys.Key, hints []string, md *federation.Metadata) {
	f.configs[id] = f.sign(key, &federation.EntityStatementClaims{
		RegisteredClaims: registered(id, id, time.Hour),
		JWKS:             f.jwks(key),
		AuthorityHints:   hints,
		Metadata:         md,
	})
}

func (f *testFederation) publishStatement(authority string, authorityKey keys.Key, sub string, subKey keys.Key) {
	f.fetch[authority+"|"+sub] = f.sign(authorityKey, &federation.EntityStatementClaims{
		RegisteredClaims: registered(authority, sub, time.Hour),
		JWKS:             f.jwks(subKey),
	})
}

func (f *testFederation) verify() federation.VerifyFunc {
	return func(ctx context.Context, token string, j *keys.Jwk) (bool, error) {
		res, err := f.engine.Verify(ctx, token, signature.FixedJwk(j))
		if err != nil {
			return false, err
		}
		return res.IsValid, nil
	}
}

func newResolver(maxDepth int) *federation.Resolver {
	return federation.NewResolver(federation.NewClient(time.Second), nil, maxDepth, zap.NewNop())
}

func TestResolveTrustChains_throughIntermediate(t *testing.T) {
	f := newTestFederation(t)
	chains, err := newResolver(0).ResolveTrustChains(context.Background(), f.leafID, []string{f.anchorID}, f.verify())
	if err != nil {
		t.Fatalf("ResolveTrustChains() error: %v", err)
	}
	if len(chains) != 1 {
		t.Fatalf("chains: got %d, want 1", len(chains))
	}
	c := chains[0]
	if c.TrustAnchorID != f.anchorID {
		t.Errorf("TrustAnchorID: got %q, want %q", c.TrustAnchorID, f.anchorID)
	}
	if len(c.Statements) != 4 {
		t.Fatalf("statements: got %d, want 4 (leaf EC, int->leaf, anchor->int, anchor EC)", len(c.Statements))
	}
	if c.Statements[1].Claims.Issuer != f.intID || c.Statements[2].Claims.Issuer != f.anchorID {
		t.Errorf("statement order wrong: %s, %s", c.Statements[1].Claims.Issuer, c.Statements[2].Claims.Issuer)
	}
	if got := c.EntityConfiguration.RelyingPartyKeys(); len(got) != 1 {
		t.Errorf("relying party keys: got %d, want 1", len(got))
	}
	if c.ExpiresAt().IsZero() {
		t.Error("ExpiresAt should be set")
	}
}

func TestResolveTrustChains_intermediateAsAnchor(t *testing.T) {
	f := newTestFederation(t)
	chains, err := newResolver(0).ResolveTrustChains(context.Background(), f.leafID, []string{f.intID}, f.verify())
	if err != nil {
		t.Fatal(err)
	}
	if len(chains) != 1 || len(chains[0].Statements) != 3 {
		t.Fatalf("expected one chain of 3 statements, got %+v", chains)
	}
}

func TestResolveTrustChains_noPath(t *testing.T) {
	f := newTestFederation(t)
	ctx := context.Background()

	chains, err := newResolver(0).ResolveTrustChains(ctx, f.leafID, []string{"https://unknown.example"}, f.verify())
	if err != nil {
		t.Fatalf("unknown anchor should not be an error: %v", err)
	}
	if len(chains) != 0 {
		t.Errorf("expected no chains, got %d", len(chains))
	}

	chains, err = newResolver(1).ResolveTrustChains(ctx, f.leafID, []string{f.anchorID}, f.verify())
	if err != nil {
		t.Fatal(err)
	}
	if len(chains) != 0 {
		t.Errorf("max depth 1 should not reach the anchor, got %d chains", len(chains))
	}
}

func TestResolveTrustChains_statementSignedByWrongKey(t *testing.T) {
	f := newTestFederation(t)
	rogue := f.newKey()
	f.publishStatement(f.intID, rogue, f.leafID, f.leafKey)

	chains, err := newResolver(0).ResolveTrustChains(context.Background(), f.leafID, []string{f.anchorID}, f.verify())
	if err != nil {
		t.Fatal(err)
	}
	if len(chains) != 0 {
		t.Errorf("forged subordinate statement must break the chain, got %d chains", len(chains))
	}
}

func TestResolveTrustChains_subjectKeyNotVouchedFor(t *testing.T) {
	f := newTestFederation(t)
	f.publishStatement(f.intID, f.intKey, f.leafID, f.newKey())

	chains, err := newResolver(0).ResolveTrustChains(context.Background(), f.leafID, []string{f.anchorID}, f.verify())
	if err != nil {
		t.Fatal(err)
	}
	if len(chains) != 0 {
		t.Errorf("leaf key not in subordinate statement must break the chain, got %d", len(chains))
	}
}

func TestFetchEntityConfiguration(t *testing.T) {
	f := newTestFederation(t)
	ctx := context.Background()

	claims, err := newResolver(0).FetchEntityConfiguration(ctx, f.leafID, f.verify())
	if err != nil {
		t.Fatalf("FetchEntityConfiguration() error: %v", err)
	}
	if !claims.IsEntityConfiguration() {
		t.Error("expected a self-issued statement")
	}

	_, err = newResolver(0).FetchEntityConfiguration(ctx, f.srv.URL+"/missing", f.verify())
	if !errors.Is(err, federation.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchEntityConfiguration_expired(t *testing.T) {
	f := newTestFederation(t)
	f.configs[f.leafID] = f.sign(f.leafKey, &federation.EntityStatementClaims{
		RegisteredClaims: registered(f.leafID, f.leafID, -time.Hour),
		JWKS:             f.jwks(f.leafKey),
	})

	_, err := newResolver(0).FetchEntityConfiguration(context.Background(), f.leafID, f.verify())
	if !errors.Is(err, federation.ErrInvalidStatement) {
		t.Errorf("expected ErrInvalidStatement, got %v", err)
	}
}

func TestFetchEntityConfiguration_notSelfSigned(t *testing.T) {
	f := newTestFederation(t)
	f.configs[f.leafID] = f.sign(f.newKey(), &federation.EntityStatementClaims{
		RegisteredClaims: registered(f.leafID, f.leafID, time.Hour),
		JWKS:             f.jwks(f.leafKey),
	})

	_, err := newResolver(0).FetchEntityConfiguration(context.Background(), f.leafID, f.verify())
	if !errors.Is(err, federation.ErrInvalidStatement) {
		t.Errorf("expected ErrInvalidStatement, got %v", err)
	}
}

func TestFetchEntityConfiguration_cached(t *testing.T) {
	f := newTestFederation(t)
	ctx := context.Background()
	r := federation.NewResolver(federation.NewClient(time.Second), federation.NewCache(time.Minute), 0, zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := r.FetchEntityConfiguration(ctx, f.leafID, f.verify()); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.hits.Load(); got != 1 {
		t.Errorf("expected one HTTP fetch with caching, got %d", got)
	}
}
