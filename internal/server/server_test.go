package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/did"
	"github.com/jmerrifield20/jwtrust/internal/federation"
	"github.com/jmerrifield20/jwtrust/internal/issuer"
	"github.com/jmerrifield20/jwtrust/internal/keys"
	"github.com/jmerrifield20/jwtrust/internal/server"
	"github.com/jmerrifield20/jwtrust/internal/signature"
	"github.com/jmerrifield20/jwtrust/internal/trust"
	"github.com/jmerrifield20/jwtrust/internal/trustledger"
)

const anchorID = "https://anchor.example"

type testNode struct {
	router *gin.Engine
	wallet *keys.MemoryWallet
	ledger *trustledger.MemoryLedger
}

func newTestNode(t *testing.T, cfg server.Config) *testNode {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	w := keys.NewMemoryWallet()
	engine := signature.NewEngine(w, nil, zap.NewNop())
	d := trust.NewDispatcher(trust.Agent{
		Wallet:     w,
		Keys:       did.NewKeyResolver(did.KeyMethodResolver{}),
		Signatures: engine,
	}, zap.NewNop())
	ledger := trustledger.New()

	authorityKey, err := w.CreateKey(ctx, keys.KeyTypeEd25519)
	if err != nil {
		t.Fatal(err)
	}
	authority := federation.NewAuthorityService(anchorID, federation.NewMemorySubordinateStore(), engine, authorityKey, zap.NewNop()).
		WithLedger(ledger)

	router := server.New(ctx, cfg, server.Deps{
		Trust:             d,
		Algorithms:        d.Agent().SupportedSignatureAlgorithms(),
		Issuers:           issuer.NewService(issuer.NewMemoryRepository(), w, d, ledger, zap.NewNop()),
		Authority:         authority,
		AuthorityEntityID: anchorID,
		Ledger:            ledger,
	}, zap.NewNop())
	return &testNode{router: router, wallet: w, ledger: ledger}
}

func (n *testNode) do(t *testing.T, method, path string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	n.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	n := newTestNode(t, server.Config{})
	w := n.do(t, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decode(t, w)["status"] != "ok" {
		t.Errorf("unexpected body %s", w.Body.String())
	}
	if w.Header().Get(server.RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestRequestID_propagated(t *testing.T) {
	n := newTestNode(t, server.Config{})
	w := n.do(t, http.MethodGet, "/healthz", nil, server.RequestIDHeader, "abc-123")
	if got := w.Header().Get(server.RequestIDHeader); got != "abc-123" {
		t.Errorf("request id: got %q", got)
	}
}

func TestJWT_createAndVerifyWithJwk(t *testing.T) {
	n := newTestNode(t, server.Config{})
	key, err := n.wallet.CreateKey(context.Background(), keys.KeyTypeP256)
	if err != nil {
		t.Fatal(err)
	}
	j, err := keys.JwkFromKey(key)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := j.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}

	w := n.do(t, http.MethodPost, "/api/v1/jwt/create", map[string]any{
		"issuer":  map[string]any{"method": "jwk", "jwk": json.RawMessage(raw)},
		"payload": map[string]any{"sub": "alice"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	token, _ := decode(t, w)["jwt"].(string)
	if strings.Count(token, ".") != 2 {
		t.Fatalf("expected a compact JWS, got %q", token)
	}

	w = n.do(t, http.MethodPost, "/api/v1/jwt/verify", map[string]any{
		"verifier": map[string]any{"method": "jwk"},
		"token":    token,
	})
	if w.Code != http.StatusOK || decode(t, w)["valid"] != true {
		t.Fatalf("verify: got %d %s", w.Code, w.Body.String())
	}

	parts := strings.Split(token, ".")
	other, err := n.wallet.CreateKey(context.Background(), keys.KeyTypeP256)
	if err != nil {
		t.Fatal(err)
	}
	otherToken, err := signature.NewEngine(n.wallet, nil, zap.NewNop()).CreateCompact(context.Background(), signature.CreateOptions{
		Header:  map[string]any{"alg": "ES256"},
		Payload: map[string]any{"sub": "mallory"},
		Key:     other,
	})
	if err != nil {
		t.Fatal(err)
	}
	spliced := parts[0] + "." + parts[1] + "." + strings.Split(otherToken, ".")[2]
	w = n.do(t, http.MethodPost, "/api/v1/jwt/verify", map[string]any{
		"verifier": map[string]any{"method": "jwk"},
		"token":    spliced,
	})
	if w.Code != http.StatusOK || decode(t, w)["valid"] != false {
		t.Errorf("spliced signature: got %d %s", w.Code, w.Body.String())
	}
}

func TestJWT_errors(t *testing.T) {
	n := newTestNode(t, server.Config{})
	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"missing token", "/api/v1/jwt/verify", map[string]any{"verifier": map[string]any{"method": "jwk"}}, http.StatusBadRequest},
		{"unknown verifier", "/api/v1/jwt/verify", map[string]any{"verifier": map[string]any{"method": "magic"}, "token": "a.b.c"}, http.StatusBadRequest},
		{"federation without anchors", "/api/v1/jwt/verify", map[string]any{
			"verifier": map[string]any{"method": "openid-federation", "entityId": "https://rp.example"},
			"token":    "a.b.c",
		}, http.StatusBadRequest},
		{"unresolvable did", "/api/v1/jwt/verify", map[string]any{
			"verifier": map[string]any{"method": "did", "didUrl": "did:web:issuer.example#key-1"},
			"token":    "a.b.c",
		}, http.StatusUnprocessableEntity},
		{"did issuer without url", "/api/v1/jwt/create", map[string]any{
			"issuer":  map[string]any{"method": "did"},
			"payload": map[string]any{"sub": "alice"},
		}, http.StatusBadRequest},
		{"unparseable certificate chain", "/api/v1/jwt/create", map[string]any{
			"issuer":  map[string]any{"method": "x5c", "x5c": []string{"bm90LWEtY2VydA=="}, "issuer": "https://issuer.example"},
			"payload": map[string]any{"sub": "alice"},
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := n.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestJWT_algorithms(t *testing.T) {
	n := newTestNode(t, server.Config{})
	w := n.do(t, http.MethodGet, "/api/v1/jwt/algorithms", nil)
	algs, _ := decode(t, w)["algorithms"].([]any)
	found := false
	for _, a := range algs {
		if a == "EdDSA" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected EdDSA among %v", algs)
	}
}

func TestIssuers_lifecycle(t *testing.T) {
	n := newTestNode(t, server.Config{})

	w := n.do(t, http.MethodPost, "/api/v1/issuers", issuer.CreateRequest{
		Slug:     "acme",
		Metadata: trust.IssuerMetadata{IssuerURL: "https://issuer.example/acme"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var rec issuer.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}

	if w := n.do(t, http.MethodPost, "/api/v1/issuers", issuer.CreateRequest{
		Slug:     "acme",
		Metadata: trust.IssuerMetadata{IssuerURL: "https://issuer.example/acme"},
	}); w.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", w.Code)
	}

	for _, ref := range []string{"acme", rec.ID.String()} {
		if w := n.do(t, http.MethodGet, "/api/v1/issuers/"+ref, nil); w.Code != http.StatusOK {
			t.Errorf("get %s: expected 200, got %d", ref, w.Code)
		}
	}
	if w := n.do(t, http.MethodGet, "/api/v1/issuers/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("get unknown: expected 404, got %d", w.Code)
	}

	w = n.do(t, http.MethodGet, "/api/v1/issuers", nil)
	if list, _ := decode(t, w)["issuers"].([]any); len(list) != 1 {
		t.Errorf("list: got %s", w.Body.String())
	}

	w = n.do(t, http.MethodGet, "/.well-known/openid-federation/acme", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("entity configuration: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != server.EntityStatementContentType {
		t.Errorf("content type: got %q", ct)
	}
	claims, _, err := federation.ParseStatement(w.Body.String())
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "https://issuer.example/acme" {
		t.Errorf("sub: got %q", claims.Subject)
	}

	w = n.do(t, http.MethodGet, "/.well-known/openid-federation/nope", nil)
	if w.Code != http.StatusNotFound || decode(t, w)["error"] != "not_found" {
		t.Errorf("unknown issuer: got %d %s", w.Code, w.Body.String())
	}

	entries, _ := n.ledger.Len(context.Background())
	if entries != 2 {
		t.Errorf("ledger: expected genesis + issuer.created, got %d entries", entries)
	}
}

func TestIssuers_accessToken(t *testing.T) {
	n := newTestNode(t, server.Config{})
	w := n.do(t, http.MethodPost, "/api/v1/issuers", issuer.CreateRequest{
		Slug:     "acme",
		Metadata: trust.IssuerMetadata{IssuerURL: "https://issuer.example/acme"},
	})
	var rec issuer.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	desc, err := trust.UnmarshalIssuer(rec.TokenIssuer)
	if err != nil {
		t.Fatal(err)
	}

	w = n.do(t, http.MethodPost, "/api/v1/issuers/acme/token", map[string]any{"sub": "wallet-1", "scope": "openid"})
	if w.Code != http.StatusOK {
		t.Fatalf("token: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	token, _ := decode(t, w)["access_token"].(string)

	w = n.do(t, http.MethodPost, "/api/v1/jwt/verify", map[string]any{
		"verifier": map[string]any{"method": "did", "didUrl": desc.(trust.IssuerDid).DidURL},
		"token":    token,
	})
	if decode(t, w)["valid"] != true {
		t.Errorf("access token does not verify through its did: %s", w.Body.String())
	}
}

func TestAdminToken(t *testing.T) {
	n := newTestNode(t, server.Config{AdminToken: "s3cret"})
	body := issuer.CreateRequest{Slug: "acme", Metadata: trust.IssuerMetadata{IssuerURL: "https://issuer.example/acme"}}

	if w := n.do(t, http.MethodPost, "/api/v1/issuers", body); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}
	if w := n.do(t, http.MethodPost, "/api/v1/issuers", body, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", w.Code)
	}
	if w := n.do(t, http.MethodPost, "/api/v1/issuers", body, "Authorization", "Bearer s3cret"); w.Code != http.StatusCreated {
		t.Errorf("admin token: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := n.do(t, http.MethodGet, "/api/v1/federation/subordinates", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("federation admin: expected 401, got %d", w.Code)
	}
	if w := n.do(t, http.MethodGet, "/api/v1/issuers", nil); w.Code != http.StatusOK {
		t.Errorf("reads stay public: expected 200, got %d", w.Code)
	}
}

func TestAdminToken_guardsTokenCreation(t *testing.T) {
	n := newTestNode(t, server.Config{AdminToken: "s3cret"})
	body := issuer.CreateRequest{Slug: "acme", Metadata: trust.IssuerMetadata{IssuerURL: "https://issuer.example/acme"}}
	if w := n.do(t, http.MethodPost, "/api/v1/issuers", body, "Authorization", "Bearer s3cret"); w.Code != http.StatusCreated {
		t.Fatalf("create issuer: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// The access token key fingerprint is public, so it must not be usable
	// to sign without the admin token.
	w := n.do(t, http.MethodGet, "/api/v1/issuers/acme", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get issuer: expected 200, got %d", w.Code)
	}
	fp, _ := decode(t, w)["access_token_key"].(string)
	if fp == "" {
		t.Fatalf("missing access_token_key in %s", w.Body.String())
	}
	req := map[string]any{
		"issuer":  map[string]any{"method": "did", "didUrl": "did:key:" + fp + "#" + fp},
		"payload": map[string]any{"sub": "mallory", "scope": "admin"},
	}

	if w := n.do(t, http.MethodPost, "/api/v1/jwt/create", req); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d: %s", w.Code, w.Body.String())
	}
	if w := n.do(t, http.MethodPost, "/api/v1/jwt/create", req, "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", w.Code)
	}
	if w := n.do(t, http.MethodPost, "/api/v1/jwt/create", req, "Authorization", "Bearer s3cret"); w.Code != http.StatusOK {
		t.Errorf("admin token: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := n.do(t, http.MethodGet, "/api/v1/jwt/algorithms", nil); w.Code != http.StatusOK {
		t.Errorf("algorithms stay public: expected 200, got %d", w.Code)
	}
}

func TestFederationAuthority(t *testing.T) {
	n := newTestNode(t, server.Config{})

	w := n.do(t, http.MethodGet, federation.WellKnownPath, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("authority configuration: expected 200, got %d", w.Code)
	}
	claims, _, err := federation.ParseStatement(w.Body.String())
	if err != nil {
		t.Fatal(err)
	}
	if claims.FetchEndpoint() != anchorID+federation.FetchPath {
		t.Errorf("fetch endpoint: got %q", claims.FetchEndpoint())
	}

	subKey, err := n.wallet.CreateKey(context.Background(), keys.KeyTypeEd25519)
	if err != nil {
		t.Fatal(err)
	}
	subJWK, err := federation.StatementJWK(subKey)
	if err != nil {
		t.Fatal(err)
	}
	w = n.do(t, http.MethodPost, "/api/v1/federation/subordinates", federation.RegisterRequest{
		EntityID: "https://rp.example",
		JWKS:     federation.JWKS{Keys: []map[string]any{subJWK}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	id, _ := decode(t, w)["id"].(string)

	if w := n.do(t, http.MethodGet, "/fetch?sub=https://rp.example", nil); w.Code != http.StatusNotFound {
		t.Errorf("pending fetch: expected 404, got %d", w.Code)
	}
	if w := n.do(t, http.MethodPost, "/api/v1/federation/subordinates/"+id+"/approve", nil); w.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = n.do(t, http.MethodGet, "/fetch?sub=https://rp.example", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("fetch: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	stmt, _, err := federation.ParseStatement(w.Body.String())
	if err != nil {
		t.Fatal(err)
	}
	if stmt.Issuer != anchorID || stmt.Subject != "https://rp.example" {
		t.Errorf("iss/sub: got %q/%q", stmt.Issuer, stmt.Subject)
	}

	w = n.do(t, http.MethodGet, federation.ListPath, nil)
	var ids []string
	if err := json.Unmarshal(w.Body.Bytes(), &ids); err != nil || len(ids) != 1 || ids[0] != "https://rp.example" {
		t.Errorf("list: got %s", w.Body.String())
	}

	if w := n.do(t, http.MethodGet, "/fetch", nil); w.Code != http.StatusBadRequest {
		t.Errorf("fetch without sub: expected 400, got %d", w.Code)
	}
	if w := n.do(t, http.MethodPost, "/api/v1/federation/subordinates/not-a-uuid/approve", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}
}

func TestLedgerRoutes(t *testing.T) {
	n := newTestNode(t, server.Config{})

	w := n.do(t, http.MethodGet, "/api/v1/ledger", nil)
	if int(decode(t, w)["entries"].(float64)) != 1 {
		t.Errorf("expected genesis only, got %s", w.Body.String())
	}
	w = n.do(t, http.MethodGet, "/api/v1/ledger/verify", nil)
	if decode(t, w)["valid"] != true {
		t.Errorf("verify: got %s", w.Body.String())
	}
	if w := n.do(t, http.MethodGet, "/api/v1/ledger/entries/0", nil); w.Code != http.StatusOK {
		t.Errorf("genesis: expected 200, got %d", w.Code)
	}
	if w := n.do(t, http.MethodGet, "/api/v1/ledger/entries/999", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing entry: expected 404, got %d", w.Code)
	}
	if w := n.do(t, http.MethodGet, "/api/v1/ledger/entries/-1", nil); w.Code != http.StatusBadRequest {
		t.Errorf("negative index: expected 400, got %d", w.Code)
	}
	w = n.do(t, http.MethodGet, "/api/v1/ledger/entries?from=0&limit=5", nil)
	if list, _ := decode(t, w)["entries"].([]any); len(list) != 1 {
		t.Errorf("list: got %s", w.Body.String())
	}
}

func TestRateLimiter(t *testing.T) {
	n := newTestNode(t, server.Config{RateLimitRPS: 1})
	var limited bool
	for i := 0; i < 5; i++ {
		if w := n.do(t, http.MethodGet, "/healthz", nil); w.Code == http.StatusTooManyRequests {
			limited = true
			if w.Header().Get("Retry-After") == "" {
				t.Error("expected Retry-After")
			}
			break
		}
	}
	if !limited {
		t.Error("expected a 429 within the burst")
	}
}
