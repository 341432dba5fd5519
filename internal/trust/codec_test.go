package trust_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/jmerrifield20/jwtrust/internal/keys"
	"github.com/jmerrifield20/jwtrust/internal/trust"
)

func TestIssuerCodec(t *testing.T) {
	f := newFixture(t)
	j, err := keys.JwkFromKey(f.key)
	if err != nil {
		t.Fatal(err)
	}

	for _, desc := range []trust.IssuerDescriptor{
		trust.IssuerDid{DidURL: f.didURL},
		trust.IssuerCertificateChain{Chain: []string{"MIIB"}, Issuer: "https://issuer.example"},
		trust.IssuerFederation{ClientID: "https://rp.example"},
	} {
		data, err := trust.MarshalIssuer(desc)
		if err != nil {
			t.Fatalf("MarshalIssuer(%T) error: %v", desc, err)
		}
		got, err := trust.UnmarshalIssuer(data)
		if err != nil {
			t.Fatalf("UnmarshalIssuer(%s) error: %v", data, err)
		}
		if !reflect.DeepEqual(got, desc) {
			t.Errorf("round trip: got %#v, want %#v", got, desc)
		}
	}

	data, err := trust.MarshalIssuer(trust.IssuerJwk{Jwk: j})
	if err != nil {
		t.Fatal(err)
	}
	got, err := trust.UnmarshalIssuer(data)
	if err != nil {
		t.Fatal(err)
	}
	back, err := got.(trust.IssuerJwk).Jwk.Key()
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(f.key) {
		t.Error("jwk issuer lost its key in the round trip")
	}
}

func TestVerifierCodec(t *testing.T) {
	for _, desc := range []trust.VerifierDescriptor{
		trust.VerifierDid{DidURL: "did:web:issuer.example#key-1"},
		trust.VerifierCertificate{},
		trust.VerifierJwk{},
		trust.VerifierFederation{EntityID: "https://rp.example", TrustedAnchorIDs: []string{"https://anchor.example"}},
	} {
		data, err := trust.MarshalVerifier(desc)
		if err != nil {
			t.Fatalf("MarshalVerifier(%T) error: %v", desc, err)
		}
		got, err := trust.UnmarshalVerifier(data)
		if err != nil {
			t.Fatalf("UnmarshalVerifier(%s) error: %v", data, err)
		}
		if !reflect.DeepEqual(got, desc) {
			t.Errorf("round trip: got %#v, want %#v", got, desc)
		}
	}
}

func TestCodec_unknownMethod(t *testing.T) {
	payload := mustJSON(t, map[string]any{"method": "magic"})
	if _, err := trust.UnmarshalIssuer(payload); !errors.Is(err, trust.ErrUnsupportedMethod) {
		t.Errorf("UnmarshalIssuer: expected ErrUnsupportedMethod, got %v", err)
	}
	if _, err := trust.UnmarshalVerifier(payload); !errors.Is(err, trust.ErrUnsupportedMethod) {
		t.Errorf("UnmarshalVerifier: expected ErrUnsupportedMethod, got %v", err)
	}
	if _, err := trust.MarshalIssuer(wrappedIssuer{}); !errors.Is(err, trust.ErrUnsupportedMethod) {
		t.Errorf("MarshalIssuer: expected ErrUnsupportedMethod, got %v", err)
	}
	if _, err := trust.UnmarshalIssuer([]byte(`{"method":"jwk"}`)); !errors.Is(err, trust.ErrConfiguration) {
		t.Errorf("jwk without key: expected ErrConfiguration, got %v", err)
	}
	if _, err := trust.UnmarshalVerifier([]byte(`not json`)); !errors.Is(err, trust.ErrConfiguration) {
		t.Errorf("garbage: expected ErrConfiguration, got %v", err)
	}
}
