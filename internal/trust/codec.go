package trust

import (
	"encoding/json"
	"fmt"

	"github.com/jmerrifield20/jwtrust/internal/keys"
)

// issuerJSON is the stored and wire form of an IssuerDescriptor.
type issuerJSON struct {
	Method   string          `json:"method"`
	DidURL   string          `json:"didUrl,omitempty"`
	X5c      []string        `json:"x5c,omitempty"`
	Issuer   string          `json:"issuer,omitempty"`
	Jwk      json.RawMessage `json:"jwk,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
}

// verifierJSON is the wire form of a VerifierDescriptor.
type verifierJSON struct {
	Method           string   `json:"method"`
	DidURL           string   `json:"didUrl,omitempty"`
	EntityID         string   `json:"entityId,omitempty"`
	TrustedAnchorIDs []string `json:"trustedEntityIds,omitempty"`
}

// MarshalIssuer encodes desc with a "method" discriminator.
func MarshalIssuer(desc IssuerDescriptor) ([]byte, error) {
	out := issuerJSON{}
	switch v := desc.(type) {
	case IssuerDid:
		out.DidURL = v.DidURL
	case IssuerCertificateChain:
		out.X5c = v.Chain
		out.Issuer = v.Issuer
	case IssuerJwk:
		if v.Jwk == nil {
			return nil, fmt.Errorf("%w: jwk issuer without jwk", ErrConfiguration)
		}
		raw, err := v.Jwk.MarshalJSON()
		if err != nil {
			return nil, err
		}
		out.Jwk = raw
	case IssuerFederation:
		out.ClientID = v.ClientID
	default:
		return nil, fmt.Errorf("%w: issuer %T", ErrUnsupportedMethod, desc)
	}
	out.Method = desc.Method()
	return json.Marshal(out)
}

// UnmarshalIssuer decodes the output of MarshalIssuer.
func UnmarshalIssuer(data []byte) (IssuerDescriptor, error) {
	var in issuerJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: decode issuer descriptor: %w", ErrConfiguration, err)
	}
	switch in.Method {
	case MethodDid:
		return IssuerDid{DidURL: in.DidURL}, nil
	case MethodX5c:
		return IssuerCertificateChain{Chain: in.X5c, Issuer: in.Issuer}, nil
	case MethodJwk:
		if len(in.Jwk) == 0 {
			return nil, fmt.Errorf("%w: jwk issuer without jwk", ErrConfiguration)
		}
		j, err := keys.JwkFromJSON(in.Jwk)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return IssuerJwk{Jwk: j}, nil
	case MethodFederation:
		return IssuerFederation{ClientID: in.ClientID}, nil
	default:
		return nil, fmt.Errorf("%w: issuer method %q", ErrUnsupportedMethod, in.Method)
	}
}

// MarshalVerifier encodes desc with a "method" discriminator.
func MarshalVerifier(desc VerifierDescriptor) ([]byte, error) {
	out := verifierJSON{}
	switch v := desc.(type) {
	case VerifierDid:
		out.DidURL = v.DidURL
	case VerifierCertificate, VerifierJwk:
	case VerifierFederation:
		out.EntityID = v.EntityID
		out.TrustedAnchorIDs = v.TrustedAnchorIDs
	default:
		return nil, fmt.Errorf("%w: verifier %T", ErrUnsupportedMethod, desc)
	}
	out.Method = desc.Method()
	return json.Marshal(out)
}

// UnmarshalVerifier decodes the output of MarshalVerifier.
func UnmarshalVerifier(data []byte) (VerifierDescriptor, error) {
	var in verifierJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: decode verifier descriptor: %w", ErrConfiguration, err)
	}
	switch in.Method {
	case MethodDid:
		return VerifierDid{DidURL: in.DidURL}, nil
	case MethodX5c:
		return VerifierCertificate{}, nil
	case MethodJwk:
		return VerifierJwk{}, nil
	case MethodFederation:
		return VerifierFederation{EntityID: in.EntityID, TrustedAnchorIDs: in.TrustedAnchorIDs}, nil
	default:
		return nil, fmt.Errorf("%w: verifier method %q", ErrUnsupportedMethod, in.Method)
	}
}
