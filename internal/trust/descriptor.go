package trust

import "github.com/jmerrifield20/jwtrust/internal/keys"

// Method names used on the wire and in logs.
const (
	MethodDid        = "did"
	MethodX5c        = "x5c"
	MethodJwk        = "jwk"
	MethodFederation = "openid-federation"
	MethodCustom     = "custom"
)

// JwtHeader is the unsigned JOSE header supplied by the caller.
type JwtHeader = map[string]any

// JwtPayload is the unsigned claim set supplied by the caller.
type JwtPayload = map[string]any

// VerifierDescriptor declares how an incoming token must be verified. It is
// a closed set: VerifierDid, VerifierCertificate, VerifierJwk and
// VerifierFederation. Descriptors are passed by value.
type VerifierDescriptor interface {
	Method() string
	isVerifier()
}

// VerifierDid verifies with the authentication key a DID URL resolves to.
type VerifierDid struct {
	DidURL string
}

// VerifierCertificate verifies with the leaf of the token's own x5c header.
type VerifierCertificate struct{}

// VerifierJwk verifies with the token's own jwk header.
type VerifierJwk struct{}

// VerifierFederation verifies with the relying party keys of an entity that
// has a trust chain to one of TrustedAnchorIDs.
type VerifierFederation struct {
	EntityID         string
	TrustedAnchorIDs []string
}

func (VerifierDid) Method() string         { return MethodDid }
func (VerifierCertificate) Method() string { return MethodX5c }
func (VerifierJwk) Method() string         { return MethodJwk }
func (VerifierFederation) Method() string  { return MethodFederation }

func (VerifierDid) isVerifier()         {}
func (VerifierCertificate) isVerifier() {}
func (VerifierJwk) isVerifier()         {}
func (VerifierFederation) isVerifier()  {}

// IssuerDescriptor is the storage friendly description of how tokens are
// issued. Normalize turns it into a RuntimeIssuerDescriptor.
type IssuerDescriptor interface {
	Method() string
	isIssuer()
}

// IssuerDid signs with the authentication key of a DID URL.
type IssuerDid struct {
	DidURL string
}

// IssuerCertificateChain signs with the key certified by the leaf of Chain.
// Issuer is the iss value the certificate must authorize.
type IssuerCertificateChain struct {
	Chain  []string
	Issuer string
}

// IssuerJwk signs with the private half of a JWK.
type IssuerJwk struct {
	Jwk *keys.Jwk
}

// IssuerFederation signs with the relying party key published by ClientID.
type IssuerFederation struct {
	ClientID string
}

func (IssuerDid) Method() string              { return MethodDid }
func (IssuerCertificateChain) Method() string { return MethodX5c }
func (IssuerJwk) Method() string              { return MethodJwk }
func (IssuerFederation) Method() string       { return MethodFederation }

func (IssuerDid) isIssuer()              {}
func (IssuerCertificateChain) isIssuer() {}
func (IssuerJwk) isIssuer()              {}
func (IssuerFederation) isIssuer()       {}

// RuntimeIssuerDescriptor is a fully resolved issuer descriptor, the only
// shape Create accepts.
type RuntimeIssuerDescriptor interface {
	Method() string
	isRuntimeIssuer()
}

// RuntimeDid signs with the DID's authentication key using Alg.
type RuntimeDid struct {
	DidURL string
	Alg    string
}

// RuntimeCertificateChain signs with the leaf key of a chain whose SANs have
// been checked against Issuer.
type RuntimeCertificateChain struct {
	Chain  []string
	Issuer string
	Alg    string
}

// RuntimeJwk signs with the private half of Jwk, held in JSON object form.
type RuntimeJwk struct {
	Jwk map[string]any
	Alg string
}

// RuntimeCustom defers key and algorithm selection to signing time. Options
// must hold a string "clientId".
type RuntimeCustom struct {
	Options map[string]any
}

func (RuntimeDid) Method() string              { return MethodDid }
func (RuntimeCertificateChain) Method() string { return MethodX5c }
func (RuntimeJwk) Method() string              { return MethodJwk }
func (RuntimeCustom) Method() string           { return MethodCustom }

func (RuntimeDid) isRuntimeIssuer()              {}
func (RuntimeCertificateChain) isRuntimeIssuer() {}
func (RuntimeJwk) isRuntimeIssuer()              {}
func (RuntimeCustom) isRuntimeIssuer()           {}
