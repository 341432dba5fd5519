// Package trust decides how a JWT is signed or verified for a declared trust
// method: a DID URL, a bare JWK, an X.509 chain or an OpenID Federation trust
// chain. It orchestrates collaborators and never implements cryptography,
// DID methods or HTTP transport itself.
package trust

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/certificate"
	"github.com/jmerrifield20/jwtrust/internal/did"
	"github.com/jmerrifield20/jwtrust/internal/federation"
	"github.com/jmerrifield20/jwtrust/internal/keys"
	"github.com/jmerrifield20/jwtrust/internal/signature"
)

// KeyResolver resolves a DID URL to the public key it addresses.
type KeyResolver interface {
	ResolveKey(ctx context.Context, didURL string, relationships ...did.Relationship) (keys.Key, error)
}

// SignatureEngine creates and verifies compact JWS tokens.
type SignatureEngine interface {
	CreateCompact(ctx context.Context, opts signature.CreateOptions) (string, error)
	Verify(ctx context.Context, token string, resolver signature.JwkResolver) (signature.Result, error)
	// EmbeddedJwk and CertificateChain resolve the key from the token's jwk
	// or x5c header respectively, refusing the other one.
	EmbeddedJwk() signature.JwkResolver
	CertificateChain() signature.JwkResolver
}

// TrustChainResolver walks OpenID Federation authority hints.
type TrustChainResolver interface {
	ResolveTrustChains(ctx context.Context, entityID string, anchorIDs []string, verify federation.VerifyFunc) ([]federation.TrustChain, error)
	FetchEntityConfiguration(ctx context.Context, entityID string, verify federation.VerifyFunc) (*federation.EntityStatementClaims, error)
}

// Agent is the collaborator bundle a Dispatcher works with. It replaces any
// ambient wallet or registry: everything the dispatcher touches arrives here.
type Agent struct {
	Wallet     keys.Wallet
	Keys       KeyResolver
	Signatures SignatureEngine
	Federation TrustChainResolver

	// LeafCertificate extracts the leaf of an x5c chain. Defaults to
	// certificate.GetLeafCertificate.
	LeafCertificate func(chain []string) (*certificate.Leaf, error)
	// Now defaults to time.Now.
	Now func() time.Time
}

// SupportedSignatureAlgorithms lists the JWA algorithms usable with the key
// types the wallet can create, without duplicates.
func (a Agent) SupportedSignatureAlgorithms() []string {
	if a.Wallet == nil {
		return nil
	}
	seen := make(map[string]bool)
	var algs []string
	for _, kt := range a.Wallet.SupportedKeyTypes() {
		for _, alg := range kt.SupportedSignatureAlgorithms() {
			if !seen[alg] {
				seen[alg] = true
				algs = append(algs, alg)
			}
		}
	}
	return algs
}

// Dispatcher routes each descriptor variant to the collaborators that can
// honour it. It holds no mutable state and is safe for concurrent use.
type Dispatcher struct {
	agent  Agent
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher over agent.
func NewDispatcher(agent Agent, logger *zap.Logger) *Dispatcher {
	if agent.LeafCertificate == nil {
		agent.LeafCertificate = certificate.GetLeafCertificate
	}
	if agent.Now == nil {
		agent.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{agent: agent, logger: logger}
}

// Agent returns the collaborator bundle.
func (d *Dispatcher) Agent() Agent { return d.agent }

// verifyWithJwk is the federation.VerifyFunc handed to the trust chain
// resolver: every hop is checked against exactly the key it names.
func (d *Dispatcher) verifyWithJwk(ctx context.Context, token string, j *keys.Jwk) (bool, error) {
	res, err := d.agent.Signatures.Verify(ctx, token, signature.FixedJwk(j))
	if err != nil {
		return false, err
	}
	return res.IsValid, nil
}
