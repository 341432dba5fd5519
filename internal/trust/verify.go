package trust

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/did"
	"github.com/jmerrifield20/jwtrust/internal/keys"
	"github.com/jmerrifield20/jwtrust/internal/signature"
)

// Verify checks token according to desc. A token whose signature does not
// match the selected key yields false with a nil error; errors are reserved
// for configuration, resolution and metadata failures.
func (d *Dispatcher) Verify(ctx context.Context, desc VerifierDescriptor, token string) (bool, error) {
	switch v := desc.(type) {
	case VerifierDid:
		return d.verifyDid(ctx, v, token)
	case VerifierCertificate:
		return d.verifyToken(ctx, token, d.agent.Signatures.CertificateChain())
	case VerifierJwk:
		return d.verifyToken(ctx, token, d.agent.Signatures.EmbeddedJwk())
	case VerifierFederation:
		return d.verifyFederation(ctx, v, token)
	default:
		return false, fmt.Errorf("%w: verifier %T", ErrUnsupportedMethod, desc)
	}
}

func (d *Dispatcher) verifyDid(ctx context.Context, v VerifierDid, token string) (bool, error) {
	if v.DidURL == "" {
		return false, fmt.Errorf("%w: did verifier requires a DID URL", ErrConfiguration)
	}
	key, err := d.resolveKey(ctx, v.DidURL)
	if err != nil {
		return false, err
	}
	j, err := keys.JwkFromKey(key)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrKeyResolution, v.DidURL, err)
	}
	return d.verifyToken(ctx, token, signature.FixedJwk(j))
}

func (d *Dispatcher) verifyFederation(ctx context.Context, v VerifierFederation, token string) (bool, error) {
	if v.EntityID == "" {
		return false, fmt.Errorf("%w: federation verifier requires an entity id", ErrConfiguration)
	}
	if len(v.TrustedAnchorIDs) == 0 {
		return false, fmt.Errorf("%w: federation verifier requires at least one trusted anchor", ErrConfiguration)
	}

	chains, err := d.agent.Federation.ResolveTrustChains(ctx, v.EntityID, v.TrustedAnchorIDs, d.verifyWithJwk)
	if err != nil {
		return false, fmt.Errorf("%w: resolve trust chains for %s: %w", ErrTrustMetadata, v.EntityID, err)
	}
	if len(chains) == 0 {
		d.logger.Info("no trust chain to any trusted anchor",
			zap.String("entity_id", v.EntityID),
			zap.Strings("anchors", v.TrustedAnchorIDs),
		)
		return false, nil
	}

	// Only the first chain is considered.
	leaf := chains[0].EntityConfiguration
	if leaf == nil {
		return false, fmt.Errorf("%w: trust chain for %s has no entity configuration", ErrTrustMetadata, v.EntityID)
	}
	rpKeys := leaf.RelyingPartyKeys()
	if len(rpKeys) == 0 {
		return false, fmt.Errorf("%w: %s publishes no openid_relying_party jwks", ErrTrustMetadata, v.EntityID)
	}
	j, err := keys.JwkFromMap(rpKeys[0])
	if err != nil {
		return false, fmt.Errorf("%w: relying party key of %s: %w", ErrTrustMetadata, v.EntityID, err)
	}
	return d.verifyToken(ctx, token, signature.FixedJwk(j))
}

func (d *Dispatcher) verifyToken(ctx context.Context, token string, resolver signature.JwkResolver) (bool, error) {
	res, err := d.agent.Signatures.Verify(ctx, token, resolver)
	if err != nil {
		return false, err
	}
	return res.IsValid, nil
}

// resolveKey looks up the authentication key of didURL. Any failure,
// did.ErrNotFound included, surfaces as ErrKeyResolution.
func (d *Dispatcher) resolveKey(ctx context.Context, didURL string) (keys.Key, error) {
	key, err := d.agent.Keys.ResolveKey(ctx, didURL, did.Authentication)
	if err != nil {
		return keys.Key{}, fmt.Errorf("%w: %s: %w", ErrKeyResolution, didURL, err)
	}
	return key, nil
}
