package trust

import (
	"context"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/keys"
	"github.com/jmerrifield20/jwtrust/internal/signature"
)

// Create signs payload for desc and returns the compact JWS. The caller's
// header is copied, never mutated; the dispatcher only sets or removes
// alg, jwk and x5c.
func (d *Dispatcher) Create(ctx context.Context, desc RuntimeIssuerDescriptor, header JwtHeader, payload JwtPayload) (string, error) {
	h := maps.Clone(header)
	if h == nil {
		h = JwtHeader{}
	}

	var (
		key keys.Key
		err error
	)
	switch v := desc.(type) {
	case RuntimeDid:
		key, err = d.prepareDid(ctx, v, h)
	case RuntimeJwk:
		key, err = d.prepareJwk(v, h)
	case RuntimeCertificateChain:
		key, err = d.prepareCertificateChain(v, h)
	case RuntimeCustom:
		key, err = d.prepareCustom(ctx, v, h)
	default:
		return "", fmt.Errorf("%w: issuer %T", ErrUnsupportedMethod, desc)
	}
	if err != nil {
		return "", err
	}

	token, err := d.agent.Signatures.CreateCompact(ctx, signature.CreateOptions{
		Header:  h,
		Payload: payload,
		Key:     key,
	})
	if err != nil {
		return "", err
	}
	d.logger.Debug("jwt created",
		zap.String("method", desc.Method()),
		zap.Any("alg", h["alg"]),
		zap.String("key", key.Fingerprint()),
	)
	return token, nil
}

func (d *Dispatcher) prepareDid(ctx context.Context, v RuntimeDid, h JwtHeader) (keys.Key, error) {
	if v.DidURL == "" {
		return keys.Key{}, fmt.Errorf("%w: did issuer requires a DID URL", ErrConfiguration)
	}
	if v.Alg == "" {
		return keys.Key{}, fmt.Errorf("%w: did issuer requires an alg", ErrConfiguration)
	}
	key, err := d.resolveKey(ctx, v.DidURL)
	if err != nil {
		return keys.Key{}, err
	}
	h["alg"] = v.Alg
	delete(h, "jwk")
	return key, nil
}

func (d *Dispatcher) prepareJwk(v RuntimeJwk, h JwtHeader) (keys.Key, error) {
	if kty, _ := v.Jwk["kty"].(string); kty == "" {
		return keys.Key{}, fmt.Errorf("%w: missing required key type (kty) in the jwk", ErrConfiguration)
	}
	j, err := keys.JwkFromMap(v.Jwk)
	if err != nil {
		return keys.Key{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return embedJwk(j, v.Alg, h)
}

func (d *Dispatcher) prepareCertificateChain(v RuntimeCertificateChain, h JwtHeader) (keys.Key, error) {
	leaf, err := d.agent.LeafCertificate(v.Chain)
	if err != nil {
		return keys.Key{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	h["alg"] = v.Alg
	delete(h, "jwk")
	if _, ok := h["x5c"]; !ok {
		h["x5c"] = append([]string(nil), v.Chain...)
	}
	return leaf.PublicKey, nil
}

// prepareCustom signs as the relying party registered under clientId: its
// entity configuration is fetched, self-verified, and the first published
// key is used with that key's preferred algorithm.
func (d *Dispatcher) prepareCustom(ctx context.Context, v RuntimeCustom, h JwtHeader) (keys.Key, error) {
	if v.Options == nil {
		return keys.Key{}, fmt.Errorf("%w: custom issuer must have options defined", ErrConfiguration)
	}
	raw, ok := v.Options["clientId"]
	if !ok || raw == nil || raw == "" {
		return keys.Key{}, fmt.Errorf("%w: custom issuer must have clientId defined", ErrConfiguration)
	}
	clientID, ok := raw.(string)
	if !ok {
		return keys.Key{}, fmt.Errorf("%w: custom issuer clientId must be a string", ErrConfiguration)
	}

	ec, err := d.agent.Federation.FetchEntityConfiguration(ctx, clientID, d.verifyWithJwk)
	if err != nil {
		return keys.Key{}, fmt.Errorf("%w: fetch entity configuration of %s: %w", ErrTrustMetadata, clientID, err)
	}
	if ec.Metadata == nil || ec.Metadata.OpenIDRelyingParty == nil {
		return keys.Key{}, fmt.Errorf("%w: no openid_relying_party in the entity configuration of %s", ErrTrustMetadata, clientID)
	}
	rpKeys := ec.RelyingPartyKeys()
	if len(rpKeys) == 0 {
		return keys.Key{}, fmt.Errorf("%w: no jwks in the openid_relying_party of %s", ErrTrustMetadata, clientID)
	}

	j, err := keys.JwkFromMap(rpKeys[0])
	if err != nil {
		return keys.Key{}, fmt.Errorf("%w: relying party key of %s: %w", ErrTrustMetadata, clientID, err)
	}
	algs := j.SupportedSignatureAlgorithms()
	if len(algs) == 0 {
		return keys.Key{}, fmt.Errorf("%w: %s key", ErrAlgorithmResolution, j.KeyType())
	}
	return embedJwk(j, algs[0], h)
}

// embedJwk puts the public JWK and alg into h and returns the key to sign with.
func embedJwk(j *keys.Jwk, alg string, h JwtHeader) (keys.Key, error) {
	m, err := j.Map()
	if err != nil {
		return keys.Key{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	key, err := j.Key()
	if err != nil {
		return keys.Key{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	h["jwk"] = m
	h["alg"] = alg
	return key, nil
}
