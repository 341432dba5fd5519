package trust

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jmerrifield20/jwtrust/internal/certificate"
	"github.com/jmerrifield20/jwtrust/internal/keys"
)

// Normalize resolves a stored issuer descriptor into the runtime form Create
// accepts, picking the first supported algorithm of the key involved. For
// certificate chains it also checks that the leaf authorizes the issuer.
func (d *Dispatcher) Normalize(ctx context.Context, desc IssuerDescriptor) (RuntimeIssuerDescriptor, error) {
	switch v := desc.(type) {
	case IssuerDid:
		if v.DidURL == "" {
			return nil, fmt.Errorf("%w: did issuer requires a DID URL", ErrConfiguration)
		}
		key, err := d.resolveKey(ctx, v.DidURL)
		if err != nil {
			return nil, err
		}
		alg, err := firstAlgorithm(key.Type)
		if err != nil {
			return nil, err
		}
		return RuntimeDid{DidURL: v.DidURL, Alg: alg}, nil

	case IssuerCertificateChain:
		return d.normalizeCertificateChain(v)

	case IssuerJwk:
		if v.Jwk == nil {
			return nil, fmt.Errorf("%w: jwk issuer requires a jwk", ErrConfiguration)
		}
		alg, err := firstAlgorithm(v.Jwk.KeyType())
		if err != nil {
			return nil, err
		}
		m, err := v.Jwk.Map()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return RuntimeJwk{Jwk: m, Alg: alg}, nil

	case IssuerFederation:
		return RuntimeCustom{Options: map[string]any{"clientId": v.ClientID}}, nil

	default:
		return nil, fmt.Errorf("%w: issuer %T", ErrUnsupportedMethod, desc)
	}
}

func (d *Dispatcher) normalizeCertificateChain(v IssuerCertificateChain) (RuntimeIssuerDescriptor, error) {
	leaf, err := d.agent.LeafCertificate(v.Chain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	alg, err := firstAlgorithm(leaf.PublicKey.Type)
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(v.Issuer, "https://") {
		return nil, fmt.Errorf("%w: certificate issuer %q must be an https URI", ErrValidation, v.Issuer)
	}
	if !slices.Contains(leaf.SanURINames, v.Issuer) {
		host, err := certificate.DomainFromURL(v.Issuer)
		if err != nil || !slices.Contains(leaf.SanDNSNames, host) {
			return nil, fmt.Errorf("%w: issuer %q matches no SAN URI or SAN DNS name of the leaf certificate", ErrValidation, v.Issuer)
		}
	}

	return RuntimeCertificateChain{
		Chain:  append([]string(nil), v.Chain...),
		Issuer: v.Issuer,
		Alg:    alg,
	}, nil
}

func firstAlgorithm(kt keys.KeyType) (string, error) {
	algs := kt.SupportedSignatureAlgorithms()
	if len(algs) == 0 {
		return "", fmt.Errorf("%w: %s key", ErrAlgorithmResolution, kt)
	}
	return algs[0], nil
}
