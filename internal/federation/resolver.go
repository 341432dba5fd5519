package federation

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
)

const defaultMaxDepth = 5

// Resolver fetches entity configurations and walks authority_hints to build
// verified trust chains. It owns no signature engine: every signature is
// checked through the VerifyFunc the caller passes in.
type Resolver struct {
	client   *Client
	cache    StatementCache
	maxDepth int
	logger   *zap.Logger

	// now is the clock used for iat/exp checks. Tests can override it.
	now func() time.Time
}

// NewResolver creates a Resolver. cache may be nil.
func NewResolver(client *Client, cache StatementCache, maxDepth int, logger *zap.Logger) *Resolver {
	if cache == nil {
		cache = (*Cache)(nil)
	}
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	return &Resolver{
		client:   client,
		cache:    cache,
		maxDepth: maxDepth,
		logger:   logger,
		now:      time.Now,
	}
}

// FetchEntityConfiguration downloads the entity configuration of entityID and
// verifies it with its own keys.
func (r *Resolver) FetchEntityConfiguration(ctx context.Context, entityID string, verify VerifyFunc) (*EntityStatementClaims, error) {
	st, err := r.entityConfiguration(ctx, entityID, verify)
	if err != nil {
		return nil, err
	}
	return st.Claims, nil
}

func (r *Resolver) entityConfiguration(ctx context.Context, entityID string, verify VerifyFunc) (Statement, error) {
	token, cached := r.cache.Get(ctx, entityID)
	if !cached {
		var err error
		if token, err = r.client.FetchEntityConfiguration(ctx, entityID); err != nil {
			return Statement{}, err
		}
	}

	claims, header, err := ParseStatement(token)
	if err != nil {
		return Statement{}, err
	}
	if claims.Issuer != entityID || claims.Subject != entityID {
		return Statement{}, fmt.Errorf("%w: entity configuration of %s has iss %q sub %q",
			ErrInvalidStatement, entityID, claims.Issuer, claims.Subject)
	}
	if err := ValidateClaims(claims, r.now); err != nil {
		r.cache.Invalidate(ctx, entityID)
		return Statement{}, err
	}
	if err := VerifyWithJWKS(ctx, token, header, claims.JWKS, verify); err != nil {
		r.cache.Invalidate(ctx, entityID)
		return Statement{}, fmt.Errorf("entity configuration of %s: %w", entityID, err)
	}

	if !cached {
		var exp time.Time
		if claims.ExpiresAt != nil {
			exp = claims.ExpiresAt.Time
		}
		r.cache.Set(ctx, entityID, token, exp)
	}
	return Statement{Token: token, Claims: claims}, nil
}

// subordinateStatement fetches and verifies the statement superior issues
// about subject.
func (r *Resolver) subordinateStatement(ctx context.Context, superior Statement, subject string, verify VerifyFunc) (Statement, error) {
	endpoint := superior.Claims.FetchEndpoint()
	if endpoint == "" {
		return Statement{}, fmt.Errorf("%s publishes no federation_fetch_endpoint", superior.Claims.Subject)
	}
	token, err := r.client.FetchSubordinateStatement(ctx, endpoint, subject)
	if err != nil {
		return Statement{}, err
	}
	claims, header, err := ParseStatement(token)
	if err != nil {
		return Statement{}, err
	}
	if claims.Issuer != superior.Claims.Subject || claims.Subject != subject {
		return Statement{}, fmt.Errorf("%w: statement from %s has iss %q sub %q",
			ErrInvalidStatement, superior.Claims.Subject, claims.Issuer, claims.Subject)
	}
	if err := ValidateClaims(claims, r.now); err != nil {
		return Statement{}, err
	}
	if err := VerifyWithJWKS(ctx, token, header, superior.Claims.JWKS, verify); err != nil {
		return Statement{}, fmt.Errorf("subordinate statement %s -> %s: %w", superior.Claims.Subject, subject, err)
	}
	return Statement{Token: token, Claims: claims}, nil
}

// ResolveTrustChains returns every chain from entityID to one of anchorIDs.
// Branches that fail to fetch or verify are skipped; no path at all yields an
// empty slice and no error. Failing to obtain the leaf's own configuration is
// an error.
func (r *Resolver) ResolveTrustChains(ctx context.Context, entityID string, anchorIDs []string, verify VerifyFunc) ([]TrustChain, error) {
	leaf, err := r.entityConfiguration(ctx, entityID, verify)
	if err != nil {
		return nil, err
	}

	if slices.Contains(anchorIDs, entityID) {
		return []TrustChain{{
			Statements:          []Statement{leaf},
			EntityConfiguration: leaf.Claims,
			TrustAnchorID:       entityID,
		}}, nil
	}

	w := &walk{
		r:       r,
		anchors: anchorIDs,
		verify:  verify,
		leaf:    leaf,
	}
	w.descend(ctx, leaf, nil, map[string]bool{entityID: true}, 1)

	r.logger.Debug("trust chains resolved",
		zap.String("entity_id", entityID),
		zap.Int("anchor_count", len(anchorIDs)),
		zap.Int("chains", len(w.chains)),
	)
	return w.chains, nil
}

type walk struct {
	r       *Resolver
	anchors []string
	verify  VerifyFunc
	leaf    Statement
	chains  []TrustChain
}

// descend follows the authority hints of subject. path holds the subordinate
// statements collected so far, leaf side first.
func (w *walk) descend(ctx context.Context, subject Statement, path []Statement, visited map[string]bool, depth int) {
	if depth > w.r.maxDepth || ctx.Err() != nil {
		return
	}
	for _, hint := range subject.Claims.AuthorityHints {
		if visited[hint] {
			continue
		}

		superior, err := w.r.entityConfiguration(ctx, hint, w.verify)
		if err != nil {
			w.r.logger.Warn("skip authority", zap.String("authority", hint), zap.Error(err))
			continue
		}
		stmt, err := w.r.subordinateStatement(ctx, superior, subject.Claims.Subject, w.verify)
		if err != nil {
			w.r.logger.Warn("skip subordinate statement", zap.String("authority", hint), zap.Error(err))
			continue
		}
		// The superior vouches for the subject's keys; the subject's
		// configuration must be signed with one of them.
		_, header, _ := ParseStatement(subject.Token)
		if err := VerifyWithJWKS(ctx, subject.Token, header, stmt.Claims.JWKS, w.verify); err != nil {
			w.r.logger.Warn("subject keys not vouched for", zap.String("authority", hint), zap.Error(err))
			continue
		}

		next := append(slices.Clone(path), stmt)
		if slices.Contains(w.anchors, hint) {
			statements := make([]Statement, 0, len(next)+2)
			statements = append(statements, w.leaf)
			statements = append(statements, next...)
			statements = append(statements, superior)
			w.chains = append(w.chains, TrustChain{
				Statements:          statements,
				EntityConfiguration: w.leaf.Claims,
				TrustAnchorID:       hint,
			})
			continue
		}

		visited[hint] = true
		w.descend(ctx, superior, next, visited, depth+1)
		delete(visited, hint)
	}
}
