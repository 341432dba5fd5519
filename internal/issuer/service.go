package issuer

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/did"
	"github.com/jmerrifield20/jwtrust/internal/keys"
	"github.com/jmerrifield20/jwtrust/internal/trust"
	"github.com/jmerrifield20/jwtrust/internal/trustledger"
)

const defaultAccessTokenTTL = 10 * time.Minute

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Trust is the part of the trust dispatcher the service needs.
// *trust.Dispatcher satisfies it.
type Trust interface {
	Normalize(ctx context.Context, desc trust.IssuerDescriptor) (trust.RuntimeIssuerDescriptor, error)
	Create(ctx context.Context, desc trust.RuntimeIssuerDescriptor, header trust.JwtHeader, payload trust.JwtPayload) (string, error)
	BuildEntityConfiguration(ctx context.Context, meta trust.IssuerMetadata, federationKey, accessTokenKey keys.Key) (string, error)
}

// Service holds the issuer lifecycle logic.
type Service struct {
	repo           Repository
	wallet         keys.Wallet
	trust          Trust
	ledger         trustledger.Ledger // nil = no ledger writes
	accessTokenTTL time.Duration
	logger         *zap.Logger
	now            func() time.Time
}

// NewService creates a Service. ledger may be nil.
func NewService(repo Repository, wallet keys.Wallet, t Trust, ledger trustledger.Ledger, logger *zap.Logger) *Service {
	return &Service{
		repo:           repo,
		wallet:         wallet,
		trust:          t,
		ledger:         ledger,
		accessTokenTTL: defaultAccessTokenTTL,
		logger:         logger,
		now:            time.Now,
	}
}

// SetAccessTokenTTL overrides the default access token lifetime.
func (s *Service) SetAccessTokenTTL(d time.Duration) {
	if d > 0 {
		s.accessTokenTTL = d
	}
}

// Create validates req, generates the issuer's federation (Ed25519) and
// access token (P-256) keys, and stores the record. A supplied token issuer
// descriptor is normalized once up front so a bad certificate or DID fails
// here rather than on first use.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Record, error) {
	if !slugPattern.MatchString(req.Slug) {
		return nil, fmt.Errorf("%w: slug must match %s", ErrInvalidRequest, slugPattern)
	}
	u, err := url.Parse(req.Metadata.IssuerURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("%w: issuer_url must be an absolute http(s) URL", ErrInvalidRequest)
	}

	tokenIssuer := req.TokenIssuer
	if len(tokenIssuer) > 0 {
		if _, err := s.tokenIssuer(ctx, tokenIssuer); err != nil {
			return nil, fmt.Errorf("%w: token_issuer: %w", ErrInvalidRequest, err)
		}
	}

	fedKey, err := s.wallet.CreateKey(ctx, keys.KeyTypeEd25519)
	if err != nil {
		return nil, fmt.Errorf("create federation key: %w", err)
	}
	atKey, err := s.wallet.CreateKey(ctx, keys.KeyTypeP256)
	if err != nil {
		return nil, fmt.Errorf("create access token key: %w", err)
	}
	if len(tokenIssuer) == 0 {
		ref := did.KeyDocument(atKey).VerificationMethod[0].ID
		if tokenIssuer, err = trust.MarshalIssuer(trust.IssuerDid{DidURL: ref}); err != nil {
			return nil, err
		}
	}

	rec := &Record{
		Slug:           req.Slug,
		Metadata:       req.Metadata,
		FederationKey:  fedKey.Fingerprint(),
		AccessTokenKey: atKey.Fingerprint(),
		TokenIssuer:    tokenIssuer,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info("issuer created",
		zap.String("slug", rec.Slug),
		zap.String("issuer_url", rec.Metadata.IssuerURL),
		zap.String("federation_key", rec.FederationKey),
	)
	s.record(ctx, rec)
	return rec, nil
}

// Get returns the issuer with id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

// GetBySlug returns the issuer published under slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (*Record, error) {
	return s.repo.GetBySlug(ctx, slug)
}

// List returns issuers newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	return s.repo.List(ctx, limit, offset)
}

// EntityConfiguration builds the signed entity configuration of slug.
func (s *Service) EntityConfiguration(ctx context.Context, slug string) (string, error) {
	rec, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return "", err
	}
	fedKey, err := keys.FromFingerprint(rec.FederationKey)
	if err != nil {
		return "", fmt.Errorf("%w: federation key: %w", trust.ErrEntityStatement, err)
	}
	atKey, err := keys.FromFingerprint(rec.AccessTokenKey)
	if err != nil {
		return "", fmt.Errorf("%w: access token key: %w", trust.ErrEntityStatement, err)
	}
	return s.trust.BuildEntityConfiguration(ctx, rec.Metadata, fedKey, atKey)
}

// IssueAccessToken signs claims as an access token of slug using the
// issuer's token issuer descriptor. iss, iat and jti are always set; exp
// defaults to the configured TTL.
func (s *Service) IssueAccessToken(ctx context.Context, slug string, claims map[string]any) (string, error) {
	rec, err := s.repo.GetBySlug(ctx, slug)
	if err != nil {
		return "", err
	}
	rt, err := s.tokenIssuer(ctx, rec.TokenIssuer)
	if err != nil {
		return "", err
	}

	now := s.now()
	payload := maps.Clone(claims)
	if payload == nil {
		payload = map[string]any{}
	}
	payload["iss"] = rec.Metadata.IssuerURL
	payload["iat"] = now.Unix()
	payload["jti"] = uuid.NewString()
	if _, ok := payload["exp"]; !ok {
		payload["exp"] = now.Add(s.accessTokenTTL).Unix()
	}
	return s.trust.Create(ctx, rt, trust.JwtHeader{"typ": "at+jwt"}, payload)
}

func (s *Service) tokenIssuer(ctx context.Context, raw []byte) (trust.RuntimeIssuerDescriptor, error) {
	desc, err := trust.UnmarshalIssuer(raw)
	if err != nil {
		return nil, err
	}
	return s.trust.Normalize(ctx, desc)
}

func (s *Service) record(ctx context.Context, rec *Record) {
	if s.ledger == nil {
		return
	}
	_, err := s.ledger.Append(ctx, trustledger.Event{
		Subject: rec.Metadata.IssuerURL,
		Action:  trustledger.ActionIssuerCreated,
		Actor:   trustledger.SystemActor,
		Payload: rec,
	})
	if err != nil {
		s.logger.Error("ledger append failed (non-fatal)",
			zap.String("slug", rec.Slug),
			zap.Error(err),
		)
	}
}
