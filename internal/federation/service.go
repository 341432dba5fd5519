package federation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/jwtrust/internal/keys"
	"github.com/jmerrifield20/jwtrust/internal/trustledger"
)

const subordinateStatementTTL = 24 * time.Hour

// Paths of the authority endpoints, relative to the entity identifier.
const (
	FetchPath = "/fetch"
	ListPath  = "/list"
)

// AuthorityService lets this node act as an intermediate or trust anchor:
// it records subordinates and issues signed statements about them.
type AuthorityService struct {
	entityID string
	store    SubordinateStore
	signer   Signer
	key      keys.Key
	ledger   trustledger.Ledger // nil = no ledger writes
	logger   *zap.Logger
}

// NewAuthorityService creates an AuthorityService that signs subordinate
// statements as entityID with key.
func NewAuthorityService(entityID string, store SubordinateStore, signer Signer, key keys.Key, logger *zap.Logger) *AuthorityService {
	return &AuthorityService{entityID: entityID, store: store, signer: signer, key: key, logger: logger}
}

// WithLedger records subordinate lifecycle events in l.
func (s *AuthorityService) WithLedger(l trustledger.Ledger) *AuthorityService {
	s.ledger = l
	return s
}

// EntityID returns the identifier statements are issued under.
func (s *AuthorityService) EntityID() string { return s.entityID }

// Register records a new subordinate in pending state.
func (s *AuthorityService) Register(ctx context.Context, req *RegisterRequest) (*Subordinate, error) {
	if req.EntityID == "" {
		return nil, fmt.Errorf("entity_id is required")
	}
	if !strings.HasPrefix(req.EntityID, "https://") {
		return nil, fmt.Errorf("entity_id must be an https URL")
	}
	if len(req.JWKS.Keys) == 0 {
		return nil, fmt.Errorf("jwks must contain at least one key")
	}
	for i, k := range req.JWKS.Keys {
		if _, err := keys.JwkFromMap(k); err != nil {
			return nil, fmt.Errorf("jwks key %d: %w", i, err)
		}
	}

	sub := &Subordinate{
		EntityID: req.EntityID,
		JWKS:     req.JWKS,
		Status:   StatusPending,
	}
	if err := s.store.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subordinate: %w", err)
	}

	s.logger.Info("federation subordinate registered",
		zap.String("entity_id", sub.EntityID),
		zap.String("id", sub.ID),
	)
	s.record(ctx, sub.EntityID, trustledger.ActionSubordinateRegistered, sub.EntityID, req.JWKS)
	return sub, nil
}

// Approve transitions a subordinate from pending to active.
func (s *AuthorityService) Approve(ctx context.Context, id uuid.UUID) (*Subordinate, error) {
	return s.transition(ctx, id, StatusActive, trustledger.ActionSubordinateApproved)
}

// Suspend marks a subordinate as suspended; no further statements are issued.
func (s *AuthorityService) Suspend(ctx context.Context, id uuid.UUID) (*Subordinate, error) {
	return s.transition(ctx, id, StatusSuspended, trustledger.ActionSubordinateSuspended)
}

func (s *AuthorityService) transition(ctx context.Context, id uuid.UUID, status SubordinateStatus, action trustledger.Action) (*Subordinate, error) {
	if err := s.store.UpdateStatus(ctx, id, status); err != nil {
		return nil, fmt.Errorf("set subordinate %s %s: %w", id, status, err)
	}
	sub, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.record(ctx, sub.EntityID, action, trustledger.SystemActor, map[string]string{"status": string(status)})
	return sub, nil
}

// record appends to the ledger, logging rather than failing on error.
func (s *AuthorityService) record(ctx context.Context, subject string, action trustledger.Action, actor string, payload any) {
	if s.ledger == nil {
		return
	}
	if _, err := s.ledger.Append(ctx, trustledger.Event{Subject: subject, Action: action, Actor: actor, Payload: payload}); err != nil {
		s.logger.Error("ledger append failed (non-fatal)",
			zap.String("action", string(action)),
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

// List returns subordinates filtered by status.
func (s *AuthorityService) List(ctx context.Context, status SubordinateStatus, limit, offset int) ([]*Subordinate, error) {
	return s.store.List(ctx, status, limit, offset)
}

// EntityConfiguration issues the authority's own self-signed entity
// configuration, advertising its fetch and list endpoints.
func (s *AuthorityService) EntityConfiguration(ctx context.Context) (string, error) {
	jwk, err := StatementJWK(s.key)
	if err != nil {
		return "", fmt.Errorf("authority key: %w", err)
	}
	base := strings.TrimSuffix(s.entityID, "/")
	now := time.Now()
	return SignStatement(ctx, s.signer, s.key, &EntityStatementClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.entityID,
			Subject:   s.entityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(subordinateStatementTTL)),
		},
		JWKS: &JWKS{Keys: []map[string]any{jwk}},
		Metadata: &Metadata{FederationEntity: &FederationEntityMetadata{
			FederationFetchEndpoint: base + FetchPath,
			FederationListEndpoint:  base + ListPath,
		}},
	})
}

// ActiveEntityIDs lists the entity identifiers of active subordinates.
func (s *AuthorityService) ActiveEntityIDs(ctx context.Context) ([]string, error) {
	subs, err := s.store.List(ctx, StatusActive, 1000, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(subs))
	for _, sub := range subs {
		ids = append(ids, sub.EntityID)
	}
	return ids, nil
}

// SubordinateStatement issues a signed statement about an active subordinate.
func (s *AuthorityService) SubordinateStatement(ctx context.Context, entityID string) (string, error) {
	sub, err := s.store.GetByEntityID(ctx, entityID)
	if err != nil {
		return "", err
	}
	if sub.Status != StatusActive {
		return "", fmt.Errorf("%w: subordinate %q is %s", ErrNotFound, entityID, sub.Status)
	}

	now := time.Now()
	jwks := sub.JWKS
	token, err := SignStatement(ctx, s.signer, s.key, &EntityStatementClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.entityID,
			Subject:   sub.EntityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(subordinateStatementTTL)),
		},
		JWKS: &jwks,
	})
	if err != nil {
		return "", fmt.Errorf("sign subordinate statement: %w", err)
	}

	s.logger.Debug("subordinate statement issued", zap.String("entity_id", entityID))
	return token, nil
}
