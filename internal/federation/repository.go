package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// SubordinateStore is the repository interface consumed by AuthorityService.
// Defined here to keep the service testable without a real DB.
type SubordinateStore interface {
	Create(ctx context.Context, s *Subordinate) error
	GetByEntityID(ctx context.Context, entityID string) (*Subordinate, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Subordinate, error)
	List(ctx context.Context, status SubordinateStatus, limit, offset int) ([]*Subordinate, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status SubordinateStatus) error
}

// SubordinateRepository is the Postgres-backed SubordinateStore.
type SubordinateRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewSubordinateRepository creates a new SubordinateRepository.
func NewSubordinateRepository(pool *pgxpool.Pool, logger *zap.Logger) *SubordinateRepository {
	return &SubordinateRepository{pool: pool, logger: logger}
}

// Migrate creates the federation_subordinates table if it does not exist.
func (r *SubordinateRepository) Migrate(ctx context.Context) error {
	const q = `
		CREATE TABLE IF NOT EXISTS federation_subordinates (
			id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			entity_id     TEXT NOT NULL UNIQUE,
			jwks          JSONB NOT NULL,
			status        TEXT NOT NULL,
			registered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	if _, err := r.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("migrate federation_subordinates: %w", err)
	}
	return nil
}

// Create inserts a new federation_subordinates row.
func (r *SubordinateRepository) Create(ctx context.Context, s *Subordinate) error {
	const q = `
		INSERT INTO federation_subordinates (entity_id, jwks, status)
		VALUES ($1, $2, $3)
		RETURNING id, registered_at, updated_at`

	jwks, err := json.Marshal(s.JWKS)
	if err != nil {
		return fmt.Errorf("marshal jwks: %w", err)
	}
	row := r.pool.QueryRow(ctx, q, s.EntityID, jwks, string(s.Status))
	return row.Scan(&s.ID, &s.RegisteredAt, &s.UpdatedAt)
}

// GetByEntityID fetches a subordinate by its entity identifier.
func (r *SubordinateRepository) GetByEntityID(ctx context.Context, entityID string) (*Subordinate, error) {
	const q = `
		SELECT id, entity_id, jwks, status, registered_at, updated_at
		FROM federation_subordinates
		WHERE entity_id = $1`

	return r.scan(r.pool.QueryRow(ctx, q, entityID))
}

// GetByID fetches a subordinate by its primary key UUID.
func (r *SubordinateRepository) GetByID(ctx context.Context, id uuid.UUID) (*Subordinate, error) {
	const q = `
		SELECT id, entity_id, jwks, status, registered_at, updated_at
		FROM federation_subordinates
		WHERE id = $1`

	return r.scan(r.pool.QueryRow(ctx, q, id))
}

// List returns subordinates filtered by status with pagination.
// An empty status string returns all records.
func (r *SubordinateRepository) List(ctx context.Context, status SubordinateStatus, limit, offset int) ([]*Subordinate, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		const q = `
			SELECT id, entity_id, jwks, status, registered_at, updated_at
			FROM federation_subordinates
			ORDER BY registered_at DESC
			LIMIT $1 OFFSET $2`
		rows, err = r.pool.Query(ctx, q, limit, offset)
	} else {
		const q = `
			SELECT id, entity_id, jwks, status, registered_at, updated_at
			FROM federation_subordinates
			WHERE status = $1
			ORDER BY registered_at DESC
			LIMIT $2 OFFSET $3`
		rows, err = r.pool.Query(ctx, q, string(status), limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list subordinates: %w", err)
	}
	defer rows.Close()

	var result []*Subordinate
	for rows.Next() {
		s, scanErr := r.scan(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// UpdateStatus changes the status of a subordinate.
func (r *SubordinateRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status SubordinateStatus) error {
	const q = `
		UPDATE federation_subordinates
		SET status = $1, updated_at = now()
		WHERE id = $2`

	tag, err := r.pool.Exec(ctx, q, string(status), id)
	if err != nil {
		return fmt.Errorf("update subordinate status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scan reads a single row. pgx.Rows satisfies pgx.Row, so both QueryRow and
// Query results go through here.
func (r *SubordinateRepository) scan(row pgx.Row) (*Subordinate, error) {
	s := &Subordinate{}
	var (
		status string
		jwks   []byte
	)
	err := row.Scan(&s.ID, &s.EntityID, &jwks, &status, &s.RegisteredAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subordinate: %w", err)
	}
	if err := json.Unmarshal(jwks, &s.JWKS); err != nil {
		return nil, fmt.Errorf("decode subordinate jwks: %w", err)
	}
	s.Status = SubordinateStatus(status)
	return s, nil
}

// MemorySubordinateStore is an in-memory SubordinateStore for tests and
// single-node deployments without a database.
type MemorySubordinateStore struct {
	mu   sync.RWMutex
	byID map[string]*Subordinate
}

// NewMemorySubordinateStore creates an empty MemorySubordinateStore.
func NewMemorySubordinateStore() *MemorySubordinateStore {
	return &MemorySubordinateStore{byID: make(map[string]*Subordinate)}
}

// Create implements SubordinateStore.
func (m *MemorySubordinateStore) Create(_ context.Context, s *Subordinate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.EntityID == s.EntityID {
			return fmt.Errorf("subordinate %q already registered", s.EntityID)
		}
	}
	now := time.Now().UTC()
	s.ID = uuid.NewString()
	s.RegisteredAt = now
	s.UpdatedAt = now
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

// GetByEntityID implements SubordinateStore.
func (m *MemorySubordinateStore) GetByEntityID(_ context.Context, entityID string) (*Subordinate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.byID {
		if s.EntityID == entityID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// GetByID implements SubordinateStore.
func (m *MemorySubordinateStore) GetByID(_ context.Context, id uuid.UUID) (*Subordinate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id.String()]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// List implements SubordinateStore.
func (m *MemorySubordinateStore) List(_ context.Context, status SubordinateStatus, limit, offset int) ([]*Subordinate, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	var all []*Subordinate
	for _, s := range m.byID {
		if status == "" || s.Status == status {
			cp := *s
			all = append(all, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].RegisteredAt.After(all[j].RegisteredAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// UpdateStatus implements SubordinateStore.
func (m *MemorySubordinateStore) UpdateStatus(_ context.Context, id uuid.UUID, status SubordinateStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id.String()]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = time.Now().UTC()
	return nil
}
