package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository persists issuer records.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetBySlug(ctx context.Context, slug string) (*Record, error)
	List(ctx context.Context, limit, offset int) ([]*Record, error)
}

const defaultListLimit = 50

// PostgresRepository stores issuers in the issuers table.
type PostgresRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{db: db, logger: logger}
}

// Migrate creates the issuers table if it does not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS issuers (
			id               UUID PRIMARY KEY,
			slug             TEXT NOT NULL UNIQUE,
			metadata         JSONB NOT NULL,
			federation_key   TEXT NOT NULL,
			access_token_key TEXT NOT NULL,
			token_issuer     JSONB NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create issuers table: %w", err)
	}
	return nil
}

const issuerColumns = `id, slug, metadata, federation_key, access_token_key, token_issuer, created_at, updated_at`

// Create inserts rec, assigning its ID and timestamps.
func (r *PostgresRepository) Create(ctx context.Context, rec *Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	rec.ID = uuid.New()
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err = r.db.Exec(ctx,
		`INSERT INTO issuers (`+issuerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.Slug, meta, rec.FederationKey, rec.AccessTokenKey,
		[]byte(rec.TokenIssuer), rec.CreatedAt, rec.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: slug %q", ErrConflict, rec.Slug)
	}
	if err != nil {
		return fmt.Errorf("insert issuer: %w", err)
	}
	return nil
}

// GetByID implements Repository.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return r.scan(r.db.QueryRow(ctx, `SELECT `+issuerColumns+` FROM issuers WHERE id = $1`, id))
}

// GetBySlug implements Repository.
func (r *PostgresRepository) GetBySlug(ctx context.Context, slug string) (*Record, error) {
	return r.scan(r.db.QueryRow(ctx, `SELECT `+issuerColumns+` FROM issuers WHERE slug = $1`, slug))
}

// List returns issuers newest first.
func (r *PostgresRepository) List(ctx context.Context, limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+issuerColumns+` FROM issuers ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list issuers: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) scan(row pgx.Row) (*Record, error) {
	rec := &Record{}
	var meta, tokenIssuer []byte
	err := row.Scan(&rec.ID, &rec.Slug, &meta, &rec.FederationKey, &rec.AccessTokenKey,
		&tokenIssuer, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan issuer: %w", err)
	}
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("decode issuer metadata: %w", err)
	}
	rec.TokenIssuer = tokenIssuer
	return rec, nil
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Record
	bySlug map[string]uuid.UUID
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:   make(map[uuid.UUID]*Record),
		bySlug: make(map[string]uuid.UUID),
	}
}

// Create implements Repository.
func (m *MemoryRepository) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.bySlug[rec.Slug]; taken {
		return fmt.Errorf("%w: slug %q", ErrConflict, rec.Slug)
	}
	rec.ID = uuid.New()
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	cp := *rec
	m.byID[rec.ID] = &cp
	m.bySlug[rec.Slug] = rec.ID
	return nil
}

// GetByID implements Repository.
func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// GetBySlug implements Repository.
func (m *MemoryRepository) GetBySlug(ctx context.Context, slug string) (*Record, error) {
	m.mu.RLock()
	id, ok := m.bySlug[slug]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, id)
}

// List implements Repository.
func (m *MemoryRepository) List(_ context.Context, limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	m.mu.RLock()
	all := make([]*Record, 0, len(m.byID))
	for _, rec := range m.byID {
		cp := *rec
		all = append(all, &cp)
	}
	m.mu.RUnlock()

	slices.SortFunc(all, func(a, b *Record) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if offset >= len(all) {
		return []*Record{}, nil
	}
	return all[offset:min(offset+limit, len(all))], nil
}
