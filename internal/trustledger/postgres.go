package trustledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises Append across every process sharing the database.
const advisoryLockKey = int64(7_305_118_201)

const entryColumns = `idx, timestamp, subject, action, actor, data_hash, prev_hash, hash`

// PostgresLedger stores the chain in the trust_ledger table.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger.
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

// Migrate creates the table and the genesis row if they do not exist.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS trust_ledger (
			idx       INTEGER PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			subject   TEXT NOT NULL DEFAULT '',
			action    TEXT NOT NULL,
			actor     TEXT NOT NULL,
			data_hash TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash      TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create trust_ledger: %w", err)
	}
	if _, err := l.pool.Exec(ctx, `
		INSERT INTO trust_ledger (`+entryColumns+`)
		VALUES (0, $1, '', $2, $3, $4, $4, $4)
		ON CONFLICT (idx) DO NOTHING`,
		time.Now().UTC(), ActionGenesis, SystemActor, GenesisHash,
	); err != nil {
		return fmt.Errorf("seed genesis entry: %w", err)
	}
	return nil
}

// Append implements Ledger. The tip is read and the new row written inside
// one transaction holding an advisory lock.
func (l *PostgresLedger) Append(ctx context.Context, ev Event) (*Entry, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM trust_ledger ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read ledger tip: %w", err)
	}

	entry := &Entry{
		Index:     prevIdx + 1,
		Timestamp: time.Now().UTC(),
		Subject:   ev.Subject,
		Action:    ev.Action,
		Actor:     ev.Actor,
		DataHash:  sha256Sum(payload),
		PrevHash:  prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO trust_ledger (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.Index, entry.Timestamp, entry.Subject, entry.Action,
		entry.Actor, entry.DataHash, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	l.logger.Debug("ledger entry appended",
		zap.Int("idx", entry.Index),
		zap.String("action", string(entry.Action)),
		zap.String("subject", entry.Subject),
	)
	return entry, nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, index int) (*Entry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM trust_ledger WHERE idx = $1`, index))
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %d: %w", index, err)
	}
	return e, nil
}

// List implements Ledger.
func (l *PostgresLedger) List(ctx context.Context, from, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := l.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM trust_ledger WHERE idx >= $1 ORDER BY idx ASC LIMIT $2`,
		from, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	out := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Len implements Ledger.
func (l *PostgresLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM trust_ledger").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

// Verify implements Ledger. It loads the chain in index order.
func (l *PostgresLedger) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, `SELECT `+entryColumns+` FROM trust_ledger ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return verifyChain(entries)
}

// Root implements Ledger.
func (l *PostgresLedger) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM trust_ledger ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get ledger root: %w", err)
	}
	return hash, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	var action string
	if err := row.Scan(
		&e.Index, &e.Timestamp, &e.Subject, &action,
		&e.Actor, &e.DataHash, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, fmt.Errorf("scan ledger row: %w", err)
	}
	e.Action = Action(action)
	return e, nil
}
