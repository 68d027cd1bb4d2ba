package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLStore is a CounterStore backed by a shared SQLite database. The
// check-and-increment across all scopes runs in one transaction, which
// carries the admit-all-or-reject atomicity contract.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore opens the database at dsn and initializes the schema.
func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open rate-limit store: %w", err)
	}

	// Serialized writers; WAL keeps readers unblocked.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &SQLStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS rate_windows (
key TEXT PRIMARY KEY,
window_start INTEGER NOT NULL,
window_end INTEGER NOT NULL,
count INTEGER NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("failed to initialize rate-limit schema: %w", err)
	}
	return nil
}

// Admit implements CounterStore. All scope rows are read and written inside
// a single transaction; a rejection rolls back without incrementing anything.
func (s *SQLStore) Admit(ctx context.Context, checks []ScopeCheck, now time.Time) (Decision, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to begin rate-limit transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range checks {
		start := now.Truncate(c.Window)

		var row struct {
			WindowStart int64 `db:"window_start"`
			Count       int   `db:"count"`
		}
		err := tx.GetContext(ctx, &row,
			`SELECT window_start, count FROM rate_windows WHERE key = ?`, c.Key)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return Decision{}, fmt.Errorf("failed to read rate window: %w", err)
		}

		current := 0
		if err == nil && row.WindowStart == start.Unix() {
			current = row.Count
		}
		if current >= c.Limit {
			return Decision{
				Scope:      c.Scope,
				RetryAfter: retryAfter(start.Add(c.Window), now),
			}, nil
		}
	}

	for _, c := range checks {
		start := now.Truncate(c.Window)
		end := start.Add(c.Window)

		_, err := tx.ExecContext(ctx, `INSERT INTO rate_windows (key, window_start, window_end, count)
VALUES (?, ?, ?, 1)
ON CONFLICT(key) DO UPDATE SET
count = CASE WHEN window_start = excluded.window_start THEN count + 1 ELSE 1 END,
window_start = excluded.window_start,
window_end = excluded.window_end`,
			c.Key, start.Unix(), end.Unix())
		if err != nil {
			return Decision{}, fmt.Errorf("failed to increment rate window: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("failed to commit rate-limit transaction: %w", err)
	}
	return Decision{Allowed: true}, nil
}

// Evict deletes windows that ended before now.
func (s *SQLStore) Evict(ctx context.Context, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_windows WHERE window_end < ?`, now.Unix())
	if err != nil {
		return fmt.Errorf("failed to evict rate windows: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ CounterStore = (*SQLStore)(nil)
