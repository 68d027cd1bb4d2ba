package cost

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/escuela-ia/chat-guardrails/internal/domain"
)

// SQLLedger is a Ledger backed by SQLite. Individual records are kept for
// audit; aggregates are computed with SUM queries.
type SQLLedger struct {
	db *sqlx.DB
}

// NewSQLLedger opens the ledger database at dsn and initializes the schema.
func NewSQLLedger(dsn string) (*SQLLedger, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cost ledger: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	l := &SQLLedger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLLedger) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
request_id TEXT PRIMARY KEY,
user_id TEXT,
ts TIMESTAMP NOT NULL,
day TEXT NOT NULL,
month TEXT NOT NULL,
model TEXT NOT NULL,
input_tokens INTEGER NOT NULL,
output_tokens INTEGER NOT NULL,
cost_usd REAL NOT NULL,
latency_ms REAL NOT NULL,
cached INTEGER NOT NULL DEFAULT 0,
feature TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_day ON usage_records(day)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_month ON usage_records(month)`,
		`CREATE TABLE IF NOT EXISTS budget_alerts (
period TEXT NOT NULL,
day TEXT NOT NULL,
PRIMARY KEY (period, day)
)`,
	}
	for _, stmt := range statements {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize ledger schema: %w", err)
		}
	}
	return nil
}

// Append implements Ledger.
func (l *SQLLedger) Append(ctx context.Context, rec domain.UsageRecord) error {
	ts := rec.Timestamp.UTC()
	_, err := l.db.ExecContext(ctx, `INSERT INTO usage_records
(request_id, user_id, ts, day, month, model, input_tokens, output_tokens, cost_usd, latency_ms, cached, feature)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.UserID, ts, ts.Format("2006-01-02"), ts.Format("2006-01"),
		rec.Model, rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.LatencyMS,
		rec.Cached, rec.Feature)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

type aggregateRow struct {
	Count        int     `db:"count"`
	TotalCostUSD float64 `db:"total_cost"`
	TotalTokens  int     `db:"total_tokens"`
}

// DailyTotal implements Ledger.
func (l *SQLLedger) DailyTotal(ctx context.Context, date string) (DailySummary, error) {
	var row aggregateRow
	err := l.db.GetContext(ctx, &row, `SELECT
COUNT(*) AS count,
COALESCE(SUM(cost_usd), 0) AS total_cost,
COALESCE(SUM(input_tokens + output_tokens), 0) AS total_tokens
FROM usage_records WHERE day = ?`, date)
	if err != nil {
		return DailySummary{}, fmt.Errorf("failed to read daily total: %w", err)
	}
	return DailySummary{
		Date:         date,
		Count:        row.Count,
		TotalCostUSD: row.TotalCostUSD,
		TotalTokens:  row.TotalTokens,
	}, nil
}

// MonthlyTotal implements Ledger.
func (l *SQLLedger) MonthlyTotal(ctx context.Context, month string) (MonthlySummary, error) {
	var row aggregateRow
	err := l.db.GetContext(ctx, &row, `SELECT
COUNT(*) AS count,
COALESCE(SUM(cost_usd), 0) AS total_cost,
COALESCE(SUM(input_tokens + output_tokens), 0) AS total_tokens
FROM usage_records WHERE month = ?`, month)
	if err != nil {
		return MonthlySummary{}, fmt.Errorf("failed to read monthly total: %w", err)
	}
	return MonthlySummary{
		Month:        month,
		Count:        row.Count,
		TotalCostUSD: row.TotalCostUSD,
		TotalTokens:  row.TotalTokens,
	}, nil
}

// MarkAlerted implements Ledger using the primary key for deduplication.
func (l *SQLLedger) MarkAlerted(ctx context.Context, period, day string) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO budget_alerts (period, day) VALUES (?, ?)`, period, day)
	if err != nil {
		return false, fmt.Errorf("failed to mark budget alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ping verifies the database is reachable.
func (l *SQLLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the underlying database.
func (l *SQLLedger) Close() error {
	return l.db.Close()
}

var _ Ledger = (*SQLLedger)(nil)
