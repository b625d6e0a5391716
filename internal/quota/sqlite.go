package quota

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS quota_usage (
	day        TEXT NOT NULL,
	operation  TEXT NOT NULL,
	cost       INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (day, operation)
);
`

// SQLiteUsage keeps daily consumption in a quota_usage table, typically in
// the same database file as the task store so one handle covers both.
type SQLiteUsage struct {
	db *sql.DB
}

func NewSQLiteUsage(db *sql.DB) (*SQLiteUsage, error) {
	if _, err := db.Exec(usageSchema); err != nil {
		return nil, fmt.Errorf("failed to apply quota schema: %w", err)
	}

	return &SQLiteUsage{db: db}, nil
}

func (s *SQLiteUsage) Spend(ctx context.Context, day, op string, cost, limit int) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin spend: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			log.Printf("failed to roll back quota spend: %v", err)
		}
	}()

	var used int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM quota_usage WHERE day = ?`, day,
	).Scan(&used); err != nil {
		return 0, false, fmt.Errorf("failed to sum usage: %w", err)
	}

	if used+cost > limit {
		return used, false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quota_usage (day, operation, cost, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (day, operation) DO UPDATE SET
			cost = cost + excluded.cost,
			updated_at = excluded.updated_at
	`, day, op, cost, time.Now().UnixNano())
	if err != nil {
		return 0, false, fmt.Errorf("failed to record spend: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit spend: %w", err)
	}

	return used, true, nil
}

func (s *SQLiteUsage) UsedToday(ctx context.Context, day string) (int, error) {
	var used int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM quota_usage WHERE day = ?`, day,
	).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}

	return used, nil
}

func (s *SQLiteUsage) ByOperation(ctx context.Context, day string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT operation, cost FROM quota_usage WHERE day = ? ORDER BY operation`, day)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	usage := make(map[string]int)
	for rows.Next() {
		var op string
		var cost int
		if err := rows.Scan(&op, &cost); err != nil {
			return nil, err
		}

		usage[op] = cost
	}

	return usage, rows.Err()
}

func (s *SQLiteUsage) Reset(ctx context.Context, day string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM quota_usage WHERE day = ?`, day); err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}

	return nil
}

func (s *SQLiteUsage) Prune(ctx context.Context, before string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM quota_usage WHERE day < ?`, before); err != nil {
		return fmt.Errorf("failed to prune usage: %w", err)
	}

	return nil
}
