package usage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/plateful/entitlements/pkg/observability"
)

// Schema is the DDL for the usage ledger. Written to run on both PostgreSQL
// and SQLite.
const Schema = `
CREATE TABLE IF NOT EXISTS usage_counters (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	quota TEXT NOT NULL,
	period_start TIMESTAMP NOT NULL,
	period_end TIMESTAMP NOT NULL,
	count BIGINT NOT NULL DEFAULT 0,
	is_open INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (account_id, quota, period_start)
);

CREATE INDEX IF NOT EXISTS idx_usage_counters_account_open
	ON usage_counters (account_id, is_open);
`

// Ledger stores per-account usage counters in SQL.
type Ledger struct {
	db      *sql.DB
	metrics *observability.Metrics
	now     func() time.Time
}

// NewLedger creates a usage ledger backed by db.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// SetNow overrides the clock, for tests.
func (l *Ledger) SetNow(now func() time.Time) {
	l.now = now
}

// SetMetrics attaches Prometheus metrics.
func (l *Ledger) SetMetrics(m *observability.Metrics) {
	l.metrics = m
}

// Increment adds n units to the account's open counter for quota, creating
// the counter for the given period if it does not exist yet. A negative limit
// means unmetered. Returns the new count, or a *QuotaExceededError when the
// increment would cross the limit.
func (l *Ledger) Increment(ctx context.Context, accountID, quota string, n, limit int64, periodStart, periodEnd time.Time) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("increment must be positive, got %d", n)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin increment: %w", err)
	}
	defer tx.Rollback()

	now := l.now().UTC()
	if err := insertCounter(ctx, tx, accountID, quota, periodStart, periodEnd, now); err != nil {
		return 0, err
	}

	// The limit check rides on the UPDATE itself so two concurrent
	// consumers cannot both pass a read-then-write race.
	res, err := tx.ExecContext(ctx, `
		UPDATE usage_counters
		SET count = count + $1, updated_at = $2
		WHERE account_id = $3 AND quota = $4 AND period_start = $5 AND is_open = 1
		  AND ($6 < 0 OR count + $7 <= $8)`,
		n, now, accountID, quota, periodStart.UTC(), limit, n, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", quota, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read increment result: %w", err)
	}
	if rows == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `
			SELECT count FROM usage_counters
			WHERE account_id = $1 AND quota = $2 AND period_start = $3`,
			accountID, quota, periodStart.UTC()).Scan(&current)
		if err != nil {
			return 0, fmt.Errorf("failed to read count for %s: %w", quota, err)
		}
		if l.metrics != nil {
			l.metrics.QuotaExceededTotal.WithLabelValues(quota).Inc()
		}
		return current, &QuotaExceededError{Quota: quota, Current: current, Limit: limit}
	}

	var count int64
	err = tx.QueryRowContext(ctx, `
		SELECT count FROM usage_counters
		WHERE account_id = $1 AND quota = $2 AND period_start = $3`,
		accountID, quota, periodStart.UTC()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read count for %s: %w", quota, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit increment: %w", err)
	}
	if l.metrics != nil {
		l.metrics.UsageConsumedTotal.WithLabelValues(quota).Add(float64(n))
	}
	return count, nil
}

// Current returns the open counts per quota for an account.
func (l *Ledger) Current(ctx context.Context, accountID string) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT quota, count FROM usage_counters
		WHERE account_id = $1 AND is_open = 1`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var quota string
		var count int64
		if err := rows.Scan(&quota, &count); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		counts[quota] = count
	}
	return counts, rows.Err()
}

// Counters returns the full open counter rows for an account, sorted by
// quota name.
func (l *Ledger) Counters(ctx context.Context, accountID string) ([]Counter, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT quota, period_start, period_end, count FROM usage_counters
		WHERE account_id = $1 AND is_open = 1
		ORDER BY quota`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query counters: %w", err)
	}
	defer rows.Close()

	var counters []Counter
	for rows.Next() {
		c := Counter{AccountID: accountID, Open: true}
		if err := rows.Scan(&c.Quota, &c.PeriodStart, &c.PeriodEnd, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan counter row: %w", err)
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

// Rollover closes counters from periods before periodStart and seeds zeroed
// open counters for the new period. Replays are no-ops.
func (l *Ledger) Rollover(ctx context.Context, accountID string, quotas map[string]int64, periodStart, periodEnd time.Time) error {
	if err := l.reseed(ctx, accountID, quotas, periodStart, periodEnd, false); err != nil {
		return err
	}
	if l.metrics != nil {
		l.metrics.UsageRolloversTotal.Inc()
	}
	return nil
}

// SyncPeriod forces the account's open counters onto the given period,
// closing counters from any other period. Used by the reconciler after a
// crash between a state commit and its rollover hook.
func (l *Ledger) SyncPeriod(ctx context.Context, accountID string, quotas map[string]int64, periodStart, periodEnd time.Time) error {
	return l.reseed(ctx, accountID, quotas, periodStart, periodEnd, true)
}

func (l *Ledger) reseed(ctx context.Context, accountID string, quotas map[string]int64, periodStart, periodEnd time.Time, closeAll bool) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rollover: %w", err)
	}
	defer tx.Rollback()

	now := l.now().UTC()
	closeQuery := `
		UPDATE usage_counters SET is_open = 0, updated_at = $1
		WHERE account_id = $2 AND is_open = 1 AND period_start < $3`
	if closeAll {
		closeQuery = `
		UPDATE usage_counters SET is_open = 0, updated_at = $1
		WHERE account_id = $2 AND is_open = 1 AND period_start <> $3`
	}
	if _, err := tx.ExecContext(ctx, closeQuery, now, accountID, periodStart.UTC()); err != nil {
		return fmt.Errorf("failed to close counters: %w", err)
	}

	if closeAll {
		// Repair counters for the target period that a bad rollover closed.
		if _, err := tx.ExecContext(ctx, `
			UPDATE usage_counters SET is_open = 1, updated_at = $1
			WHERE account_id = $2 AND is_open = 0 AND period_start = $3`,
			now, accountID, periodStart.UTC()); err != nil {
			return fmt.Errorf("failed to reopen counters: %w", err)
		}
	}

	names := make([]string, 0, len(quotas))
	for name := range quotas {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := insertCounter(ctx, tx, accountID, name, periodStart, periodEnd, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollover: %w", err)
	}
	return nil
}

func insertCounter(ctx context.Context, tx *sql.Tx, accountID, quota string, periodStart, periodEnd, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO usage_counters (id, account_id, quota, period_start, period_end, count, is_open, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 1, $6, $7)
		ON CONFLICT (account_id, quota, period_start) DO NOTHING`,
		uuid.New().String(), accountID, quota, periodStart.UTC(), periodEnd.UTC(), now, now)
	if err != nil {
		return fmt.Errorf("failed to seed counter %s: %w", quota, err)
	}
	return nil
}
