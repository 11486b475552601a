package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLStore implements Store over database/sql. The SQL is kept portable
// between PostgreSQL (production) and SQLite (tests).
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Schema is the DDL for the subscriptions table.
const Schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	account_id            TEXT PRIMARY KEY,
	tier_id               TEXT NOT NULL,
	status                TEXT NOT NULL,
	current_period_start  TIMESTAMP NOT NULL,
	current_period_end    TIMESTAMP NOT NULL,
	cancel_at_period_end  INTEGER NOT NULL DEFAULT 0,
	past_due_since        TIMESTAMP,
	last_applied_event_at TIMESTAMP NOT NULL,
	generation            INTEGER NOT NULL DEFAULT 1,
	created_at            TIMESTAMP NOT NULL,
	updated_at            TIMESTAMP NOT NULL
)`

// Get retrieves the subscription for an account.
func (s *SQLStore) Get(ctx context.Context, accountID string) (*Subscription, error) {
	query := `
		SELECT account_id, tier_id, status, current_period_start, current_period_end,
		       cancel_at_period_end, past_due_since, last_applied_event_at,
		       generation, created_at, updated_at
		FROM subscriptions
		WHERE account_id = $1
	`
	sub := &Subscription{}
	var cancelAtPeriodEnd int64
	var pastDueSince sql.NullTime
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(
		&sub.AccountID, &sub.TierID, &sub.Status, &sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd, &cancelAtPeriodEnd, &pastDueSince,
		&sub.LastAppliedEventAt, &sub.Generation, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	if pastDueSince.Valid {
		t := pastDueSince.Time
		sub.PastDueSince = &t
	}
	return sub, nil
}

// Create inserts a new subscription with generation 1.
func (s *SQLStore) Create(ctx context.Context, sub *Subscription) error {
	now := time.Now().UTC()
	sub.Generation = 1
	sub.CreatedAt = now
	sub.UpdatedAt = now

	query := `
		INSERT INTO subscriptions (account_id, tier_id, status, current_period_start,
			current_period_end, cancel_at_period_end, past_due_since,
			last_applied_event_at, generation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		sub.AccountID, sub.TierID, sub.Status, sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, boolToInt(sub.CancelAtPeriodEnd), nullTime(sub.PastDueSince),
		sub.LastAppliedEventAt, sub.Generation, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// Update persists sub using the generation counter as an optimistic guard.
func (s *SQLStore) Update(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE subscriptions
		SET tier_id = $1, status = $2, current_period_start = $3,
		    current_period_end = $4, cancel_at_period_end = $5, past_due_since = $6,
		    last_applied_event_at = $7, generation = $8, updated_at = $9
		WHERE account_id = $10 AND generation = $11
	`
	result, err := s.db.ExecContext(ctx, query,
		sub.TierID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		boolToInt(sub.CancelAtPeriodEnd), nullTime(sub.PastDueSince),
		sub.LastAppliedEventAt, sub.Generation, sub.UpdatedAt,
		sub.AccountID, sub.Generation-1,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
