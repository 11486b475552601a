package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/plateful/entitlements/pkg/events"
)

// Schema is the DDL for the idempotency store. The applied flag is only set
// after the state machine finishes, so rows with applied = 0 are the
// crash-recovery work list.
const Schema = `
CREATE TABLE IF NOT EXISTS webhook_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	payload TEXT NOT NULL,
	received_at TIMESTAMP NOT NULL,
	applied INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_webhook_events_unapplied
	ON webhook_events (applied, received_at);
`

// StoredEvent is one persisted webhook delivery.
type StoredEvent struct {
	EventID    string
	EventType  string
	OccurredAt time.Time
	Payload    []byte
	ReceivedAt time.Time
	Applied    bool
	Outcome    string
}

// EventStore is the durable idempotency store. Events are retained after
// application for audit and replay.
type EventStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewEventStore creates an event store backed by db.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db, now: time.Now}
}

// SetNow overrides the clock, for tests.
func (s *EventStore) SetNow(now func() time.Time) {
	s.now = now
}

// InsertIfAbsent atomically records an event id. Returns false when the id
// was already present, which marks the delivery as a duplicate.
func (s *EventStore) InsertIfAbsent(ctx context.Context, ev *events.Event, raw []byte) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, occurred_at, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.ID, string(ev.Type), ev.OccurredAt.UTC(), string(raw), s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record event %s: %w", ev.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return rows == 1, nil
}

// MarkApplied stamps an event with its application outcome.
func (s *EventStore) MarkApplied(ctx context.Context, eventID, outcome string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET applied = 1, outcome = $1, applied_at = $2
		WHERE event_id = $3`,
		outcome, s.now().UTC(), eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event %s applied: %w", eventID, err)
	}
	return nil
}

// Unapplied returns events ingested before cutoff that never reached the
// state machine, oldest first. These are the reconciliation sweep's input.
func (s *EventStore) Unapplied(ctx context.Context, cutoff time.Time, limit int) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, occurred_at, payload, received_at
		FROM webhook_events
		WHERE applied = 0 AND received_at <= $1
		ORDER BY received_at
		LIMIT $2`,
		cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unapplied events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var payload string
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.OccurredAt, &payload, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Get returns a stored event by id.
func (s *EventStore) Get(ctx context.Context, eventID string) (*StoredEvent, error) {
	var ev StoredEvent
	var payload string
	var applied int64
	var outcome string
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, event_type, occurred_at, payload, received_at, applied, outcome
		FROM webhook_events WHERE event_id = $1`,
		eventID).Scan(&ev.EventID, &ev.EventType, &ev.OccurredAt, &payload, &ev.ReceivedAt, &applied, &outcome)
	if err != nil {
		return nil, err
	}
	ev.Payload = []byte(payload)
	ev.Applied = applied == 1
	ev.Outcome = outcome
	return &ev, nil
}
