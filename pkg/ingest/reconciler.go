package ingest

import (
	"context"
	"time"

	"github.com/plateful/entitlements/pkg/events"
	"github.com/plateful/entitlements/pkg/observability"
	"github.com/plateful/entitlements/pkg/subscription"
)

// Resyncer repairs derived state for an account from committed subscription
// state. Implemented by the state machine.
type Resyncer interface {
	Applier
	ResyncUsage(ctx context.Context, accountID string) error
}

// Reconciler re-drives events that were ingested but never applied, closing
// the crash window between the idempotency commit and the state machine.
type Reconciler struct {
	store   *EventStore
	machine Resyncer
	logger  *observability.Logger

	// minAge keeps the sweep off events the synchronous path is still
	// working on.
	minAge    time.Duration
	batchSize int
	now       func() time.Time
}

// NewReconciler creates a sweep over the event store.
func NewReconciler(store *EventStore, machine Resyncer, logger *observability.Logger, minAge time.Duration, batchSize int) *Reconciler {
	if minAge <= 0 {
		minAge = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{
		store:     store,
		machine:   machine,
		logger:    logger,
		minAge:    minAge,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (r *Reconciler) SetNow(now func() time.Time) {
	r.now = now
}

// Run re-drives one batch of unapplied events and returns how many it
// processed. Individual failures are logged and left for the next sweep.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.minAge)
	pending, err := r.store.Unapplied(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, stored := range pending {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if r.redrive(ctx, stored) {
			processed++
		}
	}
	return processed, nil
}

func (r *Reconciler) redrive(ctx context.Context, stored StoredEvent) bool {
	logger := r.logger.WithFields(map[string]interface{}{
		"event_id":   stored.EventID,
		"event_type": stored.EventType,
	})

	ev, err := events.Parse(stored.Payload)
	if err != nil {
		// unparseable rows would loop forever; stamp them out of the sweep
		logger.WithError(err).Error("Stored event no longer parses, marking corrupt")
		if err := r.store.MarkApplied(ctx, stored.EventID, "corrupt"); err != nil {
			logger.WithError(err).Error("Failed to mark corrupt event")
		}
		return false
	}

	res, err := r.machine.Apply(ctx, ev)
	if err != nil {
		logger.WithError(err).Warn("Re-drive failed, will retry next sweep")
		return false
	}

	// A stale outcome here can mean the original crash happened after the
	// state commit but before its hooks ran; re-derive the ledger and
	// drop the cache entry from committed state.
	if res.Outcome == subscription.OutcomeStale {
		if accountID := ev.AccountID(); accountID != "" {
			if err := r.machine.ResyncUsage(ctx, accountID); err != nil {
				logger.WithError(err).Warn("Usage resync failed, will retry next sweep")
				return false
			}
		}
	}

	if err := r.store.MarkApplied(ctx, stored.EventID, string(res.Outcome)); err != nil {
		logger.WithError(err).Error("Failed to mark re-driven event applied")
		return false
	}

	logger.WithField("outcome", string(res.Outcome)).Info("Re-drove unapplied event")
	return true
}
