package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plateful/entitlements/pkg/catalog"
	"github.com/plateful/entitlements/pkg/events"
	"github.com/plateful/entitlements/pkg/observability"
)

// UsageRollover closes the previous period's counters and opens fresh zero
// counters for the new one. Implemented by the usage ledger; must be
// idempotent per (account, periodStart).
type UsageRollover interface {
	Rollover(ctx context.Context, accountID string, quotas map[string]int64, periodStart, periodEnd time.Time) error
	SyncPeriod(ctx context.Context, accountID string, quotas map[string]int64, periodStart, periodEnd time.Time) error
}

// Invalidator drops an account's cached entitlement. Called synchronously
// after every committed mutation so a read in the same causal chain observes
// the update.
type Invalidator interface {
	Invalidate(accountID string)
}

// applyRetries bounds optimistic-concurrency retries when two events for the
// same account race.
const applyRetries = 3

// Machine applies validated provider events to subscription state.
type Machine struct {
	store       Store
	catalog     catalog.Source
	ledger      UsageRollover
	invalidator Invalidator
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewMachine creates a state machine. Ledger and invalidator may be nil in
// tests that only exercise transitions.
func NewMachine(store Store, cat catalog.Source, ledger UsageRollover, invalidator Invalidator, logger *observability.Logger) *Machine {
	return &Machine{
		store:       store,
		catalog:     cat,
		ledger:      ledger,
		invalidator: invalidator,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock, for tests.
func (m *Machine) SetNow(now func() time.Time) {
	m.now = now
}

// SetMetrics attaches Prometheus metrics.
func (m *Machine) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// Apply applies one event. Stale and unknown events are recorded no-ops, not
// errors; only storage failures return a non-nil error, and those leave the
// event eligible for re-drive by the reconciler.
func (m *Machine) Apply(ctx context.Context, ev *events.Event) (*ApplyResult, error) {
	if ev.IsUnknown() {
		return &ApplyResult{Outcome: OutcomeIgnored}, nil
	}

	accountID := ev.AccountID()
	if accountID == "" {
		m.logger.WithField("event_id", ev.ID).Warn("event has no account id, ignoring")
		return &ApplyResult{Outcome: OutcomeIgnored}, nil
	}

	var lastErr error
	for attempt := 0; attempt < applyRetries; attempt++ {
		res, err := m.applyOnce(ctx, accountID, ev)
		if errors.Is(err, ErrConflict) {
			if m.metrics != nil {
				m.metrics.ApplyConflictsTotal.Inc()
			}
			lastErr = err
			continue
		}
		return res, err
	}
	return nil, fmt.Errorf("event %s lost %d apply races: %w", ev.ID, applyRetries, lastErr)
}

func (m *Machine) applyOnce(ctx context.Context, accountID string, ev *events.Event) (*ApplyResult, error) {
	sub, err := m.store.Get(ctx, accountID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if sub == nil {
		return m.applyToMissing(ctx, accountID, ev)
	}

	// Ordering rule: whichever event carries the latest provider timestamp
	// wins, regardless of arrival order.
	if !ev.OccurredAt.After(sub.LastAppliedEventAt) {
		m.logger.WithFields(map[string]interface{}{
			"event_id":     ev.ID,
			"account_id":   accountID,
			"event_at":     ev.OccurredAt,
			"last_applied": sub.LastAppliedEventAt,
		}).Debug("stale event, recording no-op")
		if m.metrics != nil {
			m.metrics.StaleEventsTotal.Inc()
		}
		return &ApplyResult{Outcome: OutcomeStale, AccountID: accountID, From: sub.Status, To: sub.Status}, nil
	}

	from := sub.Status
	renewed := false

	switch p := ev.Payload.(type) {
	case *events.CheckoutCompleted:
		// A checkout for an existing account replaces the record's tier and
		// period; re-subscription after cancellation goes through here too.
		// Validate the tier before touching the record so a bad reference
		// surfaces as a retryable error, not a committed mutation.
		if _, err := m.catalog.Tier(p.TierID); err != nil {
			return nil, fmt.Errorf("checkout event %s references unknown tier: %w", ev.ID, err)
		}
		sub.TierID = p.TierID
		sub.Status = checkoutStatus(p.TrialDays)
		sub.CurrentPeriodStart = p.PeriodStart.UTC()
		sub.CurrentPeriodEnd = p.PeriodEnd.UTC()
		sub.CancelAtPeriodEnd = false
		sub.PastDueSince = nil
		renewed = true

	case *events.InvoicePaymentSucceeded:
		if from != StatusTrial && from != StatusPastDue && from != StatusActive {
			return m.dropInvalid(ev, sub, "payment succeeded for non-renewable subscription")
		}
		sub.Status = StatusActive
		sub.PastDueSince = nil
		sub.CurrentPeriodStart = p.PeriodStart.UTC()
		sub.CurrentPeriodEnd = p.PeriodEnd.UTC()
		renewed = true

	case *events.InvoicePaymentFailed:
		if from != StatusActive && from != StatusTrial {
			return m.dropInvalid(ev, sub, "payment failure for non-active subscription")
		}
		sub.Status = StatusPastDue
		since := ev.OccurredAt
		sub.PastDueSince = &since

	case *events.InvoiceRetriesExhausted:
		if from != StatusPastDue {
			return m.dropInvalid(ev, sub, "retries exhausted for subscription not past due")
		}
		sub.Status = StatusUnpaid

	case *events.SubscriptionUpdated:
		if _, err := m.catalog.Tier(p.TierID); err != nil {
			m.logger.WithError(err).WithField("event_id", ev.ID).Warn("tier change to unknown tier, ignoring")
			return &ApplyResult{Outcome: OutcomeIgnored, AccountID: accountID, From: from, To: from}, nil
		}
		sub.TierID = p.TierID
		sub.CancelAtPeriodEnd = p.CancelAtPeriodEnd

	case *events.SubscriptionDeleted:
		sub.Status = StatusCanceled
		sub.CancelAtPeriodEnd = p.CancelAtPeriodEnd

	default:
		return &ApplyResult{Outcome: OutcomeIgnored, AccountID: accountID, From: from, To: from}, nil
	}

	sub.LastAppliedEventAt = ev.OccurredAt
	sub.Generation++
	if err := m.store.Update(ctx, sub); err != nil {
		return nil, err
	}

	if err := m.afterCommit(ctx, sub, renewed); err != nil {
		return nil, err
	}

	m.countTransition(string(from), string(sub.Status))
	return &ApplyResult{Outcome: OutcomeApplied, AccountID: accountID, From: from, To: sub.Status}, nil
}

func (m *Machine) countTransition(from, to string) {
	if m.metrics != nil {
		m.metrics.StateTransitionsTotal.WithLabelValues(from, to).Inc()
	}
}

// applyToMissing handles events for accounts with no subscription record.
// Only checkout completion creates one; anything else is a recorded no-op
// (the checkout event may still be in flight and will arrive with an older
// timestamp, which the ordering rule then drops).
func (m *Machine) applyToMissing(ctx context.Context, accountID string, ev *events.Event) (*ApplyResult, error) {
	p, ok := ev.Payload.(*events.CheckoutCompleted)
	if !ok {
		m.logger.WithFields(map[string]interface{}{
			"event_id":   ev.ID,
			"event_type": string(ev.Type),
			"account_id": accountID,
		}).Warn("event for account with no subscription, ignoring")
		return &ApplyResult{Outcome: OutcomeIgnored, AccountID: accountID}, nil
	}

	if _, err := m.catalog.Tier(p.TierID); err != nil {
		return nil, fmt.Errorf("checkout event %s references unknown tier: %w", ev.ID, err)
	}

	sub := &Subscription{
		AccountID:          accountID,
		TierID:             p.TierID,
		Status:             checkoutStatus(p.TrialDays),
		CurrentPeriodStart: p.PeriodStart.UTC(),
		CurrentPeriodEnd:   p.PeriodEnd.UTC(),
		LastAppliedEventAt: ev.OccurredAt,
	}
	if err := m.store.Create(ctx, sub); err != nil {
		return nil, err
	}

	if err := m.afterCommit(ctx, sub, true); err != nil {
		return nil, err
	}

	m.countTransition("none", string(sub.Status))
	return &ApplyResult{Outcome: OutcomeApplied, AccountID: accountID, From: "", To: sub.Status}, nil
}

// afterCommit runs the post-commit hooks: usage rollover on renewals, then
// entitlement invalidation. The invalidation completes before Apply returns
// so an immediate client poll observes the new state.
func (m *Machine) afterCommit(ctx context.Context, sub *Subscription, renewed bool) error {
	if renewed && m.ledger != nil {
		tier, err := m.catalog.Tier(sub.TierID)
		if err != nil {
			return fmt.Errorf("rollover for unknown tier %s: %w", sub.TierID, err)
		}
		if err := m.ledger.Rollover(ctx, sub.AccountID, tier.Limits, sub.CurrentPeriodStart, sub.CurrentPeriodEnd); err != nil {
			return fmt.Errorf("usage rollover failed: %w", err)
		}
	}
	if m.invalidator != nil {
		m.invalidator.Invalidate(sub.AccountID)
	}
	return nil
}

// dropInvalid records a defensively-dropped transition. These should be
// unreachable given the timestamp rule, so they log a warning rather than
// fail.
func (m *Machine) dropInvalid(ev *events.Event, sub *Subscription, reason string) (*ApplyResult, error) {
	m.logger.WithFields(map[string]interface{}{
		"event_id":   ev.ID,
		"event_type": string(ev.Type),
		"account_id": sub.AccountID,
		"status":     string(sub.Status),
	}).Warnf("invalid transition: %s", reason)
	return &ApplyResult{Outcome: OutcomeIgnored, AccountID: sub.AccountID, From: sub.Status, To: sub.Status}, nil
}

// ResyncUsage re-derives the usage ledger's open period from committed
// subscription state. The reconciler calls this when re-driving an event
// whose subscription mutation committed but whose hooks may not have run
// (crash between commit and rollover).
func (m *Machine) ResyncUsage(ctx context.Context, accountID string) error {
	sub, err := m.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	tier, err := m.catalog.Tier(sub.TierID)
	if err != nil {
		return err
	}
	if m.ledger != nil {
		if err := m.ledger.SyncPeriod(ctx, accountID, tier.Limits, sub.CurrentPeriodStart, sub.CurrentPeriodEnd); err != nil {
			return err
		}
	}
	if m.invalidator != nil {
		m.invalidator.Invalidate(accountID)
	}
	return nil
}

func checkoutStatus(trialDays int) Status {
	if trialDays > 0 {
		return StatusTrial
	}
	return StatusActive
}
