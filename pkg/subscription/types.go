package subscription

import (
	"context"
	"errors"
	"time"
)

// Status represents the lifecycle state of a subscription.
type Status string

const (
	StatusTrial    Status = "trial"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusUnpaid   Status = "unpaid"
	StatusCanceled Status = "canceled"
)

// Subscription is one billable account's subscription record. It is created
// on the first successful checkout event, mutated only by the state machine,
// and never deleted, only transitioned to canceled.
type Subscription struct {
	AccountID          string     `json:"account_id"`
	TierID             string     `json:"tier_id"`
	Status             Status     `json:"status"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	PastDueSince       *time.Time `json:"past_due_since,omitempty"`
	LastAppliedEventAt time.Time  `json:"last_applied_event_at"`
	Generation         int64      `json:"generation"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ErrNotFound is returned when no subscription exists for an account.
var ErrNotFound = errors.New("subscription not found")

// ErrConflict is returned when an optimistic update lost a race; callers
// reload and retry.
var ErrConflict = errors.New("subscription was modified concurrently")

// Store persists subscriptions. Updates are guarded by the generation
// counter so concurrent event application cannot silently overwrite state.
type Store interface {
	Get(ctx context.Context, accountID string) (*Subscription, error)
	Create(ctx context.Context, sub *Subscription) error
	// Update persists sub, expecting the stored generation to equal
	// sub.Generation-1. Returns ErrConflict otherwise.
	Update(ctx context.Context, sub *Subscription) error
}

// Outcome classifies the result of applying one event.
type Outcome string

const (
	// OutcomeApplied means the event mutated subscription state.
	OutcomeApplied Outcome = "applied"
	// OutcomeStale means the event was older than the last applied one and
	// was recorded as a no-op.
	OutcomeStale Outcome = "stale"
	// OutcomeIgnored means the event carries nothing for this subsystem
	// (unknown type, unknown account, or a defensively-dropped transition).
	OutcomeIgnored Outcome = "ignored"
)

// ApplyResult describes what a single event application did.
type ApplyResult struct {
	Outcome   Outcome
	AccountID string
	From      Status
	To        Status
}
