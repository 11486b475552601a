package gate

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/plateful/entitlements/pkg/catalog"
	"github.com/plateful/entitlements/pkg/entitlement"
	"github.com/plateful/entitlements/pkg/observability"
	"github.com/plateful/entitlements/pkg/subscription"
	"github.com/plateful/entitlements/pkg/usage"
)

// Reason explains a gate denial.
type Reason string

const (
	ReasonFeatureLocked          Reason = "feature_locked"
	ReasonQuotaExceeded          Reason = "quota_exceeded"
	ReasonSubscriptionExpired    Reason = "subscription_expired"
	ReasonPaymentRequired        Reason = "payment_required"
	ReasonTemporarilyUnavailable Reason = "temporarily_unavailable"
)

// DefaultGraceHours is how long past_due accounts keep access while payment
// retries run, unless the tier overrides it.
const DefaultGraceHours = 72

// Decision is the outcome of one gate check.
type Decision struct {
	Allowed    bool               `json:"allowed"`
	Reason     Reason             `json:"reason,omitempty"`
	Capability catalog.Capability `json:"capability"`
	Quota      string             `json:"quota,omitempty"`
	// Remaining is the quota balance after this check; catalog.Unlimited for
	// unmetered quotas. Only set when a quota was involved.
	Remaining int64 `json:"remaining,omitempty"`
	TierID    string `json:"tier_id,omitempty"`
}

// Snapshots resolves entitlement snapshots, normally the entitlement cache.
type Snapshots interface {
	Get(ctx context.Context, accountID string) (*entitlement.Entitlement, error)
}

// Consumer spends quota units, normally the usage ledger.
type Consumer interface {
	Increment(ctx context.Context, accountID, quota string, n, limit int64, periodStart, periodEnd time.Time) (int64, error)
}

// Gate makes allow/deny decisions against entitlement snapshots.
type Gate struct {
	snapshots  Snapshots
	consumer   Consumer
	logger     *observability.Logger
	metrics    *observability.Metrics
	graceHours int
	now        func() time.Time
}

// New creates a gate. graceHours <= 0 uses DefaultGraceHours.
func New(snapshots Snapshots, consumer Consumer, logger *observability.Logger, graceHours int) *Gate {
	if graceHours <= 0 {
		graceHours = DefaultGraceHours
	}
	return &Gate{
		snapshots:  snapshots,
		consumer:   consumer,
		logger:     logger,
		graceHours: graceHours,
		now:        time.Now,
	}
}

// SetMetrics wires decision counters.
func (g *Gate) SetMetrics(m *observability.Metrics) {
	g.metrics = m
}

// SetNow overrides the clock, for tests.
func (g *Gate) SetNow(now func() time.Time) {
	g.now = now
}

// Authorize checks whether the account may use a capability. When quota is
// non-empty it also requires at least one remaining unit, without spending it.
func (g *Gate) Authorize(ctx context.Context, accountID string, cap catalog.Capability, quota string) Decision {
	d := Decision{Capability: cap, Quota: quota}

	ent, denied := g.snapshot(ctx, accountID, &d)
	if denied {
		return g.record(d)
	}
	d.TierID = ent.TierID

	if reason, ok := g.statusDenies(ent); ok {
		return g.record(g.deny(d, reason))
	}
	if !ent.HasFeature(cap) {
		return g.record(g.deny(d, ReasonFeatureLocked))
	}

	if quota != "" {
		d.Remaining = ent.Remaining(quota)
		if d.Remaining == 0 {
			return g.record(g.deny(d, ReasonQuotaExceeded))
		}
	}

	d.Allowed = true
	return g.record(d)
}

// Consume authorizes the capability and spends n units of quota. The ledger's
// guarded increment is the authoritative limit check, so two concurrent
// consumers cannot both take the last unit.
func (g *Gate) Consume(ctx context.Context, accountID string, cap catalog.Capability, quota string, n int64) Decision {
	d := Decision{Capability: cap, Quota: quota}

	ent, denied := g.snapshot(ctx, accountID, &d)
	if denied {
		return g.record(d)
	}
	d.TierID = ent.TierID

	if reason, ok := g.statusDenies(ent); ok {
		return g.record(g.deny(d, reason))
	}
	if !ent.HasFeature(cap) {
		return g.record(g.deny(d, ReasonFeatureLocked))
	}

	limit := ent.Limit(quota)
	count, err := g.consumer.Increment(ctx, accountID, quota, n, limit, ent.CurrentPeriodStart, ent.CurrentPeriodEnd)
	if err != nil {
		if usage.IsQuotaExceeded(err) {
			d.Remaining = remaining(limit, count)
			return g.record(g.deny(d, ReasonQuotaExceeded))
		}
		g.logger.WithError(err).WithField("account_id", accountID).Error("Usage increment failed")
		return g.record(g.deny(d, ReasonTemporarilyUnavailable))
	}

	d.Allowed = true
	d.Remaining = remaining(limit, count)
	return g.record(d)
}

// snapshot loads the entitlement and fills d with a denial when it cannot.
func (g *Gate) snapshot(ctx context.Context, accountID string, d *Decision) (*entitlement.Entitlement, bool) {
	ent, err := g.snapshots.Get(ctx, accountID)
	if err == nil {
		return ent, false
	}
	if errors.Is(err, subscription.ErrNotFound) {
		*d = g.deny(*d, ReasonPaymentRequired)
		return nil, true
	}
	g.logger.WithError(err).WithField("account_id", accountID).Error("Entitlement lookup failed")
	*d = g.deny(*d, ReasonTemporarilyUnavailable)
	return nil, true
}

// statusDenies maps subscription state to a denial reason, if any.
func (g *Gate) statusDenies(ent *entitlement.Entitlement) (Reason, bool) {
	now := g.now()
	switch ent.Status {
	case subscription.StatusTrial:
		if now.After(ent.CurrentPeriodEnd) {
			return ReasonSubscriptionExpired, true
		}
	case subscription.StatusActive:
		// renewals extend the period via billing events
	case subscription.StatusPastDue:
		grace := time.Duration(g.graceHours) * time.Hour
		if ent.GraceHours > 0 {
			grace = time.Duration(ent.GraceHours) * time.Hour
		}
		if ent.PastDueSince == nil || now.After(ent.PastDueSince.Add(grace)) {
			return ReasonPaymentRequired, true
		}
	case subscription.StatusUnpaid:
		return ReasonPaymentRequired, true
	case subscription.StatusCanceled:
		if !ent.CancelAtPeriodEnd || now.After(ent.CurrentPeriodEnd) {
			return ReasonSubscriptionExpired, true
		}
	default:
		return ReasonTemporarilyUnavailable, true
	}
	return "", false
}

func (g *Gate) deny(d Decision, reason Reason) Decision {
	d.Allowed = false
	d.Reason = reason
	return d
}

func (g *Gate) record(d Decision) Decision {
	if g.metrics != nil {
		g.metrics.GateDecisionsTotal.WithLabelValues(
			string(d.Capability), strconv.FormatBool(d.Allowed), string(d.Reason)).Inc()
	}
	return d
}

func remaining(limit, count int64) int64 {
	if limit == catalog.Unlimited {
		return catalog.Unlimited
	}
	left := limit - count
	if left < 0 {
		return 0
	}
	return left
}
