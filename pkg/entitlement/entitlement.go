package entitlement

import (
	"time"

	"github.com/plateful/entitlements/pkg/catalog"
	"github.com/plateful/entitlements/pkg/subscription"
)

// Entitlement is the effective snapshot served to feature gates: the tier's
// grants joined with subscription state and current usage.
type Entitlement struct {
	AccountID          string               `json:"account_id"`
	TierID             string               `json:"tier_id"`
	Status             subscription.Status  `json:"status"`
	Features           []catalog.Capability `json:"features"`
	Limits             map[string]int64     `json:"limits"`
	Usage              map[string]int64     `json:"usage"`
	CurrentPeriodStart time.Time            `json:"current_period_start"`
	CurrentPeriodEnd   time.Time            `json:"current_period_end"`
	CancelAtPeriodEnd  bool                 `json:"cancel_at_period_end"`
	PastDueSince       *time.Time           `json:"past_due_since,omitempty"`
	GraceHours         int                  `json:"-"`
	Version            uint64               `json:"version"`
	ComputedAt         time.Time            `json:"computed_at"`
}

// HasFeature reports whether the snapshot grants the capability.
func (e *Entitlement) HasFeature(cap catalog.Capability) bool {
	for _, f := range e.Features {
		if f == cap {
			return true
		}
	}
	return false
}

// Limit returns the ceiling for a quota name; absent quotas are locked.
func (e *Entitlement) Limit(quota string) int64 {
	if v, ok := e.Limits[quota]; ok {
		return v
	}
	return 0
}

// Remaining returns how many units of a quota are left this period, or
// catalog.Unlimited for unmetered quotas.
func (e *Entitlement) Remaining(quota string) int64 {
	limit := e.Limit(quota)
	if limit == catalog.Unlimited {
		return catalog.Unlimited
	}
	left := limit - e.Usage[quota]
	if left < 0 {
		return 0
	}
	return left
}
