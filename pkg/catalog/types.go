package catalog

import "fmt"

// Capability is a feature tag granted by a tier.
type Capability string

const (
	CapabilityMealPlanning  Capability = "meal_planning"
	CapabilityAIGeneration  Capability = "ai_generation"
	CapabilityPantrySync    Capability = "pantry_sync"
	CapabilityNutritionInfo Capability = "nutrition_info"
	CapabilityHouseholds    Capability = "households"
	CapabilityExport        Capability = "export"
)

// Quota names tracked by the usage ledger.
const (
	QuotaRecipes       = "recipes"
	QuotaAIGenerations = "ai_generations"
	QuotaPantryItems   = "pantry_items"
	QuotaHouseholds    = "households"
)

// Unlimited indicates no ceiling for a quota (-1 chosen for SQL compatibility).
const Unlimited int64 = -1

// Tier is a single catalog entry. Rank orders tiers for upgrade/downgrade
// comparisons; a higher rank is a bigger plan.
type Tier struct {
	ID         string           `json:"id"`
	Rank       int              `json:"rank"`
	Features   []Capability     `json:"features"`
	Limits     map[string]int64 `json:"limits"`
	TrialDays  int              `json:"trial_days,omitempty"`
	GraceHours int              `json:"grace_hours,omitempty"` // overrides the global past_due grace window when > 0
}

// HasFeature reports whether the tier grants the capability.
func (t *Tier) HasFeature(cap Capability) bool {
	for _, f := range t.Features {
		if f == cap {
			return true
		}
	}
	return false
}

// Limit returns the ceiling for a quota name. Quotas absent from the tier's
// limit map are treated as locked (zero), not unlimited.
func (t *Tier) Limit(quota string) int64 {
	if v, ok := t.Limits[quota]; ok {
		return v
	}
	return 0
}

// Source is the read-only catalog interface consumed at entitlement
// resolution time.
type Source interface {
	Tiers() []Tier
	Tier(id string) (*Tier, error)
}

// ErrUnknownTier is returned when a tier id is not in the catalog.
type ErrUnknownTier struct {
	TierID string
}

func (e *ErrUnknownTier) Error() string {
	return fmt.Sprintf("unknown tier %q", e.TierID)
}
