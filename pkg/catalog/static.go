package catalog

import "sync"

// StaticSource serves a fixed set of tiers from memory.
type StaticSource struct {
	mu    sync.RWMutex
	tiers map[string]Tier
	order []string
}

// NewStaticSource creates a source from the given tiers.
func NewStaticSource(tiers []Tier) *StaticSource {
	s := &StaticSource{tiers: make(map[string]Tier, len(tiers))}
	s.replace(tiers)
	return s
}

func (s *StaticSource) replace(tiers []Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers = make(map[string]Tier, len(tiers))
	s.order = s.order[:0]
	for _, t := range tiers {
		s.tiers[t.ID] = t
		s.order = append(s.order, t.ID)
	}
}

// Tiers returns all tiers in catalog order.
func (s *StaticSource) Tiers() []Tier {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Tier, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tiers[id])
	}
	return out
}

// Tier returns a single tier by id.
func (s *StaticSource) Tier(id string) (*Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tiers[id]
	if !ok {
		return nil, &ErrUnknownTier{TierID: id}
	}
	return &t, nil
}

// DefaultTiers returns the built-in meal-planning catalog used when no
// catalog file is configured.
func DefaultTiers() []Tier {
	return []Tier{
		{
			ID:   "starter",
			Rank: 0,
			Features: []Capability{
				CapabilityMealPlanning,
				CapabilityNutritionInfo,
			},
			Limits: map[string]int64{
				QuotaRecipes:       50,
				QuotaAIGenerations: 5,
				QuotaPantryItems:   100,
				QuotaHouseholds:    1,
			},
		},
		{
			ID:   "family",
			Rank: 1,
			Features: []Capability{
				CapabilityMealPlanning,
				CapabilityNutritionInfo,
				CapabilityAIGeneration,
				CapabilityPantrySync,
				CapabilityHouseholds,
			},
			Limits: map[string]int64{
				QuotaRecipes:       500,
				QuotaAIGenerations: 100,
				QuotaPantryItems:   1000,
				QuotaHouseholds:    5,
			},
			TrialDays: 14,
		},
		{
			ID:   "chef",
			Rank: 2,
			Features: []Capability{
				CapabilityMealPlanning,
				CapabilityNutritionInfo,
				CapabilityAIGeneration,
				CapabilityPantrySync,
				CapabilityHouseholds,
				CapabilityExport,
			},
			Limits: map[string]int64{
				QuotaRecipes:       Unlimited,
				QuotaAIGenerations: 1000,
				QuotaPantryItems:   Unlimited,
				QuotaHouseholds:    Unlimited,
			},
			TrialDays: 14,
		},
	}
}
