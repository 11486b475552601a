package entitlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/plateful/entitlements/pkg/catalog"
	"github.com/plateful/entitlements/pkg/observability"
	"github.com/plateful/entitlements/pkg/subscription"
)

// SubscriptionReader is the read side of the subscription store.
type SubscriptionReader interface {
	Get(ctx context.Context, accountID string) (*subscription.Subscription, error)
}

// UsageReader reads current-period usage counts.
type UsageReader interface {
	Current(ctx context.Context, accountID string) (map[string]int64, error)
}

const (
	// DefaultCacheSize bounds the number of cached accounts.
	DefaultCacheSize = 16384
	// DefaultTTL bounds staleness for changes that bypass invalidation
	// (catalog edits, usage written by other replicas).
	DefaultTTL = 60 * time.Second
)

// Cache resolves entitlement snapshots with an in-process expirable LRU.
//
// Invalidation is generation-based: Invalidate bumps the account's
// generation, and Get only serves a cached snapshot whose Version matches
// the current generation. Concurrent misses for one account collapse into a
// single recompute.
type Cache struct {
	subs    SubscriptionReader
	catalog catalog.Source
	usage   UsageReader

	lru *expirable.LRU[string, *Entitlement]
	sf  singleflight.Group

	mu   sync.Mutex
	gens map[string]uint64

	metrics *observability.Metrics
	now     func() time.Time
}

// NewCache creates an entitlement cache. Zero size or ttl pick the defaults.
func NewCache(subs SubscriptionReader, cat catalog.Source, usage UsageReader, size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		subs:    subs,
		catalog: cat,
		usage:   usage,
		lru:     expirable.NewLRU[string, *Entitlement](size, nil, ttl),
		gens:    make(map[string]uint64),
		now:     time.Now,
	}
}

// SetMetrics wires cache hit/miss counters.
func (c *Cache) SetMetrics(m *observability.Metrics) {
	c.metrics = m
}

// SetNow overrides the clock, for tests.
func (c *Cache) SetNow(now func() time.Time) {
	c.now = now
}

func (c *Cache) generation(accountID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[accountID]
}

// Invalidate marks the account's cached snapshot stale. Called synchronously
// after every committed subscription state change.
func (c *Cache) Invalidate(accountID string) {
	c.mu.Lock()
	c.gens[accountID]++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.CacheInvalidationsTotal.Inc()
	}
}

// Get returns the entitlement snapshot for an account, recomputing on miss
// or when the cached snapshot predates the last invalidation. Returns
// subscription.ErrNotFound for accounts with no subscription.
func (c *Cache) Get(ctx context.Context, accountID string) (*Entitlement, error) {
	gen := c.generation(accountID)

	if ent, ok := c.lru.Get(accountID); ok && ent.Version == gen {
		if c.metrics != nil {
			c.metrics.CacheHitsTotal.Inc()
		}
		return ent, nil
	}

	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}

	// Key by generation so a recompute never satisfies a Get issued after
	// a newer invalidation.
	key := fmt.Sprintf("%s@%d", accountID, gen)
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		ent, err := c.compute(ctx, accountID, gen)
		if err != nil {
			return nil, err
		}
		c.lru.Add(accountID, ent)
		return ent, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entitlement), nil
}

func (c *Cache) compute(ctx context.Context, accountID string, gen uint64) (*Entitlement, error) {
	sub, err := c.subs.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	tier, err := c.catalog.Tier(sub.TierID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tier for %s: %w", accountID, err)
	}

	counts, err := c.usage.Current(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage for %s: %w", accountID, err)
	}

	// Copy tier grants so catalog hot reloads never mutate a served snapshot.
	features := make([]catalog.Capability, len(tier.Features))
	copy(features, tier.Features)
	limits := make(map[string]int64, len(tier.Limits))
	for k, v := range tier.Limits {
		limits[k] = v
	}

	return &Entitlement{
		AccountID:          accountID,
		TierID:             sub.TierID,
		Status:             sub.Status,
		Features:           features,
		Limits:             limits,
		Usage:              counts,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		PastDueSince:       sub.PastDueSince,
		GraceHours:         tier.GraceHours,
		Version:            gen,
		ComputedAt:         c.now().UTC(),
	}, nil
}
