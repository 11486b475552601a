package entitlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateful/entitlements/pkg/catalog"
	"github.com/plateful/entitlements/pkg/subscription"
)

type fakeSubs struct {
	mu    sync.Mutex
	subs  map[string]*subscription.Subscription
	reads int
}

func (f *fakeSubs) Get(ctx context.Context, accountID string) (*subscription.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	sub, ok := f.subs[accountID]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeSubs) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

type fakeUsage struct {
	counts map[string]int64
}

func (f *fakeUsage) Current(ctx context.Context, accountID string) (map[string]int64, error) {
	out := make(map[string]int64, len(f.counts))
	for k, v := range f.counts {
		out[k] = v
	}
	return out, nil
}

func testSubscription(tier string) *subscription.Subscription {
	return &subscription.Subscription{
		AccountID:          "acct_1",
		TierID:             tier,
		Status:             subscription.StatusActive,
		CurrentPeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestCache(subs *fakeSubs, usage *fakeUsage) *Cache {
	return NewCache(subs, catalog.NewStaticSource(catalog.DefaultTiers()), usage, 16, time.Minute)
}

func TestGetComputesAndCaches(t *testing.T) {
	subs := &fakeSubs{subs: map[string]*subscription.Subscription{"acct_1": testSubscription("family")}}
	cache := newTestCache(subs, &fakeUsage{counts: map[string]int64{catalog.QuotaRecipes: 3}})

	ent, err := cache.Get(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "family", ent.TierID)
	assert.True(t, ent.HasFeature(catalog.CapabilityMealPlanning))
	assert.Equal(t, int64(3), ent.Usage[catalog.QuotaRecipes])
	assert.Equal(t, 1, subs.readCount())

	// second read is a cache hit
	_, err = cache.Get(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, 1, subs.readCount())
}

func TestInvalidateForcesRecompute(t *testing.T) {
	subs := &fakeSubs{subs: map[string]*subscription.Subscription{"acct_1": testSubscription("starter")}}
	cache := newTestCache(subs, &fakeUsage{})

	ent, err := cache.Get(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "starter", ent.TierID)

	subs.subs["acct_1"] = testSubscription("chef")
	cache.Invalidate("acct_1")

	ent, err = cache.Get(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "chef", ent.TierID)
	assert.Equal(t, 2, subs.readCount())
}

func TestGetNoSubscription(t *testing.T) {
	cache := newTestCache(&fakeSubs{subs: map[string]*subscription.Subscription{}}, &fakeUsage{})

	_, err := cache.Get(context.Background(), "acct_missing")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestGetUnknownTier(t *testing.T) {
	subs := &fakeSubs{subs: map[string]*subscription.Subscription{"acct_1": testSubscription("retired_tier")}}
	cache := newTestCache(subs, &fakeUsage{})

	_, err := cache.Get(context.Background(), "acct_1")
	require.Error(t, err)
	var unknown *catalog.ErrUnknownTier
	assert.ErrorAs(t, err, &unknown)
}

func TestConcurrentMissesCollapse(t *testing.T) {
	subs := &fakeSubs{subs: map[string]*subscription.Subscription{"acct_1": testSubscription("family")}}
	cache := newTestCache(subs, &fakeUsage{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Get(context.Background(), "acct_1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, subs.readCount(), 2)
}

func TestTTLExpiryRecomputes(t *testing.T) {
	subs := &fakeSubs{subs: map[string]*subscription.Subscription{"acct_1": testSubscription("family")}}
	cache := NewCache(subs, catalog.NewStaticSource(catalog.DefaultTiers()), &fakeUsage{}, 16, 20*time.Millisecond)

	_, err := cache.Get(context.Background(), "acct_1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := cache.Get(context.Background(), "acct_1")
		return err == nil && subs.readCount() >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestRemaining(t *testing.T) {
	ent := &Entitlement{
		Limits: map[string]int64{
			catalog.QuotaRecipes:       10,
			catalog.QuotaAIGenerations: catalog.Unlimited,
		},
		Usage: map[string]int64{catalog.QuotaRecipes: 8},
	}

	assert.Equal(t, int64(2), ent.Remaining(catalog.QuotaRecipes))
	assert.Equal(t, catalog.Unlimited, ent.Remaining(catalog.QuotaAIGenerations))
	assert.Equal(t, int64(0), ent.Remaining("unknown_quota"))
}
