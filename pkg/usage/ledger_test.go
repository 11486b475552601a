package usage

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// :memory: gives every connection its own database
	db.SetMaxOpenConns(1)
	_, err = db.Exec(Schema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

func TestIncrementWithinLimit(t *testing.T) {
	ledger := NewLedger(setupTestDB(t))
	ctx := context.Background()

	count, err := ledger.Increment(ctx, "acct_1", "recipes", 1, 10, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = ledger.Increment(ctx, "acct_1", "recipes", 3, 10, periodStart, periodEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestIncrementRejectsAtLimit(t *testing.T) {
	ledger := NewLedger(setupTestDB(t))
	ctx := context.Background()

	_, err := ledger.Increment(ctx, "acct_1", "ai_generations", 5, 5, periodStart, periodEnd)
	require.NoError(t, err)

	count, err := ledger.Increment(ctx, "acct_1", "ai_generations", 1, 5, periodStart, periodEnd)
	require.Error(t, err)
	assert.True(t, IsQuotaExceeded(err))
	assert.Equal(t, int64(5), count)

	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "ai_generations", qe.Quota)
	assert.Equal(t, int64(5), qe.Current)
	assert.Equal(t, int64(5), qe.Limit)
}

func TestIncrementUnmetered(t *testing.T) {
	ledger := NewLedger(setupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := ledger.Increment(ctx, "acct_1", "pantry_items", 1, -1, periodStart, periodEnd)
		require.NoError(t, err)
	}

	counts, err := ledger.Current(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), counts["pantry_items"])
}

func TestIncrementRejectsNonPositive(t *testing.T) {
	ledger := NewLedger(setupTestDB(t))

	_, err := ledger.Increment(context.Background(), "acct_1", "recipes", 0, 10, periodStart, periodEnd)
	assert.Error(t, err)
}

func TestConcurrentIncrementsNeverExceedLimit(t *testing.T) {
	ledger := NewLedger(setupTestDB(t))
	ctx := context.Background()

	const workers = 10
	const limit = 9

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Increment(ctx, "acct_1", "recipes", 1, limit, periodStart, periodEnd)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var rejected int
	for err := range errs {
		if err != nil {
			require.True(t, IsQuotaExceeded(err))
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)

	counts, err := ledger.Current(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(limit), counts["recipes"])
}

func TestRolloverClosesOldPeriodAndSeedsNew(t *testing.T) {
	ledger := NewLedger(setupTestDB(t))
	ctx := context.Background()

	_, err := ledger.Increment(ctx, "acct_1", "recipes", 7, 10, periodStart, periodEnd)
	require.NoError(t, err)

	nextStart := periodEnd
	nextEnd := nextStart.AddDate(0, 1, 0)
	quotas := map[string]int64{"recipes": 10, "ai_generations": 5}

	require.NoError(t, ledger.Rollover(ctx, "acct_1", quotas, nextStart, nextEnd))

	counts, err := ledger.Current(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts["recipes"])
	assert.Equal(t, int64(0), counts["ai_generations"])

	counters, err := ledger.Counters(ctx, "acct_1")
	require.NoError(t, err)
	require.Len(t, counters, 2)
	for _, c := range counters {
		assert.True(t, c.PeriodStart.Equal(nextStart), "counter %s has stale period", c.Quota)
	}
}

func TestRolloverIsIdempotent(t *testing.T) {
	ledger := NewLedger(setupTestDB(t))
	ctx := context.Background()

	quotas := map[string]int64{"recipes": 10}
	require.NoError(t, ledger.Rollover(ctx, "acct_1", quotas, periodStart, periodEnd))

	_, err := ledger.Increment(ctx, "acct_1", "recipes", 4, 10, periodStart, periodEnd)
	require.NoError(t, err)

	// replaying the same rollover must not reset the count
	require.NoError(t, ledger.Rollover(ctx, "acct_1", quotas, periodStart, periodEnd))

	counts, err := ledger.Current(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts["recipes"])
}

func TestSyncPeriodRepairsCounters(t *testing.T) {
	ledger := NewLedger(setupTestDB(t))
	ctx := context.Background()

	quotas := map[string]int64{"recipes": 10}

	// counters left on a future period by a misapplied rollover
	futureStart := periodEnd
	futureEnd := futureStart.AddDate(0, 1, 0)
	require.NoError(t, ledger.Rollover(ctx, "acct_1", quotas, futureStart, futureEnd))

	require.NoError(t, ledger.SyncPeriod(ctx, "acct_1", quotas, periodStart, periodEnd))

	counters, err := ledger.Counters(ctx, "acct_1")
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.True(t, counters[0].PeriodStart.Equal(periodStart))
}

func TestCountersScopedPerAccount(t *testing.T) {
	ledger := NewLedger(setupTestDB(t))
	ctx := context.Background()

	_, err := ledger.Increment(ctx, "acct_1", "recipes", 2, 10, periodStart, periodEnd)
	require.NoError(t, err)
	_, err = ledger.Increment(ctx, "acct_2", "recipes", 5, 10, periodStart, periodEnd)
	require.NoError(t, err)

	counts, err := ledger.Current(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["recipes"])
}
