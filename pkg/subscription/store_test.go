package subscription

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(Schema)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db)
}

func storedSubscription() *Subscription {
	return &Subscription{
		AccountID:          "acct_1",
		TierID:             "family",
		Status:             StatusActive,
		CurrentPeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		LastAppliedEventAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSQLStoreCreateAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, storedSubscription()))

	sub, err := store.Get(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, "family", sub.TierID)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, int64(1), sub.Generation)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Nil(t, sub.PastDueSince)
}

func TestSQLStoreGetMissing(t *testing.T) {
	store := setupStore(t)

	_, err := store.Get(context.Background(), "acct_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStoreUpdateRoundTripsNullableFields(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, storedSubscription()))

	sub, err := store.Get(ctx, "acct_1")
	require.NoError(t, err)

	since := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	sub.Status = StatusPastDue
	sub.PastDueSince = &since
	sub.CancelAtPeriodEnd = true
	sub.Generation++
	require.NoError(t, store.Update(ctx, sub))

	got, err := store.Get(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, got.Status)
	assert.True(t, got.CancelAtPeriodEnd)
	require.NotNil(t, got.PastDueSince)
	assert.True(t, got.PastDueSince.Equal(since))
	assert.Equal(t, int64(2), got.Generation)
}

func TestSQLStoreUpdateConflict(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, storedSubscription()))

	first, err := store.Get(ctx, "acct_1")
	require.NoError(t, err)
	second, err := store.Get(ctx, "acct_1")
	require.NoError(t, err)

	first.Generation++
	require.NoError(t, store.Update(ctx, first))

	// the second writer still holds the old generation
	second.Generation++
	assert.ErrorIs(t, store.Update(ctx, second), ErrConflict)
}

func TestSQLStoreGetQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT account_id").WillReturnError(assert.AnError)

	_, err = NewSQLStore(db).Get(context.Background(), "acct_1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
