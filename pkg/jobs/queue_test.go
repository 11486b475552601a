package jobs

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plateful/entitlements/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestQueueRunsJob(t *testing.T) {
	dlq := NewInMemoryDeadLetterStore()
	q := NewQueue(Config{Name: "test", Workers: 1, Retry: fastRetry(1)}, dlq, testLogger())

	done := make(chan Job, 1)
	q.Register("send_receipt", func(ctx context.Context, job Job) error {
		done <- job
		return nil
	})
	q.Start(context.Background())
	defer q.Close(context.Background())

	id, err := q.Enqueue(context.Background(), "send_receipt", []byte(`{"account_id":"acct_1"}`))
	require.NoError(t, err)

	select {
	case job := <-done:
		assert.Equal(t, id, job.ID)
		assert.Equal(t, 1, job.Attempts)
	case <-time.After(time.Second):
		t.Fatal("job was never executed")
	}
}

func TestQueueRejectsUnknownType(t *testing.T) {
	q := NewQueue(Config{Workers: 1}, NewInMemoryDeadLetterStore(), testLogger())
	q.Start(context.Background())
	defer q.Close(context.Background())

	_, err := q.Enqueue(context.Background(), "no_such_type", nil)
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestQueueRetriesThenSucceeds(t *testing.T) {
	q := NewQueue(Config{Workers: 1, Retry: fastRetry(3)}, NewInMemoryDeadLetterStore(), testLogger())

	var calls int32
	done := make(chan struct{})
	q.Register("sync_provider", func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})
	q.Start(context.Background())
	defer q.Close(context.Background())

	_, err := q.Enqueue(context.Background(), "sync_provider", nil)
	require.NoError(t, err)

	select {
	case <-done:
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	case <-time.After(time.Second):
		t.Fatal("job never succeeded")
	}
}

func TestQueueDeadLettersAfterExhaustedRetries(t *testing.T) {
	dlq := NewInMemoryDeadLetterStore()
	q := NewQueue(Config{Workers: 1, Retry: fastRetry(2)}, dlq, testLogger())

	q.Register("send_receipt", func(ctx context.Context, job Job) error {
		return errors.New("smtp down")
	})
	q.Start(context.Background())
	defer q.Close(context.Background())

	id, err := q.Enqueue(context.Background(), "send_receipt", []byte(`{}`))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		letters, err := dlq.List(context.Background(), 10)
		return err == nil && len(letters) == 1
	}, time.Second, 5*time.Millisecond)

	letters, err := dlq.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, id, letters[0].Job.ID)
	assert.Equal(t, 2, letters[0].Job.Attempts)
	assert.Contains(t, letters[0].Error, "smtp down")
}

func TestQueuePanicIsContained(t *testing.T) {
	dlq := NewInMemoryDeadLetterStore()
	q := NewQueue(Config{Workers: 1, Retry: fastRetry(1)}, dlq, testLogger())

	q.Register("bad_job", func(ctx context.Context, job Job) error {
		panic("boom")
	})
	q.Start(context.Background())
	defer q.Close(context.Background())

	_, err := q.Enqueue(context.Background(), "bad_job", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		letters, _ := dlq.List(context.Background(), 10)
		return len(letters) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestQueueFailsFastWhenCircuitOpen(t *testing.T) {
	dlq := NewInMemoryDeadLetterStore()
	q := NewQueue(Config{
		Workers: 1,
		Retry:   fastRetry(1),
		Breaker: BreakerConfig{FailureThreshold: 3, Cooldown: time.Hour},
	}, dlq, testLogger())

	q.Register("sync_provider", func(ctx context.Context, job Job) error {
		return errors.New("provider 503")
	})
	q.Start(context.Background())
	defer q.Close(context.Background())

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(context.Background(), "sync_provider", nil)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return q.Breaker().State() == BreakerOpen
	}, time.Second, 5*time.Millisecond)

	_, err := q.Enqueue(context.Background(), "sync_provider", nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestQueueOpenCircuitStopsWorkerAttempts(t *testing.T) {
	dlq := NewInMemoryDeadLetterStore()
	q := NewQueue(Config{
		Workers: 1,
		Buffer:  16,
		Retry:   fastRetry(3),
		Breaker: BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour},
	}, dlq, testLogger())

	var calls atomic.Int64
	q.Register("sync_provider", func(ctx context.Context, job Job) error {
		calls.Add(1)
		return errors.New("provider 503")
	})
	q.Start(context.Background())
	defer q.Close(context.Background())

	// all four land in the buffer while the circuit is still closed
	for i := 0; i < 4; i++ {
		_, err := q.Enqueue(context.Background(), "sync_provider", nil)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		letters, _ := dlq.List(context.Background(), 10)
		return len(letters) == 4
	}, time.Second, 5*time.Millisecond)

	// the circuit opened after the second failed call; the remaining
	// retries and buffered jobs must not reach the dependency
	assert.Equal(t, int64(2), calls.Load())

	letters, err := dlq.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Contains(t, letters[3].Error, ErrCircuitOpen.Error())
}

func TestQueueRecoversThroughProbes(t *testing.T) {
	dlq := NewInMemoryDeadLetterStore()
	q := NewQueue(Config{
		Workers: 1,
		Retry:   fastRetry(1),
		Breaker: BreakerConfig{FailureThreshold: 2, Cooldown: 20 * time.Millisecond, ProbeSuccesses: 1},
	}, dlq, testLogger())

	var failing atomic.Bool
	failing.Store(true)
	q.Register("sync_provider", func(ctx context.Context, job Job) error {
		if failing.Load() {
			return errors.New("provider 503")
		}
		return nil
	})
	q.Start(context.Background())
	defer q.Close(context.Background())

	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(context.Background(), "sync_provider", nil)
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool {
		return q.Breaker().State() == BreakerOpen
	}, time.Second, 5*time.Millisecond)

	failing.Store(false)

	// after the cooldown a probe job is admitted and closes the circuit
	assert.Eventually(t, func() bool {
		if _, err := q.Enqueue(context.Background(), "sync_provider", nil); err != nil {
			return false
		}
		return true
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return q.Breaker().State() == BreakerClosed
	}, time.Second, 5*time.Millisecond)
}

func TestQueueRequeueDeadLetter(t *testing.T) {
	dlq := NewInMemoryDeadLetterStore()
	q := NewQueue(Config{Workers: 1, Retry: fastRetry(1)}, dlq, testLogger())

	var failing atomic.Bool
	failing.Store(true)
	done := make(chan struct{})
	q.Register("send_receipt", func(ctx context.Context, job Job) error {
		if failing.Load() {
			return errors.New("smtp down")
		}
		close(done)
		return nil
	})
	q.Start(context.Background())
	defer q.Close(context.Background())

	_, err := q.Enqueue(context.Background(), "send_receipt", nil)
	require.NoError(t, err)

	var letterID string
	require.Eventually(t, func() bool {
		letters, _ := dlq.List(context.Background(), 1)
		if len(letters) == 1 {
			letterID = letters[0].ID
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	failing.Store(false)
	_, err = q.Requeue(context.Background(), letterID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("requeued job never succeeded")
	}

	letters, err := dlq.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestQueueCloseStopsIntake(t *testing.T) {
	q := NewQueue(Config{Workers: 1, Retry: fastRetry(1)}, NewInMemoryDeadLetterStore(), testLogger())
	q.Register("send_receipt", func(ctx context.Context, job Job) error { return nil })
	q.Start(context.Background())

	require.NoError(t, q.Close(context.Background()))

	_, err := q.Enqueue(context.Background(), "send_receipt", nil)
	assert.ErrorIs(t, err, ErrQueueClosed)
}
