package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/plateful/entitlements/pkg/observability"
)

// Config tunes a queue.
type Config struct {
	// Name labels the queue in logs and metrics.
	Name    string
	Workers int
	// Buffer is the enqueue channel capacity.
	Buffer  int
	Retry   RetryPolicy
	Breaker BreakerConfig
	// RatePerSecond paces job starts across all workers; 0 disables pacing.
	RatePerSecond float64
	Burst         int
}

// Queue is a bounded worker pool with retries, a circuit breaker, and a
// dead-letter store for jobs that exhaust their attempts.
type Queue struct {
	name    string
	workers int
	retry   RetryPolicy
	breaker *Breaker
	dlq     DeadLetterStore
	limiter *rate.Limiter
	logger  *observability.Logger
	metrics *observability.Metrics

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	ch     chan Job
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewQueue creates a queue; Start must be called before jobs run.
func NewQueue(cfg Config, dlq DeadLetterStore, logger *observability.Logger) *Queue {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Queue{
		name:     cfg.Name,
		workers:  cfg.Workers,
		retry:    cfg.Retry,
		breaker:  NewBreaker(cfg.Breaker),
		dlq:      dlq,
		limiter:  limiter,
		logger:   logger.WithField("queue", cfg.Name),
		handlers: make(map[string]Handler),
		ch:       make(chan Job, cfg.Buffer),
	}
}

// SetMetrics wires job counters and the breaker state gauge.
func (q *Queue) SetMetrics(m *observability.Metrics) {
	q.metrics = m
	q.breaker.OnStateChange(func(s BreakerState) {
		m.BreakerState.WithLabelValues(q.name).Set(float64(s))
	})
}

// Breaker exposes the queue's circuit breaker, primarily for tests and the
// readiness surface.
func (q *Queue) Breaker() *Breaker {
	return q.breaker
}

// Register binds a handler to a job type. Panics on duplicate registration,
// which is a wiring bug.
func (q *Queue) Register(jobType string, handler Handler) {
	q.handlersMu.Lock()
	defer q.handlersMu.Unlock()
	if _, dup := q.handlers[jobType]; dup {
		panic(fmt.Sprintf("jobs: duplicate handler for %q", jobType))
	}
	q.handlers[jobType] = handler
}

func (q *Queue) handler(jobType string) (Handler, bool) {
	q.handlersMu.RLock()
	defer q.handlersMu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue submits a job. Fails fast with ErrCircuitOpen while the breaker is
// open and ErrQueueFull when the buffer is at capacity.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload []byte) (string, error) {
	if _, ok := q.handler(jobType); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrQueueClosed
	}

	// Reject only while fully open; half-open admissions are decided per
	// attempt in run so the probe budget is spent on real calls.
	if q.breaker.State() == BreakerOpen {
		if q.metrics != nil {
			q.metrics.JobsTotal.WithLabelValues(jobType, "rejected_open").Inc()
		}
		return "", ErrCircuitOpen
	}

	job := Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}

	select {
	case q.ch <- job:
	default:
		return "", ErrQueueFull
	}

	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.ch)))
	}
	return job.ID, nil
}

// Requeue moves a dead letter back onto the queue with fresh attempts.
func (q *Queue) Requeue(ctx context.Context, deadLetterID string) (string, error) {
	letter, err := q.dlq.Remove(ctx, deadLetterID)
	if err != nil {
		return "", err
	}
	id, err := q.Enqueue(ctx, letter.Job.Type, letter.Job.Payload)
	if err != nil {
		// put the letter back rather than losing it
		if addErr := q.dlq.Add(ctx, letter); addErr != nil {
			q.logger.WithError(addErr).Error("Failed to restore dead letter after requeue failure")
		}
		return "", err
	}
	return id, nil
}

// Close stops intake and drains in-flight jobs, bounded by ctx.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if q.cancel != nil {
			q.cancel()
		}
		return fmt.Errorf("queue %s drain timed out: %w", q.name, ctx.Err())
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for job := range q.ch {
		if q.metrics != nil {
			q.metrics.QueueDepth.Set(float64(len(q.ch)))
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				q.deadLetter(ctx, job, err)
				continue
			}
		}
		q.run(ctx, job)
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	handler, ok := q.handler(job.Type)
	if !ok {
		q.deadLetter(ctx, job, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
		return
	}

	logger := q.logger.WithFields(map[string]interface{}{
		"job_id":   job.ID,
		"job_type": job.Type,
	})

	var lastErr error
	for attempt := 1; attempt <= q.retry.MaxAttempts; attempt++ {
		if delay := q.retry.Delay(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				q.deadLetter(ctx, job, ctx.Err())
				return
			}
		}

		// The breaker gates every attempt: an open circuit means the
		// dependency is not called at all, and half-open admissions draw
		// down the probe budget here.
		if !q.breaker.Allow() {
			lastErr = ErrCircuitOpen
			if attempt < q.retry.MaxAttempts {
				logger.Warnf("Circuit open, skipping attempt %d", attempt)
			}
			continue
		}

		job.Attempts = attempt
		start := time.Now()
		err := q.invoke(ctx, handler, job)
		if q.metrics != nil {
			q.metrics.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())
		}

		if err == nil {
			q.breaker.RecordSuccess()
			if q.metrics != nil {
				q.metrics.JobsTotal.WithLabelValues(job.Type, "success").Inc()
			}
			return
		}

		lastErr = err
		q.breaker.RecordFailure()
		if attempt < q.retry.MaxAttempts {
			logger.WithError(err).Warnf("Job attempt %d failed, retrying", attempt)
			if q.metrics != nil {
				q.metrics.JobRetriesTotal.WithLabelValues(job.Type).Inc()
			}
		}
	}

	logger.WithError(lastErr).Errorf("Job failed after %d attempts", q.retry.MaxAttempts)
	q.deadLetter(ctx, job, lastErr)
}

// invoke runs a handler with panic containment so one bad job cannot take a
// worker down.
func (q *Queue) invoke(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, job)
}

func (q *Queue) deadLetter(ctx context.Context, job Job, cause error) {
	letter := &DeadLetter{
		Job:      job,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	}
	if err := q.dlq.Add(ctx, letter); err != nil {
		q.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to record dead letter")
	}
	if q.metrics != nil {
		q.metrics.JobsTotal.WithLabelValues(job.Type, "dead_letter").Inc()
		q.metrics.DeadLettersTotal.WithLabelValues(job.Type).Inc()
	}
}
