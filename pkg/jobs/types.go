package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is one unit of queued work.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
}

// Handler executes one job. A nil return acknowledges the job.
type Handler func(ctx context.Context, job Job) error

var (
	// ErrCircuitOpen is returned by Enqueue while the breaker is open.
	ErrCircuitOpen = errors.New("job queue circuit is open")
	// ErrQueueClosed is returned by Enqueue after shutdown began.
	ErrQueueClosed = errors.New("job queue is closed")
	// ErrQueueFull is returned when the buffer is at capacity.
	ErrQueueFull = errors.New("job queue is full")
	// ErrUnknownJobType is returned for types with no registered handler.
	ErrUnknownJobType = errors.New("unknown job type")
)

// RetryPolicy controls backoff between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy retries three times with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
	}
}

// Delay returns the backoff before the given attempt (1-based; the first
// attempt has no delay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-2)))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// DeadLetter is a job that exhausted its attempts.
type DeadLetter struct {
	ID       string    `json:"id"`
	Job      Job       `json:"job"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterStore holds failed jobs for inspection and requeue.
type DeadLetterStore interface {
	Add(ctx context.Context, letter *DeadLetter) error
	List(ctx context.Context, limit int) ([]*DeadLetter, error)
	Remove(ctx context.Context, id string) (*DeadLetter, error)
}

// InMemoryDeadLetterStore keeps dead letters in process memory.
type InMemoryDeadLetterStore struct {
	mu      sync.RWMutex
	letters map[string]*DeadLetter
	order   []string
}

func NewInMemoryDeadLetterStore() *InMemoryDeadLetterStore {
	return &InMemoryDeadLetterStore{letters: make(map[string]*DeadLetter)}
}

func (s *InMemoryDeadLetterStore) Add(ctx context.Context, letter *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	s.letters[letter.ID] = letter
	s.order = append(s.order, letter.ID)
	return nil
}

// List returns dead letters oldest first, up to limit.
func (s *InMemoryDeadLetterStore) List(ctx context.Context, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*DeadLetter, 0, limit)
	for _, id := range s.order {
		if len(out) >= limit {
			break
		}
		if letter, ok := s.letters[id]; ok {
			out = append(out, letter)
		}
	}
	return out, nil
}

func (s *InMemoryDeadLetterStore) Remove(ctx context.Context, id string) (*DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	letter, ok := s.letters[id]
	if !ok {
		return nil, errors.New("dead letter not found")
	}
	delete(s.letters, id)
	for i, lid := range s.order {
		if lid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return letter, nil
}
