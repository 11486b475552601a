package jobs

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures inside Window.
	FailureThreshold int
	Window           time.Duration
	// Cooldown is how long the circuit stays open before admitting probes.
	Cooldown time.Duration
	// ProbeSuccesses closes the circuit after this many successful probes.
	ProbeSuccesses int
	// MaxProbes bounds concurrent probe admissions while half-open.
	MaxProbes int
}

// DefaultBreakerConfig matches the queue's documented behavior.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		Cooldown:         30 * time.Second,
		ProbeSuccesses:   2,
		MaxProbes:        2,
	}
}

// Breaker is a three-state circuit breaker. A run of failures inside the
// window opens it; after the cooldown a limited number of probes are
// admitted, and enough probe successes close it again. Any probe failure
// reopens it and restarts the cooldown.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures []time.Time
	openedAt time.Time
	probes   int
	probeOK  int

	nowFn func() time.Time

	// onState is notified on transitions, used for the state gauge.
	onState func(BreakerState)
}

// NewBreaker creates a breaker; zero-value config fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = def.ProbeSuccesses
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = def.MaxProbes
	}
	return &Breaker{cfg: cfg, nowFn: time.Now}
}

// SetNow overrides the clock, for tests.
func (b *Breaker) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nowFn = now
}

// OnStateChange registers a transition callback.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onState = fn
}

// State returns the current state, advancing open to half_open when the
// cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Allow reports whether a new job may be admitted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probes < b.cfg.MaxProbes {
			b.probes++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a completed job.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	switch b.state {
	case BreakerClosed:
		b.failures = b.failures[:0]
	case BreakerHalfOpen:
		b.probeOK++
		if b.probeOK >= b.cfg.ProbeSuccesses {
			b.transition(BreakerClosed)
			b.failures = b.failures[:0]
		}
	}
}

// RecordFailure notes a failed job attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()

	now := b.nowFn()
	switch b.state {
	case BreakerClosed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.openedAt = now
		b.transition(BreakerOpen)
	}
}

// advance moves open to half_open once the cooldown has elapsed. Callers
// hold b.mu.
func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.nowFn().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transition(BreakerHalfOpen)
	}
}

// transition sets the state and resets per-state counters. Callers hold b.mu.
func (b *Breaker) transition(next BreakerState) {
	b.state = next
	b.probes = 0
	b.probeOK = 0
	if b.onState != nil {
		b.onState(next)
	}
}

// prune drops failures older than the window. Callers hold b.mu.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	b.failures = b.failures[i:]
}
