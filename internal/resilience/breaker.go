package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	Threshold int           // Consecutive failures that open the circuit
	Cooldown  time.Duration // How long the circuit stays open before a trial call
	Name      string        // For logging
}

// DefaultBreakerConfig returns the poll-time defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 10 * time.Second}
}

// Breaker stops issuing calls for Cooldown after Threshold consecutive failures.
// After the cooldown exactly one trial call is admitted; its outcome closes
// or re-opens the circuit.
type Breaker struct {
	cfg   BreakerConfig
	inner Executor
	now   func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool // a half-open trial is in flight
}

// NewBreaker wraps inner (Direct when nil) with a circuit breaker.
func NewBreaker(cfg BreakerConfig, inner Executor) *Breaker {
	if cfg.Threshold < 1 {
		cfg.Threshold = DefaultBreakerConfig().Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if inner == nil {
		inner = Direct
	}
	return &Breaker{cfg: cfg, inner: inner, now: time.Now}
}

// NewBreakerRetry builds breaker(retry(call)): each traversal of the breaker
// gets its own retry budget, and an exhausted budget counts as one failure.
func NewBreakerRetry(bcfg BreakerConfig, rcfg RetryConfig) *Breaker {
	return NewBreaker(bcfg, NewRetry(rcfg, Direct))
}

// SetClock replaces the time source. Intended for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// State returns the current state, accounting for an elapsed cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Execute implements Executor.
func (b *Breaker) Execute(ctx context.Context, op Operation) error {
	if !b.admit() {
		return ErrCircuitOpen
	}

	err := b.inner.Execute(ctx, op)

	switch {
	case err == nil || IsPermanent(err):
		// A permanent error means the device answered; it says nothing about reachability.
		b.onSuccess()
	case ctx.Err() != nil:
		b.onAbandoned()
	default:
		b.onFailure()
	}
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.trial = true
		return true
	case StateHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
	return false
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		log.Info().Str("breaker", b.cfg.Name).Msg("Circuit closed")
	}
	b.state = StateClosed
	b.failures = 0
	b.trial = false
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trial = false
	if b.state == StateHalfOpen {
		b.open()
		return
	}

	b.failures++
	if b.failures >= b.cfg.Threshold {
		b.open()
	}
}

// onAbandoned releases a half-open trial slot without judging the device.
func (b *Breaker) onAbandoned() {
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	log.Warn().
		Str("breaker", b.cfg.Name).
		Int("failures", b.failures).
		Dur("cooldown", b.cfg.Cooldown).
		Msg("Circuit opened")
}
