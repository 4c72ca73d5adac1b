package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// SlowRetryConfig configures the unbounded reconciliation retry.
type SlowRetryConfig struct {
	Floor   time.Duration
	Ceiling time.Duration
	Jitter  float64
	Name    string
}

// DefaultSlowRetryConfig backs off from a minute up to six hours.
func DefaultSlowRetryConfig() SlowRetryConfig {
	return SlowRetryConfig{Floor: time.Minute, Ceiling: 6 * time.Hour, Jitter: 0.1}
}

// SlowRetry runs an operation until it reports done, backing off aggressively.
// ErrNotDone and ordinary failures are treated alike; Permanent errors and
// context cancellation end the loop.
type SlowRetry struct {
	cfg SlowRetryConfig
}

// NewSlowRetry creates an unbounded slow retry policy.
func NewSlowRetry(cfg SlowRetryConfig) *SlowRetry {
	def := DefaultSlowRetryConfig()
	if cfg.Floor <= 0 {
		cfg.Floor = def.Floor
	}
	if cfg.Ceiling < cfg.Floor {
		cfg.Ceiling = cfg.Floor
	}
	return &SlowRetry{cfg: cfg}
}

// Execute implements Executor.
func (s *SlowRetry) Execute(ctx context.Context, op Operation) error {
	b := newExponential(s.cfg.Floor, s.cfg.Ceiling, s.cfg.Jitter)

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return unwrapPermanent(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := b.NextBackOff()
		ev := log.Warn()
		if errors.Is(err, ErrNotDone) {
			ev = log.Debug()
		}
		ev.Err(err).
			Str("task", s.cfg.Name).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Task not done, retrying later")

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}
