package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig configures bounded retry.
type RetryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Jitter      float64 // Randomization factor, 0 for deterministic delays
}

// DefaultRetryConfig returns the registration-time defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		MaxAttempts: 5,
	}
}

// Retry retries a failing operation with exponential backoff up to MaxAttempts.
type Retry struct {
	cfg   RetryConfig
	inner Executor
}

// NewRetry wraps inner (Direct when nil) with bounded retry.
func NewRetry(cfg RetryConfig, inner Executor) *Retry {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRetryConfig().BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if inner == nil {
		inner = Direct
	}
	return &Retry{cfg: cfg, inner: inner}
}

// Execute implements Executor.
func (r *Retry) Execute(ctx context.Context, op Operation) error {
	b := newExponential(r.cfg.BaseDelay, r.cfg.MaxDelay, r.cfg.Jitter)

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err := r.inner.Execute(ctx, op)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			// Stays marked so an enclosing breaker does not count it.
			return err
		}
		if ctx.Err() != nil || errors.Is(err, ErrCircuitOpen) {
			return err
		}
		lastErr = err

		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := b.NextBackOff()
		log.Debug().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", r.cfg.MaxAttempts).
			Dur("backoff", delay).
			Msg("Retrying call")

		if err := sleep(ctx, delay); err != nil {
			return lastErr
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.cfg.MaxAttempts, lastErr)
}
