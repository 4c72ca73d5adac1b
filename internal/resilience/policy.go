// Package resilience provides composable call executors: bounded retry,
// circuit breaker and an unbounded slow retry for reconciliation loops.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

var (
	// ErrRetriesExhausted wraps the last error once a bounded retry gives up.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrCircuitOpen is returned without issuing the call while the breaker is open.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrNotDone tells SlowRetry to back off and run again even though nothing failed.
	ErrNotDone = errors.New("not done")
)

// Operation is a unit of work guarded by a policy.
type Operation func(ctx context.Context) error

// Executor runs an operation under some policy. Executors wrap other
// executors, so policies compose in either order.
type Executor interface {
	Execute(ctx context.Context, op Operation) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, op Operation) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, op Operation) error {
	return f(ctx, op)
}

// Direct runs the operation once with no policy.
var Direct Executor = ExecutorFunc(func(ctx context.Context, op Operation) error {
	return op(ctx)
})

// Do runs fn through ex and returns its value.
func Do[T any](ctx context.Context, ex Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := ex.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Retry and Breaker pass it on
// still marked; SlowRetry, the outermost loop, returns the original error.
// errors.Is and errors.As see through the marker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// unwrapPermanent strips the Permanent marker so callers see the original error.
func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

// newExponential builds a jitter-free exponential schedule that never stops on its own.
func newExponential(initial, max time.Duration, jitter float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
