package devlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLock_SerializesSameDevice(t *testing.T) {
	locks := New()
	var inFlight, overlap atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locks.WithLock(context.Background(), "AA", func(context.Context) error {
				if inFlight.Add(1) > 1 {
					overlap.Add(1)
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Zero(t, overlap.Load())
	assert.Equal(t, 1, locks.MaxConcurrent("AA"))
	assert.Zero(t, locks.Active("AA"))
}

func TestWithLock_DifferentDevicesRunConcurrently(t *testing.T) {
	locks := New()
	entered := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_ = locks.WithLock(context.Background(), "AA", func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan struct{})
	go func() {
		_ = locks.WithLock(context.Background(), "BB", func(context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("device BB blocked behind device AA")
	}
	close(release)
}

func TestWithLock_ReleasedOnErrorAndPanic(t *testing.T) {
	locks := New()
	errBoom := errors.New("boom")

	err := locks.WithLock(context.Background(), "AA", func(context.Context) error { return errBoom })
	assert.ErrorIs(t, err, errBoom)

	assert.Panics(t, func() {
		_ = locks.WithLock(context.Background(), "AA", func(context.Context) error { panic("x") })
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, locks.WithLock(ctx, "AA", func(context.Context) error { return nil }))
}

func TestWithLock_AcquireHonorsContext(t *testing.T) {
	locks := New()
	release := make(chan struct{})
	entered := make(chan struct{})

	go func() {
		_ = locks.WithLock(context.Background(), "AA", func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	called := false
	err := locks.WithLock(ctx, "AA", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}

func TestWith_ReturnsValue(t *testing.T) {
	v, err := With(context.Background(), New(), "AA", func(context.Context) (string, error) {
		return "state", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "state", v)
}
