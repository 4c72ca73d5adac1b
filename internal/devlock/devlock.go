// Package devlock serializes composite-state calls per physical device.
package devlock

import (
	"context"
	"sync"
)

type entry struct {
	sem       chan struct{}
	active    int
	maxActive int
}

// Locks hands out one mutual-exclusion section per device id.
// Different devices never contend with each other.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock registry.
func New() *Locks {
	return &Locks{entries: make(map[string]*entry)}
}

func (l *Locks) get(id string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[id] = e
	}
	return e
}

// WithLock runs fn while holding the device's lock. The lock is released
// when fn returns, errors or panics. Acquisition gives up when ctx is done.
func (l *Locks) WithLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	e := l.get(id)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	e.active++
	if e.active > e.maxActive {
		e.maxActive = e.active
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		e.active--
		l.mu.Unlock()
		<-e.sem
	}()

	return fn(ctx)
}

// With runs fn under the device lock and returns its value.
func With[T any](ctx context.Context, l *Locks, id string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.WithLock(ctx, id, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Active returns how many holders the device's lock currently has (0 or 1).
func (l *Locks) Active(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		return e.active
	}
	return 0
}

// MaxConcurrent returns the highest number of simultaneous holders ever observed.
func (l *Locks) MaxConcurrent(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[id]; ok {
		return e.maxActive
	}
	return 0
}

// Forget drops the device's entry after deregistration.
func (l *Locks) Forget(id string) {
	l.mu.Lock()
	delete(l.entries, id)
	l.mu.Unlock()
}
