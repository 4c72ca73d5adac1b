// Package eventbus provides synchronous in-process fan-out of device events.
package eventbus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handler is a function that handles events
type Handler func(Event)

type subscriber struct {
	id      string
	kind    Kind
	all     bool
	handler Handler
}

// Subscription is returned by Subscribe and removes the handler when cancelled.
type Subscription struct {
	bus *Bus
	id  string
}

// ID returns the unique subscription identifier.
func (s Subscription) ID() string {
	return s.id
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.remove(s.id)
	}
}

// Bus routes events to subscribers in registration order.
// Delivery is synchronous on the publishing goroutine. No lock is held while
// handlers run, so handlers may publish or subscribe themselves.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscriber
}

// New creates a new event bus
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for a specific event kind
func (b *Bus) Subscribe(kind Kind, handler Handler) Subscription {
	return b.add(subscriber{kind: kind, handler: handler})
}

// SubscribeAll registers a handler for every event kind
func (b *Bus) SubscribeAll(handler Handler) Subscription {
	return b.add(subscriber{all: true, handler: handler})
}

func (b *Bus) add(s subscriber) Subscription {
	s.id = uuid.NewString()

	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()

	return Subscription{bus: b, id: s.id}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subscribers {
		if s.id == id {
			// Copy instead of in-place removal: an in-flight Publish may hold the old slice.
			next := make([]subscriber, 0, len(b.subscribers)-1)
			next = append(next, b.subscribers[:i]...)
			next = append(next, b.subscribers[i+1:]...)
			b.subscribers = next
			return
		}
	}
}

// Publish delivers an event to every matching subscriber, once each.
// A panicking handler is logged and does not stop delivery to the rest.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := b.subscribers
	b.mu.RUnlock()

	kind := event.Kind()
	for _, s := range subs {
		if !s.all && s.kind != kind {
			continue
		}
		b.deliver(s, event)
	}
}

func (b *Bus) deliver(s subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event_kind", event.Kind().String()).
				Str("device", event.Device()).
				Str("subscription", s.id).
				Msg("Event handler panicked")
		}
	}()
	s.handler(event)
}

// Len returns the number of registered subscribers
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = nil
}
