// Package events is a small process-local publish/subscribe bus for
// connection lifecycle events. Delivery is at-least-once to listeners
// subscribed at emit time.
package events

import "sync"

// Handler receives the event payload.
type Handler func(payload interface{})

type subscription struct {
	id int
	fn Handler
}

// Bus fans events out to subscribed handlers. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string][]subscription
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]subscription)}
}

// Subscribe registers fn for event and returns an unsubscribe func.
func (b *Bus) Subscribe(event string, fn Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[event] = append(b.handlers[event], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[event]
		for i, s := range subs {
			if s.id == id {
				b.handlers[event] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Emit invokes every handler currently subscribed to event. Handlers run
// synchronously on the caller's goroutine; the subscriber list is snapshotted
// first so handlers may subscribe or unsubscribe freely.
func (b *Bus) Emit(event string, payload interface{}) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[event]...)
	b.mu.RUnlock()
	for _, s := range subs {
		s.fn(payload)
	}
}
