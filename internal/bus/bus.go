// Package bus implements the kernel's in-process event bus: a typed,
// fire-and-forget publish/subscribe mechanism other components use to
// announce domain events (tool invoked, budget threshold crossed, breaker
// tripped, ...) without depending on who is listening.
//
// Grounded on the teacher's subscriber fan-out pattern in
// registry/stream_manager.go, generalized from a single result-stream
// concern into a general typed event bus and simplified to single-process
// (no Pulse-backed cross-instance distribution).
package bus

import (
	"context"
	"sync"

	"github.com/toolmesh/kernel/internal/telemetry"
)

// Event is any domain event published on the bus. Type is the stable
// discriminator consumers switch on.
type Event struct {
	Type     string
	TenantID string
	Payload  any
}

// Handler receives events. Handlers run in their own goroutine per
// subscriber; a slow or panicking handler never blocks the publisher or
// other subscribers.
type Handler func(ctx context.Context, evt Event)

// Bus is a typed in-process publish/subscribe hub. Safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription
	telemetry   telemetry.Bundle
}

type subscription struct {
	id      int
	handler Handler
}

// New constructs an empty Bus.
func New(tel telemetry.Bundle) *Bus {
	return &Bus{subscribers: make(map[string][]subscription), telemetry: tel}
}

// Subscribe registers handler for events of the given type. "*" subscribes
// to all event types. It returns an Unsubscribe func.
func (b *Bus) Subscribe(eventType string, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := 0
	for _, s := range b.subscribers[eventType] {
		if s.id >= id {
			id = s.id + 1
		}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers evt to every subscriber of evt.Type and every wildcard
// subscriber. Each subscriber is invoked in its own goroutine; a panic in one
// handler is recovered and logged, never propagated to the publisher.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[evt.Type])+len(b.subscribers["*"]))
	for _, s := range b.subscribers[evt.Type] {
		handlers = append(handlers, s.handler)
	}
	for _, s := range b.subscribers["*"] {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go b.deliver(ctx, h, evt)
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.telemetry.Log.Error(ctx, "event bus subscriber panicked", "event_type", evt.Type, "recover", r)
		}
	}()
	h(ctx, evt)
}

// FieldPublisher adapts a Bus to the narrow (eventType, tenantID, payload)
// Publisher interface that the router and budget packages declare, so those
// packages don't need to import this one's Event type.
type FieldPublisher struct {
	Bus *Bus
}

// Publish wraps the fields into an Event and forwards to Bus.Publish.
func (p FieldPublisher) Publish(ctx context.Context, eventType, tenantID string, payload any) {
	p.Bus.Publish(ctx, Event{Type: eventType, TenantID: tenantID, Payload: payload})
}
