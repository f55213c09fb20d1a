// Package publisher provides a synchronous in-process event bus.
//
// A Bus belongs to one logical execution context (one request, one worker
// goroutine) and is not safe for concurrent use. It is carried explicitly
// through context.Context rather than held in a global.
package publisher

import (
	"context"

	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
)

// Handler receives a published event. Handlers cannot fail the publish.
type Handler func(ctx context.Context, evt event.DomainEvent)

type subscription struct {
	eventType event.Type
	handler   Handler
}

// Bus delivers events to subscribers in subscription order.
//
// While a publish is in progress the bus ignores Subscribe and Reset, and
// drops nested Publish calls made from handlers. Dropped events are not
// queued; Dropped reports how many were lost.
type Bus struct {
	subscriptions []subscription
	publishing    bool
	published     int
	dropped       int
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers handler for eventType, or for every type with
// event.AnyType. It reports false when the subscription was ignored.
func (b *Bus) Subscribe(eventType event.Type, handler Handler) bool {
	if b.publishing || handler == nil {
		return false
	}
	b.subscriptions = append(b.subscriptions, subscription{eventType: eventType, handler: handler})
	return true
}

// Publish delivers evt synchronously to every handler subscribed to its
// exact type or to event.AnyType.
func (b *Bus) Publish(ctx context.Context, evt event.DomainEvent) {
	if evt == nil {
		return
	}
	if b.publishing {
		b.dropped++
		return
	}
	b.publishing = true
	defer func() { b.publishing = false }()

	b.published++
	eventType := evt.EventType()
	for _, sub := range b.subscriptions {
		if sub.eventType == eventType || sub.eventType == event.AnyType {
			sub.handler(ctx, evt)
		}
	}
}

// Reset clears all subscriptions unless a publish is in progress.
func (b *Bus) Reset() {
	if b.publishing {
		return
	}
	b.subscriptions = nil
}

// Publishing reports whether a publish is in progress.
func (b *Bus) Publishing() bool { return b.publishing }

// Subscriptions returns the number of registered handlers.
func (b *Bus) Subscriptions() int { return len(b.subscriptions) }

// Published returns how many top-level publishes were delivered.
func (b *Bus) Published() int { return b.published }

// Dropped returns how many nested publishes were discarded.
func (b *Bus) Dropped() int { return b.dropped }

type contextKey struct{}

// WithBus returns a context carrying bus.
func WithBus(ctx context.Context, bus *Bus) context.Context {
	return context.WithValue(ctx, contextKey{}, bus)
}

// FromContext returns the bus carried by ctx, or nil.
func FromContext(ctx context.Context) *Bus {
	if ctx == nil {
		return nil
	}
	bus, _ := ctx.Value(contextKey{}).(*Bus)
	return bus
}
