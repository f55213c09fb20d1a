package publisher

import (
	"context"
	"testing"

	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event/eventtest"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := New()
	var calls []string
	bus.Subscribe(eventtest.TypeDeposited, func(context.Context, event.DomainEvent) { calls = append(calls, "exact") })
	bus.Subscribe(event.AnyType, func(context.Context, event.DomainEvent) { calls = append(calls, "any") })
	bus.Subscribe(eventtest.TypeWithdrawn, func(context.Context, event.DomainEvent) { calls = append(calls, "other") })

	bus.Publish(context.Background(), eventtest.NewDeposited(5, 1))

	if len(calls) != 2 || calls[0] != "exact" || calls[1] != "any" {
		t.Fatalf("calls = %v, want [exact any]", calls)
	}
	if bus.Published() != 1 {
		t.Fatalf("published = %d, want 1", bus.Published())
	}
}

func TestNestedPublishIsDropped(t *testing.T) {
	bus := New()
	observed := 0
	bus.Subscribe(event.AnyType, func(ctx context.Context, evt event.DomainEvent) {
		observed++
		bus.Publish(ctx, eventtest.NewWithdrawn(1, 2))
	})

	bus.Publish(context.Background(), eventtest.NewDeposited(5, 1))

	if observed != 1 {
		t.Fatalf("observed = %d, want exactly the outer event", observed)
	}
	if bus.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", bus.Dropped())
	}
	if bus.Publishing() {
		t.Fatal("expected publishing flag to clear after publish")
	}
}

func TestSubscribeAndResetIgnoredWhilePublishing(t *testing.T) {
	bus := New()
	var subscribed, stillThere bool
	bus.Subscribe(eventtest.TypeDeposited, func(context.Context, event.DomainEvent) {
		subscribed = bus.Subscribe(eventtest.TypeDeposited, func(context.Context, event.DomainEvent) {})
		bus.Reset()
		stillThere = bus.Subscriptions() == 1
	})

	bus.Publish(context.Background(), eventtest.NewDeposited(1, 1))

	if subscribed {
		t.Fatal("expected subscribe during publish to be ignored")
	}
	if !stillThere {
		t.Fatal("expected reset during publish to be ignored")
	}

	bus.Reset()
	if bus.Subscriptions() != 0 {
		t.Fatalf("subscriptions = %d, want 0 after reset", bus.Subscriptions())
	}
}

func TestPublishingFlagClearsAfterHandlerPanic(t *testing.T) {
	bus := New()
	bus.Subscribe(event.AnyType, func(context.Context, event.DomainEvent) { panic("boom") })

	func() {
		defer func() { _ = recover() }()
		bus.Publish(context.Background(), eventtest.NewDeposited(1, 1))
	}()

	if bus.Publishing() {
		t.Fatal("expected publishing flag to clear after panic")
	}
}

func TestContextCarriesBus(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Fatal("expected no bus on background context")
	}
	bus := New()
	ctx := WithBus(context.Background(), bus)
	if FromContext(ctx) != bus {
		t.Fatal("expected bus from context")
	}
}
