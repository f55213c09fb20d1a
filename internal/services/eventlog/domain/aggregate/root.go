// Package aggregate provides the event-sourced aggregate base.
//
// An aggregate's state is built only by running mutators over events: during
// replay for events already stored, and during Apply for new events. Both
// paths share one dispatch table so replayed state always equals live state.
package aggregate

import (
	"context"

	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/publisher"
)

// Root tracks the persisted version and pending events of one aggregate.
// Business aggregates embed it and pass themselves as state.
type Root[S any] struct {
	mutators         *Mutators[S]
	unmutatedVersion int
	pending          []event.DomainEvent
}

// NewRoot returns a fresh root at version 0 with no pending events.
func NewRoot[S any](mutators *Mutators[S]) Root[S] {
	return Root[S]{mutators: mutators}
}

// Replay applies every event of stream to state and sets the unmutated
// version to the stream version. Replay never publishes.
func (r *Root[S]) Replay(state S, stream event.Stream) error {
	for _, evt := range stream.Events {
		if err := r.mutators.Mutate(state, evt); err != nil {
			return err
		}
	}
	r.unmutatedVersion = stream.Version
	r.pending = nil
	return nil
}

// Apply mutates state with evt and records it as pending. When ctx carries
// a publisher bus, evt is then published to local subscribers. On error
// neither state nor pending events change.
func (r *Root[S]) Apply(ctx context.Context, state S, evt event.DomainEvent) error {
	fn, err := r.mutators.Resolve(evtType(evt))
	if err != nil {
		return err
	}
	if err := fn(state, evt); err != nil {
		return err
	}
	r.pending = append(r.pending, evt)
	if bus := publisher.FromContext(ctx); bus != nil {
		bus.Publish(ctx, evt)
	}
	return nil
}

// PendingEvents returns events applied since the last commit.
func (r *Root[S]) PendingEvents() []event.DomainEvent {
	out := make([]event.DomainEvent, len(r.pending))
	copy(out, r.pending)
	return out
}

// UnmutatedVersion is the version last known to be persisted; it is the
// expected version for the next append.
func (r *Root[S]) UnmutatedVersion() int {
	return r.unmutatedVersion
}

// PendingVersion is the version the stream reaches once pending events persist.
func (r *Root[S]) PendingVersion() int {
	return r.unmutatedVersion + len(r.pending)
}

// MarkCommitted records a successful append that produced version.
func (r *Root[S]) MarkCommitted(version int) {
	r.unmutatedVersion = version
	r.pending = nil
}

func evtType(evt event.DomainEvent) event.Type {
	if evt == nil {
		return ""
	}
	return evt.EventType()
}
