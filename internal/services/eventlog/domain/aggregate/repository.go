package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
)

// Store is the part of an event store a repository needs.
type Store interface {
	Append(ctx context.Context, id event.StreamID, events []event.DomainEvent) (int, error)
	ReadFull(ctx context.Context, id event.StreamID) (event.Stream, error)
}

// Aggregate is what Repository persists: anything embedding Root.
type Aggregate interface {
	PendingEvents() []event.DomainEvent
	UnmutatedVersion() int
	MarkCommitted(version int)
}

// Factory builds an aggregate from a stored stream.
type Factory[A Aggregate] func(stream event.Stream) (A, error)

// Repository loads and saves one aggregate kind through an event store.
type Repository[A Aggregate] struct {
	store    Store
	build    Factory[A]
	notFound error
}

// NewRepository returns a repository. notFound is the error the store
// returns for an empty stream; Load passes it through unchanged.
func NewRepository[A Aggregate](store Store, build Factory[A], notFound error) (*Repository[A], error) {
	if store == nil {
		return nil, errors.New("event store is required")
	}
	if build == nil {
		return nil, errors.New("aggregate factory is required")
	}
	return &Repository[A]{store: store, build: build, notFound: notFound}, nil
}

// Load replays the full stream of id.
func (r *Repository[A]) Load(ctx context.Context, id event.StreamID) (A, error) {
	var zero A
	stream, err := r.store.ReadFull(ctx, id)
	if err != nil {
		return zero, err
	}
	agg, err := r.build(stream)
	if err != nil {
		return zero, fmt.Errorf("replay %s: %w", id.Name(), err)
	}
	return agg, nil
}

// Exists reports whether id has at least one stored event.
func (r *Repository[A]) Exists(ctx context.Context, id event.StreamID) (bool, error) {
	_, err := r.store.ReadFull(ctx, id)
	if err == nil {
		return true, nil
	}
	if r.notFound != nil && errors.Is(err, r.notFound) {
		return false, nil
	}
	return false, err
}

// Save appends agg's pending events using its unmutated version as the
// expected version. On success the aggregate advances and clears pending
// events; on failure it is left untouched so the caller can reload.
func (r *Repository[A]) Save(ctx context.Context, id event.StreamID, agg A) error {
	pending := agg.PendingEvents()
	if len(pending) == 0 {
		return nil
	}
	version, err := r.store.Append(ctx, id.WithVersion(agg.UnmutatedVersion()), pending)
	if err != nil {
		return err
	}
	agg.MarkCommitted(version)
	return nil
}
