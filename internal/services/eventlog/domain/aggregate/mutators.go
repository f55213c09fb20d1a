package aggregate

import (
	"sort"
	"sync"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
)

// Kind names an aggregate type, for example "forum" or "tenant".
type Kind string

// Mutator applies one event to aggregate state S. S is usually a pointer to
// the aggregate so the mutator can update it in place.
type Mutator[S any] func(state S, evt event.DomainEvent) error

// Mutators is the dispatch table for one aggregate kind: exactly one mutator
// per event type the aggregate understands.
type Mutators[S any] struct {
	kind  Kind
	build func() map[event.Type]Mutator[S]

	// index is built on first use so package-level tables can reference
	// mutator functions declared later in the file.
	once  sync.Once
	index map[event.Type]Mutator[S]
}

// NewMutators declares the dispatch table for kind. build is called once,
// on first resolution.
func NewMutators[S any](kind Kind, build func() map[event.Type]Mutator[S]) *Mutators[S] {
	return &Mutators[S]{kind: kind, build: build}
}

// Kind returns the aggregate kind this table belongs to.
func (m *Mutators[S]) Kind() Kind {
	return m.kind
}

func (m *Mutators[S]) init() {
	m.once.Do(func() {
		m.index = make(map[event.Type]Mutator[S])
		if m.build == nil {
			return
		}
		for t, fn := range m.build() {
			if fn != nil {
				m.index[t] = fn
			}
		}
	})
}

// Resolve returns the mutator for t. A missing mutator is a non-retryable
// configuration error.
func (m *Mutators[S]) Resolve(t event.Type) (Mutator[S], error) {
	if m == nil {
		return nil, wrapNonRetryable(apperrors.New(apperrors.CodeConfiguration, "mutator table is not configured"))
	}
	m.init()
	fn, ok := m.index[t]
	if !ok {
		return nil, wrapNonRetryable(apperrors.WrapWithMetadata(
			apperrors.CodeConfiguration,
			"resolve mutator",
			map[string]string{"aggregate": string(m.kind), "event_type": string(t)},
			ErrMutatorNotFound,
		))
	}
	return fn, nil
}

// Mutate resolves and runs the mutator for evt.
func (m *Mutators[S]) Mutate(state S, evt event.DomainEvent) error {
	if evt == nil {
		return apperrors.New(apperrors.CodeEventInvalid, "event is required")
	}
	fn, err := m.Resolve(evt.EventType())
	if err != nil {
		return err
	}
	return fn(state, evt)
}

// HandledTypes returns the event types in the table, sorted.
func (m *Mutators[S]) HandledTypes() []event.Type {
	m.init()
	types := make([]event.Type, 0, len(m.index))
	for t := range m.index {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
