package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
)

// ErrTypeNotRegistered indicates a stored event whose type has no decoder.
var ErrTypeNotRegistered = apperrors.New(apperrors.CodeEventTypeNotRegistered, "event type not registered")

// Decoder rebuilds a domain event from its serialized payload.
type Decoder func(payload []byte) (DomainEvent, error)

// Registry maps event types to decoders. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[Type]Decoder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[Type]Decoder)}
}

// Register adds a decoder for t. Registering a type twice is an error.
func (r *Registry) Register(t Type, decode Decoder) error {
	if strings.TrimSpace(string(t)) == "" {
		return fmt.Errorf("event type is required")
	}
	if t == AnyType {
		return fmt.Errorf("event type %q is reserved", t)
	}
	if decode == nil {
		return fmt.Errorf("decoder is required for %s", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.decoders[t]; exists {
		return fmt.Errorf("event type already registered: %s", t)
	}
	r.decoders[t] = decode
	return nil
}

// Register adds a JSON decoder for t that unmarshals into T.
func Register[T DomainEvent](r *Registry, t Type) error {
	return r.Register(t, func(payload []byte) (DomainEvent, error) {
		var evt T
		if err := json.Unmarshal(payload, &evt); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
		return evt, nil
	})
}

// MustRegister is Register that panics, for package-level wiring.
func MustRegister[T DomainEvent](r *Registry, t Type) {
	if err := Register[T](r, t); err != nil {
		panic(err)
	}
}

// Registered reports whether t has a decoder.
func (r *Registry) Registered(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[t]
	return ok
}

// Types returns the registered types in lexical order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]Type, 0, len(r.decoders))
	for t := range r.decoders {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Encode serializes evt into an envelope without sequence or stream fields.
func (r *Registry) Encode(evt DomainEvent) (Stored, error) {
	if evt == nil {
		return Stored{}, fmt.Errorf("event is required")
	}
	if !r.Registered(evt.EventType()) {
		return Stored{}, apperrors.WithMetadata(apperrors.CodeEventTypeNotRegistered,
			"event type not registered", map[string]string{"type": string(evt.EventType())})
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return Stored{}, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return Stored{
		Type:        evt.EventType(),
		Version:     evt.EventVersion(),
		PayloadJSON: payload,
		OccurredOn:  evt.OccurredOn().UTC(),
	}, nil
}

// Decode rebuilds the domain event held by stored.
func (r *Registry) Decode(stored Stored) (DomainEvent, error) {
	r.mu.RLock()
	decode, ok := r.decoders[stored.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.WithMetadata(apperrors.CodeEventTypeNotRegistered,
			"event type not registered", map[string]string{"type": string(stored.Type)})
	}
	return decode(stored.PayloadJSON)
}

// DecodeStream rebuilds a stream from envelopes already ordered by version.
func (r *Registry) DecodeStream(stored []Stored, version int) (Stream, error) {
	events := make([]DomainEvent, 0, len(stored))
	for _, s := range stored {
		evt, err := r.Decode(s)
		if err != nil {
			return Stream{}, fmt.Errorf("decode %s v%d: %w", s.StreamName, s.StreamVersion, err)
		}
		events = append(events, evt)
	}
	return Stream{Events: events, Version: version}, nil
}
