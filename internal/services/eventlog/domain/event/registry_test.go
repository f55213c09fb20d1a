package event_test

import (
	"errors"
	"testing"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event/eventtest"
)

func TestRegistryEncodeDecodeRoundTrip(t *testing.T) {
	registry := eventtest.NewRegistry()

	stored, err := registry.Encode(eventtest.NewDeposited(42, 3))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if stored.Type != eventtest.TypeDeposited {
		t.Fatalf("type = %q, want %q", stored.Type, eventtest.TypeDeposited)
	}
	if stored.Version != 1 {
		t.Fatalf("version = %d, want 1", stored.Version)
	}

	decoded, err := registry.Decode(stored)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	deposited, ok := decoded.(eventtest.Deposited)
	if !ok {
		t.Fatalf("decoded type = %T, want eventtest.Deposited", decoded)
	}
	if deposited.Amount != 42 {
		t.Fatalf("amount = %d, want 42", deposited.Amount)
	}
	if !deposited.OccurredOn().Equal(stored.OccurredOn) {
		t.Fatalf("occurred on = %v, want %v", deposited.OccurredOn(), stored.OccurredOn)
	}
}

func TestRegistryRejectsUnknownTypes(t *testing.T) {
	registry := eventtest.NewRegistry()

	_, err := registry.Encode(eventtest.Unregistered{Header: event.NewHeader(eventtest.TypeUnregistered, eventtest.Epoch)})
	if !errors.Is(err, event.ErrTypeNotRegistered) {
		t.Fatalf("encode err = %v, want ErrTypeNotRegistered", err)
	}

	_, err = registry.Decode(event.Stored{Type: "ledger.closed", PayloadJSON: []byte("{}")})
	if !errors.Is(err, event.ErrTypeNotRegistered) {
		t.Fatalf("decode err = %v, want ErrTypeNotRegistered", err)
	}
	if code := apperrors.CodeOf(err); code != apperrors.CodeEventTypeNotRegistered {
		t.Fatalf("code = %s, want %s", code, apperrors.CodeEventTypeNotRegistered)
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	registry := eventtest.NewRegistry()

	tests := []struct {
		name string
		typ  event.Type
	}{
		{name: "empty", typ: ""},
		{name: "wildcard", typ: event.AnyType},
		{name: "duplicate", typ: eventtest.TypeOpened},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := event.Register[eventtest.Opened](registry, tt.typ); err == nil {
				t.Fatalf("expected error registering %q", tt.typ)
			}
		})
	}
}

func TestRegistryTypesSorted(t *testing.T) {
	types := eventtest.NewRegistry().Types()
	want := []event.Type{eventtest.TypeDeposited, eventtest.TypeOpened, eventtest.TypeWithdrawn}
	if len(types) != len(want) {
		t.Fatalf("types len = %d, want %d", len(types), len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("types[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestDecodeStreamKeepsOrder(t *testing.T) {
	registry := eventtest.NewRegistry()
	var stored []event.Stored
	for i, evt := range eventtest.Deposits(3) {
		s, err := registry.Encode(evt)
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		s.StreamVersion = i + 1
		stored = append(stored, s)
	}

	stream, err := registry.DecodeStream(stored, 3)
	if err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	if stream.Version != 3 {
		t.Fatalf("version = %d, want 3", stream.Version)
	}
	for i, evt := range stream.Events {
		if got := evt.(eventtest.Deposited).Amount; got != i+1 {
			t.Fatalf("events[%d].amount = %d, want %d", i, got, i+1)
		}
	}
}
