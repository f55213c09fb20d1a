// Package eventtest provides small domain events and a matching registry for
// store, aggregate, and notification tests.
package eventtest

import (
	"time"

	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
)

const (
	TypeOpened       event.Type = "ledger.opened"
	TypeDeposited    event.Type = "ledger.deposited"
	TypeWithdrawn    event.Type = "ledger.withdrawn"
	TypeUnregistered event.Type = "ledger.unregistered"
)

// Epoch is the fixed clock used by fixtures.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Opened starts a ledger.
type Opened struct {
	event.Header
	Owner string `json:"owner"`
}

// Deposited adds to a ledger balance.
type Deposited struct {
	event.Header
	Amount int `json:"amount"`
}

// Withdrawn subtracts from a ledger balance.
type Withdrawn struct {
	event.Header
	Amount int `json:"amount"`
}

// Unregistered is a valid event whose type no registry knows.
type Unregistered struct {
	event.Header
}

// NewRegistry returns a registry with Opened, Deposited, and Withdrawn.
func NewRegistry() *event.Registry {
	registry := event.NewRegistry()
	event.MustRegister[Opened](registry, TypeOpened)
	event.MustRegister[Deposited](registry, TypeDeposited)
	event.MustRegister[Withdrawn](registry, TypeWithdrawn)
	return registry
}

// NewOpened returns an Opened event at Epoch.
func NewOpened(owner string) Opened {
	return Opened{Header: event.NewHeader(TypeOpened, Epoch), Owner: owner}
}

// NewDeposited returns a Deposited event n seconds after Epoch.
func NewDeposited(amount, n int) Deposited {
	return Deposited{Header: event.NewHeader(TypeDeposited, Epoch.Add(time.Duration(n)*time.Second)), Amount: amount}
}

// NewWithdrawn returns a Withdrawn event n seconds after Epoch.
func NewWithdrawn(amount, n int) Withdrawn {
	return Withdrawn{Header: event.NewHeader(TypeWithdrawn, Epoch.Add(time.Duration(n)*time.Second)), Amount: amount}
}

// Deposits returns count Deposited events with amounts 1..count.
func Deposits(count int) []event.DomainEvent {
	events := make([]event.DomainEvent, 0, count)
	for i := 1; i <= count; i++ {
		events = append(events, NewDeposited(i, i))
	}
	return events
}
