// Package event defines the domain event contract, stream identity, and the
// durable envelope written by every event store backend.
//
// Events are immutable facts. A store assigns each appended event a stream
// version (contiguous from 1 within its stream) and a global sequence
// (strictly increasing across all streams). The Registry maps event type
// names back to concrete Go types when streams are read for replay.
package event
