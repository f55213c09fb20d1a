// Package storage defines the persistence contracts of the event log service
// and the errors every backend reports.
//
// Backends (bbolt, sqlite, postgres, memory) implement the same interfaces,
// so callers and tests can swap them without behavior changes.
package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/process"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrAlreadyExists indicates a create that collided with an existing record.
var ErrAlreadyExists = apperrors.New(apperrors.CodeAlreadyExists, "record already exists")

// ErrConcurrencyViolation indicates the caller's expected version is stale.
// Nothing was written; the caller must re-read and retry.
var ErrConcurrencyViolation = apperrors.New(apperrors.CodeConcurrencyViolation, "optimistic concurrency violation")

// ErrStreamNotFound indicates a read of a stream with no events.
var ErrStreamNotFound = apperrors.New(apperrors.CodeStreamNotFound, "stream not found")

// ErrCorruptedJournal indicates a journal that needed repair at open.
var ErrCorruptedJournal = apperrors.New(apperrors.CodeCorruptedJournal, "journal was not cleanly closed")

// EventStore is the append-only event log.
type EventStore interface {
	// Append writes events as versions ExpectedVersion+1.. of id and returns
	// the new stream version. It fails with ErrConcurrencyViolation, writing
	// nothing, when the stream is not at id.ExpectedVersion.
	Append(ctx context.Context, id event.StreamID, events []event.DomainEvent) (int, error)
	// ReadSince returns events with version >= fromVersion and the current
	// stream version.
	ReadSince(ctx context.Context, id event.StreamID, fromVersion int) (event.Stream, error)
	// ReadFull returns the whole stream.
	ReadFull(ctx context.Context, id event.StreamID) (event.Stream, error)
	// ReadGlobalSince returns stored events with sequence > seq across all
	// streams, ascending, up to the store's page size.
	ReadGlobalSince(ctx context.Context, seq uint64) ([]event.Stored, error)
	// ReadGlobalBetween returns stored events with low <= sequence <= high.
	ReadGlobalBetween(ctx context.Context, low, high uint64) ([]event.Stored, error)
	// CountStored returns the number of stored events.
	CountStored(ctx context.Context) (uint64, error)
	// Purge removes everything. Tests only.
	Purge(ctx context.Context) error
	Close() error
}

// PublishedTracker is the publish cursor of one destination.
type PublishedTracker struct {
	Destination  string
	MostRecentID uint64
	UpdatedAt    time.Time
}

// PublishedTrackerStore persists publish cursors.
type PublishedTrackerStore interface {
	// GetPublishedTracker returns ErrNotFound before the first save.
	GetPublishedTracker(ctx context.Context, destination string) (PublishedTracker, error)
	// SavePublishedTracker upserts the cursor. Moving it backwards fails
	// with ErrConcurrencyViolation.
	SavePublishedTracker(ctx context.Context, tracker PublishedTracker) error
}

// ProcessTrackerStore persists time-constrained process trackers.
type ProcessTrackerStore interface {
	// AddProcessTracker stores a new tracker at concurrency version 1.
	AddProcessTracker(ctx context.Context, tracker *process.Tracker) error
	// SaveProcessTracker writes tracker if the stored concurrency version
	// equals tracker.ConcurrencyVersion, then increments both.
	SaveProcessTracker(ctx context.Context, tracker *process.Tracker) error
	GetProcessTracker(ctx context.Context, trackerID string) (process.Tracker, error)
	ProcessTrackerOf(ctx context.Context, tenantID, processID string) (process.Tracker, error)
	AllProcessTrackersOf(ctx context.Context, tenantID string) ([]process.Tracker, error)
	AllTimedOutProcessTrackers(ctx context.Context, now time.Time) ([]process.Tracker, error)
	AllTimedOutProcessTrackersOf(ctx context.Context, tenantID string, now time.Time) ([]process.Tracker, error)
}

// Store is everything one backend provides.
type Store interface {
	EventStore
	PublishedTrackerStore
	ProcessTrackerStore
}
