// Package memory provides an in-process implementation of every storage
// contract. It backs tests and the "memory" backend selection; nothing
// survives a restart.
package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/process"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
)

// Store keeps the journal as a slice indexed by sequence - 1.
type Store struct {
	registry *event.Registry
	opts     storage.Options

	mu        sync.RWMutex
	journal   []event.Stored
	streams   map[string][]uint64
	published map[string]storage.PublishedTracker
	processes map[string]process.Tracker
}

// New returns an empty store that decodes streams with registry.
func New(registry *event.Registry, opts ...storage.Option) *Store {
	return &Store{
		registry:  registry,
		opts:      storage.ApplyOptions(opts...),
		streams:   make(map[string][]uint64),
		published: make(map[string]storage.PublishedTracker),
		processes: make(map[string]process.Tracker),
	}
}

func (s *Store) check(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if s == nil || s.registry == nil {
		return errors.New("storage is not configured")
	}
	return nil
}

// Append implements storage.EventStore.
func (s *Store) Append(ctx context.Context, id event.StreamID, events []event.DomainEvent) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	if err := id.Validate(); err != nil {
		return 0, err
	}
	encoded := make([]event.Stored, 0, len(events))
	for _, evt := range events {
		stored, err := s.registry.Encode(evt)
		if err != nil {
			return 0, err
		}
		encoded = append(encoded, stored)
	}

	name := id.Name()
	s.mu.Lock()
	defer s.mu.Unlock()

	current := len(s.streams[name])
	if current != id.ExpectedVersion {
		return 0, storage.ConcurrencyViolation(name, id.ExpectedVersion, current)
	}
	for i, stored := range encoded {
		stored.Seq = uint64(len(s.journal)) + 1
		stored.StreamName = name
		stored.StreamVersion = id.ExpectedVersion + i + 1
		s.journal = append(s.journal, stored)
		s.streams[name] = append(s.streams[name], stored.Seq)
	}
	return id.ExpectedVersion + len(encoded), nil
}

// ReadSince implements storage.EventStore.
func (s *Store) ReadSince(ctx context.Context, id event.StreamID, fromVersion int) (event.Stream, error) {
	if err := s.check(ctx); err != nil {
		return event.Stream{}, err
	}
	if err := id.Validate(); err != nil {
		return event.Stream{}, err
	}
	name := id.Name()
	s.mu.RLock()
	seqs := s.streams[name]
	version := len(seqs)
	if version == 0 {
		s.mu.RUnlock()
		if fromVersion > 0 {
			return event.Stream{}, storage.StreamNotFound(name)
		}
		return event.Stream{}, nil
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	var stored []event.Stored
	if fromVersion <= version {
		stored = make([]event.Stored, 0, version-fromVersion+1)
		for _, seq := range seqs[fromVersion-1:] {
			stored = append(stored, s.journal[seq-1])
		}
	}
	s.mu.RUnlock()

	return s.registry.DecodeStream(stored, version)
}

// ReadFull implements storage.EventStore.
func (s *Store) ReadFull(ctx context.Context, id event.StreamID) (event.Stream, error) {
	return s.ReadSince(ctx, id, 1)
}

// ReadGlobalSince implements storage.EventStore.
func (s *Store) ReadGlobalSince(ctx context.Context, seq uint64) ([]event.Stored, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := uint64(len(s.journal))
	if seq >= total {
		return nil, nil
	}
	end := total
	if s.opts.PageSize > 0 && end-seq > uint64(s.opts.PageSize) {
		end = seq + uint64(s.opts.PageSize)
	}
	out := make([]event.Stored, end-seq)
	copy(out, s.journal[seq:end])
	return out, nil
}

// ReadGlobalBetween implements storage.EventStore.
func (s *Store) ReadGlobalBetween(ctx context.Context, low, high uint64) ([]event.Stored, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if low < 1 {
		low = 1
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := uint64(len(s.journal))
	if high > total {
		high = total
	}
	if low > high {
		return nil, nil
	}
	out := make([]event.Stored, high-low+1)
	copy(out, s.journal[low-1:high])
	return out, nil
}

// CountStored implements storage.EventStore.
func (s *Store) CountStored(ctx context.Context) (uint64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.journal)), nil
}

// Purge implements storage.EventStore.
func (s *Store) Purge(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = nil
	s.streams = make(map[string][]uint64)
	s.published = make(map[string]storage.PublishedTracker)
	s.processes = make(map[string]process.Tracker)
	return nil
}

// Close implements storage.EventStore.
func (s *Store) Close() error {
	return nil
}

// GetPublishedTracker implements storage.PublishedTrackerStore.
func (s *Store) GetPublishedTracker(ctx context.Context, destination string) (storage.PublishedTracker, error) {
	if err := s.check(ctx); err != nil {
		return storage.PublishedTracker{}, err
	}
	destination, err := storage.NormalizeDestination(destination)
	if err != nil {
		return storage.PublishedTracker{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tracker, ok := s.published[destination]
	if !ok {
		return storage.PublishedTracker{}, storage.ErrNotFound
	}
	return tracker, nil
}

// SavePublishedTracker implements storage.PublishedTrackerStore.
func (s *Store) SavePublishedTracker(ctx context.Context, tracker storage.PublishedTracker) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	destination, err := storage.NormalizeDestination(tracker.Destination)
	if err != nil {
		return err
	}
	tracker.Destination = destination
	if tracker.UpdatedAt.IsZero() {
		tracker.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.published[destination]; ok && tracker.MostRecentID < existing.MostRecentID {
		return storage.ErrConcurrencyViolation
	}
	s.published[destination] = tracker
	return nil
}

// AddProcessTracker implements storage.ProcessTrackerStore.
func (s *Store) AddProcessTracker(ctx context.Context, tracker *process.Tracker) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := storage.ValidateTrackerForAdd(tracker); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.processes[tracker.TrackerID]; exists {
		return storage.ErrAlreadyExists
	}
	for _, existing := range s.processes {
		if existing.TenantID == tracker.TenantID && existing.ProcessID == tracker.ProcessID {
			return storage.ErrAlreadyExists
		}
	}
	tracker.ConcurrencyVersion = 1
	s.processes[tracker.TrackerID] = *tracker
	return nil
}

// SaveProcessTracker implements storage.ProcessTrackerStore.
func (s *Store) SaveProcessTracker(ctx context.Context, tracker *process.Tracker) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if tracker == nil {
		return errors.New("process tracker is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.processes[tracker.TrackerID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.ConcurrencyVersion != tracker.ConcurrencyVersion {
		return storage.ErrConcurrencyViolation
	}
	tracker.ConcurrencyVersion++
	s.processes[tracker.TrackerID] = *tracker
	return nil
}

// GetProcessTracker implements storage.ProcessTrackerStore.
func (s *Store) GetProcessTracker(ctx context.Context, trackerID string) (process.Tracker, error) {
	if err := s.check(ctx); err != nil {
		return process.Tracker{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tracker, ok := s.processes[strings.TrimSpace(trackerID)]
	if !ok {
		return process.Tracker{}, storage.ErrNotFound
	}
	return tracker, nil
}

// ProcessTrackerOf implements storage.ProcessTrackerStore.
func (s *Store) ProcessTrackerOf(ctx context.Context, tenantID, processID string) (process.Tracker, error) {
	if err := s.check(ctx); err != nil {
		return process.Tracker{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tracker := range s.processes {
		if tracker.TenantID == tenantID && tracker.ProcessID == processID {
			return tracker, nil
		}
	}
	return process.Tracker{}, storage.ErrNotFound
}

// AllProcessTrackersOf implements storage.ProcessTrackerStore.
func (s *Store) AllProcessTrackersOf(ctx context.Context, tenantID string) ([]process.Tracker, error) {
	return s.filterProcesses(ctx, func(t process.Tracker) bool { return t.TenantID == tenantID })
}

// AllTimedOutProcessTrackers implements storage.ProcessTrackerStore.
func (s *Store) AllTimedOutProcessTrackers(ctx context.Context, now time.Time) ([]process.Tracker, error) {
	return s.filterProcesses(ctx, func(t process.Tracker) bool { return storage.TimedOutFilter(t, "", now) })
}

// AllTimedOutProcessTrackersOf implements storage.ProcessTrackerStore.
func (s *Store) AllTimedOutProcessTrackersOf(ctx context.Context, tenantID string, now time.Time) ([]process.Tracker, error) {
	return s.filterProcesses(ctx, func(t process.Tracker) bool { return storage.TimedOutFilter(t, tenantID, now) })
}

func (s *Store) filterProcesses(ctx context.Context, keep func(process.Tracker) bool) ([]process.Tracker, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []process.Tracker
	for _, tracker := range s.processes {
		if keep(tracker) {
			out = append(out, tracker)
		}
	}
	storage.SortTrackers(out)
	return out, nil
}

var _ storage.Store = (*Store)(nil)
