// Package bbolt provides the ordered key-value backend of the event log.
//
// The journal bucket maps a big-endian global sequence to a stored event.
// The streams bucket maps stream name + version back to that sequence; a
// present reverse key means another append already took that version. The
// meta bucket holds the sequence checkpoint, written on Close and removed on
// Open, so a missing checkpoint at open means the previous process did not
// shut down cleanly and the journal is repaired before use.
package bbolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/eventlog/internal/platform/timeouts"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/process"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
	"go.etcd.io/bbolt"
)

const (
	journalBucket   = "journal"
	streamsBucket   = "streams"
	metaBucket      = "meta"
	publishedBucket = "published"
	processBucket   = "processes"
	processIndex    = "process_index"
)

var checkpointKey = []byte("checkpoint")

var allBuckets = []string{journalBucket, streamsBucket, metaBucket, publishedBucket, processBucket, processIndex}

// Store is a bbolt-backed storage.Store.
type Store struct {
	db       *bbolt.DB
	registry *event.Registry
	opts     storage.Options

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	repair RepairResult
}

// record is the journal value. It carries the back-reference to the
// stream key so repair can delete both entries of an orphan.
type record struct {
	Type          event.Type      `json:"type"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload"`
	OccurredOn    time.Time       `json:"occurredOn"`
	StreamName    string          `json:"stream"`
	StreamVersion int             `json:"streamVersion"`
}

// Open opens a bbolt-backed store at path, repairing the journal when the
// previous process did not close it.
func Open(path string, registry *event.Registry, opts ...storage.Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: timeouts.StoreOpen})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{
		db:       db,
		registry: registry,
		opts:     storage.ApplyOptions(opts...),
		locks:    make(map[string]*sync.Mutex),
	}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.recover(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close saves the sequence checkpoint and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		last := lastSeq(tx.Bucket([]byte(journalBucket)))
		return tx.Bucket([]byte(metaBucket)).Put(checkpointKey, seqKey(last))
	})
	if err != nil {
		_ = s.db.Close()
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return s.db.Close()
}

// LastRepair reports what the repair at open did. It is zero when the
// journal was closed cleanly.
func (s *Store) LastRepair() RepairResult {
	return s.repair
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// recover repairs the journal when the checkpoint is missing, then removes
// the checkpoint so a crash before the next Close is detected.
func (s *Store) recover() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		journal := tx.Bucket([]byte(journalBucket))

		if meta.Get(checkpointKey) == nil && lastSeq(journal) > 0 {
			result, err := repairTx(tx, s.opts.RepairThreshold)
			if err != nil {
				return err
			}
			s.repair = result
			s.opts.Logf("%v: last confirmed sequence %d, removed %d orphaned entries",
				storage.ErrCorruptedJournal, result.LastConfirmed, len(result.Removed))
		}
		return meta.Delete(checkpointKey)
	})
}

func (s *Store) check(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if s == nil || s.db == nil || s.registry == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// streamLock returns the lock for one stream, creating it on first use.
// Locks are never freed.
func (s *Store) streamLock(name string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[name] = lock
	}
	return lock
}

// Append implements storage.EventStore.
func (s *Store) Append(ctx context.Context, id event.StreamID, events []event.DomainEvent) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	if err := id.Validate(); err != nil {
		return 0, err
	}
	records := make([][]byte, 0, len(events))
	name := id.Name()
	for i, evt := range events {
		stored, err := s.registry.Encode(evt)
		if err != nil {
			return 0, err
		}
		payload, err := json.Marshal(record{
			Type:          stored.Type,
			Version:       stored.Version,
			Payload:       stored.PayloadJSON,
			OccurredOn:    stored.OccurredOn,
			StreamName:    name,
			StreamVersion: id.ExpectedVersion + i + 1,
		})
		if err != nil {
			return 0, fmt.Errorf("marshal event: %w", err)
		}
		records = append(records, payload)
	}

	lock := s.streamLock(name)
	lock.Lock()
	defer lock.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		streams := tx.Bucket([]byte(streamsBucket))
		journal := tx.Bucket([]byte(journalBucket))

		current := streamVersion(streams, name)
		if current != id.ExpectedVersion {
			return storage.ConcurrencyViolation(name, id.ExpectedVersion, current)
		}
		// Update transactions are serialized and the journal is gapless, so
		// its tail is the last assigned sequence.
		seq := lastSeq(journal)
		for i, payload := range records {
			seq++
			key := streamKey(name, uint64(id.ExpectedVersion+i+1))
			if streams.Get(key) != nil {
				return storage.ConcurrencyViolation(name, id.ExpectedVersion, current)
			}
			if err := journal.Put(seqKey(seq), payload); err != nil {
				return fmt.Errorf("put journal entry: %w", err)
			}
			if err := streams.Put(key, seqKey(seq)); err != nil {
				return fmt.Errorf("put stream entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id.ExpectedVersion + len(records), nil
}

// lastSeq returns the highest sequence in the journal, or 0 when empty.
func lastSeq(journal *bbolt.Bucket) uint64 {
	k, _ := journal.Cursor().Last()
	if k == nil {
		return 0
	}
	return binary.BigEndian.Uint64(k)
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
	from := fromVersion
	if from < 1 {
		from = 1
	}

	var (
		stored  []event.Stored
		version int
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		streams := tx.Bucket([]byte(streamsBucket))
		journal := tx.Bucket([]byte(journalBucket))
		version = streamVersion(streams, name)

		prefix := streamPrefix(name)
		c := streams.Cursor()
		for k, v := c.Seek(streamKey(name, uint64(from))); k != nil && isStreamKey(k, prefix); k, v = c.Next() {
			seq := binary.BigEndian.Uint64(v)
			entry, err := loadEntry(journal, seq)
			if err != nil {
				return err
			}
			stored = append(stored, entry)
		}
		return nil
	})
	if err != nil {
		return event.Stream{}, err
	}
	if version == 0 {
		if fromVersion > 0 {
			return event.Stream{}, storage.StreamNotFound(name)
		}
		return event.Stream{}, nil
	}
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
	return s.scanJournal(seq+1, math.MaxUint64, s.opts.PageSize)
}

// ReadGlobalBetween implements storage.EventStore.
func (s *Store) ReadGlobalBetween(ctx context.Context, low, high uint64) ([]event.Stored, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if low < 1 {
		low = 1
	}
	if low > high {
		return nil, nil
	}
	return s.scanJournal(low, high, 0)
}

func (s *Store) scanJournal(low, high uint64, limit int) ([]event.Stored, error) {
	var out []event.Stored
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(journalBucket)).Cursor()
		for k, v := c.Seek(seqKey(low)); k != nil; k, v = c.Next() {
			seq := binary.BigEndian.Uint64(k)
			if seq > high {
				break
			}
			entry, err := decodeEntry(seq, v)
			if err != nil {
				return err
			}
			out = append(out, entry)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountStored implements storage.EventStore.
func (s *Store) CountStored(ctx context.Context) (uint64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	// Repair leaves the journal gapless, so the tail sequence is the count.
	var count uint64
	err := s.db.View(func(tx *bbolt.Tx) error {
		count = lastSeq(tx.Bucket([]byte(journalBucket)))
		return nil
	})
	return count, err
}

// Purge implements storage.EventStore.
func (s *Store) Purge(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return fmt.Errorf("delete %s bucket: %w", name, err)
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
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
	var tracker storage.PublishedTracker
	err = s.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket([]byte(publishedBucket)).Get([]byte(destination))
		if payload == nil {
			return storage.ErrNotFound
		}
		if err := json.Unmarshal(payload, &tracker); err != nil {
			return fmt.Errorf("unmarshal published tracker: %w", err)
		}
		return nil
	})
	if err != nil {
		return storage.PublishedTracker{}, err
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
	payload, err := json.Marshal(tracker)
	if err != nil {
		return fmt.Errorf("marshal published tracker: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(publishedBucket))
		if existing := bucket.Get([]byte(destination)); existing != nil {
			var current storage.PublishedTracker
			if err := json.Unmarshal(existing, &current); err != nil {
				return fmt.Errorf("unmarshal published tracker: %w", err)
			}
			if tracker.MostRecentID < current.MostRecentID {
				return storage.ErrConcurrencyViolation
			}
		}
		return bucket.Put([]byte(destination), payload)
	})
}

// AddProcessTracker implements storage.ProcessTrackerStore.
func (s *Store) AddProcessTracker(ctx context.Context, tracker *process.Tracker) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := storage.ValidateTrackerForAdd(tracker); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		trackers := tx.Bucket([]byte(processBucket))
		index := tx.Bucket([]byte(processIndex))
		if trackers.Get([]byte(tracker.TrackerID)) != nil {
			return storage.ErrAlreadyExists
		}
		indexKey := processKey(tracker.TenantID, tracker.ProcessID)
		if index.Get(indexKey) != nil {
			return storage.ErrAlreadyExists
		}
		candidate := *tracker
		candidate.ConcurrencyVersion = 1
		payload, err := json.Marshal(candidate)
		if err != nil {
			return fmt.Errorf("marshal process tracker: %w", err)
		}
		if err := trackers.Put([]byte(candidate.TrackerID), payload); err != nil {
			return err
		}
		if err := index.Put(indexKey, []byte(candidate.TrackerID)); err != nil {
			return err
		}
		tracker.ConcurrencyVersion = 1
		return nil
	})
}

// SaveProcessTracker implements storage.ProcessTrackerStore.
func (s *Store) SaveProcessTracker(ctx context.Context, tracker *process.Tracker) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if tracker == nil {
		return fmt.Errorf("process tracker is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		trackers := tx.Bucket([]byte(processBucket))
		existing, err := decodeTracker(trackers.Get([]byte(tracker.TrackerID)))
		if err != nil {
			return err
		}
		if existing.ConcurrencyVersion != tracker.ConcurrencyVersion {
			return storage.ErrConcurrencyViolation
		}
		candidate := *tracker
		candidate.ConcurrencyVersion++
		payload, err := json.Marshal(candidate)
		if err != nil {
			return fmt.Errorf("marshal process tracker: %w", err)
		}
		if err := trackers.Put([]byte(candidate.TrackerID), payload); err != nil {
			return err
		}
		tracker.ConcurrencyVersion = candidate.ConcurrencyVersion
		return nil
	})
}

// GetProcessTracker implements storage.ProcessTrackerStore.
func (s *Store) GetProcessTracker(ctx context.Context, trackerID string) (process.Tracker, error) {
	if err := s.check(ctx); err != nil {
		return process.Tracker{}, err
	}
	var tracker process.Tracker
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		tracker, err = decodeTracker(tx.Bucket([]byte(processBucket)).Get([]byte(strings.TrimSpace(trackerID))))
		return err
	})
	return tracker, err
}

// ProcessTrackerOf implements storage.ProcessTrackerStore.
func (s *Store) ProcessTrackerOf(ctx context.Context, tenantID, processID string) (process.Tracker, error) {
	if err := s.check(ctx); err != nil {
		return process.Tracker{}, err
	}
	var tracker process.Tracker
	err := s.db.View(func(tx *bbolt.Tx) error {
		trackerID := tx.Bucket([]byte(processIndex)).Get(processKey(tenantID, processID))
		if trackerID == nil {
			return storage.ErrNotFound
		}
		var err error
		tracker, err = decodeTracker(tx.Bucket([]byte(processBucket)).Get(trackerID))
		return err
	})
	return tracker, err
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
	var out []process.Tracker
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(processBucket)).ForEach(func(_, v []byte) error {
			tracker, err := decodeTracker(v)
			if err != nil {
				return err
			}
			if keep(tracker) {
				out = append(out, tracker)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortTrackers(out)
	return out, nil
}

func decodeTracker(payload []byte) (process.Tracker, error) {
	if payload == nil {
		return process.Tracker{}, storage.ErrNotFound
	}
	var tracker process.Tracker
	if err := json.Unmarshal(payload, &tracker); err != nil {
		return process.Tracker{}, fmt.Errorf("unmarshal process tracker: %w", err)
	}
	return tracker, nil
}

func loadEntry(journal *bbolt.Bucket, seq uint64) (event.Stored, error) {
	payload := journal.Get(seqKey(seq))
	if payload == nil {
		return event.Stored{}, fmt.Errorf("journal entry %d is missing: %w", seq, storage.ErrCorruptedJournal)
	}
	return decodeEntry(seq, payload)
}

func decodeEntry(seq uint64, payload []byte) (event.Stored, error) {
	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return event.Stored{}, fmt.Errorf("unmarshal journal entry %d: %w", seq, err)
	}
	return event.Stored{
		Seq:           seq,
		Type:          rec.Type,
		Version:       rec.Version,
		PayloadJSON:   []byte(rec.Payload),
		OccurredOn:    rec.OccurredOn,
		StreamName:    rec.StreamName,
		StreamVersion: rec.StreamVersion,
	}, nil
}

// streamVersion returns the highest version stored for name, or zero.
func streamVersion(streams *bbolt.Bucket, name string) int {
	prefix := streamPrefix(name)
	c := streams.Cursor()
	k, _ := c.Seek(streamKey(name, math.MaxUint64))
	if k == nil {
		k, _ = c.Last()
	} else if !bytes.Equal(k, streamKey(name, math.MaxUint64)) {
		k, _ = c.Prev()
	}
	if k == nil || !isStreamKey(k, prefix) {
		return 0
	}
	return int(binary.BigEndian.Uint64(k[len(prefix):]))
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func streamPrefix(name string) []byte {
	return append([]byte(name), 0)
}

func streamKey(name string, version uint64) []byte {
	return binary.BigEndian.AppendUint64(streamPrefix(name), version)
}

func isStreamKey(key, prefix []byte) bool {
	return len(key) == len(prefix)+8 && bytes.HasPrefix(key, prefix)
}

func processKey(tenantID, processID string) []byte {
	return []byte(tenantID + "\x00" + processID)
}

var _ storage.Store = (*Store)(nil)
