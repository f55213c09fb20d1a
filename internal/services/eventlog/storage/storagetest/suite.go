// Package storagetest holds the behavior suite every storage backend must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event/eventtest"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/process"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
)

// Factory opens a fresh, empty store with opts. The suite closes it.
type Factory func(t *testing.T, opts ...storage.Option) storage.Store

// Run executes every sub-suite against factory.
func Run(t *testing.T, factory Factory) {
	t.Run("events", func(t *testing.T) { RunEventStore(t, factory) })
	t.Run("published_trackers", func(t *testing.T) { RunPublishedTrackers(t, factory) })
	t.Run("process_trackers", func(t *testing.T) { RunProcessTrackers(t, factory) })
}

func open(t *testing.T, factory Factory, opts ...storage.Option) storage.Store {
	t.Helper()
	store := factory(t, opts...)
	if err := store.Purge(context.Background()); err != nil {
		t.Fatalf("purge: %v", err)
	}
	return store
}

// RunEventStore covers the EventStore contract.
func RunEventStore(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("append to new stream", func(t *testing.T) {
		store := open(t, factory)
		id := event.NewStreamID("tenant-1", "ledger-1")

		version, err := store.Append(ctx, id, eventtest.Deposits(3))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if version != 3 {
			t.Fatalf("version = %d, want 3", version)
		}

		stream, err := store.ReadFull(ctx, id)
		if err != nil {
			t.Fatalf("read full: %v", err)
		}
		if stream.Version != 3 {
			t.Fatalf("stream version = %d, want 3", stream.Version)
		}
		assertAmounts(t, stream, 1, 2, 3)

		global, err := store.ReadGlobalSince(ctx, 0)
		if err != nil {
			t.Fatalf("read global: %v", err)
		}
		for i, stored := range global {
			if stored.StreamVersion != i+1 {
				t.Fatalf("global[%d].stream version = %d, want %d", i, stored.StreamVersion, i+1)
			}
			if stored.StreamName != id.Name() {
				t.Fatalf("global[%d].stream name = %q, want %q", i, stored.StreamName, id.Name())
			}
		}
	})

	t.Run("stale append is rejected", func(t *testing.T) {
		store := open(t, factory)
		id := event.NewStreamID("tenant-1", "ledger-2")
		if _, err := store.Append(ctx, id, eventtest.Deposits(3)); err != nil {
			t.Fatalf("append: %v", err)
		}

		_, err := store.Append(ctx, id.WithVersion(2), []event.DomainEvent{eventtest.NewWithdrawn(1, 9)})
		if !errors.Is(err, storage.ErrConcurrencyViolation) {
			t.Fatalf("err = %v, want ErrConcurrencyViolation", err)
		}

		stream, err := store.ReadFull(ctx, id)
		if err != nil {
			t.Fatalf("read full: %v", err)
		}
		if stream.Version != 3 {
			t.Fatalf("stream version = %d, want 3", stream.Version)
		}
		assertAmounts(t, stream, 1, 2, 3)
		assertCount(t, store, 3)
	})

	t.Run("append ahead of stream is rejected", func(t *testing.T) {
		store := open(t, factory)
		id := event.NewStreamID("tenant-1", "ledger-3").WithVersion(5)
		_, err := store.Append(ctx, id, eventtest.Deposits(1))
		if !errors.Is(err, storage.ErrConcurrencyViolation) {
			t.Fatalf("err = %v, want ErrConcurrencyViolation", err)
		}
		assertCount(t, store, 0)
	})

	t.Run("append with unregistered type writes nothing", func(t *testing.T) {
		store := open(t, factory)
		id := event.NewStreamID("tenant-1", "ledger-4")
		events := append(eventtest.Deposits(2), eventtest.Unregistered{Header: event.NewHeader(eventtest.TypeUnregistered, eventtest.Epoch)})
		if _, err := store.Append(ctx, id, events); !errors.Is(err, event.ErrTypeNotRegistered) {
			t.Fatalf("err = %v, want ErrTypeNotRegistered", err)
		}
		assertCount(t, store, 0)
	})

	t.Run("read since", func(t *testing.T) {
		store := open(t, factory)
		id := event.NewStreamID("tenant-1", "ledger-5")

		empty, err := store.ReadSince(ctx, id, 0)
		if err != nil {
			t.Fatalf("read since 0 on empty stream: %v", err)
		}
		if empty.Version != 0 || len(empty.Events) != 0 {
			t.Fatalf("empty stream = %+v, want version 0 and no events", empty)
		}
		if _, err := store.ReadSince(ctx, id, 1); !errors.Is(err, storage.ErrStreamNotFound) {
			t.Fatalf("read since 1 err = %v, want ErrStreamNotFound", err)
		}
		if _, err := store.ReadFull(ctx, id); !errors.Is(err, storage.ErrStreamNotFound) {
			t.Fatalf("read full err = %v, want ErrStreamNotFound", err)
		}

		if _, err := store.Append(ctx, id, eventtest.Deposits(4)); err != nil {
			t.Fatalf("append: %v", err)
		}
		stream, err := store.ReadSince(ctx, id, 3)
		if err != nil {
			t.Fatalf("read since 3: %v", err)
		}
		if stream.Version != 4 {
			t.Fatalf("version = %d, want 4", stream.Version)
		}
		assertAmounts(t, stream, 3, 4)

		beyond, err := store.ReadSince(ctx, id, 9)
		if err != nil {
			t.Fatalf("read since 9: %v", err)
		}
		if beyond.Version != 4 || len(beyond.Events) != 0 {
			t.Fatalf("beyond = %+v, want version 4 and no events", beyond)
		}
	})

	t.Run("streams are isolated", func(t *testing.T) {
		store := open(t, factory)
		a := event.NewStreamID("tenant-1", "a")
		b := event.NewStreamID("tenant-2", "a")
		if _, err := store.Append(ctx, a, eventtest.Deposits(2)); err != nil {
			t.Fatalf("append a: %v", err)
		}
		if _, err := store.Append(ctx, b, eventtest.Deposits(1)); err != nil {
			t.Fatalf("append b: %v", err)
		}
		if _, err := store.Append(ctx, a.WithVersion(2), eventtest.Deposits(1)); err != nil {
			t.Fatalf("append a again: %v", err)
		}
		streamB, err := store.ReadFull(ctx, b)
		if err != nil {
			t.Fatalf("read b: %v", err)
		}
		if streamB.Version != 1 {
			t.Fatalf("stream b version = %d, want 1", streamB.Version)
		}
	})

	t.Run("read global since is stable and ordered", func(t *testing.T) {
		store := open(t, factory)
		for i := 0; i < 3; i++ {
			id := event.NewStreamID("tenant-1", fmt.Sprintf("ledger-%d", i))
			if _, err := store.Append(ctx, id, eventtest.Deposits(3)); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		first, err := store.ReadGlobalSince(ctx, 2)
		if err != nil {
			t.Fatalf("read global: %v", err)
		}
		second, err := store.ReadGlobalSince(ctx, 2)
		if err != nil {
			t.Fatalf("read global again: %v", err)
		}
		if len(first) != 7 || len(second) != 7 {
			t.Fatalf("lengths = %d, %d; want 7", len(first), len(second))
		}
		for i := range first {
			if first[i].Seq != second[i].Seq || first[i].Type != second[i].Type {
				t.Fatalf("entry %d differs between reads: %+v vs %+v", i, first[i], second[i])
			}
			if first[i].Seq != uint64(i+3) {
				t.Fatalf("entry %d seq = %d, want %d", i, first[i].Seq, i+3)
			}
		}

		none, err := store.ReadGlobalSince(ctx, 9)
		if err != nil {
			t.Fatalf("read global past end: %v", err)
		}
		if len(none) != 0 {
			t.Fatalf("past end len = %d, want 0", len(none))
		}
	})

	t.Run("read global since honors page size", func(t *testing.T) {
		store := open(t, factory, storage.WithPageSize(4))
		if _, err := store.Append(ctx, event.NewStreamID("t", "a"), eventtest.Deposits(10)); err != nil {
			t.Fatalf("append: %v", err)
		}
		page, err := store.ReadGlobalSince(ctx, 3)
		if err != nil {
			t.Fatalf("read global: %v", err)
		}
		if len(page) != 4 || page[0].Seq != 4 || page[3].Seq != 7 {
			t.Fatalf("page = %v, want seqs 4..7", seqs(page))
		}
	})

	t.Run("read global between", func(t *testing.T) {
		store := open(t, factory)
		if _, err := store.Append(ctx, event.NewStreamID("t", "a"), eventtest.Deposits(5)); err != nil {
			t.Fatalf("append: %v", err)
		}
		page, err := store.ReadGlobalBetween(ctx, 2, 4)
		if err != nil {
			t.Fatalf("read between: %v", err)
		}
		if got := seqs(page); len(got) != 3 || got[0] != 2 || got[2] != 4 {
			t.Fatalf("seqs = %v, want [2 3 4]", got)
		}
		clipped, err := store.ReadGlobalBetween(ctx, 4, 20)
		if err != nil {
			t.Fatalf("read between clipped: %v", err)
		}
		if got := seqs(clipped); len(got) != 2 {
			t.Fatalf("clipped seqs = %v, want [4 5]", got)
		}
	})

	t.Run("concurrent appends to one stream admit one writer", func(t *testing.T) {
		store := open(t, factory)
		id := event.NewStreamID("tenant-1", "contended")

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.Append(ctx, id, []event.DomainEvent{eventtest.NewDeposited(i, i), eventtest.NewDeposited(i, i)})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case errors.Is(err, storage.ErrConcurrencyViolation):
					conflicts++
				default:
					t.Errorf("append %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		if succeeded != 1 || conflicts != writers-1 {
			t.Fatalf("succeeded = %d conflicts = %d, want 1 and %d", succeeded, conflicts, writers-1)
		}
		assertCount(t, store, 2)
	})

	t.Run("concurrent appends to many streams keep sequence gapless", func(t *testing.T) {
		store := open(t, factory)
		const (
			writers = 32
			rounds  = 20
			total   = writers * rounds
		)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := event.NewStreamID("tenant-1", fmt.Sprintf("parallel-%d", i))
				for v := 0; v < rounds; v++ {
					if _, err := store.Append(ctx, id.WithVersion(v), eventtest.Deposits(1)); err != nil {
						t.Errorf("append %d/%d: %v", i, v, err)
						return
					}
				}
			}(i)
		}
		wg.Wait()
		if t.Failed() {
			return
		}

		assertCount(t, store, total)
		all, err := store.ReadGlobalBetween(ctx, 1, total)
		if err != nil {
			t.Fatalf("read global: %v", err)
		}
		if len(all) != total {
			t.Fatalf("len = %d, want %d", len(all), total)
		}
		next := make(map[string]int, writers)
		for i, stored := range all {
			if stored.Seq != uint64(i+1) {
				t.Fatalf("all[%d].seq = %d, want %d", i, stored.Seq, i+1)
			}
			next[stored.StreamName]++
			if stored.StreamVersion != next[stored.StreamName] {
				t.Fatalf("seq %d: %s version = %d, want %d", stored.Seq, stored.StreamName, stored.StreamVersion, next[stored.StreamName])
			}
		}
		if len(next) != writers {
			t.Fatalf("streams = %d, want %d", len(next), writers)
		}
		for i := 0; i < writers; i++ {
			stream, err := store.ReadFull(ctx, event.NewStreamID("tenant-1", fmt.Sprintf("parallel-%d", i)))
			if err != nil {
				t.Fatalf("read full %d: %v", i, err)
			}
			if stream.Version != rounds || len(stream.Events) != rounds {
				t.Fatalf("stream %d version = %d events = %d, want %d", i, stream.Version, len(stream.Events), rounds)
			}
		}
	})

	t.Run("purge clears everything", func(t *testing.T) {
		store := open(t, factory)
		id := event.NewStreamID("t", "a")
		if _, err := store.Append(ctx, id, eventtest.Deposits(2)); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := store.Purge(ctx); err != nil {
			t.Fatalf("purge: %v", err)
		}
		assertCount(t, store, 0)
		if _, err := store.Append(ctx, id, eventtest.Deposits(1)); err != nil {
			t.Fatalf("append after purge: %v", err)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		store := open(t, factory)
		canceled, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := store.Append(canceled, event.NewStreamID("t", "a"), eventtest.Deposits(1)); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}

// RunPublishedTrackers covers the PublishedTrackerStore contract.
func RunPublishedTrackers(t *testing.T, factory Factory) {
	ctx := context.Background()
	store := open(t, factory)

	if _, err := store.GetPublishedTracker(ctx, "rabbitmq"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing err = %v, want ErrNotFound", err)
	}
	if err := store.SavePublishedTracker(ctx, storage.PublishedTracker{Destination: "rabbitmq", MostRecentID: 5}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SavePublishedTracker(ctx, storage.PublishedTracker{Destination: "rabbitmq", MostRecentID: 8}); err != nil {
		t.Fatalf("save forward: %v", err)
	}
	err := store.SavePublishedTracker(ctx, storage.PublishedTracker{Destination: "rabbitmq", MostRecentID: 3})
	if !errors.Is(err, storage.ErrConcurrencyViolation) {
		t.Fatalf("save backwards err = %v, want ErrConcurrencyViolation", err)
	}

	tracker, err := store.GetPublishedTracker(ctx, " rabbitmq ")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tracker.MostRecentID != 8 {
		t.Fatalf("most recent id = %d, want 8", tracker.MostRecentID)
	}
	if _, err := store.GetPublishedTracker(ctx, "kafka"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("other destination err = %v, want ErrNotFound", err)
	}
	if err := store.SavePublishedTracker(ctx, storage.PublishedTracker{}); err == nil {
		t.Fatal("expected destination validation error")
	}
}

// RunProcessTrackers covers the ProcessTrackerStore contract.
func RunProcessTrackers(t *testing.T, factory Factory) {
	ctx := context.Background()
	start := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	newTracker := func(t *testing.T, tenant, processID string, interval time.Duration) process.Tracker {
		t.Helper()
		tracker, err := process.New(tenant, processID, "provision tenant", start, interval, 2, "identity.provisioning_timed_out")
		if err != nil {
			t.Fatalf("new tracker: %v", err)
		}
		return tracker
	}

	t.Run("add get save", func(t *testing.T) {
		store := open(t, factory)
		tracker := newTracker(t, "tenant-1", "proc-1", time.Minute)
		if err := store.AddProcessTracker(ctx, &tracker); err != nil {
			t.Fatalf("add: %v", err)
		}
		if tracker.ConcurrencyVersion != 1 {
			t.Fatalf("version after add = %d, want 1", tracker.ConcurrencyVersion)
		}
		dup := tracker
		if err := store.AddProcessTracker(ctx, &dup); !errors.Is(err, storage.ErrAlreadyExists) {
			t.Fatalf("duplicate add err = %v, want ErrAlreadyExists", err)
		}

		loaded, err := store.GetProcessTracker(ctx, tracker.TrackerID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if loaded.ProcessID != "proc-1" || loaded.RetryInterval != time.Minute || !loaded.TimeoutOccursOn.Equal(start.Add(time.Minute)) {
			t.Fatalf("loaded = %+v", loaded)
		}

		stale := loaded
		loaded.InformTimedOut(start.Add(time.Minute))
		if err := store.SaveProcessTracker(ctx, &loaded); err != nil {
			t.Fatalf("save: %v", err)
		}
		if loaded.ConcurrencyVersion != 2 {
			t.Fatalf("version after save = %d, want 2", loaded.ConcurrencyVersion)
		}
		stale.Complete()
		if err := store.SaveProcessTracker(ctx, &stale); !errors.Is(err, storage.ErrConcurrencyViolation) {
			t.Fatalf("stale save err = %v, want ErrConcurrencyViolation", err)
		}

		reloaded, err := store.ProcessTrackerOf(ctx, "tenant-1", "proc-1")
		if err != nil {
			t.Fatalf("tracker of process: %v", err)
		}
		if reloaded.RetryCount != 1 || !reloaded.InformedOfTimeout || reloaded.Completed {
			t.Fatalf("reloaded = %+v, want one informed retry", reloaded)
		}
		if _, err := store.GetProcessTracker(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("get missing err = %v, want ErrNotFound", err)
		}
	})

	t.Run("timed out queries", func(t *testing.T) {
		store := open(t, factory)
		due := newTracker(t, "tenant-1", "due", time.Minute)
		later := newTracker(t, "tenant-1", "later", time.Hour)
		otherTenant := newTracker(t, "tenant-2", "due", time.Minute)
		done := newTracker(t, "tenant-1", "done", time.Minute)
		done.Complete()
		for _, tracker := range []*process.Tracker{&due, &later, &otherTenant, &done} {
			if err := store.AddProcessTracker(ctx, tracker); err != nil {
				t.Fatalf("add %s: %v", tracker.ProcessID, err)
			}
		}

		now := start.Add(2 * time.Minute)
		all, err := store.AllTimedOutProcessTrackers(ctx, now)
		if err != nil {
			t.Fatalf("all timed out: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("timed out = %d, want 2", len(all))
		}

		ofTenant, err := store.AllTimedOutProcessTrackersOf(ctx, "tenant-1", now)
		if err != nil {
			t.Fatalf("timed out of tenant: %v", err)
		}
		if len(ofTenant) != 1 || ofTenant[0].ProcessID != "due" {
			t.Fatalf("timed out of tenant = %+v, want [due]", ofTenant)
		}

		tenantAll, err := store.AllProcessTrackersOf(ctx, "tenant-1")
		if err != nil {
			t.Fatalf("all of tenant: %v", err)
		}
		if len(tenantAll) != 3 {
			t.Fatalf("all of tenant = %d, want 3", len(tenantAll))
		}
	})
}

func assertAmounts(t *testing.T, stream event.Stream, want ...int) {
	t.Helper()
	if len(stream.Events) != len(want) {
		t.Fatalf("events = %d, want %d", len(stream.Events), len(want))
	}
	for i, evt := range stream.Events {
		deposited, ok := evt.(eventtest.Deposited)
		if !ok {
			t.Fatalf("events[%d] = %T, want eventtest.Deposited", i, evt)
		}
		if deposited.Amount != want[i] {
			t.Fatalf("events[%d].amount = %d, want %d", i, deposited.Amount, want[i])
		}
	}
}

func assertCount(t *testing.T, store storage.EventStore, want uint64) {
	t.Helper()
	count, err := store.CountStored(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != want {
		t.Fatalf("count = %d, want %d", count, want)
	}
}

func seqs(stored []event.Stored) []uint64 {
	out := make([]uint64, 0, len(stored))
	for _, s := range stored {
		out = append(out, s.Seq)
	}
	return out
}
