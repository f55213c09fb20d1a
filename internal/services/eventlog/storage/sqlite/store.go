// Package sqlite provides the relational event log backend on SQLite.
//
// Conflict detection comes from the UNIQUE (stream_name, stream_version)
// constraint, so concurrent writers in different processes sharing one file
// stay consistent. The global sequence is the AUTOINCREMENT row id.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/eventlog/internal/platform/storage/migrate"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store provides SQLite-backed persistence for the event log.
type Store struct {
	sqlDB    *sql.DB
	registry *event.Registry
	opts     storage.Options
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens an event log SQLite store at the provided path.
func Open(path string, registry *event.Registry, opts ...storage.Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := newStore(sqlDB, registry, opts...)
	if err := migrate.Apply(context.Background(), sqlDB, migrate.SQLite, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

func newStore(sqlDB *sql.DB, registry *event.Registry, opts ...storage.Option) *Store {
	return &Store{sqlDB: sqlDB, registry: registry, opts: storage.ApplyOptions(opts...)}
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil || s.registry == nil {
		return fmt.Errorf("storage is not configured")
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

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback append: %v", cause, rollbackErr)
		}
		return cause
	}

	var current int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(stream_version), 0) FROM stored_events WHERE stream_name = ?", name,
	).Scan(&current); err != nil {
		return 0, rollbackWith(fmt.Errorf("read stream version: %w", err))
	}
	if current != id.ExpectedVersion {
		return 0, rollbackWith(storage.ConcurrencyViolation(name, id.ExpectedVersion, current))
	}

	for i, stored := range encoded {
		version := id.ExpectedVersion + i + 1
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stored_events (stream_name, stream_version, event_type, event_version, payload, occurred_on)
VALUES (?, ?, ?, ?, ?, ?)`,
			name, version, string(stored.Type), stored.Version, stored.PayloadJSON, toMillis(stored.OccurredOn),
		)
		if err != nil {
			if isConstraintError(err) {
				return 0, rollbackWith(storage.ConcurrencyViolation(name, id.ExpectedVersion, version-1))
			}
			return 0, rollbackWith(fmt.Errorf("insert event: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return 0, storage.ConcurrencyViolation(name, id.ExpectedVersion, current)
		}
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return id.ExpectedVersion + len(encoded), nil
}

const selectStored = `SELECT seq, stream_name, stream_version, event_type, event_version, payload, occurred_on FROM stored_events`

// ReadSince implements storage.EventStore.
func (s *Store) ReadSince(ctx context.Context, id event.StreamID, fromVersion int) (event.Stream, error) {
	if err := s.check(ctx); err != nil {
		return event.Stream{}, err
	}
	if err := id.Validate(); err != nil {
		return event.Stream{}, err
	}
	name := id.Name()

	var version int
	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(stream_version), 0) FROM stored_events WHERE stream_name = ?", name,
	).Scan(&version); err != nil {
		return event.Stream{}, fmt.Errorf("read stream version: %w", err)
	}
	if version == 0 {
		if fromVersion > 0 {
			return event.Stream{}, storage.StreamNotFound(name)
		}
		return event.Stream{}, nil
	}

	stored, err := s.queryStored(ctx,
		selectStored+" WHERE stream_name = ? AND stream_version >= ? AND stream_version <= ? ORDER BY stream_version",
		name, fromVersion, version)
	if err != nil {
		return event.Stream{}, err
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
	if s.opts.PageSize > 0 {
		return s.queryStored(ctx, selectStored+" WHERE seq > ? ORDER BY seq LIMIT ?", int64(seq), s.opts.PageSize)
	}
	return s.queryStored(ctx, selectStored+" WHERE seq > ? ORDER BY seq", int64(seq))
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
	return s.queryStored(ctx, selectStored+" WHERE seq BETWEEN ? AND ? ORDER BY seq", int64(low), int64(high))
}

func (s *Store) queryStored(ctx context.Context, query string, args ...any) ([]event.Stored, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []event.Stored
	for rows.Next() {
		var (
			stored     event.Stored
			seq        int64
			eventType  string
			occurredOn int64
		)
		if err := rows.Scan(&seq, &stored.StreamName, &stored.StreamVersion, &eventType, &stored.Version, &stored.PayloadJSON, &occurredOn); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		stored.Seq = uint64(seq)
		stored.Type = event.Type(eventType)
		stored.OccurredOn = fromMillis(occurredOn)
		out = append(out, stored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

// CountStored implements storage.EventStore.
func (s *Store) CountStored(ctx context.Context) (uint64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	var count int64
	if err := s.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM stored_events").Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return uint64(count), nil
}

// Purge implements storage.EventStore.
func (s *Store) Purge(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()
	for _, statement := range []string{
		"DELETE FROM stored_events",
		"DELETE FROM published_trackers",
		"DELETE FROM process_trackers",
		"DELETE FROM sqlite_sequence WHERE name = 'stored_events'",
	} {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("purge: %w", err)
		}
	}
	return tx.Commit()
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

var _ storage.Store = (*Store)(nil)
