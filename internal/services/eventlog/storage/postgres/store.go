// Package postgres provides the relational event log backend on PostgreSQL.
//
// The (stream_name, stream_version) primary key detects conflicting appends
// across processes. Global sequence numbers come from a single counter row
// updated inside the append transaction, so a rolled back append leaves no
// gap.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/louisbranch/eventlog/internal/platform/storage/migrate"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage/postgres/migrations"
)

const uniqueViolation = "23505"

// Store provides PostgreSQL-backed persistence for the event log.
type Store struct {
	pool     *pgxpool.Pool
	sqlDB    *sql.DB
	registry *event.Registry
	opts     storage.Options
}

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string, registry *event.Registry, opts ...storage.Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	if err := migrate.Apply(ctx, sqlDB, migrate.Postgres, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{pool: pool, sqlDB: sqlDB, registry: registry, opts: storage.ApplyOptions(opts...)}, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	var err error
	if s.sqlDB != nil {
		err = s.sqlDB.Close()
	}
	s.pool.Close()
	return err
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil || s.registry == nil {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	// The counter row lock serializes appends, so the version read below
	// sees every committed append.
	var last int64
	if err := tx.QueryRow(ctx,
		"UPDATE event_sequence SET value = value + $1 WHERE id = 1 RETURNING value", len(encoded),
	).Scan(&last); err != nil {
		return 0, fmt.Errorf("reserve sequence: %w", err)
	}

	var current int
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(stream_version), 0) FROM stored_events WHERE stream_name = $1", name,
	).Scan(&current); err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}
	if current != id.ExpectedVersion {
		return 0, storage.ConcurrencyViolation(name, id.ExpectedVersion, current)
	}

	first := last - int64(len(encoded)) + 1
	for i, stored := range encoded {
		_, err := tx.Exec(ctx,
			`INSERT INTO stored_events (stream_name, stream_version, seq, event_type, event_version, payload, occurred_on)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			name, id.ExpectedVersion+i+1, first+int64(i), string(stored.Type), stored.Version,
			stored.PayloadJSON, stored.OccurredOn,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, storage.ConcurrencyViolation(name, id.ExpectedVersion, current)
			}
			return 0, fmt.Errorf("insert event: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
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

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return event.Stream{}, fmt.Errorf("begin read: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(MAX(stream_version), 0) FROM stored_events WHERE stream_name = $1", name,
	).Scan(&version); err != nil {
		return event.Stream{}, fmt.Errorf("read stream version: %w", err)
	}
	if version == 0 {
		if fromVersion > 0 {
			return event.Stream{}, storage.StreamNotFound(name)
		}
		return event.Stream{}, nil
	}
	stored, err := queryStored(ctx, tx,
		selectStored+" WHERE stream_name = $1 AND stream_version >= $2 ORDER BY stream_version", name, fromVersion)
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
		return queryStored(ctx, s.pool, selectStored+" WHERE seq > $1 ORDER BY seq LIMIT $2", int64(seq), s.opts.PageSize)
	}
	return queryStored(ctx, s.pool, selectStored+" WHERE seq > $1 ORDER BY seq", int64(seq))
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
	return queryStored(ctx, s.pool, selectStored+" WHERE seq BETWEEN $1 AND $2 ORDER BY seq", int64(low), int64(high))
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryStored(ctx context.Context, q querier, query string, args ...any) ([]event.Stored, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []event.Stored
	for rows.Next() {
		var (
			stored    event.Stored
			seq       int64
			eventType string
		)
		if err := rows.Scan(&seq, &stored.StreamName, &stored.StreamVersion, &eventType, &stored.Version, &stored.PayloadJSON, &stored.OccurredOn); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		stored.Seq = uint64(seq)
		stored.Type = event.Type(eventType)
		stored.OccurredOn = stored.OccurredOn.UTC()
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
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM stored_events").Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return uint64(count), nil
}

// Purge implements storage.EventStore.
func (s *Store) Purge(ctx context.Context) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `TRUNCATE stored_events, published_trackers, process_trackers;
UPDATE event_sequence SET value = 0 WHERE id = 1;`)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ storage.Store = (*Store)(nil)
