package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/process"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
)

// GetPublishedTracker implements storage.PublishedTrackerStore.
func (s *Store) GetPublishedTracker(ctx context.Context, destination string) (storage.PublishedTracker, error) {
	if err := s.check(ctx); err != nil {
		return storage.PublishedTracker{}, err
	}
	destination, err := storage.NormalizeDestination(destination)
	if err != nil {
		return storage.PublishedTracker{}, err
	}
	var (
		mostRecent int64
		updatedAt  int64
	)
	err = s.sqlDB.QueryRowContext(ctx,
		"SELECT most_recent_id, updated_at FROM published_trackers WHERE destination = ?", destination,
	).Scan(&mostRecent, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.PublishedTracker{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.PublishedTracker{}, fmt.Errorf("get published tracker: %w", err)
	}
	return storage.PublishedTracker{
		Destination:  destination,
		MostRecentID: uint64(mostRecent),
		UpdatedAt:    fromMillis(updatedAt),
	}, nil
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
	if tracker.UpdatedAt.IsZero() {
		tracker.UpdatedAt = time.Now().UTC()
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO published_trackers (destination, most_recent_id, updated_at) VALUES (?, ?, ?)
ON CONFLICT (destination) DO UPDATE SET most_recent_id = excluded.most_recent_id, updated_at = excluded.updated_at
WHERE excluded.most_recent_id >= published_trackers.most_recent_id`,
		destination, int64(tracker.MostRecentID), toMillis(tracker.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save published tracker: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save published tracker: %w", err)
	}
	if affected == 0 {
		return storage.ErrConcurrencyViolation
	}
	return nil
}

const selectTracker = `SELECT tracker_id, tenant_id, process_id, description, started_at, retry_interval_ms,
total_retries, retry_count, completed, exhausted, informed_of_timeout, timed_out_type,
timeout_occurs_on, concurrency_version FROM process_trackers`

// AddProcessTracker implements storage.ProcessTrackerStore.
func (s *Store) AddProcessTracker(ctx context.Context, tracker *process.Tracker) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := storage.ValidateTrackerForAdd(tracker); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO process_trackers (tracker_id, tenant_id, process_id, description, started_at, retry_interval_ms,
total_retries, retry_count, completed, exhausted, informed_of_timeout, timed_out_type, timeout_occurs_on, concurrency_version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		tracker.TrackerID, tracker.TenantID, tracker.ProcessID, tracker.Description,
		toMillis(tracker.StartedAt), tracker.RetryInterval.Milliseconds(), tracker.TotalRetries, tracker.RetryCount,
		tracker.Completed, tracker.Exhausted, tracker.InformedOfTimeout, string(tracker.TimedOutType),
		toMillis(tracker.TimeoutOccursOn),
	)
	if err != nil {
		if isConstraintError(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("add process tracker: %w", err)
	}
	tracker.ConcurrencyVersion = 1
	return nil
}

// SaveProcessTracker implements storage.ProcessTrackerStore.
func (s *Store) SaveProcessTracker(ctx context.Context, tracker *process.Tracker) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if tracker == nil {
		return fmt.Errorf("process tracker is required")
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE process_trackers SET retry_count = ?, completed = ?, exhausted = ?, informed_of_timeout = ?,
timeout_occurs_on = ?, concurrency_version = concurrency_version + 1
WHERE tracker_id = ? AND concurrency_version = ?`,
		tracker.RetryCount, tracker.Completed, tracker.Exhausted, tracker.InformedOfTimeout,
		toMillis(tracker.TimeoutOccursOn), tracker.TrackerID, tracker.ConcurrencyVersion,
	)
	if err != nil {
		return fmt.Errorf("save process tracker: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save process tracker: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetProcessTracker(ctx, tracker.TrackerID); err != nil {
			return err
		}
		return storage.ErrConcurrencyViolation
	}
	tracker.ConcurrencyVersion++
	return nil
}

// GetProcessTracker implements storage.ProcessTrackerStore.
func (s *Store) GetProcessTracker(ctx context.Context, trackerID string) (process.Tracker, error) {
	if err := s.check(ctx); err != nil {
		return process.Tracker{}, err
	}
	return scanTracker(s.sqlDB.QueryRowContext(ctx, selectTracker+" WHERE tracker_id = ?", strings.TrimSpace(trackerID)))
}

// ProcessTrackerOf implements storage.ProcessTrackerStore.
func (s *Store) ProcessTrackerOf(ctx context.Context, tenantID, processID string) (process.Tracker, error) {
	if err := s.check(ctx); err != nil {
		return process.Tracker{}, err
	}
	return scanTracker(s.sqlDB.QueryRowContext(ctx,
		selectTracker+" WHERE tenant_id = ? AND process_id = ?", tenantID, processID))
}

// AllProcessTrackersOf implements storage.ProcessTrackerStore.
func (s *Store) AllProcessTrackersOf(ctx context.Context, tenantID string) ([]process.Tracker, error) {
	return s.queryTrackers(ctx, selectTracker+" WHERE tenant_id = ? ORDER BY timeout_occurs_on, tracker_id", tenantID)
}

// AllTimedOutProcessTrackers implements storage.ProcessTrackerStore.
func (s *Store) AllTimedOutProcessTrackers(ctx context.Context, now time.Time) ([]process.Tracker, error) {
	return s.queryTrackers(ctx, selectTracker+` WHERE completed = 0 AND informed_of_timeout = 0 AND timeout_occurs_on <= ?
ORDER BY timeout_occurs_on, tracker_id`, toMillis(now))
}

// AllTimedOutProcessTrackersOf implements storage.ProcessTrackerStore.
func (s *Store) AllTimedOutProcessTrackersOf(ctx context.Context, tenantID string, now time.Time) ([]process.Tracker, error) {
	return s.queryTrackers(ctx, selectTracker+` WHERE tenant_id = ? AND completed = 0 AND informed_of_timeout = 0
AND timeout_occurs_on <= ? ORDER BY timeout_occurs_on, tracker_id`, tenantID, toMillis(now))
}

func (s *Store) queryTrackers(ctx context.Context, query string, args ...any) ([]process.Tracker, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query process trackers: %w", err)
	}
	defer rows.Close()

	var out []process.Tracker
	for rows.Next() {
		tracker, err := scanTracker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tracker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query process trackers: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTracker(row rowScanner) (process.Tracker, error) {
	var (
		tracker         process.Tracker
		startedAt       int64
		intervalMillis  int64
		timedOutType    string
		timeoutOccursOn int64
	)
	err := row.Scan(&tracker.TrackerID, &tracker.TenantID, &tracker.ProcessID, &tracker.Description,
		&startedAt, &intervalMillis, &tracker.TotalRetries, &tracker.RetryCount,
		&tracker.Completed, &tracker.Exhausted, &tracker.InformedOfTimeout, &timedOutType,
		&timeoutOccursOn, &tracker.ConcurrencyVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return process.Tracker{}, storage.ErrNotFound
	}
	if err != nil {
		return process.Tracker{}, fmt.Errorf("scan process tracker: %w", err)
	}
	tracker.StartedAt = fromMillis(startedAt)
	tracker.RetryInterval = time.Duration(intervalMillis) * time.Millisecond
	tracker.TimedOutType = event.Type(timedOutType)
	tracker.TimeoutOccursOn = fromMillis(timeoutOccursOn)
	return tracker, nil
}
