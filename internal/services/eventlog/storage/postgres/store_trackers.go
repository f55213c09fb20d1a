package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
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
	tracker := storage.PublishedTracker{Destination: destination}
	var mostRecent int64
	err = s.pool.QueryRow(ctx,
		"SELECT most_recent_id, updated_at FROM published_trackers WHERE destination = $1", destination,
	).Scan(&mostRecent, &tracker.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.PublishedTracker{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.PublishedTracker{}, fmt.Errorf("get published tracker: %w", err)
	}
	tracker.MostRecentID = uint64(mostRecent)
	tracker.UpdatedAt = tracker.UpdatedAt.UTC()
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
	if tracker.UpdatedAt.IsZero() {
		tracker.UpdatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO published_trackers (destination, most_recent_id, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (destination) DO UPDATE SET most_recent_id = EXCLUDED.most_recent_id, updated_at = EXCLUDED.updated_at
WHERE EXCLUDED.most_recent_id >= published_trackers.most_recent_id`,
		destination, int64(tracker.MostRecentID), tracker.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save published tracker: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO process_trackers (tracker_id, tenant_id, process_id, description, started_at, retry_interval_ms,
total_retries, retry_count, completed, exhausted, informed_of_timeout, timed_out_type, timeout_occurs_on, concurrency_version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)`,
		tracker.TrackerID, tracker.TenantID, tracker.ProcessID, tracker.Description,
		tracker.StartedAt, tracker.RetryInterval.Milliseconds(), tracker.TotalRetries, tracker.RetryCount,
		tracker.Completed, tracker.Exhausted, tracker.InformedOfTimeout, string(tracker.TimedOutType),
		tracker.TimeoutOccursOn,
	)
	if err != nil {
		if isUniqueViolation(err) {
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE process_trackers SET retry_count = $1, completed = $2, exhausted = $3, informed_of_timeout = $4,
timeout_occurs_on = $5, concurrency_version = concurrency_version + 1
WHERE tracker_id = $6 AND concurrency_version = $7`,
		tracker.RetryCount, tracker.Completed, tracker.Exhausted, tracker.InformedOfTimeout,
		tracker.TimeoutOccursOn, tracker.TrackerID, tracker.ConcurrencyVersion,
	)
	if err != nil {
		return fmt.Errorf("save process tracker: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
	return scanTracker(s.pool.QueryRow(ctx, selectTracker+" WHERE tracker_id = $1", strings.TrimSpace(trackerID)))
}

// ProcessTrackerOf implements storage.ProcessTrackerStore.
func (s *Store) ProcessTrackerOf(ctx context.Context, tenantID, processID string) (process.Tracker, error) {
	if err := s.check(ctx); err != nil {
		return process.Tracker{}, err
	}
	return scanTracker(s.pool.QueryRow(ctx,
		selectTracker+" WHERE tenant_id = $1 AND process_id = $2", tenantID, processID))
}

// AllProcessTrackersOf implements storage.ProcessTrackerStore.
func (s *Store) AllProcessTrackersOf(ctx context.Context, tenantID string) ([]process.Tracker, error) {
	return s.queryTrackers(ctx, selectTracker+" WHERE tenant_id = $1 ORDER BY timeout_occurs_on, tracker_id", tenantID)
}

// AllTimedOutProcessTrackers implements storage.ProcessTrackerStore.
func (s *Store) AllTimedOutProcessTrackers(ctx context.Context, now time.Time) ([]process.Tracker, error) {
	return s.queryTrackers(ctx, selectTracker+` WHERE NOT completed AND NOT informed_of_timeout AND timeout_occurs_on <= $1
ORDER BY timeout_occurs_on, tracker_id`, now)
}

// AllTimedOutProcessTrackersOf implements storage.ProcessTrackerStore.
func (s *Store) AllTimedOutProcessTrackersOf(ctx context.Context, tenantID string, now time.Time) ([]process.Tracker, error) {
	return s.queryTrackers(ctx, selectTracker+` WHERE tenant_id = $1 AND NOT completed AND NOT informed_of_timeout
AND timeout_occurs_on <= $2 ORDER BY timeout_occurs_on, tracker_id`, tenantID, now)
}

func (s *Store) queryTrackers(ctx context.Context, query string, args ...any) ([]process.Tracker, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
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

func scanTracker(row pgx.Row) (process.Tracker, error) {
	var (
		tracker        process.Tracker
		intervalMillis int64
		timedOutType   string
	)
	err := row.Scan(&tracker.TrackerID, &tracker.TenantID, &tracker.ProcessID, &tracker.Description,
		&tracker.StartedAt, &intervalMillis, &tracker.TotalRetries, &tracker.RetryCount,
		&tracker.Completed, &tracker.Exhausted, &tracker.InformedOfTimeout, &timedOutType,
		&tracker.TimeoutOccursOn, &tracker.ConcurrencyVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return process.Tracker{}, storage.ErrNotFound
	}
	if err != nil {
		return process.Tracker{}, fmt.Errorf("scan process tracker: %w", err)
	}
	tracker.StartedAt = tracker.StartedAt.UTC()
	tracker.RetryInterval = time.Duration(intervalMillis) * time.Millisecond
	tracker.TimedOutType = event.Type(timedOutType)
	tracker.TimeoutOccursOn = tracker.TimeoutOccursOn.UTC()
	return tracker, nil
}
