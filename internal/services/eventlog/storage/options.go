package storage

import (
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/process"
)

// DefaultRepairThreshold is how many consecutive missing sequences the
// journal repair treats as the unused tail.
const DefaultRepairThreshold = 100000

// Options are the settings shared by backends.
type Options struct {
	// PageSize bounds ReadGlobalSince. Zero means unbounded.
	PageSize int
	// RepairThreshold is used by backends that repair at open.
	RepairThreshold int
	Logf            func(string, ...any)
}

// Option customizes Options.
type Option func(*Options)

// WithPageSize bounds ReadGlobalSince results.
func WithPageSize(n int) Option {
	return func(o *Options) { o.PageSize = n }
}

// WithRepairThreshold sets the consecutive-missing threshold for repair.
func WithRepairThreshold(n int) Option {
	return func(o *Options) { o.RepairThreshold = n }
}

// WithLogf routes backend diagnostics to logf.
func WithLogf(logf func(string, ...any)) Option {
	return func(o *Options) { o.Logf = logf }
}

// ApplyOptions returns defaults overridden by opts.
func ApplyOptions(opts ...Option) Options {
	o := Options{RepairThreshold: DefaultRepairThreshold, Logf: log.Printf}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.PageSize < 0 {
		o.PageSize = 0
	}
	if o.RepairThreshold <= 0 {
		o.RepairThreshold = DefaultRepairThreshold
	}
	if o.Logf == nil {
		o.Logf = func(string, ...any) {}
	}
	return o
}

// NormalizeDestination trims a destination and rejects empty values.
func NormalizeDestination(destination string) (string, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return "", apperrors.New(apperrors.CodeNotificationLog, "destination is required")
	}
	return destination, nil
}

// StreamNotFound returns ErrStreamNotFound annotated with the stream name.
func StreamNotFound(streamName string) error {
	return apperrors.WithMetadata(apperrors.CodeStreamNotFound, "stream not found",
		map[string]string{"stream": streamName})
}

// ConcurrencyViolation returns ErrConcurrencyViolation annotated with the
// stream and the versions involved.
func ConcurrencyViolation(streamName string, expected, current int) error {
	return apperrors.WithMetadata(apperrors.CodeConcurrencyViolation, "optimistic concurrency violation",
		map[string]string{
			"stream":           streamName,
			"expected_version": strconv.Itoa(expected),
			"current_version":  strconv.Itoa(current),
		})
}

// ValidateTrackerForAdd checks a tracker before its first write.
func ValidateTrackerForAdd(tracker *process.Tracker) error {
	if tracker == nil {
		return apperrors.New(apperrors.CodeProcessInvalid, "process tracker is required")
	}
	if strings.TrimSpace(tracker.TrackerID) == "" {
		return apperrors.New(apperrors.CodeProcessInvalid, "tracker id is required")
	}
	return tracker.Validate()
}

// TimedOutFilter reports whether tracker should be returned by a timed-out
// query at now, optionally restricted to tenantID.
func TimedOutFilter(tracker process.Tracker, tenantID string, now time.Time) bool {
	if tenantID != "" && tracker.TenantID != tenantID {
		return false
	}
	return tracker.Eligible(now)
}

// SortTrackers orders trackers by deadline, then by tracker id.
func SortTrackers(trackers []process.Tracker) {
	sort.Slice(trackers, func(i, j int) bool {
		if !trackers[i].TimeoutOccursOn.Equal(trackers[j].TimeoutOccursOn) {
			return trackers[i].TimeoutOccursOn.Before(trackers[j].TimeoutOccursOn)
		}
		return trackers[i].TrackerID < trackers[j].TrackerID
	})
}
