// Package process tracks cross-context business processes that must finish
// within a time limit, retrying a bounded number of times before timing out.
package process

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
)

const maxDescriptionLength = 100

// ErrInvalid indicates a tracker that failed validation.
var ErrInvalid = apperrors.New(apperrors.CodeProcessInvalid, "process tracker is invalid")

// Outcome is the result of one timeout check.
type Outcome int

const (
	// OutcomeNone means the tracker was not eligible.
	OutcomeNone Outcome = iota
	// OutcomeRetry means the owning operation should be attempted again.
	OutcomeRetry
	// OutcomeTimedOut means retries are exhausted and the tracker is terminal.
	OutcomeTimedOut
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeRetry:
		return "retry"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "none"
	}
}

// Status is the derived lifecycle state of a tracker.
type Status string

const (
	StatusActive    Status = "active"
	StatusRetrying  Status = "retrying"
	StatusTimedOut  Status = "timed_out"
	StatusCompleted Status = "completed"
)

// Tracker is the saga record of one time-constrained process.
type Tracker struct {
	TrackerID          string
	TenantID           string
	ProcessID          string
	Description        string
	StartedAt          time.Time
	RetryInterval      time.Duration
	TotalRetries       int
	RetryCount         int
	Completed          bool
	Exhausted          bool
	InformedOfTimeout  bool
	TimedOutType       event.Type
	TimeoutOccursOn    time.Time
	ConcurrencyVersion int
}

// New starts a tracker whose first deadline is startedAt + retryInterval.
func New(tenantID, processID, description string, startedAt time.Time, retryInterval time.Duration, totalRetries int, timedOutType event.Type) (Tracker, error) {
	t := Tracker{
		TrackerID:       uuid.NewString(),
		TenantID:        strings.TrimSpace(tenantID),
		ProcessID:       strings.TrimSpace(processID),
		Description:     strings.TrimSpace(description),
		StartedAt:       startedAt.UTC(),
		RetryInterval:   retryInterval,
		TotalRetries:    totalRetries,
		TimedOutType:    timedOutType,
		TimeoutOccursOn: startedAt.UTC().Add(retryInterval),
	}
	if err := t.Validate(); err != nil {
		return Tracker{}, err
	}
	return t, nil
}

// Validate checks the tracker's configured fields.
func (t Tracker) Validate() error {
	switch {
	case t.TenantID == "":
		return invalid("tenant_id", "tenant id is required")
	case t.ProcessID == "":
		return invalid("process_id", "process id is required")
	case t.Description == "":
		return invalid("description", "description is required")
	case utf8.RuneCountInString(t.Description) > maxDescriptionLength:
		return invalid("description", fmt.Sprintf("description must be 1 to %d characters", maxDescriptionLength))
	case t.RetryInterval <= 0:
		return invalid("retry_interval", "retry interval must be greater than zero")
	case t.TotalRetries < 0:
		return invalid("total_retries", "total retries must not be negative")
	case strings.TrimSpace(string(t.TimedOutType)) == "":
		return invalid("timed_out_type", "timed out event type is required")
	case t.RetryCount > t.TotalRetries:
		return invalid("retry_count", "retry count exceeds total retries")
	}
	return nil
}

func invalid(field, message string) error {
	return apperrors.WrapWithMetadata(apperrors.CodeProcessInvalid, "process tracker is invalid",
		map[string]string{"field": field}, fmt.Errorf("%s", message))
}

// Status derives the lifecycle state.
func (t Tracker) Status() Status {
	switch {
	case t.Exhausted:
		return StatusTimedOut
	case t.Completed:
		return StatusCompleted
	case t.RetryCount > 0:
		return StatusRetrying
	default:
		return StatusActive
	}
}

// Eligible reports whether a sweep at now should inform the process.
func (t Tracker) Eligible(now time.Time) bool {
	return !t.Completed && !t.InformedOfTimeout && !now.Before(t.TimeoutOccursOn)
}

// Complete marks the business operation as successful. It is idempotent and
// ends all further sweeps.
func (t *Tracker) Complete() {
	t.Completed = true
}

// AcknowledgeRetry clears the informed flag once the owning operation has
// been retried, making the tracker eligible again at its next deadline.
func (t *Tracker) AcknowledgeRetry() {
	if t.Completed {
		return
	}
	t.InformedOfTimeout = false
}

// InformTimedOut applies one timeout check at now. While retries remain it
// counts a retry and moves the deadline to now + RetryInterval; once they
// are spent it completes the tracker with the configured timed-out event.
func (t *Tracker) InformTimedOut(now time.Time) (Outcome, event.DomainEvent) {
	if !t.Eligible(now) {
		return OutcomeNone, nil
	}
	now = now.UTC()
	if t.RetryCount < t.TotalRetries {
		t.RetryCount++
		t.InformedOfTimeout = true
		t.TimeoutOccursOn = now.Add(t.RetryInterval)
		return OutcomeRetry, Retried{Header: event.NewHeader(TypeRetried, now), Detail: t.detail()}
	}
	t.Completed = true
	t.Exhausted = true
	t.InformedOfTimeout = true
	return OutcomeTimedOut, TimedOut{Header: event.NewHeader(t.TimedOutType, now), Detail: t.detail()}
}

func (t Tracker) detail() Detail {
	return Detail{
		TrackerID:    t.TrackerID,
		TenantID:     t.TenantID,
		ProcessID:    t.ProcessID,
		RetryCount:   t.RetryCount,
		TotalRetries: t.TotalRetries,
	}
}
