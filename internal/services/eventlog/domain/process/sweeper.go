package process

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
	"github.com/louisbranch/eventlog/internal/platform/otel"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/publisher"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store is the persistence a sweep needs.
type Store interface {
	AllTimedOutProcessTrackers(ctx context.Context, now time.Time) ([]Tracker, error)
	SaveProcessTracker(ctx context.Context, tracker *Tracker) error
}

// Notice is one outcome delivered to the owning operation.
type Notice struct {
	Outcome Outcome
	Event   event.DomainEvent
	Tracker Tracker
}

// Handler receives sweep outcomes. A Retry notice asks the handler to run
// the business operation again; a TimedOut notice asks it to compensate.
type Handler func(ctx context.Context, notice Notice) error

// SweepResult counts what one sweep did.
type SweepResult struct {
	Retried   int
	TimedOut  int
	Conflicts int
	Failed    int
}

// Sweeper applies timeout checks to every eligible tracker.
type Sweeper struct {
	store   Store
	handler Handler
	clock   func() time.Time
	logf    func(string, ...any)

	outcomes metric.Int64Counter
}

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.clock = clock }
}

// WithLogf overrides log.Printf.
func WithLogf(logf func(string, ...any)) SweeperOption {
	return func(s *Sweeper) { s.logf = logf }
}

// NewSweeper returns a sweeper. handler may be nil when outcomes are only
// consumed through the context bus.
func NewSweeper(store Store, handler Handler, opts ...SweeperOption) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("process tracker store is required")
	}
	s := &Sweeper{
		store:   store,
		handler: handler,
		clock:   time.Now,
		logf:    log.Printf,
	}
	for _, opt := range opts {
		opt(s)
	}
	counter, err := otel.Meter().Int64Counter("eventlog.process.outcomes",
		metric.WithDescription("Process tracker outcomes emitted by sweeps."))
	if err != nil {
		return nil, fmt.Errorf("create outcome counter: %w", err)
	}
	s.outcomes = counter
	return s, nil
}

// Sweep informs every eligible tracker of its timeout.
//
// A Retry transition is persisted before its notice is delivered, so a lost
// version race (another sweeper got there first) delivers nothing. After the
// notice is handled the tracker is acknowledged and saved again, which makes
// it eligible at its next deadline; the retry counts against the budget even
// when the handler fails.
//
// A TimedOut notice is delivered before the terminal state is saved. When
// the handler fails the tracker is left as it was and the next sweep delivers
// it again, so the timeout event is handed off at least once.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.clock()
	candidates, err := s.store.AllTimedOutProcessTrackers(ctx, now)
	if err != nil {
		return result, fmt.Errorf("load timed out trackers: %w", err)
	}

	for i := range candidates {
		tracker := candidates[i]
		outcome, evt := tracker.InformTimedOut(now)
		switch outcome {
		case OutcomeRetry:
			if err := s.retry(ctx, &tracker, evt, &result); err != nil {
				return result, err
			}
		case OutcomeTimedOut:
			if err := s.timeOut(ctx, &tracker, evt, &result); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func (s *Sweeper) retry(ctx context.Context, tracker *Tracker, evt event.DomainEvent, result *SweepResult) error {
	if err := s.store.SaveProcessTracker(ctx, tracker); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeConcurrencyViolation {
			result.Conflicts++
			return nil
		}
		return fmt.Errorf("save tracker %s: %w", tracker.TrackerID, err)
	}
	result.Retried++
	s.record(ctx, OutcomeRetry)

	if err := s.deliver(ctx, Notice{Outcome: OutcomeRetry, Event: evt, Tracker: *tracker}); err != nil {
		result.Failed++
		s.logf("process %s %s handler: %v", tracker.ProcessID, OutcomeRetry, err)
	}

	tracker.AcknowledgeRetry()
	if err := s.store.SaveProcessTracker(ctx, tracker); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeConcurrencyViolation {
			result.Conflicts++
			return nil
		}
		return fmt.Errorf("acknowledge tracker %s: %w", tracker.TrackerID, err)
	}
	return nil
}

func (s *Sweeper) timeOut(ctx context.Context, tracker *Tracker, evt event.DomainEvent, result *SweepResult) error {
	if err := s.deliver(ctx, Notice{Outcome: OutcomeTimedOut, Event: evt, Tracker: *tracker}); err != nil {
		result.Failed++
		s.logf("process %s %s handler: %v", tracker.ProcessID, OutcomeTimedOut, err)
		return nil
	}
	if err := s.store.SaveProcessTracker(ctx, tracker); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeConcurrencyViolation {
			result.Conflicts++
			return nil
		}
		return fmt.Errorf("save tracker %s: %w", tracker.TrackerID, err)
	}
	result.TimedOut++
	s.record(ctx, OutcomeTimedOut)
	return nil
}

func (s *Sweeper) record(ctx context.Context, outcome Outcome) {
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
}

func (s *Sweeper) deliver(ctx context.Context, notice Notice) error {
	if bus := publisher.FromContext(ctx); bus != nil {
		bus.Publish(ctx, notice.Event)
	}
	if s.handler == nil {
		return nil
	}
	return s.handler(ctx, notice)
}
