package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
	"github.com/louisbranch/eventlog/internal/platform/otel"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// EventReader reads the global journal.
type EventReader interface {
	ReadGlobalSince(ctx context.Context, seq uint64) ([]event.Stored, error)
}

// PublishResult describes one publish cycle.
type PublishResult struct {
	// From is the cursor before the cycle.
	From uint64
	// To is the cursor after the cycle; equal to From when nothing moved.
	To   uint64
	Sent int
}

// Publisher drains unpublished notifications to one destination.
type Publisher struct {
	events      EventReader
	trackers    storage.PublishedTrackerStore
	transport   Transport
	destination string
	clock       func() time.Time
	logf        func(string, ...any)

	tracer    trace.Tracer
	published metric.Int64Counter
	failures  metric.Int64Counter
}

// PublisherOption customizes a Publisher.
type PublisherOption func(*Publisher)

// WithClock overrides time.Now for tracker timestamps.
func WithClock(clock func() time.Time) PublisherOption {
	return func(p *Publisher) { p.clock = clock }
}

// WithLogf overrides log.Printf.
func WithLogf(logf func(string, ...any)) PublisherOption {
	return func(p *Publisher) { p.logf = logf }
}

// NewPublisher returns a publisher for destination.
func NewPublisher(events EventReader, trackers storage.PublishedTrackerStore, transport Transport, destination string, opts ...PublisherOption) (*Publisher, error) {
	if events == nil {
		return nil, errors.New("event reader is required")
	}
	if trackers == nil {
		return nil, errors.New("published tracker store is required")
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	destination, err := storage.NormalizeDestination(destination)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		events:      events,
		trackers:    trackers,
		transport:   transport,
		destination: destination,
		clock:       time.Now,
		logf:        log.Printf,
		tracer:      otel.Tracer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	meter := otel.Meter()
	if p.published, err = meter.Int64Counter("eventlog.notifications.published",
		metric.WithDescription("Notifications handed to a transport.")); err != nil {
		return nil, fmt.Errorf("create published counter: %w", err)
	}
	if p.failures, err = meter.Int64Counter("eventlog.notifications.failures",
		metric.WithDescription("Publish cycles aborted by a transport failure.")); err != nil {
		return nil, fmt.Errorf("create failure counter: %w", err)
	}
	return p, nil
}

// Destination returns the destination this publisher drains to.
func (p *Publisher) Destination() string {
	return p.destination
}

// PublishNotifications runs one cycle: read everything after the
// destination's cursor, send it in sequence order, and move the cursor to
// the last id only when every send succeeded. A failed send aborts the
// cycle with the cursor unchanged, so the whole batch is sent again next
// time. Delivery is at least once and never reordered.
func (p *Publisher) PublishNotifications(ctx context.Context) (PublishResult, error) {
	ctx, span := p.tracer.Start(ctx, "notification.publish",
		trace.WithAttributes(attribute.String("destination", p.destination)))
	defer span.End()

	result, err := p.publish(ctx)
	span.SetAttributes(
		attribute.Int64("cursor.from", int64(result.From)),
		attribute.Int64("cursor.to", int64(result.To)),
		attribute.Int("sent", result.Sent),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (p *Publisher) publish(ctx context.Context) (PublishResult, error) {
	var result PublishResult
	tracker, err := p.trackers.GetPublishedTracker(ctx, p.destination)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		tracker = storage.PublishedTracker{Destination: p.destination}
	case err != nil:
		return result, fmt.Errorf("load published tracker: %w", err)
	}
	result.From = tracker.MostRecentID
	result.To = tracker.MostRecentID

	stored, err := p.events.ReadGlobalSince(ctx, tracker.MostRecentID)
	if err != nil {
		return result, fmt.Errorf("read unpublished events: %w", err)
	}
	if len(stored) == 0 {
		return result, nil
	}

	attrs := metric.WithAttributes(attribute.String("destination", p.destination))
	var last uint64
	for _, n := range FromStoredAll(stored) {
		if err := p.transport.Send(ctx, n); err != nil {
			p.failures.Add(ctx, 1, attrs)
			return result, apperrors.WrapWithMetadata(apperrors.CodeTransportFailure, "send notification",
				map[string]string{
					"destination":     p.destination,
					"notification_id": strconv.FormatUint(n.ID, 10),
				}, err)
		}
		result.Sent++
		p.published.Add(ctx, 1, attrs)
		last = n.ID
	}

	tracker.MostRecentID = last
	tracker.UpdatedAt = p.clock().UTC()
	if err := p.trackers.SavePublishedTracker(ctx, tracker); err != nil {
		return result, fmt.Errorf("save published tracker: %w", err)
	}
	result.To = last
	return result, nil
}
