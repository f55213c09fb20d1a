package event

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
)

// Type identifies a kind of domain event, for example "collaboration.forum_started".
type Type string

// AnyType subscribes to every event type.
const AnyType Type = "*"

// DomainEvent is an immutable business fact.
type DomainEvent interface {
	EventType() Type
	EventVersion() int
	OccurredOn() time.Time
}

// Header carries the common event attributes. Concrete events embed it to
// satisfy DomainEvent.
type Header struct {
	Kind    Type      `json:"type"`
	Version int       `json:"version"`
	At      time.Time `json:"occurredOn"`
}

// NewHeader returns a header for a version-1 event of kind occurring at at.
func NewHeader(kind Type, at time.Time) Header {
	return Header{Kind: kind, Version: 1, At: at.UTC()}
}

// EventType implements DomainEvent.
func (h Header) EventType() Type { return h.Kind }

// EventVersion implements DomainEvent.
func (h Header) EventVersion() int { return h.Version }

// OccurredOn implements DomainEvent.
func (h Header) OccurredOn() time.Time { return h.At }

// ErrStreamIDInvalid indicates an empty tenant or aggregate identifier.
var ErrStreamIDInvalid = apperrors.New(apperrors.CodeEventInvalid, "stream id is invalid")

// StreamID identifies one aggregate's stream. ExpectedVersion is only
// meaningful for appends: it is the version the caller believes is current.
type StreamID struct {
	TenantID        string
	AggregateID     string
	ExpectedVersion int
}

// NewStreamID returns a stream id with expected version 0.
func NewStreamID(tenantID, aggregateID string) StreamID {
	return StreamID{TenantID: tenantID, AggregateID: aggregateID}
}

// WithVersion returns a copy of id carrying expectedVersion.
func (id StreamID) WithVersion(expectedVersion int) StreamID {
	id.ExpectedVersion = expectedVersion
	return id
}

// Name is the storage key of the stream, "tenant:aggregate".
func (id StreamID) Name() string {
	return id.TenantID + ":" + id.AggregateID
}

// Validate checks that both identifiers are set and the version is not negative.
func (id StreamID) Validate() error {
	if strings.TrimSpace(id.TenantID) == "" {
		return apperrors.WrapWithMetadata(apperrors.CodeEventInvalid, "stream id is invalid",
			map[string]string{"field": "tenant_id"}, fmt.Errorf("tenant id is required"))
	}
	if strings.TrimSpace(id.AggregateID) == "" {
		return apperrors.WrapWithMetadata(apperrors.CodeEventInvalid, "stream id is invalid",
			map[string]string{"field": "aggregate_id"}, fmt.Errorf("aggregate id is required"))
	}
	if strings.Contains(id.TenantID, ":") {
		return apperrors.WrapWithMetadata(apperrors.CodeEventInvalid, "stream id is invalid",
			map[string]string{"field": "tenant_id"}, fmt.Errorf("tenant id must not contain ':'"))
	}
	if id.ExpectedVersion < 0 {
		return apperrors.WrapWithMetadata(apperrors.CodeEventInvalid, "stream id is invalid",
			map[string]string{"field": "expected_version"}, fmt.Errorf("expected version must not be negative"))
	}
	return nil
}

// String implements fmt.Stringer.
func (id StreamID) String() string {
	return fmt.Sprintf("%s@%d", id.Name(), id.ExpectedVersion)
}

// Stored is the durable envelope of one appended event.
type Stored struct {
	Seq           uint64
	Type          Type
	Version       int
	PayloadJSON   []byte
	OccurredOn    time.Time
	StreamName    string
	StreamVersion int
}

// Stream is the ordered event list of one aggregate plus its current version.
type Stream struct {
	Events  []DomainEvent
	Version int
}
