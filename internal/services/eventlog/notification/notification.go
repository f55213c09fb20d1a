// Package notification turns the global event sequence into an ordered,
// resumable feed and drains it to external transports.
package notification

import (
	"context"
	"encoding/json"
	"log"
	"time"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
)

// ErrTransportFailure indicates a send that did not reach the destination.
var ErrTransportFailure = apperrors.New(apperrors.CodeTransportFailure, "notification transport failed")

// Notification is the transport-agnostic envelope of one stored event.
type Notification struct {
	ID         uint64          `json:"notificationId"`
	TypeName   string          `json:"typeName"`
	OccurredOn time.Time       `json:"occurredOn"`
	Version    int             `json:"version"`
	Body       json.RawMessage `json:"body"`
}

// FromStored wraps stored. The notification id is the global sequence.
func FromStored(stored event.Stored) Notification {
	return Notification{
		ID:         stored.Seq,
		TypeName:   string(stored.Type),
		OccurredOn: stored.OccurredOn.UTC(),
		Version:    stored.Version,
		Body:       json.RawMessage(stored.PayloadJSON),
	}
}

// FromStoredAll wraps every entry of stored, preserving order.
func FromStoredAll(stored []event.Stored) []Notification {
	out := make([]Notification, 0, len(stored))
	for _, s := range stored {
		out = append(out, FromStored(s))
	}
	return out
}

// Transport hands one notification to a destination.
type Transport interface {
	Send(ctx context.Context, n Notification) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, n Notification) error

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogTransport writes every notification to logf, or log.Printf when logf
// is nil. It stands in for a broker in local runs.
func LogTransport(logf func(string, ...any)) TransportFunc {
	if logf == nil {
		logf = log.Printf
	}
	return func(ctx context.Context, n Notification) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		logf("notification %d %s v%d %s", n.ID, n.TypeName, n.Version, n.Body)
		return nil
	}
}
