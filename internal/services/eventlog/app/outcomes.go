package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/process"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
)

// outcomeRecorder appends sweep outcomes to the process's own stream so
// they reach subscribers through the notification feed.
type outcomeRecorder struct {
	events storage.EventStore
}

// ProcessStreamID is the stream that records the outcomes of processID.
func ProcessStreamID(tenantID, processID string) event.StreamID {
	return event.NewStreamID(tenantID, "process-"+processID)
}

func (r outcomeRecorder) Record(ctx context.Context, notice process.Notice) error {
	if notice.Event == nil {
		return nil
	}
	id := ProcessStreamID(notice.Tracker.TenantID, notice.Tracker.ProcessID)
	version := 0
	stream, err := r.events.ReadFull(ctx, id)
	switch {
	case err == nil:
		version = stream.Version
	case !errors.Is(err, storage.ErrStreamNotFound):
		return fmt.Errorf("read process stream %s: %w", id.Name(), err)
	}
	if _, err := r.events.Append(ctx, id.WithVersion(version), []event.DomainEvent{notice.Event}); err != nil {
		return fmt.Errorf("record %s outcome: %w", notice.Outcome, err)
	}
	return nil
}
