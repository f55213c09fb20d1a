package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
)

// DefaultNotificationsPerLog is the size of one notification log.
const DefaultNotificationsPerLog = 20

// LogID identifies a notification log by its inclusive id range.
type LogID struct {
	Low  uint64
	High uint64
}

// ParseLogID parses the "low,high" encoding.
func ParseLogID(encoded string) (LogID, error) {
	lowText, highText, ok := strings.Cut(strings.TrimSpace(encoded), ",")
	if !ok {
		return LogID{}, invalidLogID(encoded)
	}
	low, err := strconv.ParseUint(strings.TrimSpace(lowText), 10, 64)
	if err != nil {
		return LogID{}, invalidLogID(encoded)
	}
	high, err := strconv.ParseUint(strings.TrimSpace(highText), 10, 64)
	if err != nil {
		return LogID{}, invalidLogID(encoded)
	}
	if low == 0 || high < low {
		return LogID{}, invalidLogID(encoded)
	}
	return LogID{Low: low, High: high}, nil
}

func invalidLogID(encoded string) error {
	return apperrors.WithMetadata(apperrors.CodeNotificationLog, "notification log id must be \"low,high\"",
		map[string]string{"id": encoded})
}

// String returns the "low,high" encoding.
func (id LogID) String() string {
	return strconv.FormatUint(id.Low, 10) + "," + strconv.FormatUint(id.High, 10)
}

// Next returns the log after id.
func (id LogID) Next(perLog int) LogID {
	low := id.High + 1
	return LogID{Low: low, High: low + uint64(perLog) - 1}
}

// Previous returns the log before id, or false when id is the first log.
func (id LogID) Previous(perLog int) (LogID, bool) {
	low := uint64(1)
	if id.Low > uint64(perLog) {
		low = id.Low - uint64(perLog)
	}
	previous := LogID{Low: low, High: low + uint64(perLog) - 1}
	if previous == id {
		return LogID{}, false
	}
	return previous, true
}

// Log is one page of the notification feed.
type Log struct {
	ID            string         `json:"id"`
	Next          string         `json:"next,omitempty"`
	Previous      string         `json:"previous,omitempty"`
	Archived      bool           `json:"archived"`
	Notifications []Notification `json:"notifications"`
}

// LogReader is the part of the event store a LogFactory needs.
type LogReader interface {
	CountStored(ctx context.Context) (uint64, error)
	ReadGlobalBetween(ctx context.Context, low, high uint64) ([]event.Stored, error)
}

// LogFactory builds notification logs from the event store.
type LogFactory struct {
	events LogReader
	perLog int
}

// NewLogFactory returns a factory with perLog notifications per log, or
// DefaultNotificationsPerLog when perLog is not positive.
func NewLogFactory(events LogReader, perLog int) (*LogFactory, error) {
	if events == nil {
		return nil, errors.New("event store is required")
	}
	if perLog <= 0 {
		perLog = DefaultNotificationsPerLog
	}
	return &LogFactory{events: events, perLog: perLog}, nil
}

// NotificationsPerLog returns the page size.
func (f *LogFactory) NotificationsPerLog() int {
	return f.perLog
}

// CurrentLog returns the log holding the newest notifications. Its id is
// always a full range even when fewer notifications exist yet.
func (f *LogFactory) CurrentLog(ctx context.Context) (Log, error) {
	count, err := f.events.CountStored(ctx)
	if err != nil {
		return Log{}, fmt.Errorf("count stored events: %w", err)
	}
	perLog := uint64(f.perLog)
	remainder := count % perLog
	if remainder == 0 && count > 0 {
		remainder = perLog
	}
	low := count - remainder + 1
	return f.build(ctx, LogID{Low: low, High: low + perLog - 1}, count)
}

// Log returns the log identified by id. Ids spanning more than one log
// are rejected.
func (f *LogFactory) Log(ctx context.Context, id LogID) (Log, error) {
	if id.Low == 0 || id.High < id.Low || id.High-id.Low >= uint64(f.perLog) {
		return Log{}, apperrors.WithMetadata(apperrors.CodeNotificationLog,
			fmt.Sprintf("notification log id must span at most %d notifications", f.perLog),
			map[string]string{"id": id.String()})
	}
	count, err := f.events.CountStored(ctx)
	if err != nil {
		return Log{}, fmt.Errorf("count stored events: %w", err)
	}
	return f.build(ctx, id, count)
}

func (f *LogFactory) build(ctx context.Context, id LogID, total uint64) (Log, error) {
	stored, err := f.events.ReadGlobalBetween(ctx, id.Low, id.High)
	if err != nil {
		return Log{}, fmt.Errorf("read notifications %s: %w", id, err)
	}
	archived := id.High < total
	log := Log{
		ID:            id.String(),
		Archived:      archived,
		Notifications: FromStoredAll(stored),
	}
	if archived {
		log.Next = id.Next(f.perLog).String()
	}
	if previous, ok := id.Previous(f.perLog); ok {
		log.Previous = previous.String()
	}
	return log, nil
}
