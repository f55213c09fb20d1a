package process

import (
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
)

// TypeRetried is the event type of every retry outcome.
const TypeRetried event.Type = "process.retried"

// Detail identifies the process an outcome belongs to.
type Detail struct {
	TrackerID    string `json:"trackerId"`
	TenantID     string `json:"tenantId"`
	ProcessID    string `json:"processId"`
	RetryCount   int    `json:"retryCount"`
	TotalRetries int    `json:"totalRetries"`
}

// Retried tells the owning operation to try again.
type Retried struct {
	event.Header
	Detail
}

// TimedOut tells the owning operation that retries are exhausted. Its event
// type is the tracker's configured timed-out type.
type TimedOut struct {
	event.Header
	Detail
}

// RegisterEvents adds Retried and the given timed-out types to registry so
// outcomes can be stored and read back like any other event.
func RegisterEvents(registry *event.Registry, timedOutTypes ...event.Type) error {
	if err := event.Register[Retried](registry, TypeRetried); err != nil {
		return err
	}
	for _, t := range timedOutTypes {
		if err := event.Register[TimedOut](registry, t); err != nil {
			return err
		}
	}
	return nil
}
