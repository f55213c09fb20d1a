package notification

import (
	"context"
	"time"

	"github.com/louisbranch/eventlog/internal/platform/loop"
)

// NewLoop returns a periodic loop that runs one publish cycle per tick.
// Cycles for the destination never overlap; a failed cycle is logged and
// retried on the next tick.
func NewLoop(publisher *Publisher, interval time.Duration, logf func(string, ...any), onResult func(error)) *loop.Periodic {
	return &loop.Periodic{
		Name:     "publish " + publisher.Destination(),
		Interval: interval,
		Work: func(ctx context.Context) error {
			_, err := publisher.PublishNotifications(ctx)
			return err
		},
		OnResult: onResult,
		Logf:     logf,
	}
}
