package notification_test

import (
	"context"
	"testing"

	"github.com/louisbranch/eventlog/internal/services/eventlog/notification"
)

func TestLoopTriggerPublishes(t *testing.T) {
	store := newStore(t)
	appendDeposits(t, store, "acct-1", 4)
	transport := &recordingTransport{}
	publisher, err := notification.NewPublisher(store, store, transport, destination)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	var results []error
	loop := notification.NewLoop(publisher, 1, func(string, ...any) {}, func(err error) { results = append(results, err) })
	if loop.Name != "publish "+destination {
		t.Fatalf("name = %q", loop.Name)
	}
	if err := loop.Trigger(context.Background()); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	assertIDs(t, transport.ids(), 1, 4)
	if len(results) != 1 || results[0] != nil {
		t.Fatalf("results = %v, want one success", results)
	}

	transport.failOn = 5
	appendDeposits(t, store, "acct-1", 1)
	if err := loop.Trigger(context.Background()); err == nil {
		t.Fatal("expected transport failure")
	}
	if len(results) != 2 || results[1] == nil {
		t.Fatalf("results = %v, want failure reported", results)
	}
}
