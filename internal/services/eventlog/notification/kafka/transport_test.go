package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/eventlog/internal/services/eventlog/notification"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (p *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if p.err == nil {
			p.records = append(p.records, r)
		}
		results = append(results, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return results
}

func (p *fakeProducer) Close() { p.closed = true }

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: Config{Brokers: []string{"localhost:9092"}, Topic: "eventlog"}},
		{name: "missing brokers", cfg: Config{Topic: "eventlog"}, wantErr: true},
		{name: "missing topic", cfg: Config{Brokers: []string{"localhost:9092"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSendProducesKeyedRecord(t *testing.T) {
	producer := &fakeProducer{}
	transport, err := New(producer, Config{Topic: "eventlog.notifications"})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for id := uint64(1); id <= 2; id++ {
		n := notification.Notification{ID: id, TypeName: "ledger.opened", OccurredOn: occurred}
		if err := transport.Send(context.Background(), n); err != nil {
			t.Fatalf("send %d: %v", id, err)
		}
	}

	if len(producer.records) != 2 {
		t.Fatalf("records = %d, want 2", len(producer.records))
	}
	for i, record := range producer.records {
		if record.Topic != "eventlog.notifications" {
			t.Fatalf("records[%d].topic = %q", i, record.Topic)
		}
		if string(record.Key) != "eventlog.notifications" {
			t.Fatalf("records[%d].key = %q, want topic as key", i, record.Key)
		}
		if !record.Timestamp.Equal(occurred) {
			t.Fatalf("records[%d].timestamp = %v, want %v", i, record.Timestamp, occurred)
		}
	}
	if got := string(producer.records[1].Headers[0].Value); got != "2" {
		t.Fatalf("notification id header = %q, want 2", got)
	}
}

func TestSendReturnsProduceError(t *testing.T) {
	want := errors.New("not leader for partition")
	transport, err := New(&fakeProducer{err: want}, Config{Topic: "eventlog", Key: "feed"})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if err := transport.Send(context.Background(), notification.Notification{ID: 9}); !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

func TestNewRejectsMissingInputs(t *testing.T) {
	if _, err := New(nil, Config{Topic: "x"}); err == nil {
		t.Fatal("expected producer error")
	}
	if _, err := New(&fakeProducer{}, Config{}); err == nil {
		t.Fatal("expected topic error")
	}
	if _, err := Dial(Config{}); err == nil {
		t.Fatal("expected config error")
	}
}

func TestCloseClosesClient(t *testing.T) {
	producer := &fakeProducer{}
	transport, err := New(producer, Config{Topic: "x"})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !producer.closed {
		t.Fatal("expected client to be closed")
	}
}
