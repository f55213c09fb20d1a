// Package kafka delivers notifications to a Kafka topic.
//
// Every record carries the same key, so the whole feed lands on one
// partition and consumers see it in notification id order.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/louisbranch/eventlog/internal/platform/timeouts"
	"github.com/louisbranch/eventlog/internal/services/eventlog/notification"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the subset of *kgo.Client the transport uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Config selects the brokers and topic.
type Config struct {
	Brokers []string
	Topic   string
	// Key partitions the feed. Defaults to Topic.
	Key string
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("kafka topic is required")
	}
	return nil
}

// Transport produces each notification synchronously.
type Transport struct {
	client Producer
	topic  string
	key    []byte
}

// Dial creates a client for cfg. opts are appended to the defaults.
func Dial(cfg Config, opts ...kgo.Opt) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.DialTimeout(timeouts.TransportDial),
		kgo.ProduceRequestTimeout(timeouts.TransportSend),
	}
	kopts = append(kopts, opts...)
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return New(client, cfg)
}

// New wraps an existing producer.
func New(client Producer, cfg Config) (*Transport, error) {
	if client == nil {
		return nil, errors.New("kafka producer is required")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = topic
	}
	return &Transport{client: client, topic: topic, key: []byte(key)}, nil
}

// Send implements notification.Transport.
func (t *Transport) Send(ctx context.Context, n notification.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification %d: %w", n.ID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.TransportSend)
	defer cancel()

	record := &kgo.Record{
		Topic:     t.topic,
		Key:       t.key,
		Value:     body,
		Timestamp: n.OccurredOn,
		Headers: []kgo.RecordHeader{
			{Key: "notificationId", Value: []byte(strconv.FormatUint(n.ID, 10))},
			{Key: "typeName", Value: []byte(n.TypeName)},
		},
	}
	if err := t.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce notification %d: %w", n.ID, err)
	}
	return nil
}

// Close flushes nothing and closes the client.
func (t *Transport) Close() error {
	t.client.Close()
	return nil
}

var _ notification.Transport = (*Transport)(nil)
