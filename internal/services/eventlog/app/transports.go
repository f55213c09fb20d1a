package app

import (
	"fmt"
	"strings"

	"github.com/louisbranch/eventlog/internal/services/eventlog/notification"
	"github.com/louisbranch/eventlog/internal/services/eventlog/notification/kafka"
	"github.com/louisbranch/eventlog/internal/services/eventlog/notification/rabbitmq"
)

// Notification transports.
const (
	TransportLog      = "log"
	TransportRabbitMQ = "rabbitmq"
	TransportKafka    = "kafka"
)

// TransportConfig selects and configures one transport.
type TransportConfig struct {
	Kind             string
	RabbitMQURL      string
	RabbitMQExchange string
	KafkaBrokers     []string
	KafkaTopic       string
	KafkaKey         string
	Logf             func(string, ...any)
}

// OpenTransport connects the configured transport. The returned close
// function is never nil.
func OpenTransport(cfg TransportConfig) (notification.Transport, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case TransportLog:
		return notification.LogTransport(cfg.Logf), noop, nil
	case TransportRabbitMQ:
		transport, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			return nil, noop, fmt.Errorf("dial rabbitmq: %w", err)
		}
		return transport, transport.Close, nil
	case TransportKafka:
		transport, err := kafka.Dial(kafka.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Key:     cfg.KafkaKey,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("dial kafka: %w", err)
		}
		return transport, transport.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown notification transport %q", cfg.Kind)
	}
}
