// Package eventlog parses service flags and launches the event log runtime.
package eventlog

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/eventlog/internal/platform/cmd"
	"github.com/louisbranch/eventlog/internal/platform/config"
	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
	"github.com/louisbranch/eventlog/internal/services/eventlog/app"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
)

// Config holds service command configuration.
type Config struct {
	Port                int           `env:"EVENTLOG_PORT" envDefault:"8095"`
	HTTPAddr            string        `env:"EVENTLOG_HTTP_ADDR" envDefault:":8096"`
	Backend             string        `env:"EVENTLOG_BACKEND" envDefault:"bbolt"`
	BboltPath           string        `env:"EVENTLOG_BBOLT_PATH" envDefault:"data/eventlog.db"`
	SQLitePath          string        `env:"EVENTLOG_SQLITE_PATH" envDefault:"data/eventlog.sqlite"`
	PostgresDSN         string        `env:"EVENTLOG_POSTGRES_DSN"`
	RepairThreshold     int           `env:"EVENTLOG_REPAIR_MISSING_THRESHOLD" envDefault:"100000"`
	PageSize            int           `env:"EVENTLOG_PAGE_SIZE" envDefault:"500"`
	NotificationsPerLog int           `env:"EVENTLOG_NOTIFICATIONS_PER_LOG" envDefault:"20"`
	Destination         string        `env:"EVENTLOG_DESTINATION" envDefault:"eventlog"`
	Transport           string        `env:"EVENTLOG_TRANSPORT" envDefault:"log"`
	RabbitMQURL         string        `env:"EVENTLOG_RABBITMQ_URL"`
	RabbitMQExchange    string        `env:"EVENTLOG_RABBITMQ_EXCHANGE" envDefault:"eventlog.notifications"`
	KafkaBrokers        []string      `env:"EVENTLOG_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic          string        `env:"EVENTLOG_KAFKA_TOPIC" envDefault:"eventlog.notifications"`
	KafkaKey            string        `env:"EVENTLOG_KAFKA_KEY"`
	PublishInterval     time.Duration `env:"EVENTLOG_PUBLISH_INTERVAL" envDefault:"2s"`
	SweepInterval       time.Duration `env:"EVENTLOG_SWEEP_INTERVAL" envDefault:"10s"`
	RetryInterval       time.Duration `env:"EVENTLOG_RETRY_INTERVAL" envDefault:"1m"`
	TotalRetries        int           `env:"EVENTLOG_TOTAL_RETRIES" envDefault:"3"`
	TimedOutType        string        `env:"EVENTLOG_TIMED_OUT_TYPE" envDefault:"process.timed_out"`
}

// Validate checks option combinations env tags cannot express.
func (c Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case app.BackendBbolt:
		if err := config.Require("EVENTLOG_BBOLT_PATH", c.BboltPath); err != nil {
			return err
		}
	case app.BackendSQLite:
		if err := config.Require("EVENTLOG_SQLITE_PATH", c.SQLitePath); err != nil {
			return err
		}
	case app.BackendPostgres:
		if err := config.Require("EVENTLOG_POSTGRES_DSN", c.PostgresDSN); err != nil {
			return err
		}
	case app.BackendMemory:
	default:
		return fmt.Errorf("EVENTLOG_BACKEND %q is not one of bbolt, sqlite, postgres, memory", c.Backend)
	}
	switch strings.ToLower(c.Transport) {
	case app.TransportLog:
	case app.TransportRabbitMQ:
		if err := config.Require("EVENTLOG_RABBITMQ_URL", c.RabbitMQURL); err != nil {
			return err
		}
	case app.TransportKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("EVENTLOG_KAFKA_BROKERS is required")
		}
	default:
		return fmt.Errorf("EVENTLOG_TRANSPORT %q is not one of log, rabbitmq, kafka", c.Transport)
	}
	if c.TotalRetries < 0 {
		return fmt.Errorf("EVENTLOG_TOTAL_RETRIES must not be negative")
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("EVENTLOG_RETRY_INTERVAL must be greater than zero")
	}
	return nil
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The health gRPC server port")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The notification feed HTTP address")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Storage backend: bbolt, sqlite, postgres, memory")
	fs.StringVar(&cfg.BboltPath, "bbolt-path", cfg.BboltPath, "The bbolt journal path")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "The SQLite database path")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "Notification transport: log, rabbitmq, kafka")
	fs.StringVar(&cfg.Destination, "destination", cfg.Destination, "Published tracker destination name")
	fs.DurationVar(&cfg.PublishInterval, "publish-interval", cfg.PublishInterval, "Notification publish interval")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Process tracker sweep interval")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, apperrors.Wrap(apperrors.CodeConfiguration, "validate flags", err)
	}
	return cfg, nil
}

// Run starts the service runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceEventlog, func(ctx context.Context) error {
		return app.Run(ctx, runtimeConfig(cfg))
	})
}

func runtimeConfig(cfg Config) app.RuntimeConfig {
	return app.RuntimeConfig{
		Port:     cfg.Port,
		HTTPAddr: cfg.HTTPAddr,
		Store: app.StoreConfig{
			Backend:         cfg.Backend,
			BboltPath:       cfg.BboltPath,
			SQLitePath:      cfg.SQLitePath,
			PostgresDSN:     cfg.PostgresDSN,
			PageSize:        cfg.PageSize,
			RepairThreshold: cfg.RepairThreshold,
		},
		Transport: app.TransportConfig{
			Kind:             cfg.Transport,
			RabbitMQURL:      cfg.RabbitMQURL,
			RabbitMQExchange: cfg.RabbitMQExchange,
			KafkaBrokers:     cfg.KafkaBrokers,
			KafkaTopic:       cfg.KafkaTopic,
			KafkaKey:         cfg.KafkaKey,
		},
		Destination:         cfg.Destination,
		NotificationsPerLog: cfg.NotificationsPerLog,
		PublishInterval:     cfg.PublishInterval,
		SweepInterval:       cfg.SweepInterval,
		Process: app.ProcessDefaults{
			RetryInterval: cfg.RetryInterval,
			TotalRetries:  cfg.TotalRetries,
			TimedOutType:  event.Type(cfg.TimedOutType),
		},
	}
}
