package eventlog

import (
	"flag"
	"testing"
	"time"

	apperrors "github.com/louisbranch/eventlog/internal/platform/errors"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("eventlog", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8095 {
		t.Fatalf("port = %d, want 8095", cfg.Port)
	}
	if cfg.Backend != "bbolt" || cfg.Transport != "log" {
		t.Fatalf("backend = %q transport = %q, want bbolt and log", cfg.Backend, cfg.Transport)
	}
	if cfg.NotificationsPerLog != 20 {
		t.Fatalf("notifications per log = %d, want 20", cfg.NotificationsPerLog)
	}
	if cfg.RetryInterval != time.Minute || cfg.TotalRetries != 3 {
		t.Fatalf("retry interval = %v total = %d, want 1m and 3", cfg.RetryInterval, cfg.TotalRetries)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("EVENTLOG_BACKEND", "sqlite")
	t.Setenv("EVENTLOG_TRANSPORT", "kafka")
	t.Setenv("EVENTLOG_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	fs := flag.NewFlagSet("eventlog", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-sqlite-path", "tmp/events.sqlite", "-sweep-interval", "30s"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.SQLitePath != "tmp/events.sqlite" {
		t.Fatalf("sqlite path = %q, want tmp/events.sqlite", cfg.SQLitePath)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("sweep interval = %v, want 30s", cfg.SweepInterval)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("kafka brokers = %v", cfg.KafkaBrokers)
	}

	runtime := runtimeConfig(cfg)
	if runtime.Store.Backend != "sqlite" || runtime.Transport.Kind != "kafka" {
		t.Fatalf("runtime = %+v", runtime)
	}
	if string(runtime.Process.TimedOutType) != "process.timed_out" {
		t.Fatalf("timed out type = %q", runtime.Process.TimedOutType)
	}
}

func TestParseConfigRejectsInvalidCombinations(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{name: "unknown backend", env: map[string]string{"EVENTLOG_BACKEND": "mongo"}},
		{name: "postgres without dsn", env: map[string]string{"EVENTLOG_BACKEND": "postgres"}},
		{name: "rabbitmq without url", env: map[string]string{"EVENTLOG_TRANSPORT": "rabbitmq"}},
		{name: "kafka without brokers", env: map[string]string{"EVENTLOG_TRANSPORT": "kafka"}},
		{name: "negative retries", env: map[string]string{"EVENTLOG_TOTAL_RETRIES": "-1"}},
		{name: "flag selects unknown transport", args: []string{"-transport", "smtp"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.env {
				t.Setenv(key, value)
			}
			fs := flag.NewFlagSet("eventlog", flag.ContinueOnError)
			if _, err := ParseConfig(fs, tt.args); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseConfigEnvErrorsAreConfigurationCoded(t *testing.T) {
	t.Setenv("EVENTLOG_BACKEND", "mongo")
	fs := flag.NewFlagSet("eventlog", flag.ContinueOnError)
	_, err := ParseConfig(fs, nil)
	if apperrors.CodeOf(err) != apperrors.CodeConfiguration {
		t.Fatalf("code = %s, want %s", apperrors.CodeOf(err), apperrors.CodeConfiguration)
	}
}
