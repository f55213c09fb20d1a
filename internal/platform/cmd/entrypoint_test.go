package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
)

type testConfig struct {
	Backend string `env:"EVENTLOG_CMD_TEST_BACKEND" envDefault:"bbolt"`
	Path    string `env:"EVENTLOG_CMD_TEST_PATH" envDefault:"data/events.db"`
}

func TestParseConfigReadsEnvAndFlags(t *testing.T) {
	t.Setenv("EVENTLOG_CMD_TEST_BACKEND", "sqlite")
	t.Setenv("EVENTLOG_CMD_TEST_PATH", "env.db")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := testConfig{}
	if err := ParseConfig(&cfg); err != nil {
		t.Fatalf("load config defaults: %v", err)
	}
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "backend")
	fs.StringVar(&cfg.Path, "path", cfg.Path, "path")

	if err := ParseArgs(fs, []string{"-path", "flag.db"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if cfg.Path != "flag.db" {
		t.Fatalf("path = %q, want %q", cfg.Path, "flag.db")
	}
	if cfg.Backend != "sqlite" {
		t.Fatalf("backend = %q, want %q", cfg.Backend, "sqlite")
	}
}

func TestParseConfigRejectsNilTarget(t *testing.T) {
	if err := ParseConfig[testConfig](nil); err == nil {
		t.Fatal("expected nil target error")
	}
}

func TestParseArgsRejectsNilParser(t *testing.T) {
	if err := ParseArgs(nil, []string{}); err == nil {
		t.Fatal("expected parse args to reject nil parser")
	}
}

func TestRunWithTelemetryRejectsMissingInputs(t *testing.T) {
	if err := RunWithTelemetry(context.Background(), "", func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected missing service error")
	}
	if err := RunWithTelemetry(context.Background(), ServiceEventlog, nil); err == nil {
		t.Fatal("expected missing run function error")
	}
}

func TestRunWithTelemetryReturnsRunError(t *testing.T) {
	t.Setenv("EVENTLOG_OTEL_ENDPOINT", "")
	want := errors.New("boom")
	called := false
	err := RunWithTelemetry(context.Background(), ServiceEventlog, func(context.Context) error {
		called = true
		return want
	})
	if !called {
		t.Fatal("expected run function to be called")
	}
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}
