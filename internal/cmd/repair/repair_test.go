package repair

import (
	"bytes"
	"context"
	"flag"
	"path/filepath"
	"strings"
	"testing"

	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event/eventtest"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
	boltstore "github.com/louisbranch/eventlog/internal/services/eventlog/storage/bbolt"
)

func TestParseConfigDefaultsAndFlags(t *testing.T) {
	t.Setenv("EVENTLOG_REPAIR_MISSING_THRESHOLD", "50")
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-path", "other.db", "-v"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Path != "other.db" {
		t.Fatalf("path = %q, want other.db", cfg.Path)
	}
	if cfg.Threshold != 50 {
		t.Fatalf("threshold = %d, want 50", cfg.Threshold)
	}
	if !cfg.Verbose {
		t.Fatal("expected verbose")
	}
}

func TestParseConfigRejectsEmptyPath(t *testing.T) {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"-path", " "}); err == nil {
		t.Fatal("expected path error")
	}
}

func TestRunReportsCleanJournal(t *testing.T) {
	t.Setenv("EVENTLOG_OTEL_ENDPOINT", "")
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := boltstore.Open(path, eventtest.NewRegistry(), storage.WithLogf(func(string, ...any) {}))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	id := event.NewStreamID("tenant-1", "acct-1")
	if _, err := store.Append(context.Background(), id, eventtest.Deposits(4)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	var out bytes.Buffer
	if err := Run(context.Background(), Config{Path: path, Threshold: 10}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "last confirmed sequence: 4") {
		t.Fatalf("output = %q, want last confirmed 4", out.String())
	}
	if !strings.Contains(out.String(), "removed entries: 0") {
		t.Fatalf("output = %q, want nothing removed", out.String())
	}
}

func TestRunRequiresWriter(t *testing.T) {
	if err := Run(context.Background(), Config{Path: "x.db"}, nil); err == nil {
		t.Fatal("expected writer error")
	}
}
