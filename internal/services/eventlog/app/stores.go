package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
	boltstore "github.com/louisbranch/eventlog/internal/services/eventlog/storage/bbolt"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage/memory"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage/postgres"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage/sqlite"
)

// Storage backends.
const (
	BackendBbolt    = "bbolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// StoreConfig selects and configures one backend.
type StoreConfig struct {
	Backend         string
	BboltPath       string
	SQLitePath      string
	PostgresDSN     string
	PageSize        int
	RepairThreshold int
	Logf            func(string, ...any)
}

// OpenStore opens the configured backend.
func OpenStore(ctx context.Context, cfg StoreConfig, registry *event.Registry) (storage.Store, error) {
	opts := []storage.Option{
		storage.WithPageSize(cfg.PageSize),
		storage.WithRepairThreshold(cfg.RepairThreshold),
		storage.WithLogf(cfg.Logf),
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendBbolt:
		if err := ensureDir(cfg.BboltPath); err != nil {
			return nil, err
		}
		store, err := boltstore.Open(cfg.BboltPath, registry, opts...)
		if err != nil {
			return nil, fmt.Errorf("open bbolt store: %w", err)
		}
		return store, nil
	case BackendSQLite:
		if err := ensureDir(cfg.SQLitePath); err != nil {
			return nil, err
		}
		store, err := sqlite.Open(cfg.SQLitePath, registry, opts...)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case BackendPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN, registry, opts...)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	case BackendMemory:
		return memory.New(registry, opts...), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func ensureDir(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("store path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}
