package postgres

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event/eventtest"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage/storagetest"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
	container     *postgres.PostgresContainer
)

// testDSN returns EVENTLOG_TEST_PG_DSN when set, otherwise starts one
// Postgres container for the package.
func testDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	if dsn := os.Getenv("EVENTLOG_TEST_PG_DSN"); dsn != "" {
		return dsn
	}
	if os.Getenv("EVENTLOG_INTEGRATION") != "1" {
		t.Skip("set EVENTLOG_INTEGRATION=1 or EVENTLOG_TEST_PG_DSN to run postgres tests")
	}
	containerOnce.Do(func() {
		ctx := context.Background()
		container, containerErr = postgres.Run(ctx,
			"postgres:16",
			postgres.WithDatabase("eventlog"),
			postgres.WithUsername("eventlog"),
			postgres.WithPassword("eventlog"),
			postgres.BasicWaitStrategies(),
		)
		if containerErr != nil {
			return
		}
		containerDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Fatalf("start postgres container: %v", containerErr)
	}
	return containerDSN
}

func TestMain(m *testing.M) {
	code := m.Run()
	if container != nil {
		_ = container.Terminate(context.Background())
	}
	os.Exit(code)
}

func TestStoreSuite(t *testing.T) {
	dsn := testDSN(t)
	storagetest.Run(t, func(t *testing.T, opts ...storage.Option) storage.Store {
		store, err := Open(context.Background(), dsn, eventtest.NewRegistry(), opts...)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestOpenRequiresDSNAndRegistry(t *testing.T) {
	if _, err := Open(context.Background(), " ", eventtest.NewRegistry()); err == nil {
		t.Fatal("expected dsn error")
	}
	if _, err := Open(context.Background(), "postgres://localhost/eventlog", nil); err == nil {
		t.Fatal("expected registry error")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if isUniqueViolation(nil) {
		t.Fatal("nil error is not a unique violation")
	}
	if isUniqueViolation(context.Canceled) {
		t.Fatal("context.Canceled is not a unique violation")
	}
}
