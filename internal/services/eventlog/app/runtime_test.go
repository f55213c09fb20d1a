package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	platformgrpc "github.com/louisbranch/eventlog/internal/platform/grpc"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/process"
	"github.com/louisbranch/eventlog/internal/services/eventlog/notification"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []notification.Notification
}

func (r *recordingTransport) Send(_ context.Context, n notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingTransport) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func quiet(string, ...any) {}

func newTestRuntime(t *testing.T) (*Runtime, storage.Store, *recordingTransport) {
	t.Helper()
	registry, err := NewRegistry(defaultTimedOutType)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	store := memory.New(registry)
	transport := &recordingTransport{}
	runtime, err := New(RuntimeConfig{
		Destination:     "test-feed",
		PublishInterval: time.Hour,
		SweepInterval:   time.Hour,
		Process:         ProcessDefaults{RetryInterval: time.Minute, TotalRetries: 0},
		Logf:            quiet,
	}, store, transport)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	return runtime, store, transport
}

func addExpiredTracker(t *testing.T, store storage.Store, processID string, totalRetries int) process.Tracker {
	t.Helper()
	tracker, err := process.New("tenant-1", processID, "provision account", time.Now().Add(-2*time.Minute),
		time.Minute, totalRetries, defaultTimedOutType)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	if err := store.AddProcessTracker(context.Background(), &tracker); err != nil {
		t.Fatalf("add tracker: %v", err)
	}
	return tracker
}

func TestOpenStoreBackends(t *testing.T) {
	registry, err := NewRegistry(defaultTimedOutType)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     StoreConfig
		wantErr bool
	}{
		{name: "memory", cfg: StoreConfig{Backend: BackendMemory}},
		{name: "bbolt", cfg: StoreConfig{Backend: BackendBbolt, BboltPath: filepath.Join(dir, "bolt", "events.db")}},
		{name: "sqlite", cfg: StoreConfig{Backend: BackendSQLite, SQLitePath: filepath.Join(dir, "sqlite", "events.db")}},
		{name: "bbolt without path", cfg: StoreConfig{Backend: BackendBbolt}, wantErr: true},
		{name: "postgres without dsn", cfg: StoreConfig{Backend: BackendPostgres}, wantErr: true},
		{name: "unknown", cfg: StoreConfig{Backend: "cassandra"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Logf = quiet
			store, err := OpenStore(context.Background(), tt.cfg, registry)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("open store: %v", err)
			}
			if err := store.Close(); err != nil {
				t.Fatalf("close store: %v", err)
			}
		})
	}
}

func TestOpenTransport(t *testing.T) {
	transport, closeTransport, err := OpenTransport(TransportConfig{Kind: TransportLog, Logf: quiet})
	if err != nil {
		t.Fatalf("open log transport: %v", err)
	}
	if err := transport.Send(context.Background(), notification.Notification{ID: 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := closeTransport(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, cfg := range []TransportConfig{
		{Kind: TransportRabbitMQ},
		{Kind: TransportKafka, KafkaTopic: "eventlog"},
		{Kind: "carrier-pigeon"},
	} {
		if _, closeTransport, err := OpenTransport(cfg); err == nil {
			t.Fatalf("%s: expected error", cfg.Kind)
		} else if closeTransport == nil {
			t.Fatalf("%s: close function is nil", cfg.Kind)
		}
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(RuntimeConfig{}, nil, &recordingTransport{}); err == nil {
		t.Fatal("expected missing store error")
	}
}

func TestSweepRecordsOutcomeInProcessStream(t *testing.T) {
	runtime, store, transport := newTestRuntime(t)
	tracker := addExpiredTracker(t, store, "signup-42", 0)

	if err := runtime.SweepNow(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	stream, err := store.ReadFull(context.Background(), ProcessStreamID("tenant-1", "signup-42"))
	if err != nil {
		t.Fatalf("read process stream: %v", err)
	}
	if stream.Version != 1 {
		t.Fatalf("stream version = %d, want 1", stream.Version)
	}
	if got := stream.Events[0].EventType(); got != defaultTimedOutType {
		t.Fatalf("event type = %s, want %s", got, defaultTimedOutType)
	}
	saved, err := store.GetProcessTracker(context.Background(), tracker.TrackerID)
	if err != nil {
		t.Fatalf("get tracker: %v", err)
	}
	if saved.Status() != process.StatusTimedOut {
		t.Fatalf("status = %s, want %s", saved.Status(), process.StatusTimedOut)
	}

	if err := runtime.PublishNow(context.Background()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if transport.count() != 1 {
		t.Fatalf("sent = %d, want 1", transport.count())
	}
}

func TestSweepRetryAppendsRetriedEvent(t *testing.T) {
	runtime, store, _ := newTestRuntime(t)
	addExpiredTracker(t, store, "invoice-7", 2)

	if err := runtime.SweepNow(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	stream, err := store.ReadFull(context.Background(), ProcessStreamID("tenant-1", "invoice-7"))
	if err != nil {
		t.Fatalf("read process stream: %v", err)
	}
	if got := stream.Events[0].EventType(); got != process.TypeRetried {
		t.Fatalf("event type = %s, want %s", got, process.TypeRetried)
	}
}

func TestProcessHandlerLifecycle(t *testing.T) {
	runtime, _, _ := newTestRuntime(t)
	handler := runtime.httpServer.Handler

	body, _ := json.Marshal(map[string]any{
		"tenantId":    "tenant-1",
		"processId":   "signup-1",
		"description": "welcome email",
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/processes", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("start status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var started processResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if started.Status != string(process.StatusActive) || started.TrackerID == "" {
		t.Fatalf("started = %+v, want active tracker", started)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/processes", bytes.NewReader(body)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want %d", rec.Code, http.StatusConflict)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/processes/tenant-1/signup-1/complete", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/processes/tenant-1", nil))
	var listed []processResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed) != 1 || listed[0].Status != string(process.StatusCompleted) {
		t.Fatalf("listed = %+v, want one completed process", listed)
	}
}

func TestProcessHandlerRejectsInvalidInput(t *testing.T) {
	runtime, _, _ := newTestRuntime(t)
	handler := runtime.httpServer.Handler
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed", body: "{", want: http.StatusBadRequest},
		{name: "missing description", body: `{"tenantId":"t","processId":"p"}`, want: http.StatusBadRequest},
		{name: "bad interval", body: `{"tenantId":"t","processId":"p","description":"d","retryInterval":"soon"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/processes", bytes.NewBufferString(tt.body)))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/processes/t/missing/complete", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("complete missing status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestServeExposesFeedAndHealthUntilCanceled(t *testing.T) {
	runtime, store, _ := newTestRuntime(t)
	addExpiredTracker(t, store, "signup-9", 0)

	grpcListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen grpc: %v", err)
	}
	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen http: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runtime.Serve(ctx, grpcListener, httpListener) }()

	conn, err := grpc.NewClient(grpcListener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial health: %v", err)
	}
	defer conn.Close()
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := platformgrpc.WaitForHealth(waitCtx, conn, ComponentPublisher, nil); err != nil {
		t.Fatalf("wait for health: %v", err)
	}

	// The first sweep runs as soon as the loop starts.
	var feed notification.Log
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + httpListener.Addr().String() + "/notifications")
		if err != nil {
			t.Fatalf("get feed: %v", err)
		}
		err = json.NewDecoder(resp.Body).Decode(&feed)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode feed: %v", err)
		}
		if len(feed.Notifications) == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(feed.Notifications) != 1 {
		t.Fatalf("notifications = %d, want 1", len(feed.Notifications))
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
