// Package app wires the event log service: one store, one notification
// destination, the publish and sweep loops, the feed HTTP server, and the
// gRPC health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	platformgrpc "github.com/louisbranch/eventlog/internal/platform/grpc"
	"github.com/louisbranch/eventlog/internal/platform/loop"
	"github.com/louisbranch/eventlog/internal/platform/timeouts"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/event"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/process"
	"github.com/louisbranch/eventlog/internal/services/eventlog/domain/publisher"
	"github.com/louisbranch/eventlog/internal/services/eventlog/notification"
	"github.com/louisbranch/eventlog/internal/services/eventlog/storage"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Health components reported on the gRPC health service.
const (
	ComponentPublisher = "eventlog.publisher"
	ComponentSweeper   = "eventlog.sweeper"
)

const (
	defaultPort            = 8095
	defaultHTTPAddr        = ":8096"
	defaultDestination     = "eventlog"
	defaultPublishInterval = 2 * time.Second
	defaultSweepInterval   = 10 * time.Second
	defaultRetryInterval   = time.Minute
	defaultTimedOutType    = event.Type("process.timed_out")
)

// RuntimeConfig controls service startup.
type RuntimeConfig struct {
	Port                int
	HTTPAddr            string
	Store               StoreConfig
	Transport           TransportConfig
	Destination         string
	NotificationsPerLog int
	PublishInterval     time.Duration
	SweepInterval       time.Duration
	Process             ProcessDefaults
	Logf                func(string, ...any)
}

func (cfg RuntimeConfig) normalized() RuntimeConfig {
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}
	if strings.TrimSpace(cfg.Destination) == "" {
		cfg.Destination = defaultDestination
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = defaultPublishInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Process.RetryInterval <= 0 {
		cfg.Process.RetryInterval = defaultRetryInterval
	}
	if strings.TrimSpace(string(cfg.Process.TimedOutType)) == "" {
		cfg.Process.TimedOutType = defaultTimedOutType
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	if cfg.Store.Logf == nil {
		cfg.Store.Logf = cfg.Logf
	}
	if cfg.Transport.Logf == nil {
		cfg.Transport.Logf = cfg.Logf
	}
	return cfg
}

// NewRegistry returns the registry of every event type the service stores.
func NewRegistry(timedOutType event.Type) (*event.Registry, error) {
	registry := event.NewRegistry()
	if err := process.RegisterEvents(registry, timedOutType); err != nil {
		return nil, fmt.Errorf("register process events: %w", err)
	}
	return registry, nil
}

// Run opens the store and transport, listens on the configured ports, and
// serves until ctx is done.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.normalized()
	logf := cfg.Logf

	registry, err := NewRegistry(cfg.Process.TimedOutType)
	if err != nil {
		return err
	}
	store, err := OpenStore(ctx, cfg.Store, registry)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logf("close event store: %v", closeErr)
		}
	}()

	transport, closeTransport, err := OpenTransport(cfg.Transport)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeTransport(); closeErr != nil {
			logf("close notification transport: %v", closeErr)
		}
	}()

	runtime, err := New(cfg, store, transport)
	if err != nil {
		return err
	}

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on health port %d: %w", cfg.Port, err)
	}
	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		grpcListener.Close()
		return fmt.Errorf("listen on feed address %s: %w", cfg.HTTPAddr, err)
	}
	logf("eventlog health listening at %v, feed at %v (backend %s, transport %s)",
		grpcListener.Addr(), httpListener.Addr(), cfg.Store.Backend, cfg.Transport.Kind)
	return runtime.Serve(ctx, grpcListener, httpListener)
}

// Runtime holds the wired components of a running service.
type Runtime struct {
	logf        func(string, ...any)
	publisher   *notification.Publisher
	sweeper     *process.Sweeper
	publishLoop *loop.Periodic
	sweepLoop   *loop.Periodic
	grpcServer  *grpc.Server
	health      *platformgrpc.HealthReporter
	httpServer  *http.Server
}

// New wires the service around an open store and transport.
func New(cfg RuntimeConfig, store storage.Store, transport notification.Transport) (*Runtime, error) {
	if store == nil {
		return nil, errors.New("event store is required")
	}
	cfg = cfg.normalized()
	r := &Runtime{logf: cfg.Logf}

	var err error
	r.publisher, err = notification.NewPublisher(store, store, transport, cfg.Destination,
		notification.WithLogf(cfg.Logf))
	if err != nil {
		return nil, fmt.Errorf("create publisher: %w", err)
	}
	recorder := outcomeRecorder{events: store}
	r.sweeper, err = process.NewSweeper(store, recorder.Record, process.WithLogf(cfg.Logf))
	if err != nil {
		return nil, fmt.Errorf("create sweeper: %w", err)
	}
	logs, err := notification.NewLogFactory(store, cfg.NotificationsPerLog)
	if err != nil {
		return nil, fmt.Errorf("create notification logs: %w", err)
	}

	r.grpcServer = platformgrpc.NewServer()
	r.health = platformgrpc.NewHealthReporter(r.grpcServer, ComponentPublisher, ComponentSweeper)

	r.publishLoop = notification.NewLoop(r.publisher, cfg.PublishInterval, cfg.Logf, func(err error) {
		r.health.SetServing(ComponentPublisher, err == nil)
	})
	r.sweepLoop = &loop.Periodic{
		Name:     "sweep processes",
		Interval: cfg.SweepInterval,
		Work:     r.sweep,
		OnResult: func(err error) { r.health.SetServing(ComponentSweeper, err == nil) },
		Logf:     cfg.Logf,
	}

	mux := http.NewServeMux()
	feed := notification.NewHandler(logs, cfg.Logf)
	mux.Handle("/notifications", feed)
	mux.Handle("/notifications/", feed)
	newProcessHandler(store, cfg.Process, cfg.Logf).register(mux)
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	return r, nil
}

// sweep runs one sweep with a fresh bus that logs every outcome.
func (r *Runtime) sweep(ctx context.Context) error {
	bus := publisher.New()
	bus.Subscribe(event.AnyType, func(_ context.Context, evt event.DomainEvent) {
		r.logf("process outcome %s at %s", evt.EventType(), evt.OccurredOn().Format(time.RFC3339))
	})
	result, err := r.sweeper.Sweep(publisher.WithBus(ctx, bus))
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		return fmt.Errorf("%d process outcomes were not recorded", result.Failed)
	}
	return nil
}

// PublishNow runs one publish cycle outside the ticker.
func (r *Runtime) PublishNow(ctx context.Context) error {
	return r.publishLoop.Trigger(ctx)
}

// SweepNow runs one sweep outside the ticker.
func (r *Runtime) SweepNow(ctx context.Context) error {
	return r.sweepLoop.Trigger(ctx)
}

// Serve runs the loops and both servers until ctx is done or one of them
// fails, then shuts everything down.
func (r *Runtime) Serve(ctx context.Context, grpcListener, httpListener net.Listener) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := r.grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve health: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := r.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve feed: %w", err)
		}
		return nil
	})
	group.Go(func() error { return r.publishLoop.Run(groupCtx) })
	group.Go(func() error { return r.sweepLoop.Run(groupCtx) })
	group.Go(func() error {
		<-groupCtx.Done()
		r.health.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		err := r.httpServer.Shutdown(shutdownCtx)
		r.grpcServer.GracefulStop()
		if err != nil {
			return fmt.Errorf("shutdown feed: %w", err)
		}
		return nil
	})
	return group.Wait()
}
