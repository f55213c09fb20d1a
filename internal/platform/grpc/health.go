package grpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// NewServer returns a gRPC server with OTel stats instrumentation. When no
// TracerProvider is registered the handler is a no-op.
func NewServer(opts ...gogrpc.ServerOption) *gogrpc.Server {
	opts = append([]gogrpc.ServerOption{gogrpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	return gogrpc.NewServer(opts...)
}

// HealthReporter publishes per-component serving status on the standard
// gRPC health service. The overall ("") status is SERVING only while every
// registered component is serving.
type HealthReporter struct {
	server *health.Server

	mu         sync.Mutex
	components map[string]bool
}

// NewHealthReporter registers the health service on srv and marks every
// component as serving.
func NewHealthReporter(srv *gogrpc.Server, components ...string) *HealthReporter {
	reporter := &HealthReporter{
		server:     health.NewServer(),
		components: make(map[string]bool, len(components)),
	}
	if srv != nil {
		grpc_health_v1.RegisterHealthServer(srv, reporter.server)
	}
	for _, component := range components {
		reporter.components[component] = true
		reporter.server.SetServingStatus(component, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	reporter.server.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return reporter
}

// SetServing updates one component's status and recomputes the overall status.
func (r *HealthReporter) SetServing(component string, serving bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.components[component] = serving
	r.server.SetServingStatus(component, servingStatus(serving))

	overall := true
	for _, ok := range r.components {
		overall = overall && ok
	}
	r.server.SetServingStatus("", servingStatus(overall))
}

// Shutdown flips every status to NOT_SERVING and ignores later updates.
func (r *HealthReporter) Shutdown() {
	if r == nil {
		return
	}
	r.server.Shutdown()
}

func servingStatus(serving bool) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if serving {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}

// WaitForHealth blocks until the gRPC health check reports SERVING or the context ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	backoff := 50 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			return nil
		}
		if logf != nil {
			if err != nil {
				logf("waiting for gRPC health: %v", err)
			} else {
				logf("waiting for gRPC health: status %s", response.GetStatus().String())
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}
