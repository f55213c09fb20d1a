package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func TestWaitForHealthServing(t *testing.T) {
	addr, _, stop := startHealthServer(t, "eventlog.publisher")
	defer stop()

	conn := dialHealthServer(t, addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := WaitForHealth(ctx, conn, "", nil); err != nil {
		t.Fatalf("wait for health: %v", err)
	}
}

func TestHealthReporterOverallFollowsComponents(t *testing.T) {
	addr, reporter, stop := startHealthServer(t, "eventlog.publisher", "eventlog.sweeper")
	defer stop()

	conn := dialHealthServer(t, addr)
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	reporter.SetServing("eventlog.sweeper", false)
	if got := checkStatus(t, client, ""); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("overall status = %s, want NOT_SERVING", got)
	}
	if got := checkStatus(t, client, "eventlog.publisher"); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("publisher status = %s, want SERVING", got)
	}

	reporter.SetServing("eventlog.sweeper", true)
	if got := checkStatus(t, client, ""); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("overall status = %s, want SERVING", got)
	}
}

func TestWaitForHealthTransitionsToServing(t *testing.T) {
	addr, reporter, stop := startHealthServer(t, "eventlog.publisher")
	defer stop()
	reporter.SetServing("eventlog.publisher", false)

	conn := dialHealthServer(t, addr)
	defer conn.Close()

	go func() {
		time.Sleep(200 * time.Millisecond)
		reporter.SetServing("eventlog.publisher", true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := WaitForHealth(ctx, conn, "", nil); err != nil {
		t.Fatalf("wait for health after transition: %v", err)
	}
}

func TestWaitForHealthRespectsContext(t *testing.T) {
	addr, reporter, stop := startHealthServer(t, "eventlog.publisher")
	defer stop()
	reporter.SetServing("eventlog.publisher", false)

	conn := dialHealthServer(t, addr)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := WaitForHealth(ctx, conn, "", nil); err == nil {
		t.Fatal("expected context error, got nil")
	}
}

func TestHealthReporterNilIsSafe(t *testing.T) {
	var reporter *HealthReporter
	reporter.SetServing("x", true)
	reporter.Shutdown()
}

func checkStatus(t *testing.T, client grpc_health_v1.HealthClient, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("health check %q: %v", service, err)
	}
	return resp.GetStatus()
}

func startHealthServer(t *testing.T, components ...string) (string, *HealthReporter, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	grpcServer := NewServer()
	reporter := NewHealthReporter(grpcServer, components...)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()

	stop := func() {
		grpcServer.GracefulStop()
		_ = listener.Close()
		select {
		case <-serveErr:
		case <-time.After(2 * time.Second):
		}
	}

	return listener.Addr().String(), reporter, stop
}

func dialHealthServer(t *testing.T, addr string) *gogrpc.ClientConn {
	t.Helper()

	conn, err := gogrpc.NewClient(
		addr,
		gogrpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial health server: %v", err)
	}

	return conn
}
