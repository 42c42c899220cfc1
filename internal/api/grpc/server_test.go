package grpcapi

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startServer(t *testing.T) (*Server, grpc_health_v1.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := New()
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.GracefulStop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return s, grpc_health_v1.NewHealthClient(conn)
}

func check(t *testing.T, c grpc_health_v1.HealthClient, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.GetStatus()
}

func TestServer_ServingByDefault(t *testing.T) {
	_, c := startServer(t)

	for _, svc := range []string{"", ServiceName} {
		if got := check(t, c, svc); got != grpc_health_v1.HealthCheckResponse_SERVING {
			t.Errorf("service %q: expected SERVING, got %v", svc, got)
		}
	}
}

func TestServer_SetServing(t *testing.T) {
	s, c := startServer(t)

	s.SetServing(false)
	if got := check(t, c, ServiceName); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING, got %v", got)
	}
	s.SetServing(true)
	if got := check(t, c, ""); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %v", got)
	}
}

func TestServer_TrackFollowsReadiness(t *testing.T) {
	s, c := startServer(t)

	var down atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Track(ctx, 5*time.Millisecond, func() error {
		if down.Load() {
			return errors.New("redis unreachable")
		}
		return nil
	})

	down.Store(true)
	waitStatus(t, c, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	down.Store(false)
	waitStatus(t, c, grpc_health_v1.HealthCheckResponse_SERVING)
}

func waitStatus(t *testing.T, c grpc_health_v1.HealthClient, want grpc_health_v1.HealthCheckResponse_ServingStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check(t, c, ServiceName) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never became %v", want)
}
