// Package grpcapi runs the agent's gRPC listener. It serves the standard
// health protocol, with the serving status following the agent's
// readiness, plus reflection for grpcurl.
package grpcapi

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"ai-voice-session-service/internal/observability"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/observability/metrics"
)

// ServiceName is the health service name reported for the voice agent.
const ServiceName = "ai.voice.session.Agent"

// Server wraps a grpc.Server with a health server.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// New creates a server with the logging and metrics interceptors. It
// reports SERVING until told otherwise.
func New() *Server {
	g := grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor()),
		grpc.StreamInterceptor(observability.StreamServerInterceptor(metrics.DefaultMetrics)),
	)

	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(g, hs)
	reflection.Register(g)

	s := &Server{grpc: g, health: hs, logger: logging.WithComponent("grpc")}
	s.SetServing(true)
	return s
}

// SetServing updates the overall and agent service status.
func (s *Server) SetServing(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_SERVING
	if !serving {
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Track polls ready every interval and mirrors the result into the health
// status until ctx ends.
func (s *Server) Track(ctx context.Context, interval time.Duration, ready func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ready()
			if now := err == nil; now != serving {
				serving = now
				s.SetServing(serving)
				s.logger.Info().Err(err).Bool("serving", serving).Msg("Health status changed")
			}
		}
	}
}

// Serve accepts connections on lis until GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Starting gRPC server")
	return s.grpc.Serve(lis)
}

// GracefulStop reports NOT_SERVING, then drains in-flight calls.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
