package observability

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"ai-voice-session-service/internal/observability/metrics"
)

const healthPrefix = "/grpc.health.v1.Health/"

// callEvent picks the log level for a finished call. Probes are frequent,
// so successful health calls only show at debug.
func callEvent(ctx context.Context, method string, err error) *zerolog.Event {
	ev := log.Info()
	switch {
	case err != nil && status.Code(err) == codes.Internal:
		ev = log.Error()
	case strings.HasPrefix(method, healthPrefix):
		ev = log.Debug()
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		ev = ev.Str("peer", p.Addr.String())
	}
	return ev.Str("method", method)
}

// recovered turns a handler panic into codes.Internal.
func recovered(method string, err *error) {
	if r := recover(); r != nil {
		log.Error().Interface("panic", r).Str("method", method).Msg("gRPC handler panicked")
		*err = status.Errorf(codes.Internal, "internal error")
	}
}

// UnaryServerInterceptor returns a gRPC unary interceptor for logging.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		start := time.Now()
		defer func() {
			callEvent(ctx, info.FullMethod, err).
				Str("code", status.Code(err).String()).
				Dur("duration", time.Since(start)).
				Msg("gRPC unary call")
		}()
		defer recovered(info.FullMethod, &err)

		return handler(ctx, req)
	}
}

// StreamServerInterceptor returns a gRPC stream interceptor for metrics and logging.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) (err error) {
		start := time.Now()
		m.RecordStreamStart()
		defer func() {
			duration := time.Since(start)
			m.RecordStreamEnd(err == nil, duration.Seconds())
			callEvent(ss.Context(), info.FullMethod, err).
				Str("code", status.Code(err).String()).
				Dur("duration", duration).
				Bool("success", err == nil).
				Msg("gRPC stream completed")
		}()
		defer recovered(info.FullMethod, &err)

		return handler(srv, ss)
	}
}
