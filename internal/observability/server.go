// Package observability provides the health/metrics HTTP server and gRPC
// interceptors shared by both binaries.
package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ReadinessFunc reports whether the process can serve traffic.
type ReadinessFunc func() error

// Server provides HTTP endpoints for observability and any mounted routes.
type Server struct {
	server *http.Server
	addr   string
	ready  ReadinessFunc
}

// NewServer creates an HTTP server exposing /metrics, /healthz and /readyz.
// Each mount function may register additional routes on the same router.
func NewServer(addr string, ready ReadinessFunc, mounts ...func(chi.Router)) *Server {
	s := &Server{addr: addr, ready: ready}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready != nil {
			if err := s.ready(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	for _, mount := range mounts {
		mount(r)
	}

	s.server = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server in a goroutine. The listener is bound before
// Start returns so bind errors surface to the caller.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP server")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Str("addr", s.addr).Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
