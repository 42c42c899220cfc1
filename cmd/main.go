package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	grpcapi "ai-voice-session-service/internal/api/grpc"
	"ai-voice-session-service/internal/app"
	"ai-voice-session-service/internal/config"
	"ai-voice-session-service/internal/observability"
)

func main() {
	envErr := godotenv.Load()

	cfg := config.Load()
	application := app.New(cfg)
	if envErr != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}
	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	agent, err := app.NewAgent(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build agent")
	}
	agent.Start()

	// Room websocket, egress API, health and metrics share one listener.
	httpServer := observability.NewServer(cfg.Service.HTTPAddr, agent.Ready, agent.Mount)
	if err := httpServer.Start(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Service.HTTPAddr).Msg("Failed to start HTTP server")
	}

	var metricsServer *observability.Server
	if addr := cfg.Observability.MetricsAddr; addr != "" && addr != cfg.Service.HTTPAddr {
		metricsServer = observability.NewServer(addr, nil)
		if err := metricsServer.Start(); err != nil {
			log.Fatal().Err(err).Str("addr", addr).Msg("Failed to start metrics server")
		}
	}

	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.Service.GRPCPort).Msg("Failed to listen")
	}
	grpcServer := grpcapi.New()
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error().Err(err).Msg("gRPC serve failed")
		}
	}()

	healthCtx, stopHealth := context.WithCancel(context.Background())
	go grpcServer.Track(healthCtx, 10*time.Second, agent.Ready)

	log.Info().
		Str("http", cfg.Service.HTTPAddr).
		Str("grpc", cfg.Service.GRPCPort).
		Str("room", cfg.Transport.Room).
		Msg("Voice agent started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	application.Shutdown()
	stopHealth()
	grpcServer.GracefulStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	agent.Close()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(ctx)
	}
}
