// Package app assembles the components of the two binaries.
package app

import (
	"time"

	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/config"
	"ai-voice-session-service/internal/observability/logging"
)

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Configuration
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Configuration) *Application {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("Voice session application created")
	return a
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	logging.Init(logging.Config{
		Level:      a.Cfg.Observability.LogLevel,
		Format:     a.Cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
		Service:    a.Cfg.Service.Name,
	})
	a.Logger = logging.WithComponent("application")

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("Logger setup completed")
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	if err := a.Cfg.Validate(); err != nil {
		startLogger.Error().Err(err).Msg("Invalid configuration")
		return err
	}

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Voice session service starting")

	return nil
}

// Shutdown performs a best-effort cleanup before process exit.
func (a *Application) Shutdown() {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().
		Dur("uptime", time.Since(a.StartupTime)).
		Msg("Voice session service shutting down")
}
