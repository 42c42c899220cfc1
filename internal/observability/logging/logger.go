// Package logging provides structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string // RFC3339, Unix, etc.
	Service    string
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global zerolog logger.
func Init(cfg Config) {
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.Kitchen,
		}
	}

	ctx := zerolog.New(output).With().Timestamp().Caller()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	log.Logger = ctx.Logger()
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	return log.Logger
}

// WithComponent returns a logger with a component tag.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}

// WithSession returns a logger scoped to one participant in a room.
func WithSession(component, room, identity string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("room", room).
		Str("identity", identity).
		Logger()
}

// WithSegment returns a logger with segment context.
func WithSegment(component, room, segmentID string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("room", room).
		Str("segmentId", segmentID).
		Logger()
}

// WithRecording returns a logger with recording context.
func WithRecording(recordingID, egressID string) zerolog.Logger {
	return log.With().
		Str("component", "recording").
		Str("recordingId", recordingID).
		Str("egressId", egressID).
		Logger()
}
