// Package store persists recordings.
package store

import (
	"context"

	"ai-voice-session-service/internal/models"
)

// Repository defines recording persistence.
type Repository interface {
	// SaveRecording inserts or replaces a recording.
	SaveRecording(ctx context.Context, rec *models.Recording) error

	// GetRecording returns the recording, or nil when it does not exist.
	GetRecording(ctx context.Context, id string) (*models.Recording, error)

	// ListRecordings returns all recordings, newest first.
	ListRecordings(ctx context.Context) ([]*models.Recording, error)

	// UpdateWaveform stores extracted waveform data.
	UpdateWaveform(ctx context.Context, id string, waveform []float64) error

	// DeleteRecording removes the row. Deleting a missing row is not an error.
	DeleteRecording(ctx context.Context, id string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
