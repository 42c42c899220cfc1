// Package stt defines the interface for Speech-to-Text adapters.
package stt

import (
	"context"
	"fmt"
)

// Callback receives transcript results from the STT provider.
type Callback interface {
	// OnPartial is called when an interim/partial transcript is received.
	OnPartial(text string)

	// OnFinal is called when a final transcript is received.
	OnFinal(text string, confidence float64)

	// OnEndOfUtterance is called when the provider detects the speaker stopped.
	OnEndOfUtterance()

	// OnError is called when an error occurs during transcription.
	OnError(err error)
}

// Adapter defines the interface for STT providers.
type Adapter interface {
	// Start begins a streaming transcription session.
	Start(ctx context.Context, cb Callback) error

	// SendAudio sends s16le PCM audio to the STT provider.
	SendAudio(ctx context.Context, audio []byte) error

	// Close ends the session and releases resources.
	Close() error
}

// Factory creates an adapter for a provider name taken from participant
// metadata.
type Factory func(ctx context.Context, provider string) (Adapter, error)

// ErrUnsupportedProvider is wrapped by factories for unknown provider names.
var ErrUnsupportedProvider = fmt.Errorf("unsupported stt provider")
