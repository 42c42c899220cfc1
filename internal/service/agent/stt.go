package agent

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"ai-voice-session-service/internal/service/stt"
	"ai-voice-session-service/internal/service/stt/google"
	"ai-voice-session-service/internal/service/stt/mock"
)

// NewSTTFactory returns a factory for the providers this service can run.
// Providers a client may select but that have no adapter here fall back
// to defaultProvider.
func NewSTTFactory(defaultProvider string, googleCfg google.Config, mockOpts mock.Options) stt.Factory {
	var factory stt.Factory
	factory = func(ctx context.Context, provider string) (stt.Adapter, error) {
		if provider == "" {
			provider = defaultProvider
		}
		switch provider {
		case "mock":
			return mock.NewWithOptions(mockOpts), nil
		case "google":
			return google.New(ctx, googleCfg)
		case "deepgram", "elevenlabs":
			if defaultProvider == provider {
				return nil, fmt.Errorf("%w: %s", stt.ErrUnsupportedProvider, provider)
			}
			log.Warn().
				Str("requested", provider).
				Str("using", defaultProvider).
				Msg("STT provider not available, using default")
			return factory(ctx, defaultProvider)
		default:
			return nil, fmt.Errorf("%w: %s", stt.ErrUnsupportedProvider, provider)
		}
	}
	return factory
}
