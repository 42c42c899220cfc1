package agent

import (
	"context"
	"errors"
	"testing"

	"ai-voice-session-service/internal/service/stt"
	"ai-voice-session-service/internal/service/stt/google"
	"ai-voice-session-service/internal/service/stt/mock"
)

func TestSTTFactory(t *testing.T) {
	factory := NewSTTFactory("mock", google.Config{}, mock.DefaultOptions())

	tests := []struct {
		name     string
		provider string
		wantErr  bool
	}{
		{"default", "", false},
		{"mock", "mock", false},
		{"deepgram falls back", "deepgram", false},
		{"elevenlabs falls back", "elevenlabs", false},
		{"unknown", "whisper-9000", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := factory(context.Background(), tt.provider)
			if tt.wantErr {
				if !errors.Is(err, stt.ErrUnsupportedProvider) {
					t.Errorf("expected ErrUnsupportedProvider, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, ok := a.(*mock.Adapter); !ok {
				t.Errorf("expected mock adapter, got %T", a)
			}
		})
	}
}

func TestSTTFactory_FallbackProviderItselfUnavailable(t *testing.T) {
	factory := NewSTTFactory("deepgram", google.Config{}, mock.DefaultOptions())
	if _, err := factory(context.Background(), ""); !errors.Is(err, stt.ErrUnsupportedProvider) {
		t.Errorf("expected ErrUnsupportedProvider, got %v", err)
	}
}
