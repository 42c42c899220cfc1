package schema

import (
	"errors"
	"testing"
	"time"

	"ai-voice-session-service/internal/models"
)

func TestDecodeNotification(t *testing.T) {
	v := New()

	tests := []struct {
		name    string
		payload string
		wantErr error
		check   func(t *testing.T, ev models.SessionNotificationEvent)
	}{
		{
			name:    "ready",
			payload: `{"type":"session_ready","session_id":"session_ab12cd34","timestamp":1700000000.5}`,
			check: func(t *testing.T, ev models.SessionNotificationEvent) {
				if ev.Type != models.NotificationSessionReady {
					t.Errorf("expected session_ready, got %s", ev.Type)
				}
				if ev.SessionID != "session_ab12cd34" {
					t.Errorf("expected session id, got %q", ev.SessionID)
				}
				if ev.Timestamp.UnixMilli() != 1700000000500 {
					t.Errorf("unexpected timestamp %v", ev.Timestamp)
				}
			},
		},
		{
			name:    "warning",
			payload: `{"type":"session_warning","session_id":"s","remaining_seconds":5}`,
			check: func(t *testing.T, ev models.SessionNotificationEvent) {
				if ev.RemainingSeconds != 5 {
					t.Errorf("expected remaining 5, got %d", ev.RemainingSeconds)
				}
			},
		},
		{
			name:    "timeout",
			payload: `{"type":"session_timeout","session_id":"s","reason":"inactivity","idle_duration":60.2}`,
			check: func(t *testing.T, ev models.SessionNotificationEvent) {
				if ev.Reason != models.ReasonInactivity {
					t.Errorf("expected inactivity, got %q", ev.Reason)
				}
				if ev.IdleDuration != 60.2 {
					t.Errorf("expected idle 60.2, got %v", ev.IdleDuration)
				}
			},
		},
		{name: "malformed", payload: `{"type":`, wantErr: ErrMalformed},
		{name: "unknown type", payload: `{"type":"session_party"}`, wantErr: ErrUnknownType},
		{name: "missing type", payload: `{"session_id":"s"}`, wantErr: ErrMissingField},
		{name: "warning without remaining", payload: `{"type":"session_warning"}`, wantErr: ErrMissingField},
		{name: "timeout without reason", payload: `{"type":"session_timeout"}`, wantErr: ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := v.DecodeNotification([]byte(tt.payload))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, ev)
		})
	}
}

func TestEncodeNotification_DecodesBack(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := EncodeNotification(models.SessionNotificationEvent{
		Type:             models.NotificationSessionWarning,
		SessionID:        "session_1",
		Timestamp:        ts,
		RemainingSeconds: 0,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ev, err := New().DecodeNotification(data)
	if err != nil {
		t.Fatalf("a warning with zero seconds remaining must still validate: %v", err)
	}
	if !ev.Timestamp.Equal(ts) {
		t.Errorf("expected %v, got %v", ts, ev.Timestamp)
	}
}
