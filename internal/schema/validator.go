// Package schema validates and decodes structured payloads carried on
// room data topics.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"ai-voice-session-service/internal/models"
)

var (
	// ErrMalformed is returned for payloads that are not valid JSON objects.
	ErrMalformed = errors.New("malformed payload")
	// ErrUnknownType is returned for notification types outside the known set.
	ErrUnknownType = errors.New("unknown notification type")
	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("missing required field")
)

// NotificationPayload is the wire form of a session notification on
// lk.vad_status. Timestamp is Unix seconds.
type NotificationPayload struct {
	Type             string   `json:"type"`
	SessionID        string   `json:"session_id"`
	Timestamp        float64  `json:"timestamp"`
	RemainingSeconds *int     `json:"remaining_seconds,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	IdleDuration     *float64 `json:"idle_duration,omitempty"`
}

// Validator checks notification payloads.
type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks a decoded payload against the notification rules.
func (v *Validator) Validate(p NotificationPayload) error {
	switch models.NotificationType(p.Type) {
	case models.NotificationSessionReady:
	case models.NotificationSessionWarning:
		if p.RemainingSeconds == nil {
			return fmt.Errorf("%w: remaining_seconds", ErrMissingField)
		}
	case models.NotificationSessionTimeout:
		if p.Reason == "" {
			return fmt.Errorf("%w: reason", ErrMissingField)
		}
	case "":
		return fmt.Errorf("%w: type", ErrMissingField)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
	return nil
}

// DecodeNotification parses and validates a lk.vad_status payload.
func (v *Validator) DecodeNotification(data []byte) (models.SessionNotificationEvent, error) {
	var p NotificationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.SessionNotificationEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := v.Validate(p); err != nil {
		return models.SessionNotificationEvent{}, err
	}

	ev := models.SessionNotificationEvent{
		Type:      models.NotificationType(p.Type),
		SessionID: p.SessionID,
		Reason:    p.Reason,
	}
	if p.Timestamp > 0 {
		sec, frac := math.Modf(p.Timestamp)
		ev.Timestamp = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	if p.RemainingSeconds != nil {
		ev.RemainingSeconds = *p.RemainingSeconds
	}
	if p.IdleDuration != nil {
		ev.IdleDuration = *p.IdleDuration
	}
	return ev, nil
}

// EncodeNotification renders ev in the lk.vad_status wire form.
func EncodeNotification(ev models.SessionNotificationEvent) ([]byte, error) {
	p := NotificationPayload{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		Reason:    ev.Reason,
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	p.Timestamp = float64(ts.UnixNano()) / 1e9

	switch ev.Type {
	case models.NotificationSessionWarning:
		remaining := ev.RemainingSeconds
		p.RemainingSeconds = &remaining
	case models.NotificationSessionTimeout:
		if ev.IdleDuration > 0 {
			idle := ev.IdleDuration
			p.IdleDuration = &idle
		}
	}
	return json.Marshal(p)
}
