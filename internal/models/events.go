// Package models defines the data structures shared by the transport,
// reconciler, controller and recording components.
package models

import "time"

// Role tags a participant as a human user or the backend agent.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// TranscriptionEvent is one speech-recognition update for a segment.
type TranscriptionEvent struct {
	SegmentID     string `json:"segmentId"`
	Text          string `json:"text"`
	IsFinal       bool   `json:"isFinal"`
	ParticipantID string `json:"participantId"`
	Role          Role   `json:"role"`
}

// ImmediateTextEvent is one chunk of assistant text streamed ahead of TTS.
type ImmediateTextEvent struct {
	SegmentID     string `json:"segmentId"`
	Text          string `json:"text"`
	ParticipantID string `json:"participantId"`
	Role          Role   `json:"role"`
	Model         string `json:"model,omitempty"`
	Intent        string `json:"intent,omitempty"`
	ResponseType  string `json:"responseType,omitempty"`
	// Final marks the closing chunk of a segment.
	Final bool `json:"final,omitempty"`
}

// NotificationType enumerates session lifecycle signals.
type NotificationType string

const (
	NotificationSessionReady   NotificationType = "session_ready"
	NotificationSessionWarning NotificationType = "session_warning"
	NotificationSessionTimeout NotificationType = "session_timeout"
)

// Timeout reasons.
const (
	ReasonMaxDuration = "max_duration"
	ReasonInactivity  = "inactivity"
)

// SessionNotificationEvent is a lifecycle signal from the agent side or the
// local voice activity gate.
type SessionNotificationEvent struct {
	Type             NotificationType `json:"type"`
	SessionID        string           `json:"sessionId"`
	ParticipantID    string           `json:"participantId,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
	RemainingSeconds int              `json:"remainingSeconds,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	IdleDuration     float64          `json:"idleDuration,omitempty"`
}

// ConnectionStatus is the state of the transport connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)
