package session

import (
	"errors"
	"fmt"

	"ai-voice-session-service/internal/models"
)

// State is the voice session state.
type State int

const (
	// StateIdle: no voice session.
	StateIdle State = iota
	// StateRequesting: track published or being published, waiting for the
	// agent to report session_ready.
	StateRequesting
	// StateActive: the agent is listening.
	StateActive
	// StateWarning: active, with the turn or inactivity limit approaching.
	StateWarning
)

// ErrReadyTimeout is recorded when the agent never reports session_ready.
var ErrReadyTimeout = errors.New("agent did not become ready in time")

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequesting:
		return "REQUESTING"
	case StateActive:
		return "ACTIVE"
	case StateWarning:
		return "WARNING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Voice maps the state onto the conversation's voice indicator.
func (s State) Voice() models.VoiceState {
	switch s {
	case StateRequesting:
		return models.VoiceRequesting
	case StateActive, StateWarning:
		return models.VoiceActive
	default:
		return models.VoiceIdle
	}
}

// Warning reports whether the warning indicator is shown.
func (s State) Warning() bool {
	return s == StateWarning
}

// Running reports whether a voice session is requested or live.
func (s State) Running() bool {
	return s != StateIdle
}
