// Package segment provides segment ID generation and the lifecycle of one
// transcription segment.
package segment

import (
	"errors"
	"fmt"
)

// State represents the lifecycle state of a segment.
type State int

const (
	// StateOpen accepts interim transcripts.
	StateOpen State = iota
	// StateFinalEmitted has published its final transcript.
	StateFinalEmitted
	// StateClosed ended normally at an utterance boundary.
	StateClosed
	// StateDropped was abandoned without a final transcript.
	StateDropped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateFinalEmitted:
		return "FINAL_EMITTED"
	case StateClosed:
		return "CLOSED"
	case StateDropped:
		return "DROPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is CLOSED or DROPPED.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateDropped
}

// Errors for invalid state transitions.
var (
	ErrSegmentClosed               = errors.New("segment is closed")
	ErrFinalAlreadyEmitted         = errors.New("final already emitted for this segment")
	ErrCannotEmitPartialAfterFinal = errors.New("cannot emit partial after final")
)
