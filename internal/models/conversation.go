package models

import "time"

// MessageStatus is the lifecycle of a ConversationMessage.
type MessageStatus string

const (
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
)

// ConversationMessage is one reconciled turn of the conversation.
type ConversationMessage struct {
	ID           string        `json:"id"`
	Text         string        `json:"text"`
	IsUser       bool          `json:"isUser"`
	Timestamp    time.Time     `json:"timestamp"`
	Status       MessageStatus `json:"status"`
	SegmentID    string        `json:"segmentId,omitempty"`
	Model        string        `json:"model,omitempty"`
	Intent       string        `json:"intent,omitempty"`
	ResponseType string        `json:"responseType,omitempty"`
}

// Streaming reports whether the message is still open.
func (m ConversationMessage) Streaming() bool {
	return m.Status == MessageStreaming
}

// VoiceState mirrors the session controller as seen by the conversation.
type VoiceState string

const (
	VoiceIdle       VoiceState = "idle"
	VoiceRequesting VoiceState = "requesting"
	VoiceActive     VoiceState = "active"
)

// ChatSessionState is the aggregate owned by the turn reconciler.
type ChatSessionState struct {
	Messages          []ConversationMessage `json:"messages"`
	AccumulatedFinals string                `json:"accumulatedFinals"`
	Connection        ConnectionStatus      `json:"connection"`
	Voice             VoiceState            `json:"voice"`
	Warning           bool                  `json:"warning"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s ChatSessionState) Clone() ChatSessionState {
	out := s
	out.Messages = make([]ConversationMessage, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}
