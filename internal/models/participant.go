package models

import "strings"

// Participant is a member of a room.
type Participant struct {
	Identity string `json:"identity"`
	Role     Role   `json:"role,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

// IsAgent reports whether p is the backend agent. The explicit role tag is
// authoritative; the identity substring is consulted only when the role is
// missing and allowIdentityFallback is set.
func (p Participant) IsAgent(allowIdentityFallback bool) bool {
	switch p.Role {
	case RoleAgent:
		return true
	case RoleUser:
		return false
	}
	return allowIdentityFallback && strings.Contains(strings.ToLower(p.Identity), "agent")
}

// ParticipantMetadata is the JSON blob a client attaches to its participant.
type ParticipantMetadata struct {
	STTProvider    string   `json:"stt_provider,omitempty"`
	LLMModel       string   `json:"llm_model,omitempty"`
	AgentMode      string   `json:"agent_mode,omitempty"`
	TTSEnabled     bool     `json:"tts_enabled"`
	ExcludedAgents []string `json:"excluded_agents"`
}

// Excludes reports whether the named agent is in the exclusion list.
func (m ParticipantMetadata) Excludes(agent string) bool {
	for _, a := range m.ExcludedAgents {
		if strings.EqualFold(a, agent) {
			return true
		}
	}
	return false
}
