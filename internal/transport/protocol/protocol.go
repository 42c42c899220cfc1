// Package protocol defines the JSON frames exchanged between room
// participants and the room server.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"ai-voice-session-service/internal/models"
)

// Frame types.
const (
	TypeJoin           = "join"
	TypePublishTrack   = "publish_track"
	TypeUnpublishTrack = "unpublish_track"
	TypeMetadata       = "metadata"
	TypeData           = "data"

	TypeJoined              = "joined"
	TypeParticipantJoined   = "participant_joined"
	TypeParticipantLeft     = "participant_left"
	TypeParticipantMetadata = "participant_metadata"
	TypeTrackPublished      = "track_published"
	TypeTrackUnpublished    = "track_unpublished"
	TypeError               = "error"
)

// Data topics.
const (
	TopicTranscription = "lk.transcription"
	TopicLLMStream     = "lk.llm_stream"
	TopicVADStatus     = "lk.vad_status"
	TopicChat          = "lk.chat"
)

// Data attributes.
const (
	AttrSegmentID          = "lk.segment_id"
	AttrTranscriptionFinal = "lk.transcription_final"
	AttrModel              = "lk.model"
	AttrIntent             = "lk.intent"
	AttrResponseType       = "lk.response_type"
)

// ResponseTypeLLM marks assistant text produced by the language model.
const ResponseTypeLLM = "llm_response"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

type Join struct {
	Type     string      `json:"type"`
	Identity string      `json:"identity"`
	Role     models.Role `json:"role,omitempty"`
	Metadata string      `json:"metadata,omitempty"`
}

// TrackRequest is publish_track or unpublish_track.
type TrackRequest struct {
	Type    string `json:"type"`
	TrackID string `json:"track_id"`
}

type MetadataUpdate struct {
	Type     string `json:"type"`
	Metadata string `json:"metadata"`
}

// Data is a topic message. Clients may set AttributedTo to publish on
// behalf of another participant, as the agent does for transcriptions of
// user speech. The server fills Participant with the attributed speaker.
type Data struct {
	Type         string              `json:"type"`
	Topic        string              `json:"topic"`
	Attributes   map[string]string   `json:"attributes,omitempty"`
	Text         string              `json:"text"`
	AttributedTo string              `json:"attributed_to,omitempty"`
	Participant  *models.Participant `json:"participant,omitempty"`
}

// Attr returns the named attribute or "".
func (d Data) Attr(key string) string {
	if d.Attributes == nil {
		return ""
	}
	return d.Attributes[key]
}

// IsFinal reports whether lk.transcription_final is "true".
func (d Data) IsFinal() bool {
	return strings.EqualFold(d.Attr(AttrTranscriptionFinal), "true")
}

// NewData builds a data frame.
func NewData(topic, text string, attrs map[string]string) Data {
	return Data{Type: TypeData, Topic: topic, Text: text, Attributes: attrs}
}

type Joined struct {
	Type         string               `json:"type"`
	Participant  models.Participant   `json:"participant"`
	Participants []models.Participant `json:"participants"`
}

// ParticipantEvent is participant_joined, participant_left or
// participant_metadata.
type ParticipantEvent struct {
	Type        string             `json:"type"`
	Participant models.Participant `json:"participant"`
}

// TrackEvent is track_published or track_unpublished.
type TrackEvent struct {
	Type        string             `json:"type"`
	TrackID     string             `json:"track_id"`
	Participant models.Participant `json:"participant"`
}

type Error struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func envelopeType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", badRequest("missing type", "type")
	}
	return typ, nil
}

// DecodeClientMessage decodes a frame sent by a participant.
func DecodeClientMessage(data []byte) (any, error) {
	typ, err := envelopeType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeJoin:
		var msg Join
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid join", "")
		}
		if strings.TrimSpace(msg.Identity) == "" {
			return nil, badRequest("join.identity is required", "identity")
		}
		switch msg.Role {
		case "", models.RoleUser, models.RoleAgent:
		default:
			return nil, badRequest("join.role must be user or agent", "role")
		}
		return msg, nil
	case TypePublishTrack, TypeUnpublishTrack:
		var msg TrackRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid "+typ, "")
		}
		if strings.TrimSpace(msg.TrackID) == "" {
			return nil, badRequest(typ+".track_id is required", "track_id")
		}
		return msg, nil
	case TypeMetadata:
		var msg MetadataUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid metadata", "")
		}
		return msg, nil
	case TypeData:
		var msg Data
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid data", "")
		}
		if strings.TrimSpace(msg.Topic) == "" {
			return nil, badRequest("data.topic is required", "topic")
		}
		msg.Participant = nil
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// DecodeServerMessage decodes a frame sent by the room server.
func DecodeServerMessage(data []byte) (any, error) {
	typ, err := envelopeType(data)
	if err != nil {
		return nil, err
	}

	switch typ {
	case TypeJoined:
		var msg Joined
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid joined", "")
		}
		return msg, nil
	case TypeParticipantJoined, TypeParticipantLeft, TypeParticipantMetadata:
		var msg ParticipantEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid "+typ, "")
		}
		if msg.Participant.Identity == "" {
			return nil, badRequest(typ+".participant.identity is required", "participant")
		}
		return msg, nil
	case TypeTrackPublished, TypeTrackUnpublished:
		var msg TrackEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid "+typ, "")
		}
		if msg.TrackID == "" {
			return nil, badRequest(typ+".track_id is required", "track_id")
		}
		return msg, nil
	case TypeData:
		var msg Data
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid data", "")
		}
		if msg.Topic == "" {
			return nil, badRequest("data.topic is required", "topic")
		}
		return msg, nil
	case TypeError:
		var msg Error
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}
