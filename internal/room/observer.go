package room

import (
	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/transport/protocol"
)

// Observer receives room events. Callbacks run on the sending
// participant's read goroutine, so audio for one track arrives in order.
// Implementations must not block.
type Observer interface {
	ParticipantJoined(room string, p models.Participant)
	ParticipantLeft(room string, p models.Participant)
	MetadataChanged(room string, p models.Participant)
	TrackPublished(room string, p models.Participant, trackID string)
	TrackUnpublished(room string, p models.Participant, trackID string)
	Audio(room string, p models.Participant, trackID string, pcm []byte)
	Data(room string, from models.Participant, d protocol.Data)
}

// BaseObserver implements Observer with no-ops for embedding.
type BaseObserver struct{}

func (BaseObserver) ParticipantJoined(string, models.Participant) {}
func (BaseObserver) ParticipantLeft(string, models.Participant) {}
func (BaseObserver) MetadataChanged(string, models.Participant) {}
func (BaseObserver) TrackPublished(string, models.Participant, string) {}
func (BaseObserver) TrackUnpublished(string, models.Participant, string) {}
func (BaseObserver) Audio(string, models.Participant, string, []byte) {}
func (BaseObserver) Data(string, models.Participant, protocol.Data) {}
