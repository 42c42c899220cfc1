package room

import (
	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/transport/protocol"
)

// LocalParticipant is an in-process room member. Its frames go through the
// same fan-out as remote participants.
type LocalParticipant struct {
	hub  *Hub
	room string
	m    *member
}

// JoinLocal adds an in-process participant to a room. handler receives
// decoded server frames and may be nil.
func (h *Hub) JoinLocal(roomName string, info models.Participant, handler func(msg any)) *LocalParticipant {
	m := newMember(info, h.cfg.QueueSize)
	m.handler = handler
	h.join(roomName, m)
	go m.deliverLoop()
	return &LocalParticipant{hub: h, room: roomName, m: m}
}

// Identity returns the participant identity.
func (p *LocalParticipant) Identity() string {
	return p.m.info.Identity
}

// Room returns the room name.
func (p *LocalParticipant) Room() string {
	return p.room
}

func (p *LocalParticipant) left() bool {
	select {
	case <-p.m.done:
		return true
	default:
		return false
	}
}

// PublishData relays a data frame to the other members of the room.
func (p *LocalParticipant) PublishData(d protocol.Data) error {
	if p.left() {
		return ErrLeft
	}
	p.hub.handleData(p.room, p.m, d)
	return nil
}

// UpdateMetadata replaces the participant metadata.
func (p *LocalParticipant) UpdateMetadata(metadata string) error {
	if p.left() {
		return ErrLeft
	}
	p.hub.handle(p.room, p.m, protocol.MetadataUpdate{Type: protocol.TypeMetadata, Metadata: metadata})
	return nil
}

// Leave removes the participant from the room. Safe to call more than once.
func (p *LocalParticipant) Leave() {
	p.hub.leave(p.room, p.m)
}
