// Package room hosts named rooms over websockets. Participants join a
// room, publish an audio track and exchange topic data frames; observers
// in the same process see every event.
package room

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/observability/metrics"
	"ai-voice-session-service/internal/transport/protocol"
)

// ErrLeft is returned when a local participant is used after leaving.
var ErrLeft = errors.New("participant has left the room")

const joinTimeout = 10 * time.Second

// Config holds hub settings.
type Config struct {
	QueueSize      int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	AllowedOrigins []string
}

// DefaultConfig returns the default hub settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:    256,
		WriteTimeout: 5 * time.Second,
		PingInterval: 20 * time.Second,
	}
}

// Hub owns all rooms.
type Hub struct {
	cfg            Config
	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	logger         zerolog.Logger
	metrics        *metrics.Metrics

	mu        sync.Mutex
	rooms     map[string]map[string]*member
	observers []Observer
}

// NewHub creates a hub.
func NewHub(cfg Config) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	origins := make(map[string]bool)
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	h := &Hub{
		cfg:            cfg,
		allowedOrigins: origins,
		logger:         logging.WithComponent("room"),
		metrics:        metrics.DefaultMetrics,
		rooms:          make(map[string]map[string]*member),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// AddObserver registers o for all subsequent events.
func (h *Hub) AddObserver(o Observer) {
	h.mu.Lock()
	h.observers = append(h.observers, o)
	h.mu.Unlock()
}

// Mount registers the websocket endpoint at /rtc.
func (h *Hub) Mount(r chi.Router) {
	r.Get("/rtc", h.ServeHTTP)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // allow non-browser clients
	}
	return h.allowedOrigins[origin]
}

// Participants returns the members of a room.
func (h *Hub) Participants(roomName string) []models.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.participantsLocked(roomName, "")
}

func (h *Hub) participantsLocked(roomName, except string) []models.Participant {
	members := h.rooms[roomName]
	out := make([]models.Participant, 0, len(members))
	for id, m := range members {
		if id == except {
			continue
		}
		out = append(out, m.info)
	}
	return out
}

// ServeHTTP upgrades the request and runs the participant until it
// disconnects. The room is named by the "room" query parameter and the
// first frame must be a join.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomName := strings.TrimSpace(r.URL.Query().Get("room"))
	if roomName == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(joinTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	msg, err := protocol.DecodeClientMessage(data)
	join, ok := msg.(protocol.Join)
	if err != nil || !ok {
		h.writeError(conn, "bad_request", "first frame must be join")
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	info := models.Participant{Identity: join.Identity, Role: join.Role, Metadata: join.Metadata}
	m := newMember(info, h.cfg.QueueSize)
	m.conn = conn

	h.join(roomName, m)
	go m.writeLoop(h.cfg.WriteTimeout, h.cfg.PingInterval)
	h.readLoop(roomName, m)
	h.leave(roomName, m)
}

func (h *Hub) writeError(conn *websocket.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	_ = conn.WriteJSON(protocol.Error{Type: protocol.TypeError, Code: code, Message: message})
}

func (h *Hub) readLoop(roomName string, m *member) {
	logger := logging.WithSession("room", roomName, m.info.Identity)

	if h.cfg.PingInterval > 0 {
		wait := 2*h.cfg.PingInterval + h.cfg.WriteTimeout
		_ = m.conn.SetReadDeadline(time.Now().Add(wait))
		m.conn.SetPongHandler(func(string) error {
			return m.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		messageType, data, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("Participant connection closed")
			}
			return
		}
		if h.cfg.PingInterval > 0 {
			_ = m.conn.SetReadDeadline(time.Now().Add(2*h.cfg.PingInterval + h.cfg.WriteTimeout))
		}

		switch messageType {
		case websocket.BinaryMessage:
			h.handleAudio(roomName, m, data)
		case websocket.TextMessage:
			msg, err := protocol.DecodeClientMessage(data)
			if err != nil {
				var de *protocol.DecodeError
				code := "bad_request"
				if errors.As(err, &de) {
					code = de.Code
				}
				h.metrics.RecordDecodeError(code)
				logger.Warn().Err(err).Msg("Invalid frame from participant")
				h.send(m, protocol.Error{Type: protocol.TypeError, Code: code, Message: err.Error()})
				continue
			}
			h.handle(roomName, m, msg)
		}
	}
}

func (h *Hub) join(roomName string, m *member) {
	h.mu.Lock()
	members, ok := h.rooms[roomName]
	if !ok {
		members = make(map[string]*member)
		h.rooms[roomName] = members
	}
	prev := members[m.info.Identity]
	members[m.info.Identity] = m
	others := h.participantsLocked(roomName, m.info.Identity)
	observers := append([]Observer(nil), h.observers...)
	h.mu.Unlock()

	if prev != nil {
		h.logger.Info().Str("room", roomName).Str("identity", m.info.Identity).Msg("Identity rejoined, replacing previous connection")
		prev.close()
	}

	h.metrics.RecordParticipantJoined()
	h.logger.Info().
		Str("room", roomName).
		Str("identity", m.info.Identity).
		Str("role", string(m.info.Role)).
		Msg("Participant joined")

	h.send(m, protocol.Joined{Type: protocol.TypeJoined, Participant: m.info, Participants: others})
	h.broadcast(roomName, m.info.Identity, protocol.ParticipantEvent{Type: protocol.TypeParticipantJoined, Participant: m.info})
	for _, o := range observers {
		o.ParticipantJoined(roomName, m.info)
	}
}

func (h *Hub) leave(roomName string, m *member) {
	m.close()

	h.mu.Lock()
	members := h.rooms[roomName]
	current := members != nil && members[m.info.Identity] == m
	if current {
		delete(members, m.info.Identity)
		if len(members) == 0 {
			delete(h.rooms, roomName)
		}
	}
	info, track := m.info, m.track
	m.track = ""
	observers := append([]Observer(nil), h.observers...)
	h.mu.Unlock()

	if track != "" {
		if current {
			h.broadcast(roomName, info.Identity, protocol.TrackEvent{Type: protocol.TypeTrackUnpublished, TrackID: track, Participant: info})
		}
		for _, o := range observers {
			o.TrackUnpublished(roomName, info, track)
		}
	}
	if !current {
		return
	}

	h.metrics.RecordParticipantLeft()
	h.logger.Info().Str("room", roomName).Str("identity", info.Identity).Msg("Participant left")
	h.broadcast(roomName, info.Identity, protocol.ParticipantEvent{Type: protocol.TypeParticipantLeft, Participant: info})
	for _, o := range observers {
		o.ParticipantLeft(roomName, info)
	}
}

func (h *Hub) handleAudio(roomName string, m *member, pcm []byte) {
	h.mu.Lock()
	track, info := m.track, m.info
	observers := append([]Observer(nil), h.observers...)
	h.mu.Unlock()

	if track == "" {
		return
	}
	h.metrics.RecordFrameRelayed("audio")
	for _, o := range observers {
		o.Audio(roomName, info, track, pcm)
	}
}

func (h *Hub) handle(roomName string, m *member, msg any) {
	switch v := msg.(type) {
	case protocol.TrackRequest:
		h.handleTrack(roomName, m, v)
	case protocol.MetadataUpdate:
		h.mu.Lock()
		m.info.Metadata = v.Metadata
		info := m.info
		observers := append([]Observer(nil), h.observers...)
		h.mu.Unlock()

		h.broadcast(roomName, "", protocol.ParticipantEvent{Type: protocol.TypeParticipantMetadata, Participant: info})
		for _, o := range observers {
			o.MetadataChanged(roomName, info)
		}
	case protocol.Data:
		h.handleData(roomName, m, v)
	case protocol.Join:
		h.send(m, protocol.Error{Type: protocol.TypeError, Code: "bad_request", Message: "already joined"})
	}
}

func (h *Hub) handleTrack(roomName string, m *member, req protocol.TrackRequest) {
	h.mu.Lock()
	info := m.info
	prev := m.track
	observers := append([]Observer(nil), h.observers...)
	switch req.Type {
	case protocol.TypePublishTrack:
		m.track = req.TrackID
	case protocol.TypeUnpublishTrack:
		if prev != req.TrackID {
			h.mu.Unlock()
			return
		}
		m.track = ""
	}
	h.mu.Unlock()

	if req.Type == protocol.TypePublishTrack {
		if prev != "" && prev != req.TrackID {
			h.broadcast(roomName, "", protocol.TrackEvent{Type: protocol.TypeTrackUnpublished, TrackID: prev, Participant: info})
			for _, o := range observers {
				o.TrackUnpublished(roomName, info, prev)
			}
		}
		h.logger.Info().Str("room", roomName).Str("identity", info.Identity).Str("trackId", req.TrackID).Msg("Track published")
		h.broadcast(roomName, "", protocol.TrackEvent{Type: protocol.TypeTrackPublished, TrackID: req.TrackID, Participant: info})
		for _, o := range observers {
			o.TrackPublished(roomName, info, req.TrackID)
		}
		return
	}

	h.logger.Info().Str("room", roomName).Str("identity", info.Identity).Str("trackId", req.TrackID).Msg("Track unpublished")
	h.broadcast(roomName, "", protocol.TrackEvent{Type: protocol.TypeTrackUnpublished, TrackID: req.TrackID, Participant: info})
	for _, o := range observers {
		o.TrackUnpublished(roomName, info, req.TrackID)
	}
}

func (h *Hub) handleData(roomName string, m *member, d protocol.Data) {
	h.mu.Lock()
	sender := m.info
	speaker := sender
	if d.AttributedTo != "" {
		if target, ok := h.rooms[roomName][d.AttributedTo]; ok {
			speaker = target.info
		}
	}
	observers := append([]Observer(nil), h.observers...)
	h.mu.Unlock()

	d.Type = protocol.TypeData
	d.Participant = &speaker
	h.metrics.RecordFrameRelayed("data")
	h.broadcast(roomName, sender.Identity, d)
	for _, o := range observers {
		o.Data(roomName, sender, d)
	}
}

func (h *Hub) send(m *member, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode frame")
		return
	}
	if m.enqueue(frame) {
		h.overflow(m)
	}
}

// broadcast sends v to every member of the room except the identity given.
func (h *Hub) broadcast(roomName, except string, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode frame")
		return
	}

	h.mu.Lock()
	targets := make([]*member, 0, len(h.rooms[roomName]))
	for id, m := range h.rooms[roomName] {
		if id != except {
			targets = append(targets, m)
		}
	}
	h.mu.Unlock()

	for _, m := range targets {
		if m.enqueue(frame) {
			h.overflow(m)
		}
	}
}

func (h *Hub) overflow(m *member) {
	h.metrics.RecordQueueOverflow()
	h.logger.Warn().Str("identity", m.info.Identity).Msg("Outbound queue full, dropping participant")
}

// Close disconnects every participant.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*member
	for _, members := range h.rooms {
		for _, m := range members {
			all = append(all, m)
		}
	}
	h.mu.Unlock()

	for _, m := range all {
		m.close()
	}
}
