// Package transport connects a device to a room and exposes the room's
// topics as in-process streams.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/observability/metrics"
	"ai-voice-session-service/internal/pubsub"
	"ai-voice-session-service/internal/schema"
	"ai-voice-session-service/internal/transport/protocol"
)

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("transport is not connected")
	// ErrMicrophoneUnavailable is returned when the microphone check fails.
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	// ErrNoTrack is returned when no audio track could be published.
	ErrNoTrack = errors.New("no audio track published")
)

const defaultConnectTimeout = 15 * time.Second

// Config holds transport settings.
type Config struct {
	URL            string
	Room           string
	Identity       string
	Role           models.Role
	Metadata       string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	PublishTimeout time.Duration
	// AgentIdentityFallback treats participants without a role tag as the
	// agent when their identity contains "agent".
	AgentIdentityFallback bool
}

// MicCheck verifies that audio capture is possible before a track is
// published.
type MicCheck func(ctx context.Context) error

// Option configures a Session.
type Option func(*Session)

// WithMicCheck sets the microphone check run by StartVoiceSession.
func WithMicCheck(check MicCheck) Option { return func(s *Session) { s.micCheck = check } }

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option { return func(s *Session) { s.dialer = d } }

// link is one established websocket connection.
type link struct {
	conn *websocket.Conn
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (l *link) shutdown() {
	l.once.Do(func() { close(l.stop) })
}

// Session is the device side of a room connection.
type Session struct {
	cfg       Config
	dialer    *websocket.Dialer
	validator *schema.Validator
	micCheck  MicCheck
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	transcriptions *pubsub.Topic[models.TranscriptionEvent]
	immediateText  *pubsub.Topic[models.ImmediateTextEvent]
	notifications  *pubsub.Topic[models.SessionNotificationEvent]
	statusTopic    *pubsub.Topic[models.ConnectionStatus]
	agentTopic     *pubsub.Topic[bool]

	// connMu serializes Connect, Disconnect and Reconnect.
	connMu sync.Mutex
	// trackMu serializes track publication.
	trackMu sync.Mutex
	writeMu sync.Mutex

	mu           sync.Mutex
	link         *link
	status       models.ConnectionStatus
	trackID      string
	// voiceWanted survives connection loss so Reconnect can republish.
	voiceWanted  bool
	participants map[string]models.Participant
	agentPresent bool
	acks         map[string]chan error

	metaMu   sync.Mutex
	metadata string
	metaSeq  uint64
	metaSent uint64
}

// New creates a disconnected session.
func New(cfg Config, opts ...Option) *Session {
	if cfg.Role == "" {
		cfg.Role = models.RoleUser
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	s := &Session{
		cfg:            cfg,
		dialer:         websocket.DefaultDialer,
		validator:      schema.New(),
		logger:         logging.WithSession("transport", cfg.Room, cfg.Identity),
		metrics:        metrics.DefaultMetrics,
		transcriptions: pubsub.NewTopic[models.TranscriptionEvent]("transcriptions"),
		immediateText:  pubsub.NewTopic[models.ImmediateTextEvent]("immediate_text"),
		notifications:  pubsub.NewTopic[models.SessionNotificationEvent]("notifications"),
		statusTopic:    pubsub.NewTopic[models.ConnectionStatus]("connection_status"),
		agentTopic:     pubsub.NewTopic[bool]("agent_connected"),
		status:         models.StatusDisconnected,
		participants:   make(map[string]models.Participant),
		acks:           make(map[string]chan error),
		metadata:       cfg.Metadata,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Transcriptions streams user and agent transcription updates.
func (s *Session) Transcriptions() *pubsub.Topic[models.TranscriptionEvent] { return s.transcriptions }

// ImmediateText streams assistant text chunks.
func (s *Session) ImmediateText() *pubsub.Topic[models.ImmediateTextEvent] { return s.immediateText }

// Notifications streams session lifecycle notifications, both received
// from the agent and injected locally.
func (s *Session) Notifications() *pubsub.Topic[models.SessionNotificationEvent] {
	return s.notifications
}

// ConnectionStatus streams connection status transitions.
func (s *Session) ConnectionStatus() *pubsub.Topic[models.ConnectionStatus] { return s.statusTopic }

// AgentConnected streams agent presence changes.
func (s *Session) AgentConnected() *pubsub.Topic[bool] { return s.agentTopic }

// Status returns the current connection status.
func (s *Session) Status() models.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// AgentPresent reports whether an agent participant is in the room.
func (s *Session) AgentPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentPresent
}

// TrackID returns the published track, or "".
func (s *Session) TrackID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackID
}

func (s *Session) setStatus(status models.ConnectionStatus) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()

	if !changed {
		return
	}
	s.metrics.RecordConnectionStatus(string(status))
	s.logger.Info().Str("status", string(status)).Msg("Connection status changed")
	s.statusTopic.Publish(status)
}

// Connect joins the room. It is a no-op when already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.connect(ctx)
}

func (s *Session) connect(ctx context.Context) error {
	if s.Status() == models.StatusConnected {
		return nil
	}
	s.setStatus(models.StatusConnecting)

	l, joined, err := s.dial(ctx)
	if err != nil {
		s.setStatus(models.StatusError)
		s.logger.Error().Err(err).Msg("Connect failed")
		return err
	}

	s.mu.Lock()
	s.link = l
	s.participants = make(map[string]models.Participant, len(joined.Participants))
	for _, p := range joined.Participants {
		s.participants[p.Identity] = p
	}
	s.mu.Unlock()
	s.refreshAgentPresence()

	go s.readLoop(l)
	go s.pingLoop(l)

	s.setStatus(models.StatusConnected)
	// Metadata set while connecting may not have made it into the join.
	go s.pushMetadata()
	return nil
}

func (s *Session) dial(ctx context.Context) (*link, protocol.Joined, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, protocol.Joined{}, fmt.Errorf("parse room url: %w", err)
	}
	q := u.Query()
	q.Set("room", s.cfg.Room)
	u.RawQuery = q.Encode()

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	conn, resp, err := s.dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, protocol.Joined{}, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, protocol.Joined{}, fmt.Errorf("websocket dial failed: %w", err)
	}

	s.metaMu.Lock()
	join := protocol.Join{
		Type:     protocol.TypeJoin,
		Identity: s.cfg.Identity,
		Role:     s.cfg.Role,
		Metadata: s.metadata,
	}
	sentSeq := s.metaSeq
	s.metaMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return nil, protocol.Joined{}, fmt.Errorf("send join: %w", err)
	}

	deadline, _ := dialCtx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, protocol.Joined{}, fmt.Errorf("read joined: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage {
		_ = conn.Close()
		return nil, protocol.Joined{}, fmt.Errorf("unexpected first frame type %d", messageType)
	}

	msg, err := protocol.DecodeServerMessage(payload)
	if err != nil {
		_ = conn.Close()
		return nil, protocol.Joined{}, err
	}
	switch v := msg.(type) {
	case protocol.Joined:
		s.metaMu.Lock()
		if sentSeq > s.metaSent {
			s.metaSent = sentSeq
		}
		s.metaMu.Unlock()
		return &link{conn: conn, stop: make(chan struct{}), done: make(chan struct{})}, v, nil
	case protocol.Error:
		_ = conn.Close()
		return nil, protocol.Joined{}, fmt.Errorf("join rejected: %s: %s", v.Code, v.Message)
	default:
		_ = conn.Close()
		return nil, protocol.Joined{}, fmt.Errorf("unexpected first frame %T", msg)
	}
}

// Disconnect stops any voice session and leaves the room. Safe to call
// when already disconnected.
func (s *Session) Disconnect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if err := s.StopVoiceSession(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Stop voice session during disconnect failed")
	}
	s.dropLink()
	s.setStatus(models.StatusDisconnected)
	return nil
}

// dropLink closes the current connection and forgets room state.
func (s *Session) dropLink() {
	s.mu.Lock()
	l := s.link
	s.link = nil
	s.trackID = ""
	s.participants = make(map[string]models.Participant)
	s.mu.Unlock()

	if l != nil {
		l.shutdown()
		s.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.cfg.WriteTimeout))
		s.writeMu.Unlock()
		_ = l.conn.Close()
		<-l.done
	}
	s.refreshAgentPresence()
}

// Reconnect replaces the connection and republishes the audio track if
// one was active.
func (s *Session) Reconnect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	s.mu.Lock()
	hadTrack := s.voiceWanted
	s.mu.Unlock()
	s.dropLink()
	s.setStatus(models.StatusDisconnected)

	if err := s.connect(ctx); err != nil {
		return err
	}
	if hadTrack {
		if _, err := s.StartVoiceSession(ctx); err != nil {
			return fmt.Errorf("republish track: %w", err)
		}
	}
	s.logger.Info().Bool("republished", hadTrack).Msg("Reconnected")
	return nil
}

// Close disconnects and closes every stream.
func (s *Session) Close(ctx context.Context) error {
	err := s.Disconnect(ctx)
	s.transcriptions.Close()
	s.immediateText.Close()
	s.notifications.Close()
	s.statusTopic.Close()
	s.agentTopic.Close()
	return err
}

// StartVoiceSession publishes the microphone track and returns its ID.
func (s *Session) StartVoiceSession(ctx context.Context) (string, error) {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()

	if s.Status() != models.StatusConnected {
		return "", ErrNotConnected
	}
	if id := s.TrackID(); id != "" {
		return id, nil
	}

	if s.micCheck != nil {
		if err := s.micCheck(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)
		}
	}

	trackID := "TR_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	ack := make(chan error, 1)
	s.mu.Lock()
	s.acks[trackID] = ack
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.acks, trackID)
		s.mu.Unlock()
	}()

	if err := s.writeJSON(protocol.TrackRequest{Type: protocol.TypePublishTrack, TrackID: trackID}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoTrack, err)
	}

	timer := time.NewTimer(s.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case err := <-ack:
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoTrack, err)
		}
	case <-timer.C:
		return "", fmt.Errorf("%w: publish not acknowledged within %s", ErrNoTrack, s.cfg.PublishTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}

	s.mu.Lock()
	s.trackID = trackID
	s.voiceWanted = true
	s.mu.Unlock()
	s.logger.Info().Str("trackId", trackID).Msg("Voice session started")
	return trackID, nil
}

// StopVoiceSession unpublishes the microphone track. It is a no-op when
// no track is published.
func (s *Session) StopVoiceSession(ctx context.Context) error {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()

	s.mu.Lock()
	trackID := s.trackID
	s.trackID = ""
	s.voiceWanted = false
	s.mu.Unlock()
	if trackID == "" {
		return nil
	}

	if err := s.writeJSON(protocol.TrackRequest{Type: protocol.TypeUnpublishTrack, TrackID: trackID}); err != nil && !errors.Is(err, ErrNotConnected) {
		return fmt.Errorf("unpublish track: %w", err)
	}
	s.logger.Info().Str("trackId", trackID).Msg("Voice session stopped")
	return nil
}

// SendTextMessage sends text on the chat topic. Without a connection the
// message is dropped with a warning.
func (s *Session) SendTextMessage(ctx context.Context, text string) error {
	if s.Status() != models.StatusConnected {
		s.logger.Warn().Msg("Cannot send text message: not connected")
		return nil
	}
	return s.writeJSON(protocol.NewData(protocol.TopicChat, text, nil))
}

// SendAudio writes one PCM frame for the published track.
func (s *Session) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	l, trackID := s.link, s.trackID
	s.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	if trackID == "" {
		return ErrNoTrack
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := l.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return err
	}
	s.metrics.RecordAudioSent(len(pcm))
	return nil
}

// UpdateMetadata records the participant metadata and pushes it in the
// background. The latest value wins and is carried by every later join.
func (s *Session) UpdateMetadata(metadata string) {
	s.metaMu.Lock()
	s.metadata = metadata
	s.metaSeq++
	s.metaMu.Unlock()
	go s.pushMetadata()
}

// Metadata returns the last metadata set.
func (s *Session) Metadata() string {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	return s.metadata
}

func (s *Session) pushMetadata() {
	s.metaMu.Lock()
	seq, metadata := s.metaSeq, s.metadata
	stale := seq <= s.metaSent
	s.metaMu.Unlock()
	if stale || s.Status() != models.StatusConnected {
		return
	}

	if err := s.writeJSON(protocol.MetadataUpdate{Type: protocol.TypeMetadata, Metadata: metadata}); err != nil {
		s.logger.Warn().Err(err).Msg("Metadata update failed")
		return
	}

	s.metaMu.Lock()
	if seq > s.metaSent {
		s.metaSent = seq
	}
	s.metaMu.Unlock()
}

// InjectNotification publishes a locally produced notification on the
// notification stream.
func (s *Session) InjectNotification(ev models.SessionNotificationEvent) {
	if ev.ParticipantID == "" {
		ev.ParticipantID = s.cfg.Identity
	}
	s.notifications.Publish(ev)
}

// Notify implements the gate's notifier.
func (s *Session) Notify(ev models.SessionNotificationEvent) {
	s.InjectNotification(ev)
}

func (s *Session) writeJSON(v any) error {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := l.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return l.conn.WriteJSON(v)
}

func (s *Session) pingLoop(l *link) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-l.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(s.cfg.WriteTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

func (s *Session) readLoop(l *link) {
	defer close(l.done)

	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.stop:
				return
			default:
			}
			s.handleDrop(l, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			s.metrics.RecordDecodeError("frame")
			s.logger.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		s.dispatch(msg)
	}
}

// handleDrop reacts to a connection lost without Disconnect.
func (s *Session) handleDrop(l *link, err error) {
	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.trackID = ""
	s.participants = make(map[string]models.Participant)
	s.mu.Unlock()

	_ = l.conn.Close()
	s.logger.Warn().Err(err).Msg("Connection lost")
	s.refreshAgentPresence()
	s.setStatus(models.StatusDisconnected)
}

func (s *Session) dispatch(msg any) {
	switch v := msg.(type) {
	case protocol.ParticipantEvent:
		s.mu.Lock()
		switch v.Type {
		case protocol.TypeParticipantJoined, protocol.TypeParticipantMetadata:
			s.participants[v.Participant.Identity] = v.Participant
		case protocol.TypeParticipantLeft:
			delete(s.participants, v.Participant.Identity)
		}
		s.mu.Unlock()
		s.refreshAgentPresence()
	case protocol.TrackEvent:
		if v.Participant.Identity != s.cfg.Identity || v.Type != protocol.TypeTrackPublished {
			return
		}
		s.mu.Lock()
		ack := s.acks[v.TrackID]
		s.mu.Unlock()
		if ack != nil {
			select {
			case ack <- nil:
			default:
			}
		}
	case protocol.Data:
		s.metrics.RecordInboundEvent(v.Topic)
		s.handleData(v)
	case protocol.Error:
		s.logger.Warn().Str("code", v.Code).Str("message", v.Message).Msg("Room reported an error")
	}
}

func (s *Session) roleOf(p *models.Participant) models.Role {
	if p == nil {
		return models.RoleUser
	}
	if p.IsAgent(s.cfg.AgentIdentityFallback) {
		if p.Role == "" {
			s.logger.Debug().Str("identity", p.Identity).Msg("Agent detected by identity fallback")
		}
		return models.RoleAgent
	}
	return models.RoleUser
}

func (s *Session) handleData(d protocol.Data) {
	var participantID string
	if d.Participant != nil {
		participantID = d.Participant.Identity
	}

	switch d.Topic {
	case protocol.TopicTranscription:
		s.transcriptions.Publish(models.TranscriptionEvent{
			SegmentID:     d.Attr(protocol.AttrSegmentID),
			Text:          d.Text,
			IsFinal:       d.IsFinal(),
			ParticipantID: participantID,
			Role:          s.roleOf(d.Participant),
		})
	case protocol.TopicLLMStream:
		s.immediateText.Publish(models.ImmediateTextEvent{
			SegmentID:     d.Attr(protocol.AttrSegmentID),
			Text:          d.Text,
			ParticipantID: participantID,
			Role:          s.roleOf(d.Participant),
			Model:         d.Attr(protocol.AttrModel),
			Intent:        d.Attr(protocol.AttrIntent),
			ResponseType:  d.Attr(protocol.AttrResponseType),
			Final:         d.IsFinal(),
		})
	case protocol.TopicVADStatus:
		ev, err := s.validator.DecodeNotification([]byte(d.Text))
		if err != nil {
			s.metrics.RecordDecodeError("vad_status")
			s.logger.Warn().Err(err).Msg("Dropping invalid session notification")
			return
		}
		ev.ParticipantID = participantID
		s.notifications.Publish(ev)
	default:
		s.logger.Debug().Str("topic", d.Topic).Msg("Ignoring data on unhandled topic")
	}
}

func (s *Session) refreshAgentPresence() {
	s.mu.Lock()
	present := false
	for _, p := range s.participants {
		if p.IsAgent(s.cfg.AgentIdentityFallback) {
			present = true
			break
		}
	}
	changed := present != s.agentPresent
	s.agentPresent = present
	s.mu.Unlock()

	if changed {
		s.logger.Info().Bool("present", present).Msg("Agent presence changed")
		s.agentTopic.Publish(present)
	}
}

// MetadataJSON encodes participant metadata for UpdateMetadata.
func MetadataJSON(m models.ParticipantMetadata) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
