// Package agent runs the in-process voice agent: it joins the room as a
// participant, transcribes published user tracks, answers final
// transcripts and chat text, and ends idle sessions.
package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/observability/metrics"
	"ai-voice-session-service/internal/room"
	"ai-voice-session-service/internal/schema"
	"ai-voice-session-service/internal/service/segment"
	"ai-voice-session-service/internal/service/stt"
	"ai-voice-session-service/internal/settings"
	"ai-voice-session-service/internal/transport/protocol"
)

const fallbackReply = "Sorry, I couldn't generate a response."

// Config configures the worker.
type Config struct {
	// Name is matched against excluded_agents in participant metadata.
	Name     string
	Identity string
	Room     string
	// Mode and Model apply when participant metadata leaves them empty.
	Mode       string
	Model      string
	Monitor    MonitorConfig
	Limits     SegmentLimits
	AudioQueue int
}

// DefaultConfig returns the default worker settings.
func DefaultConfig() Config {
	return Config{
		Name:       "chat",
		Identity:   "agent-chat",
		Room:       "voice",
		Mode:       settings.ModeChat,
		Model:      "gpt-4o-mini",
		Monitor:    DefaultMonitorConfig(),
		Limits:     DefaultLimits(),
		AudioQueue: 500,
	}
}

// Hub is the part of the room server the worker needs.
type Hub interface {
	JoinLocal(roomName string, info models.Participant, handler func(msg any)) *room.LocalParticipant
	AddObserver(o room.Observer)
}

// Publisher sends data frames as the agent participant.
type Publisher interface {
	PublishData(d protocol.Data) error
}

// Worker is the agent participant. It observes the room hub.
type Worker struct {
	room.BaseObserver

	cfg       Config
	factory   stt.Factory
	responder Responder
	history   HistoryStore
	segments  *segment.Generator
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	self      Publisher
	leave     func()
	sessions  map[string]*voiceSession
	meta      map[string]models.ParticipantMetadata
	replyLock map[string]*sync.Mutex
	wg        sync.WaitGroup
}

// NewWorker creates a worker. Call Start to join the room.
func NewWorker(cfg Config, factory stt.Factory, responder Responder, history HistoryStore) *Worker {
	if cfg.AudioQueue <= 0 {
		cfg.AudioQueue = 500
	}
	return &Worker{
		cfg:       cfg,
		factory:   factory,
		responder: responder,
		history:   history,
		segments:  segment.New(),
		logger:    logging.WithSession("agent", cfg.Room, cfg.Identity),
		metrics:   metrics.DefaultMetrics,
		sessions:  make(map[string]*voiceSession),
		meta:      make(map[string]models.ParticipantMetadata),
		replyLock: make(map[string]*sync.Mutex),
	}
}

// Start joins the room as an agent and begins observing it.
func (w *Worker) Start(hub Hub) {
	hub.AddObserver(w)
	p := hub.JoinLocal(w.cfg.Room, models.Participant{Identity: w.cfg.Identity, Role: models.RoleAgent}, nil)
	w.mu.Lock()
	w.self = p
	w.leave = p.Leave
	w.mu.Unlock()
	w.logger.Info().Str("mode", w.cfg.Mode).Msg("Agent joined room")
}

// Close ends all voice sessions and leaves the room.
func (w *Worker) Close() {
	w.mu.Lock()
	sessions := make([]*voiceSession, 0, len(w.sessions))
	for id, vs := range w.sessions {
		sessions = append(sessions, vs)
		delete(w.sessions, id)
	}
	leave := w.leave
	w.mu.Unlock()

	for _, vs := range sessions {
		vs.stop()
	}
	w.wg.Wait()
	if leave != nil {
		leave()
	}
}

// ActiveSessions returns the number of running voice sessions.
func (w *Worker) ActiveSessions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)
}

func (w *Worker) ours(roomName string, p models.Participant) bool {
	return roomName == w.cfg.Room && !p.IsAgent(false)
}

func parseMetadata(s string) models.ParticipantMetadata {
	var m models.ParticipantMetadata
	if strings.TrimSpace(s) == "" {
		return m
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return models.ParticipantMetadata{}
	}
	return m
}

func (w *Worker) setMeta(p models.Participant) {
	w.mu.Lock()
	w.meta[p.Identity] = parseMetadata(p.Metadata)
	w.mu.Unlock()
}

func (w *Worker) metaFor(identity string) models.ParticipantMetadata {
	w.mu.Lock()
	defer w.mu.Unlock()
	m := w.meta[identity]
	if m.AgentMode == "" {
		m.AgentMode = w.cfg.Mode
	}
	if m.LLMModel == "" {
		m.LLMModel = w.cfg.Model
	}
	return m
}

func (w *Worker) ParticipantJoined(roomName string, p models.Participant) {
	if w.ours(roomName, p) {
		w.setMeta(p)
	}
}

func (w *Worker) MetadataChanged(roomName string, p models.Participant) {
	if w.ours(roomName, p) {
		w.setMeta(p)
		w.logger.Debug().Str("participant", p.Identity).Msg("Participant settings changed")
	}
}

func (w *Worker) ParticipantLeft(roomName string, p models.Participant) {
	if !w.ours(roomName, p) {
		return
	}
	w.endSession(p.Identity, "")
	w.mu.Lock()
	delete(w.meta, p.Identity)
	w.mu.Unlock()
}

// TrackPublished starts a voice session for the user's track.
func (w *Worker) TrackPublished(roomName string, p models.Participant, trackID string) {
	if !w.ours(roomName, p) {
		return
	}
	w.setMeta(p)

	vs := &voiceSession{
		identity:  p.Identity,
		trackID:   trackID,
		sessionID: segment.NewSessionID(),
		audio:     make(chan []byte, w.cfg.AudioQueue),
		stopCh:    make(chan struct{}),
		ready:     make(chan struct{}),
		logger:    w.logger.With().Str("participant", p.Identity).Str("trackId", trackID).Logger(),
	}
	vs.ctx, vs.cancel = context.WithCancel(context.Background())

	w.mu.Lock()
	prev := w.sessions[p.Identity]
	w.sessions[p.Identity] = vs
	w.mu.Unlock()
	if prev != nil {
		go prev.stop()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runSession(vs)
	}()
}

// TrackUnpublished ends the session of that track.
func (w *Worker) TrackUnpublished(roomName string, p models.Participant, trackID string) {
	if w.ours(roomName, p) {
		w.endSession(p.Identity, trackID)
	}
}

// Audio queues track audio for the participant's transcriber.
func (w *Worker) Audio(roomName string, p models.Participant, trackID string, pcm []byte) {
	if roomName != w.cfg.Room {
		return
	}
	w.mu.Lock()
	vs := w.sessions[p.Identity]
	w.mu.Unlock()
	if vs == nil || vs.trackID != trackID {
		return
	}
	select {
	case vs.audio <- pcm:
	default:
		w.metrics.RecordSegmentDropped("audio_queue_full")
		vs.logger.Warn().Msg("Audio queue full, frame dropped")
	}
}

// Data answers text typed on lk.chat.
func (w *Worker) Data(roomName string, from models.Participant, d protocol.Data) {
	if !w.ours(roomName, from) || d.Topic != protocol.TopicChat {
		return
	}
	text := strings.TrimSpace(d.Text)
	if text == "" {
		return
	}
	w.mu.Lock()
	vs := w.sessions[from.Identity]
	w.mu.Unlock()
	if vs != nil {
		vs.touch()
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.respond(from.Identity, text)
	}()
}

func (w *Worker) endSession(identity, trackID string) {
	w.mu.Lock()
	vs := w.sessions[identity]
	if vs == nil || (trackID != "" && vs.trackID != trackID) {
		w.mu.Unlock()
		return
	}
	delete(w.sessions, identity)
	w.mu.Unlock()
	vs.stop()
}

func (w *Worker) publish(d protocol.Data) {
	w.mu.Lock()
	self := w.self
	w.mu.Unlock()
	if self == nil {
		return
	}
	if err := self.PublishData(d); err != nil {
		w.logger.Warn().Err(err).Str("topic", d.Topic).Msg("Failed to publish data")
	}
}

func (w *Worker) notify(ev models.SessionNotificationEvent) {
	payload, err := schema.EncodeNotification(ev)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to encode notification")
		return
	}
	w.publish(protocol.NewData(protocol.TopicVADStatus, string(payload), nil))
	w.metrics.RecordAgentNotification(string(ev.Type))
	w.logger.Info().
		Str("type", string(ev.Type)).
		Str("sessionId", ev.SessionID).
		Msg("Session notification sent")
}

// runSession creates the STT pipeline, announces readiness and pumps
// audio until the session stops.
func (w *Worker) runSession(vs *voiceSession) {
	meta := w.metaFor(vs.identity)
	adapter, err := w.factory(vs.ctx, meta.STTProvider)
	if err != nil {
		w.metrics.RecordSTTError(meta.STTProvider, "create")
		vs.logger.Error().Err(err).Str("provider", meta.STTProvider).Msg("Failed to create STT adapter")
		w.endSession(vs.identity, vs.trackID)
		return
	}

	tr := NewTranscriber(adapter, meta.STTProvider, vs.identity, w.segments, w.cfg.Limits,
		func(segmentID, text string, final bool) { w.onTranscript(vs, segmentID, text, final) })
	if err := tr.Start(vs.ctx); err != nil {
		vs.logger.Error().Err(err).Msg("Failed to start STT session")
		adapter.Close()
		w.endSession(vs.identity, vs.trackID)
		return
	}
	mon := NewMonitor(w.cfg.Monitor, vs.sessionID, w.notify)

	if !vs.attach(tr, mon) {
		tr.Close()
		return
	}
	w.metrics.RecordAgentSession(true)
	defer w.metrics.RecordAgentSession(false)

	mon.Start()
	w.notify(models.SessionNotificationEvent{
		Type:      models.NotificationSessionReady,
		SessionID: vs.sessionID,
		Timestamp: time.Now(),
	})
	vs.logger.Info().Str("sessionId", vs.sessionID).Str("provider", meta.STTProvider).Msg("Voice session started")

	defer close(vs.ready)
	for {
		select {
		case <-vs.stopCh:
			return
		case pcm := <-vs.audio:
			if err := tr.SendAudio(vs.ctx, pcm); err != nil {
				vs.logger.Warn().Err(err).Msg("STT send failed")
			}
		}
	}
}

func (w *Worker) onTranscript(vs *voiceSession, segmentID, text string, final bool) {
	attrs := map[string]string{
		protocol.AttrSegmentID:          segmentID,
		protocol.AttrTranscriptionFinal: boolAttr(final),
	}
	d := protocol.NewData(protocol.TopicTranscription, text, attrs)
	d.AttributedTo = vs.identity
	w.publish(d)

	if !final || strings.TrimSpace(text) == "" {
		return
	}
	vs.touch()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.respond(vs.identity, text)
	}()
}

func boolAttr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (w *Worker) lockFor(identity string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.replyLock[identity]
	if !ok {
		l = &sync.Mutex{}
		w.replyLock[identity] = l
	}
	return l
}

// respond streams one reply on lk.llm_stream. Replies to one participant
// are serialized so their segments never interleave.
func (w *Worker) respond(identity, text string) {
	meta := w.metaFor(identity)
	if meta.AgentMode != settings.ModeChat {
		return
	}
	if meta.Excludes(w.cfg.Name) {
		w.logger.Debug().Str("participant", identity).Msg("Agent excluded by participant, not responding")
		return
	}

	l := w.lockFor(identity)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	key := w.cfg.Room + ":" + identity
	history, err := w.history.Load(ctx, key)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to load history")
		history = nil
	}
	user := Turn{Role: TurnUser, Content: text}
	history = append(history, user)

	segmentID := segment.NewResponseID()
	attrs := func(final bool) map[string]string {
		return map[string]string{
			protocol.AttrSegmentID:          segmentID,
			protocol.AttrModel:              meta.LLMModel,
			protocol.AttrResponseType:       protocol.ResponseTypeLLM,
			protocol.AttrTranscriptionFinal: boolAttr(final),
		}
	}
	logger := logging.WithSegment("agent", w.cfg.Room, segmentID)

	start := time.Now()
	var firstToken time.Duration
	reply, err := w.responder.Respond(ctx, meta.LLMModel, history, func(chunk string) {
		if firstToken == 0 {
			firstToken = time.Since(start)
		}
		w.publish(protocol.NewData(protocol.TopicLLMStream, chunk, attrs(false)))
	})
	if err != nil {
		logger.Error().Err(err).Str("model", meta.LLMModel).Msg("Response failed")
		if reply == "" {
			reply = fallbackReply
			w.publish(protocol.NewData(protocol.TopicLLMStream, reply, attrs(false)))
		}
	}
	w.publish(protocol.NewData(protocol.TopicLLMStream, "", attrs(true)))
	w.metrics.RecordAgentResponse(err, firstToken.Seconds(), time.Since(start).Seconds())

	if err := w.history.Append(ctx, key, user, Turn{Role: TurnAssistant, Content: reply}); err != nil {
		logger.Warn().Err(err).Msg("Failed to save history")
	}
	logger.Info().
		Str("participant", identity).
		Dur("firstToken", firstToken).
		Int("chars", len(reply)).
		Msg("Response sent")
}

// voiceSession is the agent side of one published user track.
type voiceSession struct {
	identity  string
	trackID   string
	sessionID string
	audio     chan []byte
	stopCh    chan struct{}
	ready     chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	logger    zerolog.Logger

	mu          sync.Mutex
	stopped     bool
	transcriber *Transcriber
	monitor     *Monitor
}

// attach installs the running pipeline unless the session already stopped.
func (vs *voiceSession) attach(tr *Transcriber, mon *Monitor) bool {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.stopped {
		return false
	}
	vs.transcriber = tr
	vs.monitor = mon
	return true
}

func (vs *voiceSession) touch() {
	vs.mu.Lock()
	mon := vs.monitor
	vs.mu.Unlock()
	if mon != nil {
		mon.Touch()
	}
}

// stop ends the pump, the monitor and the STT session. Idempotent.
func (vs *voiceSession) stop() {
	vs.mu.Lock()
	if vs.stopped {
		vs.mu.Unlock()
		return
	}
	vs.stopped = true
	tr, mon := vs.transcriber, vs.monitor
	close(vs.stopCh)
	vs.mu.Unlock()

	if tr != nil {
		<-vs.ready
		mon.Stop()
		if err := tr.Close(); err != nil {
			vs.logger.Warn().Err(err).Msg("STT close failed")
		}
	}
	vs.cancel()
	vs.logger.Info().Str("sessionId", vs.sessionID).Msg("Voice session ended")
}
