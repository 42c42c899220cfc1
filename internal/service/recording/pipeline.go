// Package recording captures the microphone track to a server-side file
// through egress and keeps the resulting recordings.
package recording

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/egress"
	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/observability/metrics"
	"ai-voice-session-service/internal/pubsub"
	"ai-voice-session-service/internal/store"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrNotFound         = errors.New("recording not found")
	// ErrNotReady means the egress file is not flushed yet. Retry later.
	ErrNotReady = egress.ErrNotReady
)

// EgressClient starts and stops server-side track egress.
type EgressClient interface {
	StartTrackEgress(ctx context.Context, roomName, trackID, path string) (egress.StartTrackEgressResponse, error)
	StopEgress(ctx context.Context, egressID string) (egress.StopEgressResponse, error)
}

// VoiceTransport provides the microphone track to record.
type VoiceTransport interface {
	TrackID() string
	StartVoiceSession(ctx context.Context) (string, error)
	StopVoiceSession(ctx context.Context) error
}

// Extractor computes waveform data from a recording file.
type Extractor func(path string, buckets int) ([]float64, error)

// Config tunes the pipeline.
type Config struct {
	Dir             string
	Room            string
	TickInterval    time.Duration
	WaveformRetry   time.Duration
	WaveformBuckets int
	PlaybackChunk   time.Duration
}

// DefaultConfig returns the default pipeline settings.
func DefaultConfig() Config {
	return Config{
		Dir:             "./data/recordings",
		Room:            "voice",
		TickInterval:    time.Second,
		WaveformRetry:   time.Second,
		WaveformBuckets: 100,
		PlaybackChunk:   100 * time.Millisecond,
	}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExtractor replaces the waveform extractor.
func WithExtractor(fn Extractor) Option { return func(p *Pipeline) { p.extract = fn } }

// WithClock replaces the time source. It must carry a monotonic reading.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

type capture struct {
	id           string
	egressID     string
	path         string
	started      time.Time
	startedVoice bool
	cancelTick   context.CancelFunc
	transcript   []string
}

// Pipeline runs one recording at a time.
type Pipeline struct {
	cfg     Config
	egress  EgressClient
	voice   VoiceTransport
	repo    store.Repository
	extract Extractor
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
	elapsed *pubsub.Topic[time.Duration]

	opMu   sync.Mutex // serializes start and stop
	mu     sync.Mutex
	active *capture

	playMu  sync.Mutex
	playing *playback
}

// New creates a pipeline.
func New(cfg Config, egressClient EgressClient, voice VoiceTransport, repo store.Repository, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.WaveformRetry <= 0 {
		cfg.WaveformRetry = def.WaveformRetry
	}
	if cfg.WaveformBuckets <= 0 {
		cfg.WaveformBuckets = def.WaveformBuckets
	}
	if cfg.PlaybackChunk <= 0 {
		cfg.PlaybackChunk = def.PlaybackChunk
	}
	p := &Pipeline{
		cfg:     cfg,
		egress:  egressClient,
		voice:   voice,
		repo:    repo,
		extract: egress.Extract,
		now:     time.Now,
		logger:  logging.WithComponent("recording"),
		metrics: metrics.DefaultMetrics,
		elapsed: pubsub.NewTopic[time.Duration]("recording.elapsed"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Elapsed publishes the running duration once per tick while recording.
func (p *Pipeline) Elapsed() *pubsub.Topic[time.Duration] { return p.elapsed }

// Active returns the ID and elapsed time of the running recording.
func (p *Pipeline) Active() (string, time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return "", 0, false
	}
	return p.active.id, p.now().Sub(p.active.started), true
}

// StartRecording starts egress of the microphone track, publishing one
// if no voice session is running.
func (p *Pipeline) StartRecording(ctx context.Context) (string, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	busy := p.active != nil
	p.mu.Unlock()
	if busy {
		return "", ErrAlreadyRecording
	}

	trackID := p.voice.TrackID()
	startedVoice := false
	if trackID == "" {
		var err error
		trackID, err = p.voice.StartVoiceSession(ctx)
		if err != nil {
			p.metrics.RecordRecording("start", err)
			return "", fmt.Errorf("start microphone: %w", err)
		}
		startedVoice = true
	}

	id := uuid.NewString()
	path := filepath.Join(p.cfg.Dir, "rec-"+id+".wav")
	resp, err := p.egress.StartTrackEgress(ctx, p.cfg.Room, trackID, path)
	if err != nil {
		if startedVoice {
			p.stopVoice(ctx)
		}
		p.metrics.RecordRecording("start", err)
		return "", fmt.Errorf("start egress: %w", err)
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	c := &capture{
		id:           id,
		egressID:     resp.EgressID,
		path:         path,
		started:      p.now(),
		startedVoice: startedVoice,
		cancelTick:   cancel,
	}
	p.mu.Lock()
	p.active = c
	p.mu.Unlock()
	go p.tick(tickCtx, c.started)

	p.metrics.RecordRecording("start", nil)
	logger := logging.WithRecording(id, resp.EgressID)
	logger.Info().
		Str("trackId", trackID).
		Bool("startedVoice", startedVoice).
		Msg("Recording started")
	return id, nil
}

func (p *Pipeline) tick(ctx context.Context, started time.Time) {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.elapsed.Publish(p.now().Sub(started))
		}
	}
}

// HandleTranscription collects final user transcripts while recording.
func (p *Pipeline) HandleTranscription(ev models.TranscriptionEvent) {
	if !ev.IsFinal || ev.Role != models.RoleUser {
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != nil {
		p.active.transcript = append(p.active.transcript, text)
	}
}

// Run feeds transcriptions into the pipeline until ctx ends or the
// subscription closes, then cancels it.
func (p *Pipeline) Run(ctx context.Context, transcripts *pubsub.Subscription[models.TranscriptionEvent]) {
	defer transcripts.Cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-transcripts.C():
			if !ok {
				return
			}
			p.HandleTranscription(ev)
		}
	}
}

// StopRecording stops egress and persists the recording. The voice session
// is stopped only if StartRecording started it.
func (p *Pipeline) StopRecording(ctx context.Context) (*models.Recording, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	c := p.active
	p.active = nil
	p.mu.Unlock()
	if c == nil {
		return nil, ErrNotRecording
	}
	c.cancelTick()
	logger := logging.WithRecording(c.id, c.egressID)

	elapsed := p.now().Sub(c.started)
	rec := &models.Recording{
		ID:         c.id,
		EgressID:   c.egressID,
		Title:      "Recording " + c.started.Format("Jan 2 15:04"),
		DurationMs: elapsed.Milliseconds(),
		FilePath:   c.path,
		CreatedAt:  c.started.Round(0),
		Transcript: strings.Join(c.transcript, " "),
	}

	resp, err := p.egress.StopEgress(ctx, c.egressID)
	if err != nil {
		// The file may still be complete; keep the recording with local values.
		logger.Warn().Err(err).Msg("Stop egress failed, keeping local duration")
		p.metrics.RecordRecording("stop_egress", err)
	} else {
		if resp.Filename != "" {
			rec.FilePath = resp.Filename
		}
		if resp.DurationMs > 0 {
			rec.DurationMs = resp.DurationMs
		}
	}

	saveErr := p.repo.SaveRecording(ctx, rec)
	if c.startedVoice {
		p.stopVoice(ctx)
	}
	p.metrics.RecordRecording("stop", saveErr)
	if saveErr != nil {
		logger.Error().Err(saveErr).Msg("Failed to persist recording")
		return nil, fmt.Errorf("save recording: %w", saveErr)
	}

	p.metrics.RecordRecordingStored(float64(rec.DurationMs) / 1000)
	logger.Info().
		Int64("durationMs", rec.DurationMs).
		Int("transcriptChars", len(rec.Transcript)).
		Msg("Recording stored")
	return rec, nil
}

func (p *Pipeline) stopVoice(ctx context.Context) {
	if err := p.voice.StopVoiceSession(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to stop voice session")
	}
}

// ListRecordings returns stored recordings, newest first.
func (p *Pipeline) ListRecordings(ctx context.Context) ([]*models.Recording, error) {
	return p.repo.ListRecordings(ctx)
}

// Close stops the tick and any playback. A running recording is abandoned
// without being stored.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.active != nil {
		p.active.cancelTick()
		p.active = nil
	}
	p.mu.Unlock()
	p.Stop()
	p.elapsed.Close()
}
