// Package vad implements the voice activity gate that decides which
// microphone frames reach the published track and enforces the turn
// duration limit.
package vad

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/observability/metrics"
)

// ErrSendFailed is reported to the error handler when buffered audio had
// to be discarded after a failed reconnect.
var ErrSendFailed = errors.New("audio send failed")

// State is the gate state.
type State int

const (
	StateSilent State = iota
	StateSpeechActive
	StateSilentConfirmed
	StateDurationLimitReached
)

func (s State) String() string {
	switch s {
	case StateSilent:
		return "SILENT"
	case StateSpeechActive:
		return "SPEECH_ACTIVE"
	case StateSilentConfirmed:
		return "SILENT_CONFIRMED"
	case StateDurationLimitReached:
		return "DURATION_LIMIT_REACHED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Sink receives forwarded frames.
type Sink interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Reconnect(ctx context.Context) error
}

// Notifier receives session notifications produced by the gate.
type Notifier interface {
	Notify(ev models.SessionNotificationEvent)
}

// TurnMetrics summarizes the audio observed since the previous turn ended.
type TurnMetrics struct {
	Total       time.Duration
	Transmitted time.Duration
	Filtered    time.Duration
	Ratio       float64
	// Reason is "silence", "max_duration" or "flush".
	Reason string
}

// Config tunes the gate.
type Config struct {
	SampleRateHz          int
	ActivationThreshold   float64
	DeactivationThreshold float64
	PreRoll               time.Duration
	MinSilence            time.Duration
	WarningThreshold      time.Duration
	MaxDuration           time.Duration
	GracePeriod           time.Duration
	SendBuffer            time.Duration
	ReconnectTimeout      time.Duration
	SessionID             string
}

// DefaultConfig returns the standard gate tuning for 16kHz audio.
func DefaultConfig() Config {
	return Config{
		SampleRateHz:          16000,
		ActivationThreshold:   0.5,
		DeactivationThreshold: 0.35,
		PreRoll:               500 * time.Millisecond,
		MinSilence:            300 * time.Millisecond,
		WarningThreshold:      55 * time.Second,
		MaxDuration:           60 * time.Second,
		GracePeriod:           2 * time.Second,
		SendBuffer:            5 * time.Second,
		ReconnectTimeout:      10 * time.Second,
	}
}

// Option configures optional gate collaborators.
type Option func(*Gate)

// WithNotifier sets the receiver of warning and timeout notifications.
func WithNotifier(n Notifier) Option { return func(g *Gate) { g.notifier = n } }

// WithTurnHandler sets the callback receiving turn-end metrics.
func WithTurnHandler(fn func(TurnMetrics)) Option { return func(g *Gate) { g.onTurnEnd = fn } }

// WithErrorHandler sets the callback receiving send-path errors.
func WithErrorHandler(fn func(error)) Option { return func(g *Gate) { g.onError = fn } }

// WithClock overrides the wall clock used for notification timestamps.
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// WithMetrics overrides the metrics registry.
func WithMetrics(m *metrics.Metrics) Option { return func(g *Gate) { g.metrics = m } }

// Gate is the voice activity gate. Process must be called from a single
// capture goroutine; callbacks run on that goroutine after internal locks
// are released.
type Gate struct {
	cfg      Config
	detector Detector
	sink     Sink
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	onTurnEnd func(TurnMetrics)
	onError   func(error)

	mu         sync.Mutex
	state      State
	preRoll    *frameQueue
	elapsed    time.Duration
	silenceRun time.Duration
	graceUsed  time.Duration
	warned     bool
	// rearm blocks re-activation after a forced stop until silence is
	// confirmed, so one continuous utterance yields one warning and one
	// timeout.
	rearm bool

	observed    time.Duration
	transmitted time.Duration

	pending    *frameQueue
	recovering bool
	dropped    time.Duration
}

// New creates a gate forwarding to sink.
func New(cfg Config, detector Detector, sink Sink, opts ...Option) *Gate {
	if detector == nil {
		detector = NewEnergyDetector()
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = 10 * time.Second
	}
	g := &Gate{
		cfg:      cfg,
		detector: detector,
		sink:     sink,
		metrics:  metrics.DefaultMetrics,
		logger:   logging.WithComponent("vad"),
		now:      time.Now,
		preRoll:  newFrameQueue(cfg.PreRoll),
		pending:  newFrameQueue(cfg.SendBuffer),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// State returns the current gate state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SetSessionID sets the session ID stamped on gate notifications.
func (g *Gate) SetSessionID(id string) {
	g.mu.Lock()
	g.cfg.SessionID = id
	g.mu.Unlock()
}

// Buffered returns the play time currently held for retransmission.
func (g *Gate) Buffered() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending.duration()
}

type effects struct {
	notes []models.SessionNotificationEvent
	turn  *TurnMetrics
}

// Process classifies one frame and forwards it when it belongs to a turn.
func (g *Gate) Process(ctx context.Context, frame []byte) {
	conf := g.detector.Confidence(frame)
	dur := FrameDuration(frame, g.cfg.SampleRateHz)

	g.mu.Lock()
	var fx effects
	g.observed += dur

	switch g.state {
	case StateSilent:
		g.processSilent(ctx, frame, dur, conf)
	case StateSpeechActive:
		g.processActive(ctx, frame, dur, conf, &fx)
	case StateDurationLimitReached:
		g.processGrace(ctx, frame, dur, conf, &fx)
	}
	g.mu.Unlock()

	g.dispatch(fx)
}

// Flush ends an open turn, for example when the voice session stops.
func (g *Gate) Flush() {
	g.mu.Lock()
	var fx effects
	if g.state == StateSpeechActive || g.state == StateDurationLimitReached {
		g.finishTurn("flush", &fx)
	}
	g.preRoll.drain()
	g.rearm = false
	g.silenceRun = 0
	g.mu.Unlock()

	g.dispatch(fx)
}

func (g *Gate) processSilent(ctx context.Context, frame []byte, dur time.Duration, conf float64) {
	if g.rearm {
		if conf >= g.cfg.DeactivationThreshold {
			g.silenceRun = 0
			return
		}
		g.silenceRun += dur
		if g.silenceRun < g.cfg.MinSilence {
			return
		}
		g.rearm = false
		g.silenceRun = 0
	}

	if conf < g.cfg.ActivationThreshold {
		g.preRoll.push(frame, dur)
		return
	}

	g.state = StateSpeechActive
	g.elapsed = 0
	g.silenceRun = 0
	g.warned = false
	g.logger.Debug().
		Float64("confidence", conf).
		Dur("preRoll", g.preRoll.duration()).
		Msg("Speech onset")

	for _, f := range g.preRoll.drain() {
		g.forward(ctx, f.data, f.dur)
	}
	g.forward(ctx, frame, dur)
	g.elapsed += dur
}

func (g *Gate) processActive(ctx context.Context, frame []byte, dur time.Duration, conf float64, fx *effects) {
	g.forward(ctx, frame, dur)
	g.elapsed += dur

	if conf >= g.cfg.DeactivationThreshold {
		g.silenceRun = 0
	} else {
		g.silenceRun += dur
	}

	if !g.warned && g.elapsed >= g.cfg.WarningThreshold {
		g.warned = true
		remaining := max(0, int(math.Ceil((g.cfg.MaxDuration-g.elapsed).Seconds())))
		fx.notes = append(fx.notes, models.SessionNotificationEvent{
			Type:             models.NotificationSessionWarning,
			SessionID:        g.cfg.SessionID,
			Timestamp:        g.now(),
			RemainingSeconds: remaining,
		})
	}

	if g.elapsed >= g.cfg.MaxDuration {
		g.state = StateDurationLimitReached
		g.graceUsed = 0
		fx.notes = append(fx.notes, models.SessionNotificationEvent{
			Type:      models.NotificationSessionTimeout,
			SessionID: g.cfg.SessionID,
			Timestamp: g.now(),
			Reason:    models.ReasonMaxDuration,
		})
		return
	}

	if g.silenceRun >= g.cfg.MinSilence {
		g.state = StateSilentConfirmed
		g.finishTurn("silence", fx)
	}
}

func (g *Gate) processGrace(ctx context.Context, frame []byte, dur time.Duration, conf float64, fx *effects) {
	if conf < g.cfg.DeactivationThreshold || g.graceUsed+dur > g.cfg.GracePeriod {
		g.rearm = conf >= g.cfg.DeactivationThreshold
		g.finishTurn(models.ReasonMaxDuration, fx)
		return
	}
	g.graceUsed += dur
	g.forward(ctx, frame, dur)
}

func (g *Gate) finishTurn(reason string, fx *effects) {
	total := g.observed
	transmitted := g.transmitted
	if transmitted > total {
		transmitted = total
	}
	m := TurnMetrics{
		Total:       total,
		Transmitted: transmitted,
		Filtered:    total - transmitted,
		Reason:      reason,
	}
	if total > 0 {
		m.Ratio = float64(transmitted) / float64(total)
	}
	fx.turn = &m

	g.state = StateSilent
	g.observed = 0
	g.transmitted = 0
	g.elapsed = 0
	g.silenceRun = 0
	g.graceUsed = 0
}

// forward sends a frame, or queues it while a reconnect is in flight.
// Caller holds g.mu.
func (g *Gate) forward(ctx context.Context, frame []byte, dur time.Duration) {
	g.transmitted += dur

	if g.recovering {
		g.dropped += g.pending.push(frame, dur)
		return
	}

	err := g.sink.SendAudio(ctx, frame)
	if err == nil {
		return
	}

	g.logger.Warn().Err(err).Msg("Audio send failed, buffering and reconnecting")
	g.metrics.RecordSendFailure("buffered")
	g.dropped = g.pending.push(frame, dur)
	g.recovering = true
	go g.recover()
}

// recover reconnects the sink and flushes buffered frames in order.
func (g *Gate) recover() {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ReconnectTimeout)
	defer cancel()

	if err := g.sink.Reconnect(ctx); err != nil {
		g.abandon(fmt.Errorf("%w: reconnect: %v", ErrSendFailed, err))
		return
	}

	for {
		g.mu.Lock()
		f, ok := g.pending.pop()
		if !ok {
			g.recovering = false
			dropped := g.dropped
			g.dropped = 0
			g.mu.Unlock()
			g.metrics.RecordSendFailure("flushed")
			if dropped > 0 {
				g.logger.Warn().Dur("dropped", dropped).Msg("Send buffer overflowed during reconnect")
			}
			g.logger.Info().Msg("Reconnected, buffered audio flushed")
			return
		}
		g.mu.Unlock()

		if err := g.sink.SendAudio(ctx, f.data); err != nil {
			g.abandon(fmt.Errorf("%w: flush: %v", ErrSendFailed, err))
			return
		}
	}
}

func (g *Gate) abandon(err error) {
	g.mu.Lock()
	discarded := g.pending.duration()
	g.pending.drain()
	g.recovering = false
	g.dropped = 0
	g.mu.Unlock()

	g.metrics.RecordSendFailure("discarded")
	g.logger.Error().Err(err).Dur("discarded", discarded).Msg("Buffered audio discarded")
	if g.onError != nil {
		g.onError(err)
	}
}

func (g *Gate) dispatch(fx effects) {
	for _, n := range fx.notes {
		g.metrics.RecordGateNotification(string(n.Type))
		g.logger.Info().
			Str("type", string(n.Type)).
			Int("remainingSeconds", n.RemainingSeconds).
			Str("reason", n.Reason).
			Msg("Turn limit notification")
		if g.notifier != nil {
			g.notifier.Notify(n)
		}
	}
	if fx.turn != nil {
		m := *fx.turn
		g.metrics.RecordTurn(m.Total.Seconds(), m.Transmitted.Seconds(), m.Filtered.Seconds(), m.Ratio)
		g.logger.Debug().
			Dur("total", m.Total).
			Dur("transmitted", m.Transmitted).
			Dur("filtered", m.Filtered).
			Float64("ratio", m.Ratio).
			Str("reason", m.Reason).
			Msg("Turn ended")
		if g.onTurnEnd != nil {
			g.onTurnEnd(m)
		}
	}
}
