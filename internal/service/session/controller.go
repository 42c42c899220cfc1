// Package session supervises the voice session: it publishes and
// unpublishes the microphone track and follows the agent's lifecycle
// notifications.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/observability/metrics"
	"ai-voice-session-service/internal/pubsub"
)

// VoiceTransport publishes and unpublishes the microphone track.
type VoiceTransport interface {
	StartVoiceSession(ctx context.Context) (string, error)
	StopVoiceSession(ctx context.Context) error
}

// Observer is told about every state change.
type Observer func(State)

// Controller is the session state machine.
type Controller struct {
	transport    VoiceTransport
	readyTimeout time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics

	mu         sync.Mutex
	state      State
	attempt    uint64
	lastErr    error
	sessionID  string
	readyTimer *time.Timer

	obsMu     sync.Mutex
	observers []Observer
}

// New creates an idle controller. A readyTimeout of zero waits for
// session_ready indefinitely.
func New(transport VoiceTransport, readyTimeout time.Duration) *Controller {
	return &Controller{
		transport:    transport,
		readyTimeout: readyTimeout,
		logger:       logging.WithComponent("session"),
		metrics:      metrics.DefaultMetrics,
	}
}

// Observe registers fn for state changes.
func (c *Controller) Observe(fn Observer) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the error that ended the most recent failed start.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SessionID returns the agent session ID from session_ready, if any.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// transition changes state. Caller holds c.mu.
func (c *Controller) transition(to State) bool {
	from := c.state
	if from == to {
		return false
	}
	c.state = to
	if to == StateIdle {
		c.sessionID = ""
		if c.readyTimer != nil {
			c.readyTimer.Stop()
			c.readyTimer = nil
		}
	}
	c.metrics.RecordSessionTransition(from.String(), to.String())
	c.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("Session state changed")
	return true
}

// notify reports the current state to observers. Observers always see the
// latest state, even when transitions race.
func (c *Controller) notify() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	st := c.State()
	for _, fn := range c.observers {
		fn(st)
	}
}

// Toggle stops a running session or starts a new one. Failures never
// escape: they are logged, recorded for LastError and leave the
// controller idle.
func (c *Controller) Toggle(ctx context.Context) {
	c.mu.Lock()
	if c.state.Running() {
		c.attempt++
		c.transition(StateIdle)
		c.mu.Unlock()
		c.notify()
		c.stopTransport(ctx)
		return
	}

	c.attempt++
	attempt := c.attempt
	c.lastErr = nil
	c.transition(StateRequesting)
	if c.readyTimeout > 0 {
		c.readyTimer = time.AfterFunc(c.readyTimeout, func() { c.readyExpired(attempt) })
	}
	c.mu.Unlock()
	c.notify()

	trackID, err := c.transport.StartVoiceSession(ctx)

	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		if err == nil {
			c.logger.Info().Str("trackId", trackID).Msg("Start superseded by stop, unpublishing track")
			c.stopTransport(ctx)
		}
		return
	}
	if err != nil {
		c.lastErr = err
		c.attempt++
		c.transition(StateIdle)
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("Failed to start voice session")
		c.notify()
		return
	}
	c.mu.Unlock()
	c.logger.Info().Str("trackId", trackID).Msg("Voice session requested, waiting for agent")
}

func (c *Controller) readyExpired(attempt uint64) {
	c.mu.Lock()
	if c.attempt != attempt || c.state != StateRequesting {
		c.mu.Unlock()
		return
	}
	c.attempt++
	c.lastErr = ErrReadyTimeout
	c.transition(StateIdle)
	c.mu.Unlock()

	c.logger.Warn().Dur("timeout", c.readyTimeout).Msg("Agent not ready, abandoning voice session")
	c.notify()
	c.stopTransport(context.Background())
}

func (c *Controller) stopTransport(ctx context.Context) {
	if err := c.transport.StopVoiceSession(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to stop voice session")
	}
}

// HandleNotification applies a session notification.
func (c *Controller) HandleNotification(ctx context.Context, ev models.SessionNotificationEvent) {
	c.mu.Lock()
	changed := false
	stop := false

	switch ev.Type {
	case models.NotificationSessionReady:
		if c.state == StateRequesting {
			if c.readyTimer != nil {
				c.readyTimer.Stop()
				c.readyTimer = nil
			}
			c.sessionID = ev.SessionID
			changed = c.transition(StateActive)
		}
	case models.NotificationSessionWarning:
		if c.state == StateActive {
			changed = c.transition(StateWarning)
		}
	case models.NotificationSessionTimeout:
		if c.state.Running() {
			c.attempt++
			changed = c.transition(StateIdle)
			stop = true
			c.logger.Info().Str("reason", ev.Reason).Msg("Session timed out")
		}
	}
	c.mu.Unlock()

	if changed {
		c.notify()
	}
	if stop {
		c.stopTransport(ctx)
	}
}

// HandleTranscription clears the warning on the next final user utterance.
func (c *Controller) HandleTranscription(ev models.TranscriptionEvent) {
	if !ev.IsFinal || ev.Role == models.RoleAgent {
		return
	}
	c.mu.Lock()
	changed := false
	if c.state == StateWarning {
		changed = c.transition(StateActive)
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// Run consumes notifications and transcriptions until ctx ends or both
// streams close. Both subscriptions are cancelled on return.
func (c *Controller) Run(ctx context.Context,
	notes *pubsub.Subscription[models.SessionNotificationEvent],
	transcripts *pubsub.Subscription[models.TranscriptionEvent],
) {
	var (
		nc <-chan models.SessionNotificationEvent
		tc <-chan models.TranscriptionEvent
	)
	if notes != nil {
		nc = notes.C()
		defer notes.Cancel()
	}
	if transcripts != nil {
		tc = transcripts.C()
		defer transcripts.Cancel()
	}

	for nc != nil || tc != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-nc:
			if !ok {
				nc = nil
				continue
			}
			c.HandleNotification(ctx, ev)
		case ev, ok := <-tc:
			if !ok {
				tc = nil
				continue
			}
			c.HandleTranscription(ev)
		}
	}
}

// Shutdown stops any running session.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	running := c.state.Running()
	if running {
		c.attempt++
		c.transition(StateIdle)
	}
	c.mu.Unlock()
	if running {
		c.notify()
		c.stopTransport(ctx)
	}
}
