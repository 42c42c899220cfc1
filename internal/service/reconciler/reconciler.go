// Package reconciler merges the transcription, immediate-text and
// notification streams into one ordered conversation.
//
// Messages are appended in arrival order and never re-sorted. At most one
// user message and one assistant message are streaming at any time; a new
// streaming message of a role is only created after the previous one of
// that role has been completed.
package reconciler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/observability/metrics"
	"ai-voice-session-service/internal/pubsub"
)

// ErrEmptyText is returned by SubmitText for blank input.
var ErrEmptyText = errors.New("message text is empty")

// Sink receives every message once it completes.
type Sink interface {
	MessageCompleted(ctx context.Context, msg models.ConversationMessage)
}

// TextSender forwards typed user text to the agent.
type TextSender interface {
	SendTextMessage(ctx context.Context, text string) error
}

// Streams are the subscriptions consumed by Run. Nil fields are skipped.
type Streams struct {
	Transcriptions *pubsub.Subscription[models.TranscriptionEvent]
	ImmediateText  *pubsub.Subscription[models.ImmediateTextEvent]
	Notifications  *pubsub.Subscription[models.SessionNotificationEvent]
	Status         *pubsub.Subscription[models.ConnectionStatus]
}

// release cancels every subscription in s.
func (s Streams) release() {
	if s.Transcriptions != nil {
		s.Transcriptions.Cancel()
	}
	if s.ImmediateText != nil {
		s.ImmediateText.Cancel()
	}
	if s.Notifications != nil {
		s.Notifications.Cancel()
	}
	if s.Status != nil {
		s.Status.Cancel()
	}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSink sets the completion sink.
func WithSink(s Sink) Option { return func(r *Reconciler) { r.sink = s } }

// WithClock overrides the message timestamp clock.
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

// WithIDs overrides message ID generation.
func WithIDs(next func() string) Option { return func(r *Reconciler) { r.newID = next } }

// Reconciler owns the ChatSessionState.
type Reconciler struct {
	sender  TextSender
	sink    Sink
	changes *pubsub.Topic[models.ChatSessionState]
	now     func() time.Time
	newID   func() string
	logger  zerolog.Logger
	metrics *metrics.Metrics

	pubMu sync.Mutex
	mu    sync.Mutex
	state models.ChatSessionState
}

// New creates a reconciler. sender may be nil when text submission is not
// used.
func New(sender TextSender, opts ...Option) *Reconciler {
	r := &Reconciler{
		sender:  sender,
		changes: pubsub.NewTopic[models.ChatSessionState]("conversation"),
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  logging.WithComponent("reconciler"),
		metrics: metrics.DefaultMetrics,
		state: models.ChatSessionState{
			Connection: models.StatusDisconnected,
			Voice:      models.VoiceIdle,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Changes publishes a snapshot after every mutation.
func (r *Reconciler) Changes() *pubsub.Topic[models.ChatSessionState] {
	return r.changes
}

// State returns a snapshot of the conversation.
func (r *Reconciler) State() models.ChatSessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Run consumes the streams until ctx ends or every stream is closed, then
// cancels the subscriptions.
func (r *Reconciler) Run(ctx context.Context, s Streams) {
	var (
		tr     <-chan models.TranscriptionEvent
		it     <-chan models.ImmediateTextEvent
		notes  <-chan models.SessionNotificationEvent
		status <-chan models.ConnectionStatus
	)
	if s.Transcriptions != nil {
		tr = s.Transcriptions.C()
	}
	if s.ImmediateText != nil {
		it = s.ImmediateText.C()
	}
	if s.Notifications != nil {
		notes = s.Notifications.C()
	}
	if s.Status != nil {
		status = s.Status.C()
	}
	defer s.release()

	for tr != nil || it != nil || notes != nil || status != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-tr:
			if !ok {
				tr = nil
				continue
			}
			r.HandleTranscription(ctx, ev)
		case ev, ok := <-it:
			if !ok {
				it = nil
				continue
			}
			r.HandleImmediateText(ctx, ev)
		case ev, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			r.HandleNotification(ctx, ev)
		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			r.HandleConnectionStatus(st)
		}
	}
}

// change collects the effects of one mutation.
type change struct {
	completed []models.ConversationMessage
}

// commit publishes the snapshot and delivers completed messages. Called
// with r.mu held; releases it. pubMu is taken before r.mu is released so
// snapshots and completions go out in mutation order.
func (r *Reconciler) commit(ctx context.Context, c *change) {
	snapshot := r.state.Clone()
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.mu.Unlock()

	r.changes.Publish(snapshot)
	if r.sink == nil {
		return
	}
	for _, msg := range c.completed {
		// Placeholders completed without a reply carry nothing to record.
		if msg.Text == "" {
			continue
		}
		r.sink.MessageCompleted(ctx, msg)
	}
}

func roleLabel(isUser bool) string {
	if isUser {
		return string(models.RoleUser)
	}
	return "assistant"
}

// streamingIndex returns the streaming message of the given role, or -1.
func (r *Reconciler) streamingIndex(isUser bool) int {
	for i := len(r.state.Messages) - 1; i >= 0; i-- {
		m := r.state.Messages[i]
		if m.IsUser == isUser && m.Streaming() {
			return i
		}
	}
	return -1
}

func (r *Reconciler) complete(i int, c *change) {
	m := &r.state.Messages[i]
	if !m.Streaming() {
		return
	}
	m.Status = models.MessageComplete
	c.completed = append(c.completed, *m)
	r.metrics.RecordMessageCompleted(roleLabel(m.IsUser))
}

func (r *Reconciler) completeRole(isUser bool, c *change) {
	for i := range r.state.Messages {
		if r.state.Messages[i].IsUser == isUser {
			r.complete(i, c)
		}
	}
}

func (r *Reconciler) completeAll(c *change) {
	for i := range r.state.Messages {
		r.complete(i, c)
	}
}

// add appends a message after completing any streaming message of the
// same role, and returns its index.
func (r *Reconciler) add(msg models.ConversationMessage, c *change) int {
	if msg.Streaming() {
		r.completeRole(msg.IsUser, c)
	}
	if msg.ID == "" {
		msg.ID = r.newID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}
	r.state.Messages = append(r.state.Messages, msg)
	r.metrics.RecordMessageCreated(roleLabel(msg.IsUser))
	if !msg.Streaming() {
		c.completed = append(c.completed, msg)
		r.metrics.RecordMessageCompleted(roleLabel(msg.IsUser))
	}
	return len(r.state.Messages) - 1
}

func (r *Reconciler) openPlaceholder(c *change) {
	r.add(models.ConversationMessage{Status: models.MessageStreaming}, c)
}

func joinFinals(buf, text string) string {
	text = strings.TrimSpace(text)
	if buf == "" {
		return text
	}
	if text == "" {
		return buf
	}
	return buf + " " + text
}

// HandleTranscription applies one transcription update. Agent speech is
// ignored because assistant text arrives on the immediate-text stream.
func (r *Reconciler) HandleTranscription(ctx context.Context, ev models.TranscriptionEvent) {
	if ev.Role == models.RoleAgent {
		return
	}

	r.mu.Lock()
	var c change

	idx := r.streamingIndex(true)
	if idx < 0 {
		r.state.AccumulatedFinals = ""
		r.completeAll(&c)
		idx = r.add(models.ConversationMessage{
			IsUser:    true,
			Status:    models.MessageStreaming,
			SegmentID: ev.SegmentID,
		}, &c)
	}
	msg := &r.state.Messages[idx]

	if !ev.IsFinal {
		if r.state.AccumulatedFinals == "" {
			msg.Text = ev.Text
		} else {
			msg.Text = r.state.AccumulatedFinals + " " + ev.Text
		}
		r.commit(ctx, &c)
		return
	}

	r.state.AccumulatedFinals = joinFinals(r.state.AccumulatedFinals, ev.Text)
	msg.Text = r.state.AccumulatedFinals
	if ev.SegmentID != "" {
		msg.SegmentID = ev.SegmentID
	}
	r.complete(idx, &c)
	r.openPlaceholder(&c)
	r.state.AccumulatedFinals = ""

	r.logger.Debug().Str("segmentId", ev.SegmentID).Msg("User utterance finalized")
	r.commit(ctx, &c)
}

// HandleImmediateText appends one assistant text chunk.
func (r *Reconciler) HandleImmediateText(ctx context.Context, ev models.ImmediateTextEvent) {
	if ev.Role != models.RoleAgent {
		return
	}

	r.mu.Lock()
	var c change

	r.completeRole(true, &c)

	idx := r.streamingIndex(false)
	if idx >= 0 {
		cur := r.state.Messages[idx]
		if cur.SegmentID != "" && ev.SegmentID != "" && cur.SegmentID != ev.SegmentID {
			idx = -1
		}
	}
	if idx < 0 {
		if ev.Final && ev.Text == "" {
			// Closing marker for a response already completed.
			r.commit(ctx, &c)
			return
		}
		idx = r.add(models.ConversationMessage{Status: models.MessageStreaming}, &c)
	}

	msg := &r.state.Messages[idx]
	if msg.SegmentID == "" {
		msg.SegmentID = ev.SegmentID
	}
	msg.Text += ev.Text
	if msg.Model == "" {
		msg.Model = ev.Model
	}
	if msg.Intent == "" {
		msg.Intent = ev.Intent
	}
	if msg.ResponseType == "" {
		msg.ResponseType = ev.ResponseType
	}
	if ev.Final {
		r.complete(idx, &c)
	}
	r.commit(ctx, &c)
}

// HandleNotification reacts to session notifications. Only a timeout
// changes the conversation: every open message is completed as is.
func (r *Reconciler) HandleNotification(ctx context.Context, ev models.SessionNotificationEvent) {
	if ev.Type != models.NotificationSessionTimeout {
		return
	}

	r.mu.Lock()
	var c change
	r.completeAll(&c)
	r.state.AccumulatedFinals = ""
	r.logger.Info().Str("reason", ev.Reason).Int("completed", len(c.completed)).Msg("Session timeout, open messages completed")
	r.commit(ctx, &c)
}

// HandleConnectionStatus mirrors the transport status.
func (r *Reconciler) HandleConnectionStatus(status models.ConnectionStatus) {
	r.mu.Lock()
	r.state.Connection = status
	r.commit(context.Background(), &change{})
}

// SetVoiceState mirrors the session controller.
func (r *Reconciler) SetVoiceState(voice models.VoiceState, warning bool) {
	r.mu.Lock()
	if r.state.Voice == voice && r.state.Warning == warning {
		r.mu.Unlock()
		return
	}
	r.state.Voice = voice
	r.state.Warning = warning
	r.commit(context.Background(), &change{})
}

// SubmitText records typed user text and forwards it to the agent.
func (r *Reconciler) SubmitText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}

	r.mu.Lock()
	var c change
	r.completeAll(&c)
	r.state.AccumulatedFinals = ""
	r.add(models.ConversationMessage{IsUser: true, Text: text, Status: models.MessageComplete}, &c)
	r.openPlaceholder(&c)
	r.commit(ctx, &c)

	if r.sender == nil {
		return nil
	}
	return r.sender.SendTextMessage(ctx, text)
}

// Clear drops the conversation. Connection and voice state are kept.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	r.state.Messages = nil
	r.state.AccumulatedFinals = ""
	r.commit(context.Background(), &change{})
}

// Close closes the change stream.
func (r *Reconciler) Close() {
	r.changes.Close()
}
