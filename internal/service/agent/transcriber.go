package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/observability/metrics"
	"ai-voice-session-service/internal/service/segment"
	"ai-voice-session-service/internal/service/stt"
)

// SegmentLimits defines safety guardrails for segment processing.
// These prevent unbounded resource usage and ensure backpressure.
type SegmentLimits struct {
	MaxAudioBytes int64         // Max audio per segment
	MaxDuration   time.Duration // Max segment duration
	MaxPartials   int           // Max partial transcripts per segment
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() SegmentLimits {
	return SegmentLimits{
		MaxAudioBytes: 5 * 1024 * 1024, // 5MB (~160 seconds at 16kHz 16-bit mono)
		MaxDuration:   5 * time.Minute,
		MaxPartials:   500,
	}
}

// TranscriptFunc receives every accepted partial and final transcript.
type TranscriptFunc func(segmentID, text string, final bool)

// Transcriber feeds one participant's track to an STT adapter and turns
// its callbacks into segment-scoped transcripts. A segment accepts
// partials until its single final; the utterance boundary opens the next.
type Transcriber struct {
	adapter  stt.Adapter
	provider string
	scope    string
	segments *segment.Generator
	emit     TranscriptFunc
	limits   SegmentLimits
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	lifecycle *segment.Lifecycle

	mu           sync.Mutex
	segmentStart time.Time
	audioBytes   int64
	utterances   int
}

var _ stt.Callback = (*Transcriber)(nil)

// NewTranscriber creates a transcriber whose segment IDs are scoped to
// scope, normally the participant identity.
func NewTranscriber(adapter stt.Adapter, provider, scope string, segments *segment.Generator, limits SegmentLimits, emit TranscriptFunc) *Transcriber {
	t := &Transcriber{
		adapter:      adapter,
		provider:     provider,
		scope:        scope,
		segments:     segments,
		emit:         emit,
		limits:       limits,
		logger:       logging.WithComponent("transcriber").With().Str("identity", scope).Str("provider", provider).Logger(),
		metrics:      metrics.DefaultMetrics,
		segmentStart: time.Now(),
	}
	t.lifecycle = segment.NewLifecycle(segments.Next(scope))
	t.metrics.RecordSegmentCreated()
	return t
}

// Start begins the STT session with this transcriber as the callback receiver.
func (t *Transcriber) Start(ctx context.Context) error {
	return t.adapter.Start(ctx, t)
}

// SendAudio forwards audio to the adapter. Audio past the segment limits
// drops the segment; it is still forwarded so the provider can reach the
// next utterance boundary.
func (t *Transcriber) SendAudio(ctx context.Context, pcm []byte) error {
	t.mu.Lock()
	t.audioBytes += int64(len(pcm))
	bytes := t.audioBytes
	age := time.Since(t.segmentStart)
	t.mu.Unlock()

	t.metrics.RecordAudioReceived(len(pcm))

	if t.limits.MaxAudioBytes > 0 && bytes > t.limits.MaxAudioBytes {
		t.drop(fmt.Sprintf("max audio bytes exceeded: %d > %d", bytes, t.limits.MaxAudioBytes), "max_bytes")
	} else if t.limits.MaxDuration > 0 && age > t.limits.MaxDuration {
		t.drop(fmt.Sprintf("max duration exceeded: %v > %v", age.Round(time.Millisecond), t.limits.MaxDuration), "max_duration")
	}

	return t.adapter.SendAudio(ctx, pcm)
}

// SegmentID returns the current segment ID.
func (t *Transcriber) SegmentID() string {
	return t.lifecycle.ID()
}

// SegmentState returns the current segment lifecycle state.
func (t *Transcriber) SegmentState() segment.State {
	return t.lifecycle.State()
}

// Utterances returns the number of completed utterances.
func (t *Transcriber) Utterances() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.utterances
}

// Close ends the STT session. Providers may deliver a last final while
// closing.
func (t *Transcriber) Close() error {
	err := t.adapter.Close()
	t.lifecycle.Close()
	return err
}

func (t *Transcriber) drop(reason, label string) {
	if t.lifecycle.Drop(reason) {
		t.metrics.RecordSegmentDropped(label)
		t.logger.Warn().
			Str("segmentId", t.lifecycle.ID()).
			Str("reason", reason).
			Msg("Segment DROPPED")
	}
}

// OnPartial emits an interim transcript while the segment is open.
func (t *Transcriber) OnPartial(text string) {
	count, err := t.lifecycle.Partial(text)
	if err != nil {
		t.logger.Debug().Err(err).Str("segmentId", t.lifecycle.ID()).Msg("Partial ignored")
		return
	}
	if t.limits.MaxPartials > 0 && count > t.limits.MaxPartials {
		t.drop(fmt.Sprintf("max partials exceeded: %d > %d", count, t.limits.MaxPartials), "max_partials")
		return
	}
	t.metrics.RecordPartialTranscript()
	t.emit(t.lifecycle.ID(), text, false)
}

// OnFinal emits the segment's single final transcript.
func (t *Transcriber) OnFinal(text string, confidence float64) {
	id := t.lifecycle.ID()
	if err := t.lifecycle.Final(text); err != nil {
		t.logger.Debug().Err(err).Str("segmentId", id).Msg("Final ignored")
		return
	}
	t.metrics.RecordFinalTranscript()
	t.metrics.RecordSegmentCompleted()
	t.logger.Info().
		Str("segmentId", id).
		Float64("confidence", confidence).
		Int("chars", len(text)).
		Msg("Final transcript")
	t.emit(id, text, true)
}

// OnEndOfUtterance closes the current segment and opens the next one.
func (t *Transcriber) OnEndOfUtterance() {
	old := t.lifecycle.Info()
	t.lifecycle.Close()

	t.mu.Lock()
	t.utterances++
	bytes := t.audioBytes
	t.audioBytes = 0
	t.segmentStart = time.Now()
	n := t.utterances
	t.mu.Unlock()

	next := t.segments.Next(t.scope)
	t.lifecycle.Reset(next)
	t.metrics.RecordUtterance()
	t.metrics.RecordSegmentCreated()

	t.logger.Debug().
		Str("oldSegment", old.ID).
		Str("oldState", old.State.String()).
		Str("newSegment", next).
		Int("utterance", n).
		Int64("bytes", bytes).
		Int("partials", old.Partials).
		Dur("duration", old.Age.Round(time.Millisecond)).
		Msg("End of utterance")
}

// OnError drops the current segment; no final is emitted for it.
func (t *Transcriber) OnError(err error) {
	t.metrics.RecordSTTError(t.provider, "stream")
	t.logger.Error().Err(err).Str("segmentId", t.lifecycle.ID()).Msg("STT error")
	t.drop("stt error: "+err.Error(), "stt_error")
}
