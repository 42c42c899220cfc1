package vad

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"ai-voice-session-service/internal/models"
)

const frameBytes = 640 // 20ms at 16kHz

// tagged builds a frame whose first byte carries the confidence in
// percent and whose next four bytes carry a sequence number.
func tagged(seq int, conf float64) []byte {
	f := make([]byte, frameBytes)
	f[0] = byte(conf * 100)
	binary.LittleEndian.PutUint32(f[1:], uint32(seq))
	return f
}

func seqOf(f []byte) int { return int(binary.LittleEndian.Uint32(f[1:])) }

var taggedDetector = DetectorFunc(func(f []byte) float64 { return float64(f[0]) / 100 })

type fakeSink struct {
	mu          sync.Mutex
	sent        []int
	failNext    int
	reconnectCh chan error
	reconnects  int
}

func (s *fakeSink) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("track closed")
	}
	s.sent = append(s.sent, seqOf(pcm))
	return nil
}

func (s *fakeSink) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	s.reconnects++
	ch := s.reconnectCh
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSink) Sent() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.sent...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.SessionNotificationEvent
}

func (n *fakeNotifier) Notify(ev models.SessionNotificationEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *fakeNotifier) count(typ models.NotificationType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == typ {
			c++
		}
	}
	return c
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SessionID = "session_test"
	return cfg
}

type harness struct {
	gate     *Gate
	sink     *fakeSink
	notifier *fakeNotifier
	turns    []TurnMetrics
	errs     []error
	errMu    sync.Mutex
	seq      int
}

func newHarness(cfg Config) *harness {
	h := &harness{sink: &fakeSink{}, notifier: &fakeNotifier{}}
	h.gate = New(cfg, taggedDetector, h.sink,
		WithNotifier(h.notifier),
		WithTurnHandler(func(m TurnMetrics) { h.turns = append(h.turns, m) }),
		WithErrorHandler(func(err error) {
			h.errMu.Lock()
			h.errs = append(h.errs, err)
			h.errMu.Unlock()
		}),
	)
	return h
}

// feed sends n frames at the given confidence and returns their sequence
// numbers.
func (h *harness) feed(n int, conf float64) []int {
	seqs := make([]int, 0, n)
	for i := 0; i < n; i++ {
		h.seq++
		h.gate.Process(context.Background(), tagged(h.seq, conf))
		seqs = append(seqs, h.seq)
	}
	return seqs
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestGate_SilenceIsNotTransmitted(t *testing.T) {
	h := newHarness(testConfig())
	h.feed(100, 0)

	if len(h.sink.Sent()) != 0 {
		t.Errorf("expected no frames sent during silence, got %d", len(h.sink.Sent()))
	}
	if h.gate.State() != StateSilent {
		t.Errorf("expected SILENT, got %s", h.gate.State())
	}
}

func TestGate_PreRollPrecedesOnsetFrame(t *testing.T) {
	h := newHarness(testConfig())
	lead := h.feed(10, 0.1)
	onset := h.feed(1, 0.9)

	want := append(lead, onset...)
	if got := h.sink.Sent(); !equalInts(got, want) {
		t.Errorf("expected pre-roll then onset %v, got %v", want, got)
	}
	if h.gate.State() != StateSpeechActive {
		t.Errorf("expected SPEECH_ACTIVE, got %s", h.gate.State())
	}
}

func TestGate_PreRollKeepsOnlyLatestWindow(t *testing.T) {
	h := newHarness(testConfig())
	lead := h.feed(30, 0)
	onset := h.feed(1, 0.9)

	// 500ms of 20ms frames is the last 25 frames.
	want := append(append([]int(nil), lead[5:]...), onset...)
	if got := h.sink.Sent(); !equalInts(got, want) {
		t.Errorf("expected last 25 pre-roll frames then onset, got %v", got)
	}
}

func TestGate_NoFrameLostWithinTurn(t *testing.T) {
	h := newHarness(testConfig())
	h.feed(5, 0)
	speech := h.feed(40, 0.9)
	gap := h.feed(10, 0.1) // 200ms, below min silence
	more := h.feed(20, 0.8)

	sent := h.sink.Sent()
	want := append(append(append([]int(nil), speech...), gap...), more...)
	if !equalInts(sent[5:], want) {
		t.Errorf("expected every in-turn frame transmitted in order")
	}
	if len(h.turns) != 0 {
		t.Errorf("expected turn still open after short pause, got %d turns", len(h.turns))
	}
}

func TestGate_HysteresisKeepsTurnOpen(t *testing.T) {
	h := newHarness(testConfig())
	h.feed(5, 0.9)
	// Between deactivation (0.35) and activation (0.5).
	h.feed(50, 0.4)

	if h.gate.State() != StateSpeechActive {
		t.Errorf("expected speech to remain active above deactivation, got %s", h.gate.State())
	}
	if len(h.turns) != 0 {
		t.Errorf("expected no turn end, got %d", len(h.turns))
	}
}

func TestGate_MinSilenceEndsTurn(t *testing.T) {
	h := newHarness(testConfig())
	h.feed(30, 0)   // 600ms, 100ms falls outside pre-roll
	h.feed(5, 0.9)  // 100ms speech
	h.feed(15, 0.1) // 300ms trailing silence

	if len(h.turns) != 1 {
		t.Fatalf("expected one turn end, got %d", len(h.turns))
	}
	m := h.turns[0]
	if m.Total != time.Second {
		t.Errorf("expected total 1s, got %v", m.Total)
	}
	if m.Transmitted != 900*time.Millisecond {
		t.Errorf("expected transmitted 900ms, got %v", m.Transmitted)
	}
	if m.Filtered != 100*time.Millisecond {
		t.Errorf("expected filtered 100ms, got %v", m.Filtered)
	}
	if m.Ratio < 0.899 || m.Ratio > 0.901 {
		t.Errorf("expected ratio 0.9, got %v", m.Ratio)
	}
	if m.Reason != "silence" {
		t.Errorf("expected reason silence, got %s", m.Reason)
	}
	if h.gate.State() != StateSilent {
		t.Errorf("expected SILENT after turn end, got %s", h.gate.State())
	}
}

func shortLimits() Config {
	cfg := testConfig()
	cfg.WarningThreshold = time.Second
	cfg.MaxDuration = 1200 * time.Millisecond
	cfg.GracePeriod = 200 * time.Millisecond
	return cfg
}

func TestGate_TurnLimitIsDeterministic(t *testing.T) {
	h := newHarness(shortLimits())
	h.feed(200, 0.9) // 4s of continuous speech

	if n := h.notifier.count(models.NotificationSessionWarning); n != 1 {
		t.Errorf("expected exactly one warning, got %d", n)
	}
	if n := h.notifier.count(models.NotificationSessionTimeout); n != 1 {
		t.Errorf("expected exactly one timeout, got %d", n)
	}

	warn := h.notifier.events[0]
	if warn.Type != models.NotificationSessionWarning || warn.RemainingSeconds != 1 {
		t.Errorf("unexpected warning %+v", warn)
	}
	if warn.SessionID != "session_test" {
		t.Errorf("expected session id on warning, got %q", warn.SessionID)
	}
	timeout := h.notifier.events[1]
	if timeout.Reason != models.ReasonMaxDuration {
		t.Errorf("expected reason max_duration, got %q", timeout.Reason)
	}

	// 60 frames to the limit plus 10 frames of grace.
	if n := len(h.sink.Sent()); n != 70 {
		t.Errorf("expected 70 frames transmitted, got %d", n)
	}
	if len(h.turns) != 1 || h.turns[0].Reason != models.ReasonMaxDuration {
		t.Errorf("expected one max_duration turn, got %+v", h.turns)
	}
}

func TestGate_GraceEndsOnFirstSilentFrame(t *testing.T) {
	h := newHarness(shortLimits())
	h.feed(60, 0.9)
	if h.gate.State() != StateDurationLimitReached {
		t.Fatalf("expected DURATION_LIMIT_REACHED, got %s", h.gate.State())
	}
	h.feed(3, 0.9)
	h.feed(1, 0.1)

	if n := len(h.sink.Sent()); n != 63 {
		t.Errorf("expected silent frame withheld after grace, got %d frames", n)
	}
	if h.gate.State() != StateSilent {
		t.Errorf("expected SILENT, got %s", h.gate.State())
	}

	// The next onset starts a fresh turn immediately.
	h.feed(1, 0.9)
	if h.gate.State() != StateSpeechActive {
		t.Errorf("expected new turn to start, got %s", h.gate.State())
	}
}

func TestGate_RearmsAfterSilenceFollowingForcedStop(t *testing.T) {
	h := newHarness(shortLimits())
	h.feed(100, 0.9)
	sent := len(h.sink.Sent())

	h.feed(15, 0.1)
	if len(h.sink.Sent()) != sent {
		t.Fatal("expected no transmission while re-arming")
	}
	h.feed(1, 0.9)
	if h.gate.State() != StateSpeechActive {
		t.Errorf("expected new turn after confirmed silence, got %s", h.gate.State())
	}
	if n := h.notifier.count(models.NotificationSessionWarning); n != 1 {
		t.Errorf("expected warning count unchanged, got %d", n)
	}
}

func TestGate_FlushEndsOpenTurn(t *testing.T) {
	h := newHarness(testConfig())
	h.feed(10, 0.9)
	h.gate.Flush()

	if len(h.turns) != 1 || h.turns[0].Reason != "flush" {
		t.Errorf("expected flush turn end, got %+v", h.turns)
	}
	if h.gate.State() != StateSilent {
		t.Errorf("expected SILENT, got %s", h.gate.State())
	}
}

func TestGate_SendFailureBuffersAndFlushesInOrder(t *testing.T) {
	h := newHarness(testConfig())
	release := make(chan error)
	h.sink.failNext = 1
	h.sink.reconnectCh = release

	seqs := h.feed(20, 0.9)
	waitFor(t, func() bool { return h.gate.Buffered() == 400*time.Millisecond })

	release <- nil
	waitFor(t, func() bool { return len(h.sink.Sent()) == 20 })

	if got := h.sink.Sent(); !equalInts(got, seqs) {
		t.Errorf("expected buffered frames flushed in order, got %v", got)
	}

	more := h.feed(5, 0.9)
	waitFor(t, func() bool { return len(h.sink.Sent()) == 25 })
	got := h.sink.Sent()
	if !equalInts(got[20:], more) {
		t.Errorf("expected later frames after the flushed ones, got %v", got[20:])
	}
	if len(h.errs) != 0 {
		t.Errorf("expected no errors, got %v", h.errs)
	}
}

func TestGate_SendFailureDiscardsWhenReconnectFails(t *testing.T) {
	h := newHarness(testConfig())
	release := make(chan error)
	h.sink.failNext = 1
	h.sink.reconnectCh = release

	h.feed(10, 0.9)
	release <- errors.New("server unreachable")

	waitFor(t, func() bool {
		h.errMu.Lock()
		defer h.errMu.Unlock()
		return len(h.errs) == 1
	})
	if !errors.Is(h.errs[0], ErrSendFailed) {
		t.Errorf("expected ErrSendFailed, got %v", h.errs[0])
	}
	if h.gate.Buffered() != 0 {
		t.Errorf("expected buffer discarded, got %v", h.gate.Buffered())
	}
	if len(h.sink.Sent()) != 0 {
		t.Errorf("expected nothing transmitted, got %d", len(h.sink.Sent()))
	}
}

func TestGate_SendBufferIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.SendBuffer = 100 * time.Millisecond
	h := newHarness(cfg)
	release := make(chan error)
	h.sink.failNext = 1
	h.sink.reconnectCh = release

	seqs := h.feed(20, 0.9)
	waitFor(t, func() bool { return h.gate.Buffered() == 100*time.Millisecond })
	release <- nil
	waitFor(t, func() bool { return len(h.sink.Sent()) == 5 })

	if got := h.sink.Sent(); !equalInts(got, seqs[15:]) {
		t.Errorf("expected newest 5 frames retained, got %v", got)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateSilent, "SILENT"},
		{StateSpeechActive, "SPEECH_ACTIVE"},
		{StateSilentConfirmed, "SILENT_CONFIRMED"},
		{StateDurationLimitReached, "DURATION_LIMIT_REACHED"},
		{State(99), "UNKNOWN(99)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestGate_WarningPrecedesTimeoutInSameFrame(t *testing.T) {
	cfg := shortLimits()
	cfg.WarningThreshold = 1190 * time.Millisecond
	h := newHarness(cfg)
	h.feed(60, 0.9) // the 60th frame crosses both thresholds

	if n := h.notifier.count(models.NotificationSessionWarning); n != 1 {
		t.Fatalf("expected exactly one warning, got %d", n)
	}
	if len(h.notifier.events) != 2 {
		t.Fatalf("expected warning then timeout, got %+v", h.notifier.events)
	}
	if warn := h.notifier.events[0]; warn.Type != models.NotificationSessionWarning || warn.RemainingSeconds != 0 {
		t.Errorf("unexpected warning %+v", warn)
	}
	if h.notifier.events[1].Type != models.NotificationSessionTimeout {
		t.Errorf("expected timeout second, got %+v", h.notifier.events[1])
	}
}
