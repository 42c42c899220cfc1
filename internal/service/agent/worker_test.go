package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/room"
	"ai-voice-session-service/internal/schema"
	"ai-voice-session-service/internal/service/stt"
	"ai-voice-session-service/internal/service/stt/mock"
	"ai-voice-session-service/internal/transport/protocol"
)

// inbox collects the data frames a local user participant receives.
type inbox struct {
	mu   sync.Mutex
	data []protocol.Data
}

func (in *inbox) handle(msg any) {
	if d, ok := msg.(protocol.Data); ok {
		in.mu.Lock()
		in.data = append(in.data, d)
		in.mu.Unlock()
	}
}

func (in *inbox) topic(topic string) []protocol.Data {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []protocol.Data
	for _, d := range in.data {
		if d.Topic == topic {
			out = append(out, d)
		}
	}
	return out
}

func (in *inbox) notifications(t *testing.T) []models.SessionNotificationEvent {
	t.Helper()
	v := schema.New()
	var out []models.SessionNotificationEvent
	for _, d := range in.topic(protocol.TopicVADStatus) {
		ev, err := v.DecodeNotification([]byte(d.Text))
		if err != nil {
			t.Fatalf("invalid notification %q: %v", d.Text, err)
		}
		out = append(out, ev)
	}
	return out
}

func mockFactory(utterances ...mock.SimulatedUtterance) stt.Factory {
	return func(context.Context, string) (stt.Adapter, error) {
		return mock.NewWithOptions(mock.Options{FramesPerStep: 1, Utterances: utterances}), nil
	}
}

type workerFixture struct {
	hub    *room.Hub
	worker *Worker
	user   *room.LocalParticipant
	inbox  *inbox
	alice  models.Participant
}

func newWorkerFixture(t *testing.T, factory stt.Factory) *workerFixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Monitor = MonitorConfig{Interval: 10 * time.Millisecond, WarnAt: time.Minute, TimeoutAt: 2 * time.Minute}

	hub := room.NewHub(room.DefaultConfig())
	w := NewWorker(cfg, factory, ScriptedResponder{}, NewMemoryHistory(20))
	w.Start(hub)

	in := &inbox{}
	alice := models.Participant{Identity: "alice", Role: models.RoleUser}
	user := hub.JoinLocal(cfg.Room, alice, in.handle)

	t.Cleanup(func() {
		w.Close()
		user.Leave()
		hub.Close()
	})
	return &workerFixture{hub: hub, worker: w, user: user, inbox: in, alice: alice}
}

// startVoice publishes a track for alice and waits for session_ready.
func (f *workerFixture) startVoice(t *testing.T, trackID string) {
	t.Helper()
	f.worker.TrackPublished(f.worker.cfg.Room, f.alice, trackID)
	waitUntil(t, 2*time.Second, func() bool {
		for _, ev := range f.inbox.notifications(t) {
			if ev.Type == models.NotificationSessionReady {
				return true
			}
		}
		return false
	})
}

func (f *workerFixture) setMetadata(t *testing.T, meta string) {
	t.Helper()
	// The hub notifies observers before UpdateMetadata returns.
	if err := f.user.UpdateMetadata(meta); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
}

func TestWorker_JoinsAsAgent(t *testing.T) {
	f := newWorkerFixture(t, mockFactory())

	var agent *models.Participant
	for _, p := range f.hub.Participants("voice") {
		if p.Identity == "agent-chat" {
			agent = &p
		}
	}
	if agent == nil {
		t.Fatal("agent not in room")
	}
	if !agent.IsAgent(false) {
		t.Errorf("agent must carry the agent role, got %q", agent.Role)
	}
}

func TestWorker_VoiceTurn(t *testing.T) {
	f := newWorkerFixture(t, mockFactory(mock.SimulatedUtterance{
		Partials: []string{"what time"},
		Final:    "what time is it",
	}))
	f.startVoice(t, "TR_alice")

	if f.worker.ActiveSessions() != 1 {
		t.Fatalf("expected 1 active session, got %d", f.worker.ActiveSessions())
	}
	ready := f.inbox.notifications(t)[0]
	if !strings.HasPrefix(ready.SessionID, "session_") {
		t.Errorf("unexpected session id %q", ready.SessionID)
	}

	for i := 0; i < 2; i++ {
		f.worker.Audio("voice", f.alice, "TR_alice", make([]byte, 640))
	}

	waitUntil(t, 2*time.Second, func() bool {
		stream := f.inbox.topic(protocol.TopicLLMStream)
		return len(stream) > 0 && stream[len(stream)-1].IsFinal()
	})

	transcripts := f.inbox.topic(protocol.TopicTranscription)
	if len(transcripts) != 2 {
		t.Fatalf("expected partial and final transcript, got %+v", transcripts)
	}
	partial, final := transcripts[0], transcripts[1]
	if partial.IsFinal() || partial.Text != "what time" {
		t.Errorf("unexpected partial %+v", partial)
	}
	if !final.IsFinal() || final.Text != "what time is it" {
		t.Errorf("unexpected final %+v", final)
	}
	if partial.Attr(protocol.AttrSegmentID) != final.Attr(protocol.AttrSegmentID) {
		t.Error("partial and final must share a segment")
	}
	if final.Participant == nil || final.Participant.Identity != "alice" {
		t.Errorf("transcript must be attributed to the speaker, got %+v", final.Participant)
	}

	stream := f.inbox.topic(protocol.TopicLLMStream)
	var text strings.Builder
	segID := stream[0].Attr(protocol.AttrSegmentID)
	if !strings.HasPrefix(segID, "LLM_") {
		t.Errorf("unexpected response segment %q", segID)
	}
	for i, d := range stream {
		if d.Attr(protocol.AttrSegmentID) != segID {
			t.Errorf("chunk %d has segment %q, want %q", i, d.Attr(protocol.AttrSegmentID), segID)
		}
		if d.Attr(protocol.AttrResponseType) != protocol.ResponseTypeLLM {
			t.Errorf("chunk %d missing response type", i)
		}
		if d.Attr(protocol.AttrModel) != "gpt-4o-mini" {
			t.Errorf("chunk %d has model %q", i, d.Attr(protocol.AttrModel))
		}
		if d.IsFinal() != (i == len(stream)-1) {
			t.Errorf("only the last chunk is final, chunk %d final=%v", i, d.IsFinal())
		}
		text.WriteString(d.Text)
	}
	if text.String() != "I heard: what time is it" {
		t.Errorf("unexpected reply %q", text.String())
	}

	history, _ := f.worker.history.Load(context.Background(), "voice:alice")
	if len(history) != 2 || history[1].Role != TurnAssistant {
		t.Errorf("expected one exchange in history, got %v", history)
	}
}

func TestWorker_ChatText(t *testing.T) {
	f := newWorkerFixture(t, mockFactory())

	f.worker.Data("voice", f.alice, protocol.NewData(protocol.TopicChat, "  hello  ", nil))

	waitUntil(t, 2*time.Second, func() bool {
		stream := f.inbox.topic(protocol.TopicLLMStream)
		return len(stream) > 0 && stream[len(stream)-1].IsFinal()
	})
	var text strings.Builder
	for _, d := range f.inbox.topic(protocol.TopicLLMStream) {
		text.WriteString(d.Text)
	}
	if text.String() != "I heard: hello" {
		t.Errorf("unexpected reply %q", text.String())
	}
}

func TestWorker_RespectsParticipantSettings(t *testing.T) {
	tests := []struct {
		name string
		meta string
	}{
		{"transcribe mode", `{"agent_mode":"transcribe"}`},
		{"agent excluded", `{"agent_mode":"chat","excluded_agents":["Chat"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWorkerFixture(t, mockFactory())
			f.setMetadata(t, tt.meta)

			f.worker.respond("alice", "are you there")
			if got := f.inbox.topic(protocol.TopicLLMStream); len(got) != 0 {
				t.Errorf("expected no reply, got %+v", got)
			}
		})
	}
}

func TestWorker_IgnoresAgentsAndOtherRooms(t *testing.T) {
	f := newWorkerFixture(t, mockFactory())

	other := models.Participant{Identity: "agent-noise", Role: models.RoleAgent}
	f.worker.TrackPublished("voice", other, "TR_x")
	f.worker.TrackPublished("elsewhere", f.alice, "TR_y")
	f.worker.Data("voice", other, protocol.NewData(protocol.TopicChat, "hi", nil))

	time.Sleep(20 * time.Millisecond)
	if f.worker.ActiveSessions() != 0 {
		t.Errorf("expected no sessions, got %d", f.worker.ActiveSessions())
	}
	if got := f.inbox.topic(protocol.TopicLLMStream); len(got) != 0 {
		t.Errorf("expected no replies, got %+v", got)
	}
}

func TestWorker_TrackUnpublishedEndsSession(t *testing.T) {
	f := newWorkerFixture(t, mockFactory())
	f.startVoice(t, "TR_alice")

	// Another track ID does not end the session.
	f.worker.TrackUnpublished("voice", f.alice, "TR_other")
	if f.worker.ActiveSessions() != 1 {
		t.Fatal("unrelated unpublish ended the session")
	}

	f.worker.TrackUnpublished("voice", f.alice, "TR_alice")
	if f.worker.ActiveSessions() != 0 {
		t.Errorf("expected session ended, got %d", f.worker.ActiveSessions())
	}
	// Audio for an ended track is ignored.
	f.worker.Audio("voice", f.alice, "TR_alice", make([]byte, 640))
}

func TestWorker_ParticipantLeftEndsSession(t *testing.T) {
	f := newWorkerFixture(t, mockFactory())
	f.startVoice(t, "TR_alice")

	f.worker.ParticipantLeft("voice", f.alice)
	if f.worker.ActiveSessions() != 0 {
		t.Errorf("expected session ended, got %d", f.worker.ActiveSessions())
	}
}

func TestWorker_FactoryErrorDropsSession(t *testing.T) {
	failing := func(context.Context, string) (stt.Adapter, error) {
		return nil, errors.New("no credentials")
	}
	f := newWorkerFixture(t, failing)

	f.worker.TrackPublished("voice", f.alice, "TR_alice")
	waitUntil(t, time.Second, func() bool { return f.worker.ActiveSessions() == 0 })
	if got := f.inbox.notifications(t); len(got) != 0 {
		t.Errorf("expected no session_ready, got %+v", got)
	}
}

func TestWorker_InactivityTimeout(t *testing.T) {
	f := newWorkerFixture(t, mockFactory())
	f.worker.cfg.Monitor = MonitorConfig{Interval: 5 * time.Millisecond, WarnAt: 20 * time.Millisecond, TimeoutAt: 60 * time.Millisecond}
	f.startVoice(t, "TR_alice")

	waitUntil(t, 2*time.Second, func() bool {
		for _, ev := range f.inbox.notifications(t) {
			if ev.Type == models.NotificationSessionTimeout {
				return true
			}
		}
		return false
	})

	var warned bool
	for _, ev := range f.inbox.notifications(t) {
		switch ev.Type {
		case models.NotificationSessionWarning:
			warned = true
		case models.NotificationSessionTimeout:
			if !warned {
				t.Error("timeout arrived before the warning")
			}
			if ev.Reason != models.ReasonInactivity {
				t.Errorf("unexpected reason %q", ev.Reason)
			}
		}
	}
}
