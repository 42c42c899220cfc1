package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/service/reconciler"
	"ai-voice-session-service/internal/service/recording"
	"ai-voice-session-service/internal/service/session"
	"ai-voice-session-service/internal/settings"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *fakeSender) SendTextMessage(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, text)
	return nil
}

type fakeVoice struct {
	err error
}

func (v *fakeVoice) StartVoiceSession(context.Context) (string, error) {
	if v.err != nil {
		return "", v.err
	}
	return "TR_device", nil
}

func (v *fakeVoice) StopVoiceSession(context.Context) error { return nil }

type fakeRecordings struct {
	recs     map[string]*models.Recording
	active   string
	notReady map[string]bool
	audio    []byte
}

func newFakeRecordings() *fakeRecordings {
	return &fakeRecordings{recs: map[string]*models.Recording{}, notReady: map[string]bool{}}
}

func (f *fakeRecordings) StartRecording(context.Context) (string, error) {
	if f.active != "" {
		return "", recording.ErrAlreadyRecording
	}
	f.active = "rec-1"
	return f.active, nil
}

func (f *fakeRecordings) StopRecording(context.Context) (*models.Recording, error) {
	if f.active == "" {
		return nil, recording.ErrNotRecording
	}
	rec := &models.Recording{ID: f.active, Title: "Recording", DurationMs: 1500}
	f.recs[rec.ID] = rec
	f.active = ""
	return rec, nil
}

func (f *fakeRecordings) ListRecordings(context.Context) ([]*models.Recording, error) {
	var out []*models.Recording
	for _, r := range f.recs {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRecordings) Active() (string, time.Duration, bool) {
	return f.active, 2 * time.Second, f.active != ""
}

func (f *fakeRecordings) Waveform(_ context.Context, id string) ([]float64, error) {
	if _, ok := f.recs[id]; !ok {
		return nil, recording.ErrNotFound
	}
	if f.notReady[id] {
		return nil, recording.ErrNotReady
	}
	return []float64{0.5, 1}, nil
}

func (f *fakeRecordings) Play(_ context.Context, id string, w io.Writer) error {
	if _, ok := f.recs[id]; !ok {
		return recording.ErrNotFound
	}
	_, err := w.Write(f.audio)
	return err
}

func (f *fakeRecordings) DeleteRecording(_ context.Context, id string) error {
	if _, ok := f.recs[id]; !ok {
		return recording.ErrNotFound
	}
	delete(f.recs, id)
	return nil
}

type fixture struct {
	srv        *httptest.Server
	sender     *fakeSender
	voice      *fakeVoice
	recordings *fakeRecordings
	controller *session.Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sender := &fakeSender{}
	voice := &fakeVoice{}
	recs := newFakeRecordings()

	rec := reconciler.New(sender)
	ctrl := session.New(voice, time.Minute)
	prov, err := settings.NewProvider(context.Background(), settings.NewMemoryStore(), "device", nil, settings.Defaults())
	if err != nil {
		t.Fatalf("settings provider: %v", err)
	}

	srv := httptest.NewServer(NewRouter(NewAPI(rec, ctrl, prov, recs)))
	t.Cleanup(func() {
		srv.Close()
		ctrl.Shutdown(context.Background())
		rec.Close()
		prov.Close()
	})
	return &fixture{srv: srv, sender: sender, voice: voice, recordings: recs, controller: ctrl}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, f.srv.URL+path, rd)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestToggleSession(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/session/toggle", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got sessionResponse
	json.Unmarshal(body, &got)
	if got.State != "REQUESTING" {
		t.Errorf("expected REQUESTING after first toggle, got %q", got.State)
	}

	_, body = f.do(t, http.MethodPost, "/v1/session/toggle", nil)
	json.Unmarshal(body, &got)
	if got.State != "IDLE" {
		t.Errorf("expected IDLE after second toggle, got %q", got.State)
	}
}

func TestToggleSession_FailureReportedInBody(t *testing.T) {
	f := newFixture(t)
	f.voice.err = errors.New("microphone unavailable")

	resp, body := f.do(t, http.MethodPost, "/v1/session/toggle", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got sessionResponse
	json.Unmarshal(body, &got)
	if got.State != "IDLE" || got.Error == "" {
		t.Errorf("expected IDLE with error, got %+v", got)
	}
}

func TestMessages(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/messages", messageRequest{Text: "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty text, got %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodPost, "/v1/messages", messageRequest{Text: "hello"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, body)
	}
	if len(f.sender.sent) != 1 || f.sender.sent[0] != "hello" {
		t.Errorf("expected text forwarded, got %v", f.sender.sent)
	}

	_, body = f.do(t, http.MethodGet, "/v1/conversation", nil)
	var state models.ChatSessionState
	json.Unmarshal(body, &state)
	if len(state.Messages) == 0 || state.Messages[0].Text != "hello" || !state.Messages[0].IsUser {
		t.Errorf("expected user message in conversation, got %+v", state.Messages)
	}

	resp, _ = f.do(t, http.MethodDelete, "/v1/conversation", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	_, body = f.do(t, http.MethodGet, "/v1/conversation", nil)
	json.Unmarshal(body, &state)
	if len(state.Messages) != 0 {
		t.Errorf("expected cleared conversation, got %+v", state.Messages)
	}
}

func TestSettings_PartialUpdate(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPut, "/v1/settings", map[string]any{
		"agent_mode":      "transcribe",
		"excluded_agents": []string{" Noise ", "noise"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var got models.ParticipantMetadata
	json.Unmarshal(body, &got)
	if got.AgentMode != "transcribe" || got.STTProvider != "mock" {
		t.Errorf("unexpected settings %+v", got)
	}
	if len(got.ExcludedAgents) != 1 || got.ExcludedAgents[0] != "noise" {
		t.Errorf("expected normalized excluded agents, got %v", got.ExcludedAgents)
	}

	resp, _ = f.do(t, http.MethodPut, "/v1/settings", map[string]any{"stt_provider": "carrier-pigeon"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid provider, got %d", resp.StatusCode)
	}

	_, body = f.do(t, http.MethodGet, "/v1/settings", nil)
	json.Unmarshal(body, &got)
	if got.STTProvider != "mock" {
		t.Errorf("rejected update must not apply, got %+v", got)
	}
}

func TestRecordings_Lifecycle(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/recordings/stop", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 when not recording, got %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/recordings/start", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/recordings/start", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 when already recording, got %d", resp.StatusCode)
	}

	_, body := f.do(t, http.MethodGet, "/v1/recordings", nil)
	var list recordingsResponse
	json.Unmarshal(body, &list)
	if list.Active != "rec-1" || list.ElapsedMs != 2000 {
		t.Errorf("expected active recording in list, got %+v", list)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/recordings/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var rec models.Recording
	json.Unmarshal(body, &rec)
	if rec.ID != "rec-1" || rec.DurationMs != 1500 {
		t.Errorf("unexpected recording %+v", rec)
	}

	resp, _ = f.do(t, http.MethodDelete, "/v1/recordings/rec-1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodDelete, "/v1/recordings/rec-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestWaveform(t *testing.T) {
	f := newFixture(t)
	f.recordings.recs["r1"] = &models.Recording{ID: "r1"}
	f.recordings.notReady["r1"] = true

	resp, _ := f.do(t, http.MethodGet, "/v1/recordings/r1/waveform", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 while not ready, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	f.recordings.notReady["r1"] = false
	resp, body := f.do(t, http.MethodGet, "/v1/recordings/r1/waveform", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got struct {
		Waveform []float64 `json:"waveform"`
	}
	json.Unmarshal(body, &got)
	if len(got.Waveform) != 2 {
		t.Errorf("unexpected waveform %v", got.Waveform)
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/recordings/missing/waveform", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestPlayRecording(t *testing.T) {
	f := newFixture(t)
	f.recordings.recs["r1"] = &models.Recording{ID: "r1"}
	f.recordings.audio = []byte("RIFF....WAVE")

	resp, body := f.do(t, http.MethodGet, "/v1/recordings/r1/audio", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "audio/wav" {
		t.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if string(body) != "RIFF....WAVE" {
		t.Errorf("unexpected body %q", body)
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/recordings/missing/audio", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
