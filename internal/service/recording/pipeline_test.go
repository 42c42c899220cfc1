package recording

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ai-voice-session-service/internal/egress"
	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/store"
)

// localEgress drives an in-process recorder through the client interface.
type localEgress struct {
	rec      *egress.Recorder
	startErr error
}

func (e *localEgress) StartTrackEgress(_ context.Context, roomName, trackID, path string) (egress.StartTrackEgressResponse, error) {
	if e.startErr != nil {
		return egress.StartTrackEgressResponse{}, e.startErr
	}
	info, err := e.rec.Start(roomName, trackID, path)
	return egress.StartTrackEgressResponse{EgressID: info.EgressID, Status: info.Status}, err
}

func (e *localEgress) StopEgress(_ context.Context, egressID string) (egress.StopEgressResponse, error) {
	info, err := e.rec.Stop(egressID)
	return egress.StopEgressResponse{Status: info.Status, Filename: info.Filename, DurationMs: info.DurationMs}, err
}

type fakeVoice struct {
	mu      sync.Mutex
	trackID string
	starts  int
	stops   int
	err     error
}

func (v *fakeVoice) TrackID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.trackID
}

func (v *fakeVoice) StartVoiceSession(context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.starts++
	if v.err != nil {
		return "", v.err
	}
	v.trackID = "TR_started"
	return v.trackID, nil
}

func (v *fakeVoice) StopVoiceSession(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stops++
	v.trackID = ""
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

type fixture struct {
	p     *Pipeline
	eg    *localEgress
	voice *fakeVoice
	repo  *store.SQLiteStore
	dir   string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := store.NewSQLite(filepath.Join(dir, "recordings.db"))
	if err != nil {
		t.Fatal(err)
	}
	eg := &localEgress{rec: egress.NewRecorder(egress.DefaultFormat)}
	voice := &fakeVoice{trackID: "TR_1"}
	cfg := Config{
		Dir:           filepath.Join(dir, "rec"),
		Room:          "voice",
		TickInterval:  10 * time.Millisecond,
		WaveformRetry: 5 * time.Millisecond,
		PlaybackChunk: 20 * time.Millisecond,
	}
	p := New(cfg, eg, voice, repo, opts...)
	t.Cleanup(func() {
		p.Close()
		eg.rec.Close()
		repo.Close()
	})
	return &fixture{p: p, eg: eg, voice: voice, repo: repo, dir: dir}
}

func (f *fixture) audio(trackID string, bytes int) {
	f.eg.rec.Audio("voice", models.Participant{Identity: "alice"}, trackID, make([]byte, bytes))
}

func final(text string) models.TranscriptionEvent {
	return models.TranscriptionEvent{Text: text, IsFinal: true, Role: models.RoleUser}
}

func TestStartStop_ReusesActiveTrack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.p.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if active, _, ok := f.p.Active(); !ok || active != id {
		t.Errorf("expected active recording %s", id)
	}

	f.audio("TR_1", 32000)
	f.p.HandleTranscription(final("hello"))
	f.p.HandleTranscription(models.TranscriptionEvent{Text: "ignored", IsFinal: false, Role: models.RoleUser})
	f.p.HandleTranscription(models.TranscriptionEvent{Text: "agent", IsFinal: true, Role: models.RoleAgent})
	f.p.HandleTranscription(final("world"))

	rec, err := f.p.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}
	if rec.DurationMs != 1000 {
		t.Errorf("expected egress duration 1000ms, got %d", rec.DurationMs)
	}
	if rec.Transcript != "hello world" {
		t.Errorf("expected transcript 'hello world', got %q", rec.Transcript)
	}
	if filepath.Base(rec.FilePath) != "rec-"+id+".wav" {
		t.Errorf("unexpected file path %s", rec.FilePath)
	}
	if f.voice.starts != 0 || f.voice.stops != 0 {
		t.Errorf("expected existing voice session untouched, got starts=%d stops=%d", f.voice.starts, f.voice.stops)
	}

	list, _ := f.p.ListRecordings(ctx)
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("expected stored recording, got %v", list)
	}

	// Transcripts after stop are not collected anywhere.
	f.p.HandleTranscription(final("late"))
}

func TestStartStop_OwnsVoiceSession(t *testing.T) {
	f := newFixture(t)
	f.voice.trackID = ""
	ctx := context.Background()

	if _, err := f.p.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if f.voice.starts != 1 {
		t.Fatalf("expected voice session started, got %d", f.voice.starts)
	}
	if _, err := f.p.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording() error = %v", err)
	}
	if f.voice.stops != 1 {
		t.Errorf("expected voice session stopped, got %d", f.voice.stops)
	}
}

func TestStartStop_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.p.StopRecording(ctx); !errors.Is(err, ErrNotRecording) {
		t.Errorf("expected ErrNotRecording, got %v", err)
	}
	if _, err := f.p.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.p.StartRecording(ctx); !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("expected ErrAlreadyRecording, got %v", err)
	}
}

func TestStart_EgressFailureReleasesMicrophone(t *testing.T) {
	f := newFixture(t)
	f.voice.trackID = ""
	f.eg.startErr = errors.New("egress down")

	if _, err := f.p.StartRecording(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if f.voice.stops != 1 {
		t.Errorf("expected microphone released, got stops=%d", f.voice.stops)
	}
	if _, _, ok := f.p.Active(); ok {
		t.Error("expected no active recording")
	}
}

func TestStart_MicrophoneFailure(t *testing.T) {
	f := newFixture(t)
	f.voice.trackID = ""
	f.voice.err = errors.New("mic denied")

	if _, err := f.p.StartRecording(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if _, _, ok := f.p.Active(); ok {
		t.Error("expected no active recording")
	}
}

func TestTick_PublishesMonotonicElapsed(t *testing.T) {
	base := time.Now()
	var offset atomic.Int64
	f := newFixture(t, WithClock(func() time.Time { return base.Add(time.Duration(offset.Load())) }))

	sub := f.p.Elapsed().Subscribe()
	defer sub.Cancel()

	if _, err := f.p.StartRecording(context.Background()); err != nil {
		t.Fatal(err)
	}
	offset.Store(int64(3 * time.Second))

	// A tick may land before the clock moves; wait for one that sees it.
	deadline := time.After(time.Second)
	for seen := false; !seen; {
		select {
		case d := <-sub.C():
			if d != 0 && d != 3*time.Second {
				t.Fatalf("expected 3s elapsed, got %v", d)
			}
			seen = d == 3*time.Second
		case <-deadline:
			t.Fatal("no tick published")
		}
	}

	rec, err := f.p.StopRecording(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// No audio reached egress, so the local duration is kept.
	if rec.DurationMs != 3000 {
		t.Errorf("expected local duration 3000ms, got %d", rec.DurationMs)
	}
}

func TestAwaitWaveform_RetriesUntilReady(t *testing.T) {
	var calls atomic.Int32
	extract := func(string, int) ([]float64, error) {
		if calls.Add(1) < 3 {
			return nil, egress.ErrNotReady
		}
		return []float64{0.5, 1}, nil
	}
	f := newFixture(t, WithExtractor(extract))
	ctx := context.Background()

	if err := f.repo.SaveRecording(ctx, &models.Recording{ID: "r1", Title: "t", FilePath: "x.wav", CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.p.Waveform(ctx, "r1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	data, err := f.p.AwaitWaveform(ctx, "r1")
	if err != nil {
		t.Fatalf("AwaitWaveform() error = %v", err)
	}
	if len(data) != 2 || calls.Load() != 3 {
		t.Errorf("expected data after 3 attempts, got %v after %d", data, calls.Load())
	}

	// Cached after the first success.
	if _, err := f.p.Waveform(ctx, "r1"); err != nil || calls.Load() != 3 {
		t.Errorf("expected cached waveform, calls=%d err=%v", calls.Load(), err)
	}
}

func TestAwaitWaveform_ContextEnds(t *testing.T) {
	f := newFixture(t, WithExtractor(func(string, int) ([]float64, error) { return nil, egress.ErrNotReady }))
	ctx := context.Background()
	f.repo.SaveRecording(ctx, &models.Recording{ID: "r1", Title: "t", FilePath: "x.wav", CreatedAt: time.Now()})

	ctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := f.p.AwaitWaveform(ctx, "r1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	if _, err := f.p.Waveform(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestWaveform_FromRealRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.p.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	f.audio("TR_1", 3200)
	rec, err := f.p.StopRecording(ctx)
	if err != nil {
		t.Fatal(err)
	}
	data, err := f.p.Waveform(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Waveform() error = %v", err)
	}
	if len(data) != 100 {
		t.Errorf("expected 100 buckets, got %d", len(data))
	}
}

// fileWatcher fails the test if playback writes after the file is gone.
type fileWatcher struct {
	path    string
	once    sync.Once
	started chan struct{}
	bad     atomic.Bool
}

func (w *fileWatcher) Write(b []byte) (int, error) {
	if _, err := os.Stat(w.path); err != nil {
		w.bad.Store(true)
	}
	w.once.Do(func() { close(w.started) })
	return len(b), nil
}

func TestDeleteRecording_StopsPlaybackFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.p.StartRecording(ctx); err != nil {
		t.Fatal(err)
	}
	f.audio("TR_1", 32000)
	rec, err := f.p.StopRecording(ctx)
	if err != nil {
		t.Fatal(err)
	}

	w := &fileWatcher{path: rec.FilePath, started: make(chan struct{})}
	played := make(chan error, 1)
	go func() { played <- f.p.Play(ctx, rec.ID, w) }()

	select {
	case <-w.started:
	case <-time.After(time.Second):
		t.Fatal("playback did not start")
	}
	if f.p.Current() != rec.ID {
		t.Errorf("expected %s playing, got %q", rec.ID, f.p.Current())
	}

	if err := f.p.DeleteRecording(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteRecording() error = %v", err)
	}

	select {
	case err := <-played:
		if !errors.Is(err, ErrPlaybackStopped) {
			t.Errorf("expected ErrPlaybackStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("playback not stopped")
	}
	if w.bad.Load() {
		t.Error("playback wrote after the file was removed")
	}
	if f.p.Current() != "" {
		t.Errorf("expected nothing playing, got %q", f.p.Current())
	}
	if _, err := os.Stat(rec.FilePath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected file removed, got %v", err)
	}
	list, _ := f.p.ListRecordings(ctx)
	if len(list) != 0 {
		t.Errorf("expected recording excluded from list, got %d", len(list))
	}

	if err := f.p.DeleteRecording(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestPlay_NewPlaybackStopsPrevious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		if _, err := f.p.StartRecording(ctx); err != nil {
			t.Fatal(err)
		}
		f.audio("TR_1", 32000)
		rec, err := f.p.StopRecording(ctx)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, rec.ID)
	}

	first := &fileWatcher{path: filepath.Join(f.dir, "none"), started: make(chan struct{})}
	played := make(chan error, 1)
	go func() { played <- f.p.Play(ctx, ids[0], first) }()
	<-first.started

	second := make(chan error, 1)
	go func() { second <- f.p.Play(ctx, ids[1], io.Discard) }()

	select {
	case err := <-played:
		if !errors.Is(err, ErrPlaybackStopped) {
			t.Errorf("expected first playback stopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first playback not stopped")
	}

	waitFor(t, func() bool { return f.p.Current() == ids[1] })
	f.p.Stop()
	if err := <-second; !errors.Is(err, ErrPlaybackStopped) {
		t.Errorf("expected second playback stopped, got %v", err)
	}
}

