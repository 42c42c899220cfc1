// Package egress records published room tracks to WAV files and exposes
// start/stop over a Twirp-style JSON API.
package egress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/observability/metrics"
	"ai-voice-session-service/internal/room"
)

// Egress status values reported to clients.
const (
	StatusActive   = "EGRESS_ACTIVE"
	StatusComplete = "EGRESS_COMPLETE"
	StatusFailed   = "EGRESS_FAILED"
)

var (
	// ErrEgressNotFound is returned for unknown egress IDs.
	ErrEgressNotFound = errors.New("egress not found")
	// ErrTrackRecording is returned when a track already has an active egress.
	ErrTrackRecording = errors.New("track already has an active egress")
)

// Info describes one egress.
type Info struct {
	EgressID   string
	RoomName   string
	TrackID    string
	Filename   string
	Status     string
	StartedAt  time.Time
	DurationMs int64
}

type recording struct {
	info   Info
	file   *os.File
	writer *wavWriter
	mu     sync.Mutex
}

// finish finalizes the file once. Callers hold r.mu.
func (r *recording) finish() error {
	if r.info.Status != StatusActive {
		return nil
	}
	err := r.writer.Finalize()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	r.info.DurationMs = r.writer.Duration()
	if err != nil {
		r.info.Status = StatusFailed
		return err
	}
	r.info.Status = StatusComplete
	return nil
}

// Recorder writes track audio to WAV files. It observes the room hub.
type Recorder struct {
	room.BaseObserver

	format  Format
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	byID    map[string]*recording
	byTrack map[string]*recording
}

// NewRecorder creates a recorder for audio in the given format.
func NewRecorder(format Format) *Recorder {
	return &Recorder{
		format:  format,
		logger:  logging.WithComponent("egress"),
		metrics: metrics.DefaultMetrics,
		byID:    make(map[string]*recording),
		byTrack: make(map[string]*recording),
	}
}

// Start begins writing trackID to path.
func (r *Recorder) Start(roomName, trackID, path string) (Info, error) {
	if trackID == "" || path == "" {
		return Info{}, fmt.Errorf("track_id and filepath are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.byTrack[trackID]; busy {
		return Info{}, ErrTrackRecording
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Info{}, fmt.Errorf("create egress directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return Info{}, fmt.Errorf("create egress file: %w", err)
	}
	w, err := newWAVWriter(f, r.format)
	if err != nil {
		f.Close()
		return Info{}, err
	}

	rec := &recording{
		info: Info{
			EgressID:  "EG_" + uuid.NewString()[:12],
			RoomName:  roomName,
			TrackID:   trackID,
			Filename:  path,
			Status:    StatusActive,
			StartedAt: time.Now(),
		},
		file:   f,
		writer: w,
	}
	r.byID[rec.info.EgressID] = rec
	r.byTrack[trackID] = rec
	r.metrics.RecordEgressActive(true)

	r.logger.Info().
		Str("egressId", rec.info.EgressID).
		Str("room", roomName).
		Str("trackId", trackID).
		Str("file", path).
		Msg("Track egress started")
	return rec.info, nil
}

// Stop finalizes an egress and returns its final info. Stopping an egress
// that already ended returns its info unchanged.
func (r *Recorder) Stop(egressID string) (Info, error) {
	r.mu.Lock()
	rec, ok := r.byID[egressID]
	if ok && r.byTrack[rec.info.TrackID] == rec {
		delete(r.byTrack, rec.info.TrackID)
	}
	r.mu.Unlock()
	if !ok {
		return Info{}, ErrEgressNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	wasActive := rec.info.Status == StatusActive
	err := rec.finish()
	if wasActive {
		r.metrics.RecordEgressActive(false)
		r.logger.Info().
			Str("egressId", egressID).
			Int64("durationMs", rec.info.DurationMs).
			Str("status", rec.info.Status).
			Msg("Track egress stopped")
	}
	if err != nil {
		return rec.info, fmt.Errorf("finalize egress: %w", err)
	}
	return rec.info, nil
}

// Get returns the current info for an egress.
func (r *Recorder) Get(egressID string) (Info, bool) {
	r.mu.Lock()
	rec, ok := r.byID[egressID]
	r.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	info := rec.info
	if info.Status == StatusActive {
		info.DurationMs = rec.writer.Duration()
	}
	return info, true
}

func (r *Recorder) active(trackID string) *recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byTrack[trackID]
}

// Audio appends track audio to the active egress for trackID.
func (r *Recorder) Audio(_ string, _ models.Participant, trackID string, pcm []byte) {
	rec := r.active(trackID)
	if rec == nil {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.info.Status != StatusActive {
		return
	}
	if _, err := rec.writer.Write(pcm); err != nil {
		r.logger.Error().Err(err).Str("egressId", rec.info.EgressID).Msg("Egress write failed")
		rec.finish()
		rec.info.Status = StatusFailed
		r.metrics.RecordEgressActive(false)
	}
}

// TrackUnpublished ends the egress of a track that went away. The egress
// stays queryable and Stop still reports its final info.
func (r *Recorder) TrackUnpublished(_ string, _ models.Participant, trackID string) {
	r.mu.Lock()
	rec := r.byTrack[trackID]
	delete(r.byTrack, trackID)
	r.mu.Unlock()
	if rec == nil {
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.info.Status != StatusActive {
		return
	}
	if err := rec.finish(); err != nil {
		r.logger.Error().Err(err).Str("egressId", rec.info.EgressID).Msg("Finalize on unpublish failed")
	}
	r.metrics.RecordEgressActive(false)
	r.logger.Info().Str("egressId", rec.info.EgressID).Msg("Track ended, egress complete")
}

// Close finalizes all active egresses.
func (r *Recorder) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byTrack))
	for _, rec := range r.byTrack {
		ids = append(ids, rec.info.EgressID)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Stop(id)
	}
}
