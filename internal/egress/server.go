package egress

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/observability/metrics"
)

// Server exposes a Recorder over Twirp-style JSON.
type Server struct {
	recorder *Recorder
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewServer creates the egress API for recorder.
func NewServer(recorder *Recorder) *Server {
	return &Server{
		recorder: recorder,
		logger:   logging.WithComponent("egress-api"),
		metrics:  metrics.DefaultMetrics,
	}
}

// Mount registers the egress routes.
func (s *Server) Mount(r chi.Router) {
	r.Post(PathStartTrackEgress, s.startTrackEgress)
	r.Post(PathStopEgress, s.stopEgress)
}

func (s *Server) startTrackEgress(w http.ResponseWriter, r *http.Request) {
	var req StartTrackEgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "StartTrackEgress", http.StatusBadRequest, CodeInvalidArgument, "invalid JSON body")
		return
	}
	if req.TrackID == "" || req.Filepath == "" {
		s.writeError(w, "StartTrackEgress", http.StatusBadRequest, CodeInvalidArgument, "track_id and filepath are required")
		return
	}

	info, err := s.recorder.Start(req.RoomName, req.TrackID, req.Filepath)
	switch {
	case errors.Is(err, ErrTrackRecording):
		s.writeError(w, "StartTrackEgress", http.StatusConflict, CodeAlreadyExists, err.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Str("trackId", req.TrackID).Msg("StartTrackEgress failed")
		s.writeError(w, "StartTrackEgress", http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	s.metrics.RecordEgressRequest("StartTrackEgress", "ok")
	writeJSON(w, http.StatusOK, StartTrackEgressResponse{EgressID: info.EgressID, Status: info.Status})
}

func (s *Server) stopEgress(w http.ResponseWriter, r *http.Request) {
	var req StopEgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EgressID == "" {
		s.writeError(w, "StopEgress", http.StatusBadRequest, CodeInvalidArgument, "egress_id is required")
		return
	}

	info, err := s.recorder.Stop(req.EgressID)
	switch {
	case errors.Is(err, ErrEgressNotFound):
		s.writeError(w, "StopEgress", http.StatusNotFound, CodeNotFound, err.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Str("egressId", req.EgressID).Msg("StopEgress failed")
		s.writeError(w, "StopEgress", http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	s.metrics.RecordEgressRequest("StopEgress", "ok")
	writeJSON(w, http.StatusOK, StopEgressResponse{
		Status:     info.Status,
		Filename:   info.Filename,
		DurationMs: info.DurationMs,
	})
}

func (s *Server) writeError(w http.ResponseWriter, method string, status int, code, msg string) {
	s.metrics.RecordEgressRequest(method, code)
	writeJSON(w, status, Error{Code: code, Msg: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
