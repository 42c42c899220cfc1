// Package http serves the device control API: session toggle, the
// reconciled conversation, settings and recordings.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/service/reconciler"
	"ai-voice-session-service/internal/service/recording"
	"ai-voice-session-service/internal/service/session"
	"ai-voice-session-service/internal/settings"
)

// Conversation is the turn reconciler as seen by the API.
type Conversation interface {
	State() models.ChatSessionState
	SubmitText(ctx context.Context, text string) error
	Clear()
}

// VoiceSession is the session controller as seen by the API.
type VoiceSession interface {
	Toggle(ctx context.Context)
	State() session.State
	LastError() error
	SessionID() string
}

// Settings reads and replaces the participant settings.
type Settings interface {
	Get() models.ParticipantMetadata
	Update(ctx context.Context, m models.ParticipantMetadata) error
}

// Recordings is the recording capture pipeline as seen by the API.
type Recordings interface {
	StartRecording(ctx context.Context) (string, error)
	StopRecording(ctx context.Context) (*models.Recording, error)
	ListRecordings(ctx context.Context) ([]*models.Recording, error)
	Active() (string, time.Duration, bool)
	Waveform(ctx context.Context, id string) ([]float64, error)
	Play(ctx context.Context, id string, w io.Writer) error
	DeleteRecording(ctx context.Context, id string) error
}

// API holds the handlers of the control API.
type API struct {
	conversation Conversation
	session      VoiceSession
	settings     Settings
	recordings   Recordings
	logger       zerolog.Logger
}

// NewAPI creates the control API.
func NewAPI(conversation Conversation, voice VoiceSession, s Settings, recordings Recordings) *API {
	return &API{
		conversation: conversation,
		session:      voice,
		settings:     s,
		recordings:   recordings,
		logger:       logging.WithComponent("control-api"),
	}
}

// NewRouter constructs the HTTP router for the control API.
func NewRouter(api *API) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	api.Mount(r)
	return r
}

// Mount registers the /v1 routes on r.
func (a *API) Mount(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/session/toggle", a.toggleSession)
		r.Get("/session", a.getSession)

		r.Get("/conversation", a.getConversation)
		r.Delete("/conversation", a.clearConversation)
		r.Post("/messages", a.postMessage)

		r.Get("/settings", a.getSettings)
		r.Put("/settings", a.putSettings)

		r.Route("/recordings", func(r chi.Router) {
			r.Get("/", a.listRecordings)
			r.Post("/start", a.startRecording)
			r.Post("/stop", a.stopRecording)
			r.Get("/{id}/waveform", a.getWaveform)
			r.Get("/{id}/audio", a.playRecording)
			r.Delete("/{id}", a.deleteRecording)
		})
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type sessionResponse struct {
	State     string `json:"state"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (a *API) sessionState() sessionResponse {
	resp := sessionResponse{
		State:     a.session.State().String(),
		SessionID: a.session.SessionID(),
	}
	if err := a.session.LastError(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// toggleSession starts or stops the voice session. Failures are reported
// in the body; the controller is already back to IDLE.
func (a *API) toggleSession(w http.ResponseWriter, r *http.Request) {
	a.session.Toggle(r.Context())
	writeJSON(w, http.StatusOK, a.sessionState())
}

func (a *API) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sessionState())
}

func (a *API) getConversation(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.conversation.State())
}

func (a *API) clearConversation(w http.ResponseWriter, _ *http.Request) {
	a.conversation.Clear()
	w.WriteHeader(http.StatusNoContent)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (a *API) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	err := a.conversation.SubmitText(r.Context(), req.Text)
	switch {
	case errors.Is(err, reconciler.ErrEmptyText):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		a.logger.Error().Err(err).Msg("Submit text failed")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, a.conversation.State())
}

func (a *API) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.settings.Get())
}

// settingsRequest is a partial update; absent fields keep their value.
type settingsRequest struct {
	STTProvider    *string   `json:"stt_provider"`
	LLMModel       *string   `json:"llm_model"`
	AgentMode      *string   `json:"agent_mode"`
	TTSEnabled     *bool     `json:"tts_enabled"`
	ExcludedAgents *[]string `json:"excluded_agents"`
}

func (a *API) putSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}

	next := a.settings.Get()
	if req.STTProvider != nil {
		next.STTProvider = *req.STTProvider
	}
	if req.LLMModel != nil {
		next.LLMModel = *req.LLMModel
	}
	if req.AgentMode != nil {
		next.AgentMode = *req.AgentMode
	}
	if req.TTSEnabled != nil {
		next.TTSEnabled = *req.TTSEnabled
	}
	if req.ExcludedAgents != nil {
		next.ExcludedAgents = *req.ExcludedAgents
	}

	err := a.settings.Update(r.Context(), next)
	switch {
	case errors.Is(err, settings.ErrInvalidSetting):
		writeError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		a.logger.Error().Err(err).Msg("Settings update failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, a.settings.Get())
}

type recordingsResponse struct {
	Recordings []*models.Recording `json:"recordings"`
	Active     string              `json:"active,omitempty"`
	ElapsedMs  int64               `json:"elapsedMs,omitempty"`
}

func (a *API) listRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := a.recordings.ListRecordings(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("List recordings failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []*models.Recording{}
	}
	resp := recordingsResponse{Recordings: recs}
	if id, elapsed, ok := a.recordings.Active(); ok {
		resp.Active = id
		resp.ElapsedMs = elapsed.Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) startRecording(w http.ResponseWriter, r *http.Request) {
	id, err := a.recordings.StartRecording(r.Context())
	switch {
	case errors.Is(err, recording.ErrAlreadyRecording):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		a.logger.Error().Err(err).Msg("Start recording failed")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *API) stopRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := a.recordings.StopRecording(r.Context())
	switch {
	case errors.Is(err, recording.ErrNotRecording):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		a.logger.Error().Err(err).Msg("Stop recording failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// getWaveform answers 202 while the egress file is still being finalized;
// clients poll until it returns 200.
func (a *API) getWaveform(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := a.recordings.Waveform(r.Context(), id)
	switch {
	case errors.Is(err, recording.ErrNotReady):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
		return
	case errors.Is(err, recording.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		a.logger.Error().Err(err).Str("recordingId", id).Msg("Waveform failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "waveform": data})
}

func (a *API) playRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	w.Header().Set("Content-Type", "audio/wav")
	err := a.recordings.Play(r.Context(), id, flushWriter{w})
	switch {
	case err == nil, errors.Is(err, recording.ErrPlaybackStopped), errors.Is(err, context.Canceled):
		return
	case errors.Is(err, recording.ErrNotFound):
		w.Header().Del("Content-Type")
		writeError(w, http.StatusNotFound, err)
	default:
		// Headers may already be out; the error only reaches the log.
		a.logger.Warn().Err(err).Str("recordingId", id).Msg("Playback failed")
	}
}

func (a *API) deleteRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := a.recordings.DeleteRecording(r.Context(), id)
	switch {
	case errors.Is(err, recording.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		a.logger.Error().Err(err).Str("recordingId", id).Msg("Delete recording failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// flushWriter pushes each playback chunk to the client as it is written.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
	return n, err
}
