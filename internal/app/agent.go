package app

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/config"
	"ai-voice-session-service/internal/egress"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/room"
	"ai-voice-session-service/internal/service/agent"
	"ai-voice-session-service/internal/service/stt/google"
	"ai-voice-session-service/internal/service/stt/mock"
)

// Agent is the component graph of the agent binary: the room server, the
// egress recorder and the voice agent participant.
type Agent struct {
	Hub      *room.Hub
	Recorder *egress.Recorder
	Egress   *egress.Server
	Worker   *agent.Worker

	redis  *redis.Client
	logger zerolog.Logger
}

// NewAgent builds the agent graph. The worker joins its room on Start.
func NewAgent(cfg *config.Configuration) (*Agent, error) {
	logger := logging.WithComponent("agent-app")

	rdb, err := newRedis(cfg.Redis)
	if err != nil {
		return nil, err
	}

	hub := room.NewHub(room.Config{
		QueueSize:      cfg.Transport.OutboundQueueSize,
		WriteTimeout:   cfg.Transport.WriteTimeout,
		PingInterval:   cfg.Transport.PingInterval,
		AllowedOrigins: cfg.Transport.AllowedOrigins,
	})

	format := egress.DefaultFormat
	format.SampleRate = cfg.VAD.SampleRateHz
	recorder := egress.NewRecorder(format)
	hub.AddObserver(recorder)

	var history agent.HistoryStore = agent.NewMemoryHistory(cfg.Agent.HistoryLimit)
	if rdb != nil {
		history = agent.NewRedisHistory(rdb, cfg.Agent.HistoryLimit, cfg.Agent.HistoryTTL)
	}

	var responder agent.Responder = agent.ScriptedResponder{}
	if cfg.Agent.LLMAPIKey != "" {
		responder = agent.NewOpenAIResponder(cfg.Agent.LLMAPIKey, cfg.Agent.LLMBaseURL, cfg.Agent.SystemPrompt)
	} else {
		logger.Warn().Msg("LLM_API_KEY not set, agent replies are scripted")
	}

	factory := agent.NewSTTFactory(cfg.STT.Provider, google.Config{
		LanguageCode:   cfg.STT.LanguageCode,
		SampleRateHz:   cfg.STT.SampleRateHz,
		InterimResults: cfg.STT.InterimResults,
		AudioEncoding:  cfg.STT.AudioEncoding,
	}, mock.DefaultOptions())

	worker := agent.NewWorker(agent.Config{
		Name:     cfg.Agent.Name,
		Identity: "agent-" + cfg.Agent.Name,
		Room:     cfg.Transport.Room,
		Mode:     cfg.Agent.Mode,
		Model:    cfg.Agent.LLMModel,
		Monitor: agent.MonitorConfig{
			Interval:  cfg.Agent.MonitorInterval,
			WarnAt:    cfg.Agent.InactivityWarning,
			TimeoutAt: cfg.Agent.InactivityTimeout,
		},
		Limits:     agent.DefaultLimits(),
		AudioQueue: 500,
	}, factory, responder, history)

	logger.Info().
		Str("room", cfg.Transport.Room).
		Str("sttProvider", cfg.STT.Provider).
		Bool("redis", rdb != nil).
		Msg("Agent graph created")

	return &Agent{
		Hub:      hub,
		Recorder: recorder,
		Egress:   egress.NewServer(recorder),
		Worker:   worker,
		redis:    rdb,
		logger:   logger,
	}, nil
}

// Start joins the agent to its room.
func (a *Agent) Start() {
	a.Worker.Start(a.Hub)
}

// Mount registers the room websocket and egress routes.
func (a *Agent) Mount(r chi.Router) {
	a.Hub.Mount(r)
	a.Egress.Mount(r)
}

// Ready reports an unreachable redis as not ready.
func (a *Agent) Ready() error {
	if a.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return a.redis.Ping(ctx).Err()
}

// Close ends agent sessions, finalizes recordings and closes connections.
func (a *Agent) Close() {
	a.Worker.Close()
	a.Recorder.Close()
	a.Hub.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Error closing redis")
		}
	}
	a.logger.Info().Msg("Agent graph closed")
}
