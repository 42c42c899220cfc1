// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Configuration is the full configuration of both binaries.
type Configuration struct {
	Service       ServiceConfig
	Transport     TransportConfig
	VAD           VADConfig
	Session       SessionConfig
	Recording     RecordingConfig
	STT           STTConfig
	Agent         AgentConfig
	Kafka         KafkaConfig
	Redis         RedisConfig
	Store         StoreConfig
	Observability ObservabilityConfig
}

// ServiceConfig identifies the process and its listeners.
type ServiceConfig struct {
	Name      string
	Principal string
	Env       string
	GRPCPort  string
	HTTPAddr  string
}

// TransportConfig controls the real-time room connection.
type TransportConfig struct {
	URL                   string
	Room                  string
	Identity              string
	PingInterval          time.Duration
	WriteTimeout          time.Duration
	PublishTimeout        time.Duration
	AgentIdentityFallback bool
	OutboundQueueSize     int
	AllowedOrigins        []string
}

// VADConfig tunes the voice activity gate.
type VADConfig struct {
	ActivationThreshold   float64
	DeactivationThreshold float64
	PreRoll               time.Duration
	MinSilence            time.Duration
	WarningThreshold      time.Duration
	MaxDuration           time.Duration
	GracePeriod           time.Duration
	SendBuffer            time.Duration
	FrameDuration         time.Duration
	SampleRateHz          int
}

// SessionConfig tunes the session controller.
type SessionConfig struct {
	ReadyTimeout time.Duration
}

// RecordingConfig tunes the recording capture pipeline and egress.
type RecordingConfig struct {
	Dir             string
	EgressURL       string
	TickInterval    time.Duration
	WaveformRetry   time.Duration
	WaveformBuckets int
}

// STTConfig selects and configures the speech-to-text provider.
type STTConfig struct {
	Provider       string
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
}

// AgentConfig configures the in-process voice agent.
type AgentConfig struct {
	Name              string
	Mode              string
	LLMBaseURL        string
	LLMAPIKey         string
	LLMModel          string
	SystemPrompt      string
	MonitorInterval   time.Duration
	InactivityWarning time.Duration
	InactivityTimeout time.Duration
	HistoryLimit      int
	HistoryTTL        time.Duration
}

// KafkaConfig configures the conversation event publisher.
type KafkaConfig struct {
	Enabled            bool
	Brokers            []string
	TopicMessages      string
	TopicNotifications string
	Principal          string
}

// RedisConfig configures the settings and history stores.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// StoreConfig configures the recordings database.
type StoreConfig struct {
	Path string
}

// ObservabilityConfig configures logging and the metrics listener.
type ObservabilityConfig struct {
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

// Load reads the configuration from the environment. Unparseable values
// fall back to their defaults; call Validate to reject inconsistent ones.
func Load() *Configuration {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-voice-session")
	env := envOrDefault("ENV", "prod")

	logFormat := envOrDefault("LOG_FORMAT", "json")
	if env == "dev" && os.Getenv("LOG_FORMAT") == "" {
		logFormat = "console"
	}

	return &Configuration{
		Service: ServiceConfig{
			Name:      envOrDefault("SERVICE_NAME", "ai-voice-session-service"),
			Principal: principal,
			Env:       env,
			GRPCPort:  envOrDefault("GRPC_PORT", "50051"),
			HTTPAddr:  envOrDefault("HTTP_ADDR", ":8080"),
		},
		Transport: TransportConfig{
			URL:                   envOrDefault("ROOM_URL", "ws://localhost:8080/rtc"),
			Room:                  envOrDefault("ROOM_NAME", "voice"),
			Identity:              envOrDefault("ROOM_IDENTITY", "device"),
			PingInterval:          envOrDefaultDuration("ROOM_PING_INTERVAL", 20*time.Second),
			WriteTimeout:          envOrDefaultDuration("ROOM_WRITE_TIMEOUT", 5*time.Second),
			PublishTimeout:        envOrDefaultDuration("ROOM_PUBLISH_TIMEOUT", 5*time.Second),
			AgentIdentityFallback: envOrDefaultBool("ROOM_AGENT_IDENTITY_FALLBACK", true),
			OutboundQueueSize:     envOrDefaultInt("ROOM_OUTBOUND_QUEUE_SIZE", 256),
			AllowedOrigins:        envList("ROOM_ALLOWED_ORIGINS"),
		},
		VAD: VADConfig{
			ActivationThreshold:   envOrDefaultFloat("VAD_ACTIVATION_THRESHOLD", 0.5),
			DeactivationThreshold: envOrDefaultFloat("VAD_DEACTIVATION_THRESHOLD", 0.35),
			PreRoll:               envOrDefaultDuration("VAD_PRE_ROLL", 500*time.Millisecond),
			MinSilence:            envOrDefaultDuration("VAD_MIN_SILENCE", 300*time.Millisecond),
			WarningThreshold:      envOrDefaultDuration("VAD_WARNING_THRESHOLD", 55*time.Second),
			MaxDuration:           envOrDefaultDuration("VAD_MAX_DURATION", 60*time.Second),
			GracePeriod:           envOrDefaultDuration("VAD_GRACE_PERIOD", 2*time.Second),
			SendBuffer:            envOrDefaultDuration("VAD_SEND_BUFFER", 5*time.Second),
			FrameDuration:         envOrDefaultDuration("VAD_FRAME_DURATION", 20*time.Millisecond),
			SampleRateHz:          envOrDefaultInt("VAD_SAMPLE_RATE_HZ", 16000),
		},
		Session: SessionConfig{
			ReadyTimeout: envOrDefaultDuration("SESSION_READY_TIMEOUT", 15*time.Second),
		},
		Recording: RecordingConfig{
			Dir:             envOrDefault("RECORDING_DIR", "./data/recordings"),
			EgressURL:       envOrDefault("EGRESS_URL", "http://localhost:8080"),
			TickInterval:    envOrDefaultDuration("RECORDING_TICK_INTERVAL", time.Second),
			WaveformRetry:   envOrDefaultDuration("WAVEFORM_RETRY_INTERVAL", time.Second),
			WaveformBuckets: envOrDefaultInt("WAVEFORM_BUCKETS", 100),
		},
		STT: STTConfig{
			Provider:       envOrDefault("STT_PROVIDER", "mock"),
			LanguageCode:   envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			SampleRateHz:   envOrDefaultInt("STT_SAMPLE_RATE_HZ", 16000),
			InterimResults: envOrDefaultBool("STT_INTERIM_RESULTS", true),
			AudioEncoding:  envOrDefault("STT_AUDIO_ENCODING", "LINEAR16"),
		},
		Agent: AgentConfig{
			Name:              envOrDefault("AGENT_NAME", "chat"),
			Mode:              envOrDefault("AGENT_MODE", "chat"),
			LLMBaseURL:        envOrDefault("LLM_BASE_URL", ""),
			LLMAPIKey:         envOrDefault("LLM_API_KEY", ""),
			LLMModel:          envOrDefault("LLM_MODEL", "gpt-4o-mini"),
			SystemPrompt:      envOrDefault("AGENT_SYSTEM_PROMPT", "You are a concise voice assistant. Answer in one or two short sentences."),
			MonitorInterval:   envOrDefaultDuration("AGENT_MONITOR_INTERVAL", 500*time.Millisecond),
			InactivityWarning: envOrDefaultDuration("AGENT_INACTIVITY_WARNING", 55*time.Second),
			InactivityTimeout: envOrDefaultDuration("AGENT_INACTIVITY_TIMEOUT", 60*time.Second),
			HistoryLimit:      envOrDefaultInt("AGENT_HISTORY_LIMIT", 20),
			HistoryTTL:        envOrDefaultDuration("AGENT_HISTORY_TTL", 24*time.Hour),
		},
		Kafka: KafkaConfig{
			Enabled:            envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:            envListOrDefault("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicMessages:      envOrDefault("KAFKA_TOPIC_MESSAGES", "conversation.message.completed"),
			TopicNotifications: envOrDefault("KAFKA_TOPIC_NOTIFICATIONS", "session.notification"),
			Principal:          envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Redis: RedisConfig{
			Enabled:  envOrDefaultBool("REDIS_ENABLED", false),
			Addr:     envOrDefault("REDIS_ADDR", "localhost:6379"),
			Password: envOrDefault("REDIS_PASSWORD", ""),
			DB:       envOrDefaultInt("REDIS_DB", 0),
		},
		Store: StoreConfig{
			Path: envOrDefault("STORE_PATH", "./data/recordings.db"),
		},
		Observability: ObservabilityConfig{
			LogLevel:    envOrDefault("LOG_LEVEL", "info"),
			LogFormat:   logFormat,
			MetricsAddr: envOrDefault("METRICS_ADDR", ":9090"),
		},
	}
}

// Validate rejects configurations the components cannot run with.
func (c *Configuration) Validate() error {
	if c.VAD.ActivationThreshold <= 0 || c.VAD.ActivationThreshold > 1 {
		return fmt.Errorf("VAD_ACTIVATION_THRESHOLD must be in (0, 1]")
	}
	if c.VAD.DeactivationThreshold < 0 || c.VAD.DeactivationThreshold > c.VAD.ActivationThreshold {
		return fmt.Errorf("VAD_DEACTIVATION_THRESHOLD must be in [0, VAD_ACTIVATION_THRESHOLD]")
	}
	if c.VAD.WarningThreshold >= c.VAD.MaxDuration {
		return fmt.Errorf("VAD_WARNING_THRESHOLD must be < VAD_MAX_DURATION")
	}
	if c.VAD.SampleRateHz <= 0 {
		return fmt.Errorf("VAD_SAMPLE_RATE_HZ must be > 0")
	}
	if c.Agent.InactivityWarning >= c.Agent.InactivityTimeout {
		return fmt.Errorf("AGENT_INACTIVITY_WARNING must be < AGENT_INACTIVITY_TIMEOUT")
	}
	if c.Agent.Mode != "chat" && c.Agent.Mode != "transcribe" {
		return fmt.Errorf("AGENT_MODE must be chat or transcribe, got %q", c.Agent.Mode)
	}
	if c.Recording.WaveformBuckets <= 0 {
		return fmt.Errorf("WAVEFORM_BUCKETS must be > 0")
	}
	if c.Transport.OutboundQueueSize <= 0 {
		return fmt.Errorf("ROOM_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS cannot be empty when KAFKA_ENABLED")
	}

	durations := map[string]time.Duration{
		"VAD_PRE_ROLL":            c.VAD.PreRoll,
		"VAD_MIN_SILENCE":         c.VAD.MinSilence,
		"VAD_MAX_DURATION":        c.VAD.MaxDuration,
		"VAD_SEND_BUFFER":         c.VAD.SendBuffer,
		"VAD_FRAME_DURATION":      c.VAD.FrameDuration,
		"ROOM_PING_INTERVAL":      c.Transport.PingInterval,
		"ROOM_WRITE_TIMEOUT":      c.Transport.WriteTimeout,
		"ROOM_PUBLISH_TIMEOUT":    c.Transport.PublishTimeout,
		"SESSION_READY_TIMEOUT":   c.Session.ReadyTimeout,
		"RECORDING_TICK_INTERVAL": c.Recording.TickInterval,
		"WAVEFORM_RETRY_INTERVAL": c.Recording.WaveformRetry,
		"AGENT_MONITOR_INTERVAL":  c.Agent.MonitorInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envOrDefaultFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return d
}

func envList(key string) []string {
	return envListOrDefault(key, nil)
}

func envListOrDefault(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
