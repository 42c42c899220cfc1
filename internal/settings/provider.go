package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"ai-voice-session-service/internal/models"
	"ai-voice-session-service/internal/observability/logging"
	"ai-voice-session-service/internal/pubsub"
)

// ErrInvalidSetting is returned for values outside a setting's domain.
var ErrInvalidSetting = errors.New("invalid setting")

// STT providers a client may select.
var STTProviders = []string{"deepgram", "elevenlabs", "google", "mock"}

// Agent modes.
const (
	ModeChat       = "chat"
	ModeTranscribe = "transcribe"
)

// MetadataPublisher pushes participant metadata to the room. The transport
// session satisfies it and sends asynchronously.
type MetadataPublisher interface {
	UpdateMetadata(metadata string)
}

// Defaults returns the settings used before anything is stored.
func Defaults() models.ParticipantMetadata {
	return models.ParticipantMetadata{
		STTProvider:    "mock",
		LLMModel:       "gpt-4o-mini",
		AgentMode:      ModeChat,
		ExcludedAgents: []string{},
	}
}

// Validate checks every field against its domain.
func Validate(m models.ParticipantMetadata) error {
	if !contains(STTProviders, m.STTProvider) {
		return fmt.Errorf("%w: stt_provider %q", ErrInvalidSetting, m.STTProvider)
	}
	if strings.TrimSpace(m.LLMModel) == "" {
		return fmt.Errorf("%w: llm_model is empty", ErrInvalidSetting)
	}
	if m.AgentMode != ModeChat && m.AgentMode != ModeTranscribe {
		return fmt.Errorf("%w: agent_mode %q", ErrInvalidSetting, m.AgentMode)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Provider owns the current settings of one identity.
type Provider struct {
	store     Store
	identity  string
	publisher MetadataPublisher
	changes   *pubsub.Topic[models.ParticipantMetadata]
	logger    zerolog.Logger

	mu      sync.Mutex
	current models.ParticipantMetadata
}

// NewProvider loads stored settings for identity, falling back to defaults.
// A nil publisher disables metadata pushes.
func NewProvider(ctx context.Context, store Store, identity string, publisher MetadataPublisher, defaults models.ParticipantMetadata) (*Provider, error) {
	p := &Provider{
		store:     store,
		identity:  identity,
		publisher: publisher,
		changes:   pubsub.NewTopic[models.ParticipantMetadata]("settings"),
		logger:    logging.WithComponent("settings"),
		current:   defaults,
	}

	stored, ok, err := store.Load(ctx, identity)
	if err != nil {
		return nil, err
	}
	if ok {
		if verr := Validate(stored); verr != nil {
			p.logger.Warn().Err(verr).Str("identity", identity).Msg("Ignoring invalid stored settings")
		} else {
			p.current = stored
		}
	}
	p.current.ExcludedAgents = normalizeAgents(p.current.ExcludedAgents)
	return p, nil
}

// Get returns a copy of the current settings.
func (p *Provider) Get() models.ParticipantMetadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.current)
}

// Changes publishes every accepted update.
func (p *Provider) Changes() *pubsub.Topic[models.ParticipantMetadata] {
	return p.changes
}

// Metadata returns the participant metadata JSON for the current settings.
func (p *Provider) Metadata() string {
	b, _ := json.Marshal(p.Get())
	return string(b)
}

// Update validates, persists and publishes a full settings value.
func (p *Provider) Update(ctx context.Context, m models.ParticipantMetadata) error {
	return p.apply(ctx, func(cur *models.ParticipantMetadata) { *cur = m })
}

func (p *Provider) SetSTTProvider(ctx context.Context, provider string) error {
	return p.apply(ctx, func(m *models.ParticipantMetadata) { m.STTProvider = provider })
}

func (p *Provider) SetLLMModel(ctx context.Context, model string) error {
	return p.apply(ctx, func(m *models.ParticipantMetadata) { m.LLMModel = model })
}

func (p *Provider) SetAgentMode(ctx context.Context, mode string) error {
	return p.apply(ctx, func(m *models.ParticipantMetadata) { m.AgentMode = mode })
}

func (p *Provider) SetTTSEnabled(ctx context.Context, enabled bool) error {
	return p.apply(ctx, func(m *models.ParticipantMetadata) { m.TTSEnabled = enabled })
}

func (p *Provider) SetExcludedAgents(ctx context.Context, agents []string) error {
	return p.apply(ctx, func(m *models.ParticipantMetadata) { m.ExcludedAgents = agents })
}

func (p *Provider) apply(ctx context.Context, mutate func(*models.ParticipantMetadata)) error {
	p.mu.Lock()
	next := clone(p.current)
	mutate(&next)
	next.ExcludedAgents = normalizeAgents(next.ExcludedAgents)
	if err := Validate(next); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := p.store.Save(ctx, p.identity, next); err != nil {
		p.mu.Unlock()
		return err
	}
	p.current = next
	// Pushed under the lock so the last value pushed is the current one.
	if p.publisher != nil {
		b, err := json.Marshal(next)
		if err == nil {
			p.publisher.UpdateMetadata(string(b))
		}
	}
	p.changes.Publish(clone(next))
	p.mu.Unlock()
	p.logger.Info().
		Str("sttProvider", next.STTProvider).
		Str("llmModel", next.LLMModel).
		Str("agentMode", next.AgentMode).
		Bool("ttsEnabled", next.TTSEnabled).
		Strs("excludedAgents", next.ExcludedAgents).
		Msg("Settings updated")
	return nil
}

// Close releases subscribers of Changes.
func (p *Provider) Close() {
	p.changes.Close()
}

func clone(m models.ParticipantMetadata) models.ParticipantMetadata {
	m.ExcludedAgents = append([]string{}, m.ExcludedAgents...)
	return m
}

// normalizeAgents trims, lowercases, dedupes and sorts agent names.
func normalizeAgents(agents []string) []string {
	seen := make(map[string]bool, len(agents))
	out := []string{}
	for _, a := range agents {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
