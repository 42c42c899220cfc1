// Package settings persists the user's voice settings and mirrors them
// into the participant metadata the agent reads.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"ai-voice-session-service/internal/models"
)

const keyPrefix = "settings:"

// Store loads and saves settings per participant identity.
type Store interface {
	// Load returns the stored settings and whether any were found.
	Load(ctx context.Context, identity string) (models.ParticipantMetadata, bool, error)
	Save(ctx context.Context, identity string, s models.ParticipantMetadata) error
}

// RedisStore keeps settings as JSON under settings:<identity>.
type RedisStore struct {
	rdb redis.Cmdable
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Load(ctx context.Context, identity string) (models.ParticipantMetadata, bool, error) {
	var m models.ParticipantMetadata
	data, err := s.rdb.Get(ctx, keyPrefix+identity).Bytes()
	if err == redis.Nil {
		return m, false, nil
	}
	if err != nil {
		return m, false, fmt.Errorf("failed to load settings: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, false, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return m, true, nil
}

func (s *RedisStore) Save(ctx context.Context, identity string, m models.ParticipantMetadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+identity, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// MemoryStore keeps settings for the life of the process.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]models.ParticipantMetadata
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]models.ParticipantMetadata)}
}

func (s *MemoryStore) Load(_ context.Context, identity string) (models.ParticipantMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[identity]
	m.ExcludedAgents = append([]string(nil), m.ExcludedAgents...)
	return m, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, identity string, m models.ParticipantMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ExcludedAgents = append([]string(nil), m.ExcludedAgents...)
	s.data[identity] = m
	return nil
}
