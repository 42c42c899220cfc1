package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const historyPrefix = "history:"

// HistoryStore keeps conversation turns per conversation key.
type HistoryStore interface {
	Load(ctx context.Context, key string) ([]Turn, error)
	Append(ctx context.Context, key string, turns ...Turn) error
}

// RedisHistory stores the last limit turns as JSON with a TTL.
type RedisHistory struct {
	rdb   redis.Cmdable
	limit int
	ttl   time.Duration
}

func NewRedisHistory(rdb redis.Cmdable, limit int, ttl time.Duration) *RedisHistory {
	return &RedisHistory{rdb: rdb, limit: limit, ttl: ttl}
}

func (h *RedisHistory) Load(ctx context.Context, key string) ([]Turn, error) {
	data, err := h.rdb.Get(ctx, historyPrefix+key).Bytes()
	if err == redis.Nil {
		return []Turn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return turns, nil
}

func (h *RedisHistory) Append(ctx context.Context, key string, turns ...Turn) error {
	history, err := h.Load(ctx, key)
	if err != nil {
		return err
	}
	history = trim(append(history, turns...), h.limit)

	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := h.rdb.Set(ctx, historyPrefix+key, data, h.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// MemoryHistory keeps turns in process.
type MemoryHistory struct {
	limit int
	mu    sync.Mutex
	data  map[string][]Turn
}

func NewMemoryHistory(limit int) *MemoryHistory {
	return &MemoryHistory{limit: limit, data: make(map[string][]Turn)}
}

func (h *MemoryHistory) Load(_ context.Context, key string) ([]Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Turn{}, h.data[key]...), nil
}

func (h *MemoryHistory) Append(_ context.Context, key string, turns ...Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data[key] = trim(append(h.data[key], turns...), h.limit)
	return nil
}

// trim keeps only the last limit turns.
func trim(turns []Turn, limit int) []Turn {
	if limit > 0 && len(turns) > limit {
		turns = append([]Turn(nil), turns[len(turns)-limit:]...)
	}
	return turns
}
