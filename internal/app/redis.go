package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ai-voice-session-service/internal/config"
)

// newRedis connects to redis when enabled. A nil client means the
// in-memory stores are used.
func newRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
