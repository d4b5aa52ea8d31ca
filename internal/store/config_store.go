package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinicflow/internal/queue"
)

// RedisConfigStore provides persistence for clinic queue configurations.
type RedisConfigStore struct {
	redis *redis.Client
}

// NewRedisConfigStore creates a new clinic config store.
func NewRedisConfigStore(redisClient *redis.Client) *RedisConfigStore {
	return &RedisConfigStore{redis: redisClient}
}

func (s *RedisConfigStore) key(clinicID string) string {
	return fmt.Sprintf("clinic:queue-config:%s", clinicID)
}

// Get retrieves clinic config, returning default if not found.
func (s *RedisConfigStore) Get(ctx context.Context, clinicID string) (queue.ClinicQueueConfig, error) {
	data, err := s.redis.Get(ctx, s.key(clinicID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return queue.DefaultClinicConfig(clinicID), nil
	}
	if err != nil {
		return queue.ClinicQueueConfig{}, fmt.Errorf("store: get config: %w", err)
	}

	var cfg queue.ClinicQueueConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return queue.ClinicQueueConfig{}, fmt.Errorf("store: unmarshal config: %w", err)
	}
	cfg.ClinicID = clinicID
	return cfg.WithDefaults(), nil
}

// Set saves clinic config.
func (s *RedisConfigStore) Set(ctx context.Context, cfg queue.ClinicQueueConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("store: marshal config: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(cfg.ClinicID), data, 0).Err(); err != nil {
		return fmt.Errorf("store: set config: %w", err)
	}
	return nil
}
