package estimation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinicflow/internal/clock"
	"github.com/wolfman30/clinicflow/internal/queue"
)

// Cache holds the latest estimate per entry.
type Cache interface {
	Get(ctx context.Context, entryID uuid.UUID) (*queue.Estimate, bool, error)
	Set(ctx context.Context, entryID uuid.UUID, est *queue.Estimate) error
	Delete(ctx context.Context, entryIDs ...uuid.UUID) error
}

type memoryItem struct {
	est     queue.Estimate
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	clock clock.Clock
	items map[uuid.UUID]memoryItem
}

func NewMemoryCache(ttl time.Duration, clk clock.Clock) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryCache{ttl: ttl, clock: clk, items: make(map[uuid.UUID]memoryItem)}
}

func (c *MemoryCache) Get(_ context.Context, entryID uuid.UUID) (*queue.Estimate, bool, error) {
	c.mu.RLock()
	item, ok := c.items[entryID]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !c.clock.Now().Before(item.expires) {
		c.mu.Lock()
		delete(c.items, entryID)
		c.mu.Unlock()
		return nil, false, nil
	}
	est := item.est
	return &est, true, nil
}

func (c *MemoryCache) Set(_ context.Context, entryID uuid.UUID, est *queue.Estimate) error {
	if est == nil {
		return nil
	}
	c.mu.Lock()
	c.items[entryID] = memoryItem{est: *est, expires: c.clock.Now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, entryIDs ...uuid.UUID) error {
	c.mu.Lock()
	for _, id := range entryIDs {
		delete(c.items, id)
	}
	c.mu.Unlock()
	return nil
}

// RedisCache stores estimates as JSON with a redis TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) key(entryID uuid.UUID) string {
	return fmt.Sprintf("estimate:%s", entryID)
}

func (c *RedisCache) Get(ctx context.Context, entryID uuid.UUID) (*queue.Estimate, bool, error) {
	data, err := c.client.Get(ctx, c.key(entryID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("estimation: cache get: %w", err)
	}
	var est queue.Estimate
	if err := json.Unmarshal(data, &est); err != nil {
		return nil, false, fmt.Errorf("estimation: cache decode: %w", err)
	}
	return &est, true, nil
}

func (c *RedisCache) Set(ctx context.Context, entryID uuid.UUID, est *queue.Estimate) error {
	if est == nil {
		return nil
	}
	data, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("estimation: cache encode: %w", err)
	}
	if err := c.client.Set(ctx, c.key(entryID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("estimation: cache set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, entryIDs ...uuid.UUID) error {
	if len(entryIDs) == 0 {
		return nil
	}
	keys := make([]string, len(entryIDs))
	for i, id := range entryIDs {
		keys[i] = c.key(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("estimation: cache delete: %w", err)
	}
	return nil
}
