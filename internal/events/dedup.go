package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinicflow/internal/clock"
)

// Deduper reports whether a consumer is seeing an event for the first time.
type Deduper interface {
	FirstDelivery(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
}

// MemoryDeduper remembers event ids for a TTL within one process.
type MemoryDeduper struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	clock clock.Clock
}

func NewMemoryDeduper(ttl time.Duration, clk clock.Clock) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, clock: clk}
}

func (d *MemoryDeduper) FirstDelivery(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	now := d.clock.Now()
	key := consumer + ":" + eventID.String()

	d.mu.Lock()
	defer d.mu.Unlock()
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)
	return true, nil
}

// RedisDeduper shares dedup state across replicas with SETNX.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if client == nil {
		panic("events: redis client required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) FirstDelivery(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	key := fmt.Sprintf("events:processed:%s:%s", consumer, eventID)
	ok, err := d.client.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("events: redis dedup: %w", err)
	}
	return ok, nil
}
