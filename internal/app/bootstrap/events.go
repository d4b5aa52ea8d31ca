package bootstrap

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinicflow/internal/clock"
	appconfig "github.com/wolfman30/clinicflow/internal/config"
	"github.com/wolfman30/clinicflow/internal/events"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

const (
	busMemory = "memory"
	busKafka  = "kafka"
	busOutbox = "outbox"
)

// EventStack is the wired event bus plus the pieces that must be started and
// closed with it.
type EventStack struct {
	Bus events.Bus
	// Deliverer drains the outbox; nil unless the outbox bus is selected.
	Deliverer *events.Deliverer

	closers []func() error
}

// Close releases the underlying transports.
func (s *EventStack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && !errors.Is(err, events.ErrBusClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildEventBus wires the bus named by cfg.EventBus. The outbox bus persists
// events in postgres and forwards them to kafka when brokers are configured,
// otherwise to an in-process bus.
func BuildEventBus(cfg *appconfig.Config, pool *pgxpool.Pool, logger *logging.Logger) (*EventStack, error) {
	if logger == nil {
		logger = logging.Default()
	}
	kind := busMemory
	if cfg != nil && cfg.EventBus != "" {
		kind = cfg.EventBus
	}

	switch kind {
	case busMemory:
		bus := events.NewMemoryBus(logger)
		return &EventStack{Bus: bus, closers: []func() error{bus.Close}}, nil

	case busKafka:
		bus, err := events.NewKafkaBus(kafkaConfig(cfg), logger)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: kafka bus: %w", err)
		}
		return &EventStack{Bus: bus, closers: []func() error{bus.Close}}, nil

	case busOutbox:
		if pool == nil {
			return nil, errors.New("bootstrap: outbox event bus requires DATABASE_URL")
		}
		stack := &EventStack{}
		var downstream events.Bus
		if len(cfg.KafkaBrokers) > 0 {
			kb, err := events.NewKafkaBus(kafkaConfig(cfg), logger)
			if err != nil {
				return nil, fmt.Errorf("bootstrap: outbox downstream: %w", err)
			}
			downstream = kb
			stack.closers = append(stack.closers, kb.Close)
		} else {
			mb := events.NewMemoryBus(logger)
			downstream = mb
			stack.closers = append(stack.closers, mb.Close)
		}
		outbox := events.NewOutboxStore(pool)
		stack.Bus = events.NewOutboxBus(outbox, downstream)
		stack.Deliverer = events.NewDeliverer(outbox, events.NewForwarder(downstream), logger).
			WithInterval(cfg.OutboxPollInterval)
		return stack, nil

	default:
		return nil, fmt.Errorf("bootstrap: unknown event bus %q", kind)
	}
}

func kafkaConfig(cfg *appconfig.Config) events.KafkaConfig {
	return events.KafkaConfig{
		Brokers: cfg.KafkaBrokers,
		Topic:   cfg.KafkaTopic,
		GroupID: cfg.KafkaGroupID,
	}
}

// BuildDeduper picks the consumer deduplication store: Redis when available,
// then postgres, then memory.
func BuildDeduper(cfg *appconfig.Config, pool *pgxpool.Pool, redisClient *redis.Client, clk clock.Clock) events.Deduper {
	ttl := 10 * time.Minute
	if cfg != nil && cfg.DedupTTL > 0 {
		ttl = cfg.DedupTTL
	}
	switch {
	case redisClient != nil:
		return events.NewRedisDeduper(redisClient, ttl)
	case pool != nil:
		return events.NewPostgresDeduper(pool, ttl, clk)
	default:
		return events.NewMemoryDeduper(ttl, clk)
	}
}
