package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wolfman30/clinicflow/pkg/logging"
)

const (
	headerEventType = "event-type"
	headerClinicID  = "clinic-id"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka-backed bus.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaBus publishes events keyed by clinic so a clinic's events stay on one
// partition and keep their order.
type KafkaBus struct {
	writer    messageWriter
	newReader func() messageReader
	logger    *logging.Logger

	mu     sync.Mutex
	closed bool
	subs   []*kafkaSubscription
}

func NewKafkaBus(cfg KafkaConfig, logger *logging.Logger) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("events: at least one kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("events: kafka topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "clinicflow-orchestrator"
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  5,
		BatchTimeout: 10 * time.Millisecond,
		Logger:       kafka.LoggerFunc(func(msg string, args ...any) {}),
	}
	newReader := func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: 0,
			StartOffset:    kafka.LastOffset,
			Logger:         kafka.LoggerFunc(func(msg string, args ...any) {}),
		})
	}
	return newKafkaBus(writer, newReader, logger), nil
}

func newKafkaBus(writer messageWriter, newReader func() messageReader, logger *logging.Logger) *KafkaBus {
	if logger == nil {
		logger = logging.Default()
	}
	return &KafkaBus{writer: writer, newReader: newReader, logger: logger}
}

func (b *KafkaBus) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.ClinicID),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(ev.Type)},
			{Key: headerClinicID, Value: []byte(ev.ClinicID)},
		},
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("events: kafka publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe starts a consumer loop that commits each message after the
// handler ran. Handler errors are logged and the message is still committed;
// redelivery comes from the next triggered pass, not a retry here.
func (b *KafkaBus) Subscribe(handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	reader := b.newReader()
	sub := &kafkaSubscription{cancel: cancel, done: make(chan struct{})}
	b.subs = append(b.subs, sub)
	go func() {
		defer close(sub.done)
		defer reader.Close()
		b.consume(ctx, reader, handler)
	}()
	return sub, nil
}

func (b *KafkaBus) consume(ctx context.Context, reader messageReader, handler Handler) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			b.logger.Error("kafka fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		var ev Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			b.logger.Error("kafka message is not an event", "error", err, "offset", msg.Offset, "partition", msg.Partition)
		} else if err := handler(ctx, ev); err != nil {
			b.logger.Error("event handler failed", "error", err, "event_id", ev.ID, "type", ev.Type, "clinic_id", ev.ClinicID)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			b.logger.Error("kafka commit failed", "error", err, "offset", msg.Offset)
		}
	}
}

// Close stops every consumer loop and the writer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return b.writer.Close()
}

type kafkaSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Unsubscribe is safe to call more than once.
func (s *kafkaSubscription) Unsubscribe() {
	s.cancel()
	<-s.done
}
