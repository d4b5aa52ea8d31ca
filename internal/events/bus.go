package events

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/wolfman30/clinicflow/pkg/logging"
)

// Handler consumes one event. Delivery is at-least-once, so handlers must
// tolerate duplicates.
type Handler func(ctx context.Context, ev Event) error

// Subscription detaches a handler from a bus.
type Subscription interface {
	Unsubscribe()
}

// Bus publishes queue domain events to subscribers.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(handler Handler) (Subscription, error)
}

// ErrBusClosed is returned by a bus after Close.
var ErrBusClosed = errors.New("events: bus closed")

// MemoryBus delivers events synchronously to in-process subscribers.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int
	closed   bool
	logger   *logging.Logger
}

func NewMemoryBus(logger *logging.Logger) *MemoryBus {
	if logger == nil {
		logger = logging.Default()
	}
	return &MemoryBus{handlers: make(map[int]Handler), logger: logger}
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	ids := make([]int, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			b.logger.Error("event handler failed", "error", err, "event_id", ev.ID, "type", ev.Type, "clinic_id", ev.ClinicID)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	return &memorySubscription{bus: b, id: id}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[int]Handler)
	return nil
}

type memorySubscription struct {
	bus  *MemoryBus
	id   int
	once sync.Once
}

func (s *memorySubscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.handlers, s.id)
		s.bus.mu.Unlock()
	})
}
