package waitlist

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Batch is a Store that holds writes in memory until Commit. Reads see the
// staged state layered over the underlying store.
type Batch struct {
	base Store

	mu      sync.Mutex
	staged  map[uuid.UUID]*Entry
	created map[uuid.UUID]bool
	order   []uuid.UUID
}

func NewBatch(base Store) *Batch {
	return &Batch{
		base:    base,
		staged:  make(map[uuid.UUID]*Entry),
		created: make(map[uuid.UUID]bool),
	}
}

func (b *Batch) Create(_ context.Context, e *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stage(e)
	b.created[e.ID] = true
	return nil
}

func (b *Batch) Update(ctx context.Context, e *Entry) error {
	b.mu.Lock()
	_, ok := b.staged[e.ID]
	b.mu.Unlock()
	if !ok {
		if _, err := b.base.Get(ctx, e.ID); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stage(e)
	return nil
}

func (b *Batch) stage(e *Entry) {
	if _, ok := b.staged[e.ID]; !ok {
		b.order = append(b.order, e.ID)
	}
	cp := *e
	b.staged[e.ID] = &cp
}

func (b *Batch) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	b.mu.Lock()
	e, ok := b.staged[id]
	b.mu.Unlock()
	if ok {
		cp := *e
		return &cp, nil
	}
	return b.base.Get(ctx, id)
}

func (b *Batch) ListOpen(ctx context.Context, clinicID, day string) ([]*Entry, error) {
	stored, err := b.base.ListOpen(ctx, clinicID, day)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Entry, 0, len(stored))
	for _, e := range stored {
		if _, ok := b.staged[e.ID]; !ok {
			out = append(out, e)
		}
	}
	for _, id := range b.order {
		e := b.staged[id]
		if e.ClinicID == clinicID && e.RequestedDate == day && e.Status == StatusOpen {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out, nil
}

// Pending is the number of staged entries.
func (b *Batch) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Commit writes staged entries to the underlying store in the order they
// were first touched, then empties the batch.
func (b *Batch) Commit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.order {
		e := b.staged[id]
		write := b.base.Update
		if b.created[id] {
			write = b.base.Create
		}
		if err := write(ctx, e); err != nil {
			return fmt.Errorf("waitlist: commit %s: %w", id, err)
		}
	}
	b.reset()
	return nil
}

func (b *Batch) reset() {
	b.staged = make(map[uuid.UUID]*Entry)
	b.created = make(map[uuid.UUID]bool)
	b.order = nil
}

var _ Store = (*Batch)(nil)
