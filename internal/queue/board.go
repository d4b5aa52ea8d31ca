package queue

import (
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Board is the mutable snapshot of one clinic-day that a recalculation pass
// or an operation works on. It is not safe for concurrent use; callers hold
// the clinic lock.
type Board struct {
	Config  ClinicQueueConfig
	Entries []*Entry

	baseline map[uuid.UUID]*Entry
	nextSeq  int64
}

// NewBoard orders entries by effective start and records a baseline for Changed.
func NewBoard(cfg ClinicQueueConfig, entries []*Entry) *Board {
	b := &Board{
		Config:   cfg,
		Entries:  entries,
		baseline: make(map[uuid.UUID]*Entry, len(entries)),
	}
	sort.SliceStable(b.Entries, func(i, j int) bool {
		ei, ej := b.Entries[i], b.Entries[j]
		if !ei.EffectiveStart().Equal(ej.EffectiveStart()) {
			return ei.EffectiveStart().Before(ej.EffectiveStart())
		}
		return ei.Sequence < ej.Sequence
	})
	for _, e := range entries {
		b.baseline[e.ID] = e.Clone()
		if e.Sequence >= b.nextSeq {
			b.nextSeq = e.Sequence + 1
		}
	}
	return b
}

// Find returns the entry with id, or nil.
func (b *Board) Find(id uuid.UUID) *Entry {
	for _, e := range b.Entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// Add appends a new entry, assigning the next sequence number when unset.
func (b *Board) Add(e *Entry) {
	if e.Sequence == 0 {
		e.Sequence = b.nextSeq
	}
	if e.Sequence >= b.nextSeq {
		b.nextSeq = e.Sequence + 1
	}
	b.Entries = append(b.Entries, e)
}

// Positioned returns entries that hold a position, ordered by current position.
func (b *Board) Positioned() []*Entry {
	var out []*Entry
	for _, e := range b.Entries {
		if e.Status.Positioned() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Position, out[j].Position
		if pi == 0 || pj == 0 {
			return pj == 0 && pi != 0
		}
		return pi < pj
	})
	return out
}

// Filter returns the entries matching keep, in board order.
func (b *Board) Filter(keep func(*Entry) bool) []*Entry {
	var out []*Entry
	for _, e := range b.Entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// OpenGaps lists released, unclaimed slots that have not yet ended, earliest first.
func (b *Board) OpenGaps(now time.Time) []*Entry {
	gaps := b.Filter(func(e *Entry) bool { return e.OpenGap(now) })
	sort.SliceStable(gaps, func(i, j int) bool {
		return gaps[i].ScheduledStart.Before(gaps[j].ScheduledStart)
	})
	return gaps
}

// Active counts entries that consume capacity for the day.
func (b *Board) Active() int {
	n := 0
	for _, e := range b.Entries {
		if !e.Status.Terminal() {
			n++
		}
	}
	return n
}

// Changed returns entries that differ from the baseline, including new ones.
func (b *Board) Changed() []*Entry {
	var out []*Entry
	for _, e := range b.Entries {
		before, ok := b.baseline[e.ID]
		if !ok || !reflect.DeepEqual(before, e) {
			out = append(out, e)
		}
	}
	return out
}

// Before returns the baseline copy of an entry, or nil for entries added since.
func (b *Board) Before(id uuid.UUID) *Entry {
	return b.baseline[id]
}

// Claim records that filler occupies the freed slot of gap.
func Claim(gap, filler *Entry) {
	gap.SlotClaimedBy = UUIDPtr(filler.ID)
	filler.FillsSlotOf = UUIDPtr(gap.ID)
	filler.FillSlotStart = TimePtr(gap.ScheduledStart)
}

// Unclaim reopens the slot filler was occupying.
func (b *Board) Unclaim(filler *Entry) *Entry {
	if filler.FillsSlotOf == nil {
		return nil
	}
	gap := b.Find(*filler.FillsSlotOf)
	if gap != nil && gap.SlotClaimedBy != nil && *gap.SlotClaimedBy == filler.ID {
		gap.SlotClaimedBy = nil
	}
	filler.FillsSlotOf = nil
	filler.FillSlotStart = nil
	return gap
}
