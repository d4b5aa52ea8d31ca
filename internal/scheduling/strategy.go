// Package scheduling decides who is next and how freed slots are resolved
// for each clinic operating mode.
package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/internal/waitlist"
)

// GapFiller is the gap/waitlist manager used by the strategies.
type GapFiller interface {
	FillGap(ctx context.Context, b *queue.Board, gap *queue.Entry, now time.Time) (*waitlist.Fill, error)
	FillFromEarly(b *queue.Board, gap *queue.Entry, now time.Time) *waitlist.Fill
	FillFromWaitlist(ctx context.Context, b *queue.Board, gap *queue.Entry, now time.Time) (*waitlist.Fill, error)
	FillFromWalkIn(b *queue.Board, gap *queue.Entry, now time.Time) *waitlist.Fill
	Reinstate(ctx context.Context, b *queue.Board, e *queue.Entry, now time.Time) (*waitlist.Entry, error)
}

// Offer is a come-early invitation sent for an open gap.
type Offer struct {
	Entry *queue.Entry
	Gap   *queue.Entry
}

// Resolution is the outcome of resolving one batch of freed slots.
type Resolution struct {
	Fills   []*waitlist.Fill
	Offers  []Offer
	Pending []*queue.Entry
}

// Strategy is the per-mode scheduling policy.
type Strategy interface {
	Mode() queue.Mode
	// SelectNext picks the entry to call; it does not mutate the board.
	SelectNext(b *queue.Board, now time.Time) (*queue.Entry, error)
	// ResolveGaps hands freed slots to new occupants.
	ResolveGaps(ctx context.Context, b *queue.Board, gaps []*queue.Entry, now time.Time) (*Resolution, error)
	// Reposition renumbers positioned entries and returns those that moved.
	Reposition(b *queue.Board, now time.Time) ([]*queue.Entry, error)
}

// ForMode returns the strategy for a clinic mode.
func ForMode(mode queue.Mode, gaps GapFiller) (Strategy, error) {
	switch mode {
	case queue.ModeFixed, "":
		return &Fixed{gaps: gaps}, nil
	case queue.ModeFluid:
		return &Fluid{gaps: gaps}, nil
	case queue.ModeHybrid:
		return &Hybrid{Fixed: Fixed{gaps: gaps}}, nil
	default:
		return nil, queue.NewValidationError("for_mode", fmt.Sprintf("unknown mode %q", mode))
	}
}

// inProgress returns called entries, earliest call first; they always lead the queue.
func inProgress(b *queue.Board) []*queue.Entry {
	out := b.Filter(func(e *queue.Entry) bool { return e.Status == queue.StatusInProgress })
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := out[i].CalledAt, out[j].CalledAt
		if ci == nil || cj == nil {
			return ci != nil
		}
		return ci.Before(*cj)
	})
	return out
}

// applyManual moves entries with a manual position to that index.
func applyManual(ordered []*queue.Entry) []*queue.Entry {
	var pinned, rest []*queue.Entry
	for _, e := range ordered {
		if e.ManualPosition > 0 && e.Status != queue.StatusInProgress {
			pinned = append(pinned, e)
		} else {
			rest = append(rest, e)
		}
	}
	if len(pinned) == 0 {
		return ordered
	}
	sort.SliceStable(pinned, func(i, j int) bool {
		if pinned[i].ManualPosition != pinned[j].ManualPosition {
			return pinned[i].ManualPosition < pinned[j].ManualPosition
		}
		return pinned[i].Sequence < pinned[j].Sequence
	})
	out := rest
	for _, e := range pinned {
		idx := e.ManualPosition - 1
		if idx > len(out) {
			idx = len(out)
		}
		out = append(out, nil)
		copy(out[idx+1:], out[idx:])
		out[idx] = e
	}
	return out
}

func bySlotTime(entries []*queue.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		si, sj := entries[i].SlotTime(), entries[j].SlotTime()
		if !si.Equal(sj) {
			return si.Before(sj)
		}
		if entries[i].GapFiller() != entries[j].GapFiller() {
			return entries[i].GapFiller()
		}
		return entries[i].Sequence < entries[j].Sequence
	})
}
