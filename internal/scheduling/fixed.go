package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/internal/scoring"
)

// Fixed never reorders scheduled times. Walk-ins are served ahead of early
// arrivals while no begun slot is idle; demoted late arrivals wait behind
// every present scheduled patient. Positions follow the same call order.
type Fixed struct {
	gaps GapFiller
}

func (f *Fixed) Mode() queue.Mode { return queue.ModeFixed }

func (f *Fixed) SelectNext(b *queue.Board, now time.Time) (*queue.Entry, error) {
	cfg := b.Config
	var onSchedule, overflow []*queue.Entry
	for _, e := range b.Entries {
		if !e.Waiting() {
			continue
		}
		if e.IsWalkIn || scoring.IsLate(e, cfg) {
			overflow = append(overflow, e)
			continue
		}
		onSchedule = append(onSchedule, e)
	}
	ranked := scoring.Rank(overflow, now, cfg)

	if len(onSchedule) > 0 {
		bySlotTime(onSchedule)
		next := onSchedule[0]
		if i := walkInIndex(ranked); i >= 0 && yieldsToWalkIn(b, next, idleSlot(b, now), now) {
			return ranked[i], nil
		}
		return next, nil
	}
	if len(ranked) > 0 {
		return ranked[0], nil
	}
	return nil, queue.ErrNoEligiblePatient
}

// yieldsToWalkIn reports whether an on-schedule patient steps aside for a
// walk-in: they are early, not filling a gap, and no begun slot is idle.
// Late arrivals never get this.
func yieldsToWalkIn(b *queue.Board, e *queue.Entry, idle bool, now time.Time) bool {
	return !idle && !e.GapFiller() && scoring.IsEarly(e, now, b.Config)
}

func walkInIndex(ranked []*queue.Entry) int {
	for i, e := range ranked {
		if e.IsWalkIn {
			return i
		}
	}
	return -1
}

// callOrder lays out on-schedule and overflow entries in the order
// SelectNext would call them at now.
func callOrder(b *queue.Board, onSchedule, overflow []*queue.Entry, now time.Time) []*queue.Entry {
	idle := idleSlot(b, now)
	rest := append([]*queue.Entry(nil), overflow...)
	out := make([]*queue.Entry, 0, len(onSchedule)+len(overflow))
	for _, head := range onSchedule {
		for yieldsToWalkIn(b, head, idle, now) {
			i := walkInIndex(rest)
			if i < 0 {
				break
			}
			out = append(out, rest[i])
			rest = append(rest[:i], rest[i+1:]...)
		}
		out = append(out, head)
	}
	return append(out, rest...)
}

// idleSlot reports whether some slot that has already begun has nobody to serve it.
func idleSlot(b *queue.Board, now time.Time) bool {
	for _, e := range b.Entries {
		if e.IsWalkIn || e.ScheduledStart.After(now) {
			continue
		}
		if e.OpenGap(now) {
			return true
		}
		if e.Status == queue.StatusScheduled && !e.Present && e.SlotClaimedBy == nil {
			return true
		}
	}
	return false
}

func (f *Fixed) ResolveGaps(ctx context.Context, b *queue.Board, gaps []*queue.Entry, now time.Time) (*Resolution, error) {
	res := &Resolution{}
	pending := append([]*queue.Entry(nil), gaps...)
	for len(pending) > 0 {
		gap := pending[0]
		pending = pending[1:]
		if !gap.OpenGap(now) {
			continue
		}
		fill, err := f.gaps.FillGap(ctx, b, gap, now)
		if err != nil {
			return res, fmt.Errorf("scheduling: resolve gaps: %w", err)
		}
		if fill == nil {
			res.Pending = append(res.Pending, gap)
			continue
		}
		res.Fills = append(res.Fills, fill)
		if fill.Released != nil && fill.Released.OpenGap(now) {
			pending = append(pending, fill.Released)
		}
	}
	return res, nil
}

func (f *Fixed) Reposition(b *queue.Board, now time.Time) ([]*queue.Entry, error) {
	markLate(b)
	var onSchedule, overflow, parked []*queue.Entry
	for _, e := range b.Entries {
		if !e.Status.Positioned() || e.Status == queue.StatusInProgress {
			continue
		}
		switch {
		case (e.IsWalkIn || e.Late) && e.Waiting():
			overflow = append(overflow, e)
		case e.IsWalkIn || e.Late:
			parked = append(parked, e)
		default:
			onSchedule = append(onSchedule, e)
		}
	}
	bySlotTime(onSchedule)
	overflow = scoring.Rank(overflow, now, b.Config)
	sort.SliceStable(parked, func(i, j int) bool { return scoring.Before(parked[i], parked[j]) })

	rest := append(callOrder(b, onSchedule, overflow, now), parked...)
	ordered := append(inProgress(b), applyManual(rest)...)
	changed := queue.Renumber(b.Entries, ordered)
	if err := CheckNonDisplacement(b.Entries); err != nil {
		return changed, err
	}
	return changed, queue.CheckPositions(b.Entries)
}

// markLate demotes present scheduled entries that checked in past the threshold.
func markLate(b *queue.Board) {
	for _, e := range b.Entries {
		if !e.Late && e.Status == queue.StatusWaiting && scoring.IsLate(e, b.Config) {
			e.Late = true
		}
	}
}

// CheckNonDisplacement verifies that no demoted late arrival is queued ahead
// of a present, non-late scheduled patient.
func CheckNonDisplacement(entries []*queue.Entry) error {
	for _, late := range entries {
		if !late.Late || late.IsWalkIn || late.Status != queue.StatusWaiting || late.Position == 0 {
			continue
		}
		for _, s := range entries {
			if s == late || s.Late || s.IsWalkIn || !s.Waiting() || s.Position == 0 {
				continue
			}
			if late.Position < s.Position {
				return queue.NewInvariantViolation("non_displacement",
					fmt.Sprintf("late entry %s at position %d ahead of scheduled entry %s at position %d",
						late.ID, late.Position, s.ID, s.Position))
			}
		}
	}
	return nil
}
