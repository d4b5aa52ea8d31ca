package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/internal/scoring"
	"github.com/wolfman30/clinicflow/internal/waitlist"
)

// CallResult reports the side effects of calling a patient.
type CallResult struct {
	Entry   *queue.Entry
	Skipped []*queue.Entry
	// Released is set when the patient was called before their own slot.
	Released *queue.Entry
}

// Call moves e into service. Earlier absent patients whose slot has already
// begun are skipped and their slot is consumed. Positions are not renumbered
// here; the next recalculation pass does that.
func Call(b *queue.Board, e *queue.Entry, staffID string, now time.Time) (*CallResult, error) {
	if err := queue.CheckTransition(queue.ActionCall, e); err != nil {
		return nil, err
	}
	res := &CallResult{Entry: e}
	slot := e.SlotTime()
	for _, o := range b.Entries {
		if o == e || o.IsWalkIn || o.Present || o.Status != queue.StatusScheduled || o.SlotClaimedBy != nil {
			continue
		}
		if o.ScheduledStart.After(now) || !o.ScheduledStart.Before(slot) {
			continue
		}
		o.SlotClaimedBy = queue.UUIDPtr(e.ID)
		o.SkipCount++
		res.Skipped = append(res.Skipped, o)
	}
	if !e.IsWalkIn && !e.GapFiller() && !e.SlotReleased && scoring.IsEarly(e, now, b.Config) {
		e.SlotReleased = true
		res.Released = e
	}
	e.Status = queue.StatusInProgress
	e.CalledAt = queue.TimePtr(now)
	e.StaffID = staffID
	e.ManualPosition = 0
	return res, nil
}

// CheckIn records physical arrival. A late check-in demotes the entry.
// Patients who already arrived once and stepped away come back through
// Reinsert instead, so a consumed slot is never handed back.
func CheckIn(b *queue.Board, e *queue.Entry, now time.Time) error {
	if err := queue.CheckTransition(queue.ActionCheckIn, e); err != nil {
		return err
	}
	if e.AbsentSince != nil || e.CheckedInAt != nil {
		return queue.NewConflictError(string(queue.ActionCheckIn), fmt.Sprintf("entry %s already arrived once; mark it returned instead", e.ID))
	}
	e.Status = queue.StatusWaiting
	e.Present = true
	e.CheckedInAt = queue.TimePtr(now)
	e.Late = scoring.IsLate(e, b.Config)
	return nil
}

// Complete ends service for an in-progress entry.
func Complete(e *queue.Entry, now time.Time) error {
	if err := queue.CheckTransition(queue.ActionComplete, e); err != nil {
		return err
	}
	e.Status = queue.StatusCompleted
	e.CompletedAt = queue.TimePtr(now)
	e.Position = 0
	e.ManualPosition = 0
	e.Estimate = nil
	return nil
}

// Cancel removes e from the day and releases its slot as a gap.
func Cancel(b *queue.Board, e *queue.Entry, now time.Time) (*queue.Entry, error) {
	if err := queue.CheckTransition(queue.ActionCancel, e); err != nil {
		return nil, err
	}
	reopened := b.Unclaim(e)
	e.Status = queue.StatusCancelled
	e.Present = false
	e.Position = 0
	e.ManualPosition = 0
	e.HoldUntil = nil
	e.Estimate = nil
	if reopened == nil && !e.IsWalkIn && e.SlotClaimedBy == nil && e.ScheduledEnd.After(now) {
		e.SlotReleased = true
	}
	return reopened, nil
}

// MarkAbsent records that a checked-in or called patient stepped away.
func MarkAbsent(e *queue.Entry, now time.Time) error {
	if err := queue.CheckTransition(queue.ActionAbsent, e); err != nil {
		return err
	}
	if e.Status == queue.StatusInProgress {
		e.SkipCount++
		e.CalledAt = nil
		e.StaffID = ""
	}
	e.Status = queue.StatusScheduled
	e.Present = false
	e.AbsentSince = queue.TimePtr(now)
	return nil
}

// FinalizeNoShows marks scheduled entries that never checked in once their
// grace period has elapsed. Their slots become gaps unless already consumed.
func FinalizeNoShows(b *queue.Board, now time.Time) []*queue.Entry {
	var out []*queue.Entry
	for _, e := range b.Entries {
		if !NoShowDue(e, b.Config, now) {
			continue
		}
		reopened := b.Unclaim(e)
		e.Status = queue.StatusNoShow
		e.Position = 0
		e.ManualPosition = 0
		e.Estimate = nil
		if reopened == nil && e.SlotClaimedBy == nil && e.ScheduledEnd.After(now) {
			e.SlotReleased = true
		}
		out = append(out, e)
	}
	return out
}

// NoShowDue reports whether e has passed its grace period without checking in.
func NoShowDue(e *queue.Entry, cfg queue.ClinicQueueConfig, now time.Time) bool {
	if e.IsWalkIn || e.Status != queue.StatusScheduled || e.Present || e.CheckedInAt != nil {
		return false
	}
	if e.HoldUntil != nil || e.ScheduledStart.IsZero() {
		return false
	}
	return now.After(e.SlotTime().Add(cfg.GracePeriod))
}

// ReturnKind names which re-insertion rule applied.
type ReturnKind string

const (
	ReturnOriginalSlot ReturnKind = "original_slot"
	ReturnOpenGap      ReturnKind = "open_gap"
	ReturnWaitlist     ReturnKind = "waitlist"
)

// ReturnResult reports where a returning patient was placed.
type ReturnResult struct {
	Kind     ReturnKind
	Gap      *queue.Entry
	Waitlist *waitlist.Entry
}

// Reinsert places a returning patient: their original slot if nobody took
// it, otherwise the next open gap, otherwise the waitlist at elevated
// priority. The order is the same in every mode.
func Reinsert(ctx context.Context, b *queue.Board, e *queue.Entry, gaps GapFiller, now time.Time) (*ReturnResult, error) {
	if err := queue.CheckTransition(queue.ActionReturn, e); err != nil {
		return nil, err
	}
	if e.Status == queue.StatusScheduled && e.AbsentSince == nil && e.CheckedInAt == nil {
		return nil, queue.NewConflictError(string(queue.ActionReturn), fmt.Sprintf("entry %s was never absent", e.ID))
	}

	e.Present = true
	e.AbsentSince = nil
	if e.CheckedInAt == nil {
		e.CheckedInAt = queue.TimePtr(now)
	}

	if e.IsWalkIn || e.GapFiller() || e.SlotClaimedBy == nil {
		e.SlotReleased = false
		e.Status = queue.StatusWaiting
		return &ReturnResult{Kind: ReturnOriginalSlot}, nil
	}

	for _, gap := range b.OpenGaps(now) {
		if gap == e {
			continue
		}
		queue.Claim(gap, e)
		e.Status = queue.StatusWaiting
		return &ReturnResult{Kind: ReturnOpenGap, Gap: gap}, nil
	}

	w, err := gaps.Reinstate(ctx, b, e, now)
	if err != nil {
		return nil, fmt.Errorf("scheduling: reinsert: %w", err)
	}
	e.Status = queue.StatusScheduled
	return &ReturnResult{Kind: ReturnWaitlist, Waitlist: w}, nil
}
