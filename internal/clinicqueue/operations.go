package clinicqueue

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/wolfman30/clinicflow/internal/estimation"
	"github.com/wolfman30/clinicflow/internal/events"
	"github.com/wolfman30/clinicflow/internal/notify"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/internal/scheduling"
	"github.com/wolfman30/clinicflow/internal/waitlist"
)

// CallNextPatient selects the next patient under the clinic's mode and
// moves them into service.
func (s *Service) CallNextPatient(ctx context.Context, clinicID, staffID string) (_ *queue.Entry, err error) {
	defer func() { s.observe("call_next", err) }()
	var called *queue.Entry
	err = s.withClinic(ctx, clinicID, func(sess *session) error {
		next, err := sess.strategy.SelectNext(sess.board, sess.now)
		if err != nil {
			return err
		}
		res, err := scheduling.Call(sess.board, next, staffID, sess.now)
		if err != nil {
			return err
		}
		skipped := make([]string, 0, len(res.Skipped))
		for _, o := range res.Skipped {
			skipped = append(skipped, o.ID.String())
		}
		s.emit(sess, idPtr(next.ID), events.PatientCalledV1{
			EntryID:        next.ID,
			StaffID:        staffID,
			Late:           next.Late,
			IsWalkIn:       next.IsWalkIn,
			ScheduledStart: next.ScheduledStart,
			CheckedInAt:    next.CheckedInAt,
			CalledAt:       sess.now,
			SkippedEntries: skipped,
		})
		if res.Released != nil {
			s.emitSlotFreed(sess, res.Released, "called_early")
		}
		s.notify(notify.CalledMessage(next, sess.now))
		called = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return called, nil
}

// MarkAbsent records that a waiting or called patient is not there.
func (s *Service) MarkAbsent(ctx context.Context, entryID uuid.UUID, reason string) (err error) {
	defer func() { s.observe("mark_absent", err) }()
	return s.withEntry(ctx, entryID, func(sess *session, e *queue.Entry) error {
		if err := scheduling.MarkAbsent(e, sess.now); err != nil {
			return err
		}
		s.emit(sess, idPtr(e.ID), events.PatientAbsentV1{EntryID: e.ID, Reason: reason})
		return nil
	})
}

// MarkReturned re-inserts an absent patient: original slot, then an open
// gap, then the priority waitlist.
func (s *Service) MarkReturned(ctx context.Context, entryID uuid.UUID) (_ *scheduling.ReturnResult, err error) {
	defer func() { s.observe("mark_returned", err) }()
	var res *scheduling.ReturnResult
	err = s.withEntry(ctx, entryID, func(sess *session, e *queue.Entry) error {
		r, err := scheduling.Reinsert(ctx, sess.board, e, sess.waitlist, sess.now)
		if err != nil {
			return err
		}
		s.emit(sess, idPtr(e.ID), events.PatientReturnedV1{EntryID: e.ID, Placement: string(r.Kind)})
		if r.Kind == scheduling.ReturnWaitlist && r.Waitlist != nil {
			s.notify(notify.ReturnedToWaitlistMessage(e, r.Waitlist.ID, sess.now))
		}
		res = r
		return nil
	})
	return res, err
}

// CheckIn records arrival. Arriving on a promoted entry confirms the hold.
func (s *Service) CheckIn(ctx context.Context, entryID uuid.UUID) (_ *queue.Entry, err error) {
	defer func() { s.observe("check_in", err) }()
	var out *queue.Entry
	err = s.withEntry(ctx, entryID, func(sess *session, e *queue.Entry) error {
		if err := scheduling.CheckIn(sess.board, e, sess.now); err != nil {
			return err
		}
		if e.WaitlistID != nil && e.HoldUntil != nil {
			if err := sess.waitlist.Confirm(ctx, e); err != nil {
				return err
			}
		}
		s.emit(sess, idPtr(e.ID), events.CheckedInV1{
			EntryID:        e.ID,
			IsWalkIn:       e.IsWalkIn,
			ScheduledStart: e.ScheduledStart,
			CheckedInAt:    *e.CheckedInAt,
			OpenGaps:       len(sess.board.OpenGaps(sess.now)),
		})
		out = e
		return nil
	})
	return out, err
}

// Complete ends service and folds the visit into historical averages.
func (s *Service) Complete(ctx context.Context, entryID uuid.UUID) (err error) {
	defer func() { s.observe("complete", err) }()
	var done *queue.Entry
	err = s.withEntry(ctx, entryID, func(sess *session, e *queue.Entry) error {
		if err := scheduling.Complete(e, sess.now); err != nil {
			return err
		}
		expected := e.ExpectedDuration(sess.board.Config.ServiceDuration())
		s.emit(sess, idPtr(e.ID), events.PatientCompletedV1{
			EntryID:         e.ID,
			CalledAt:        e.CalledAt,
			CompletedAt:     sess.now,
			ExpectedMinutes: expected.Minutes(),
		})
		done = e
		return nil
	})
	if err != nil {
		return err
	}
	if done.CalledAt != nil && done.CheckedInAt != nil {
		wait := done.CalledAt.Sub(*done.CheckedInAt).Minutes()
		service := done.CompletedAt.Sub(*done.CalledAt).Minutes()
		if rerr := s.repo.RecordVisit(ctx, done.ClinicID, done.AppointmentType, wait, service); rerr != nil {
			s.logger.Warn("clinicqueue: record visit", "error", rerr, "entry_id", done.ID.String())
		}
	}
	return nil
}

// Cancel removes the entry from the day and frees its slot.
func (s *Service) Cancel(ctx context.Context, entryID uuid.UUID, reason string) (err error) {
	defer func() { s.observe("cancel", err) }()
	return s.withEntry(ctx, entryID, func(sess *session, e *queue.Entry) error {
		reopened, err := scheduling.Cancel(sess.board, e, sess.now)
		if err != nil {
			return err
		}
		s.emit(sess, idPtr(e.ID), events.AppointmentCancelledV1{EntryID: e.ID, Reason: reason})
		switch {
		case reopened != nil:
			s.emitSlotFreed(sess, reopened, "cancelled")
		case e.SlotReleased:
			s.emitSlotFreed(sess, e, "cancelled")
		}
		return nil
	})
}

// Override pins an entry to a manual position. In fixed and hybrid modes a
// pin that would put a late patient ahead of an on-time one is refused.
func (s *Service) Override(ctx context.Context, entryID uuid.UUID, position int) (_ *queue.Entry, err error) {
	defer func() { s.observe("override", err) }()
	if position < 1 {
		return nil, queue.NewValidationError("override", "position must be at least 1")
	}
	var out *queue.Entry
	err = s.withEntry(ctx, entryID, func(sess *session, e *queue.Entry) error {
		if !e.Status.Positioned() {
			return queue.NewConflictError("override", fmt.Sprintf("entry %s is %s", e.ID, e.Status))
		}
		if n := len(sess.board.Positioned()); position > n {
			return queue.NewValidationError("override", fmt.Sprintf("position %d is beyond the end of the queue (%d)", position, n))
		}
		e.ManualPosition = position
		e.OverrideCount++
		moved, err := sess.strategy.Reposition(sess.board, sess.now)
		if err != nil {
			if queue.IsInvariantViolation(err) {
				return queue.NewValidationError("override", err.Error())
			}
			return err
		}
		s.emit(sess, idPtr(e.ID), events.QueueReorderedV1{Reason: "manual_override", Manual: true, EntryIDs: ids(moved)})
		out = e
		return nil
	})
	return out, err
}

// ConfirmPromotion accepts a held waitlist promotion without checking in.
func (s *Service) ConfirmPromotion(ctx context.Context, entryID uuid.UUID) (err error) {
	defer func() { s.observe("confirm_promotion", err) }()
	return s.withEntry(ctx, entryID, func(sess *session, e *queue.Entry) error {
		return sess.waitlist.Confirm(ctx, e)
	})
}

// JoinWaitlist records a waitlist request. Open gaps are resolved at once.
func (s *Service) JoinWaitlist(ctx context.Context, req waitlist.Request) (_ *waitlist.Entry, err error) {
	defer func() { s.observe("join_waitlist", err) }()
	w, err := s.waitlist.Join(ctx, req, s.clock.Now())
	if err != nil {
		return nil, err
	}
	err = s.withClinic(ctx, req.ClinicID, func(sess *session) error {
		if len(sess.board.OpenGaps(sess.now)) == 0 {
			return nil
		}
		return s.pass(ctx, sess, nil)
	})
	if err != nil {
		s.logger.Warn("clinicqueue: gap resolution after waitlist join failed", "error", err, "clinic_id", req.ClinicID)
	}
	if fresh, gerr := s.waitlist.Get(ctx, w.ID); gerr == nil {
		w = fresh
	}
	return w, nil
}

// EstimateWaitTime returns the entry's estimate, served from cache while
// fresh.
func (s *Service) EstimateWaitTime(ctx context.Context, entryID uuid.UUID) (_ *queue.Estimate, err error) {
	defer func() { s.observe("estimate_wait_time", err) }()
	stored, err := s.repo.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	unlock := s.locks.lock(stored.ClinicID)
	defer unlock()
	sess, err := s.open(ctx, stored.ClinicID)
	if err != nil {
		return nil, err
	}
	e := sess.board.Find(entryID)
	if e == nil {
		return nil, queue.NewNotFoundError("estimate_wait_time", fmt.Sprintf("entry %s is not on today's queue", entryID))
	}
	if !e.Status.Positioned() {
		return nil, queue.NewConflictError("estimate_wait_time", fmt.Sprintf("entry %s is %s", e.ID, e.Status))
	}
	stats := s.stats(ctx, e.ClinicID, e.AppointmentType, nil)
	return s.engine.Get(ctx, estimation.BuildInput(sess.board, e, stats, sess.now))
}

// ListQueue returns today's positioned entries in queue order.
func (s *Service) ListQueue(ctx context.Context, clinicID string) ([]*queue.Entry, error) {
	sess, err := s.open(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	return sess.board.Positioned(), nil
}

// GetEntry returns one stored entry.
func (s *Service) GetEntry(ctx context.Context, entryID uuid.UUID) (*queue.Entry, error) {
	return s.repo.GetEntry(ctx, entryID)
}

func (s *Service) emitSlotFreed(sess *session, e *queue.Entry, reason string) {
	s.emit(sess, idPtr(e.ID), events.SlotFreedV1{
		EntryID:   e.ID,
		SlotStart: e.SlotTime(),
		SlotEnd:   e.ScheduledEnd,
		Reason:    reason,
	})
}

func ids(entries []*queue.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID.String())
	}
	sort.Strings(out)
	return out
}

// UpdateConfig validates and stores a clinic's queue configuration. The
// new mode applies from the next operation on that clinic.
func (s *Service) UpdateConfig(ctx context.Context, cfg queue.ClinicQueueConfig) (_ queue.ClinicQueueConfig, err error) {
	defer func() { s.observe("update_config", err) }()
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return queue.ClinicQueueConfig{}, err
	}
	unlock := s.locks.lock(cfg.ClinicID)
	defer unlock()
	if err := s.repo.SaveClinicConfig(ctx, cfg); err != nil {
		return queue.ClinicQueueConfig{}, fmt.Errorf("clinicqueue: save config: %w", err)
	}
	s.logger.Info("clinic queue config updated", "clinic_id", cfg.ClinicID, "mode", string(cfg.Mode))
	return cfg, nil
}
