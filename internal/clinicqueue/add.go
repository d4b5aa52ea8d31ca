package clinicqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinicflow/internal/events"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/internal/store"
	"github.com/wolfman30/clinicflow/internal/waitlist"
)

// PositionStrategy controls where AddToQueue places a new entry.
type PositionStrategy string

const (
	PositionAppend     PositionStrategy = "append"
	PositionBySchedule PositionStrategy = "by_schedule"
	PositionByScore    PositionStrategy = "score"
	PositionExplicit   PositionStrategy = "explicit"
)

func (p PositionStrategy) valid() bool {
	switch p {
	case PositionAppend, PositionBySchedule, PositionByScore, PositionExplicit:
		return true
	}
	return false
}

// AddRequest describes a booking or walk-in. A booking lands on the queue
// of its own calendar day.
type AddRequest struct {
	ClinicID        string           `json:"clinic_id" validate:"required"`
	PatientID       *uuid.UUID       `json:"patient_id,omitempty"`
	AppointmentType string           `json:"appointment_type,omitempty"`
	ScheduledStart  *time.Time       `json:"scheduled_start,omitempty" validate:"required_without=WalkIn"`
	ScheduledEnd    *time.Time       `json:"scheduled_end,omitempty"`
	WalkIn          bool             `json:"walk_in"`
	Emergency       bool             `json:"emergency,omitempty"`
	VIP             bool             `json:"vip,omitempty"`
	Strategy        PositionStrategy `json:"strategy,omitempty"`
	Position        int              `json:"position,omitempty" validate:"omitempty,gte=1"`
}

// OverflowError reports that the clinic is at capacity and the patient
// was placed on the waitlist instead.
type OverflowError struct {
	Waitlist *waitlist.Entry
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("clinic at capacity; waitlisted as %s", e.Waitlist.ID)
}

// AddToQueue creates a queue entry and places it per strategy. Capacity and
// numbering are counted on the booking's day.
func (s *Service) AddToQueue(ctx context.Context, req AddRequest) (_ *queue.Entry, err error) {
	defer func() { s.observe("add_to_queue", err) }()

	strategy := req.Strategy
	if strategy == "" {
		strategy = PositionBySchedule
		if req.WalkIn {
			strategy = PositionByScore
		}
	}
	if !strategy.valid() {
		return nil, queue.NewValidationError("add_to_queue", fmt.Sprintf("unknown position strategy %q", req.Strategy))
	}
	if strategy == PositionExplicit && req.Position < 1 {
		return nil, queue.NewValidationError("add_to_queue", "explicit placement needs a position of at least 1")
	}
	if !req.WalkIn && req.ScheduledStart == nil {
		return nil, queue.NewValidationError("add_to_queue", "scheduled start is required for booked entries")
	}

	var added *queue.Entry
	err = s.withClinic(ctx, req.ClinicID, func(sess *session) error {
		if req.ScheduledStart != nil {
			loc := sess.board.Config.Location()
			if day := store.DayStart(*req.ScheduledStart, loc); !day.Equal(store.DayStart(sess.now, loc)) {
				if err := s.switchDay(ctx, sess, day); err != nil {
					return err
				}
			}
		}
		b := sess.board
		cfg := b.Config
		if cfg.DailyCapacity > 0 && b.Active() >= cfg.DailyCapacity {
			if !cfg.AllowOverflow {
				return queue.NewConflictError("add_to_queue", "clinic is at daily capacity")
			}
			return s.overflow(ctx, sess, req)
		}

		e := newEntry(req, sess.now, cfg)
		b.Add(e)
		positioned := len(b.Positioned())
		switch strategy {
		case PositionAppend:
			e.ManualPosition = positioned
		case PositionExplicit:
			if req.Position > positioned {
				return queue.NewValidationError("add_to_queue", fmt.Sprintf("position %d is beyond the end of the queue (%d)", req.Position, positioned))
			}
			e.ManualPosition = req.Position
		}

		if _, err := sess.strategy.Reposition(b, sess.now); err != nil {
			if queue.IsInvariantViolation(err) {
				return queue.NewValidationError("add_to_queue", err.Error())
			}
			return err
		}
		s.emit(sess, idPtr(e.ID), events.PatientAddedV1{
			EntryID:  e.ID,
			IsWalkIn: e.IsWalkIn,
			Strategy: string(strategy),
			Position: e.Position,
		})
		if e.IsWalkIn {
			s.emit(sess, idPtr(e.ID), events.CheckedInV1{
				EntryID:     e.ID,
				IsWalkIn:    true,
				CheckedInAt: sess.now,
				OpenGaps:    len(b.OpenGaps(sess.now)),
			})
		}
		added = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("entry added", "clinic_id", added.ClinicID, "entry_id", added.ID.String(),
		"walk_in", added.IsWalkIn, "strategy", string(strategy), "position", added.Position)
	return added, nil
}

func newEntry(req AddRequest, now time.Time, cfg queue.ClinicQueueConfig) *queue.Entry {
	e := &queue.Entry{
		ID:              uuid.New(),
		ClinicID:        req.ClinicID,
		PatientID:       req.PatientID,
		AppointmentType: req.AppointmentType,
		Status:          queue.StatusScheduled,
		IsWalkIn:        req.WalkIn,
		Emergency:       req.Emergency,
		VIP:             req.VIP,
		CreatedAt:       now,
	}
	if req.ScheduledStart != nil {
		e.ScheduledStart = req.ScheduledStart.UTC()
		end := e.ScheduledStart.Add(cfg.ServiceDuration())
		if req.ScheduledEnd != nil && req.ScheduledEnd.After(*req.ScheduledStart) {
			end = req.ScheduledEnd.UTC()
		}
		e.ScheduledEnd = end
	}
	if req.WalkIn {
		e.Status = queue.StatusWaiting
		e.Present = true
		e.CheckedInAt = queue.TimePtr(now)
	}
	return e
}

func (s *Service) overflow(ctx context.Context, sess *session, req AddRequest) error {
	day := queue.DayKey(sess.now, sess.board.Config.Location())
	if req.ScheduledStart != nil {
		day = queue.DayKey(*req.ScheduledStart, sess.board.Config.Location())
	}
	w, err := s.waitlist.Join(ctx, waitlist.Request{
		ClinicID:        req.ClinicID,
		PatientID:       req.PatientID,
		AppointmentType: req.AppointmentType,
		RequestedDate:   day,
	}, sess.now)
	if err != nil {
		return err
	}
	s.logger.Info("clinic at capacity, request waitlisted", "clinic_id", req.ClinicID, "waitlist_id", w.ID.String())
	return &OverflowError{Waitlist: w}
}
