// Package queue holds the clinic-day queue data model shared by the
// scheduling, estimation and orchestration packages.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queue entry.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

// Terminal reports whether the status ends the entry's participation.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusNoShow
}

// Positioned reports whether entries in this status hold a queue position.
func (s Status) Positioned() bool {
	return s == StatusScheduled || s == StatusWaiting || s == StatusInProgress
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusWaiting, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Source tags which estimator produced an Estimate.
type Source string

const (
	SourceML         Source = "ml"
	SourceRuleBased  Source = "rule-based"
	SourceHistorical Source = "historical-average"
	SourceFallback   Source = "fallback"
)

// Estimate is a wait-time prediction for one entry.
type Estimate struct {
	WaitMinutes float64            `json:"wait_minutes"`
	Confidence  float64            `json:"confidence"`
	Source      Source             `json:"source"`
	Features    map[string]float64 `json:"features,omitempty"`
	ComputedAt  time.Time          `json:"computed_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

// Expired reports whether the estimate is stale at now.
func (e *Estimate) Expired(now time.Time) bool {
	return e == nil || !now.Before(e.ExpiresAt)
}

// Entry is a single appointment or walk-in in a clinic's queue for one day.
type Entry struct {
	ID              uuid.UUID  `json:"id"`
	ClinicID        string     `json:"clinic_id"`
	PatientID       *uuid.UUID `json:"patient_id,omitempty"`
	AppointmentType string     `json:"appointment_type,omitempty"`
	ScheduledStart  time.Time  `json:"scheduled_start"`
	ScheduledEnd    time.Time  `json:"scheduled_end"`
	Status          Status     `json:"status"`
	Present         bool       `json:"present"`
	CheckedInAt     *time.Time `json:"checked_in_at,omitempty"`
	CalledAt        *time.Time `json:"called_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	AbsentSince     *time.Time `json:"absent_since,omitempty"`
	Position        int        `json:"position"`
	ManualPosition  int        `json:"manual_position,omitempty"`
	IsWalkIn        bool       `json:"is_walk_in"`
	Late            bool       `json:"late"`
	Emergency       bool       `json:"emergency,omitempty"`
	VIP             bool       `json:"vip,omitempty"`
	SkipCount       int        `json:"skip_count"`
	OverrideCount   int        `json:"override_count"`
	StaffID         string     `json:"staff_id,omitempty"`

	// Gap bookkeeping. A released slot with no claimant is an open gap.
	SlotReleased  bool       `json:"slot_released,omitempty"`
	SlotClaimedBy *uuid.UUID `json:"slot_claimed_by,omitempty"`
	FillsSlotOf   *uuid.UUID `json:"fills_slot_of,omitempty"`
	FillSlotStart *time.Time `json:"fill_slot_start,omitempty"`
	OfferedAt     *time.Time `json:"offered_at,omitempty"`
	GapOfferedAt  *time.Time `json:"gap_offered_at,omitempty"`

	// Set on entries created by waitlist promotion.
	WaitlistID *uuid.UUID `json:"waitlist_id,omitempty"`
	HoldUntil  *time.Time `json:"hold_until,omitempty"`

	Estimate  *Estimate `json:"estimate,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Sequence  int64     `json:"sequence"`
}

// Clone returns a deep copy so callers can diff before/after a pass.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	c.PatientID = cloneUUID(e.PatientID)
	c.CheckedInAt = cloneTime(e.CheckedInAt)
	c.CalledAt = cloneTime(e.CalledAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.AbsentSince = cloneTime(e.AbsentSince)
	c.SlotClaimedBy = cloneUUID(e.SlotClaimedBy)
	c.FillsSlotOf = cloneUUID(e.FillsSlotOf)
	c.FillSlotStart = cloneTime(e.FillSlotStart)
	c.OfferedAt = cloneTime(e.OfferedAt)
	c.GapOfferedAt = cloneTime(e.GapOfferedAt)
	c.WaitlistID = cloneUUID(e.WaitlistID)
	c.HoldUntil = cloneTime(e.HoldUntil)
	if e.Estimate != nil {
		est := *e.Estimate
		if e.Estimate.Features != nil {
			est.Features = make(map[string]float64, len(e.Estimate.Features))
			for k, v := range e.Estimate.Features {
				est.Features[k] = v
			}
		}
		c.Estimate = &est
	}
	return &c
}

// Waiting reports whether the entry is physically present and eligible to be called.
func (e *Entry) Waiting() bool {
	return e.Status == StatusWaiting && e.Present
}

// EffectiveStart is the instant used for ordering: the scheduled start, or
// for walk-ins the check-in (falling back to creation).
func (e *Entry) EffectiveStart() time.Time {
	if !e.IsWalkIn && !e.ScheduledStart.IsZero() {
		return e.ScheduledStart
	}
	if e.CheckedInAt != nil {
		return *e.CheckedInAt
	}
	return e.CreatedAt
}

// ExpectedDuration is the planned service length, or fallback when unknown.
func (e *Entry) ExpectedDuration(fallback time.Duration) time.Duration {
	if !e.ScheduledStart.IsZero() && e.ScheduledEnd.After(e.ScheduledStart) {
		return e.ScheduledEnd.Sub(e.ScheduledStart)
	}
	return fallback
}

// OpenGap reports whether the entry's slot was released and nobody claimed it yet.
func (e *Entry) OpenGap(now time.Time) bool {
	if e.IsWalkIn || !e.SlotReleased || e.SlotClaimedBy != nil {
		return false
	}
	return e.ScheduledEnd.After(now)
}

// SlotTime is the instant of the slot the entry currently occupies.
func (e *Entry) SlotTime() time.Time {
	if e.FillSlotStart != nil {
		return *e.FillSlotStart
	}
	return e.EffectiveStart()
}

// GapFiller reports whether the entry occupies someone else's freed slot.
func (e *Entry) GapFiller() bool {
	return e.FillsSlotOf != nil
}

// ServiceDay returns the calendar date of the entry in loc, formatted YYYY-MM-DD.
func (e *Entry) ServiceDay(loc *time.Location) string {
	return DayKey(e.EffectiveStart(), loc)
}

// DayKey formats t as a clinic-local date key.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }

// UUIDPtr returns a pointer to id.
func UUIDPtr(id uuid.UUID) *uuid.UUID { return &id }
