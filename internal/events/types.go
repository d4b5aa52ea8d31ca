package events

import (
	"time"

	"github.com/google/uuid"
)

// Type names a versioned queue domain event.
type Type string

const (
	TypePatientCalled        Type = "queue.patient_called.v1"
	TypePatientAbsent        Type = "queue.patient_absent.v1"
	TypePatientReturned      Type = "queue.patient_returned.v1"
	TypeQueueReordered       Type = "queue.reordered.v1"
	TypePatientAdded         Type = "queue.patient_added.v1"
	TypeCheckedIn            Type = "queue.checked_in.v1"
	TypePatientCompleted     Type = "queue.patient_completed.v1"
	TypeAppointmentCancelled Type = "queue.appointment_cancelled.v1"
	TypeSlotFreed            Type = "queue.slot_freed.v1"
	TypeWaitlistPromoted     Type = "queue.waitlist_promoted.v1"
	TypeEstimationUpdated    Type = "queue.estimation_updated.v1"
	TypeComeEarlyOffered     Type = "queue.come_early_offered.v1"
)

type PatientCalledV1 struct {
	EntryID        uuid.UUID  `json:"entry_id"`
	StaffID        string     `json:"staff_id,omitempty"`
	Late           bool       `json:"late"`
	IsWalkIn       bool       `json:"is_walk_in"`
	ScheduledStart time.Time  `json:"scheduled_start"`
	CheckedInAt    *time.Time `json:"checked_in_at,omitempty"`
	CalledAt       time.Time  `json:"called_at"`
	SkippedEntries []string   `json:"skipped_entries,omitempty"`
}

func (PatientCalledV1) EventType() Type { return TypePatientCalled }

type PatientAbsentV1 struct {
	EntryID uuid.UUID `json:"entry_id"`
	Reason  string    `json:"reason,omitempty"`
}

func (PatientAbsentV1) EventType() Type { return TypePatientAbsent }

type PatientReturnedV1 struct {
	EntryID   uuid.UUID `json:"entry_id"`
	Placement string    `json:"placement"`
}

func (PatientReturnedV1) EventType() Type { return TypePatientReturned }

type QueueReorderedV1 struct {
	Reason   string   `json:"reason"`
	Manual   bool     `json:"manual"`
	EntryIDs []string `json:"entry_ids,omitempty"`
}

func (QueueReorderedV1) EventType() Type { return TypeQueueReordered }

type PatientAddedV1 struct {
	EntryID  uuid.UUID `json:"entry_id"`
	IsWalkIn bool      `json:"is_walk_in"`
	Strategy string    `json:"strategy"`
	Position int       `json:"position"`
}

func (PatientAddedV1) EventType() Type { return TypePatientAdded }

type CheckedInV1 struct {
	EntryID        uuid.UUID `json:"entry_id"`
	IsWalkIn       bool      `json:"is_walk_in"`
	ScheduledStart time.Time `json:"scheduled_start"`
	CheckedInAt    time.Time `json:"checked_in_at"`
	OpenGaps       int       `json:"open_gaps"`
}

func (CheckedInV1) EventType() Type { return TypeCheckedIn }

type PatientCompletedV1 struct {
	EntryID         uuid.UUID  `json:"entry_id"`
	CalledAt        *time.Time `json:"called_at,omitempty"`
	CompletedAt     time.Time  `json:"completed_at"`
	ExpectedMinutes float64    `json:"expected_minutes"`
}

func (PatientCompletedV1) EventType() Type { return TypePatientCompleted }

type AppointmentCancelledV1 struct {
	EntryID uuid.UUID `json:"entry_id"`
	Reason  string    `json:"reason,omitempty"`
}

func (AppointmentCancelledV1) EventType() Type { return TypeAppointmentCancelled }

type SlotFreedV1 struct {
	EntryID   uuid.UUID `json:"entry_id"`
	SlotStart time.Time `json:"slot_start"`
	SlotEnd   time.Time `json:"slot_end"`
	Reason    string    `json:"reason"`
}

func (SlotFreedV1) EventType() Type { return TypeSlotFreed }

type WaitlistPromotedV1 struct {
	WaitlistID *uuid.UUID `json:"waitlist_id,omitempty"`
	EntryID    uuid.UUID  `json:"entry_id"`
	GapEntryID uuid.UUID  `json:"gap_entry_id"`
	SlotStart  time.Time  `json:"slot_start"`
	HoldUntil  *time.Time `json:"hold_until,omitempty"`
	Source     string     `json:"source"`
}

func (WaitlistPromotedV1) EventType() Type { return TypeWaitlistPromoted }

type EstimationUpdatedV1 struct {
	EntryID     uuid.UUID `json:"entry_id"`
	Position    int       `json:"position"`
	WaitMinutes float64   `json:"wait_minutes"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (EstimationUpdatedV1) EventType() Type { return TypeEstimationUpdated }

type ComeEarlyOfferedV1 struct {
	EntryID    uuid.UUID `json:"entry_id"`
	GapEntryID uuid.UUID `json:"gap_entry_id"`
	SlotStart  time.Time `json:"slot_start"`
	RespondBy  time.Time `json:"respond_by"`
}

func (ComeEarlyOfferedV1) EventType() Type { return TypeComeEarlyOffered }
