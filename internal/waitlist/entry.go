// Package waitlist stores overflow requests and fills freed slots.
package waitlist

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a waitlist entry.
type Status string

const (
	StatusOpen      Status = "open"
	StatusHeld      Status = "held"
	StatusConfirmed Status = "confirmed"
	StatusExpired   Status = "expired"
)

const (
	// ElevatedPriority is given to patients who lost a slot they already held.
	ElevatedPriority = 0
	DefaultPriority  = 100
)

// Entry is a request to be seen on a given day if capacity frees up.
type Entry struct {
	ID               uuid.UUID  `json:"id"`
	ClinicID         string     `json:"clinic_id"`
	PatientID        *uuid.UUID `json:"patient_id,omitempty"`
	AppointmentType  string     `json:"appointment_type,omitempty"`
	RequestedDate    string     `json:"requested_date"`
	WindowStart      *time.Time `json:"window_start,omitempty"`
	WindowEnd        *time.Time `json:"window_end,omitempty"`
	Priority         int        `json:"priority"`
	Status           Status     `json:"status"`
	PromotedEntryID  *uuid.UUID `json:"promoted_entry_id,omitempty"`
	ReturningEntryID *uuid.UUID `json:"returning_entry_id,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Request is the input accepted by Manager.Join.
type Request struct {
	ClinicID        string     `json:"clinic_id" validate:"required"`
	PatientID       *uuid.UUID `json:"patient_id,omitempty"`
	AppointmentType string     `json:"appointment_type,omitempty"`
	RequestedDate   string     `json:"requested_date" validate:"required,datetime=2006-01-02"`
	WindowStart     *time.Time `json:"window_start,omitempty"`
	WindowEnd       *time.Time `json:"window_end,omitempty" validate:"required_with=WindowStart"`
	Priority        *int       `json:"priority,omitempty" validate:"omitempty,gte=0"`
}

// Matches reports whether the entry accepts a slot starting at start on day.
func (e *Entry) Matches(clinicID, day string, start time.Time) bool {
	if e.Status != StatusOpen || e.ClinicID != clinicID || e.RequestedDate != day {
		return false
	}
	if e.WindowStart != nil && start.Before(*e.WindowStart) {
		return false
	}
	if e.WindowEnd != nil && !start.Before(*e.WindowEnd) {
		return false
	}
	return true
}

// Less orders entries by (priority, created).
func Less(a, b *Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}
