// Package disruption decides which queue events require a recalculation.
package disruption

import (
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinicflow/internal/events"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/internal/scheduling"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

// Type classifies a disruption.
type Type string

const (
	LatePatientCalled      Type = "late_patient_called"
	NoShowDetected         Type = "no_show_detected"
	ManualOverride         Type = "manual_override"
	EarlyCheckIn           Type = "early_check_in"
	QueueReordered         Type = "queue_reordered"
	AppointmentOverrunning Type = "appointment_overrunning"

	PatientCalled   Type = "patient_called"
	PatientAbsent   Type = "patient_absent"
	PatientReturned Type = "patient_returned"
	WalkInAdded     Type = "walk_in_added"
	Cancellation    Type = "cancellation"
	LateCheckIn     Type = "late_check_in"
	EarlyCompletion Type = "early_completion"
	HoldExpired     Type = "hold_expired"
	OfferExpired    Type = "offer_expired"
)

// Disruption is a signal that a clinic's ordering or estimates are stale.
type Disruption struct {
	Type      Type       `json:"type"`
	ClinicID  string     `json:"clinic_id"`
	At        time.Time  `json:"at"`
	EntryID   *uuid.UUID `json:"entry_id,omitempty"`
	EventID   uuid.UUID  `json:"event_id"`
	Synthetic bool       `json:"synthetic,omitempty"`
}

// Detector is a stateless classifier.
type Detector struct {
	logger *logging.Logger
}

func NewDetector(logger *logging.Logger) *Detector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Detector{logger: logger}
}

// Classify returns the disruption raised by ev, or nil when ev does not
// affect ordering or estimates.
func (d *Detector) Classify(ev events.Event, cfg queue.ClinicQueueConfig) *Disruption {
	typ, ok := d.classify(ev, cfg)
	if !ok {
		return nil
	}
	return &Disruption{Type: typ, ClinicID: ev.ClinicID, At: ev.OccurredAt, EntryID: ev.EntryID, EventID: ev.ID}
}

func (d *Detector) classify(ev events.Event, cfg queue.ClinicQueueConfig) (Type, bool) {
	switch ev.Type {
	case events.TypePatientCalled:
		var p events.PatientCalledV1
		if err := events.Decode(ev, &p); err != nil {
			d.logger.Warn("undecodable call event", "error", err, "event_id", ev.ID)
			return PatientCalled, true
		}
		if p.Late {
			return LatePatientCalled, true
		}
		return PatientCalled, true
	case events.TypePatientAbsent:
		return PatientAbsent, true
	case events.TypePatientReturned:
		return PatientReturned, true
	case events.TypeAppointmentCancelled:
		return Cancellation, true
	case events.TypeQueueReordered:
		var p events.QueueReorderedV1
		if err := events.Decode(ev, &p); err != nil || !p.Manual {
			// Reorders emitted by a recalculation pass must not trigger another.
			return "", false
		}
		return ManualOverride, true
	case events.TypePatientAdded:
		var p events.PatientAddedV1
		if err := events.Decode(ev, &p); err == nil && p.IsWalkIn {
			return WalkInAdded, true
		}
		return QueueReordered, true
	case events.TypeCheckedIn:
		var p events.CheckedInV1
		if err := events.Decode(ev, &p); err != nil {
			d.logger.Warn("undecodable check-in event", "error", err, "event_id", ev.ID)
			return "", false
		}
		return classifyCheckIn(p, cfg)
	case events.TypePatientCompleted:
		var p events.PatientCompletedV1
		if err := events.Decode(ev, &p); err != nil {
			d.logger.Warn("undecodable completion event", "error", err, "event_id", ev.ID)
			return "", false
		}
		return classifyCompletion(p, cfg)
	}
	return "", false
}

func classifyCheckIn(p events.CheckedInV1, cfg queue.ClinicQueueConfig) (Type, bool) {
	if p.IsWalkIn || p.ScheduledStart.IsZero() {
		return "", false
	}
	if p.CheckedInAt.After(p.ScheduledStart.Add(cfg.LatenessThreshold)) {
		return LateCheckIn, true
	}
	if p.OpenGaps > 0 && p.CheckedInAt.Before(p.ScheduledStart.Add(-cfg.LatenessThreshold)) {
		return EarlyCheckIn, true
	}
	return "", false
}

// classifyCompletion treats a completion inside [expected/f, expected*f]
// as routine.
func classifyCompletion(p events.PatientCompletedV1, cfg queue.ClinicQueueConfig) (Type, bool) {
	if p.CalledAt == nil || p.ExpectedMinutes <= 0 {
		return "", false
	}
	actual := p.CompletedAt.Sub(*p.CalledAt).Minutes()
	factor := cfg.OverrunFactor
	if factor <= 1 {
		factor = queue.DefaultClinicConfig("").OverrunFactor
	}
	switch {
	case actual > p.ExpectedMinutes*factor:
		return AppointmentOverrunning, true
	case actual < p.ExpectedMinutes/factor:
		return EarlyCompletion, true
	}
	return "", false
}

// Sweep inspects a clinic-day for conditions no event reports: silently
// overrunning appointments, elapsed grace periods, lapsed promotion holds
// and unanswered come-early offers.
func (d *Detector) Sweep(clinicID string, entries []*queue.Entry, cfg queue.ClinicQueueConfig, now time.Time) []Disruption {
	var out []Disruption
	raise := func(t Type, e *queue.Entry) {
		out = append(out, Disruption{
			Type:      t,
			ClinicID:  clinicID,
			At:        now,
			EntryID:   queue.UUIDPtr(e.ID),
			EventID:   uuid.New(),
			Synthetic: true,
		})
	}
	for _, e := range entries {
		switch {
		case Overrunning(e, cfg, now):
			raise(AppointmentOverrunning, e)
		case scheduling.NoShowDue(e, cfg, now):
			raise(NoShowDetected, e)
		case e.HoldUntil != nil && !e.Present && e.Status == queue.StatusScheduled && !now.Before(*e.HoldUntil):
			raise(HoldExpired, e)
		case e.OpenGap(now) && scheduling.OfferExpired(e, cfg, now):
			raise(OfferExpired, e)
		}
	}
	return out
}

// Overrunning reports whether an in-progress entry has run past
// expected duration times the overrun factor.
func Overrunning(e *queue.Entry, cfg queue.ClinicQueueConfig, now time.Time) bool {
	if e.Status != queue.StatusInProgress || e.CalledAt == nil {
		return false
	}
	expected := e.ExpectedDuration(cfg.ServiceDuration())
	limit := time.Duration(float64(expected) * cfg.OverrunFactor)
	return now.Sub(*e.CalledAt) > limit
}
