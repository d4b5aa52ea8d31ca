package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinicflow/internal/queue"
)

func base(kind Kind, e *queue.Entry, now time.Time) (Message, bool) {
	if e == nil || e.PatientID == nil {
		return Message{}, false
	}
	return Message{
		Kind:      kind,
		ClinicID:  e.ClinicID,
		EntryID:   e.ID,
		PatientID: *e.PatientID,
		SentAt:    now,
	}, true
}

// CalledMessage tells a patient they are being seen.
func CalledMessage(e *queue.Entry, now time.Time) (Message, bool) {
	msg, ok := base(KindCalled, e, now)
	if !ok {
		return msg, false
	}
	msg.Body = "It's your turn. Please head to the front desk."
	return msg, true
}

// ComeEarlyMessage offers an earlier slot to a booked patient.
func ComeEarlyMessage(e *queue.Entry, slotStart, respondBy time.Time, loc *time.Location, now time.Time) (Message, bool) {
	msg, ok := base(KindComeEarlyOffer, e, now)
	if !ok {
		return msg, false
	}
	msg.Body = fmt.Sprintf("An earlier slot opened at %s. Check in by %s to take it.",
		slotStart.In(loc).Format("3:04PM"), respondBy.In(loc).Format("3:04PM"))
	return msg, true
}

// PromotedMessage tells a waitlisted patient a slot is being held for them.
func PromotedMessage(e *queue.Entry, loc *time.Location, now time.Time) (Message, bool) {
	msg, ok := base(KindWaitlistPromoted, e, now)
	if !ok {
		return msg, false
	}
	slot := e.SlotTime().In(loc).Format("Mon 1/2 3:04PM")
	if e.HoldUntil != nil {
		msg.Body = fmt.Sprintf("A spot opened for %s. Confirm by %s to keep it.", slot, e.HoldUntil.In(loc).Format("3:04PM"))
	} else {
		msg.Body = fmt.Sprintf("A spot opened for %s.", slot)
	}
	return msg, true
}

// ReturnedToWaitlistMessage tells a returning patient they are waitlisted.
func ReturnedToWaitlistMessage(e *queue.Entry, waitlistID uuid.UUID, now time.Time) (Message, bool) {
	msg, ok := base(KindReturnedToWaitlist, e, now)
	if !ok {
		return msg, false
	}
	msg.Body = fmt.Sprintf("Welcome back. You're on the priority waitlist (ref %s).", waitlistID.String()[:8])
	return msg, true
}
