package disruption

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinicflow/internal/events"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

var start = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func event(t *testing.T, p events.Payload) events.Event {
	t.Helper()
	id := uuid.New()
	ev, err := events.New("clinic-1", &id, p, start)
	require.NoError(t, err)
	return ev
}

func TestClassify(t *testing.T) {
	cfg := queue.DefaultClinicConfig("clinic-1")
	called := start.Add(time.Minute)

	tests := []struct {
		name    string
		payload events.Payload
		want    Type
	}{
		{"late call", events.PatientCalledV1{Late: true}, LatePatientCalled},
		{"call", events.PatientCalledV1{}, PatientCalled},
		{"absence", events.PatientAbsentV1{}, PatientAbsent},
		{"return", events.PatientReturnedV1{}, PatientReturned},
		{"cancellation", events.AppointmentCancelledV1{}, Cancellation},
		{"manual reorder", events.QueueReorderedV1{Manual: true}, ManualOverride},
		{"pass reorder", events.QueueReorderedV1{Reason: "recalculation"}, ""},
		{"walk-in added", events.PatientAddedV1{IsWalkIn: true}, WalkInAdded},
		{"booking added", events.PatientAddedV1{}, QueueReordered},
		{"on-time check-in", events.CheckedInV1{ScheduledStart: start, CheckedInAt: start.Add(5 * time.Minute)}, ""},
		{"late check-in", events.CheckedInV1{ScheduledStart: start, CheckedInAt: start.Add(16 * time.Minute)}, LateCheckIn},
		{"early check-in without gaps", events.CheckedInV1{ScheduledStart: start, CheckedInAt: start.Add(-time.Hour)}, ""},
		{"early check-in with gaps", events.CheckedInV1{ScheduledStart: start, CheckedInAt: start.Add(-time.Hour), OpenGaps: 1}, EarlyCheckIn},
		{"routine completion", events.PatientCompletedV1{CalledAt: &called, CompletedAt: called.Add(25 * time.Minute), ExpectedMinutes: 20}, ""},
		{"overrun completion", events.PatientCompletedV1{CalledAt: &called, CompletedAt: called.Add(31 * time.Minute), ExpectedMinutes: 20}, AppointmentOverrunning},
		{"early completion", events.PatientCompletedV1{CalledAt: &called, CompletedAt: called.Add(10 * time.Minute), ExpectedMinutes: 20}, EarlyCompletion},
		{"estimate update", events.EstimationUpdatedV1{}, ""},
		{"slot freed", events.SlotFreedV1{}, ""},
	}

	d := NewDetector(logging.Discard())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := event(t, tt.payload)
			got := d.Classify(ev, cfg)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Type)
			assert.Equal(t, ev.ID, got.EventID)
			assert.Equal(t, "clinic-1", got.ClinicID)
		})
	}
}

func TestSweep(t *testing.T) {
	cfg := queue.DefaultClinicConfig("clinic-1")
	now := start.Add(time.Hour)

	overrun := &queue.Entry{ID: uuid.New(), Status: queue.StatusInProgress, ScheduledStart: start, ScheduledEnd: start.Add(30 * time.Minute), CalledAt: queue.TimePtr(now.Add(-46 * time.Minute))}
	onTrack := &queue.Entry{ID: uuid.New(), Status: queue.StatusInProgress, ScheduledStart: start, ScheduledEnd: start.Add(30 * time.Minute), CalledAt: queue.TimePtr(now.Add(-44 * time.Minute))}
	missing := &queue.Entry{ID: uuid.New(), Status: queue.StatusScheduled, ScheduledStart: now.Add(-11 * time.Minute), ScheduledEnd: now.Add(19 * time.Minute)}
	withinGrace := &queue.Entry{ID: uuid.New(), Status: queue.StatusScheduled, ScheduledStart: now.Add(-5 * time.Minute), ScheduledEnd: now.Add(25 * time.Minute)}
	held := &queue.Entry{ID: uuid.New(), Status: queue.StatusScheduled, ScheduledStart: now.Add(time.Hour), ScheduledEnd: now.Add(90 * time.Minute), WaitlistID: queue.UUIDPtr(uuid.New()), HoldUntil: queue.TimePtr(now)}
	offered := &queue.Entry{ID: uuid.New(), Status: queue.StatusCancelled, ScheduledStart: now.Add(time.Hour), ScheduledEnd: now.Add(90 * time.Minute), SlotReleased: true, GapOfferedAt: queue.TimePtr(now.Add(-cfg.EarlyOfferWait))}

	got := NewDetector(logging.Discard()).Sweep("clinic-1", []*queue.Entry{overrun, onTrack, missing, withinGrace, held, offered}, cfg, now)
	require.Len(t, got, 4)
	assert.Equal(t, AppointmentOverrunning, got[0].Type)
	assert.Equal(t, overrun.ID, *got[0].EntryID)
	assert.Equal(t, NoShowDetected, got[1].Type)
	assert.Equal(t, missing.ID, *got[1].EntryID)
	assert.Equal(t, HoldExpired, got[2].Type)
	assert.Equal(t, OfferExpired, got[3].Type)
	for _, d := range got {
		assert.True(t, d.Synthetic)
		assert.NotEqual(t, uuid.Nil, d.EventID)
	}
}
