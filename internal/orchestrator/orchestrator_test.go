package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinicflow/internal/clock"
	"github.com/wolfman30/clinicflow/internal/disruption"
	"github.com/wolfman30/clinicflow/internal/events"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	batches [][]disruption.Disruption
	gate    chan struct{}
	started chan struct{}
}

func newRecorder() *recorder { return &recorder{started: make(chan struct{}, 16)} }

func (r *recorder) Recalculate(ctx context.Context, clinicID string, batch []disruption.Disruption) error {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	gate := r.gate
	r.mu.Unlock()
	r.started <- struct{}{}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func (r *recorder) batch(i int) []disruption.Disruption {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[i]
}

type fakeSnapshots struct {
	mu        sync.Mutex
	entries   map[string][]*queue.Entry
	configErr error
}

func (f *fakeSnapshots) ActiveClinics(context.Context) ([]string, error) {
	var out []string
	for id := range f.entries {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeSnapshots) ClinicConfig(_ context.Context, clinicID string) (queue.ClinicQueueConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErr != nil {
		return queue.ClinicQueueConfig{}, f.configErr
	}
	return queue.DefaultClinicConfig(clinicID), nil
}

func (f *fakeSnapshots) Snapshot(_ context.Context, clinicID string) (queue.ClinicQueueConfig, []*queue.Entry, error) {
	return queue.DefaultClinicConfig(clinicID), f.entries[clinicID], nil
}

func disrupt(kind disruption.Type) disruption.Disruption {
	return disruption.Disruption{Type: kind, ClinicID: "clinic-1", At: t0, EventID: uuid.New()}
}

func newTestOrchestrator(t *testing.T, rec *recorder, bus events.Bus, opts ...Option) (*Orchestrator, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	opts = append([]Option{WithClock(clk), WithLogger(logging.Discard())}, opts...)
	o := New(bus, rec, &fakeSnapshots{entries: map[string][]*queue.Entry{}}, Config{}, opts...)
	t.Cleanup(o.Stop)
	return o, clk
}

func TestDebounceCoalescesBurstInArrivalOrder(t *testing.T) {
	rec := newRecorder()
	o, clk := newTestOrchestrator(t, rec, nil)

	first, second, third := disrupt(disruption.PatientCalled), disrupt(disruption.LateCheckIn), disrupt(disruption.PatientAbsent)
	o.Submit(first)
	clk.Advance(time.Second)
	o.Submit(second)
	clk.Advance(1500 * time.Millisecond)
	o.Submit(third)
	clk.Advance(1900 * time.Millisecond)
	assert.Equal(t, 0, rec.calls())
	assert.Equal(t, 3, o.Pending("clinic-1"))

	clk.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool { return rec.calls() == 1 }, time.Second, 5*time.Millisecond)
	batch := rec.batch(0)
	require.Len(t, batch, 3)
	assert.Equal(t, first.EventID, batch[0].EventID)
	assert.Equal(t, second.EventID, batch[1].EventID)
	assert.Equal(t, third.EventID, batch[2].EventID)
}

func TestDuplicateEventIDsCollapse(t *testing.T) {
	rec := newRecorder()
	o, clk := newTestOrchestrator(t, rec, nil)

	d := disrupt(disruption.PatientAbsent)
	o.Submit(d)
	o.Submit(d)
	clk.Advance(DefaultDebounce)

	require.Eventually(t, func() bool { return rec.calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.batch(0), 1)
}

func TestInputDuringPassTriggersExactlyOneMorePass(t *testing.T) {
	rec := newRecorder()
	rec.gate = make(chan struct{})
	o, clk := newTestOrchestrator(t, rec, nil)

	o.Submit(disrupt(disruption.PatientCalled))
	clk.Advance(DefaultDebounce)
	<-rec.started

	o.Submit(disrupt(disruption.WalkInAdded))
	o.Submit(disrupt(disruption.PatientReturned))
	clk.Advance(DefaultDebounce)
	assert.Equal(t, 1, rec.calls(), "no second pass while the first is running")

	rec.gate <- struct{}{}
	<-rec.started
	rec.gate <- struct{}{}

	require.Eventually(t, func() bool { return rec.calls() == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.batch(1), 2)
	clk.Advance(10 * DefaultDebounce)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, rec.calls())
}

func TestStopClinicCancelsPendingTimer(t *testing.T) {
	rec := newRecorder()
	o, clk := newTestOrchestrator(t, rec, nil)

	o.Submit(disrupt(disruption.PatientCalled))
	require.Equal(t, 1, clk.PendingTimers())
	o.StopClinic("clinic-1")
	assert.Equal(t, 0, clk.PendingTimers())
	clk.Advance(time.Minute)
	assert.Equal(t, 0, rec.calls())
	assert.Equal(t, 0, o.Pending("clinic-1"))
}

func TestStopCancelsInFlightPass(t *testing.T) {
	rec := newRecorder()
	rec.gate = make(chan struct{})
	clk := clock.NewFake(t0)
	o := New(nil, rec, &fakeSnapshots{}, Config{}, WithClock(clk), WithLogger(logging.Discard()))

	o.Submit(disrupt(disruption.PatientCalled))
	clk.Advance(DefaultDebounce)
	<-rec.started

	done := make(chan struct{})
	go func() {
		o.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	o.Submit(disrupt(disruption.PatientCalled))
	assert.Equal(t, 0, o.Pending("clinic-1"))
}

func TestHandleEventClassifiesAndDedups(t *testing.T) {
	rec := newRecorder()
	bus := events.NewMemoryBus(logging.Discard())
	o, clk := newTestOrchestrator(t, rec, bus, WithDeduper(events.NewMemoryDeduper(time.Hour, nil)))
	require.NoError(t, o.Start(context.Background()))

	entryID := uuid.New()
	called, err := events.New("clinic-1", &entryID, events.PatientCalledV1{EntryID: entryID, Late: true, CalledAt: t0}, t0)
	require.NoError(t, err)
	reordered, err := events.New("clinic-1", nil, events.QueueReorderedV1{Reason: "pass"}, t0)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, called))
	require.NoError(t, bus.Publish(ctx, called))
	require.NoError(t, bus.Publish(ctx, reordered))
	assert.Equal(t, 1, o.Pending("clinic-1"))

	clk.Advance(DefaultDebounce)
	require.Eventually(t, func() bool { return rec.calls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, disruption.LatePatientCalled, rec.batch(0)[0].Type)
	assert.Equal(t, called.ID, rec.batch(0)[0].EventID)
}

func TestHandleEventRedeliveryAfterFailureIsProcessed(t *testing.T) {
	rec := newRecorder()
	snaps := &fakeSnapshots{entries: map[string][]*queue.Entry{}, configErr: errors.New("config store down")}
	o := New(nil, rec, snaps, Config{},
		WithClock(clock.NewFake(t0)),
		WithLogger(logging.Discard()),
		WithDeduper(events.NewMemoryDeduper(time.Hour, nil)),
	)
	t.Cleanup(o.Stop)

	entryID := uuid.New()
	called, err := events.New("clinic-1", &entryID, events.PatientCalledV1{EntryID: entryID, Late: true, CalledAt: t0}, t0)
	require.NoError(t, err)
	ctx := context.Background()

	require.Error(t, o.HandleEvent(ctx, called))
	assert.Equal(t, 0, o.Pending("clinic-1"))

	snaps.mu.Lock()
	snaps.configErr = nil
	snaps.mu.Unlock()
	require.NoError(t, o.HandleEvent(ctx, called))
	assert.Equal(t, 1, o.Pending("clinic-1"), "redelivery after a failure is not a duplicate")

	require.NoError(t, o.HandleEvent(ctx, called))
	assert.Equal(t, 1, o.Pending("clinic-1"))
}

func TestSweepSubmitsOverrunningAppointments(t *testing.T) {
	rec := newRecorder()
	clk := clock.NewFake(t0)
	start := t0.Add(-time.Hour)
	overrunning := &queue.Entry{
		ID:             uuid.New(),
		ClinicID:       "clinic-1",
		ScheduledStart: start,
		ScheduledEnd:   start.Add(20 * time.Minute),
		Status:         queue.StatusInProgress,
		Present:        true,
		CalledAt:       queue.TimePtr(start),
		Position:       1,
	}
	snaps := &fakeSnapshots{entries: map[string][]*queue.Entry{"clinic-1": {overrunning}}}
	o := New(nil, rec, snaps, Config{}, WithClock(clk), WithLogger(logging.Discard()))
	t.Cleanup(o.Stop)

	require.NoError(t, o.Start(context.Background()))
	clk.Advance(DefaultSweepInterval)
	require.Eventually(t, func() bool { return o.Pending("clinic-1") == 1 }, time.Second, 5*time.Millisecond)

	clk.Advance(DefaultDebounce)
	require.Eventually(t, func() bool { return rec.calls() == 1 }, time.Second, 5*time.Millisecond)
	d := rec.batch(0)[0]
	assert.Equal(t, disruption.AppointmentOverrunning, d.Type)
	assert.True(t, d.Synthetic)
	assert.Equal(t, overrunning.ID, *d.EntryID)
}
