package clinicqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinicflow/internal/clock"
	"github.com/wolfman30/clinicflow/internal/estimation"
	"github.com/wolfman30/clinicflow/internal/events"
	"github.com/wolfman30/clinicflow/internal/notify"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/internal/scheduling"
	"github.com/wolfman30/clinicflow/internal/store"
	"github.com/wolfman30/clinicflow/internal/waitlist"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

const clinicID = "clinic-1"

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *recordingNotifier) Send(msg notify.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, 0, len(r.sent))
	for _, m := range r.sent {
		out = append(out, m.Kind)
	}
	return out
}

type harness struct {
	svc      *Service
	repo     *store.MemoryRepository
	waitlist *waitlist.Manager
	clock    *clock.Fake
	notifier *recordingNotifier

	mu     sync.Mutex
	events []events.Event
}

func newHarness(t *testing.T, cfg queue.ClinicQueueConfig) *harness {
	t.Helper()
	h := &harness{
		repo:     store.NewMemoryRepository(),
		waitlist: waitlist.NewManager(waitlist.NewMemoryStore(), logging.Discard()),
		clock:    clock.NewFake(at(9, 0)),
		notifier: &recordingNotifier{},
	}
	cfg.ClinicID = clinicID
	require.NoError(t, h.repo.SaveClinicConfig(context.Background(), cfg))

	bus := events.NewMemoryBus(logging.Discard())
	_, err := bus.Subscribe(func(_ context.Context, ev events.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
		return nil
	})
	require.NoError(t, err)

	chain := estimation.DefaultChain(nil, 0, estimation.WithChainLogger(logging.Discard()))
	engine := estimation.NewEngine(chain, estimation.NewMemoryCache(estimation.DefaultTTL, h.clock), logging.Discard(), nil)
	h.svc = NewService(Deps{
		Repo:     h.repo,
		Waitlist: h.waitlist,
		Engine:   engine,
		Bus:      bus,
		Notifier: h.notifier,
		Clock:    h.clock,
		Logger:   logging.Discard(),
	})
	return h
}

func (h *harness) eventTypes() []events.Type {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]events.Type, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Type)
	}
	return out
}

func (h *harness) book(t *testing.T, start time.Time) *queue.Entry {
	t.Helper()
	patient := uuid.New()
	e, err := h.svc.AddToQueue(context.Background(), AddRequest{
		ClinicID:        clinicID,
		PatientID:       &patient,
		AppointmentType: "consult",
		ScheduledStart:  &start,
	})
	require.NoError(t, err)
	return e
}

func (h *harness) stored(t *testing.T, id uuid.UUID) *queue.Entry {
	t.Helper()
	e, err := h.repo.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

func fixedConfig() queue.ClinicQueueConfig {
	cfg := queue.DefaultClinicConfig(clinicID)
	cfg.Mode = queue.ModeFixed
	return cfg
}

func TestNewServicePanicsWithoutRequiredDeps(t *testing.T) {
	assert.Panics(t, func() { NewService(Deps{}) })
}

func TestAddToQueueOrdersBookingsBySchedule(t *testing.T) {
	h := newHarness(t, fixedConfig())
	late := h.book(t, at(11, 0))
	early := h.book(t, at(10, 0))

	list, err := h.svc.ListQueue(context.Background(), clinicID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, early.ID, list[0].ID)
	assert.Equal(t, late.ID, list[1].ID)
	assert.Equal(t, 2, h.stored(t, late.ID).Position)
	assert.Equal(t, at(10, 30), h.stored(t, early.ID).ScheduledEnd)
	assert.Equal(t, []events.Type{events.TypePatientAdded, events.TypePatientAdded}, h.eventTypes())
}

func TestAddToQueueWalkInIsCheckedIn(t *testing.T) {
	h := newHarness(t, fixedConfig())
	e, err := h.svc.AddToQueue(context.Background(), AddRequest{ClinicID: clinicID, WalkIn: true})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusWaiting, e.Status)
	assert.True(t, e.Present)
	assert.Equal(t, 1, e.Position)
	assert.Equal(t, []events.Type{events.TypePatientAdded, events.TypeCheckedIn}, h.eventTypes())
}

func TestAddToQueueRejectsBadPlacement(t *testing.T) {
	h := newHarness(t, fixedConfig())
	h.book(t, at(10, 0))
	ctx := context.Background()
	start := at(11, 0)

	_, err := h.svc.AddToQueue(ctx, AddRequest{ClinicID: clinicID, ScheduledStart: &start, Strategy: "random"})
	assert.True(t, queue.IsValidation(err))

	_, err = h.svc.AddToQueue(ctx, AddRequest{ClinicID: clinicID, ScheduledStart: &start, Strategy: PositionExplicit, Position: 5})
	assert.True(t, queue.IsValidation(err))

	_, err = h.svc.AddToQueue(ctx, AddRequest{ClinicID: clinicID})
	assert.True(t, queue.IsValidation(err))

	list, err := h.svc.ListQueue(ctx, clinicID)
	require.NoError(t, err)
	assert.Len(t, list, 1, "rejected adds leave nothing behind")
}

func TestAddToQueueAtCapacity(t *testing.T) {
	cfg := fixedConfig()
	cfg.DailyCapacity = 1
	h := newHarness(t, cfg)
	h.book(t, at(10, 0))
	start := at(11, 0)

	_, err := h.svc.AddToQueue(context.Background(), AddRequest{ClinicID: clinicID, ScheduledStart: &start})
	assert.True(t, queue.IsConflict(err))
}

func TestAddToQueueCountsCapacityOnBookingDay(t *testing.T) {
	cfg := fixedConfig()
	cfg.DailyCapacity = 1
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.book(t, at(10, 0))

	tomorrow := at(10, 0).AddDate(0, 0, 1)
	e, err := h.svc.AddToQueue(ctx, AddRequest{ClinicID: clinicID, ScheduledStart: &tomorrow})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Position, "numbered among tomorrow's entries")
	assert.Equal(t, 1, h.stored(t, e.ID).Position)

	later := tomorrow.Add(time.Hour)
	_, err = h.svc.AddToQueue(ctx, AddRequest{ClinicID: clinicID, ScheduledStart: &later})
	assert.True(t, queue.IsConflict(err))

	list, err := h.svc.ListQueue(ctx, clinicID)
	require.NoError(t, err)
	assert.Len(t, list, 1, "today's queue is unchanged")
}

func TestCallNextSkipsAbsentPatient(t *testing.T) {
	h := newHarness(t, fixedConfig())
	ctx := context.Background()
	absent := h.book(t, at(10, 0))
	second := h.book(t, at(10, 30))
	third := h.book(t, at(11, 0))

	h.clock.Set(at(10, 5))
	_, err := h.svc.CheckIn(ctx, second.ID)
	require.NoError(t, err)
	_, err = h.svc.CheckIn(ctx, third.ID)
	require.NoError(t, err)
	before := h.stored(t, third.ID).Position

	h.clock.Set(at(10, 11))
	called, err := h.svc.CallNextPatient(ctx, clinicID, "staff-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, called.ID)
	assert.Equal(t, queue.StatusInProgress, h.stored(t, second.ID).Status)
	assert.Equal(t, before, h.stored(t, third.ID).Position)

	skipped := h.stored(t, absent.ID)
	assert.Equal(t, 1, skipped.SkipCount)
	assert.Equal(t, second.ID, *skipped.SlotClaimedBy)
	assert.Contains(t, h.eventTypes(), events.TypePatientCalled)
	assert.Contains(t, h.notifier.kinds(), notify.KindCalled)
}

func TestCallNextWithNobodyWaiting(t *testing.T) {
	h := newHarness(t, fixedConfig())
	h.book(t, at(10, 0))
	_, err := h.svc.CallNextPatient(context.Background(), clinicID, "staff-1")
	assert.ErrorIs(t, err, queue.ErrNoEligiblePatient)
}

func TestOverflowThenCancellationPromotesMatchingWaitlistEntry(t *testing.T) {
	cfg := fixedConfig()
	cfg.DailyCapacity = 3
	cfg.AllowOverflow = true
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.book(t, at(10, 0))
	cancelled := h.book(t, at(10, 30))
	h.book(t, at(11, 0))

	afternoon, err := h.svc.JoinWaitlist(ctx, waitlist.Request{
		ClinicID:      clinicID,
		RequestedDate: "2025-03-10",
		WindowStart:   queue.TimePtr(at(13, 0)),
		WindowEnd:     queue.TimePtr(at(14, 0)),
	})
	require.NoError(t, err)

	patient := uuid.New()
	start := at(11, 30)
	_, err = h.svc.AddToQueue(ctx, AddRequest{ClinicID: clinicID, PatientID: &patient, ScheduledStart: &start})
	var overflow *OverflowError
	require.ErrorAs(t, err, &overflow)
	assert.Equal(t, waitlist.StatusOpen, overflow.Waitlist.Status)

	h.clock.Set(at(9, 5))
	require.NoError(t, h.svc.Cancel(ctx, cancelled.ID, "patient request"))
	require.NoError(t, h.svc.Recalculate(ctx, clinicID, nil))

	promoted, err := h.waitlist.Get(ctx, overflow.Waitlist.ID)
	require.NoError(t, err)
	assert.Equal(t, waitlist.StatusHeld, promoted.Status)
	require.NotNil(t, promoted.PromotedEntryID)

	untouched, err := h.waitlist.Get(ctx, afternoon.ID)
	require.NoError(t, err)
	assert.Equal(t, waitlist.StatusOpen, untouched.Status)

	entry := h.stored(t, *promoted.PromotedEntryID)
	assert.Equal(t, at(10, 30), entry.ScheduledStart)
	assert.Equal(t, at(10, 5), *entry.HoldUntil)
	assert.Equal(t, cancelled.ID, *entry.FillsSlotOf)
	assert.Contains(t, h.eventTypes(), events.TypeWaitlistPromoted)
	assert.Contains(t, h.notifier.kinds(), notify.KindWaitlistPromoted)

	h.clock.Set(at(9, 30))
	_, err = h.svc.CheckIn(ctx, entry.ID)
	require.NoError(t, err)
	confirmed, err := h.waitlist.Get(ctx, overflow.Waitlist.ID)
	require.NoError(t, err)
	assert.Equal(t, waitlist.StatusConfirmed, confirmed.Status)
}

func TestEstimateWaitTimeIsCachedWithinTTL(t *testing.T) {
	h := newHarness(t, fixedConfig())
	ctx := context.Background()
	h.book(t, at(10, 0))
	second := h.book(t, at(10, 30))

	first, err := h.svc.EstimateWaitTime(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.SourceRuleBased, first.Source)

	h.clock.Advance(10 * time.Second)
	again, err := h.svc.EstimateWaitTime(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ComputedAt, again.ComputedAt)

	h.clock.Advance(25 * time.Second)
	fresh, err := h.svc.EstimateWaitTime(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, fresh.ComputedAt.After(first.ComputedAt))
}

func TestEstimateWaitTimeRejectsFinishedEntries(t *testing.T) {
	h := newHarness(t, fixedConfig())
	ctx := context.Background()
	e := h.book(t, at(10, 0))
	require.NoError(t, h.svc.Cancel(ctx, e.ID, "changed plans"))

	_, err := h.svc.EstimateWaitTime(ctx, e.ID)
	assert.True(t, queue.IsConflict(err))

	_, err = h.svc.EstimateWaitTime(ctx, uuid.New())
	assert.True(t, queue.IsNotFound(err))
}

func TestOverrideRefusesLateAheadOfOnTime(t *testing.T) {
	h := newHarness(t, fixedConfig())
	ctx := context.Background()
	late := h.book(t, at(9, 0))
	onTime := h.book(t, at(10, 0))

	h.clock.Set(at(9, 30))
	_, err := h.svc.CheckIn(ctx, late.ID)
	require.NoError(t, err)
	_, err = h.svc.CheckIn(ctx, onTime.ID)
	require.NoError(t, err)

	_, err = h.svc.Override(ctx, late.ID, 1)
	assert.True(t, queue.IsValidation(err))
	assert.Equal(t, 0, h.stored(t, late.ID).ManualPosition, "refused override is not persisted")

	_, err = h.svc.Override(ctx, late.ID, 9)
	assert.True(t, queue.IsValidation(err))
}

func TestOverrideInFluidMode(t *testing.T) {
	cfg := queue.DefaultClinicConfig(clinicID)
	cfg.Mode = queue.ModeFluid
	h := newHarness(t, cfg)
	ctx := context.Background()
	h.book(t, at(10, 0))
	last := h.book(t, at(11, 0))

	moved, err := h.svc.Override(ctx, last.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, moved.Position)
	assert.Equal(t, 1, h.stored(t, last.ID).OverrideCount)
	assert.Contains(t, h.eventTypes(), events.TypeQueueReordered)
}

func TestAbsentAndReturnedToOriginalSlot(t *testing.T) {
	h := newHarness(t, fixedConfig())
	ctx := context.Background()
	e := h.book(t, at(10, 0))

	h.clock.Set(at(9, 50))
	_, err := h.svc.CheckIn(ctx, e.ID)
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkAbsent(ctx, e.ID, "stepped out"))
	assert.False(t, h.stored(t, e.ID).Present)

	h.clock.Set(at(9, 55))
	res, err := h.svc.MarkReturned(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.ReturnOriginalSlot, res.Kind)
	back := h.stored(t, e.ID)
	assert.True(t, back.Present)
	assert.Equal(t, queue.StatusWaiting, back.Status)
	assert.Contains(t, h.eventTypes(), events.TypePatientAbsent)
	assert.Contains(t, h.eventTypes(), events.TypePatientReturned)
}

func TestWaitlistedReturnerCannotCheckInAhead(t *testing.T) {
	h := newHarness(t, fixedConfig())
	ctx := context.Background()
	a := h.book(t, at(10, 0))
	b := h.book(t, at(10, 30))
	c := h.book(t, at(11, 0))

	h.clock.Set(at(9, 50))
	_, err := h.svc.CheckIn(ctx, a.ID)
	require.NoError(t, err)
	_, err = h.svc.CheckIn(ctx, b.ID)
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkAbsent(ctx, a.ID, "stepped out"))

	h.clock.Set(at(10, 15))
	called, err := h.svc.CallNextPatient(ctx, clinicID, "staff-1")
	require.NoError(t, err)
	require.Equal(t, b.ID, called.ID)
	require.NotNil(t, h.stored(t, a.ID).SlotClaimedBy)

	h.clock.Set(at(10, 20))
	_, err = h.svc.CheckIn(ctx, c.ID)
	require.NoError(t, err)
	res, err := h.svc.MarkReturned(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, scheduling.ReturnWaitlist, res.Kind)

	_, err = h.svc.CheckIn(ctx, a.ID)
	assert.True(t, queue.IsConflict(err))

	h.clock.Set(at(10, 45))
	require.NoError(t, h.svc.Complete(ctx, b.ID))
	called, err = h.svc.CallNextPatient(ctx, clinicID, "staff-1")
	require.NoError(t, err)
	assert.Equal(t, c.ID, called.ID)

	w, err := h.waitlist.Get(ctx, res.Waitlist.ID)
	require.NoError(t, err)
	assert.Equal(t, waitlist.StatusOpen, w.Status)
	assert.Equal(t, a.ID, *w.ReturningEntryID)
}

func TestCompleteRecordsVisit(t *testing.T) {
	h := newHarness(t, fixedConfig())
	ctx := context.Background()
	e := h.book(t, at(10, 0))

	h.clock.Set(at(9, 50))
	_, err := h.svc.CheckIn(ctx, e.ID)
	require.NoError(t, err)
	h.clock.Set(at(10, 0))
	_, err = h.svc.CallNextPatient(ctx, clinicID, "staff-1")
	require.NoError(t, err)
	h.clock.Set(at(10, 25))
	require.NoError(t, h.svc.Complete(ctx, e.ID))

	assert.Equal(t, queue.StatusCompleted, h.stored(t, e.ID).Status)
	stats, err := h.repo.LoadHistoricalAverages(ctx, clinicID, "consult")
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 1, stats.SampleSize)
	assert.InDelta(t, 10, stats.MeanWaitMinutes, 0.001)
	assert.InDelta(t, 25, stats.MeanServiceMinutes, 0.001)

	err = h.svc.Complete(ctx, e.ID)
	assert.True(t, queue.IsConflict(err))
}

func TestRecalculateMarksNoShowAfterGrace(t *testing.T) {
	cfg := queue.DefaultClinicConfig(clinicID)
	cfg.Mode = queue.ModeFluid
	h := newHarness(t, cfg)
	ctx := context.Background()
	first := h.book(t, at(10, 0))
	second := h.book(t, at(10, 30))

	h.clock.Set(at(10, 11))
	require.NoError(t, h.svc.Recalculate(ctx, clinicID, nil))

	assert.Equal(t, queue.StatusNoShow, h.stored(t, first.ID).Status)
	assert.Equal(t, 1, h.stored(t, second.ID).Position)
	assert.Contains(t, h.eventTypes(), events.TypeSlotFreed)
}

func TestRecalculateHaltsOnDoubleBookedSlot(t *testing.T) {
	h := newHarness(t, fixedConfig())
	ctx := context.Background()

	gap := &queue.Entry{
		ID: uuid.New(), ClinicID: clinicID,
		ScheduledStart: at(10, 0), ScheduledEnd: at(10, 30),
		Status: queue.StatusCancelled, SlotReleased: true, CreatedAt: day,
	}
	a := &queue.Entry{
		ID: uuid.New(), ClinicID: clinicID,
		ScheduledStart: at(10, 30), ScheduledEnd: at(11, 0),
		Status: queue.StatusWaiting, Present: true, CheckedInAt: queue.TimePtr(at(9, 0)),
		FillsSlotOf: queue.UUIDPtr(gap.ID), FillSlotStart: queue.TimePtr(at(10, 0)), CreatedAt: day, Sequence: 1,
	}
	b := &queue.Entry{
		ID: uuid.New(), ClinicID: clinicID,
		ScheduledStart: at(11, 0), ScheduledEnd: at(11, 30),
		Status: queue.StatusWaiting, Present: true, CheckedInAt: queue.TimePtr(at(9, 0)),
		FillsSlotOf: queue.UUIDPtr(gap.ID), FillSlotStart: queue.TimePtr(at(10, 0)), CreatedAt: day, Sequence: 2,
	}
	gap.SlotClaimedBy = queue.UUIDPtr(a.ID)
	require.NoError(t, h.repo.SaveEntries(ctx, []*queue.Entry{gap, a, b}))

	err := h.svc.Recalculate(ctx, clinicID, nil)
	require.Error(t, err)
	assert.True(t, queue.IsInvariantViolation(err))
	assert.Equal(t, 0, h.stored(t, a.ID).Position, "halted pass saves nothing")
	assert.Equal(t, 0, h.stored(t, b.ID).Position)
	assert.Empty(t, h.eventTypes())
}

func TestHaltedPassLeavesWaitlistOpen(t *testing.T) {
	h := newHarness(t, fixedConfig())
	ctx := context.Background()

	gap := &queue.Entry{
		ID: uuid.New(), ClinicID: clinicID,
		ScheduledStart: at(10, 0), ScheduledEnd: at(10, 30),
		Status: queue.StatusCancelled, SlotReleased: true, CreatedAt: day,
	}
	a := &queue.Entry{
		ID: uuid.New(), ClinicID: clinicID,
		ScheduledStart: at(10, 30), ScheduledEnd: at(11, 0),
		Status: queue.StatusWaiting, Present: true, CheckedInAt: queue.TimePtr(at(9, 0)),
		FillsSlotOf: queue.UUIDPtr(gap.ID), FillSlotStart: queue.TimePtr(at(10, 0)), CreatedAt: day, Sequence: 1,
	}
	b := &queue.Entry{
		ID: uuid.New(), ClinicID: clinicID,
		ScheduledStart: at(11, 0), ScheduledEnd: at(11, 30),
		Status: queue.StatusWaiting, Present: true, CheckedInAt: queue.TimePtr(at(9, 0)),
		FillsSlotOf: queue.UUIDPtr(gap.ID), FillSlotStart: queue.TimePtr(at(10, 0)), CreatedAt: day, Sequence: 2,
	}
	gap.SlotClaimedBy = queue.UUIDPtr(a.ID)
	noon := &queue.Entry{
		ID: uuid.New(), ClinicID: clinicID,
		ScheduledStart: at(12, 0), ScheduledEnd: at(12, 30),
		Status: queue.StatusCancelled, SlotReleased: true, CreatedAt: day, Sequence: 3,
	}
	require.NoError(t, h.repo.SaveEntries(ctx, []*queue.Entry{gap, a, b, noon}))
	w, err := h.waitlist.Join(ctx, waitlist.Request{ClinicID: clinicID, RequestedDate: "2025-03-10"}, at(8, 0))
	require.NoError(t, err)

	err = h.svc.Recalculate(ctx, clinicID, nil)
	require.Error(t, err)
	assert.True(t, queue.IsInvariantViolation(err))

	stored, err := h.waitlist.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, waitlist.StatusOpen, stored.Status)
	assert.Nil(t, stored.PromotedEntryID)
	assert.Nil(t, h.stored(t, noon.ID).SlotClaimedBy)
	assert.Empty(t, h.eventTypes())
}

func TestJoinWaitlistFillsOpenGapImmediately(t *testing.T) {
	h := newHarness(t, fixedConfig())
	ctx := context.Background()
	e := h.book(t, at(10, 0))
	require.NoError(t, h.svc.Cancel(ctx, e.ID, "sick"))

	w, err := h.svc.JoinWaitlist(ctx, waitlist.Request{ClinicID: clinicID, RequestedDate: "2025-03-10"})
	require.NoError(t, err)
	assert.Equal(t, waitlist.StatusHeld, w.Status)
	require.NotNil(t, w.PromotedEntryID)

	_, err = h.svc.JoinWaitlist(ctx, waitlist.Request{ClinicID: clinicID, RequestedDate: "tomorrow"})
	assert.Error(t, err)
}
