package waitlist

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func slot(start time.Time, seq int64) *queue.Entry {
	return &queue.Entry{
		ID:             uuid.New(),
		ClinicID:       "clinic-1",
		ScheduledStart: start,
		ScheduledEnd:   start.Add(30 * time.Minute),
		Status:         queue.StatusScheduled,
		Sequence:       seq,
	}
}

func checkedIn(e *queue.Entry, t time.Time) *queue.Entry {
	e.Status = queue.StatusWaiting
	e.Present = true
	e.CheckedInAt = queue.TimePtr(t)
	return e
}

func cancelled(e *queue.Entry) *queue.Entry {
	e.Status = queue.StatusCancelled
	e.SlotReleased = true
	return e
}

func newManager() (*Manager, *MemoryStore) {
	store := NewMemoryStore()
	return NewManager(store, logging.Discard()), store
}

func TestJoinValidation(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()

	_, err := m.Join(ctx, Request{ClinicID: "clinic-1", RequestedDate: "10/03/2025"}, at(8, 0))
	require.Error(t, err)
	assert.True(t, queue.IsValidation(err))

	start, end := at(11, 0), at(10, 0)
	_, err = m.Join(ctx, Request{ClinicID: "clinic-1", RequestedDate: "2025-03-10", WindowStart: &start, WindowEnd: &end}, at(8, 0))
	assert.True(t, queue.IsValidation(err))

	w, err := m.Join(ctx, Request{ClinicID: "clinic-1", RequestedDate: "2025-03-10"}, at(8, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, w.Status)
	assert.Equal(t, DefaultPriority, w.Priority)
}

func TestFillFromWaitlistRespectsWindowAndRank(t *testing.T) {
	m, store := newManager()
	ctx := context.Background()
	cfg := queue.DefaultClinicConfig("clinic-1")

	gap := cancelled(slot(at(10, 0), 1))
	b := queue.NewBoard(cfg, []*queue.Entry{gap})

	morningStart, morningEnd := at(9, 0), at(12, 0)
	afternoonStart, afternoonEnd := at(13, 0), at(17, 0)
	low := 5
	morning, err := m.Join(ctx, Request{ClinicID: "clinic-1", RequestedDate: "2025-03-10", WindowStart: &morningStart, WindowEnd: &morningEnd}, at(7, 0))
	require.NoError(t, err)
	urgent, err := m.Join(ctx, Request{ClinicID: "clinic-1", RequestedDate: "2025-03-10", Priority: &low}, at(7, 30))
	require.NoError(t, err)
	afternoon, err := m.Join(ctx, Request{ClinicID: "clinic-1", RequestedDate: "2025-03-10", WindowStart: &afternoonStart, WindowEnd: &afternoonEnd, Priority: &low}, at(6, 0))
	require.NoError(t, err)

	fill, err := m.FillGap(ctx, b, gap, at(9, 30))
	require.NoError(t, err)
	require.NotNil(t, fill)
	assert.Equal(t, SourceWaitlist, fill.Source)
	assert.Equal(t, urgent.ID, fill.Waitlist.ID)
	assert.Equal(t, fill.Filler.ID, *gap.SlotClaimedBy)
	assert.Equal(t, at(10, 0), fill.Filler.ScheduledStart)
	assert.Equal(t, at(9, 30).Add(cfg.AcceptWindow), *fill.Filler.HoldUntil)
	assert.Len(t, b.Entries, 2)

	stored, err := store.Get(ctx, urgent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, stored.Status)

	untouched, err := store.Get(ctx, afternoon.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, untouched.Status)
	untouched, err = store.Get(ctx, morning.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, untouched.Status)
}

func TestFillPrefersEarlyArrivalThenWalkIn(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	cfg := queue.DefaultClinicConfig("clinic-1")

	gap := cancelled(slot(at(10, 0), 1))
	later := checkedIn(slot(at(11, 0), 2), at(9, 45))
	closest := checkedIn(slot(at(10, 30), 3), at(9, 50))
	walkIn := checkedIn(&queue.Entry{ID: uuid.New(), ClinicID: "clinic-1", IsWalkIn: true, Sequence: 4}, at(9, 0))
	b := queue.NewBoard(cfg, []*queue.Entry{gap, later, closest, walkIn})

	fill, err := m.FillGap(ctx, b, gap, at(9, 55))
	require.NoError(t, err)
	require.NotNil(t, fill)
	assert.Equal(t, SourceEarly, fill.Source)
	assert.Equal(t, closest, fill.Filler)
	assert.True(t, closest.SlotReleased)
	assert.True(t, closest.OpenGap(at(9, 55)))

	fill, err = m.FillGap(ctx, b, closest, at(9, 55))
	require.NoError(t, err)
	assert.Equal(t, later, fill.Filler)

	fill, err = m.FillGap(ctx, b, later, at(9, 55))
	require.NoError(t, err)
	require.NotNil(t, fill)
	assert.Equal(t, SourceWalkIn, fill.Source)
	assert.Equal(t, walkIn, fill.Filler)
}

func TestLateArrivalNeverFillsAsEarly(t *testing.T) {
	m, _ := newManager()
	cfg := queue.DefaultClinicConfig("clinic-1")
	gap := cancelled(slot(at(10, 0), 1))
	late := checkedIn(slot(at(11, 0), 2), at(11, 30))
	late.Late = true
	b := queue.NewBoard(cfg, []*queue.Entry{gap, late})

	assert.Nil(t, m.FillFromEarly(b, gap, at(9, 0)))
}

func TestExpireHoldsReopensSlot(t *testing.T) {
	m, store := newManager()
	ctx := context.Background()
	cfg := queue.DefaultClinicConfig("clinic-1")
	gap := cancelled(slot(at(14, 0), 1))
	b := queue.NewBoard(cfg, []*queue.Entry{gap})

	w, err := m.Join(ctx, Request{ClinicID: "clinic-1", RequestedDate: "2025-03-10"}, at(8, 0))
	require.NoError(t, err)
	fill, err := m.FillFromWaitlist(ctx, b, gap, at(9, 0))
	require.NoError(t, err)
	require.NotNil(t, fill)

	expired, err := m.ExpireHolds(ctx, b, at(9, 59))
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = m.ExpireHolds(ctx, b, at(10, 0))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, queue.StatusCancelled, fill.Filler.Status)
	assert.Nil(t, gap.SlotClaimedBy)
	assert.True(t, gap.OpenGap(at(10, 0)))

	stored, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)
}

func TestConfirmEndsHold(t *testing.T) {
	m, store := newManager()
	ctx := context.Background()
	cfg := queue.DefaultClinicConfig("clinic-1")
	gap := cancelled(slot(at(14, 0), 1))
	b := queue.NewBoard(cfg, []*queue.Entry{gap})

	w, err := m.Join(ctx, Request{ClinicID: "clinic-1", RequestedDate: "2025-03-10"}, at(8, 0))
	require.NoError(t, err)
	fill, err := m.FillFromWaitlist(ctx, b, gap, at(9, 0))
	require.NoError(t, err)

	require.NoError(t, m.Confirm(ctx, fill.Filler))
	assert.Nil(t, fill.Filler.HoldUntil)
	stored, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, stored.Status)

	expired, err := m.ExpireHolds(ctx, b, at(23, 0))
	require.NoError(t, err)
	assert.Empty(t, expired)

	assert.True(t, queue.IsValidation(m.Confirm(ctx, gap)))
}

func TestReinstateOutranksOrdinaryRequests(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	cfg := queue.DefaultClinicConfig("clinic-1")

	_, err := m.Join(ctx, Request{ClinicID: "clinic-1", RequestedDate: "2025-03-10"}, at(7, 0))
	require.NoError(t, err)

	returning := slot(at(9, 0), 2)
	returning.Present = true
	gap := cancelled(slot(at(12, 0), 1))
	b := queue.NewBoard(cfg, []*queue.Entry{gap, returning})

	w, err := m.Reinstate(ctx, b, returning, at(10, 0))
	require.NoError(t, err)
	assert.Equal(t, ElevatedPriority, w.Priority)

	fill, err := m.FillFromWaitlist(ctx, b, gap, at(10, 5))
	require.NoError(t, err)
	require.NotNil(t, fill)
	assert.Equal(t, SourceReturn, fill.Source)
	assert.Equal(t, returning, fill.Filler)
	assert.Equal(t, queue.StatusWaiting, returning.Status)
	assert.Len(t, b.Entries, 2)
}

func TestFillFromWaitlistExpiresStaleReturner(t *testing.T) {
	m, store := newManager()
	ctx := context.Background()
	cfg := queue.DefaultClinicConfig("clinic-1")

	returning := slot(at(9, 0), 2)
	gap := cancelled(slot(at(12, 0), 1))
	b := queue.NewBoard(cfg, []*queue.Entry{gap, returning})
	w, err := m.Reinstate(ctx, b, returning, at(10, 0))
	require.NoError(t, err)

	returning.Status = queue.StatusCancelled
	fill, err := m.FillFromWaitlist(ctx, b, gap, at(10, 5))
	require.NoError(t, err)
	assert.Nil(t, fill)
	assert.Nil(t, gap.SlotClaimedBy)

	stored, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)
}

func TestStagedPromotionWaitsForCommit(t *testing.T) {
	m, store := newManager()
	ctx := context.Background()
	cfg := queue.DefaultClinicConfig("clinic-1")

	w, err := m.Join(ctx, Request{ClinicID: "clinic-1", RequestedDate: "2025-03-10"}, at(7, 0))
	require.NoError(t, err)
	gap := cancelled(slot(at(10, 0), 1))
	b := queue.NewBoard(cfg, []*queue.Entry{gap})

	staged, batch := m.Stage()
	fill, err := staged.FillFromWaitlist(ctx, b, gap, at(9, 30))
	require.NoError(t, err)
	require.NotNil(t, fill)
	assert.Equal(t, 1, batch.Pending())

	stored, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, stored.Status, "store untouched before commit")

	seen, err := staged.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, seen.Status)
	open, err := batch.ListOpen(ctx, "clinic-1", "2025-03-10")
	require.NoError(t, err)
	assert.Empty(t, open)

	require.NoError(t, batch.Commit(ctx))
	assert.Equal(t, 0, batch.Pending())
	stored, err = store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, stored.Status)
	assert.Equal(t, fill.Filler.ID, *stored.PromotedEntryID)

	reinstated, err := staged.Reinstate(ctx, b, fill.Filler, at(9, 40))
	require.NoError(t, err)
	_, err = store.Get(ctx, reinstated.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, batch.Commit(ctx))
	_, err = store.Get(ctx, reinstated.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, batch.Update(ctx, &Entry{ID: uuid.New()}), ErrNotFound)
}
