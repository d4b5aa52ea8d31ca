package waitlist

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

// Source names where a gap filler came from.
type Source string

const (
	SourceEarly    Source = "early_arrival"
	SourceWaitlist Source = "waitlist"
	SourceWalkIn   Source = "walk_in"
	SourceReturn   Source = "returning"
)

// Fill describes one freed slot being handed to a new occupant.
type Fill struct {
	Gap      *queue.Entry
	Filler   *queue.Entry
	Source   Source
	Waitlist *Entry
	// Released is the filler's own slot when it moved up from a later one.
	Released *queue.Entry
}

// Manager is the gap manager: it promotes early arrivals, waitlisted
// requests and walk-ins into freed slots and tracks promotion holds.
type Manager struct {
	store    Store
	logger   *logging.Logger
	validate *validator.Validate
}

func NewManager(store Store, logger *logging.Logger) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{store: store, logger: logger, validate: validator.New()}
}

// Stage returns a manager whose writes are held in the returned batch until
// it is committed.
func (m *Manager) Stage() (*Manager, *Batch) {
	batch := NewBatch(m.store)
	return &Manager{store: batch, logger: m.logger, validate: m.validate}, batch
}

// Join validates a request and stores it as an open waitlist entry.
func (m *Manager) Join(ctx context.Context, req Request, now time.Time) (*Entry, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, queue.NewValidationError("join_waitlist", err.Error())
	}
	if req.WindowStart != nil && req.WindowEnd != nil && !req.WindowEnd.After(*req.WindowStart) {
		return nil, queue.NewValidationError("join_waitlist", "window end must be after window start")
	}
	priority := DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	e := &Entry{
		ID:              uuid.New(),
		ClinicID:        req.ClinicID,
		PatientID:       req.PatientID,
		AppointmentType: req.AppointmentType,
		RequestedDate:   req.RequestedDate,
		WindowStart:     req.WindowStart,
		WindowEnd:       req.WindowEnd,
		Priority:        priority,
		Status:          StatusOpen,
		CreatedAt:       now,
	}
	if err := m.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("waitlist: join: %w", err)
	}
	m.logger.Info("waitlist joined", "clinic_id", e.ClinicID, "waitlist_id", e.ID, "date", e.RequestedDate, "priority", e.Priority)
	return e, nil
}

// Get returns a stored waitlist entry.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := m.store.Get(ctx, id)
	if err != nil {
		if err == ErrNotFound {
			return nil, queue.NewNotFoundError("waitlist", fmt.Sprintf("waitlist entry %s not found", id))
		}
		return nil, err
	}
	return e, nil
}

// Candidates returns open entries that accept gap's slot, best first.
func (m *Manager) Candidates(ctx context.Context, b *queue.Board, gap *queue.Entry) ([]*Entry, error) {
	day := queue.DayKey(gap.ScheduledStart, b.Config.Location())
	open, err := m.store.ListOpen(ctx, b.Config.ClinicID, day)
	if err != nil {
		return nil, fmt.Errorf("waitlist: candidates: %w", err)
	}
	var out []*Entry
	for _, e := range open {
		if e.Matches(b.Config.ClinicID, day, gap.ScheduledStart) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out, nil
}

// FillGap runs the full promotion order: early arrival, waitlist, walk-in.
func (m *Manager) FillGap(ctx context.Context, b *queue.Board, gap *queue.Entry, now time.Time) (*Fill, error) {
	if f := m.FillFromEarly(b, gap, now); f != nil {
		return f, nil
	}
	f, err := m.FillFromWaitlist(ctx, b, gap, now)
	if err != nil || f != nil {
		return f, err
	}
	return m.FillFromWalkIn(b, gap, now), nil
}

// FillFromEarly moves the present patient with the closest later slot into gap.
// Their own slot is released and becomes a new gap.
func (m *Manager) FillFromEarly(b *queue.Board, gap *queue.Entry, now time.Time) *Fill {
	var best *queue.Entry
	for _, e := range b.Entries {
		if e == gap || !e.Waiting() || e.IsWalkIn || e.Late || e.GapFiller() {
			continue
		}
		if !e.ScheduledStart.After(gap.ScheduledStart) {
			continue
		}
		if best == nil || e.ScheduledStart.Before(best.ScheduledStart) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	queue.Claim(gap, best)
	best.SlotReleased = true
	m.logger.Info("gap filled by early arrival", "clinic_id", b.Config.ClinicID, "gap", gap.ID, "entry_id", best.ID)
	return &Fill{Gap: gap, Filler: best, Source: SourceEarly, Released: best}
}

// FillFromWaitlist promotes the top matching waitlist entry into gap.
func (m *Manager) FillFromWaitlist(ctx context.Context, b *queue.Board, gap *queue.Entry, now time.Time) (*Fill, error) {
	candidates, err := m.Candidates(ctx, b, gap)
	if err != nil {
		return nil, err
	}
	for _, w := range candidates {
		if w.ReturningEntryID != nil {
			returning := b.Find(*w.ReturningEntryID)
			if returning == nil || returning.Status != queue.StatusScheduled || returning.GapFiller() {
				// The patient left or was placed some other way.
				w.Status = StatusExpired
				if err := m.store.Update(ctx, w); err != nil {
					return nil, fmt.Errorf("waitlist: expire returning: %w", err)
				}
				continue
			}
			queue.Claim(gap, returning)
			returning.Status = queue.StatusWaiting
			returning.Present = true
			w.Status = StatusConfirmed
			w.PromotedEntryID = queue.UUIDPtr(returning.ID)
			if err := m.store.Update(ctx, w); err != nil {
				return nil, fmt.Errorf("waitlist: promote returning: %w", err)
			}
			m.logger.Info("gap filled by returning patient", "clinic_id", b.Config.ClinicID, "gap", gap.ID, "entry_id", returning.ID)
			return &Fill{Gap: gap, Filler: returning, Source: SourceReturn, Waitlist: w}, nil
		}

		hold := now.Add(b.Config.AcceptWindow)
		promoted := &queue.Entry{
			ID:              uuid.New(),
			ClinicID:        b.Config.ClinicID,
			PatientID:       w.PatientID,
			AppointmentType: w.AppointmentType,
			ScheduledStart:  gap.ScheduledStart,
			ScheduledEnd:    gap.ScheduledEnd,
			Status:          queue.StatusScheduled,
			WaitlistID:      queue.UUIDPtr(w.ID),
			HoldUntil:       queue.TimePtr(hold),
			CreatedAt:       now,
		}
		queue.Claim(gap, promoted)
		b.Add(promoted)

		w.Status = StatusHeld
		w.PromotedEntryID = queue.UUIDPtr(promoted.ID)
		w.ExpiresAt = queue.TimePtr(hold)
		if err := m.store.Update(ctx, w); err != nil {
			return nil, fmt.Errorf("waitlist: promote: %w", err)
		}
		m.logger.Info("gap filled from waitlist", "clinic_id", b.Config.ClinicID, "gap", gap.ID, "waitlist_id", w.ID, "entry_id", promoted.ID)
		return &Fill{Gap: gap, Filler: promoted, Source: SourceWaitlist, Waitlist: w}, nil
	}
	return nil, nil
}

// FillFromWalkIn hands gap to the longest-waiting present walk-in.
func (m *Manager) FillFromWalkIn(b *queue.Board, gap *queue.Entry, now time.Time) *Fill {
	var best *queue.Entry
	for _, e := range b.Entries {
		if !e.IsWalkIn || !e.Waiting() || e.GapFiller() {
			continue
		}
		if best == nil || e.EffectiveStart().Before(best.EffectiveStart()) ||
			(e.EffectiveStart().Equal(best.EffectiveStart()) && e.Sequence < best.Sequence) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	queue.Claim(gap, best)
	m.logger.Info("gap filled by walk-in", "clinic_id", b.Config.ClinicID, "gap", gap.ID, "entry_id", best.ID)
	return &Fill{Gap: gap, Filler: best, Source: SourceWalkIn}
}

// Reinstate puts a returning patient whose slot is gone back on the waitlist
// ahead of ordinary requests.
func (m *Manager) Reinstate(ctx context.Context, b *queue.Board, e *queue.Entry, now time.Time) (*Entry, error) {
	day := queue.DayKey(now, b.Config.Location())
	w := &Entry{
		ID:               uuid.New(),
		ClinicID:         e.ClinicID,
		PatientID:        e.PatientID,
		AppointmentType:  e.AppointmentType,
		RequestedDate:    day,
		Priority:         ElevatedPriority,
		Status:           StatusOpen,
		ReturningEntryID: queue.UUIDPtr(e.ID),
		CreatedAt:        now,
	}
	if err := m.store.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("waitlist: reinstate: %w", err)
	}
	m.logger.Info("returning patient waitlisted", "clinic_id", e.ClinicID, "entry_id", e.ID, "waitlist_id", w.ID)
	return w, nil
}

// ExpireHolds cancels promoted entries whose accept window passed without
// confirmation and reopens the slots they were holding.
func (m *Manager) ExpireHolds(ctx context.Context, b *queue.Board, now time.Time) ([]*queue.Entry, error) {
	var expired []*queue.Entry
	for _, e := range b.Entries {
		if e.WaitlistID == nil || e.HoldUntil == nil || e.Present || e.Status != queue.StatusScheduled {
			continue
		}
		if now.Before(*e.HoldUntil) {
			continue
		}
		b.Unclaim(e)
		e.Status = queue.StatusCancelled
		e.Position = 0
		e.HoldUntil = nil
		expired = append(expired, e)

		w, err := m.store.Get(ctx, *e.WaitlistID)
		if err != nil {
			m.logger.Warn("expired hold without waitlist entry", "clinic_id", e.ClinicID, "entry_id", e.ID, "error", err)
			continue
		}
		w.Status = StatusExpired
		if err := m.store.Update(ctx, w); err != nil {
			return expired, fmt.Errorf("waitlist: expire hold: %w", err)
		}
		m.logger.Info("promotion hold expired", "clinic_id", e.ClinicID, "entry_id", e.ID, "waitlist_id", w.ID)
	}
	return expired, nil
}

// Confirm ends the hold on a promoted entry.
func (m *Manager) Confirm(ctx context.Context, e *queue.Entry) error {
	if e.WaitlistID == nil {
		return queue.NewValidationError("confirm_promotion", fmt.Sprintf("entry %s was not promoted from the waitlist", e.ID))
	}
	if e.HoldUntil == nil {
		return nil
	}
	e.HoldUntil = nil
	w, err := m.store.Get(ctx, *e.WaitlistID)
	if err != nil {
		return fmt.Errorf("waitlist: confirm: %w", err)
	}
	w.Status = StatusConfirmed
	w.ExpiresAt = nil
	if err := m.store.Update(ctx, w); err != nil {
		return fmt.Errorf("waitlist: confirm: %w", err)
	}
	return nil
}
