// Package clinicqueue is the queue engine's public surface. Every
// mutation and every recalculation pass for a clinic runs under that
// clinic's lock.
package clinicqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/wolfman30/clinicflow/internal/clock"
	"github.com/wolfman30/clinicflow/internal/estimation"
	"github.com/wolfman30/clinicflow/internal/events"
	"github.com/wolfman30/clinicflow/internal/notify"
	"github.com/wolfman30/clinicflow/internal/observability/metrics"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/internal/scheduling"
	"github.com/wolfman30/clinicflow/internal/store"
	"github.com/wolfman30/clinicflow/internal/waitlist"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

var queueTracer = otel.Tracer("clinicflow.internal.clinicqueue")

// Notifier queues patient notifications without blocking.
type Notifier interface {
	Send(msg notify.Message)
}

// Service implements the queue operations.
type Service struct {
	repo     store.Repository
	waitlist *waitlist.Manager
	engine   *estimation.Engine
	bus      events.Bus
	notifier Notifier
	clock    clock.Clock
	logger   *logging.Logger
	metrics  *metrics.QueueMetrics

	locks clinicLocks
}

// Deps bundles the collaborators of a Service. Repo, Waitlist and Engine
// are required.
type Deps struct {
	Repo     store.Repository
	Waitlist *waitlist.Manager
	Engine   *estimation.Engine
	Bus      events.Bus
	Notifier Notifier
	Clock    clock.Clock
	Logger   *logging.Logger
	Metrics  *metrics.QueueMetrics
}

func NewService(d Deps) *Service {
	if d.Repo == nil || d.Waitlist == nil || d.Engine == nil {
		panic("clinicqueue: repository, waitlist manager and estimation engine are required")
	}
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return &Service{
		repo:     d.Repo,
		waitlist: d.Waitlist,
		engine:   d.Engine,
		bus:      d.Bus,
		notifier: d.Notifier,
		clock:    d.Clock,
		logger:   d.Logger,
		metrics:  d.Metrics,
		locks:    clinicLocks{m: make(map[string]*sync.Mutex)},
	}
}

type clinicLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *clinicLocks) lock(clinicID string) func() {
	l.mu.Lock()
	mu, ok := l.m[clinicID]
	if !ok {
		mu = &sync.Mutex{}
		l.m[clinicID] = mu
	}
	l.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// session is one locked unit of work on a clinic-day.
// Waitlist writes are staged in the session and land only on commit.
type session struct {
	board    *queue.Board
	strategy scheduling.Strategy
	waitlist *waitlist.Manager
	staged   *waitlist.Batch
	now      time.Time
	pending  []events.Event
}

func (s *Service) open(ctx context.Context, clinicID string) (*session, error) {
	cfg, err := s.repo.LoadClinicConfig(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("clinicqueue: load config: %w", err)
	}
	cfg.ClinicID = clinicID
	cfg = cfg.WithDefaults()
	now := s.clock.Now()
	entries, err := s.repo.LoadTodayEntries(ctx, clinicID, store.DayStart(now, cfg.Location()))
	if err != nil {
		return nil, fmt.Errorf("clinicqueue: load entries: %w", err)
	}
	wl, staged := s.waitlist.Stage()
	strategy, err := scheduling.ForMode(cfg.Mode, wl)
	if err != nil {
		return nil, err
	}
	return &session{board: queue.NewBoard(cfg, entries), strategy: strategy, waitlist: wl, staged: staged, now: now}, nil
}

// switchDay points the session at another calendar day of the same clinic.
func (s *Service) switchDay(ctx context.Context, sess *session, day time.Time) error {
	entries, err := s.repo.LoadTodayEntries(ctx, sess.board.Config.ClinicID, day)
	if err != nil {
		return fmt.Errorf("clinicqueue: load entries: %w", err)
	}
	sess.board = queue.NewBoard(sess.board.Config, entries)
	return nil
}

// withClinic runs fn under the clinic lock and commits the session.
func (s *Service) withClinic(ctx context.Context, clinicID string, fn func(*session) error) error {
	unlock := s.locks.lock(clinicID)
	defer unlock()
	sess, err := s.open(ctx, clinicID)
	if err != nil {
		return err
	}
	if err := fn(sess); err != nil {
		return err
	}
	return s.commit(ctx, sess)
}

// withEntry resolves the entry's clinic, locks it and hands fn the live
// board copy of the entry.
func (s *Service) withEntry(ctx context.Context, entryID uuid.UUID, fn func(*session, *queue.Entry) error) error {
	stored, err := s.repo.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}
	return s.withClinic(ctx, stored.ClinicID, func(sess *session) error {
		e := sess.board.Find(entryID)
		if e == nil {
			return queue.NewNotFoundError("lookup", fmt.Sprintf("entry %s is not on today's queue", entryID))
		}
		return fn(sess, e)
	})
}

func (s *Service) commit(ctx context.Context, sess *session) error {
	if changed := sess.board.Changed(); len(changed) > 0 {
		if err := s.repo.SaveEntries(ctx, changed); err != nil {
			return fmt.Errorf("clinicqueue: save: %w", err)
		}
	}
	if err := sess.staged.Commit(ctx); err != nil {
		return fmt.Errorf("clinicqueue: save waitlist: %w", err)
	}
	s.flush(ctx, sess)
	return nil
}

// emit stages an event for publication after the session commits.
func (s *Service) emit(sess *session, entryID *uuid.UUID, payload events.Payload) {
	ev, err := events.New(sess.board.Config.ClinicID, entryID, payload, sess.now)
	if err != nil {
		s.logger.Error("clinicqueue: build event", "error", err, "type", string(payload.EventType()))
		return
	}
	sess.pending = append(sess.pending, ev)
}

func (s *Service) flush(ctx context.Context, sess *session) {
	if s.bus == nil {
		return
	}
	for _, ev := range sess.pending {
		if err := s.bus.Publish(ctx, ev); err != nil {
			s.logger.Error("clinicqueue: publish event", "error", err, "type", string(ev.Type), "clinic_id", ev.ClinicID)
		}
	}
	sess.pending = nil
}

func (s *Service) notify(msg notify.Message, ok bool) {
	if ok && s.notifier != nil {
		s.notifier.Send(msg)
	}
}

func (s *Service) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(queue.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	s.metrics.ObserveOperation(op, outcome)
}

func idPtr(id uuid.UUID) *uuid.UUID { return &id }
