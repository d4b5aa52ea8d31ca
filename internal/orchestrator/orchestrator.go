// Package orchestrator turns queue events into debounced per-clinic
// recalculation passes and runs the periodic overrun sweep.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/clinicflow/internal/clock"
	"github.com/wolfman30/clinicflow/internal/disruption"
	"github.com/wolfman30/clinicflow/internal/events"
	"github.com/wolfman30/clinicflow/internal/observability/metrics"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

const (
	DefaultDebounce      = 2 * time.Second
	DefaultSweepInterval = 5 * time.Minute

	consumerName     = "orchestrator"
	sweepConcurrency = 8
)

// Recalculator runs one recalculation pass for a clinic.
type Recalculator interface {
	Recalculate(ctx context.Context, clinicID string, batch []disruption.Disruption) error
}

// Snapshotter exposes the clinic state the orchestrator classifies against.
type Snapshotter interface {
	ActiveClinics(ctx context.Context) ([]string, error)
	ClinicConfig(ctx context.Context, clinicID string) (queue.ClinicQueueConfig, error)
	Snapshot(ctx context.Context, clinicID string) (queue.ClinicQueueConfig, []*queue.Entry, error)
}

// Config tunes the orchestrator. Zero values take the defaults.
type Config struct {
	Debounce      time.Duration
	SweepInterval time.Duration
}

type clinicState struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timer   clock.Timer
	pending []disruption.Disruption
	seen    map[string]struct{}
	running bool
}

// Orchestrator is process wide and keyed by clinic. Each clinic has at
// most one pass in flight; input arriving during a pass is folded into
// exactly one follow-up pass.
type Orchestrator struct {
	bus      events.Bus
	detector *disruption.Detector
	recalc   Recalculator
	snaps    Snapshotter
	dedup    events.Deduper
	clock    clock.Clock
	cfg      Config
	logger   *logging.Logger
	metrics  *metrics.QueueMetrics

	mu      sync.Mutex
	clinics map[string]*clinicState
	root    context.Context
	cancel  context.CancelFunc
	sub     events.Subscription
	ticker  clock.Ticker
	started bool
	wg      sync.WaitGroup
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithDeduper(d events.Deduper) Option {
	return func(o *Orchestrator) { o.dedup = d }
}

func WithMetrics(m *metrics.QueueMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func New(bus events.Bus, recalc Recalculator, snaps Snapshotter, cfg Config, opts ...Option) *Orchestrator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	o := &Orchestrator{
		bus:     bus,
		recalc:  recalc,
		snaps:   snaps,
		clock:   clock.Real(),
		cfg:     cfg,
		logger:  logging.Default(),
		clinics: make(map[string]*clinicState),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.detector = disruption.NewDetector(o.logger)
	o.root, o.cancel = context.WithCancel(context.Background())
	return o
}

// Start subscribes to the bus and arms the sweep ticker.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return errors.New("orchestrator: already started")
	}
	if o.bus != nil {
		sub, err := o.bus.Subscribe(o.HandleEvent)
		if err != nil {
			return fmt.Errorf("orchestrator: subscribe: %w", err)
		}
		o.sub = sub
	}
	o.started = true
	o.ticker = o.clock.NewTicker(o.cfg.SweepInterval)
	ticks := o.ticker.C()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-o.root.Done():
				return
			case <-ticks:
				if err := o.Sweep(o.root); err != nil {
					o.logger.Error("orchestrator: sweep failed", "error", err)
				}
			}
		}
	}()
	o.logger.Info("orchestrator started", "debounce", o.cfg.Debounce.String(), "sweep_interval", o.cfg.SweepInterval.String())
	return nil
}

// Stop unsubscribes, cancels timers and in-flight passes, and waits for
// them to return.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.sub != nil {
		o.sub.Unsubscribe()
		o.sub = nil
	}
	if o.ticker != nil {
		o.ticker.Stop()
	}
	for id, st := range o.clinics {
		o.stopClinicLocked(id, st)
	}
	o.cancel()
	o.mu.Unlock()
	o.wg.Wait()
}

// StopClinic drops pending input for one clinic and cancels its pass.
// Estimates are left as they are.
func (o *Orchestrator) StopClinic(clinicID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.clinics[clinicID]; ok {
		o.stopClinicLocked(clinicID, st)
	}
}

func (o *Orchestrator) stopClinicLocked(clinicID string, st *clinicState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.pending = nil
	st.cancel()
	delete(o.clinics, clinicID)
}

// HandleEvent is the bus handler. Redelivered events are ignored. An event
// is only recorded as delivered once it has been classified, so a failed
// attempt is processed again on redelivery.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev events.Event) error {
	cfg, err := o.snaps.ClinicConfig(ctx, ev.ClinicID)
	if err != nil {
		return fmt.Errorf("orchestrator: load clinic config: %w", err)
	}
	d := o.detector.Classify(ev, cfg)
	if d == nil {
		return nil
	}
	if o.dedup != nil {
		first, err := o.dedup.FirstDelivery(ctx, consumerName, ev.ID)
		if err != nil {
			o.logger.Warn("orchestrator: dedup check failed", "event_id", ev.ID.String(), "error", err)
		} else if !first {
			return nil
		}
	}
	o.Submit(*d)
	return nil
}

// Submit queues a disruption and re-arms the clinic's debounce timer.
func (o *Orchestrator) Submit(d disruption.Disruption) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.root.Err() != nil {
		return
	}
	st := o.clinics[d.ClinicID]
	if st == nil {
		ctx, cancel := context.WithCancel(o.root)
		st = &clinicState{ctx: ctx, cancel: cancel, seen: make(map[string]struct{})}
		o.clinics[d.ClinicID] = st
	}
	key := d.EventID.String()
	if _, dup := st.seen[key]; dup {
		o.metrics.ObserveCoalesced(1)
		return
	}
	st.seen[key] = struct{}{}
	st.pending = append(st.pending, d)
	o.metrics.ObserveDisruption(string(d.Type))
	if len(st.pending) > 1 {
		o.metrics.ObserveCoalesced(1)
	}

	if st.timer != nil {
		st.timer.Stop()
	}
	clinicID := d.ClinicID
	st.timer = o.clock.AfterFunc(o.cfg.Debounce, func() { o.fire(clinicID, st) })
}

func (o *Orchestrator) fire(clinicID string, st *clinicState) {
	o.mu.Lock()
	if o.clinics[clinicID] != st {
		o.mu.Unlock()
		return
	}
	st.timer = nil
	if st.running || len(st.pending) == 0 {
		o.mu.Unlock()
		return
	}
	batch := st.take()
	st.running = true
	o.wg.Add(1)
	o.mu.Unlock()

	go o.run(clinicID, st, batch)
}

func (st *clinicState) take() []disruption.Disruption {
	batch := st.pending
	st.pending = nil
	st.seen = make(map[string]struct{})
	return batch
}

func (o *Orchestrator) run(clinicID string, st *clinicState, batch []disruption.Disruption) {
	defer o.wg.Done()
	logger := o.logger.ForClinic(clinicID)
	for {
		if err := o.recalc.Recalculate(st.ctx, clinicID, batch); err != nil {
			logger.Error("orchestrator: recalculation failed", "error", err, "batch_size", len(batch))
		}

		o.mu.Lock()
		if st.ctx.Err() == nil && len(st.pending) > 0 && st.timer == nil {
			batch = st.take()
			o.mu.Unlock()
			continue
		}
		st.running = false
		o.mu.Unlock()
		return
	}
}

// Sweep inspects every active clinic and submits the synthetic
// disruptions it finds.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	clinics, err := o.snaps.ActiveClinics(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: active clinics: %w", err)
	}
	now := o.clock.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, clinicID := range clinics {
		g.Go(func() error {
			cfg, entries, err := o.snaps.Snapshot(gctx, clinicID)
			if err != nil {
				o.logger.Warn("orchestrator: sweep snapshot failed", "clinic_id", clinicID, "error", err)
				return nil
			}
			for _, d := range o.detector.Sweep(clinicID, entries, cfg, now) {
				o.Submit(d)
			}
			return nil
		})
	}
	return g.Wait()
}

// Pending reports how many disruptions are waiting for a clinic's next pass.
func (o *Orchestrator) Pending(clinicID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.clinics[clinicID]; ok {
		return len(st.pending)
	}
	return 0
}
