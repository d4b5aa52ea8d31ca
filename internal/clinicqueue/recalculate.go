package clinicqueue

import (
	"context"
	"errors"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinicflow/internal/disruption"
	"github.com/wolfman30/clinicflow/internal/estimation"
	"github.com/wolfman30/clinicflow/internal/events"
	"github.com/wolfman30/clinicflow/internal/notify"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/internal/scheduling"
	"github.com/wolfman30/clinicflow/internal/waitlist"
)

// Recalculate runs one pass for the clinic: lapsed holds and no-shows are
// settled, freed slots resolved, positions recomputed and estimates
// refreshed. An invariant violation halts the pass before anything is
// saved.
func (s *Service) Recalculate(ctx context.Context, clinicID string, batch []disruption.Disruption) error {
	return s.withClinic(ctx, clinicID, func(sess *session) error {
		return s.pass(ctx, sess, batch)
	})
}

// pass mutates the session board and stages events; the caller commits.
func (s *Service) pass(ctx context.Context, sess *session, batch []disruption.Disruption) (err error) {
	b := sess.board
	mode := string(b.Config.Mode)
	start := s.clock.Now()
	ctx, span := queueTracer.Start(ctx, "clinicqueue.recalculate")
	span.SetAttributes(
		attribute.String("clinic.id", b.Config.ClinicID),
		attribute.String("queue.mode", mode),
		attribute.Int("disruptions", len(batch)),
	)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if queue.IsInvariantViolation(err) {
				outcome = "invariant_violation"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.ObservePass(mode, outcome, s.clock.Now().Sub(start))
	}()
	logger := s.logger.ForClinic(b.Config.ClinicID)
	now := sess.now

	expired, err := sess.waitlist.ExpireHolds(ctx, b, now)
	if err != nil {
		return err
	}
	for _, e := range expired {
		s.emit(sess, idPtr(e.ID), events.AppointmentCancelledV1{EntryID: e.ID, Reason: "hold_expired"})
	}
	for _, e := range scheduling.FinalizeNoShows(b, now) {
		if e.SlotReleased && e.SlotClaimedBy == nil {
			s.emitSlotFreed(sess, e, "no_show")
		}
	}

	res, err := sess.strategy.ResolveGaps(ctx, b, b.OpenGaps(now), now)
	if err != nil {
		return err
	}
	s.stageResolution(sess, res)

	moved, err := sess.strategy.Reposition(b, now)
	if err == nil {
		err = queue.CheckSlotClaims(b.Entries)
	}
	if err != nil {
		if queue.IsInvariantViolation(err) {
			s.metrics.ObserveInvariantViolation(violationCheck(err))
			logger.Error("invariant violation, pass halted", "error", err, "mode", mode)
		}
		sess.pending = nil
		return err
	}
	if len(moved) > 0 {
		s.emit(sess, nil, events.QueueReorderedV1{Reason: "recalculation", EntryIDs: ids(moved)})
	}

	if err := s.refreshEstimates(ctx, sess); err != nil {
		sess.pending = nil
		return err
	}
	logger.Debug("recalculation pass complete", "mode", mode, "disruptions", len(batch), "moved", len(moved))
	return nil
}

func (s *Service) stageResolution(sess *session, res *scheduling.Resolution) {
	if res == nil {
		return
	}
	cfg := sess.board.Config
	for _, f := range res.Fills {
		if f.Waitlist != nil {
			s.emit(sess, idPtr(f.Filler.ID), events.WaitlistPromotedV1{
				WaitlistID: idPtr(f.Waitlist.ID),
				EntryID:    f.Filler.ID,
				GapEntryID: f.Gap.ID,
				SlotStart:  f.Gap.ScheduledStart,
				HoldUntil:  f.Filler.HoldUntil,
				Source:     string(f.Source),
			})
			s.notify(notify.PromotedMessage(f.Filler, cfg.Location(), sess.now))
		}
		if f.Released != nil {
			s.emitSlotFreed(sess, f.Released, "moved_up")
		}
	}
	for _, o := range res.Offers {
		respondBy := sess.now.Add(cfg.EarlyOfferWait)
		if o.Gap.GapOfferedAt != nil {
			respondBy = o.Gap.GapOfferedAt.Add(cfg.EarlyOfferWait)
		}
		s.emit(sess, idPtr(o.Entry.ID), events.ComeEarlyOfferedV1{
			EntryID:    o.Entry.ID,
			GapEntryID: o.Gap.ID,
			SlotStart:  o.Gap.ScheduledStart,
			RespondBy:  respondBy,
		})
		s.notify(notify.ComeEarlyMessage(o.Entry, o.Gap.ScheduledStart, respondBy, cfg.Location(), sess.now))
	}
}

// refreshEstimates recomputes every queued entry's estimate. Entries whose
// wait moved by a minute or more, or whose source changed, get an
// EstimationUpdated event.
func (s *Service) refreshEstimates(ctx context.Context, sess *session) error {
	b := sess.board
	statsByType := make(map[string]*queue.HistoricalStats)
	var inputs []estimation.Input
	for _, e := range b.Positioned() {
		if e.Status == queue.StatusInProgress {
			continue
		}
		stats := s.stats(ctx, e.ClinicID, e.AppointmentType, statsByType)
		inputs = append(inputs, estimation.BuildInput(b, e, stats, sess.now))
	}
	if len(inputs) == 0 {
		return nil
	}
	results, err := s.engine.RefreshAll(ctx, inputs)
	if err != nil {
		return err
	}
	for _, in := range inputs {
		e := in.Entry
		est, ok := results[e.ID]
		if !ok {
			continue
		}
		prev := e.Estimate
		e.Estimate = est
		if prev != nil && prev.Source == est.Source && math.Abs(prev.WaitMinutes-est.WaitMinutes) < 1 {
			continue
		}
		s.emit(sess, idPtr(e.ID), events.EstimationUpdatedV1{
			EntryID:     e.ID,
			Position:    e.Position,
			WaitMinutes: est.WaitMinutes,
			Confidence:  est.Confidence,
			Source:      string(est.Source),
			ExpiresAt:   est.ExpiresAt,
		})
	}
	return nil
}

func (s *Service) stats(ctx context.Context, clinicID, appointmentType string, memo map[string]*queue.HistoricalStats) *queue.HistoricalStats {
	if memo != nil {
		if st, ok := memo[appointmentType]; ok {
			return st
		}
	}
	st, err := s.repo.LoadHistoricalAverages(ctx, clinicID, appointmentType)
	if err != nil {
		s.logger.Warn("clinicqueue: load historical averages", "error", err, "clinic_id", clinicID)
		st = nil
	}
	if memo != nil {
		memo[appointmentType] = st
	}
	return st
}

func violationCheck(err error) string {
	var qe *queue.Error
	if errors.As(err, &qe) && qe.Op != "" {
		return qe.Op
	}
	return "unknown"
}

// ActiveClinics lists clinics with queued entries.
func (s *Service) ActiveClinics(ctx context.Context) ([]string, error) {
	return s.repo.ActiveClinics(ctx)
}

// ClinicConfig returns the clinic's queue configuration with defaults applied.
func (s *Service) ClinicConfig(ctx context.Context, clinicID string) (queue.ClinicQueueConfig, error) {
	cfg, err := s.repo.LoadClinicConfig(ctx, clinicID)
	if err != nil {
		return queue.ClinicQueueConfig{}, err
	}
	cfg.ClinicID = clinicID
	return cfg.WithDefaults(), nil
}

// Snapshot returns the clinic-day without taking the clinic lock.
func (s *Service) Snapshot(ctx context.Context, clinicID string) (queue.ClinicQueueConfig, []*queue.Entry, error) {
	sess, err := s.open(ctx, clinicID)
	if err != nil {
		return queue.ClinicQueueConfig{}, nil, err
	}
	return sess.board.Config, sess.board.Entries, nil
}

var _ scheduling.GapFiller = (*waitlist.Manager)(nil)
