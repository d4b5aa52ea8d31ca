package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/internal/waitlist"
)

// Hybrid selects like Fixed but resolves gaps by first inviting upcoming
// patients to come early, then falling back to the waitlist and walk-ins
// once the offer wait has elapsed.
type Hybrid struct {
	Fixed
}

func (h *Hybrid) Mode() queue.Mode { return queue.ModeHybrid }

// ResolveGaps treats every gap in the call as one batch: a patient receives
// at most one offer per batch.
func (h *Hybrid) ResolveGaps(ctx context.Context, b *queue.Board, gaps []*queue.Entry, now time.Time) (*Resolution, error) {
	cfg := b.Config
	res := &Resolution{}
	offered := make(map[uuid.UUID]bool)
	pending := append([]*queue.Entry(nil), gaps...)

	for len(pending) > 0 {
		gap := pending[0]
		pending = pending[1:]
		if !gap.OpenGap(now) {
			continue
		}

		if fill := h.gaps.FillFromEarly(b, gap, now); fill != nil {
			res.Fills = append(res.Fills, fill)
			if fill.Released != nil && fill.Released.OpenGap(now) {
				pending = append(pending, fill.Released)
			}
			continue
		}

		if gap.GapOfferedAt == nil {
			candidates := offerCandidates(b, gap, now, offered)
			if len(candidates) > 0 {
				gap.GapOfferedAt = queue.TimePtr(now)
				for _, c := range candidates {
					c.OfferedAt = queue.TimePtr(now)
					offered[c.ID] = true
					res.Offers = append(res.Offers, Offer{Entry: c, Gap: gap})
				}
				res.Pending = append(res.Pending, gap)
				continue
			}
		} else if now.Before(gap.GapOfferedAt.Add(cfg.EarlyOfferWait)) {
			res.Pending = append(res.Pending, gap)
			continue
		}

		fill, err := h.gaps.FillFromWaitlist(ctx, b, gap, now)
		if err != nil {
			return res, fmt.Errorf("scheduling: resolve gaps: %w", err)
		}
		if fill == nil {
			fill = h.gaps.FillFromWalkIn(b, gap, now)
		}
		if fill == nil {
			res.Pending = append(res.Pending, gap)
			continue
		}
		res.Fills = append(res.Fills, fill)
	}
	return res, nil
}

// OfferExpired reports whether a gap's come-early offers have gone unanswered.
func OfferExpired(gap *queue.Entry, cfg queue.ClinicQueueConfig, now time.Time) bool {
	return gap.GapOfferedAt != nil && !now.Before(gap.GapOfferedAt.Add(cfg.EarlyOfferWait))
}

func offerCandidates(b *queue.Board, gap *queue.Entry, now time.Time, offered map[uuid.UUID]bool) []*queue.Entry {
	cfg := b.Config
	var out []*queue.Entry
	for _, e := range b.Entries {
		if e == gap || offered[e.ID] || e.IsWalkIn || e.Present || e.Status != queue.StatusScheduled {
			continue
		}
		if e.WaitlistID != nil || e.GapFiller() || !e.ScheduledStart.After(gap.ScheduledStart) {
			continue
		}
		if !now.Before(e.ScheduledStart.Add(-cfg.LatenessThreshold)) {
			continue
		}
		if e.OfferedAt != nil && now.Before(e.OfferedAt.Add(cfg.EarlyOfferWait)) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledStart.Before(out[j].ScheduledStart) })
	if len(out) > cfg.EarlyOfferCount {
		out = out[:cfg.EarlyOfferCount]
	}
	return out
}

var _ GapFiller = (*waitlist.Manager)(nil)
