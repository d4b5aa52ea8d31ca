package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/internal/scoring"
)

// Fluid orders everyone present by score; freed capacity shifts the queue up.
type Fluid struct {
	gaps GapFiller
}

func (f *Fluid) Mode() queue.Mode { return queue.ModeFluid }

func (f *Fluid) SelectNext(b *queue.Board, now time.Time) (*queue.Entry, error) {
	ranked := scoring.Rank(b.Entries, now, b.Config)
	if len(ranked) == 0 {
		return nil, queue.ErrNoEligiblePatient
	}
	return ranked[0], nil
}

// ResolveGaps only pulls from the waitlist; present patients already move
// up through the ranking.
func (f *Fluid) ResolveGaps(ctx context.Context, b *queue.Board, gaps []*queue.Entry, now time.Time) (*Resolution, error) {
	res := &Resolution{}
	for _, gap := range gaps {
		if !gap.OpenGap(now) {
			continue
		}
		fill, err := f.gaps.FillFromWaitlist(ctx, b, gap, now)
		if err != nil {
			return res, fmt.Errorf("scheduling: resolve gaps: %w", err)
		}
		if fill == nil {
			res.Pending = append(res.Pending, gap)
			continue
		}
		res.Fills = append(res.Fills, fill)
	}
	return res, nil
}

func (f *Fluid) Reposition(b *queue.Board, now time.Time) ([]*queue.Entry, error) {
	markLate(b)
	ranked := scoring.Rank(b.Entries, now, b.Config)
	rest := b.Filter(func(e *queue.Entry) bool {
		return e.Status.Positioned() && e.Status != queue.StatusInProgress && !e.Waiting()
	})
	bySlotTime(rest)

	ordered := append(inProgress(b), applyManual(append(ranked, rest...))...)
	changed := queue.Renumber(b.Entries, ordered)
	return changed, queue.CheckPositions(b.Entries)
}
