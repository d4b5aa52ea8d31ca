// Package estimation produces wait-time estimates through an ordered chain
// of estimators, cached per entry for a short TTL.
package estimation

import (
	"context"
	"errors"
	"time"

	"github.com/wolfman30/clinicflow/internal/queue"
)

const (
	DefaultTTL             = 30 * time.Second
	DefaultConfidenceFloor = 0.5
	DefaultPredictTimeout  = 2 * time.Second
	DefaultFallbackMinutes = 15.0
)

var errInsufficientData = errors.New("estimation: insufficient data")

// Input is everything an estimator may look at for one entry.
type Input struct {
	Entry  *queue.Entry
	Config queue.ClinicQueueConfig
	// Ahead counts waiting/scheduled entries positioned before Entry.
	Ahead int
	// Busy counts entries currently in service.
	Busy  int
	Stats *queue.HistoricalStats
	Now   time.Time
}

// Result is a raw estimator answer before the chain stamps it.
type Result struct {
	WaitMinutes float64
	Confidence  float64
}

// Estimator is one strategy in the chain.
type Estimator interface {
	Source() queue.Source
	Estimate(ctx context.Context, in Input) (Result, error)
}

// BuildInput derives the estimator input for e from the clinic board.
func BuildInput(b *queue.Board, e *queue.Entry, stats *queue.HistoricalStats, now time.Time) Input {
	in := Input{Entry: e, Config: b.Config, Stats: stats, Now: now}
	for _, other := range b.Positioned() {
		if other.Status == queue.StatusInProgress {
			in.Busy++
			continue
		}
		if other.ID != e.ID && e.Position > 0 && other.Position > 0 && other.Position < e.Position {
			in.Ahead++
		}
	}
	return in
}

// Features flattens the input into the predictor feature map.
func (in Input) Features() map[string]float64 {
	f := map[string]float64{
		"ahead":               float64(in.Ahead),
		"busy":                float64(in.Busy),
		"active_staff":        float64(in.Config.ActiveStaff),
		"avg_service_minutes": in.Config.AvgServiceMinutes,
		"hour_of_day":         float64(in.Now.In(in.Config.Location()).Hour()),
	}
	if e := in.Entry; e != nil {
		f["position"] = float64(e.Position)
		f["skip_count"] = float64(e.SkipCount)
		f["is_walk_in"] = boolFeature(e.IsWalkIn)
		f["late"] = boolFeature(e.Late)
		if !e.ScheduledStart.IsZero() {
			f["minutes_until_start"] = e.ScheduledStart.Sub(in.Now).Minutes()
		}
		if e.CheckedInAt != nil {
			f["minutes_since_check_in"] = in.Now.Sub(*e.CheckedInAt).Minutes()
		}
	}
	if in.Stats != nil {
		f["hist_mean_wait"] = in.Stats.MeanWaitMinutes
		f["hist_sample_size"] = float64(in.Stats.SampleSize)
	}
	return f
}

// serviceMinutes prefers the historical mean over the configured average.
func (in Input) serviceMinutes() float64 {
	if in.Stats != nil && in.Stats.SampleSize > 0 && in.Stats.MeanServiceMinutes > 0 {
		return in.Stats.MeanServiceMinutes
	}
	return in.Config.AvgServiceMinutes
}

func boolFeature(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
