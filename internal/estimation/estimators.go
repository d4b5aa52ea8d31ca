package estimation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/wolfman30/clinicflow/internal/queue"
)

// MLEstimator asks a remote predictor. The call is bounded by a hard
// timeout and never retried here.
type MLEstimator struct {
	predictor Predictor
	timeout   time.Duration
}

func NewMLEstimator(p Predictor, timeout time.Duration) *MLEstimator {
	if timeout <= 0 {
		timeout = DefaultPredictTimeout
	}
	return &MLEstimator{predictor: p, timeout: timeout}
}

func (m *MLEstimator) Source() queue.Source { return queue.SourceML }

func (m *MLEstimator) Estimate(ctx context.Context, in Input) (Result, error) {
	if m.predictor == nil {
		return Result{}, queue.NewExternalServiceError("estimation.ml", errors.New("no predictor configured"))
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	type answer struct {
		minutes, confidence float64
		err                 error
	}
	done := make(chan answer, 1)
	go func() {
		minutes, confidence, err := m.predictor.Predict(ctx, in.Features())
		done <- answer{minutes, confidence, err}
	}()

	select {
	case <-ctx.Done():
		return Result{}, queue.NewExternalServiceError("estimation.ml", ctx.Err())
	case a := <-done:
		if a.err != nil {
			return Result{}, queue.NewExternalServiceError("estimation.ml", a.err)
		}
		if math.IsNaN(a.minutes) || math.IsInf(a.minutes, 0) || a.minutes < 0 {
			return Result{}, queue.NewExternalServiceError("estimation.ml", fmt.Errorf("invalid prediction %v", a.minutes))
		}
		return Result{WaitMinutes: a.minutes, Confidence: clamp(a.confidence, 0, 1)}, nil
	}
}

// RuleBasedEstimator derives the wait from queue position, service length
// and staffing. Confidence shrinks with the queue but never below
// MinConfidence, so a long queue keeps a formula answer instead of the
// constant.
type RuleBasedEstimator struct {
	MinConfidence float64
}

func (RuleBasedEstimator) Source() queue.Source { return queue.SourceRuleBased }

func (r RuleBasedEstimator) Estimate(_ context.Context, in Input) (Result, error) {
	e := in.Entry
	if e == nil {
		return Result{}, errInsufficientData
	}
	if e.Status == queue.StatusInProgress {
		return Result{WaitMinutes: 0, Confidence: 0.8}, nil
	}
	avg := in.serviceMinutes()
	staff := in.Config.ActiveStaff
	if avg <= 0 || staff <= 0 {
		return Result{}, errInsufficientData
	}
	wait := float64(in.Ahead) * avg / float64(staff)
	if !e.IsWalkIn && !e.ScheduledStart.IsZero() {
		if untilStart := e.SlotTime().Sub(in.Now).Minutes(); untilStart > wait {
			wait = untilStart
		}
	}
	lo := clamp(r.MinConfidence, 0.4, 0.8)
	confidence := clamp(0.8-0.02*float64(in.Ahead), lo, 0.8)
	return Result{WaitMinutes: wait, Confidence: confidence}, nil
}

// HistoricalEstimator returns the clinic/type historical mean wait.
type HistoricalEstimator struct{}

func (HistoricalEstimator) Source() queue.Source { return queue.SourceHistorical }

func (HistoricalEstimator) Estimate(_ context.Context, in Input) (Result, error) {
	if in.Stats == nil || in.Stats.SampleSize <= 0 {
		return Result{}, errInsufficientData
	}
	confidence := math.Min(0.6, float64(in.Stats.SampleSize)/100*0.6)
	return Result{WaitMinutes: math.Max(0, in.Stats.MeanWaitMinutes), Confidence: confidence}, nil
}

// FallbackEstimator always answers with a constant.
type FallbackEstimator struct {
	Minutes    float64
	Confidence float64
}

func (FallbackEstimator) Source() queue.Source { return queue.SourceFallback }

func (f FallbackEstimator) Estimate(context.Context, Input) (Result, error) {
	return Result{WaitMinutes: f.Minutes, Confidence: f.Confidence}, nil
}
