package estimation

import (
	"context"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinicflow/internal/observability/metrics"
	"github.com/wolfman30/clinicflow/internal/queue"
	"github.com/wolfman30/clinicflow/pkg/logging"
)

var estimationTracer = otel.Tracer("clinicflow.internal.estimation")

// Chain tries each estimator in order until one answers with at least
// the confidence floor. A constant fallback closes the chain.
type Chain struct {
	estimators []Estimator
	fallback   FallbackEstimator
	floor      float64
	ttl        time.Duration
	logger     *logging.Logger
	metrics    *metrics.QueueMetrics
}

type ChainOption func(*Chain)

func WithConfidenceFloor(floor float64) ChainOption {
	return func(c *Chain) {
		if floor > 0 && floor <= 1 {
			c.floor = floor
		}
	}
}

func WithTTL(ttl time.Duration) ChainOption {
	return func(c *Chain) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithFallbackMinutes(minutes float64) ChainOption {
	return func(c *Chain) {
		if minutes >= 0 {
			c.fallback.Minutes = minutes
		}
	}
}

func WithChainLogger(logger *logging.Logger) ChainOption {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithChainMetrics(m *metrics.QueueMetrics) ChainOption {
	return func(c *Chain) { c.metrics = m }
}

// NewChain builds a chain over estimators, in order.
func NewChain(estimators []Estimator, opts ...ChainOption) *Chain {
	c := &Chain{
		estimators: estimators,
		fallback:   FallbackEstimator{Minutes: DefaultFallbackMinutes},
		floor:      DefaultConfidenceFloor,
		ttl:        DefaultTTL,
		logger:     logging.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.fallback.Confidence = math.Min(0.1, c.floor/2)
	return c
}

// DefaultChain is ML (when a predictor is given), rule based, historical.
// The rule-based step is held at the chain floor.
func DefaultChain(p Predictor, timeout time.Duration, opts ...ChainOption) *Chain {
	c := NewChain(nil, opts...)
	if p != nil {
		c.estimators = append(c.estimators, NewMLEstimator(p, timeout))
	}
	c.estimators = append(c.estimators, RuleBasedEstimator{MinConfidence: c.floor}, HistoricalEstimator{})
	return c
}

func (c *Chain) TTL() time.Duration { return c.ttl }

func (c *Chain) Floor() float64 { return c.floor }

// Estimate never fails. Estimator errors are logged and counted and the
// next strategy is tried.
func (c *Chain) Estimate(ctx context.Context, in Input) *queue.Estimate {
	ctx, span := estimationTracer.Start(ctx, "estimation.chain")
	defer span.End()
	if in.Entry != nil {
		span.SetAttributes(
			attribute.String("clinic.id", in.Entry.ClinicID),
			attribute.String("entry.id", in.Entry.ID.String()),
		)
	}

	for _, est := range c.estimators {
		if ctx.Err() != nil {
			break
		}
		source := string(est.Source())
		res, err := est.Estimate(ctx, in)
		switch {
		case err != nil:
			outcome := "error"
			if errors.Is(err, context.DeadlineExceeded) {
				outcome = "timeout"
			}
			if !errors.Is(err, errInsufficientData) {
				c.logger.Warn("estimator failed", "estimator", source, "entry_id", entryID(in), "error", err)
			}
			c.metrics.ObserveEstimator(source, outcome)
			span.AddEvent("estimator_failed", trace.WithAttributes(
				attribute.String("estimator", source),
				attribute.String("error", err.Error()),
			))
			continue
		case res.Confidence < c.floor:
			c.metrics.ObserveEstimator(source, "low_confidence")
			span.AddEvent("estimator_low_confidence", trace.WithAttributes(
				attribute.String("estimator", source),
				attribute.Float64("confidence", res.Confidence),
			))
			continue
		}
		c.metrics.ObserveEstimator(source, "ok")
		return c.stamp(span, est.Source(), res, in)
	}

	res, _ := c.fallback.Estimate(ctx, in)
	if ctx.Err() != nil {
		span.SetStatus(codes.Error, ctx.Err().Error())
	}
	return c.stamp(span, queue.SourceFallback, res, in)
}

func (c *Chain) stamp(span trace.Span, source queue.Source, res Result, in Input) *queue.Estimate {
	c.metrics.ObserveEstimate(string(source))
	span.SetAttributes(
		attribute.String("estimation.source", string(source)),
		attribute.Float64("estimation.confidence", res.Confidence),
	)
	return &queue.Estimate{
		WaitMinutes: math.Round(res.WaitMinutes*10) / 10,
		Confidence:  res.Confidence,
		Source:      source,
		Features:    in.Features(),
		ComputedAt:  in.Now,
		ExpiresAt:   in.Now.Add(c.ttl),
	}
}

func entryID(in Input) string {
	if in.Entry == nil {
		return ""
	}
	return in.Entry.ID.String()
}
