package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// QueueMetrics exposes counters/histograms for scheduling and estimation.
type QueueMetrics struct {
	operations       *prometheus.CounterVec
	passes           *prometheus.CounterVec
	passDuration     *prometheus.HistogramVec
	disruptions      *prometheus.CounterVec
	coalesced        prometheus.Counter
	violations       *prometheus.CounterVec
	estimatorResults *prometheus.CounterVec
	estimateSources  *prometheus.CounterVec
	cacheLookups     *prometheus.CounterVec
	notifications    *prometheus.CounterVec
}

func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	m := &QueueMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Queue operations by name and outcome",
		}, []string{"operation", "outcome"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "orchestrator",
			Name:      "recalculation_passes_total",
			Help:      "Recalculation passes by mode and outcome",
		}, []string{"mode", "outcome"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinicflow",
			Subsystem: "orchestrator",
			Name:      "recalculation_duration_seconds",
			Help:      "Duration of recalculation passes",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		disruptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "orchestrator",
			Name:      "disruptions_total",
			Help:      "Disruptions received by type",
		}, []string{"type"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "orchestrator",
			Name:      "disruptions_coalesced_total",
			Help:      "Disruptions folded into an already pending pass",
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "queue",
			Name:      "invariant_violations_total",
			Help:      "Invariant violations that halted a pass",
		}, []string{"check"}),
		estimatorResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "estimation",
			Name:      "estimator_results_total",
			Help:      "Estimator attempts by estimator and outcome",
		}, []string{"estimator", "outcome"}),
		estimateSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "estimation",
			Name:      "estimates_total",
			Help:      "Estimates produced by winning source",
		}, []string{"source"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "estimation",
			Name:      "cache_lookups_total",
			Help:      "Estimate cache lookups by result",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicflow",
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Patient notifications by sink and status",
		}, []string{"sink", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operations, m.passes, m.passDuration, m.disruptions, m.coalesced,
		m.violations, m.estimatorResults, m.estimateSources, m.cacheLookups, m.notifications)
	return m
}

func (m *QueueMetrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *QueueMetrics) ObservePass(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(mode, outcome).Inc()
	m.passDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *QueueMetrics) ObserveDisruption(kind string) {
	if m == nil {
		return
	}
	m.disruptions.WithLabelValues(kind).Inc()
}

func (m *QueueMetrics) ObserveCoalesced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.coalesced.Add(float64(n))
}

func (m *QueueMetrics) ObserveInvariantViolation(check string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(check).Inc()
}

func (m *QueueMetrics) ObserveEstimator(estimator, outcome string) {
	if m == nil {
		return
	}
	m.estimatorResults.WithLabelValues(estimator, outcome).Inc()
}

func (m *QueueMetrics) ObserveEstimate(source string) {
	if m == nil {
		return
	}
	m.estimateSources.WithLabelValues(source).Inc()
}

func (m *QueueMetrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *QueueMetrics) ObserveNotification(sink, status string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(sink, status).Inc()
}
