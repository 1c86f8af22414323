// Package metrics holds the Prometheus collectors for the evaluation
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline's collectors. A nil *Metrics is a valid
// no-op receiver, so tests can pass nil.
type Metrics struct {
	evaluations   *prometheus.CounterVec
	requeues      *prometheus.CounterVec
	sweepEnqueued prometheus.Counter
	archives      prometheus.Counter
	evalDuration  prometheus.Histogram
}

// New registers and returns the collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricepulse_evaluations_total",
			Help: "Completed prediction evaluations by result.",
		}, []string{"result"}),
		requeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricepulse_requeues_total",
			Help: "Evaluation requeues by reason (price_unavailable, transient).",
		}, []string{"reason"}),
		sweepEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricepulse_sweep_enqueued_total",
			Help: "Predictions enqueued for evaluation by the expiration scanner.",
		}),
		archives: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricepulse_archives_total",
			Help: "Committed monthly leaderboard archives.",
		}),
		evalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricepulse_evaluation_duration_seconds",
			Help:    "Wall time of one prediction evaluation.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.evaluations, m.requeues, m.sweepEnqueued, m.archives, m.evalDuration)
	return m
}

// Evaluation records one completed evaluation.
func (m *Metrics) Evaluation(result string, seconds float64) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(result).Inc()
	m.evalDuration.Observe(seconds)
}

// Requeue records one evaluation requeue.
func (m *Metrics) Requeue(reason string) {
	if m == nil {
		return
	}
	m.requeues.WithLabelValues(reason).Inc()
}

// SweepEnqueued records predictions enqueued by one sweep.
func (m *Metrics) SweepEnqueued(n int) {
	if m == nil {
		return
	}
	m.sweepEnqueued.Add(float64(n))
}

// Archive records one committed monthly archive.
func (m *Metrics) Archive() {
	if m == nil {
		return
	}
	m.archives.Inc()
}
