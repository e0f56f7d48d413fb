package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/njchilds90/chaosguard"
)

type metrics struct {
	decisions  *prometheus.CounterVec
	violations *prometheus.CounterVec
	duration   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chaosguard",
			Name:      "validations_total",
			Help:      "Validation runs by decision.",
		}, []string{"decision"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chaosguard",
			Name:      "violations_total",
			Help:      "Violations reported, by rule ID.",
		}, []string{"rule"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chaosguard",
			Name:      "validation_duration_seconds",
			Help:      "Time spent in a single validation run.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	reg.MustRegister(m.decisions, m.violations, m.duration)
	for _, d := range []chaosguard.Decision{chaosguard.Accept, chaosguard.Reject, chaosguard.Fallback} {
		m.decisions.WithLabelValues(string(d))
	}
	return m
}

func (m *metrics) observe(res chaosguard.ValidationResult, took time.Duration) {
	m.decisions.WithLabelValues(string(res.Decision)).Inc()
	for _, v := range res.Violations {
		m.violations.WithLabelValues(v.RuleID).Inc()
	}
	m.duration.Observe(took.Seconds())
}
