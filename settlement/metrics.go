package settlement

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for settlement_outcomes_total.
const (
	OutcomeSuccess       = "success"
	OutcomeUnauthorized  = "unauthenticated"
	OutcomeInvalid       = "invalid_request"
	OutcomeNotFound      = "not_found"
	OutcomeInsufficient  = "insufficient_balance"
	OutcomeIntegrity     = "integrity_violation"
	OutcomeConflict      = "concurrent_modification"
	OutcomeAborted       = "aborted"
	OutcomeIrrecoverable = "irrecoverable"
	OutcomeError         = "error"
)

// Metrics holds the coordinator's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	outcomes      *prometheus.CounterVec
	compensations *prometheus.CounterVec
	duration      prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_outcomes_total",
			Help: "Settlement attempts by terminal outcome.",
		}, []string{"outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_compensations_total",
			Help: "Compensating actions by saga step and result.",
		}, []string{"step", "result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_duration_seconds",
			Help:    "Wall time of a settlement from actor check to terminal state.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.compensations, m.duration)
	}
	return m
}

func (m *Metrics) observe(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) compensation(step string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.compensations.WithLabelValues(step, result).Inc()
}
