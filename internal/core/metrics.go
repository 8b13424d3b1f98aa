package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"graphmerge/pkg/domain"
)

// Outcome classifies how a reconciliation request ended.
type Outcome string

const (
	// OutcomeApplied means a non-empty plan was committed.
	OutcomeApplied Outcome = "applied"
	// OutcomeUnchanged means the plan was empty.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomePlanned means a dry run produced a plan.
	OutcomePlanned Outcome = "planned"
	// OutcomeRejected means the incoming graph was refused before a plan existed.
	OutcomeRejected Outcome = "rejected"
	// OutcomeFailed means execution or a rule aborted the transaction.
	OutcomeFailed Outcome = "failed"
)

// MetricsRecorder receives one observation per service request.
type MetricsRecorder interface {
	Observe(ctx context.Context, outcome Outcome, plan domain.Plan, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, Outcome, domain.Plan, time.Duration) {}

// Metrics records service outcomes as Prometheus collectors.
type Metrics struct {
	plans      *prometheus.CounterVec
	operations *prometheus.CounterVec
	duration   prometheus.Histogram
}

// NewMetrics registers the collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		plans: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphmerge_plans_total",
			Help: "Reconciliation requests by outcome",
		}, []string{"outcome"}),
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphmerge_operations_total",
			Help: "Committed plan operations by kind",
		}, []string{"kind"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphmerge_reconcile_duration_seconds",
			Help:    "Time spent planning and applying a request",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
}

// Observe implements MetricsRecorder. Operations are only counted once they
// were committed.
func (m *Metrics) Observe(_ context.Context, outcome Outcome, plan domain.Plan, duration time.Duration) {
	m.plans.WithLabelValues(string(outcome)).Inc()
	m.duration.Observe(duration.Seconds())
	if outcome != OutcomeApplied {
		return
	}
	for _, op := range plan.Operations {
		m.operations.WithLabelValues(string(op.Kind)).Inc()
	}
}
