package ledger

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ledger",
			Name:      "mutations_total",
			Help:      "Operation mutations submitted to RecordOps, by kind and outcome",
		},
		[]string{"kind", "result"},
	)
	propagationSteps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ledger",
			Name:      "propagation_steps",
			Help:      "Downstream records re-evaluated per mutation before convergence",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"topology"},
	)
	auditIssues = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ledger",
			Name:      "audit_issues",
			Help:      "Discrepancies found by the most recent Verify run",
		},
	)
)

func mutationKind(m OpMutation) string {
	switch {
	case m.Before == nil:
		return "insert"
	case m.After == nil:
		return "delete"
	default:
		return "edit"
	}
}

func mutationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidMutation):
		return "invalid"
	default:
		return "error"
	}
}
