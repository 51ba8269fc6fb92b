// Package metrics defines the Prometheus collectors for the coin
// engine. Collectors are registered once via promauto and shared by the
// API layer and the audit scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationDuration tracks the latency of each coin operation by
	// outcome. "op" is allocate, reallocate, expire, recycle, grant;
	// "status" is ok or error.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coin",
		Name:      "operation_duration_seconds",
		Help:      "Duration of coin engine operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "status"})

	// AuditRuns counts conservation audit executions by outcome.
	AuditRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coin",
		Name:      "audit_runs_total",
		Help:      "Conservation audit runs by outcome.",
	}, []string{"status"})

	// ConservationViolations counts individual failed audit checks.
	// Any increase here pages someone.
	ConservationViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coin",
		Name:      "conservation_violations_total",
		Help:      "Individual conservation check failures.",
	}, []string{"campaign", "check"})
)

// Status returns the metric label for an operation outcome.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
