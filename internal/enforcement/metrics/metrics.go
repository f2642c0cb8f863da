// Package metrics defines Prometheus instrumentation for the enforcement
// pipeline. All recording methods are nil-safe so services can run without
// metrics in tests.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors for enforcement decisions, store failover,
// reputation lookups and background refresh runs.
type Metrics struct {
	decisionsTotal     *prometheus.CounterVec
	rejectionsTotal    *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec

	storeFailoversTotal  prometheus.Counter
	storeRecoveriesTotal prometheus.Counter
	fallbackOpsTotal     *prometheus.CounterVec

	abuseFlagsTotal *prometheus.CounterVec

	reputationLookupsTotal *prometheus.CounterVec
	intelRequestDuration   prometheus.Histogram

	refreshRunsTotal     *prometheus.CounterVec
	refreshSubjectsTotal prometheus.Counter
}

var (
	instance *Metrics
	once     sync.Once
)

// New returns the process-wide metrics instance. Collectors are registered
// with the default registry exactly once.
func New() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			decisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bastion_decisions_total",
				Help: "Enforcement decisions by action and outcome.",
			}, []string{"action", "outcome"}),
			rejectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bastion_rejections_total",
				Help: "Rejected requests by action and reason code.",
			}, []string{"action", "reason"}),
			evaluationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "bastion_evaluation_duration_seconds",
				Help:    "Duration of the full enforcement pipeline.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			}, []string{"action"}),
			storeFailoversTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "bastion_store_failovers_total",
				Help: "Times the primary store circuit opened.",
			}),
			storeRecoveriesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "bastion_store_recoveries_total",
				Help: "Times the primary store circuit closed again.",
			}),
			fallbackOpsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bastion_store_fallback_ops_total",
				Help: "Operations served by the in-process fallback store.",
			}, []string{"op"}),
			abuseFlagsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bastion_abuse_flags_total",
				Help: "Subjects crossing the abuse threshold by action.",
			}, []string{"action"}),
			reputationLookupsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bastion_reputation_lookups_total",
				Help: "Reputation classifications by result and origin.",
			}, []string{"classification", "origin"}),
			intelRequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "bastion_intel_request_duration_seconds",
				Help:    "Duration of threat intelligence provider calls.",
				Buckets: []float64{.05, .1, .25, .5, 1, 2, 3, 5},
			}),
			refreshRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "bastion_refresh_runs_total",
				Help: "Reputation refresh worker runs by result.",
			}, []string{"result"}),
			refreshSubjectsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "bastion_refresh_subjects_total",
				Help: "Subjects re-classified by the refresh worker.",
			}),
		}
	})
	return instance
}

// RecordDecision records an enforcement decision outcome ("allowed",
// "rejected" or "silent").
func (m *Metrics) RecordDecision(action, outcome string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordRejection records a rejected request with its reason code.
func (m *Metrics) RecordRejection(action, reason string) {
	if m == nil {
		return
	}
	m.rejectionsTotal.WithLabelValues(action, reason).Inc()
}

// ObserveEvaluation records the duration of one pipeline evaluation.
func (m *Metrics) ObserveEvaluation(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluationDuration.WithLabelValues(action).Observe(d.Seconds())
}

// RecordFailover records the circuit opening against the primary store.
func (m *Metrics) RecordFailover() {
	if m == nil {
		return
	}
	m.storeFailoversTotal.Inc()
}

// RecordRecovery records the circuit closing after the primary recovered.
func (m *Metrics) RecordRecovery() {
	if m == nil {
		return
	}
	m.storeRecoveriesTotal.Inc()
}

// RecordFallbackOp records one operation served by the fallback store.
func (m *Metrics) RecordFallbackOp(op string) {
	if m == nil {
		return
	}
	m.fallbackOpsTotal.WithLabelValues(op).Inc()
}

// RecordAbuseFlag records a subject crossing the abuse threshold.
func (m *Metrics) RecordAbuseFlag(action string) {
	if m == nil {
		return
	}
	m.abuseFlagsTotal.WithLabelValues(action).Inc()
}

// RecordReputationLookup records a classification result and where it came
// from ("cache", "intel", "override" or "unavailable").
func (m *Metrics) RecordReputationLookup(classification, origin string) {
	if m == nil {
		return
	}
	m.reputationLookupsTotal.WithLabelValues(classification, origin).Inc()
}

// ObserveIntelRequest records the duration of one intel provider call.
func (m *Metrics) ObserveIntelRequest(d time.Duration) {
	if m == nil {
		return
	}
	m.intelRequestDuration.Observe(d.Seconds())
}

// RecordRefreshRun records a refresh worker run ("success" or "error").
func (m *Metrics) RecordRefreshRun(result string) {
	if m == nil {
		return
	}
	m.refreshRunsTotal.WithLabelValues(result).Inc()
}

// RecordRefreshSubjects adds to the count of re-classified subjects.
func (m *Metrics) RecordRefreshSubjects(n int) {
	if m == nil {
		return
	}
	m.refreshSubjectsTotal.Add(float64(n))
}
