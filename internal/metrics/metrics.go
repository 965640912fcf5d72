// Package metrics holds the Prometheus instruments for a node.
//
// All instruments register on an injected registry so tests and multiple
// in-process nodes never collide on the global default registry. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bizsync"

// Metrics holds all Prometheus metrics for a node.
type Metrics struct {
	// Clock
	ClockSkewTotal   prometheus.Counter
	ClockSkewSeconds prometheus.Histogram

	// Conflict resolution
	ConflictsTotal      *prometheus.CounterVec // table, kind
	ResolutionsTotal    *prometheus.CounterVec // table, strategy
	ManualReviewsTotal  *prometheus.CounterVec // table
	ResolveBatchSeconds prometheus.Histogram

	// Transactions
	TransactionsTotal        *prometheus.CounterVec // isolation, outcome
	TransactionDuration      prometheus.Histogram
	TransactionOpsTotal      *prometheus.CounterVec // table, kind
	RollbackFailuresTotal    prometheus.Counter
	IntegrityViolationsTotal prometheus.Counter

	// Side channels
	AuditFailuresTotal *prometheus.CounterVec // sink

	// Replica
	RemoteAppliedTotal *prometheus.CounterVec // table, outcome
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
}

// New creates and registers all metrics on reg, labelled with nodeID.
func New(reg prometheus.Registerer, nodeID string) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		ClockSkewTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "clock",
			Name:        "skew_exceeded_total",
			Help:        "Remote timestamps observed beyond the configured max skew",
			ConstLabels: labels,
		}),
		ClockSkewSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "clock",
			Name:        "skew_seconds",
			Help:        "How far skewed remote timestamps ran ahead of local wall time",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(60, 2, 10), // 1m to ~8.5h
		}),

		ConflictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "conflict",
			Name:        "detected_total",
			Help:        "Conflicts detected by table and kind",
			ConstLabels: labels,
		}, []string{"table", "kind"}),
		ResolutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "conflict",
			Name:        "resolutions_total",
			Help:        "Resolutions by table and strategy",
			ConstLabels: labels,
		}, []string{"table", "strategy"}),
		ManualReviewsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "conflict",
			Name:        "manual_reviews_total",
			Help:        "Conflicts deferred to human review",
			ConstLabels: labels,
		}, []string{"table"}),
		ResolveBatchSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "conflict",
			Name:        "resolve_batch_seconds",
			Help:        "Duration of parallel batch resolution",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		TransactionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "total",
			Help:        "Finished transactions by isolation level and outcome",
			ConstLabels: labels,
		}, []string{"isolation", "outcome"}),
		TransactionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "duration_seconds",
			Help:        "Time from begin to commit or rollback",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		TransactionOpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "operations_total",
			Help:        "Operations executed inside transactions",
			ConstLabels: labels,
		}, []string{"table", "kind"}),
		RollbackFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "rollback_failures_total",
			Help:        "Engine-level rollback errors that were logged and swallowed",
			ConstLabels: labels,
		}),
		IntegrityViolationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "txn",
			Name:        "integrity_violations_total",
			Help:        "Commits rejected by integrity validation",
			ConstLabels: labels,
		}),

		AuditFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "events",
			Name:        "sink_failures_total",
			Help:        "Audit event deliveries that failed without failing the primary operation",
			ConstLabels: labels,
		}, []string{"sink"}),

		RemoteAppliedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replica",
			Name:        "remote_applied_total",
			Help:        "Remote revisions applied by table and outcome",
			ConstLabels: labels,
		}, []string{"table", "outcome"}),
		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Entity cache hits",
			ConstLabels: labels,
		}),
		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Entity cache misses",
			ConstLabels: labels,
		}),
	}
}

// ObserveSkew records a ClockSkewExceeded observation.
func (m *Metrics) ObserveSkew(skew time.Duration) {
	if m == nil {
		return
	}
	m.ClockSkewTotal.Inc()
	m.ClockSkewSeconds.Observe(skew.Seconds())
}

// Conflict records a detected conflict.
func (m *Metrics) Conflict(table, kind string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(table, kind).Inc()
}

// Resolution records an applied strategy.
func (m *Metrics) Resolution(table, strategy string, manual bool) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(table, strategy).Inc()
	if manual {
		m.ManualReviewsTotal.WithLabelValues(table).Inc()
	}
}

// BatchResolved records the duration of a parallel batch.
func (m *Metrics) BatchResolved(d time.Duration) {
	if m == nil {
		return
	}
	m.ResolveBatchSeconds.Observe(d.Seconds())
}

// TransactionDone records a finished transaction.
func (m *Metrics) TransactionDone(isolation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(isolation, outcome).Inc()
	m.TransactionDuration.Observe(d.Seconds())
}

// TransactionOp records one executed operation.
func (m *Metrics) TransactionOp(table, kind string) {
	if m == nil {
		return
	}
	m.TransactionOpsTotal.WithLabelValues(table, kind).Inc()
}

// RollbackFailed records a swallowed rollback error.
func (m *Metrics) RollbackFailed() {
	if m == nil {
		return
	}
	m.RollbackFailuresTotal.Inc()
}

// IntegrityViolation records a rejected commit.
func (m *Metrics) IntegrityViolation() {
	if m == nil {
		return
	}
	m.IntegrityViolationsTotal.Inc()
}

// AuditFailed records a failed event delivery.
func (m *Metrics) AuditFailed(sink string) {
	if m == nil {
		return
	}
	m.AuditFailuresTotal.WithLabelValues(sink).Inc()
}

// RemoteApplied records the outcome of applying one remote revision.
func (m *Metrics) RemoteApplied(table, outcome string) {
	if m == nil {
		return
	}
	m.RemoteAppliedTotal.WithLabelValues(table, outcome).Inc()
}

// CacheHit records an entity cache lookup.
func (m *Metrics) CacheHit(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.Inc()
		return
	}
	m.CacheMissesTotal.Inc()
}
