package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordsOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "A")

	m.Conflict("invoices", "concurrent")
	m.Conflict("invoices", "concurrent")
	m.Resolution("invoices", "manual_review", true)
	m.TransactionDone("serializable", "committed", 5*time.Millisecond)
	m.RollbackFailed()
	m.AuditFailed("file")
	m.ObserveSkew(2 * time.Minute)
	m.CacheHit(true)
	m.CacheHit(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("invoices", "concurrent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ManualReviewsTotal.WithLabelValues("invoices")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsTotal.WithLabelValues("serializable", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RollbackFailuresTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditFailuresTotal.WithLabelValues("file")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClockSkewTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheHitsTotal))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_SeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry(), "A")
		New(prometheus.NewRegistry(), "B")
	})
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Conflict("t", "k")
		m.Resolution("t", "s", true)
		m.BatchResolved(time.Second)
		m.TransactionDone("i", "o", time.Second)
		m.TransactionOp("t", "insert")
		m.RollbackFailed()
		m.IntegrityViolation()
		m.AuditFailed("s")
		m.RemoteApplied("t", "merged")
		m.ObserveSkew(time.Minute)
		m.CacheHit(true)
	})
}
