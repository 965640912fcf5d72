package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/roach88/bizsync/internal/txn"
)

func TestHealth_FreshDatabase(t *testing.T) {
	s := createTestStore(t)

	r, err := s.Health(context.Background(), DefaultThresholds())
	if err != nil {
		t.Fatalf("Health() failed: %v", err)
	}
	if !r.IntegrityOK || r.Integrity != "ok" {
		t.Errorf("integrity = %q", r.Integrity)
	}
	if r.PageCount <= 0 || r.PageSize <= 0 {
		t.Errorf("pages = %d x %d", r.PageCount, r.PageSize)
	}
	if r.SizeBytes <= 0 {
		t.Errorf("size = %d", r.SizeBytes)
	}
	if !r.Healthy() {
		t.Errorf("fresh database unhealthy: %+v", r.Alerts)
	}
}

func TestThresholds_Check(t *testing.T) {
	th := DefaultThresholds()

	bad := HealthReport{
		Latency:       2 * time.Second,
		Fragmentation: 35,
		SizeBytes:     600 << 20,
		WALBytes:      64 << 20,
		IntegrityOK:   false,
		Integrity:     "row 3 missing from index",
	}
	alerts := th.Check(bad)
	levels := map[AlertLevel]int{}
	for _, a := range alerts {
		levels[a.Level]++
	}
	if levels[AlertWarning] != 3 || levels[AlertCritical] != 1 || levels[AlertInfo] != 1 {
		t.Errorf("alerts = %+v", alerts)
	}

	walOnly := HealthReport{IntegrityOK: true, Integrity: "ok", WALBytes: 64 << 20}
	walOnly.Alerts = th.Check(walOnly)
	if len(walOnly.Alerts) != 1 || !walOnly.Healthy() {
		t.Errorf("WAL growth alone should be informational: %+v", walOnly.Alerts)
	}
}

func TestCollector(t *testing.T) {
	s := createTestStore(t)
	clock, _ := testClock("A")
	m := newTestManager(t, s, clock)
	mustRun(t, m, func(ctx context.Context, tx *txn.Tx) error {
		return SaveEntity(ctx, tx, createCustomer(t, clock, "cust-1", "Acme"))
	})

	c := NewCollector(s, "A")
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	if n := promtest.CollectAndCount(c, "bizsync_store_rows"); n != 8 {
		t.Errorf("row series = %d, want 8", n)
	}

	expected := `
# HELP bizsync_store_pending_reviews Conflicts waiting for a manual decision
# TYPE bizsync_store_pending_reviews gauge
bizsync_store_pending_reviews{node_id="A"} 0
# HELP bizsync_store_scrape_errors 1 if the last scrape failed to read the database
# TYPE bizsync_store_scrape_errors gauge
bizsync_store_scrape_errors{node_id="A"} 0
`
	if err := promtest.GatherAndCompare(reg, strings.NewReader(expected),
		"bizsync_store_pending_reviews", "bizsync_store_scrape_errors"); err != nil {
		t.Error(err)
	}

	live, err := promtest.GatherAndCount(reg, "bizsync_store_rows")
	if err != nil || live != 8 {
		t.Errorf("GatherAndCount() = %d, %v", live, err)
	}
}
