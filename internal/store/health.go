package store

import (
	"context"
	"fmt"
	"os"
	"time"
)

// AlertLevel grades a health finding.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is one finding from Thresholds.Check.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Message string     `json:"message"`
}

// HealthReport is a point-in-time view of the database file.
type HealthReport struct {
	Path          string        `json:"path"`
	SizeBytes     int64         `json:"size_bytes"`
	WALBytes      int64         `json:"wal_bytes"`
	PageCount     int64         `json:"page_count"`
	PageSize      int64         `json:"page_size"`
	FreelistCount int64         `json:"freelist_count"`
	Fragmentation float64       `json:"fragmentation_percent"`
	IntegrityOK   bool          `json:"integrity_ok"`
	Integrity     string        `json:"integrity"`
	Latency       time.Duration `json:"latency"`
	Alerts        []Alert       `json:"alerts,omitempty"`
}

// Thresholds bound an acceptable HealthReport.
type Thresholds struct {
	MaxLatency       time.Duration
	MaxFragmentation float64 // percent
	MaxSizeBytes     int64
	MaxWALBytes      int64
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxLatency:       time.Second,
		MaxFragmentation: 20,
		MaxSizeBytes:     500 << 20,
		MaxWALBytes:      50 << 20,
	}
}

// Check grades r. An integrity failure is critical, a large WAL is only
// informational.
func (t Thresholds) Check(r HealthReport) []Alert {
	var out []Alert
	if t.MaxLatency > 0 && r.Latency > t.MaxLatency {
		out = append(out, Alert{AlertWarning,
			fmt.Sprintf("high response time: %s (threshold: %s)", r.Latency, t.MaxLatency)})
	}
	if t.MaxFragmentation > 0 && r.Fragmentation > t.MaxFragmentation {
		out = append(out, Alert{AlertWarning,
			fmt.Sprintf("high fragmentation: %.2f%% (threshold: %.0f%%)", r.Fragmentation, t.MaxFragmentation)})
	}
	if t.MaxSizeBytes > 0 && r.SizeBytes > t.MaxSizeBytes {
		out = append(out, Alert{AlertWarning,
			fmt.Sprintf("large database: %.2fMB (threshold: %dMB)", mb(r.SizeBytes), t.MaxSizeBytes>>20)})
	}
	if !r.IntegrityOK {
		out = append(out, Alert{AlertCritical, "integrity check failed: " + r.Integrity})
	}
	if t.MaxWALBytes > 0 && r.WALBytes > t.MaxWALBytes {
		out = append(out, Alert{AlertInfo,
			fmt.Sprintf("large WAL file: %.2fMB (consider checkpoint)", mb(r.WALBytes))})
	}
	return out
}

// Healthy reports whether no warning or critical alert is present.
func (r HealthReport) Healthy() bool {
	for _, a := range r.Alerts {
		if a.Level != AlertInfo {
			return false
		}
	}
	return true
}

func mb(n int64) float64 { return float64(n) / (1 << 20) }

// Health probes the database and grades the result against t.
func (s *Store) Health(ctx context.Context, t Thresholds) (HealthReport, error) {
	r := HealthReport{Path: s.path}

	start := time.Now()
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return r, fmt.Errorf("health probe: %w", err)
	}
	r.Latency = time.Since(start)

	pragmas := []struct {
		name string
		dst  *int64
	}{
		{"page_count", &r.PageCount},
		{"page_size", &r.PageSize},
		{"freelist_count", &r.FreelistCount},
	}
	for _, p := range pragmas {
		if err := s.db.QueryRowContext(ctx, "PRAGMA "+p.name).Scan(p.dst); err != nil {
			return r, fmt.Errorf("health %s: %w", p.name, err)
		}
	}
	r.Fragmentation = float64(r.FreelistCount) / float64(max(r.PageCount, 1)) * 100

	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&r.Integrity); err != nil {
		return r, fmt.Errorf("health quick_check: %w", err)
	}
	r.IntegrityOK = r.Integrity == "ok"

	r.SizeBytes = fileSize(s.path)
	if r.SizeBytes == 0 {
		r.SizeBytes = r.PageCount * r.PageSize
	}
	r.WALBytes = fileSize(s.path + "-wal")

	r.Alerts = t.Check(r)
	return r, nil
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
