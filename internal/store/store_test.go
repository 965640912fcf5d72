package store

import (
	"context"
	"database/sql/driver"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
	if s.Driver() != DriverCGO {
		t.Errorf("Driver() = %q, want %q", s.Driver(), DriverCGO)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{
		"customers", "invoices", "accounting_transactions", "tax_rates",
		"ledger_lines", "conflict_reviews", "tx_journal", "node_meta",
	}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	tests := []struct {
		name     string
		expected string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"}, // NORMAL
		{"foreign_keys", "1"},
		{"busy_timeout", "5000"},
	}
	for _, tt := range tests {
		if err := s.verifyPragma(tt.name, tt.expected); err != nil {
			t.Error(err)
		}
	}
}

func TestOpen_CustomBusyTimeout(t *testing.T) {
	s := createTestStore(t, WithBusyTimeout(1500 * time.Millisecond))
	if err := s.verifyPragma("busy_timeout", "1500"); err != nil {
		t.Error(err)
	}
}

func TestOpen_UserVersion(t *testing.T) {
	s := createTestStore(t)
	var v int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if v != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", v, currentSchemaVersion)
	}

	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='index' AND name='idx_invoices_live'",
	).Scan(&name)
	if err != nil {
		t.Errorf("migration index missing: %v", err)
	}
}

func TestOpen_PureGoDriver(t *testing.T) {
	s := createTestStore(t, WithDriver(DriverPureGo))
	if s.Driver() != DriverPureGo {
		t.Errorf("Driver() = %q", s.Driver())
	}
	if err := s.verifyPragma("foreign_keys", "1"); err != nil {
		t.Error(err)
	}
}

func TestOpen_PragmasSurviveDiscardedConnection(t *testing.T) {
	for _, driverName := range []string{DriverCGO, DriverPureGo} {
		t.Run(driverName, func(t *testing.T) {
			s := createTestStore(t, WithDriver(driverName), WithBusyTimeout(2500*time.Millisecond))
			ctx := context.Background()

			conn, err := s.db.Conn(ctx)
			if err != nil {
				t.Fatalf("Conn() failed: %v", err)
			}
			if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
				t.Fatalf("disable foreign keys: %v", err)
			}
			// Returning ErrBadConn drops the connection from the pool.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
			conn.Close()

			for name, want := range map[string]string{
				"foreign_keys": "1",
				"busy_timeout": "2500",
				"synchronous":  "1",
			} {
				if err := s.verifyPragma(name, want); err != nil {
					t.Errorf("replacement connection: %v", err)
				}
			}
		})
	}
}

func TestDSN(t *testing.T) {
	got := dsn(DriverCGO, "/data/node.db", 5*time.Second)
	want := "/data/node.db?_busy_timeout=5000&_foreign_keys=1&_journal_mode=WAL&_synchronous=NORMAL"
	if got != want {
		t.Errorf("dsn(cgo) = %q, want %q", got, want)
	}

	got = dsn(DriverPureGo, "/data/node.db", time.Second)
	for _, part := range []string{"_pragma=foreign_keys%281%29", "_pragma=busy_timeout%281000%29"} {
		if !strings.Contains(got, part) {
			t.Errorf("dsn(pure go) = %q, missing %q", got, part)
		}
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "x.db"), WithDriver("postgres"))
	if err == nil {
		t.Fatal("Open() with unknown driver should fail")
	}
}

func TestClose_Twice(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	// sql.DB.Close is idempotent
	if err := s.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}
