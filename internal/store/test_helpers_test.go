package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/bizsync/internal/entity"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/testutil"
	"github.com/roach88/bizsync/internal/txn"
)

// createTestStore creates a new store in a temp dir.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testClock returns an HLC for node driven by a manual wall clock.
func testClock(node string) (*hlc.Clock, *testutil.ManualClock) {
	wall := testutil.NewManualClock(1_700_000_000_000)
	return hlc.NewClock(node, hlc.WithWallClock(wall.Now)), wall
}

func newTestManager(t *testing.T, s *Store, clock *hlc.Clock, opts ...txn.Option) *txn.Manager {
	t.Helper()
	ids := testutil.NewSequenceIDs("tx")
	return txn.NewManager(s.DB(), clock, append([]txn.Option{txn.WithIDs(ids.NewID)}, opts...)...)
}

// mustRun runs fn in a committed transaction.
func mustRun(t *testing.T, m *txn.Manager, fn func(ctx context.Context, tx *txn.Tx) error) {
	t.Helper()
	if err := m.Run(context.Background(), txn.ReadCommitted, fn); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
}

func setOp(field string, v ir.Value) entity.Op {
	return entity.Op{Field: field, Action: entity.ActionSet, Value: v}
}

// createCustomer builds the first revision of a customer.
func createCustomer(t *testing.T, clock *hlc.Clock, id, name string) entity.Entity {
	t.Helper()
	e, err := entity.Create(id, entity.KindCustomer, clock, entity.Mutation{
		setOp("name", ir.String(name)),
		{Field: "tags", Action: entity.ActionInsert, Value: ir.Array{ir.String("vip")}},
	})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	return e
}
