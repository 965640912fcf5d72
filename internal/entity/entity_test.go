package entity

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bizsync/internal/crdt"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/ir"
	"github.com/roach88/bizsync/internal/testutil"
	"github.com/roach88/bizsync/internal/vclock"
)

// nodes returns one clock per node sharing a manual wall clock.
func nodes(wall *testutil.ManualClock, ids ...string) map[string]*hlc.Clock {
	out := make(map[string]*hlc.Clock, len(ids))
	for _, id := range ids {
		out[id] = hlc.NewClock(id, hlc.WithWallClock(wall.Now))
	}
	return out
}

func mustMerge(t *testing.T, a, b Entity) Entity {
	t.Helper()
	m, err := a.Merge(b)
	require.NoError(t, err)
	return m
}

func setOp(field string, v ir.Value) Op { return Op{Field: field, Action: ActionSet, Value: v} }

func TestCreate_Customer(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	clocks := nodes(wall, "A")

	e, err := Create("cust-1", KindCustomer, clocks["A"], Mutation{
		setOp("name", ir.String("Acme")),
		setOp("credit_limit_cents", ir.Int(500000)),
		{Field: "loyalty_points", Action: ActionAdd, Value: ir.Int(50)},
		{Field: "tags", Action: ActionInsert, Value: ir.Strings("vip", "wholesale")},
	})
	require.NoError(t, err)

	assert.Equal(t, "cust-1", e.ID)
	assert.Equal(t, KindCustomer, e.Kind())
	assert.Equal(t, "A", e.NodeID)
	assert.Equal(t, hlc.Timestamp{Physical: 1000, Logical: 0, Node: "A"}, e.CreatedAt)
	assert.Equal(t, vclock.Vector{"A": 2}, e.Version)
	assert.False(t, e.IsDeleted)

	vals := e.Values()
	assert.Equal(t, "Acme", vals.Str("name"))
	assert.Equal(t, int64(500000), vals.Int("credit_limit_cents"))
	assert.Equal(t, int64(50), vals.Int("loyalty_points"))
	assert.Equal(t, ir.Strings("vip", "wholesale"), vals["tags"])
	assert.Equal(t, "", vals.Str("status"))
}

func TestNew_Errors(t *testing.T) {
	clock := hlc.NewClock("A")
	_, err := New("", KindCustomer, clock)
	assert.Error(t, err)
	_, err = New("x", Kind("widgets"), clock)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestEdit_Typed(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	clock := nodes(wall, "A")["A"]

	e, err := New("inv-1", KindInvoice, clock)
	require.NoError(t, err)

	e, err = Edit(e, clock, func(inv Invoice, t crdt.Ticker) (Invoice, error) {
		inv.Number = inv.Number.ApplyLocal("INV-001", t)
		inv.Status = inv.Status.ApplyLocal(InvoiceSent, t)
		inv.TotalCents = inv.TotalCents.ApplyLocal(125000, t)
		inv.AmountPaidCents = inv.AmountPaidCents.ApplyLocal(25000, t)
		return inv, nil
	})
	require.NoError(t, err)

	inv := e.Fields.(Invoice)
	assert.Equal(t, "INV-001", inv.Number.Value())
	assert.Equal(t, InvoiceSent, inv.Status.Value())
	assert.Equal(t, int64(25000), inv.AmountPaidCents.Value())
	assert.Equal(t, e.UpdatedAt, e.LatestFieldTime())
	assert.Equal(t, vclock.Vector{"A": 2}, e.Version)

	_, err = Edit(e, clock, func(c Customer, _ crdt.Ticker) (Customer, error) { return c, nil })
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestApply_RejectsInvalid(t *testing.T) {
	clock := hlc.NewClock("A")
	e, err := New("x", KindInvoice, clock)
	require.NoError(t, err)

	tests := []struct {
		name string
		op   Op
		want error
	}{
		{"unknown field", setOp("color", ir.String("red")), ErrUnknownField},
		{"bad enum", setOp("status", ir.String("overdue")), ErrInvalidValue},
		{"negative cents", setOp("total_cents", ir.Int(-1)), ErrInvalidValue},
		{"wrong type", setOp("total_cents", ir.String("10")), ErrInvalidValue},
		{"bad date", setOp("due_date", ir.String("31/12/2025")), ErrInvalidValue},
		{"counter delta type", Op{Field: "amount_paid_cents", Action: ActionAdd, Value: ir.String("5")}, ErrInvalidValue},
		{"empty set element", Op{Field: "items", Action: ActionInsert, Value: ir.String("")}, ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Apply(clock, Mutation{tt.op})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = e.Apply(clock, Mutation{{Field: "number", Action: ActionAdd, Value: ir.Int(1)}})
	assert.ErrorContains(t, err, "does not support")

	tax, err := New("t", KindTaxRate, clock)
	require.NoError(t, err)
	_, err = tax.Apply(clock, Mutation{setOp("rate_bps", ir.Int(10_001))})
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestMerge_ConcurrentCounterScenario(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	clocks := nodes(wall, "A", "B")

	base, err := New("cust-1", KindCustomer, clocks["A"])
	require.NoError(t, err)

	atA, err := base.Apply(clocks["A"], Mutation{{Field: "loyalty_points", Action: ActionAdd, Value: ir.Int(50)}})
	require.NoError(t, err)
	atB, err := base.Apply(clocks["B"], Mutation{{Field: "loyalty_points", Action: ActionAdd, Value: ir.Int(75)}})
	require.NoError(t, err)

	assert.True(t, atA.Version.ConcurrentWith(atB.Version))
	assert.Equal(t, int64(125), mustMerge(t, atA, atB).Values().Int("loyalty_points"))
	assert.Equal(t, int64(125), mustMerge(t, atB, atA).Values().Int("loyalty_points"))
}

func TestMerge_HeaderRules(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	clocks := nodes(wall, "A", "B")

	base, err := New("c", KindCustomer, clocks["A"])
	require.NoError(t, err)
	wall.Advance(10 * time.Millisecond)
	atA, err := base.Apply(clocks["A"], Mutation{setOp("name", ir.String("Y"))})
	require.NoError(t, err)
	wall.Advance(10 * time.Millisecond)
	atB, err := base.Apply(clocks["B"], Mutation{setOp("email", ir.String("b@example.com"))})
	require.NoError(t, err)

	m := mustMerge(t, atA, atB)
	assert.Equal(t, base.CreatedAt, m.CreatedAt)
	assert.Equal(t, atB.UpdatedAt, m.UpdatedAt)
	assert.Equal(t, "B", m.NodeID)
	assert.Equal(t, vclock.Vector{"A": 2, "B": 1}, m.Version)
	assert.Equal(t, "Y", m.Values().Str("name"))
	assert.Equal(t, "b@example.com", m.Values().Str("email"))
	assert.False(t, m.UpdatedAt.Before(m.LatestFieldTime()))
}

func TestMerge_TombstoneIsSticky(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	clocks := nodes(wall, "A", "B")

	base, err := New("c", KindCustomer, clocks["A"])
	require.NoError(t, err)

	deleted := base.Delete(clocks["A"])
	wall.Advance(time.Second)
	updated, err := base.Apply(clocks["B"], Mutation{setOp("name", ir.String("later edit"))})
	require.NoError(t, err)

	assert.True(t, mustMerge(t, deleted, updated).IsDeleted)
	assert.True(t, mustMerge(t, updated, deleted).IsDeleted)

	_, err = deleted.Apply(clocks["A"], Mutation{setOp("name", ir.String("x"))})
	assert.ErrorIs(t, err, ErrDeleted)
}

func TestRecreate_SupersedesTombstone(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	clocks := nodes(wall, "A", "B")

	base, err := Create("c", KindCustomer, clocks["A"], Mutation{setOp("name", ir.String("Old"))})
	require.NoError(t, err)
	deleted := base.Delete(clocks["A"])

	_, err = base.Recreate(clocks["A"], nil)
	assert.Error(t, err, "only tombstones can be recreated")

	back, err := deleted.Recreate(clocks["A"], Mutation{setOp("name", ir.String("New"))})
	require.NoError(t, err)
	assert.False(t, back.IsDeleted)
	assert.Equal(t, uint32(1), back.Incarnation)
	assert.True(t, back.Version.Dominates(deleted.Version))

	// A peer still holding the tombstone, or a stale concurrent edit of the
	// old incarnation, does not undo the recreation.
	stale, err := base.Apply(clocks["B"], Mutation{setOp("name", ir.String("Stale"))})
	require.NoError(t, err)
	for _, other := range []Entity{deleted, stale, mustMerge(t, deleted, stale)} {
		m := mustMerge(t, other, back)
		assert.False(t, m.IsDeleted)
		assert.Equal(t, "New", m.Values().Str("name"))
		assert.True(t, m.Equal(mustMerge(t, back, other)))
	}
}

func TestMerge_Mismatch(t *testing.T) {
	clock := hlc.NewClock("A")
	a, err := New("a", KindCustomer, clock)
	require.NoError(t, err)
	b, err := New("b", KindCustomer, clock)
	require.NoError(t, err)
	c, err := New("a", KindInvoice, clock)
	require.NoError(t, err)

	_, err = a.Merge(b)
	assert.ErrorIs(t, err, ErrIDMismatch)
	_, err = a.Merge(c)
	assert.ErrorIs(t, err, ErrKindMismatch)
}

// randomMutation picks one op valid for kind.
func randomMutation(r *rand.Rand, kind Kind) Mutation {
	words := []string{"a", "b", "c", "d"}
	w := words[r.Intn(len(words))]
	switch kind {
	case KindCustomer:
		switch r.Intn(5) {
		case 0:
			return Mutation{setOp("name", ir.String("name-"+w))}
		case 1:
			return Mutation{{Field: "loyalty_points", Action: ActionAdd, Value: ir.Int(int64(r.Intn(21) - 10))}}
		case 2:
			return Mutation{{Field: "tags", Action: ActionInsert, Value: ir.String(w)}}
		case 3:
			return Mutation{{Field: "tags", Action: ActionRemove, Value: ir.String(w)}}
		default:
			return Mutation{setOp("status", ir.String(CustomerInactive))}
		}
	case KindInvoice:
		switch r.Intn(4) {
		case 0:
			return Mutation{setOp("status", ir.String([]string{InvoiceDraft, InvoiceSent, InvoicePaid}[r.Intn(3)]))}
		case 1:
			return Mutation{{Field: "amount_paid_cents", Action: ActionAdd, Value: ir.Int(int64(r.Intn(1000)))}}
		case 2:
			return Mutation{{Field: "items", Action: ActionInsert, Value: ir.String("item-" + w)}}
		default:
			return Mutation{setOp("total_cents", ir.Int(int64(r.Intn(100000))))}
		}
	case KindTransaction:
		if r.Intn(2) == 0 {
			return Mutation{setOp("state", ir.String(TransactionPosted))}
		}
		return Mutation{{Field: "labels", Action: ActionInsert, Value: ir.String(w)}}
	default:
		if r.Intn(2) == 0 {
			return Mutation{setOp("rate_bps", ir.Int(int64(r.Intn(10_000))))}
		}
		return Mutation{{Field: "regions", Action: ActionInsert, Value: ir.String(w)}}
	}
}

// replicas builds three divergent revisions of one entity on nodes A, B, C.
func replicas(t *testing.T, r *rand.Rand, kind Kind) (Entity, Entity, Entity) {
	t.Helper()
	return diverge(t, r, kind, false)
}

// diverge is replicas with optional recreation of tombstones, so revisions
// may span incarnations.
func diverge(t *testing.T, r *rand.Rand, kind Kind, recreate bool) (Entity, Entity, Entity) {
	t.Helper()
	wall := testutil.NewManualClock(1000)
	clocks := nodes(wall, "A", "B", "C")
	base, err := New("e-1", kind, clocks["A"])
	require.NoError(t, err)

	out := map[string]Entity{"A": base, "B": base, "C": base}
	for step := 0; step < 12; step++ {
		node := []string{"A", "B", "C"}[r.Intn(3)]
		wall.Advance(time.Duration(r.Intn(3)-1) * time.Millisecond)
		e := out[node]
		switch r.Intn(10) {
		case 0:
			out[node] = e.Delete(clocks[node])
		case 1:
			// partial sync from another node
			peer := out[[]string{"A", "B", "C"}[r.Intn(3)]]
			out[node] = mustMerge(t, e, peer)
		default:
			if e.IsDeleted {
				if recreate && r.Intn(2) == 0 {
					back, err := e.Recreate(clocks[node], randomMutation(r, kind))
					require.NoError(t, err)
					out[node] = back
				}
				continue
			}
			next, err := e.Apply(clocks[node], randomMutation(r, kind))
			require.NoError(t, err)
			out[node] = next
		}
	}
	return out["A"], out["B"], out["C"]
}

func TestMerge_Laws(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for _, kind := range Kinds() {
		for i := 0; i < 40; i++ {
			t.Run(fmt.Sprintf("%s/%d", kind, i), func(t *testing.T) {
				a, b, c := replicas(t, r, kind)

				ab, ba := mustMerge(t, a, b), mustMerge(t, b, a)
				assert.True(t, ab.Equal(ba), "commutative")

				left := mustMerge(t, ab, c)
				right := mustMerge(t, a, mustMerge(t, b, c))
				assert.True(t, left.Equal(right), "associative")

				assert.True(t, mustMerge(t, a, a).Equal(a), "idempotent")

				assert.False(t, left.UpdatedAt.Before(left.LatestFieldTime()), "updated_at covers fields")
				assert.Equal(t, a.IsDeleted || b.IsDeleted || c.IsDeleted, left.IsDeleted, "tombstone sticky")

				fa, err := left.Fingerprint()
				require.NoError(t, err)
				fb, err := right.Fingerprint()
				require.NoError(t, err)
				assert.Equal(t, fa, fb)
			})
		}
	}
}

func TestMerge_LawsAcrossIncarnations(t *testing.T) {
	r := rand.New(rand.NewSource(19))
	covers := func(t *testing.T, merged, in Entity) {
		t.Helper()
		assert.Contains(t, []vclock.Ordering{vclock.After, vclock.Equal}, merged.Version.Compare(in.Version),
			"version %s covers %s", merged.Version, in.Version)
		assert.False(t, merged.UpdatedAt.Before(in.UpdatedAt), "updated_at never goes back")
		assert.GreaterOrEqual(t, merged.Incarnation, in.Incarnation)
	}
	mixed := 0
	for _, kind := range Kinds() {
		for i := 0; i < 60; i++ {
			t.Run(fmt.Sprintf("%s/%d", kind, i), func(t *testing.T) {
				a, b, c := diverge(t, r, kind, true)
				if a.Incarnation != b.Incarnation || b.Incarnation != c.Incarnation {
					mixed++
				}

				ab, ba := mustMerge(t, a, b), mustMerge(t, b, a)
				assert.True(t, ab.Equal(ba), "commutative")
				assert.True(t, mustMerge(t, a, a).Equal(a), "idempotent")
				assert.True(t, mustMerge(t, ab, a).Equal(ab), "absorbs an input")

				left := mustMerge(t, ab, c)
				right := mustMerge(t, a, mustMerge(t, b, c))
				assert.True(t, left.Equal(right), "associative")

				for _, in := range []Entity{a, b, c} {
					covers(t, left, in)
				}
				assert.False(t, left.UpdatedAt.Before(left.LatestFieldTime()), "updated_at covers fields")
				assert.Equal(t, left.UpdatedAt.Node, left.NodeID)
			})
		}
	}
	assert.NotZero(t, mixed, "generator never mixed incarnations")
}

func TestMerge_NewerIncarnationKeepsHeaderOfBoth(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	clocks := nodes(wall, "A", "B", "C")

	base, err := Create("c", KindCustomer, clocks["A"], Mutation{setOp("name", ir.String("Acme"))})
	require.NoError(t, err)
	back, err := base.Delete(clocks["A"]).Recreate(clocks["B"], Mutation{setOp("name", ir.String("Back"))})
	require.NoError(t, err)

	wall.Advance(time.Hour)
	stale := base
	for i := 0; i < 3; i++ {
		stale, err = stale.Apply(clocks["C"], Mutation{{Field: "loyalty_points", Action: ActionAdd, Value: ir.Int(1)}})
		require.NoError(t, err)
	}

	m := mustMerge(t, stale, back)
	assert.Equal(t, uint32(1), m.Incarnation)
	assert.Equal(t, "Back", m.Values().Str("name"))
	assert.Zero(t, m.Values().Int("loyalty_points"))
	assert.False(t, m.IsDeleted)
	assert.Equal(t, uint64(3), m.Version.Get("C"))
	assert.True(t, m.Version.Dominates(stale.Version))
	assert.True(t, m.Version.Dominates(back.Version))
	assert.Equal(t, stale.UpdatedAt, m.UpdatedAt)
	assert.Equal(t, "C", m.NodeID)
	assert.Equal(t, back.CreatedAt, m.CreatedAt)
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	a, b, _ := replicas(t, r, KindCustomer)
	beforeA, err := json.Marshal(a)
	require.NoError(t, err)
	beforeB, err := json.Marshal(b)
	require.NoError(t, err)

	_ = mustMerge(t, a, b)

	afterA, err := json.Marshal(a)
	require.NoError(t, err)
	afterB, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, string(beforeA), string(afterA))
	assert.Equal(t, string(beforeB), string(afterB))
}

func TestJSON_RoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for _, kind := range Kinds() {
		a, _, _ := replicas(t, r, kind)
		data, err := json.Marshal(a)
		require.NoError(t, err)

		var back Entity
		require.NoError(t, json.Unmarshal(data, &back))
		assert.True(t, back.Equal(a), "kind %s", kind)
	}
}

func TestDecodeFields_EmptyBlob(t *testing.T) {
	f, err := DecodeFields(KindTaxRate, nil)
	require.NoError(t, err)
	assert.Equal(t, KindTaxRate, f.Kind())

	_, err = DecodeFields(KindTaxRate, []byte(`{"rate_bps":`))
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	wall := testutil.NewManualClock(1700000000000)
	clock := nodes(wall, "A")["A"]
	e, err := Create("tax-gst", KindTaxRate, clock, Mutation{
		setOp("code", ir.String("GST")),
		setOp("rate_bps", ir.Int(1800)),
		setOp("active", ir.Bool(true)),
		{Field: "regions", Action: ActionInsert, Value: ir.Strings("KA", "MH")},
	})
	require.NoError(t, err)

	snap := e.Snapshot()
	canonical, err := ir.MarshalCanonical(snap)
	require.NoError(t, err)
	assert.Equal(t,
		`{"created_at":"1700000000000-0-A","fields":{"active":true,"code":"GST","name":"","rate_bps":1800,"regions":["KA","MH"]},`+
			`"id":"tax-gst","incarnation":0,"is_deleted":false,"kind":"tax_rates","node_id":"A",`+
			`"updated_at":"1700000000000-5-A","version":{"A":2}}`,
		string(canonical))
}

func TestParseAssignments(t *testing.T) {
	m, err := ParseAssignments(KindCustomer, []string{
		"name=Acme = Co",
		"loyalty_points+=50",
		"loyalty_points-=5",
		"tags+=vip",
		"tags-=old",
		"credit_limit_cents=100000",
	})
	require.NoError(t, err)
	assert.Equal(t, Mutation{
		{Field: "name", Action: ActionSet, Value: ir.String("Acme = Co")},
		{Field: "loyalty_points", Action: ActionAdd, Value: ir.Int(50)},
		{Field: "loyalty_points", Action: ActionAdd, Value: ir.Int(-5)},
		{Field: "tags", Action: ActionInsert, Value: ir.String("vip")},
		{Field: "tags", Action: ActionRemove, Value: ir.String("old")},
		{Field: "credit_limit_cents", Action: ActionSet, Value: ir.Int(100000)},
	}, m)

	m, err = ParseAssignments(KindTaxRate, []string{"active=true"})
	require.NoError(t, err)
	assert.Equal(t, ir.Bool(true), m[0].Value)

	for _, bad := range []string{"name", "=x", "nope=1", "loyalty_points=5", "name+=x", "credit_limit_cents=ten"} {
		_, err := ParseAssignments(KindCustomer, []string{bad})
		assert.Error(t, err, bad)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("invoice")
	require.NoError(t, err)
	assert.Equal(t, KindInvoice, k)
	_, err = ParseKind("widget")
	assert.Error(t, err)
	assert.Equal(t, []string{"code", "name", "rate_bps", "active", "regions"}, FieldNames(KindTaxRate))

	fk, ok := FieldKindOf(KindInvoice, "amount_paid_cents")
	assert.True(t, ok)
	assert.Equal(t, CounterField, fk)
}
