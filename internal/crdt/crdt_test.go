package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/testutil"
)

func ts(physical uint64, logical uint32, node string) hlc.Timestamp {
	return hlc.Timestamp{Physical: physical, Logical: logical, Node: node}
}

// fixedTicker hands out the timestamps it was given, in order.
type fixedTicker struct {
	next []hlc.Timestamp
}

func (f *fixedTicker) Tick() hlc.Timestamp {
	t := f.next[0]
	f.next = f.next[1:]
	return t
}

func tick(stamps ...hlc.Timestamp) *fixedTicker {
	return &fixedTicker{next: stamps}
}

func TestRegister_LWWScenario(t *testing.T) {
	base := NewRegister("X", ts(100, 0, "A"))

	atA := base.ApplyLocal("Y", tick(ts(150, 0, "A")))
	atB := base.ApplyLocal("Z", tick(ts(140, 0, "B")))

	assert.Equal(t, "Y", atA.Merge(atB).Value())
	assert.Equal(t, "Y", atB.Merge(atA).Value())
	assert.Equal(t, "X", base.Value(), "base revision untouched")
}

func TestRegister_NodeBreaksPhysicalTie(t *testing.T) {
	a := NewRegister(1, ts(100, 0, "A"))
	b := NewRegister(2, ts(100, 0, "B"))

	assert.Equal(t, 2, a.Merge(b).Value())
	assert.Equal(t, 2, b.Merge(a).Value())
}

func TestRegister_MergeLaws(t *testing.T) {
	a := NewRegister("a", ts(10, 0, "A"))
	b := NewRegister("b", ts(10, 1, "B"))
	c := NewRegister("c", ts(9, 5, "C"))

	assert.True(t, a.Merge(b).Equal(b.Merge(a)))
	assert.True(t, a.Merge(b).Merge(c).Equal(a.Merge(b.Merge(c))))
	assert.True(t, a.Merge(a).Equal(a))
}

func TestRegister_CorruptTieIsOrderIndependent(t *testing.T) {
	same := ts(10, 0, "A")
	a := NewRegister("left", same)
	b := NewRegister("right", same)
	assert.Equal(t, a.Merge(b).Value(), b.Merge(a).Value())
}

func TestRegister_JSON(t *testing.T) {
	r := NewRegister(int64(4200), ts(100, 2, "A"))
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":4200,"ts":"100-2-A"}`, string(data))

	var back Register[int64]
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Equal(r))
}

func TestCounter_ConcurrentIncrementScenario(t *testing.T) {
	base := NewCounter()
	atA := base.ApplyLocal(50, tick(ts(100, 0, "A")))
	atB := base.ApplyLocal(75, tick(ts(101, 0, "B")))

	assert.Equal(t, int64(125), atA.Merge(atB).Value())
	assert.Equal(t, int64(125), atB.Merge(atA).Value())
	assert.Equal(t, int64(0), base.Value())
}

func TestCounter_Decrement(t *testing.T) {
	c := NewCounter().
		ApplyLocal(100, tick(ts(1, 0, "A"))).
		ApplyLocal(-30, tick(ts(2, 0, "A")))
	assert.Equal(t, int64(70), c.Value())

	other := NewCounter().ApplyLocal(-5, tick(ts(3, 0, "B")))
	assert.Equal(t, int64(65), c.Merge(other).Value())
}

func TestCounter_MergeNeverRegresses(t *testing.T) {
	older := NewCounter().Increment("A", 10, ts(1, 0, "A"))
	newer := older.Increment("A", 5, ts(2, 0, "A"))

	merged := newer.Merge(older)
	assert.Equal(t, int64(15), merged.Value())
	assert.Equal(t, ts(2, 0, "A"), merged.Timestamp())
}

func TestCounter_MergeLaws(t *testing.T) {
	a := NewCounter().Increment("A", 3, ts(1, 0, "A"))
	b := NewCounter().Increment("B", 4, ts(2, 0, "B")).Decrement("B", 1, ts(3, 0, "B"))
	c := NewCounter().Increment("A", 7, ts(4, 0, "A"))

	assert.True(t, a.Merge(b).Equal(b.Merge(a)))
	assert.True(t, a.Merge(b).Merge(c).Equal(a.Merge(b.Merge(c))))
	assert.True(t, a.Merge(a).Equal(a))
	assert.Equal(t, int64(13), a.Merge(b).Merge(c).Value())
}

func TestCounter_JSON(t *testing.T) {
	c := NewCounter().Increment("A", 3, ts(1, 0, "A")).Decrement("B", 1, ts(2, 0, "B"))
	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"inc":{"A":3},"dec":{"B":1},"updated":"2-0-B"}`, string(data))

	var back Counter
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Equal(c))
	assert.Equal(t, int64(2), back.Value())
}

func TestSet_UnionScenario(t *testing.T) {
	base := NewSet[string]()
	atA := base.Add("vip", tick(ts(100, 0, "A")))
	atB := base.
		Add("premium", tick(ts(101, 0, "B"))).
		Add("vip", tick(ts(102, 0, "B")))

	merged := atA.Merge(atB)
	assert.Equal(t, []string{"premium", "vip"}, merged.Elements())
	assert.Equal(t, 2, merged.Len())
	assert.True(t, merged.Equal(atB.Merge(atA)))
}

func TestSet_RemoveThenReAdd(t *testing.T) {
	s := NewSet[string]().Add("vip", tick(ts(1, 0, "A")))
	s = s.Remove("vip", tick(ts(2, 0, "A")))
	assert.False(t, s.Contains("vip"))
	assert.Equal(t, 0, s.Len())

	s = s.Add("vip", tick(ts(3, 0, "A")))
	assert.True(t, s.Contains("vip"))
}

func TestSet_ConcurrentAddSurvivesRemove(t *testing.T) {
	base := NewSet[string]().Add("vip", tick(ts(1, 0, "A")))

	removedAtA := base.Remove("vip", tick(ts(5, 0, "A")))
	readdedAtB := base.Add("vip", tick(ts(4, 0, "B")))

	merged := removedAtA.Merge(readdedAtB)
	assert.True(t, merged.Contains("vip"), "remove only covers tags it observed")
}

func TestSet_RemoveAbsentIsHarmless(t *testing.T) {
	s := NewSet[int]().Remove(7, tick(ts(1, 0, "A")))
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, ts(1, 0, "A"), s.Timestamp())
}

func TestSet_MergeLaws(t *testing.T) {
	a := NewSet[string]().Add("x", tick(ts(1, 0, "A")))
	b := NewSet[string]().Add("y", tick(ts(2, 0, "B"))).Remove("y", tick(ts(3, 0, "B")))
	c := a.Remove("x", tick(ts(4, 0, "C"))).Add("z", tick(ts(5, 0, "C")))

	assert.True(t, a.Merge(b).Equal(b.Merge(a)))
	assert.True(t, a.Merge(b).Merge(c).Equal(a.Merge(b.Merge(c))))
	assert.True(t, c.Merge(c).Equal(c))
	assert.Equal(t, []string{"z"}, a.Merge(b).Merge(c).Elements())
}

func TestSet_JSONIsDeterministic(t *testing.T) {
	s := NewSet[string]().
		Add("b", tick(ts(2, 0, "A"))).
		Add("a", tick(ts(1, 0, "A"))).
		Add("a", tick(ts(1, 0, "B")))
	s = s.Remove("b", tick(ts(3, 0, "A")))

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"adds":[
			{"elem":"a","tags":["1-0-A","1-0-B"]},
			{"elem":"b","tags":["2-0-A"]}
		],
		"removed":["2-0-A"],
		"updated":"3-0-A"
	}`, string(data))

	var back Set[string]
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Equal(s))
	assert.Equal(t, []string{"a"}, back.Elements())

	again, err := json.Marshal(back)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestSetOf(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	clock := hlc.NewClock("A", hlc.WithWallClock(wall.Now))

	s := SetOf[string](clock, "on", "nsw", "vic")
	assert.Equal(t, []string{"nsw", "on", "vic"}, s.Elements())
	assert.Equal(t, clock.Last(), s.Timestamp())

	// Later ticks on the same node never reuse a seeded tag, so removing a
	// seeded element leaves a re-add untouched.
	later := s.Add("tas", clock).Remove("on", clock)
	assert.True(t, later.Contains("tas"))
	assert.False(t, later.Contains("on"))
	seen := map[Tag]string{}
	for elem, tags := range later.adds {
		for tag := range tags {
			prev, dup := seen[tag]
			assert.False(t, dup, "tag %s shared by %q and %q", tag, prev, elem)
			seen[tag] = elem
		}
	}
	assert.Len(t, seen, 4)
}

func TestPrimitives_WithRealClock(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	clock := hlc.NewClock("A", hlc.WithWallClock(wall.Now))

	r := NewRegister("", hlc.Timestamp{}).ApplyLocal("first", clock)
	r2 := r.ApplyLocal("second", clock)
	assert.True(t, r2.Timestamp().After(r.Timestamp()))
	assert.Equal(t, "second", r.Merge(r2).Value())

	c := NewCounter().ApplyLocal(2, clock).ApplyLocal(3, clock)
	assert.Equal(t, int64(5), c.Value())
	assert.Equal(t, clock.Last(), c.Timestamp())
}
