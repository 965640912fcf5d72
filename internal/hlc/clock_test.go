package hlc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bizsync/internal/testutil"
)

func newTestClock(node string, wall *testutil.ManualClock, opts ...Option) *Clock {
	return NewClock(node, append([]Option{WithWallClock(wall.Now)}, opts...)...)
}

func TestClock_TickUsesWallTime(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	c := newTestClock("A", wall)

	ts := c.Tick()
	assert.Equal(t, Timestamp{Physical: 1000, Logical: 0, Node: "A"}, ts)

	wall.Advance(5 * time.Millisecond)
	ts = c.Tick()
	assert.Equal(t, Timestamp{Physical: 1005, Logical: 0, Node: "A"}, ts)
}

func TestClock_StalledWallTimeIncrementsLogical(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	c := newTestClock("A", wall)

	first := c.Tick()
	second := c.Tick()
	third := c.Tick()

	assert.Equal(t, uint32(0), first.Logical)
	assert.Equal(t, uint32(1), second.Logical)
	assert.Equal(t, uint32(2), third.Logical)
	assert.True(t, first.Before(second))
	assert.True(t, second.Before(third))
}

func TestClock_BackwardWallTimeNeverRegresses(t *testing.T) {
	wall := testutil.NewManualClock(5000)
	c := newTestClock("A", wall)

	before := c.Tick()
	wall.Advance(-3 * time.Second)
	after := c.Tick()

	assert.True(t, after.After(before))
	assert.Equal(t, uint64(5000), after.Physical, "physical time must not regress")
}

func TestClock_ObserveOrdersNextTickAfterRemote(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	c := newTestClock("A", wall)

	remote := Timestamp{Physical: 2000, Logical: 7, Node: "B"}
	c.Observe(remote)

	// Observe does not produce a visible tick
	assert.Equal(t, uint64(2000), c.Last().Physical)

	next := c.Tick()
	assert.True(t, next.After(remote), "tick %s should follow observed %s", next, remote)
	assert.Equal(t, Timestamp{Physical: 2000, Logical: 8, Node: "A"}, next)
}

func TestClock_ObserveOlderTimestampIsNoop(t *testing.T) {
	wall := testutil.NewManualClock(5000)
	c := newTestClock("A", wall)
	c.Tick()

	c.Observe(Timestamp{Physical: 10, Logical: 99, Node: "B"})
	assert.Equal(t, Timestamp{Physical: 5000, Logical: 0, Node: "A"}, c.Last())
}

func TestClock_ObserveEqualPhysicalHigherNode(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	c := newTestClock("A", wall)
	c.Tick() // (1000,0,A)

	remote := Timestamp{Physical: 1000, Logical: 0, Node: "Z"}
	c.Observe(remote)
	next := c.Tick()
	assert.True(t, next.After(remote))
}

func TestClock_UpdateReturnsTickAfterRemote(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	c := newTestClock("A", wall)

	remote := Timestamp{Physical: 1500, Logical: 3, Node: "B"}
	ts := c.Update(remote)
	assert.True(t, ts.After(remote))
	assert.Equal(t, "A", ts.Node)
}

func TestClock_MonotonicAcrossMixedOperations(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	c := newTestClock("A", wall)

	var seen []Timestamp
	remotes := []Timestamp{
		{Physical: 900, Logical: 0, Node: "B"},
		{Physical: 1200, Logical: 4, Node: "C"},
		{Physical: 1200, Logical: 4, Node: "B"},
		{Physical: 3000, Logical: 0, Node: "D"},
	}
	for i := 0; i < 20; i++ {
		switch i % 4 {
		case 0:
			wall.Advance(-time.Millisecond)
		case 1:
			c.Observe(remotes[(i/4)%len(remotes)])
			seen = append(seen, remotes[(i/4)%len(remotes)])
		case 2:
			wall.Advance(2 * time.Millisecond)
		}
		ts := c.Tick()
		for _, prev := range seen {
			require.True(t, ts.After(prev), "step %d: %s must follow %s", i, ts, prev)
		}
		seen = append(seen, ts)
	}
}

func TestClock_LogicalOverflowCarriesIntoPhysical(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	c := newTestClock("A", wall, WithSeed(Timestamp{Physical: 1000, Logical: ^uint32(0), Node: "A"}))

	ts := c.Tick()
	assert.Equal(t, uint64(1001), ts.Physical)
	assert.Equal(t, uint32(0), ts.Logical)
}

func TestClock_SeedPreventsReuseAfterRestart(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	persisted := Timestamp{Physical: 4000, Logical: 2, Node: "A"}

	c := newTestClock("A", wall, WithSeed(persisted))
	assert.True(t, c.Tick().After(persisted))
}

func TestClock_SkewObserverReportsButAbsorbs(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	var reports []*SkewError
	c := newTestClock("A", wall,
		WithMaxSkew(time.Second),
		WithSkewObserver(func(e *SkewError) { reports = append(reports, e) }),
	)

	// Within limit: no report
	c.Observe(Timestamp{Physical: 1500, Node: "B"})
	assert.Empty(t, reports)

	// Beyond limit: reported, still absorbed
	far := Timestamp{Physical: 10_000, Node: "C"}
	c.Observe(far)
	require.Len(t, reports, 1)
	assert.Equal(t, 9*time.Second, reports[0].Skew())
	assert.Contains(t, reports[0].Error(), "clock skew exceeded")
	assert.True(t, c.Tick().After(far))
}

func TestClock_SkewReportingDisabled(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	called := false
	c := newTestClock("A", wall,
		WithMaxSkew(0),
		WithSkewObserver(func(*SkewError) { called = true }),
	)
	c.Observe(Timestamp{Physical: 1 << 40, Node: "B"})
	assert.False(t, called)
}

func TestClock_ConcurrentTicksAreUnique(t *testing.T) {
	wall := testutil.NewManualClock(1000)
	c := newTestClock("A", wall)

	const workers = 16
	const perWorker = 200

	results := make([][]Timestamp, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if j%10 == 0 {
					c.Observe(Timestamp{Physical: 1000, Logical: uint32(j), Node: "B"})
				}
				results[idx] = append(results[idx], c.Tick())
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[Timestamp]bool, workers*perWorker)
	for _, rs := range results {
		for i, ts := range rs {
			require.False(t, seen[ts], "duplicate timestamp %s", ts)
			seen[ts] = true
			if i > 0 {
				require.True(t, ts.After(rs[i-1]), "per-goroutine order must be increasing")
			}
		}
	}
}
