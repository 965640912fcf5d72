package hlc

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// DefaultMaxSkew is how far a peer timestamp may run ahead of local wall time
// before it is reported as ClockSkewExceeded.
const DefaultMaxSkew = time.Minute

// SkewError describes a ClockSkewExceeded observation. It is never returned
// from Tick or Observe; the clock absorbs the skew and hands this value to the
// configured SkewObserver instead.
type SkewError struct {
	Local  uint64 // local wall time, ms
	Remote Timestamp
	Limit  time.Duration
}

func (e *SkewError) Error() string {
	return fmt.Sprintf("clock skew exceeded: remote %s is %s ahead of local wall time (limit %s)",
		e.Remote, e.Skew(), e.Limit)
}

// Skew returns how far the remote timestamp runs ahead of local wall time.
func (e *SkewError) Skew() time.Duration {
	if e.Remote.Physical <= e.Local {
		return 0
	}
	return time.Duration(e.Remote.Physical-e.Local) * time.Millisecond
}

// SkewObserver receives ClockSkewExceeded observations. It must not block.
type SkewObserver func(*SkewError)

// Clock is a hybrid logical clock owned by one node.
//
// Thread-safety: Tick, Observe and Update are safe for concurrent use. The
// critical section is a handful of integer comparisons and never touches I/O.
type Clock struct {
	mu       sync.Mutex
	node     string
	wall     func() time.Time
	maxSkew  time.Duration
	onSkew   SkewObserver
	physical uint64
	logical  uint32
}

// Option configures a Clock.
type Option func(*Clock)

// WithWallClock replaces time.Now as the physical time source.
func WithWallClock(now func() time.Time) Option {
	return func(c *Clock) { c.wall = now }
}

// WithMaxSkew sets the ClockSkewExceeded threshold. Zero disables reporting.
func WithMaxSkew(d time.Duration) Option {
	return func(c *Clock) { c.maxSkew = d }
}

// WithSkewObserver installs a callback for ClockSkewExceeded observations.
func WithSkewObserver(fn SkewObserver) Option {
	return func(c *Clock) { c.onSkew = fn }
}

// WithSeed folds a previously persisted timestamp into the initial state, so
// a restarted node never issues timestamps below what it issued before.
func WithSeed(ts Timestamp) Option {
	return func(c *Clock) { c.advanceTo(ts.Physical, ts.Logical) }
}

// NewClock creates a clock for nodeID.
func NewClock(nodeID string, opts ...Option) *Clock {
	c := &Clock{
		node:    nodeID,
		wall:    time.Now,
		maxSkew: DefaultMaxSkew,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NodeID returns the node this clock stamps timestamps with.
func (c *Clock) NodeID() string {
	return c.node
}

// Tick returns a timestamp strictly greater than every timestamp previously
// returned by Tick and every timestamp passed to Observe.
func (c *Clock) Tick() Timestamp {
	now := c.wallMillis()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now > c.physical {
		c.physical = now
		c.logical = 0
	} else {
		c.bump()
	}
	return Timestamp{Physical: c.physical, Logical: c.logical, Node: c.node}
}

// Observe folds a peer timestamp into local state without producing a tick.
// A subsequent Tick is guaranteed to be ordered after remote.
func (c *Clock) Observe(remote Timestamp) {
	now := c.wallMillis()
	c.checkSkew(now, remote)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceTo(remote.Physical, remote.Logical)
}

// Update observes remote and returns a fresh tick ordered after it.
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.Observe(remote)
	return c.Tick()
}

// Last returns the most recent state of the clock without advancing it.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Timestamp{Physical: c.physical, Logical: c.logical, Node: c.node}
}

// advanceTo raises the local state to (physical, logical) if it is ahead.
// Caller must hold mu (or be constructing the clock).
func (c *Clock) advanceTo(physical uint64, logical uint32) {
	if physical > c.physical || (physical == c.physical && logical > c.logical) {
		c.physical = physical
		c.logical = logical
	}
}

// bump increments the logical counter, carrying into physical time on overflow.
func (c *Clock) bump() {
	if c.logical == math.MaxUint32 {
		c.physical++
		c.logical = 0
		return
	}
	c.logical++
}

func (c *Clock) checkSkew(now uint64, remote Timestamp) {
	if c.maxSkew <= 0 || c.onSkew == nil {
		return
	}
	limit := uint64(c.maxSkew / time.Millisecond)
	if remote.Physical > now && remote.Physical-now > limit {
		c.onSkew(&SkewError{Local: now, Remote: remote, Limit: c.maxSkew})
	}
}

func (c *Clock) wallMillis() uint64 {
	ms := c.wall().UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}
