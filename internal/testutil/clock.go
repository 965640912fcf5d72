package testutil

import (
	"sync"
	"time"
)

// ManualClock is a wall-clock source that only moves when told to.
//
// Pass its Now method to hlc.WithWallClock to get reproducible timestamps.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock reading the given unix milliseconds.
func NewManualClock(unixMillis int64) *ManualClock {
	return &ManualClock{now: time.UnixMilli(unixMillis)}
}

// Now returns the current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward (or backward, for negative d).
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to the given unix milliseconds.
func (c *ManualClock) Set(unixMillis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(unixMillis)
}
