package crdt

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/roach88/bizsync/internal/hlc"
)

// Counter is a PN-counter: per-node increment and decrement totals.
// The logical value is sum(increments) - sum(decrements).
type Counter struct {
	inc     map[string]uint64
	dec     map[string]uint64
	updated hlc.Timestamp
}

// NewCounter returns a zero counter.
func NewCounter() Counter {
	return Counter{inc: map[string]uint64{}, dec: map[string]uint64{}}
}

// Value returns the logical value.
func (c Counter) Value() int64 {
	var total int64
	for _, n := range c.inc {
		total += int64(n)
	}
	for _, n := range c.dec {
		total -= int64(n)
	}
	return total
}

// Timestamp returns the latest timestamp of any operation folded into c.
func (c Counter) Timestamp() hlc.Timestamp {
	return c.updated
}

// ApplyLocal returns the next local revision with delta added. Negative
// deltas are recorded as decrements. The owning node is taken from the
// timestamp the clock hands out.
func (c Counter) ApplyLocal(delta int64, clock Ticker) Counter {
	ts := clock.Tick()
	if delta >= 0 {
		return c.Increment(ts.Node, uint64(delta), ts)
	}
	return c.Decrement(ts.Node, uint64(-delta), ts)
}

// Increment returns a copy with node's increment total raised by n.
func (c Counter) Increment(node string, n uint64, ts hlc.Timestamp) Counter {
	out := c.clone()
	if n > 0 {
		out.inc[node] += n
	}
	out.updated = hlc.Max(out.updated, ts)
	return out
}

// Decrement returns a copy with node's decrement total raised by n.
func (c Counter) Decrement(node string, n uint64, ts hlc.Timestamp) Counter {
	out := c.clone()
	if n > 0 {
		out.dec[node] += n
	}
	out.updated = hlc.Max(out.updated, ts)
	return out
}

// Merge takes the entrywise maximum of both maps.
func (c Counter) Merge(other Counter) Counter {
	out := c.clone()
	for node, n := range other.inc {
		if n > out.inc[node] {
			out.inc[node] = n
		}
	}
	for node, n := range other.dec {
		if n > out.dec[node] {
			out.dec[node] = n
		}
	}
	out.updated = hlc.Max(c.updated, other.updated)
	return out
}

// Equal compares per-node state, not just the logical value.
func (c Counter) Equal(other Counter) bool {
	return c.updated == other.updated &&
		equalTotals(c.inc, other.inc) &&
		equalTotals(c.dec, other.dec)
}

func (c Counter) clone() Counter {
	out := Counter{
		inc:     make(map[string]uint64, len(c.inc)),
		dec:     make(map[string]uint64, len(c.dec)),
		updated: c.updated,
	}
	maps.Copy(out.inc, c.inc)
	maps.Copy(out.dec, c.dec)
	return out
}

func equalTotals(a, b map[string]uint64) bool {
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	for k, v := range b {
		if a[k] != v {
			return false
		}
	}
	return true
}

type counterJSON struct {
	Inc     map[string]uint64 `json:"inc"`
	Dec     map[string]uint64 `json:"dec"`
	Updated hlc.Timestamp     `json:"updated"`
}

// MarshalJSON implements json.Marshaler.
func (c Counter) MarshalJSON() ([]byte, error) {
	raw := counterJSON{Inc: c.inc, Dec: c.dec, Updated: c.updated}
	if raw.Inc == nil {
		raw.Inc = map[string]uint64{}
	}
	if raw.Dec == nil {
		raw.Dec = map[string]uint64{}
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Counter) UnmarshalJSON(data []byte) error {
	var raw counterJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal counter: %w", err)
	}
	out := NewCounter()
	for node, n := range raw.Inc {
		if n > 0 {
			out.inc[node] = n
		}
	}
	for node, n := range raw.Dec {
		if n > 0 {
			out.dec[node] = n
		}
	}
	out.updated = raw.Updated
	*c = out
	return nil
}
