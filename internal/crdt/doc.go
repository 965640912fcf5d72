// Package crdt provides the conflict-free replicated primitives business
// records are built from:
//
//   - Register[T]: last-write-wins register ordered by HLC timestamp
//   - Counter: increment/decrement (PN) counter with per-node totals
//   - Set[T]: observed-remove set with unique add tags
//
// Every primitive is a value. Local operations and Merge return a new value
// and never mutate the receiver or the argument, so the same revision can be
// merged concurrently by any number of goroutines.
//
// Merge is commutative, associative and idempotent for all three types.
package crdt

import "github.com/roach88/bizsync/internal/hlc"

// Ticker hands out fresh timestamps for local operations. *hlc.Clock
// implements it.
type Ticker interface {
	Tick() hlc.Timestamp
}
