package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDs generates predictable ids: "<prefix>-1", "<prefix>-2", ...
//
// Used in place of UUIDv7 generation so transaction ids, review ids and
// golden output are byte-identical across runs.
//
// Thread-safety: SequenceIDs is safe for concurrent use via internal mutex.
type SequenceIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDs creates a generator. An empty prefix defaults to "id".
func NewSequenceIDs(prefix string) *SequenceIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequenceIDs{prefix: prefix}
}

// NewID returns the next id.
func (g *SequenceIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
