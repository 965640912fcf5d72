// Package vclock implements the per-entity version vector used to tell causal
// precedence apart from true concurrency.
//
// A node only ever increments its own entry. Merging takes the entrywise
// maximum, so merge is commutative, associative and idempotent. Vectors are
// values: every operation returns a new Vector and never mutates its inputs.
package vclock

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Ordering is the causal relationship between two vectors.
type Ordering int

const (
	// Equal means both vectors have identical entries.
	Equal Ordering = iota
	// Before means the first vector is dominated by the second.
	Before
	// After means the first vector dominates the second.
	After
	// Concurrent means neither vector dominates the other.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// Vector maps node id to the number of local revisions that node has made.
// A missing entry is the same as zero.
type Vector map[string]uint64

// New returns an empty vector.
func New() Vector {
	return Vector{}
}

// Clone returns an independent copy.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	maps.Copy(out, v)
	return out
}

// Get returns the counter for node.
func (v Vector) Get(node string) uint64 {
	return v[node]
}

// Increment returns a copy with node's entry advanced by one.
func (v Vector) Increment(node string) Vector {
	out := v.Clone()
	out[node]++
	return out
}

// Merge returns the entrywise maximum of v and other.
func (v Vector) Merge(other Vector) Vector {
	out := v.Clone()
	for node, n := range other {
		if n > out[node] {
			out[node] = n
		}
	}
	return out
}

// Compare reports how v relates causally to other.
func (v Vector) Compare(other Vector) Ordering {
	less, greater := false, false
	for node := range union(v, other) {
		a, b := v[node], other[node]
		if a < b {
			less = true
		} else if a > b {
			greater = true
		}
		if less && greater {
			return Concurrent
		}
	}
	switch {
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Dominates reports whether v is entrywise >= other and strictly greater in
// at least one entry.
func (v Vector) Dominates(other Vector) bool {
	return v.Compare(other) == After
}

// ConcurrentWith reports whether neither vector dominates the other.
func (v Vector) ConcurrentWith(other Vector) bool {
	return v.Compare(other) == Concurrent
}

// Equal reports entrywise equality, treating missing entries as zero.
func (v Vector) Equal(other Vector) bool {
	return v.Compare(other) == Equal
}

// Sum returns the total number of revisions across all nodes.
func (v Vector) Sum() uint64 {
	var total uint64
	for _, n := range v {
		total += n
	}
	return total
}

// Nodes returns the node ids with a non-zero entry, sorted.
func (v Vector) Nodes() []string {
	nodes := make([]string, 0, len(v))
	for node, n := range v {
		if n > 0 {
			nodes = append(nodes, node)
		}
	}
	slices.Sort(nodes)
	return nodes
}

// String renders the vector in its storage form, e.g. {"nodeA":4,"nodeB":1}.
func (v Vector) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return "{}"
	}
	return string(data)
}

// MarshalJSON writes entries in sorted key order and drops zero entries so
// equal vectors always serialize identically.
func (v Vector) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, node := range v.Nodes() {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(node)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		fmt.Fprintf(&b, ":%d", v[node])
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// UnmarshalJSON reads the storage form. null and empty input yield an empty vector.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var raw map[string]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal version vector: %w", err)
	}
	out := make(Vector, len(raw))
	for node, n := range raw {
		if n > 0 {
			out[node] = n
		}
	}
	*v = out
	return nil
}

// Parse reads the storage form.
func Parse(s string) (Vector, error) {
	if s == "" {
		return New(), nil
	}
	var v Vector
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func union(a, b Vector) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}
