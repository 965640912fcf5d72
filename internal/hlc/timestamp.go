package hlc

import (
	"fmt"
	"strconv"
	"strings"
)

// Timestamp is a single hybrid logical clock reading.
type Timestamp struct {
	Physical uint64 // unix milliseconds
	Logical  uint32
	Node     string
}

// Compare returns -1, 0 or 1. Order: Physical, Logical, Node.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Physical < o.Physical:
		return -1
	case t.Physical > o.Physical:
		return 1
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	}
	return strings.Compare(t.Node, o.Node)
}

func (t Timestamp) Before(o Timestamp) bool { return t.Compare(o) < 0 }
func (t Timestamp) After(o Timestamp) bool  { return t.Compare(o) > 0 }

// IsZero reports whether t is the zero timestamp (never produced by a Clock).
func (t Timestamp) IsZero() bool {
	return t.Physical == 0 && t.Logical == 0 && t.Node == ""
}

// String renders the storage form "<physical_ms>-<logical_counter>-<node_id>".
func (t Timestamp) String() string {
	return fmt.Sprintf("%d-%d-%s", t.Physical, t.Logical, t.Node)
}

// Parse reads the storage form produced by String. Node ids may themselves
// contain dashes; only the first two separate fields.
func Parse(s string) (Timestamp, error) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return Timestamp{}, fmt.Errorf("parse hlc %q: expected <ms>-<counter>-<node>", s)
	}
	physical, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse hlc %q: physical: %w", s, err)
	}
	logical, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse hlc %q: logical: %w", s, err)
	}
	if parts[2] == "" {
		return Timestamp{}, fmt.Errorf("parse hlc %q: empty node id", s)
	}
	return Timestamp{Physical: physical, Logical: uint32(logical), Node: parts[2]}, nil
}

// MustParse is like Parse but panics on error.
// Use only in tests or with literals known to be valid.
func MustParse(s string) Timestamp {
	ts, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ts
}

// MarshalText implements encoding.TextMarshaler so JSON carries the string form.
// The zero timestamp encodes as an empty string.
func (t Timestamp) MarshalText() ([]byte, error) {
	if t.IsZero() {
		return []byte{}, nil
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Timestamp) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*t = Timestamp{}
		return nil
	}
	ts, err := Parse(string(data))
	if err != nil {
		return err
	}
	*t = ts
	return nil
}

// Max returns the later of a and b.
func Max(a, b Timestamp) Timestamp {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}
