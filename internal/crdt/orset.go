package crdt

import (
	"encoding/json"
	"fmt"
	"slices"

	"golang.org/x/exp/constraints"

	"github.com/roach88/bizsync/internal/hlc"
)

// Tag identifies one add operation. The timestamp carries the adding node,
// so (node, HLC) uniqueness comes for free from the clock.
type Tag = hlc.Timestamp

// Set is an observed-remove set. An element is present when at least one of
// its add tags has not been removed. Concurrent add and remove of the same
// element resolve to present, because the remove only covers tags it saw.
type Set[T constraints.Ordered] struct {
	adds    map[T]map[Tag]struct{}
	removed map[Tag]struct{}
	updated hlc.Timestamp
}

// NewSet returns an empty set.
func NewSet[T constraints.Ordered]() Set[T] {
	return Set[T]{adds: map[T]map[Tag]struct{}{}, removed: map[Tag]struct{}{}}
}

// SetOf returns a set holding elems, each added under its own tick of
// clock. Used when importing legacy rows that carry no tag history.
func SetOf[T constraints.Ordered](clock Ticker, elems ...T) Set[T] {
	s := NewSet[T]()
	for _, e := range elems {
		s = s.Add(e, clock)
	}
	return s
}

// Contains reports whether elem has a live tag.
func (s Set[T]) Contains(elem T) bool {
	for tag := range s.adds[elem] {
		if _, gone := s.removed[tag]; !gone {
			return true
		}
	}
	return false
}

// Elements returns live elements in ascending order.
func (s Set[T]) Elements() []T {
	out := make([]T, 0, len(s.adds))
	for elem := range s.adds {
		if s.Contains(elem) {
			out = append(out, elem)
		}
	}
	slices.Sort(out)
	return out
}

// Len returns the number of live elements.
func (s Set[T]) Len() int {
	n := 0
	for elem := range s.adds {
		if s.Contains(elem) {
			n++
		}
	}
	return n
}

// Timestamp returns the latest timestamp of any operation folded into s.
func (s Set[T]) Timestamp() hlc.Timestamp {
	return s.updated
}

// Add returns a copy with elem added under a fresh tag.
func (s Set[T]) Add(elem T, clock Ticker) Set[T] {
	return s.AddTagged(elem, clock.Tick())
}

// AddTagged returns a copy with elem added under tag.
func (s Set[T]) AddTagged(elem T, tag Tag) Set[T] {
	out := s.clone()
	tags, ok := out.adds[elem]
	if !ok {
		tags = map[Tag]struct{}{}
		out.adds[elem] = tags
	}
	tags[tag] = struct{}{}
	out.updated = hlc.Max(out.updated, tag)
	return out
}

// Remove returns a copy with every currently observed tag of elem removed.
// Removing an absent element only advances the timestamp.
func (s Set[T]) Remove(elem T, clock Ticker) Set[T] {
	out := s.clone()
	for tag := range out.adds[elem] {
		out.removed[tag] = struct{}{}
	}
	out.updated = hlc.Max(out.updated, clock.Tick())
	return out
}

// Merge unions add tags and removed tags.
func (s Set[T]) Merge(other Set[T]) Set[T] {
	out := s.clone()
	for elem, tags := range other.adds {
		dst, ok := out.adds[elem]
		if !ok {
			dst = make(map[Tag]struct{}, len(tags))
			out.adds[elem] = dst
		}
		for tag := range tags {
			dst[tag] = struct{}{}
		}
	}
	for tag := range other.removed {
		out.removed[tag] = struct{}{}
	}
	out.updated = hlc.Max(s.updated, other.updated)
	return out
}

// Equal compares full tag state.
func (s Set[T]) Equal(other Set[T]) bool {
	if s.updated != other.updated || len(s.adds) != len(other.adds) || len(s.removed) != len(other.removed) {
		return false
	}
	for tag := range s.removed {
		if _, ok := other.removed[tag]; !ok {
			return false
		}
	}
	for elem, tags := range s.adds {
		otags, ok := other.adds[elem]
		if !ok || len(otags) != len(tags) {
			return false
		}
		for tag := range tags {
			if _, ok := otags[tag]; !ok {
				return false
			}
		}
	}
	return true
}

func (s Set[T]) clone() Set[T] {
	out := Set[T]{
		adds:    make(map[T]map[Tag]struct{}, len(s.adds)),
		removed: make(map[Tag]struct{}, len(s.removed)),
		updated: s.updated,
	}
	for elem, tags := range s.adds {
		cp := make(map[Tag]struct{}, len(tags))
		for tag := range tags {
			cp[tag] = struct{}{}
		}
		out.adds[elem] = cp
	}
	for tag := range s.removed {
		out.removed[tag] = struct{}{}
	}
	return out
}

type setEntryJSON[T constraints.Ordered] struct {
	Elem T     `json:"elem"`
	Tags []Tag `json:"tags"`
}

type setJSON[T constraints.Ordered] struct {
	Adds    []setEntryJSON[T] `json:"adds"`
	Removed []Tag             `json:"removed"`
	Updated hlc.Timestamp     `json:"updated"`
}

// MarshalJSON writes elements and tags in sorted order so equal sets encode
// to equal bytes.
func (s Set[T]) MarshalJSON() ([]byte, error) {
	raw := setJSON[T]{
		Adds:    make([]setEntryJSON[T], 0, len(s.adds)),
		Removed: sortedTags(s.removed),
		Updated: s.updated,
	}
	elems := make([]T, 0, len(s.adds))
	for elem := range s.adds {
		elems = append(elems, elem)
	}
	slices.Sort(elems)
	for _, elem := range elems {
		raw.Adds = append(raw.Adds, setEntryJSON[T]{Elem: elem, Tags: sortedTags(s.adds[elem])})
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Set[T]) UnmarshalJSON(data []byte) error {
	var raw setJSON[T]
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal set: %w", err)
	}
	out := NewSet[T]()
	for _, entry := range raw.Adds {
		tags := make(map[Tag]struct{}, len(entry.Tags))
		for _, tag := range entry.Tags {
			tags[tag] = struct{}{}
		}
		out.adds[entry.Elem] = tags
	}
	for _, tag := range raw.Removed {
		out.removed[tag] = struct{}{}
	}
	out.updated = raw.Updated
	*s = out
	return nil
}

func sortedTags(m map[Tag]struct{}) []Tag {
	out := make([]Tag, 0, len(m))
	for tag := range m {
		out = append(out, tag)
	}
	slices.SortFunc(out, Tag.Compare)
	return out
}
