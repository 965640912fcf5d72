package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/roach88/bizsync/internal/hlc"
)

// Register is a last-write-wins register.
type Register[T any] struct {
	value T
	ts    hlc.Timestamp
}

// NewRegister creates a register holding v written at ts.
func NewRegister[T any](v T, ts hlc.Timestamp) Register[T] {
	return Register[T]{value: v, ts: ts}
}

// Value returns the current value.
func (r Register[T]) Value() T {
	return r.value
}

// Timestamp returns when the current value was written.
func (r Register[T]) Timestamp() hlc.Timestamp {
	return r.ts
}

// ApplyLocal returns the next local revision holding v.
func (r Register[T]) ApplyLocal(v T, clock Ticker) Register[T] {
	return Register[T]{value: v, ts: clock.Tick()}
}

// Merge keeps the value with the later timestamp. Timestamps include the
// writing node, so two different writes never tie; an exact tie can only be
// the same write seen twice.
func (r Register[T]) Merge(other Register[T]) Register[T] {
	switch r.ts.Compare(other.ts) {
	case -1:
		return other
	case 1:
		return r
	}
	// Same timestamp but diverging values means corrupt input. Pick by encoded
	// value so merge order still doesn't matter.
	if reflect.DeepEqual(r.value, other.value) {
		return r
	}
	a, _ := json.Marshal(r.value)
	b, _ := json.Marshal(other.value)
	if bytes.Compare(a, b) >= 0 {
		return r
	}
	return other
}

// Equal reports whether both registers hold the same value at the same time.
func (r Register[T]) Equal(other Register[T]) bool {
	return r.ts == other.ts && reflect.DeepEqual(r.value, other.value)
}

type registerJSON[T any] struct {
	Value T             `json:"value"`
	TS    hlc.Timestamp `json:"ts"`
}

// MarshalJSON implements json.Marshaler.
func (r Register[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(registerJSON[T]{Value: r.value, TS: r.ts})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Register[T]) UnmarshalJSON(data []byte) error {
	var raw registerJSON[T]
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal register: %w", err)
	}
	r.value = raw.Value
	r.ts = raw.TS
	return nil
}
