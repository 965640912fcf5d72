package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/bizsync/internal/crdt"
	"github.com/roach88/bizsync/internal/hlc"
	"github.com/roach88/bizsync/internal/ir"
)

// FieldKind is the CRDT container behind a field.
type FieldKind int

const (
	RegisterField FieldKind = iota
	CounterField
	SetField
)

func (k FieldKind) String() string {
	switch k {
	case RegisterField:
		return "register"
	case CounterField:
		return "counter"
	case SetField:
		return "set"
	}
	return fmt.Sprintf("FieldKind(%d)", int(k))
}

// ErrInvalidValue marks a mutation value rejected by a field.
var ErrInvalidValue = errors.New("invalid field value")

// field describes one named container of variant F.
type field[F any] struct {
	name  string
	kind  FieldKind
	value func(*F) ir.Value
	stamp func(*F) hlc.Timestamp
	merge func(dst, src *F)
	equal func(a, b *F) bool
	apply func(f *F, op Op, t crdt.Ticker) error
	parse func(literal string) (ir.Value, error)
}

// codec converts register values to and from ir.
type codec[T any] struct {
	encode func(T) ir.Value
	decode func(ir.Value) (T, error)
	parse  func(string) (ir.Value, error)
}

func register[F any, T any](name string, get func(*F) *crdt.Register[T], c codec[T]) field[F] {
	return field[F]{
		name:  name,
		kind:  RegisterField,
		value: func(f *F) ir.Value { return c.encode(get(f).Value()) },
		stamp: func(f *F) hlc.Timestamp { return get(f).Timestamp() },
		merge: func(dst, src *F) { *get(dst) = get(dst).Merge(*get(src)) },
		equal: func(a, b *F) bool { return get(a).Equal(*get(b)) },
		apply: func(f *F, op Op, t crdt.Ticker) error {
			if op.Action != ActionSet {
				return fmt.Errorf("field %s: %s does not support %q", name, RegisterField, op.Action)
			}
			v, err := c.decode(op.Value)
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			r := get(f)
			*r = r.ApplyLocal(v, t)
			return nil
		},
		parse: c.parse,
	}
}

func counter[F any](name string, get func(*F) *crdt.Counter) field[F] {
	return field[F]{
		name:  name,
		kind:  CounterField,
		value: func(f *F) ir.Value { return ir.Int(get(f).Value()) },
		stamp: func(f *F) hlc.Timestamp { return get(f).Timestamp() },
		merge: func(dst, src *F) { *get(dst) = get(dst).Merge(*get(src)) },
		equal: func(a, b *F) bool { return get(a).Equal(*get(b)) },
		apply: func(f *F, op Op, t crdt.Ticker) error {
			if op.Action != ActionAdd {
				return fmt.Errorf("field %s: %s does not support %q", name, CounterField, op.Action)
			}
			delta, ok := op.Value.(ir.Int)
			if !ok {
				return fmt.Errorf("field %s: %w: delta must be an integer, got %T", name, ErrInvalidValue, op.Value)
			}
			c := get(f)
			*c = c.ApplyLocal(int64(delta), t)
			return nil
		},
		parse: parseInt,
	}
}

func set[F any](name string, get func(*F) *crdt.Set[string]) field[F] {
	return field[F]{
		name:  name,
		kind:  SetField,
		value: func(f *F) ir.Value { return ir.Strings(get(f).Elements()...) },
		stamp: func(f *F) hlc.Timestamp { return get(f).Timestamp() },
		merge: func(dst, src *F) { *get(dst) = get(dst).Merge(*get(src)) },
		equal: func(a, b *F) bool { return get(a).Equal(*get(b)) },
		apply: func(f *F, op Op, t crdt.Ticker) error {
			elems, err := setElements(op.Value)
			if err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			s := get(f)
			for _, e := range elems {
				switch op.Action {
				case ActionInsert:
					*s = s.Add(e, t)
				case ActionRemove:
					*s = s.Remove(e, t)
				default:
					return fmt.Errorf("field %s: %s does not support %q", name, SetField, op.Action)
				}
			}
			return nil
		},
		parse: func(s string) (ir.Value, error) { return ir.String(s), nil },
	}
}

func setElements(v ir.Value) ([]string, error) {
	switch val := v.(type) {
	case ir.String:
		if val == "" {
			return nil, fmt.Errorf("%w: empty set element", ErrInvalidValue)
		}
		return []string{string(val)}, nil
	case ir.Array:
		out := make([]string, 0, len(val))
		for i, e := range val {
			s, ok := e.(ir.String)
			if !ok || s == "" {
				return nil, fmt.Errorf("%w: element %d must be a non-empty string", ErrInvalidValue, i)
			}
			out = append(out, string(s))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: set elements must be strings, got %T", ErrInvalidValue, v)
}

// Register codecs.

var textCodec = codec[string]{
	encode: func(s string) ir.Value { return ir.String(s) },
	decode: func(v ir.Value) (string, error) {
		s, ok := v.(ir.String)
		if !ok {
			return "", fmt.Errorf("%w: want string, got %T", ErrInvalidValue, v)
		}
		return string(s), nil
	},
	parse: func(s string) (ir.Value, error) { return ir.String(s), nil },
}

func enumCodec(allowed ...string) codec[string] {
	c := textCodec
	c.decode = func(v ir.Value) (string, error) {
		s, err := textCodec.decode(v)
		if err != nil {
			return "", err
		}
		for _, a := range allowed {
			if s == a {
				return s, nil
			}
		}
		return "", fmt.Errorf("%w: %q is not one of %s", ErrInvalidValue, s, strings.Join(allowed, ", "))
	}
	return c
}

// dateCodec holds a calendar date as YYYY-MM-DD. Empty means unset.
var dateCodec = func() codec[string] {
	c := textCodec
	c.decode = func(v ir.Value) (string, error) {
		s, err := textCodec.decode(v)
		if err != nil || s == "" {
			return s, err
		}
		if _, err := time.Parse(time.DateOnly, s); err != nil {
			return "", fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidValue, s)
		}
		return s, nil
	}
	return c
}()

func intCodec(lo, hi int64) codec[int64] {
	return codec[int64]{
		encode: func(n int64) ir.Value { return ir.Int(n) },
		decode: func(v ir.Value) (int64, error) {
			n, ok := v.(ir.Int)
			if !ok {
				return 0, fmt.Errorf("%w: want integer, got %T", ErrInvalidValue, v)
			}
			if int64(n) < lo || int64(n) > hi {
				return 0, fmt.Errorf("%w: %d outside [%d, %d]", ErrInvalidValue, n, lo, hi)
			}
			return int64(n), nil
		},
		parse: parseInt,
	}
}

var boolCodec = codec[bool]{
	encode: func(b bool) ir.Value { return ir.Bool(b) },
	decode: func(v ir.Value) (bool, error) {
		b, ok := v.(ir.Bool)
		if !ok {
			return false, fmt.Errorf("%w: want bool, got %T", ErrInvalidValue, v)
		}
		return bool(b), nil
	},
	parse: func(s string) (ir.Value, error) {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a bool", ErrInvalidValue, s)
		}
		return ir.Bool(b), nil
	},
}

func parseInt(s string) (ir.Value, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidValue, s)
	}
	return ir.Int(n), nil
}

// variant is the kind-erased view of a schema.
type variant interface {
	zero() Fields
	names() []string
	fieldKind(name string) (FieldKind, bool)
	merge(a, b Fields) (Fields, error)
	equal(a, b Fields) bool
	snapshot(f Fields) ir.Object
	stamps(f Fields) map[string]hlc.Timestamp
	apply(f Fields, op Op, t crdt.Ticker) (Fields, error)
	parse(name, literal string) (ir.Value, error)
	decode(data []byte) (Fields, error)
}

type schema[F Fields] struct {
	kind   Kind
	fields []field[F]
	index  map[string]int
}

func newSchema[F Fields](kind Kind, fields ...field[F]) *schema[F] {
	s := &schema[F]{kind: kind, fields: fields, index: make(map[string]int, len(fields))}
	for i, f := range fields {
		s.index[f.name] = i
	}
	return s
}

func (s *schema[F]) cast(f Fields) (F, error) {
	typed, ok := f.(F)
	if !ok {
		var zero F
		return zero, fmt.Errorf("%w: want %s fields, got %T", ErrKindMismatch, s.kind, f)
	}
	return typed, nil
}

func (s *schema[F]) zero() Fields {
	var f F
	return f
}

func (s *schema[F]) names() []string {
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.name
	}
	return out
}

func (s *schema[F]) fieldKind(name string) (FieldKind, bool) {
	i, ok := s.index[name]
	if !ok {
		return 0, false
	}
	return s.fields[i].kind, true
}

func (s *schema[F]) merge(a, b Fields) (Fields, error) {
	ta, err := s.cast(a)
	if err != nil {
		return nil, err
	}
	tb, err := s.cast(b)
	if err != nil {
		return nil, err
	}
	for _, f := range s.fields {
		f.merge(&ta, &tb)
	}
	return ta, nil
}

func (s *schema[F]) equal(a, b Fields) bool {
	ta, err := s.cast(a)
	if err != nil {
		return false
	}
	tb, err := s.cast(b)
	if err != nil {
		return false
	}
	for _, f := range s.fields {
		if !f.equal(&ta, &tb) {
			return false
		}
	}
	return true
}

func (s *schema[F]) snapshot(f Fields) ir.Object {
	t, err := s.cast(f)
	if err != nil {
		return ir.Object{}
	}
	out := make(ir.Object, len(s.fields))
	for _, fd := range s.fields {
		out[fd.name] = fd.value(&t)
	}
	return out
}

func (s *schema[F]) stamps(f Fields) map[string]hlc.Timestamp {
	t, err := s.cast(f)
	if err != nil {
		return nil
	}
	out := make(map[string]hlc.Timestamp, len(s.fields))
	for _, fd := range s.fields {
		out[fd.name] = fd.stamp(&t)
	}
	return out
}

func (s *schema[F]) apply(f Fields, op Op, t crdt.Ticker) (Fields, error) {
	typed, err := s.cast(f)
	if err != nil {
		return nil, err
	}
	i, ok := s.index[op.Field]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no field %q", ErrUnknownField, s.kind, op.Field)
	}
	if err := s.fields[i].apply(&typed, op, t); err != nil {
		return nil, err
	}
	return typed, nil
}

func (s *schema[F]) parse(name, literal string) (ir.Value, error) {
	i, ok := s.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no field %q", ErrUnknownField, s.kind, name)
	}
	return s.fields[i].parse(literal)
}

func (s *schema[F]) decode(data []byte) (Fields, error) {
	var f F
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode %s fields: %w", s.kind, err)
	}
	return f, nil
}
