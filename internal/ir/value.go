package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface. Only Null, String, Int, Bool, Array and
// Object implement it.
type Value interface {
	irValue()
}

// Null is JSON null. It round-trips through Parse but is rejected by
// MarshalCanonical and Decode.
type Null struct{}

// String is a string value.
type String string

// Int is an integer value. Always int64.
type Int int64

// Bool is a boolean value.
type Bool bool

// Array is an ordered list of values.
type Array []Value

// Object maps keys to values. Iterate with SortedKeys for stable output.
type Object map[string]Value

func (Null) irValue()   {}
func (String) irValue() {}
func (Int) irValue()    {}
func (Bool) irValue()   {}
func (Array) irValue()  {}
func (Object) irValue() {}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// Strings builds an Array of String values.
func Strings(ss ...string) Array {
	out := make(Array, len(ss))
	for i, s := range ss {
		out[i] = String(s)
	}
	return out
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units, which
// differs from Go's byte order for characters above U+FFFF).
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// Str returns the string at key, or "" if missing or not a String.
func (o Object) Str(key string) string {
	s, _ := o[key].(String)
	return string(s)
}

// Int returns the integer at key, or 0 if missing or not an Int.
func (o Object) Int(key string) int64 {
	n, _ := o[key].(Int)
	return int64(n)
}

// Bool returns the boolean at key, or false if missing or not a Bool.
func (o Object) Bool(key string) bool {
	b, _ := o[key].(Bool)
	return bool(b)
}

// With returns a shallow copy of o with key set to v.
func (o Object) With(key string, v Value) Object {
	out := make(Object, len(o)+1)
	for k, val := range o {
		out[k] = val
	}
	out[key] = v
	return out
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	for i := 0; i < len(a16) && i < len(b16); i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// MarshalJSON writes keys in RFC 8785 order. Not canonical: strings use
// encoding/json escaping. Use MarshalCanonical for hashing.
func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := Marshal(o[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON implements json.Marshaler.
func (a Array) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		vb, err := Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Marshal encodes any Value as JSON.
func Marshal(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	case Array:
		return val.MarshalJSON()
	case Object:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown value type %T", v)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Null members become Null.
func (o *Object) UnmarshalJSON(data []byte) error {
	v, err := parse(data, true)
	if err != nil {
		return err
	}
	obj, ok := v.(Object)
	if !ok {
		return fmt.Errorf("expected object, got %T", v)
	}
	*o = obj
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Null elements become Null.
func (a *Array) UnmarshalJSON(data []byte) error {
	v, err := parse(data, true)
	if err != nil {
		return err
	}
	arr, ok := v.(Array)
	if !ok {
		return fmt.Errorf("expected array, got %T", v)
	}
	*a = arr
	return nil
}

// Parse decodes JSON into a Value, mapping null to Null. Floats are rejected.
func Parse(data []byte) (Value, error) {
	return parse(data, true)
}

// Decode decodes JSON strictly: both floats and null are rejected.
func Decode(data []byte) (Value, error) {
	return parse(data, false)
}

func parse(data []byte, allowNull bool) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return from(raw, allowNull)
}

// FromAny converts decoded Go data (encoding/json with UseNumber, or
// yaml.v3) into a Value. Null is rejected.
func FromAny(v any) (Value, error) {
	return from(v, false)
}

func from(v any, allowNull bool) (Value, error) {
	switch val := v.(type) {
	case nil:
		if allowNull {
			return Null{}, nil
		}
		return nil, fmt.Errorf("null is not allowed")
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > 1<<63-1 {
			return nil, fmt.Errorf("number out of int64 range: %d", val)
		}
		return Int(val), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("only integers are allowed, got %s", val)
		}
		return Int(n), nil
	case float32, float64:
		return nil, fmt.Errorf("only integers are allowed, got %v", val)
	case []any:
		out := make(Array, len(val))
		for i, elem := range val {
			ev, err := from(elem, allowNull)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = ev
		}
		return out, nil
	case map[string]any:
		out := make(Object, len(val))
		for k, elem := range val {
			ev, err := from(elem, allowNull)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			out[k] = ev
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}
