package ir

import "reflect"

// Change is one key whose value differs between two objects. A missing
// side is nil.
type Change struct {
	Key    string
	Before Value
	After  Value
}

// Diff lists keys whose values differ, in RFC 8785 key order.
func Diff(before, after Object) []Change {
	keys := make(Object, len(before)+len(after))
	for k := range before {
		keys[k] = nil
	}
	for k := range after {
		keys[k] = nil
	}
	var out []Change
	for _, k := range keys.SortedKeys() {
		b, a := before[k], after[k]
		if !reflect.DeepEqual(b, a) {
			out = append(out, Change{Key: k, Before: b, After: a})
		}
	}
	return out
}

// ChangesObject renders changes as {"key":{"before":..,"after":..}}, omitting
// missing sides. Used for conflict metadata.
func ChangesObject(changes []Change) Object {
	out := make(Object, len(changes))
	for _, c := range changes {
		entry := Object{}
		if c.Before != nil {
			entry["before"] = c.Before
		}
		if c.After != nil {
			entry["after"] = c.After
		}
		out[c.Key] = entry
	}
	return out
}
