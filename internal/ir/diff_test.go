package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiff(t *testing.T) {
	before := Object{"name": String("Acme"), "status": String("active"), "gone": Int(1)}
	after := Object{"name": String("Acme Ltd"), "status": String("active"), "new": Bool(true)}

	changes := Diff(before, after)
	assert.Equal(t, []Change{
		{Key: "gone", Before: Int(1)},
		{Key: "name", Before: String("Acme"), After: String("Acme Ltd")},
		{Key: "new", After: Bool(true)},
	}, changes)

	assert.Equal(t, Object{
		"gone": Object{"before": Int(1)},
		"name": Object{"before": String("Acme"), "after": String("Acme Ltd")},
		"new":  Object{"after": Bool(true)},
	}, ChangesObject(changes))
}

func TestDiff_NestedEqual(t *testing.T) {
	a := Object{"tags": Strings("a", "b")}
	b := Object{"tags": Strings("a", "b")}
	assert.Empty(t, Diff(a, b))
}
