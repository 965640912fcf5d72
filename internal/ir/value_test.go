package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("x")
	var _ Value = Int(1)
	var _ Value = Bool(true)
	var _ Value = Array{String("a")}
	var _ Value = Object{"k": Int(1)}
}

func TestObject_SortedKeysUTF16(t *testing.T) {
	obj := Object{"a": Int(1), "A": Int(2), "aa": Int(3), "Aa": Int(4), "AA": Int(5)}
	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aa"}, obj.SortedKeys())

	// U+10000 encodes as a surrogate pair (0xD800...) and sorts before U+E000
	obj = Object{"\uE000": Int(1), "\U00010000": Int(2)}
	assert.Equal(t, []string{"\U00010000", "\uE000"}, obj.SortedKeys())
}

func TestObject_Accessors(t *testing.T) {
	obj := Object{"name": String("Acme"), "cents": Int(4200), "active": Bool(true)}
	assert.Equal(t, "Acme", obj.Str("name"))
	assert.Equal(t, int64(4200), obj.Int("cents"))
	assert.True(t, obj.Bool("active"))

	assert.Empty(t, obj.Str("cents"), "wrong type reads as zero value")
	assert.Zero(t, obj.Int("missing"))

	next := obj.With("name", String("Acme Ltd"))
	assert.Equal(t, "Acme Ltd", next.Str("name"))
	assert.Equal(t, "Acme", obj.Str("name"))
}

func TestObject_MarshalJSONSortsKeys(t *testing.T) {
	obj := Object{"z": Int(1), "a": Array{String("x"), Null{}}, "m": Bool(false)}
	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x",null],"m":false,"z":1}`, string(data))
}

func TestParse_NullAllowedFloatsRejected(t *testing.T) {
	v, err := Parse([]byte(`{"a":null,"b":[1,"x",true]}`))
	require.NoError(t, err)
	assert.Equal(t, Object{"a": Null{}, "b": Array{Int(1), String("x"), Bool(true)}}, v)

	_, err = Parse([]byte(`{"rate":0.15}`))
	assert.ErrorContains(t, err, "only integers")
}

func TestDecode_RejectsNull(t *testing.T) {
	_, err := Decode([]byte(`{"a":null}`))
	assert.ErrorContains(t, err, "null")

	v, err := Decode([]byte(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, Array{Int(1), Int(2)}, v)
}

func TestObject_UnmarshalJSON(t *testing.T) {
	var obj Object
	require.NoError(t, json.Unmarshal([]byte(`{"n":9007199254740993}`), &obj))
	assert.Equal(t, Int(9007199254740993), obj["n"], "large ints keep full precision")

	assert.Error(t, json.Unmarshal([]byte(`[1]`), &obj))
}

func TestFromAny_YAML(t *testing.T) {
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal([]byte("name: Acme\ncredit_limit_cents: 500000\ntags: [vip]\n"), &raw))

	v, err := FromAny(raw)
	require.NoError(t, err)
	assert.Equal(t, Object{
		"name":               String("Acme"),
		"credit_limit_cents": Int(500000),
		"tags":               Array{String("vip")},
	}, v)

	require.NoError(t, yaml.Unmarshal([]byte("rate: 0.5\n"), &raw))
	_, err = FromAny(raw)
	assert.Error(t, err)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, Array{String("a"), String("b")}, Strings("a", "b"))
	assert.Equal(t, Array{}, Strings())
}
