package value_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AndrewDonelson/stash/internal/value"
)

func TestValue_ZeroIsEmpty(t *testing.T) {
	var v value.Value
	assert.True(t, v.IsEmpty())
	assert.False(t, v.IsNull())
	assert.Equal(t, value.KindEmpty, v.Kind())
	assert.Equal(t, "empty", v.Kind().String())
}

func TestValue_Accessors(t *testing.T) {
	assert.Equal(t, int64(3), value.Float(3.9).AsInt())
	assert.Equal(t, 2.0, value.Int(2).AsFloat())
	assert.Equal(t, "", value.Int(2).AsString())
	assert.True(t, value.Bool(true).AsBool())
	assert.False(t, value.String("true").AsBool())
	assert.Equal(t, 3, value.String("abc").Len())
	assert.Equal(t, 0, value.Null().Len())
	assert.Equal(t, "", value.Map().Class())
}

func TestValue_ObjectClass(t *testing.T) {
	assert.Equal(t, "stdClass", value.Object().Class())
	assert.Equal(t, "stdClass", value.ObjectOf("").Class())
	assert.Equal(t, "User", value.ObjectOf("User").Class())
}

func TestValue_Field(t *testing.T) {
	obj := value.Object(value.F("a", value.Int(1)))
	got, ok := obj.Field("a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), got.AsInt())
	_, ok = obj.Field("b")
	assert.False(t, ok)

	m := value.Map(value.E(value.Int(1), value.Int(2)), value.E(value.String("k"), value.Int(3)))
	got, ok = m.Field("k")
	assert.True(t, ok)
	assert.Equal(t, int64(3), got.AsInt())
	_, ok = m.Field("1")
	assert.False(t, ok)
}

func TestEqual(t *testing.T) {
	cases := []struct {
		name string
		a, b value.Value
		want bool
	}{
		{"int vs float", value.Int(1), value.Float(1), false},
		{"nan", value.Float(math.NaN()), value.Float(math.NaN()), true},
		{"empty seq", value.Seq(), value.Seq([]value.Value{}...), true},
		{"seq order matters", value.Seq(value.Int(1), value.Int(2)), value.Seq(value.Int(2), value.Int(1)), false},
		{"map order ignored",
			value.Map(value.E(value.String("a"), value.Int(1)), value.E(value.String("b"), value.Int(2))),
			value.Map(value.E(value.String("b"), value.Int(2)), value.E(value.String("a"), value.Int(1))), true},
		{"map vs object", value.Map(), value.Object(), false},
		{"class differs", value.ObjectOf("A"), value.ObjectOf("B"), false},
		{"field value differs",
			value.Object(value.F("a", value.Int(1))),
			value.Object(value.F("a", value.Int(2))), false},
		{"null vs empty", value.Null(), value.Value{}, false},
		{"bytes are text", value.Bytes([]byte("x")), value.String("x"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, value.Equal(tc.a, tc.b))
			assert.Equal(t, tc.want, tc.a.Equal(tc.b))
		})
	}
}

func TestValue_String(t *testing.T) {
	assert.Equal(t, "<empty>", value.Value{}.String())
	assert.Equal(t, "null", value.Null().String())
	assert.Contains(t, value.ObjectOf("User", value.F("id", value.Int(7))).String(), "User")
}

func TestEqual_SymmetricWithRepeatedKeys(t *testing.T) {
	k, j := value.String("k"), value.String("j")
	cases := []struct {
		name string
		a, b value.Value
		want bool
	}{
		{"map repeated vs distinct",
			value.Map(value.E(k, value.Int(1)), value.E(k, value.Int(1))),
			value.Map(value.E(k, value.Int(1)), value.E(j, value.Int(2))), false},
		{"map last entry wins",
			value.Map(value.E(k, value.Int(1)), value.E(k, value.Int(2))),
			value.Map(value.E(k, value.Int(2)), value.E(k, value.Int(2))), true},
		{"object repeated fields differ",
			value.Object(value.F("x", value.Int(1)), value.F("x", value.Int(2))),
			value.Object(value.F("x", value.Int(1)), value.F("x", value.Int(1))), false},
		{"object order ignored",
			value.Object(value.F("x", value.Int(1)), value.F("y", value.Int(2))),
			value.Object(value.F("y", value.Int(2)), value.F("x", value.Int(1))), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, value.Equal(tc.a, tc.b))
			assert.Equal(t, tc.want, value.Equal(tc.b, tc.a))
		})
	}
}

func TestField_LastWins(t *testing.T) {
	obj := value.Object(value.F("x", value.Int(1)), value.F("x", value.Int(2)))
	x, ok := obj.Field("x")
	assert.True(t, ok)
	assert.Equal(t, int64(2), x.AsInt())

	m := value.Map(value.E(value.String("x"), value.Int(1)), value.E(value.String("x"), value.Int(3)))
	x, ok = m.Field("x")
	assert.True(t, ok)
	assert.Equal(t, int64(3), x.AsInt())
}
