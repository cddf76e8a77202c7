package stash

import "github.com/AndrewDonelson/stash/internal/value"

// Re-export the value model so callers only import this package.
type (
	Value  = value.Value
	Kind   = value.Kind
	Entry  = value.Entry
	Field  = value.Field
	Record = value.Record
)

// Value kinds.
const (
	KindEmpty  = value.KindEmpty
	KindNull   = value.KindNull
	KindBool   = value.KindBool
	KindInt    = value.KindInt
	KindFloat  = value.KindFloat
	KindString = value.KindString
	KindSeq    = value.KindSeq
	KindMap    = value.KindMap
	KindObject = value.KindObject
)

// DefaultClass is the class name of anonymous objects.
const DefaultClass = value.DefaultClass

// Null returns the null Value.
func Null() Value { return value.Null() }

// Bool returns a boolean Value.
func Bool(b bool) Value { return value.Bool(b) }

// Int returns an integer Value.
func Int(i int64) Value { return value.Int(i) }

// Float returns a floating-point Value.
func Float(f float64) Value { return value.Float(f) }

// String returns a text Value.
func String(s string) Value { return value.String(s) }

// Bytes returns a text Value holding a copy of b.
func Bytes(b []byte) Value { return value.Bytes(b) }

// Seq returns an ordered sequence of items.
func Seq(items ...Value) Value { return value.Seq(items...) }

// Map returns a plain mapping with the given entries in order.
func Map(entries ...Entry) Value { return value.Map(entries...) }

// Object returns an anonymous stdClass object.
func Object(fields ...Field) Value { return value.Object(fields...) }

// E is shorthand for a Map entry.
func E(key, v Value) Entry { return value.E(key, v) }

// F is shorthand for an Object field.
func F(name string, v Value) Field { return value.F(name, v) }

// ObjectOf returns an object tagged with class.
func ObjectOf(class string, fields ...Field) Value { return value.ObjectOf(class, fields...) }

// ValueOf converts a native Go value into a Value; see the value package for
// the supported shapes.
func ValueOf(x any) (Value, error) { return value.Of(x) }

// Equal reports deep equality of two values.
func Equal(a, b Value) bool { return value.Equal(a, b) }
