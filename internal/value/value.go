// Copyright (c) 2026 Nlaak Studios (https://nlaak.com)
// Author: Andrew Donelson (https://www.linkedin.com/in/andrew-donelson/)
//
// value.go — the closed Value variant every serializer encodes and decodes:
// null, bool, integer, float, text, sequence, map and object, plus the
// empty sentinel that stands for "no data".

// Package value defines the schemaless Value model shared by all serializers.
package value

import (
	"math"
	"strconv"
	"strings"
)

// DefaultClass is the class name given to anonymous objects.
const DefaultClass = "stdClass"

// MaxDepth bounds nesting on both encode and decode.
const MaxDepth = 512

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindEmpty  Kind = iota // zero Value, "no data"
	KindNull               // explicit null
	KindBool               // true / false
	KindInt                // signed 64-bit integer
	KindFloat              // IEEE-754 double
	KindString             // byte string
	KindSeq                // ordered sequence
	KindMap                // plain key/value mapping
	KindObject             // object-origin record
)

var kindNames = [...]string{"empty", "null", "bool", "int", "float", "string", "seq", "map", "object"}

// String returns the lower-case kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Entry is one key/value pair of a Map. Keys are Int or String values.
type Entry struct {
	Key   Value
	Value Value
}

// Field is one named member of an Object.
type Field struct {
	Name  string
	Value Value
}

// Value is an immutable tagged variant. The zero Value is the empty sentinel.
type Value struct {
	kind    Kind
	b       bool
	i       int64
	f       float64
	s       string
	items   []Value
	entries []Entry
	fields  []Field
}

// Null returns the null Value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating-point Value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a text Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes returns a text Value holding a copy of b.
func Bytes(b []byte) Value { return Value{kind: KindString, s: string(b)} }

// Seq returns an ordered sequence of items.
func Seq(items ...Value) Value {
	if len(items) == 0 {
		items = nil
	}
	return Value{kind: KindSeq, items: items}
}

// Map returns a plain mapping with the given entries in order.
func Map(entries ...Entry) Value {
	if len(entries) == 0 {
		entries = nil
	}
	return Value{kind: KindMap, entries: entries}
}

// Object returns an anonymous object with the given fields.
func Object(fields ...Field) Value {
	return ObjectOf(DefaultClass, fields...)
}

// ObjectOf returns an object tagged with class. An empty class becomes DefaultClass.
func ObjectOf(class string, fields ...Field) Value {
	if class == "" {
		class = DefaultClass
	}
	if len(fields) == 0 {
		fields = nil
	}
	return Value{kind: KindObject, s: class, fields: fields}
}

// E is shorthand for a Map entry.
func E(key, v Value) Entry { return Entry{Key: key, Value: v} }

// F is shorthand for an Object field.
func F(name string, v Value) Field { return Field{Name: name, Value: v} }

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty reports whether v is the empty sentinel.
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

// IsNull reports whether v is an explicit null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload; false for other kinds.
func (v Value) AsBool() bool { return v.kind == KindBool && v.b }

// AsInt returns the integer payload, truncating floats.
func (v Value) AsInt() int64 {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return int64(v.f)
	}
	return 0
}

// AsFloat returns the float payload, widening integers.
func (v Value) AsFloat() float64 {
	switch v.kind {
	case KindFloat:
		return v.f
	case KindInt:
		return float64(v.i)
	}
	return 0
}

// AsString returns the text payload; "" for other kinds.
func (v Value) AsString() string {
	if v.kind == KindString {
		return v.s
	}
	return ""
}

// Items returns the elements of a sequence.
func (v Value) Items() []Value { return v.items }

// Entries returns the entries of a map.
func (v Value) Entries() []Entry { return v.entries }

// Fields returns the fields of an object.
func (v Value) Fields() []Field { return v.fields }

// Class returns the class name of an object, "" for other kinds.
func (v Value) Class() string {
	if v.kind == KindObject {
		return v.s
	}
	return ""
}

// Len returns the element count of a container, the byte length of text,
// and 0 for everything else.
func (v Value) Len() int {
	switch v.kind {
	case KindString:
		return len(v.s)
	case KindSeq:
		return len(v.items)
	case KindMap:
		return len(v.entries)
	case KindObject:
		return len(v.fields)
	}
	return 0
}

// Field returns the named field of an object, or the entry with that string
// key of a map. When a name repeats, the last one wins.
func (v Value) Field(name string) (Value, bool) {
	switch v.kind {
	case KindObject:
		for i := len(v.fields) - 1; i >= 0; i-- {
			if v.fields[i].Name == name {
				return v.fields[i].Value, true
			}
		}
	case KindMap:
		return v.lookup(String(name))
	}
	return Value{}, false
}

// Equal reports deep equality. Integers never equal floats, and objects never
// equal maps. Map entries and object fields compare without regard to order.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindEmpty, KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f || (math.IsNaN(a.f) && math.IsNaN(b.f))
	case KindString:
		return a.s == b.s
	case KindSeq:
		if len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !Equal(a.items[i], b.items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.entries) != len(b.entries) {
			return false
		}
		return entriesCovered(a, b) && entriesCovered(b, a)
	case KindObject:
		if a.s != b.s || len(a.fields) != len(b.fields) {
			return false
		}
		return fieldsCovered(a, b) && fieldsCovered(b, a)
	}
	return false
}

// entriesCovered reports whether every key of x resolves to the same value
// in x and y. Repeated keys resolve to their last entry.
func entriesCovered(x, y Value) bool {
	for _, e := range x.entries {
		vx, _ := x.lookup(e.Key)
		vy, ok := y.lookup(e.Key)
		if !ok || !Equal(vx, vy) {
			return false
		}
	}
	return true
}

func fieldsCovered(x, y Value) bool {
	for _, f := range x.fields {
		vx, _ := x.Field(f.Name)
		vy, ok := y.Field(f.Name)
		if !ok || !Equal(vx, vy) {
			return false
		}
	}
	return true
}

// lookup returns the value of the last map entry whose key equals key.
func (v Value) lookup(key Value) (Value, bool) {
	for i := len(v.entries) - 1; i >= 0; i-- {
		if Equal(v.entries[i].Key, key) {
			return v.entries[i].Value, true
		}
	}
	return Value{}, false
}

// Equal is shorthand for Equal(v, other).
func (v Value) Equal(other Value) bool { return Equal(v, other) }

// String renders v for debugging and test failure output.
func (v Value) String() string {
	var sb strings.Builder
	v.render(&sb)
	return sb.String()
}

func (v Value) render(sb *strings.Builder) {
	switch v.kind {
	case KindEmpty:
		sb.WriteString("<empty>")
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		sb.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindString:
		sb.WriteString(strconv.Quote(v.s))
	case KindSeq:
		sb.WriteByte('[')
		for i, it := range v.items {
			if i > 0 {
				sb.WriteString(", ")
			}
			it.render(sb)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		for i, e := range v.entries {
			if i > 0 {
				sb.WriteString(", ")
			}
			e.Key.render(sb)
			sb.WriteString(": ")
			e.Value.render(sb)
		}
		sb.WriteByte('}')
	case KindObject:
		sb.WriteString(v.s)
		sb.WriteByte('{')
		for i, f := range v.fields {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(f.Name)
			sb.WriteString(": ")
			f.Value.render(sb)
		}
		sb.WriteByte('}')
	}
}
