package value

import (
	"encoding"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ErrUnencodable is the sentinel wrapped by every EncodeError.
var ErrUnencodable = errors.New("stash: failed to encode value for storage")

// EncodeError reports a Go value the wire formats cannot represent.
type EncodeError struct {
	Type   string // Go type, or the Value kind when encoding a Value
	Path   string // location inside the value graph, "$" for the root
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("stash: cannot encode %s at %s: %s", e.Type, e.Path, e.Reason)
}

// Unwrap lets errors.Is match ErrUnencodable.
func (e *EncodeError) Unwrap() error { return ErrUnencodable }

// Unencodable builds an EncodeError.
func Unencodable(typ, path, reason string) *EncodeError {
	return &EncodeError{Type: typ, Path: path, Reason: reason}
}

var (
	valueType         = reflect.TypeOf(Value{})
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	errCyclic         = "cyclic reference"
	errTooDeep        = "nesting deeper than " + strconv.Itoa(MaxDepth)
	unsupportedKinds  = map[reflect.Kind]bool{
		reflect.Chan:          true,
		reflect.Func:          true,
		reflect.Complex64:     true,
		reflect.Complex128:    true,
		reflect.UnsafePointer: true,
		reflect.Uintptr:       true,
	}
)

// Of converts a native Go value into a Value.
//
// Values pass through unchanged. Structs become objects named after their Go
// type, with exported fields named by their `msgpack` tag when present.
// Types implementing encoding.TextMarshaler become text. Channels, funcs,
// complex numbers, raw pointers and cyclic graphs fail with *EncodeError.
func Of(x any) (Value, error) {
	if x == nil {
		return Null(), nil
	}
	if v, ok := x.(Value); ok {
		return v, Check(v)
	}
	c := converter{seen: make(map[uintptr]bool)}
	return c.convert(reflect.ValueOf(x), "$", 0)
}

// MustOf is Of for literals known to be encodable; it panics otherwise.
func MustOf(x any) Value {
	v, err := Of(x)
	if err != nil {
		panic(err)
	}
	return v
}

// Check validates a Value graph: no empty sentinels inside containers, map
// keys limited to Int and String, nesting within MaxDepth.
func Check(v Value) error {
	return check(v, "$", 0)
}

func check(v Value, path string, depth int) error {
	if depth > MaxDepth {
		return Unencodable(v.kind.String(), path, errTooDeep)
	}
	switch v.kind {
	case KindEmpty:
		return Unencodable("empty", path, "empty value has no encoding")
	case KindSeq:
		for i, it := range v.items {
			if err := check(it, path+"["+strconv.Itoa(i)+"]", depth+1); err != nil {
				return err
			}
		}
	case KindMap:
		for _, e := range v.entries {
			if e.Key.kind != KindInt && e.Key.kind != KindString {
				return Unencodable(e.Key.kind.String(), path, "map key must be int or string")
			}
			if err := check(e.Value, path+"["+e.Key.String()+"]", depth+1); err != nil {
				return err
			}
		}
	case KindObject:
		for _, f := range v.fields {
			if err := check(f.Value, path+"."+f.Name, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

type converter struct {
	seen map[uintptr]bool
}

func (c *converter) convert(rv reflect.Value, path string, depth int) (Value, error) {
	if !rv.IsValid() {
		return Null(), nil
	}
	if depth > MaxDepth {
		return Value{}, Unencodable(rv.Type().String(), path, errTooDeep)
	}
	if rv.Type() == valueType && rv.CanInterface() {
		v := rv.Interface().(Value)
		return v, check(v, path, depth)
	}
	if unsupportedKinds[rv.Kind()] {
		return Value{}, Unencodable(rv.Type().String(), path, "unsupported kind "+rv.Kind().String())
	}
	if rv.Kind() != reflect.Pointer && rv.Kind() != reflect.Interface &&
		rv.CanInterface() && rv.Type().Implements(textMarshalerType) {
		text, err := rv.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return Value{}, &EncodeError{Type: rv.Type().String(), Path: path, Reason: err.Error()}
		}
		return Bytes(text), nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return Value{}, Unencodable(rv.Type().String(), path, "unsigned value overflows int64")
		}
		return Int(int64(u)), nil
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Interface:
		if rv.IsNil() {
			return Null(), nil
		}
		return c.convert(rv.Elem(), path, depth)
	case reflect.Pointer:
		if rv.IsNil() {
			return Null(), nil
		}
		ptr := rv.Pointer()
		if c.seen[ptr] {
			return Value{}, Unencodable(rv.Type().String(), path, errCyclic)
		}
		c.seen[ptr] = true
		defer delete(c.seen, ptr)
		return c.convert(rv.Elem(), path, depth)
	case reflect.Slice:
		if rv.IsNil() {
			return Null(), nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return Bytes(rv.Bytes()), nil
		}
		return c.convertList(rv, path, depth)
	case reflect.Array:
		return c.convertList(rv, path, depth)
	case reflect.Map:
		if rv.IsNil() {
			return Null(), nil
		}
		ptr := rv.Pointer()
		if c.seen[ptr] {
			return Value{}, Unencodable(rv.Type().String(), path, errCyclic)
		}
		c.seen[ptr] = true
		defer delete(c.seen, ptr)
		return c.convertMap(rv, path, depth)
	case reflect.Struct:
		return c.convertStruct(rv, path, depth)
	}
	return Value{}, Unencodable(rv.Type().String(), path, "unsupported kind "+rv.Kind().String())
}

func (c *converter) convertList(rv reflect.Value, path string, depth int) (Value, error) {
	items := make([]Value, rv.Len())
	for i := range items {
		it, err := c.convert(rv.Index(i), path+"["+strconv.Itoa(i)+"]", depth+1)
		if err != nil {
			return Value{}, err
		}
		items[i] = it
	}
	return Seq(items...), nil
}

func (c *converter) convertMap(rv reflect.Value, path string, depth int) (Value, error) {
	entries := make([]Entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key, err := c.convert(iter.Key(), path, depth+1)
		if err != nil {
			return Value{}, err
		}
		if key.kind != KindInt && key.kind != KindString {
			return Value{}, Unencodable(iter.Key().Type().String(), path, "map key must be int or string")
		}
		val, err := c.convert(iter.Value(), path+"["+key.String()+"]", depth+1)
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, E(key, val))
	}
	sort.Slice(entries, func(i, j int) bool { return keyLess(entries[i].Key, entries[j].Key) })
	return Map(entries...), nil
}

// keyLess orders integer keys before string keys, each in natural order.
func keyLess(a, b Value) bool {
	if a.kind != b.kind {
		return a.kind == KindInt
	}
	if a.kind == KindInt {
		return a.i < b.i
	}
	return a.s < b.s
}

func (c *converter) convertStruct(rv reflect.Value, path string, depth int) (Value, error) {
	class := rv.Type().Name()
	fields, err := c.structFields(rv, path, depth)
	if err != nil {
		return Value{}, err
	}
	return ObjectOf(class, fields...), nil
}

func (c *converter) structFields(rv reflect.Value, path string, depth int) ([]Field, error) {
	t := rv.Type()
	var fields []Field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name, omitEmpty, skip := fieldName(sf)
		if skip {
			continue
		}
		fv := rv.Field(i)
		if sf.Anonymous && name == "" {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct {
				embedded, err := c.structFields(inner, path, depth)
				if err != nil {
					return nil, err
				}
				fields = append(fields, embedded...)
				continue
			}
		}
		if !sf.IsExported() {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		if omitEmpty && fv.IsZero() {
			continue
		}
		v, err := c.convert(fv, path+"."+name, depth+1)
		if err != nil {
			return nil, err
		}
		fields = append(fields, F(name, v))
	}
	return fields, nil
}

// fieldName reads the `msgpack` tag: name, omitempty flag, and whether the
// field is skipped with "-".
func fieldName(sf reflect.StructField) (name string, omitEmpty, skip bool) {
	tag, ok := sf.Tag.Lookup("msgpack")
	if !ok {
		return "", false, false
	}
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return parts[0], omitEmpty, false
}

// Record is the native form of an object returned by Interface.
type Record struct {
	Class  string
	Fields map[string]any
}

// Interface converts v back to plain Go values: nil, bool, int64, float64,
// string, []any, map[string]any and *Record. Integer map keys are rendered
// in decimal. The empty sentinel converts to nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindSeq:
		out := make([]any, len(v.items))
		for i, it := range v.items {
			out[i] = it.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.entries))
		for _, e := range v.entries {
			key := e.Key.s
			if e.Key.kind == KindInt {
				key = strconv.FormatInt(e.Key.i, 10)
			}
			out[key] = e.Value.Interface()
		}
		return out
	case KindObject:
		rec := &Record{Class: v.s, Fields: make(map[string]any, len(v.fields))}
		for _, f := range v.fields {
			rec.Fields[f.Name] = f.Value.Interface()
		}
		return rec
	}
	return nil
}
