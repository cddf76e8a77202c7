package serializer

import (
	"errors"
	"io"
	"math"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/AndrewDonelson/stash/internal/value"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON serializes values as JSON text through json-iterator.
//
// JSON has no map/object distinction, so every decoded JSON object comes back
// as an anonymous object. Maps and class names do not survive a round trip.
// Numbers without a fraction or exponent decode as integers, and integral
// floats are written with a trailing ".0" to keep their kind.
type JSON struct {
	state
}

var _ Serializer = (*JSON)(nil)

// NewJSON returns an empty JSON serializer.
func NewJSON() *JSON { return &JSON{} }

// Name returns "json".
func (*JSON) Name() string { return "json" }

// Serialize encodes v as JSON.
func (j *JSON) Serialize(v any) ([]byte, error) {
	val, err := value.Of(v)
	if err != nil {
		return nil, err
	}
	return EncodeJSON(val)
}

// Unserialize decodes JSON text; on any failure Data becomes empty.
func (j *JSON) Unserialize(data []byte) {
	j.store(decodeSafely(data, DecodeJSON))
}

// EncodeJSON writes v as a JSON document.
func EncodeJSON(v value.Value) ([]byte, error) {
	if err := value.Check(v); err != nil {
		return nil, err
	}
	stream := jsonAPI.BorrowStream(nil)
	defer jsonAPI.ReturnStream(stream)
	if err := writeJSON(stream, v, "$"); err != nil {
		return nil, err
	}
	if stream.Error != nil {
		return nil, stream.Error
	}
	out := make([]byte, len(stream.Buffer()))
	copy(out, stream.Buffer())
	return out, nil
}

func writeJSON(stream *jsoniter.Stream, v value.Value, path string) error {
	switch v.Kind() {
	case value.KindNull:
		stream.WriteNil()
	case value.KindBool:
		stream.WriteBool(v.AsBool())
	case value.KindInt:
		stream.WriteInt64(v.AsInt())
	case value.KindFloat:
		f := v.AsFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return value.Unencodable("float", path, "JSON cannot represent "+strconv.FormatFloat(f, 'g', -1, 64))
		}
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		stream.WriteRaw(s)
	case value.KindString:
		stream.WriteString(v.AsString())
	case value.KindSeq:
		stream.WriteArrayStart()
		for i, it := range v.Items() {
			if i > 0 {
				stream.WriteMore()
			}
			if err := writeJSON(stream, it, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
		stream.WriteArrayEnd()
	case value.KindMap:
		stream.WriteObjectStart()
		for i, e := range v.Entries() {
			if i > 0 {
				stream.WriteMore()
			}
			key := e.Key.AsString()
			if e.Key.Kind() == value.KindInt {
				key = strconv.FormatInt(e.Key.AsInt(), 10)
			}
			stream.WriteObjectField(key)
			if err := writeJSON(stream, e.Value, path+"["+key+"]"); err != nil {
				return err
			}
		}
		stream.WriteObjectEnd()
	case value.KindObject:
		stream.WriteObjectStart()
		for i, f := range v.Fields() {
			if i > 0 {
				stream.WriteMore()
			}
			stream.WriteObjectField(f.Name)
			if err := writeJSON(stream, f.Value, path+"."+f.Name); err != nil {
				return err
			}
		}
		stream.WriteObjectEnd()
	default:
		return value.Unencodable(v.Kind().String(), path, "no JSON encoding")
	}
	return nil
}

// DecodeJSON parses exactly one JSON document.
func DecodeJSON(data []byte) (value.Value, error) {
	if len(data) == 0 {
		return value.Value{}, decodeErr("empty input")
	}
	// the iterator reports truncation as plain io.EOF, so syntax is checked first
	if !jsonAPI.Valid(data) {
		return value.Value{}, decodeErr("malformed JSON document")
	}
	iter := jsonAPI.BorrowIterator(data)
	defer jsonAPI.ReturnIterator(iter)

	v := readJSON(iter, 0)
	if err := iterErr(iter); err != nil {
		return value.Value{}, err
	}
	if !atEnd(iter) {
		return value.Value{}, decodeErr("trailing data after JSON document")
	}
	return v, nil
}

// atEnd reports whether only whitespace is left. Valid checks just the first
// document, so anything after it is rejected here.
func atEnd(iter *jsoniter.Iterator) bool {
	if iter.Error != nil {
		return errors.Is(iter.Error, io.EOF)
	}
	iter.WhatIsNext()
	return errors.Is(iter.Error, io.EOF)
}

func iterErr(iter *jsoniter.Iterator) error {
	if iter.Error != nil && !errors.Is(iter.Error, io.EOF) {
		return decodeErr("%v", iter.Error)
	}
	return nil
}

func readJSON(iter *jsoniter.Iterator, depth int) value.Value {
	if depth > value.MaxDepth {
		iter.ReportError("readJSON", "nesting too deep")
		return value.Value{}
	}
	switch iter.WhatIsNext() {
	case jsoniter.NilValue:
		iter.ReadNil()
		return value.Null()
	case jsoniter.BoolValue:
		return value.Bool(iter.ReadBool())
	case jsoniter.NumberValue:
		num := string(iter.ReadNumber())
		if !strings.ContainsAny(num, ".eE") {
			if n, err := strconv.ParseInt(num, 10, 64); err == nil {
				return value.Int(n)
			}
		}
		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			iter.ReportError("readJSON", "invalid number "+num)
			return value.Value{}
		}
		return value.Float(f)
	case jsoniter.StringValue:
		return value.String(iter.ReadString())
	case jsoniter.ArrayValue:
		var items []value.Value
		iter.ReadArrayCB(func(it *jsoniter.Iterator) bool {
			items = append(items, readJSON(it, depth+1))
			return it.Error == nil
		})
		return value.Seq(items...)
	case jsoniter.ObjectValue:
		set := newFieldSet(0)
		iter.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
			set.add(field, readJSON(it, depth+1))
			return it.Error == nil
		})
		return value.Object(set.fields...)
	}
	iter.ReportError("readJSON", "unexpected token")
	return value.Value{}
}
