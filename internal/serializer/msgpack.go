// Copyright (c) 2026 Nlaak Studios (https://nlaak.com)
// Author: Andrew Donelson (https://www.linkedin.com/in/andrew-donelson/)
//
// msgpack.go — MessagePack serializer built on the vmihailenco/msgpack/v5
// low-level encoder and decoder. Objects use the PHP msgpack extension
// layout: a map whose first key is nil and whose first value is the class
// name, so payloads interoperate with PHP producers of the same cache keys.

package serializer

import (
	"bytes"
	"math"
	"strconv"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/AndrewDonelson/stash/internal/value"
)

type encoderEntry struct {
	buf *bytes.Buffer
	enc *msgpack.Encoder
}

var encoderPool = sync.Pool{
	New: func() any {
		buf := new(bytes.Buffer)
		return &encoderEntry{buf: buf, enc: msgpack.NewEncoder(buf)}
	},
}

type decoderEntry struct {
	r   *bytes.Reader
	dec *msgpack.Decoder
	// budget is the number of elements the rest of the input can still
	// hold. Every element takes at least one byte, so the lengths declared
	// by all container headers together never exceed the input size.
	budget int
}

var decoderPool = sync.Pool{
	New: func() any {
		r := bytes.NewReader(nil)
		return &decoderEntry{r: r, dec: msgpack.NewDecoder(r)}
	},
}

// Msgpack is the MessagePack serializer.
type Msgpack struct {
	state
}

var _ Serializer = (*Msgpack)(nil)

// NewMsgpack returns an empty Msgpack serializer.
func NewMsgpack() *Msgpack { return &Msgpack{} }

// Name returns "msgpack".
func (*Msgpack) Name() string { return "msgpack" }

// Serialize encodes v as MessagePack.
func (m *Msgpack) Serialize(v any) ([]byte, error) {
	val, err := value.Of(v)
	if err != nil {
		return nil, err
	}
	return EncodeMsgpack(val)
}

// Unserialize decodes data; on any failure Data becomes empty.
func (m *Msgpack) Unserialize(data []byte) {
	m.store(decodeSafely(data, DecodeMsgpack))
}

// EncodeMsgpack encodes a validated Value graph.
func EncodeMsgpack(v value.Value) ([]byte, error) {
	return encodeMsgpack(v, false)
}

// EncodeMsgpackPlain encodes objects as ordinary string-keyed maps without
// the class header, for binding into Go structs and maps with msgpack.Unmarshal.
func EncodeMsgpackPlain(v value.Value) ([]byte, error) {
	return encodeMsgpack(v, true)
}

func encodeMsgpack(v value.Value, plain bool) ([]byte, error) {
	if err := value.Check(v); err != nil {
		return nil, err
	}
	e := encoderPool.Get().(*encoderEntry)
	defer encoderPool.Put(e)
	e.buf.Reset()
	if err := encodeValue(e.enc, v, plain); err != nil {
		return nil, err
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out, nil
}

func encodeValue(enc *msgpack.Encoder, v value.Value, plain bool) error {
	switch v.Kind() {
	case value.KindNull:
		return enc.EncodeNil()
	case value.KindBool:
		return enc.EncodeBool(v.AsBool())
	case value.KindInt:
		return enc.EncodeInt(v.AsInt())
	case value.KindFloat:
		return enc.EncodeFloat64(v.AsFloat())
	case value.KindString:
		return enc.EncodeString(v.AsString())
	case value.KindSeq:
		if err := enc.EncodeArrayLen(v.Len()); err != nil {
			return err
		}
		for _, it := range v.Items() {
			if err := encodeValue(enc, it, plain); err != nil {
				return err
			}
		}
		return nil
	case value.KindMap:
		if err := enc.EncodeMapLen(v.Len()); err != nil {
			return err
		}
		for _, e := range v.Entries() {
			if err := encodeValue(enc, e.Key, plain); err != nil {
				return err
			}
			if err := encodeValue(enc, e.Value, plain); err != nil {
				return err
			}
		}
		return nil
	case value.KindObject:
		if plain {
			if err := enc.EncodeMapLen(v.Len()); err != nil {
				return err
			}
		} else {
			if err := enc.EncodeMapLen(v.Len() + 1); err != nil {
				return err
			}
			if err := enc.EncodeNil(); err != nil {
				return err
			}
			if err := enc.EncodeString(v.Class()); err != nil {
				return err
			}
		}
		for _, f := range v.Fields() {
			if err := enc.EncodeString(f.Name); err != nil {
				return err
			}
			if err := encodeValue(enc, f.Value, plain); err != nil {
				return err
			}
		}
		return nil
	}
	return value.Unencodable(v.Kind().String(), "$", "no msgpack encoding")
}

// DecodeMsgpack decodes exactly one MessagePack value from data. Empty input,
// truncated input, unsupported type codes and trailing bytes are errors.
func DecodeMsgpack(data []byte) (value.Value, error) {
	if len(data) == 0 {
		return value.Value{}, decodeErr("empty input")
	}
	d := decoderPool.Get().(*decoderEntry)
	defer decoderPool.Put(d)
	d.r.Reset(data)
	d.dec.Reset(d.r)
	d.budget = len(data)

	v, err := decodeValue(d, 0)
	if err != nil {
		return value.Value{}, err
	}
	if n := d.r.Len(); n != 0 {
		return value.Value{}, decodeErr("%d trailing bytes", n)
	}
	return v, nil
}

func decodeValue(d *decoderEntry, depth int) (value.Value, error) {
	if depth > value.MaxDepth {
		return value.Value{}, decodeErr("nesting deeper than %d", value.MaxDepth)
	}
	c, err := d.dec.PeekCode()
	if err != nil {
		return value.Value{}, decodeErr("%v", err)
	}

	switch {
	case c == msgpcode.Nil:
		if err := d.dec.DecodeNil(); err != nil {
			return value.Value{}, decodeErr("%v", err)
		}
		return value.Null(), nil

	case c == msgpcode.False || c == msgpcode.True:
		b, err := d.dec.DecodeBool()
		if err != nil {
			return value.Value{}, decodeErr("%v", err)
		}
		return value.Bool(b), nil

	case c == msgpcode.Uint64:
		u, err := d.dec.DecodeUint64()
		if err != nil {
			return value.Value{}, decodeErr("%v", err)
		}
		if u > math.MaxInt64 {
			return value.Float(float64(u)), nil
		}
		return value.Int(int64(u)), nil

	case msgpcode.IsFixedNum(c), c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Uint32,
		c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32, c == msgpcode.Int64:
		n, err := d.dec.DecodeInt64()
		if err != nil {
			return value.Value{}, decodeErr("%v", err)
		}
		return value.Int(n), nil

	case c == msgpcode.Float || c == msgpcode.Double:
		f, err := d.dec.DecodeFloat64()
		if err != nil {
			return value.Value{}, decodeErr("%v", err)
		}
		return value.Float(f), nil

	case msgpcode.IsString(c):
		s, err := d.dec.DecodeString()
		if err != nil {
			return value.Value{}, decodeErr("%v", err)
		}
		return value.String(s), nil

	case msgpcode.IsBin(c):
		b, err := d.dec.DecodeBytes()
		if err != nil {
			return value.Value{}, decodeErr("%v", err)
		}
		return value.Bytes(b), nil

	case msgpcode.IsFixedArray(c), c == msgpcode.Array16, c == msgpcode.Array32:
		return decodeArray(d, depth)

	case msgpcode.IsFixedMap(c), c == msgpcode.Map16, c == msgpcode.Map32:
		return decodeMap(d, depth)
	}
	return value.Value{}, decodeErr("unsupported type code 0x%02x", c)
}

// claim draws want elements from the decode budget. The header is rejected
// when the unread input is too short to hold them.
func (d *decoderEntry) claim(what string, n, want int) error {
	if n < 0 || want > d.budget || want > d.r.Len() {
		return decodeErr("%s length %d exceeds remaining %d bytes", what, n, min(d.budget, d.r.Len()))
	}
	d.budget -= want
	return nil
}

func decodeArray(d *decoderEntry, depth int) (value.Value, error) {
	n, err := d.dec.DecodeArrayLen()
	if err != nil {
		return value.Value{}, decodeErr("%v", err)
	}
	if err := d.claim("array", n, n); err != nil {
		return value.Value{}, err
	}
	items := make([]value.Value, 0, prealloc(n))
	for i := 0; i < n; i++ {
		it, err := decodeValue(d, depth+1)
		if err != nil {
			return value.Value{}, err
		}
		items = append(items, it)
	}
	return value.Seq(items...), nil
}

func decodeMap(d *decoderEntry, depth int) (value.Value, error) {
	n, err := d.dec.DecodeMapLen()
	if err != nil {
		return value.Value{}, decodeErr("%v", err)
	}
	if err := d.claim("map", n, 2*n); err != nil {
		return value.Value{}, err
	}
	if n == 0 {
		return value.Map(), nil
	}

	c, err := d.dec.PeekCode()
	if err != nil {
		return value.Value{}, decodeErr("%v", err)
	}
	if c == msgpcode.Nil {
		return decodeObject(d, n, depth)
	}

	set := newEntrySet(n)
	for i := 0; i < n; i++ {
		key, err := decodeValue(d, depth+1)
		if err != nil {
			return value.Value{}, err
		}
		if k := key.Kind(); k != value.KindInt && k != value.KindString {
			return value.Value{}, decodeErr("map key of kind %s", k)
		}
		val, err := decodeValue(d, depth+1)
		if err != nil {
			return value.Value{}, err
		}
		set.add(key, val)
	}
	return value.Map(set.entries...), nil
}

// decodeObject reads the nil => class header and the n-1 property pairs.
func decodeObject(d *decoderEntry, n, depth int) (value.Value, error) {
	if err := d.dec.DecodeNil(); err != nil {
		return value.Value{}, decodeErr("%v", err)
	}
	cls, err := decodeValue(d, depth+1)
	if err != nil {
		return value.Value{}, err
	}
	if cls.Kind() != value.KindString {
		return value.Value{}, decodeErr("object class of kind %s", cls.Kind())
	}

	set := newFieldSet(n - 1)
	for i := 0; i < n-1; i++ {
		key, err := decodeValue(d, depth+1)
		if err != nil {
			return value.Value{}, err
		}
		var name string
		switch key.Kind() {
		case value.KindString:
			name = key.AsString()
		case value.KindInt:
			name = strconv.FormatInt(key.AsInt(), 10)
		default:
			return value.Value{}, decodeErr("object property of kind %s", key.Kind())
		}
		val, err := decodeValue(d, depth+1)
		if err != nil {
			return value.Value{}, err
		}
		set.add(name, val)
	}
	return value.ObjectOf(cls.AsString(), set.fields...), nil
}
