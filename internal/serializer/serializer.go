// Package serializer converts Values to and from byte payloads for storage.
//
// A Serializer is stateful scratch space: Unserialize stores the decoded
// Value, Data returns it. Encode failures are returned to the caller; decode
// failures never escape and leave Data empty.
package serializer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AndrewDonelson/stash/internal/value"
)

// ErrDecode is wrapped by every internal decode failure.
var ErrDecode = errors.New("stash: failed to decode stored value")

// ErrUnknown is returned by New for an unregistered serializer name.
var ErrUnknown = errors.New("stash: unknown serializer")

// Serializer converts values to bytes and back.
type Serializer interface {
	// Serialize encodes v, which may be a value.Value or any Go value
	// accepted by value.Of.
	Serialize(v any) ([]byte, error)
	// Unserialize decodes data and stores the result. Malformed input
	// clears the stored value instead of returning an error.
	Unserialize(data []byte)
	// Data returns the last decoded value, or the empty Value.
	Data() value.Value
	// SetData replaces the stored value.
	SetData(v value.Value)
	// Success reports whether the last Unserialize call decoded cleanly.
	Success() bool
	// Name returns the serializer identifier used in configuration.
	Name() string
}

// state is the data slot shared by every implementation.
type state struct {
	data   value.Value
	failed bool
}

func (s *state) Data() value.Value     { return s.data }
func (s *state) SetData(v value.Value) { s.data = v }
func (s *state) Success() bool         { return !s.failed }

// store applies the result of a decode to the slot.
func (s *state) store(v value.Value, err error) {
	if err != nil {
		s.data = value.Value{}
		s.failed = true
		return
	}
	s.data = v
	s.failed = false
}

// decodeSafely runs decode and converts a panic into a decode failure.
func decodeSafely(data []byte, decode func([]byte) (value.Value, error)) (v value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = value.Value{}, fmt.Errorf("%w: %v", ErrDecode, r)
		}
	}()
	return decode(data)
}

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrDecode}, args...)...)
}

// maxPrealloc caps the capacity reserved from a container's declared length.
// Longer containers grow as their elements actually decode.
const maxPrealloc = 1024

func prealloc(n int) int { return min(n, maxPrealloc) }

// entrySet gathers decoded map entries. A repeated key overwrites the
// earlier value and keeps its position, so the last occurrence wins.
type entrySet struct {
	entries []value.Entry
	index   map[string]int
}

func newEntrySet(n int) *entrySet {
	return &entrySet{entries: make([]value.Entry, 0, prealloc(n))}
}

func (s *entrySet) add(key, val value.Value) {
	id := "s" + key.AsString()
	if key.Kind() == value.KindInt {
		id = "i" + strconv.FormatInt(key.AsInt(), 10)
	}
	if i, ok := s.index[id]; ok {
		s.entries[i].Value = val
		return
	}
	if s.index == nil {
		s.index = make(map[string]int)
	}
	s.index[id] = len(s.entries)
	s.entries = append(s.entries, value.E(key, val))
}

// fieldSet is entrySet for object properties.
type fieldSet struct {
	fields []value.Field
	index  map[string]int
}

func newFieldSet(n int) *fieldSet {
	return &fieldSet{fields: make([]value.Field, 0, prealloc(n))}
}

func (s *fieldSet) add(name string, val value.Value) {
	if i, ok := s.index[name]; ok {
		s.fields[i].Value = val
		return
	}
	if s.index == nil {
		s.index = make(map[string]int)
	}
	s.index[name] = len(s.fields)
	s.fields = append(s.fields, value.F(name, val))
}

// Names lists the registered serializers.
var Names = []string{"msgpack", "json", "base64", "none"}

// New returns a fresh serializer by name (case-insensitive).
func New(name string) (Serializer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "msgpack":
		return NewMsgpack(), nil
	case "json":
		return NewJSON(), nil
	case "base64":
		return NewBase64(), nil
	case "none":
		return NewNone(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
}

// Factory returns a constructor for the named serializer so callers can
// create one instance per operation.
func Factory(name string) (func() Serializer, error) {
	if _, err := New(name); err != nil {
		return nil, err
	}
	return func() Serializer {
		s, _ := New(name)
		return s
	}, nil
}
