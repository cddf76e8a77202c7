package serializer

import (
	"encoding/base64"

	"github.com/AndrewDonelson/stash/internal/value"
)

// Base64 stores text payloads as standard base64. Only text values can be
// serialized.
type Base64 struct {
	state
}

var _ Serializer = (*Base64)(nil)

// NewBase64 returns an empty Base64 serializer.
func NewBase64() *Base64 { return &Base64{} }

// Name returns "base64".
func (*Base64) Name() string { return "base64" }

// Serialize base64-encodes a text value.
func (b *Base64) Serialize(v any) ([]byte, error) {
	text, err := textOf(v, "base64")
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(text)))
	base64.StdEncoding.Encode(out, []byte(text))
	return out, nil
}

// Unserialize decodes strict standard base64 into a text value.
func (b *Base64) Unserialize(data []byte) {
	b.store(decodeSafely(data, func(data []byte) (value.Value, error) {
		out := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Strict().Decode(out, data)
		if err != nil {
			return value.Value{}, decodeErr("%v", err)
		}
		return value.Bytes(out[:n]), nil
	}))
}

// textOf converts v and requires the result to be text.
func textOf(v any, serializer string) (string, error) {
	val, err := value.Of(v)
	if err != nil {
		return "", err
	}
	if val.Kind() != value.KindString {
		return "", value.Unencodable(val.Kind().String(), "$", serializer+" serializer accepts only text")
	}
	return val.AsString(), nil
}
