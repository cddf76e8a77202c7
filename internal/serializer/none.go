package serializer

import "github.com/AndrewDonelson/stash/internal/value"

// None passes text through untouched. Serialize accepts only text; every
// byte sequence unserializes successfully as text.
type None struct {
	state
}

var _ Serializer = (*None)(nil)

// NewNone returns an empty passthrough serializer.
func NewNone() *None { return &None{} }

// Name returns "none".
func (*None) Name() string { return "none" }

// Serialize returns the bytes of a text value.
func (n *None) Serialize(v any) ([]byte, error) {
	text, err := textOf(v, "none")
	if err != nil {
		return nil, err
	}
	return []byte(text), nil
}

// Unserialize stores data as text.
func (n *None) Unserialize(data []byte) {
	n.store(value.Bytes(data), nil)
}
