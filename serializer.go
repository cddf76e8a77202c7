package stash

import "github.com/AndrewDonelson/stash/internal/serializer"

// Serializer converts values to bytes and back. Decode failures never
// surface as errors: they leave Data empty and Success false.
type Serializer = serializer.Serializer

// Concrete serializers.
type (
	Msgpack = serializer.Msgpack
	JSON    = serializer.JSON
	Base64  = serializer.Base64
	None    = serializer.None
)

// SerializerNames lists the names accepted by NewSerializer.
var SerializerNames = serializer.Names

// NewSerializer returns a fresh serializer by name: "msgpack", "json",
// "base64" or "none" (case-insensitive). Unknown names return an error
// wrapping ErrUnknownSerializer.
func NewSerializer(name string) (Serializer, error) { return serializer.New(name) }

// NewMsgpack returns an empty MessagePack serializer.
func NewMsgpack() *Msgpack { return serializer.NewMsgpack() }

// NewJSON returns an empty JSON serializer.
func NewJSON() *JSON { return serializer.NewJSON() }

// NewBase64 returns an empty base64 text serializer.
func NewBase64() *Base64 { return serializer.NewBase64() }

// NewNone returns an empty pass-through text serializer.
func NewNone() *None { return serializer.NewNone() }
