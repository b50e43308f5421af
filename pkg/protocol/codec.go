package protocol

import (
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/distcache/internal/libs/serializer"
)

// Codec encodes messages and replies with a named serializer.
type Codec struct {
	name string
	s    serializer.ISerializer
}

// NewCodec returns a codec backed by the named serializer (json, msgpack or cbor).
func NewCodec(name string) (*Codec, error) {
	s, err := serializer.New(name)
	if err != nil {
		return nil, err
	}

	return &Codec{name: name, s: s}, nil
}

// Name returns the serializer name.
func (c *Codec) Name() string { return c.name }

// ContentType returns the MIME type matching the serializer.
func (c *Codec) ContentType() string {
	switch c.name {
	case serializer.Msgpack:
		return "application/msgpack"
	case serializer.CBOR:
		return "application/cbor"
	default:
		return "application/json"
	}
}

// EncodeMessage serializes msg.
func (c *Codec) EncodeMessage(msg *Message) ([]byte, error) { return c.s.Marshal(msg) }

// DecodeMessage parses a message and checks its type.
func (c *Codec) DecodeMessage(data []byte) (*Message, error) {
	var msg Message

	err := c.s.Unmarshal(data, &msg)
	if err != nil {
		return nil, err
	}

	if !msg.Type.Valid() {
		return nil, ewrap.Newf("unknown message type %q", msg.Type)
	}

	return &msg, nil
}

// EncodeReply serializes r.
func (c *Codec) EncodeReply(r *Reply) ([]byte, error) { return c.s.Marshal(r) }

// DecodeReply parses a reply.
func (c *Codec) DecodeReply(data []byte) (*Reply, error) {
	var r Reply

	err := c.s.Unmarshal(data, &r)
	if err != nil {
		return nil, err
	}

	return &r, nil
}
