package api

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrDecode classifies malformed frame payloads.
var ErrDecode = errors.New("api: decode")

// Serializer converts envelopes to frame payloads and back.
type Serializer interface {
	Encode(*Message) ([]byte, error)
	Decode([]byte) (*Message, error)
}

// Msgpack is the MessagePack serializer spoken by the device firmware.
// Stateless and safe for concurrent use.
type Msgpack struct{}

var _ Serializer = Msgpack{}

func (Msgpack) Encode(m *Message) ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("api: encode %s: %w", m.Op, err)
	}
	return b, nil
}

func (Msgpack) Decode(b []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &m, nil
}
