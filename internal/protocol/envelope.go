package protocol

import (
	"bytes"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// MsgType tags the payload carried by an Envelope. The numeric values are
// part of the wire format and must match on every node.
type MsgType uint8

const (
	Control MsgType = iota
	Notification
	Set
	Get
)

const (
	// NoneValue answers a Get for a key the store does not hold.
	NoneValue = "NONE"
	// OkValue acknowledges an applied Set.
	OkValue = "Ok"
)

func (t MsgType) String() string {
	switch t {
	case Control:
		return "control"
	case Notification:
		return "notification"
	case Set:
		return "set"
	case Get:
		return "get"
	default:
		return fmt.Sprintf("msgtype(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the known message types.
func (t MsgType) Valid() bool {
	return t <= Get
}

// Envelope is the unit exchanged over the overlay. ID correlates a request
// with its response: responders echo the request id back.
type Envelope struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID      uint64
	Type    MsgType
	Payload []byte
}

// PublishFunc hands encoded bytes to the overlay.
type PublishFunc func(topic string, data []byte) error

// Text returns the payload as a string, or ErrPayloadEncoding when the
// payload is not UTF-8.
func (e Envelope) Text() (string, error) {
	if !utf8.Valid(e.Payload) {
		return "", ErrPayloadEncoding
	}
	return string(e.Payload), nil
}

// Encode serializes an envelope as a MessagePack array [id, type, payload].
func Encode(e Envelope) ([]byte, error) {
	if !e.Type.Valid() {
		return nil, fmt.Errorf("protocol: encode: unknown message type %d", uint8(e.Type))
	}
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}

// Decode parses bytes produced by Encode. Any malformed input yields a
// *DecodeError. Integers are range-checked on the wire so that a wide or
// negative tag cannot be truncated into a valid type.
func Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, &DecodeError{Reason: "empty input"}
	}
	if data[0] == msgpcode.Nil {
		return Envelope{}, &DecodeError{Reason: "nil envelope"}
	}
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	if n != 3 {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("envelope has %d fields, want 3", n)}
	}
	id, err := decodeUint(dec, math.MaxUint64)
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed id", Err: err}
	}
	tag, err := decodeUint(dec, uint64(Get))
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "unknown message type", Err: err}
	}
	payload, err := dec.DecodeBytes()
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed payload", Err: err}
	}
	if r.Len() != 0 {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("%d trailing bytes", r.Len())}
	}
	return Envelope{ID: id, Type: MsgType(tag), Payload: payload}, nil
}

// decodeUint reads a MessagePack integer of any width and rejects negative
// values and values above limit.
func decodeUint(dec *msgpack.Decoder, limit uint64) (uint64, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return 0, err
	}
	var v uint64
	switch {
	case c <= msgpcode.PosFixedNumHigh,
		c == msgpcode.Uint8, c == msgpcode.Uint16, c == msgpcode.Uint32, c == msgpcode.Uint64:
		if v, err = dec.DecodeUint64(); err != nil {
			return 0, err
		}
	case c >= msgpcode.NegFixedNumLow,
		c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Int32, c == msgpcode.Int64:
		signed, err := dec.DecodeInt64()
		if err != nil {
			return 0, err
		}
		if signed < 0 {
			return 0, fmt.Errorf("negative integer %d", signed)
		}
		v = uint64(signed)
	default:
		return 0, fmt.Errorf("code 0x%02x is not an integer", c)
	}
	if v > limit {
		return 0, fmt.Errorf("integer %d exceeds %d", v, limit)
	}
	return v, nil
}
