package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []Envelope{
		{ID: 0, Type: Get, Payload: []byte("configservice.address")},
		{ID: 1, Type: Notification, Payload: []byte("localhost")},
		{ID: 1 << 40, Type: Set, Payload: []byte("k=v")},
		{ID: 7, Type: Control, Payload: []byte{}},
		{ID: 8, Type: Notification, Payload: nil},
		{ID: ^uint64(0), Type: Get, Payload: []byte{0x00, 0xff, 0xc0}},
	}
	for _, want := range cases {
		data, err := Encode(want)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if got.ID != want.ID || got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	valid, err := Encode(Envelope{ID: 3, Type: Get, Payload: []byte("some.key")})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	inputs := map[string][]byte{
		"empty":     nil,
		"nil":       {0xc0},
		"truncated": valid[:len(valid)-1],
		"trailing":  append(append([]byte(nil), valid...), 0x01),
		"garbled":   []byte("hello world"),
		"short":     {0x93, 0x01},
		"two items": {0x92, 0x01, 0x03},
		// uint16 259 and int16 -253 both truncate to Get as a uint8.
		"wide tag":     {0x93, 0x01, 0xcd, 0x01, 0x03, 0xc4, 0x00},
		"negative tag": {0x93, 0x01, 0xd1, 0xff, 0x03, 0xc4, 0x00},
		"negative id":  {0x93, 0xff, 0x03, 0xc4, 0x00},
		"string id":    {0x93, 0xa1, 'x', 0x03, 0xc4, 0x00},
	}
	for name, data := range inputs {
		_, err := Decode(data)
		var decErr *DecodeError
		if !errors.As(err, &decErr) {
			t.Fatalf("%s: expected *DecodeError, got %v", name, err)
		}
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	// [1, 9, ""] with a type tag outside the enumeration.
	data := []byte{0x93, 0x01, 0x09, 0xc4, 0x00}
	_, err := Decode(data)
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
}

func TestDecodeAcceptsSignedNonNegativeIntegers(t *testing.T) {
	// [int8 5, int8 3, ""] as written by encoders that prefer signed codes.
	got, err := Decode([]byte{0x93, 0xd0, 0x05, 0xd0, 0x03, 0xc4, 0x00})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.ID != 5 || got.Type != Get {
		t.Fatalf("decoded %+v, want id 5 type get", got)
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	if _, err := Encode(Envelope{ID: 1, Type: MsgType(42)}); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestEnvelopeText(t *testing.T) {
	text, err := Envelope{Payload: []byte("61250")}.Text()
	if err != nil || text != "61250" {
		t.Fatalf("Text() = %q, %v; want 61250, nil", text, err)
	}
	if _, err := (Envelope{Payload: []byte{0xff, 0xfe}}).Text(); !errors.Is(err, ErrPayloadEncoding) {
		t.Fatalf("expected ErrPayloadEncoding, got %v", err)
	}
}

func TestSetPayload(t *testing.T) {
	payload, err := EncodeSet("db.dsn", "user=app password=x")
	if err != nil {
		t.Fatalf("encode set failed: %v", err)
	}
	key, value, err := DecodeSet(payload)
	if err != nil {
		t.Fatalf("decode set failed: %v", err)
	}
	if key != "db.dsn" || value != "user=app password=x" {
		t.Fatalf("DecodeSet = %q, %q", key, value)
	}

	if _, err := EncodeSet("", "v"); !errors.Is(err, ErrMalformedSet) {
		t.Fatalf("expected ErrMalformedSet for empty key, got %v", err)
	}
	if _, err := EncodeSet("a=b", "v"); !errors.Is(err, ErrMalformedSet) {
		t.Fatalf("expected ErrMalformedSet for key with '=', got %v", err)
	}
	for _, bad := range [][]byte{[]byte("novalue"), []byte("=v")} {
		if _, _, err := DecodeSet(bad); !errors.Is(err, ErrMalformedSet) {
			t.Fatalf("DecodeSet(%q): expected ErrMalformedSet, got %v", bad, err)
		}
	}
	if _, _, err := DecodeSet([]byte{0xff, '=', 'x'}); !errors.Is(err, ErrPayloadEncoding) {
		t.Fatalf("expected ErrPayloadEncoding, got %v", err)
	}

	key, value, err = DecodeSet([]byte("k="))
	if err != nil || key != "k" || value != "" {
		t.Fatalf("DecodeSet(k=) = %q, %q, %v", key, value, err)
	}
}

func BenchmarkEnvelopeEncodeDecode(b *testing.B) {
	msg := Envelope{ID: 42, Type: Notification, Payload: []byte("configservice.address")}
	for b.Loop() {
		data, err := Encode(msg)
		if err != nil {
			b.Fatalf("encode failed: %v", err)
		}
		if _, err := Decode(data); err != nil {
			b.Fatalf("decode failed: %v", err)
		}
	}
}
