package protocol

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// EncodeSet builds a Set payload of the form "key=value". Keys may not be
// empty or contain '='; values are free-form text.
func EncodeSet(key, value string) ([]byte, error) {
	if key == "" || strings.Contains(key, "=") {
		return nil, fmt.Errorf("%w: invalid key %q", ErrMalformedSet, key)
	}
	if !utf8.ValidString(key) || !utf8.ValidString(value) {
		return nil, ErrPayloadEncoding
	}
	return []byte(key + "=" + value), nil
}

// DecodeSet splits a Set payload at the first '='.
func DecodeSet(payload []byte) (key, value string, err error) {
	if !utf8.Valid(payload) {
		return "", "", ErrPayloadEncoding
	}
	key, value, ok := strings.Cut(string(payload), "=")
	if !ok || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedSet, payload)
	}
	return key, value, nil
}
