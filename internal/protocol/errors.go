package protocol

import "errors"

var (
	// ErrPayloadEncoding indicates a text payload that is not valid UTF-8.
	ErrPayloadEncoding = errors.New("protocol: payload is not valid UTF-8")
	// ErrMalformedSet indicates a Set payload without a usable key.
	ErrMalformedSet = errors.New("protocol: malformed set payload")
)

// DecodeError reports bytes that could not be parsed into an Envelope.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "protocol: decode: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
