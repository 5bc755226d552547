// Package probe is a point-to-point request/response protocol: one query
// and one response per TCP connection, each carried in an unsigned-varint
// length-prefixed frame.
package probe

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// ProtocolName is sent as the first frame of every connection.
	ProtocolName = "/probe/1"
	// MaxFrame bounds the size of any frame.
	MaxFrame = 1024
)

var (
	ErrFrameTooLarge    = errors.New("probe: frame exceeds limit")
	ErrProtocolMismatch = errors.New("probe: protocol mismatch")
	ErrEmptyQuery       = errors.New("probe: empty query")
)

// WriteFrame writes data preceded by its uvarint length.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	buf := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(data)), uint64(len(data)))
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame of at most limit bytes. A zero-length frame is
// valid and yields an empty slice.
func ReadFrame(r *bufio.Reader, limit int) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
