package overlay

import (
	"bytes"
	"encoding/gob"
	"strconv"
)

const (
	frameHeartbeat = "heartbeat"
	frameData      = "data"
)

// frame is the UDP datagram exchanged between overlay nodes. Heartbeats
// advertise subscriptions and known peers; data frames carry one published
// message.
type frame struct {
	Kind   string
	Origin string
	// Reply marks a heartbeat sent in answer to another; replies are not
	// answered again.
	Reply  bool
	Topics []string
	Peers  []string

	Seq   uint64
	Topic string
	Hops  int
	Data  []byte
}

func (f frame) messageID() string {
	return f.Origin + "/" + strconv.FormatUint(f.Seq, 10)
}

func encodeFrame(f frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeFrame(data []byte) (frame, error) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var f frame
	if err := dec.Decode(&f); err != nil {
		return frame{}, err
	}
	return f, nil
}
