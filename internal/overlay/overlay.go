// Package overlay provides the best-effort publish/subscribe mesh that
// carries protocol envelopes between nodes. Delivery is unordered and may
// duplicate or lose messages.
package overlay

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPeers is returned by Publish when no mesh peer subscribes to
	// the topic.
	ErrNoPeers = errors.New("overlay: no mesh peers for topic")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("overlay: closed")
	// ErrQueueFull is reported when a delivery is dropped because the
	// consumer fell behind.
	ErrQueueFull = errors.New("overlay: delivery queue full")
)

// PublishError wraps a transport-level publish failure.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("overlay: publish to %q: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Delivery is a message received on a subscribed topic.
type Delivery struct {
	Topic  string
	Source string
	Data   []byte
}

// Overlay is the mesh as seen by a node.
type Overlay interface {
	Subscribe(topic string) error
	Publish(topic string, data []byte) error
	// MeshPeerCount returns how many live peers currently share topic.
	MeshPeerCount(topic string) int
	// Deliveries yields received messages. The channel is closed by Close.
	Deliveries() <-chan Delivery
	Close() error
}
