package overlay

import (
	"sync"
)

// Filter decides how many copies of a message travel from one member to
// another: 0 drops it, more than 1 duplicates it.
type Filter func(from, to string, data []byte) int

// Hub connects in-process overlays. It is used by tests and examples.
type Hub struct {
	mu      sync.Mutex
	members map[string]*Memory
	filter  Filter
}

func NewHub() *Hub {
	return &Hub{members: make(map[string]*Memory)}
}

// SetFilter installs f for all subsequent publishes. nil restores
// one-copy delivery.
func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	h.filter = f
	h.mu.Unlock()
}

// Join adds a member with the given id. buffer bounds its undelivered
// queue; extra messages are dropped.
func (h *Hub) Join(id string, buffer int) *Memory {
	if buffer <= 0 {
		buffer = 64
	}
	m := &Memory{
		hub:        h,
		id:         id,
		topics:     make(map[string]struct{}),
		deliveries: make(chan Delivery, buffer),
	}
	h.mu.Lock()
	h.members[id] = m
	h.mu.Unlock()
	return m
}

// Memory is one member of a Hub.
type Memory struct {
	hub        *Hub
	id         string
	mu         sync.Mutex
	topics     map[string]struct{}
	deliveries chan Delivery
	closed     bool
}

func (m *Memory) ID() string { return m.id }

func (m *Memory) Subscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.topics[topic] = struct{}{}
	return nil
}

func (m *Memory) Publish(topic string, data []byte) error {
	if m.isClosed() {
		return &PublishError{Topic: topic, Err: ErrClosed}
	}
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	sent := 0
	for id, peer := range h.members {
		if id == m.id || !peer.subscribed(topic) {
			continue
		}
		sent++
		copies := 1
		if h.filter != nil {
			copies = h.filter(m.id, id, data)
		}
		for range copies {
			peer.deliver(Delivery{Topic: topic, Source: m.id, Data: append([]byte(nil), data...)})
		}
	}
	if sent == 0 {
		return &PublishError{Topic: topic, Err: ErrNoPeers}
	}
	return nil
}

func (m *Memory) MeshPeerCount(topic string) int {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for id, peer := range h.members {
		if id != m.id && peer.subscribed(topic) {
			count++
		}
	}
	return count
}

func (m *Memory) Deliveries() <-chan Delivery {
	return m.deliveries
}

func (m *Memory) Close() error {
	h := m.hub
	h.mu.Lock()
	delete(h.members, m.id)
	h.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true
	close(m.deliveries)
	return nil
}

func (m *Memory) subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	_, ok := m.topics[topic]
	return ok
}

func (m *Memory) deliver(d Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.deliveries <- d:
	default:
	}
}

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
