package storage

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps records in a map. The server event loop is the only
// writer; the lock lets probe handlers and snapshots read concurrently.
type memoryStore[K ~string, V any] struct {
	mu      sync.RWMutex
	values  map[K]Record[V]
	nodeID  string
	clock   func() time.Time
	version uint64
}

func NewMemoryStore[K ~string, V any](nodeID string, clock func() time.Time) Store[K, V] {
	if clock == nil {
		clock = time.Now
	}
	return &memoryStore[K, V]{
		values: make(map[K]Record[V]),
		nodeID: nodeID,
		clock:  clock,
	}
}

func (s *memoryStore[K, V]) Set(ctx context.Context, key K, value V) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.version++
	s.values[key] = Record[V]{
		Value:     value,
		Version:   s.version,
		NodeID:    s.nodeID,
		UpdatedAt: s.clock(),
	}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore[K, V]) Get(ctx context.Context, key K) (Record[V], error) {
	if err := ctxErr(ctx); err != nil {
		return Record[V]{}, err
	}
	s.mu.RLock()
	record, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return Record[V]{}, ErrNotFound
	}
	return record, nil
}

func (s *memoryStore[K, V]) Snapshot(ctx context.Context) (map[K]Record[V], error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make(map[K]Record[V], len(s.values))
	for key, value := range s.values {
		out[key] = value
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *memoryStore[K, V]) Len(ctx context.Context) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	size := len(s.values)
	s.mu.RUnlock()
	return size, nil
}

func (s *memoryStore[K, V]) Close() error {
	return nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
