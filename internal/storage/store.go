package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: key not found")

// Record is a stored value with write metadata. There is no conflict
// resolution: the last Set wins.
type Record[V any] struct {
	Value     V
	Version   uint64
	NodeID    string
	UpdatedAt time.Time
}

// Store is the authoritative key-value map of a server node.
type Store[K ~string, V any] interface {
	Set(ctx context.Context, key K, value V) error
	Get(ctx context.Context, key K) (Record[V], error)
	// Snapshot returns a point-in-time copy of all records.
	Snapshot(ctx context.Context) (map[K]Record[V], error)
	// Len returns the number of stored records.
	Len(ctx context.Context) (int, error)
	Close() error
}

// Seed writes every pair of values into store.
func Seed[K ~string, V any](ctx context.Context, store Store[K, V], values map[K]V) error {
	for key, value := range values {
		if err := store.Set(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}
