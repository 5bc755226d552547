package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreSetGet(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := func() time.Time { return now }
	store := NewMemoryStore[string, string]("node-a", clock)

	if err := store.Set(context.Background(), "k1", "v1"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	record, err := store.Get(context.Background(), "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Value != "v1" {
		t.Fatalf("value mismatch: %v", record.Value)
	}
	if record.NodeID != "node-a" {
		t.Fatalf("node id mismatch: %v", record.NodeID)
	}
	if !record.UpdatedAt.Equal(now) {
		t.Fatalf("updatedAt mismatch: %v", record.UpdatedAt)
	}
	if record.Version != 1 {
		t.Fatalf("version mismatch: %v", record.Version)
	}
}

func TestMemoryStoreLastWriterWins(t *testing.T) {
	store := NewMemoryStore[string, string]("node-a", time.Now)
	ctx := context.Background()
	_ = store.Set(ctx, "k1", "v1")
	_ = store.Set(ctx, "k1", "v2")

	record, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Value != "v2" || record.Version != 2 {
		t.Fatalf("record mismatch: %+v", record)
	}
	size, err := store.Len(ctx)
	if err != nil || size != 1 {
		t.Fatalf("len = %d, %v; want 1", size, err)
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore[string, string]("node-a", nil)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCanceledContext(t *testing.T) {
	store := NewMemoryStore[string, string]("node-a", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Set(ctx, "k", "v"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMemoryStoreSnapshotAndSeed(t *testing.T) {
	store := NewMemoryStore[string, string]("node-a", time.Now)
	ctx := context.Background()
	err := Seed(ctx, store, map[string]string{
		"configservice.address": "localhost",
		"configservice.port":    "61250",
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	snapshot, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snapshot) != 2 {
		t.Fatalf("snapshot size mismatch: %v", len(snapshot))
	}
	if snapshot["configservice.port"].Value != "61250" {
		t.Fatalf("snapshot values mismatch: %#v", snapshot)
	}

	// The snapshot is a copy.
	_ = store.Set(ctx, "configservice.port", "9000")
	if snapshot["configservice.port"].Value != "61250" {
		t.Fatalf("snapshot changed after write")
	}
}

func BenchmarkMemoryStoreSet(b *testing.B) {
	store := NewMemoryStore[string, string]("node-a", time.Now)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Set(ctx, "key", "value")
	}
}

func BenchmarkMemoryStoreGet(b *testing.B) {
	store := NewMemoryStore[string, string]("node-a", time.Now)
	ctx := context.Background()
	_ = store.Set(ctx, "key", "value")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Get(ctx, "key")
	}
}
