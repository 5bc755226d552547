package client

import (
	"testing"
	"time"
)

func TestTablePutTake(t *testing.T) {
	table := NewTable(0)
	table.Put(1, Pending{Key: "a"})
	table.Put(2, Pending{Key: "b", Kind: KindSet})

	p, ok := table.Take(1)
	if !ok || p.Key != "a" {
		t.Fatalf("Take(1) = %+v, %v", p, ok)
	}
	if _, ok := table.Take(1); ok {
		t.Fatalf("Take(1) twice should miss")
	}
	if table.Len() != 1 {
		t.Fatalf("len = %d, want 1", table.Len())
	}
}

func TestTableDropKeyKeepsSets(t *testing.T) {
	table := NewTable(0)
	table.Put(1, Pending{Key: "a"})
	table.Put(2, Pending{Key: "a"})
	table.Put(3, Pending{Key: "a", Kind: KindSet})
	table.Put(4, Pending{Key: "b"})

	if n := table.DropKey("a"); n != 2 {
		t.Fatalf("DropKey removed %d, want 2", n)
	}
	if _, ok := table.Take(3); !ok {
		t.Fatalf("set entry should survive DropKey")
	}
	if _, ok := table.Take(4); !ok {
		t.Fatalf("entry for another key should survive DropKey")
	}
}

func TestTableSweep(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	table := NewTable(time.Minute)
	table.Put(1, Pending{Key: "old", Issued: base})
	table.Put(2, Pending{Key: "new", Issued: base.Add(50 * time.Second)})

	expired := table.Sweep(base.Add(90 * time.Second))
	if len(expired) != 1 || expired[1].Key != "old" {
		t.Fatalf("expired = %v", expired)
	}
	if table.Len() != 1 {
		t.Fatalf("len = %d, want 1", table.Len())
	}

	noExpiry := NewTable(0)
	noExpiry.Put(1, Pending{Key: "a", Issued: base})
	if got := noExpiry.Sweep(base.Add(time.Hour)); got != nil {
		t.Fatalf("ttl 0 should never expire, got %v", got)
	}
}
