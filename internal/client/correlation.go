package client

import "time"

// Kind distinguishes what an outstanding request asked for.
type Kind uint8

const (
	KindGet Kind = iota
	KindSet
)

// Pending is an outstanding request recorded under its correlation id.
type Pending struct {
	Key    string
	Kind   Kind
	Issued time.Time
}

// Table maps outstanding request ids to the key they were issued for.
// Entries leave the table when a Notification consumes them, when their key
// is resolved by another answer, or when Sweep finds them older than the ttl.
//
// Table is not safe for concurrent use; it belongs to one event loop.
type Table struct {
	entries map[uint64]Pending
	ttl     time.Duration
}

// NewTable creates a table whose entries expire after ttl. A non-positive
// ttl disables expiry.
func NewTable(ttl time.Duration) *Table {
	return &Table{
		entries: make(map[uint64]Pending),
		ttl:     ttl,
	}
}

func (t *Table) Put(id uint64, p Pending) {
	t.entries[id] = p
}

// Take removes and returns the entry for id.
func (t *Table) Take(id uint64) (Pending, bool) {
	p, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return p, ok
}

// DropKey removes every Get entry issued for key and returns how many were
// removed.
func (t *Table) DropKey(key string) int {
	removed := 0
	for id, p := range t.entries {
		if p.Kind == KindGet && p.Key == key {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Sweep removes entries issued before now-ttl and returns them by id.
func (t *Table) Sweep(now time.Time) map[uint64]Pending {
	if t.ttl <= 0 {
		return nil
	}
	cutoff := now.Add(-t.ttl)
	var expired map[uint64]Pending
	for id, p := range t.entries {
		if p.Issued.Before(cutoff) {
			if expired == nil {
				expired = make(map[uint64]Pending)
			}
			expired[id] = p
			delete(t.entries, id)
		}
	}
	return expired
}

func (t *Table) Len() int {
	return len(t.entries)
}
