//go:build linux

package uring

import (
	"testing"
)

func TestEntryPoolAllocRelease(t *testing.T) {
	pool := newEntryPool(8, nil)
	if pool.timer().kind != timerEntry {
		t.Error("entry 0 must be the timer entry")
		return
	}
	seen := make(map[uint32]struct{})
	taken := make([]*entry, 0, 7)
	for {
		e := pool.alloc()
		if e == nil {
			break
		}
		if e.index == 0 {
			t.Error("timer entry leaked into the free list")
			return
		}
		if _, dup := seen[e.index]; dup {
			t.Errorf("entry %d issued twice", e.index)
			return
		}
		seen[e.index] = struct{}{}
		taken = append(taken, e)
	}
	if len(taken) != 7 {
		t.Errorf("expected 7 allocatable entries, got %d", len(taken))
		return
	}
	if pool.numInUse != 7 {
		t.Errorf("expected 7 in use, got %d", pool.numInUse)
		return
	}
	for _, e := range taken {
		pool.release(e)
	}
	if pool.numInUse != 0 {
		t.Errorf("expected 0 in use after release, got %d", pool.numInUse)
	}
}

func TestEntryPoolExhaustionIsNil(t *testing.T) {
	pool := newEntryPool(4, nil)
	for i := 0; i < 3; i++ {
		if pool.alloc() == nil {
			t.Errorf("alloc %d failed below capacity", i)
			return
		}
	}
	if pool.alloc() != nil {
		t.Error("alloc beyond capacity must return nil")
	}
}

func TestEntryPoolReleaseResets(t *testing.T) {
	pool := newEntryPool(4, nil)
	e := pool.alloc()
	e.canceled = true
	e.persist = true
	e.kind = cancelEntry
	idx := e.index
	pool.release(e)
	var again *entry
	for {
		next := pool.alloc()
		if next == nil {
			t.Error("released entry never reissued")
			return
		}
		if next.index == idx {
			again = next
			break
		}
	}
	if again.canceled || again.persist || again.kind != pollEntry {
		t.Error("released entry state not reset")
	}
}

func TestEntryPoolGetRejectsStale(t *testing.T) {
	pool := newEntryPool(4, nil)
	e := pool.alloc()
	idx := uint64(e.index)
	if pool.get(idx) != e {
		t.Error("in-use entry not resolvable")
		return
	}
	pool.release(e)
	if pool.get(idx) != nil {
		t.Error("recycled entry must not resolve")
	}
	if pool.get(uint64(len(pool.entries))) != nil {
		t.Error("out-of-range user data must not resolve")
	}
	if pool.get(0) == nil {
		t.Error("timer entry must always resolve")
	}
}
