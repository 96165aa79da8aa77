//go:build linux

package uring

import (
	"github.com/arcral/folly/pkg/backend"
)

type entryKind int

const (
	pollEntry entryKind = iota
	timerEntry
	cancelEntry
)

// completionFn is an entry's completion callback, invoked with the raw CQE
// result before the completion slot is recycled.
type completionFn func(e *entry, res int32)

// entry is one in-flight ring operation. Entries live in a fixed arena and
// are addressed by index, the index doubles as the SQE user data.
type entry struct {
	index    uint32
	kind     entryKind
	event    *backend.Event
	record   *fdRecord
	persist  bool
	canceled bool
	inUse    bool
	next     int32 // free list link, meaningful only while free
	cb       completionFn
}

const noEntry = int32(-1)

// entryPool is a fixed arena of 2*maxSubmit entries with an intrusive index
// free list. Entry 0 is permanently the timer entry and never enters the
// free list. Alloc failure means backpressure, not an error.
type entryPool struct {
	entries  []entry
	freeHead int32
	numInUse int
}

func newEntryPool(size uint32, cb completionFn) *entryPool {
	pool := &entryPool{
		entries:  make([]entry, size),
		freeHead: noEntry,
	}
	for i := len(pool.entries) - 1; i > 0; i-- {
		e := &pool.entries[i]
		e.index = uint32(i)
		e.cb = cb
		e.next = pool.freeHead
		pool.freeHead = int32(i)
	}
	pool.entries[0].kind = timerEntry
	return pool
}

func (pool *entryPool) alloc() *entry {
	if pool.freeHead == noEntry {
		return nil
	}
	e := &pool.entries[pool.freeHead]
	pool.freeHead = e.next
	e.next = noEntry
	e.kind = pollEntry
	e.inUse = true
	pool.numInUse++
	return e
}

func (pool *entryPool) release(e *entry) {
	e.event = nil
	e.record = nil
	e.persist = false
	e.canceled = false
	e.inUse = false
	e.next = pool.freeHead
	pool.freeHead = int32(e.index)
	pool.numInUse--
}

// get resolves a CQE user data back to its entry, nil when the value is out
// of range or the entry was already recycled.
func (pool *entryPool) get(userData uint64) *entry {
	if userData >= uint64(len(pool.entries)) {
		return nil
	}
	e := &pool.entries[userData]
	if userData != 0 && !e.inUse {
		return nil
	}
	return e
}

func (pool *entryPool) timer() *entry {
	return &pool.entries[0]
}
