//go:build linux

package uring

import (
	"log/slog"
)

// filesRegistrar is the slice of the ring API the registry needs. The ring
// satisfies it directly, tests substitute a mock.
type filesRegistrar interface {
	RegisterFiles(files []int) (uint, error)
	RegisterFilesUpdate(off uint, files []int) (uint, error)
}

// fdRecord is one registered-file slot. count is the number of logical
// owners, the slot is reclaimed when it drops to zero.
type fdRecord struct {
	idx   uint32
	fd    int
	count int
	next  int32 // free list link, meaningful only while free
}

// fdRegistry maintains the kernel registered-file table: a fixed set of
// slots handed out per descriptor so poll submissions can use fixed-file
// indices instead of raw descriptors.
type fdRegistry struct {
	ring     filesRegistrar
	files    []int
	records  []fdRecord
	freeHead int32
	numFree  int
	log      *slog.Logger
}

func newFdRegistry(ring filesRegistrar, capacity uint32, log *slog.Logger) *fdRegistry {
	registry := &fdRegistry{
		ring:     ring,
		files:    make([]int, capacity),
		records:  make([]fdRecord, capacity),
		freeHead: noEntry,
		log:      log,
	}
	for i := range registry.files {
		registry.files[i] = -1
	}
	return registry
}

// init registers the all-empty file table with the kernel. On success the
// free list is populated; on failure it stays empty and the backend keeps
// running with raw descriptors.
func (registry *fdRegistry) init() error {
	if _, registerErr := registry.ring.RegisterFiles(registry.files); registerErr != nil {
		registry.log.Warn("uring: file table registration failed, running unregistered",
			"capacity", len(registry.files), "error", registerErr)
		return registerErr
	}
	for i := len(registry.records) - 1; i >= 0; i-- {
		record := &registry.records[i]
		record.idx = uint32(i)
		record.fd = -1
		record.next = registry.freeHead
		registry.freeHead = int32(i)
	}
	registry.numFree = len(registry.records)
	return nil
}

// alloc takes a free slot for fd. The slot is consumed only when the kernel
// files-update reports exactly one entry; otherwise the free list is left
// untouched and nil is returned.
func (registry *fdRegistry) alloc(fd int) *fdRecord {
	if registry.freeHead == noEntry {
		return nil
	}
	record := &registry.records[registry.freeHead]
	registry.files[record.idx] = fd
	n, updateErr := registry.ring.RegisterFilesUpdate(uint(record.idx), registry.files[record.idx:record.idx+1])
	if updateErr != nil || n != 1 {
		registry.files[record.idx] = -1
		return nil
	}
	registry.freeHead = record.next
	registry.numFree--
	record.fd = fd
	record.count = 1
	record.next = noEntry
	return record
}

// free drops one reference. At zero the -1 sentinel is written back via
// files-update and the slot returns to the free list regardless of the
// kernel result; the return value reports whether the kernel update
// succeeded.
func (registry *fdRegistry) free(record *fdRecord) bool {
	if record == nil {
		return false
	}
	record.count--
	if record.count > 0 {
		return false
	}
	registry.files[record.idx] = -1
	n, updateErr := registry.ring.RegisterFilesUpdate(uint(record.idx), registry.files[record.idx:record.idx+1])
	record.fd = -1
	record.next = registry.freeHead
	registry.freeHead = int32(record.idx)
	registry.numFree++
	return updateErr == nil && n == 1
}
