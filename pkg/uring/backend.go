//go:build linux

// Package uring is the io_uring readiness backend: poll-add and poll-remove
// submissions batched through a fixed-size kernel ring, with a registered
// file table, a timerfd-driven timer and a process-wide availability probe.
package uring

import (
	"github.com/arcral/folly/pkg/backend"
	"github.com/brickingsoft/errors"
	"github.com/eapache/queue"
	"github.com/pawelgaczynski/giouring"
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	DefaultCapacity  = 1024
	DefaultMaxSubmit = 128
)

// IOSQE_FIXED_FILE
const sqeFixedFile uint8 = 1 << 0

type Options struct {
	// Capacity is the requested completion queue depth and, with
	// UseRegisteredFds, the registered file table size. Default 1024.
	Capacity uint32
	// MaxSubmit bounds one submission batch. The entry pool holds
	// 2*MaxSubmit entries. Default 128.
	MaxSubmit uint32
	// MaxGet bounds how many completions one poll dispatches.
	// Default MaxSubmit.
	MaxGet uint32
	// UseRegisteredFds enables the kernel registered-file table.
	UseRegisteredFds bool
	// Logger for best-effort failure reporting. Default slog.Default().
	Logger *slog.Logger
}

func (options *Options) normalize() {
	if options.Capacity == 0 {
		options.Capacity = DefaultCapacity
	}
	if options.MaxSubmit == 0 {
		options.MaxSubmit = DefaultMaxSubmit
	}
	if options.MaxGet == 0 {
		options.MaxGet = options.MaxSubmit
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
}

// Backend multiplexes descriptor readiness, timerfd expiry and cancellation
// through one io_uring. It is owned by a single goroutine: no method may be
// called concurrently with another.
type Backend struct {
	ring *giouring.Ring
	// submitter is the ring's submit surface, swappable in tests to
	// observe batch submission counts.
	submitter submitRing
	capacity  uint32
	maxSubmit uint32
	maxGet    uint32
	log       *slog.Logger
	handlers  backend.Handlers

	pool     *entryPool
	registry *fdRegistry
	records  map[int]*fdRecord

	timerFd int

	// submitList holds entries waiting for an SQE, in FIFO order.
	submitList *queue.Queue
	// active holds submitted entries the kernel still owns.
	active map[*entry]struct{}
	// events maps a live registration to its entry.
	events map[*backend.Event]*entry

	shuttingDown bool
	closed       bool
}

// New sets up the ring, the entry pool, the optional registered-file table
// and the timer descriptor. Kernel refusal surfaces as ErrNotAvailable so
// callers can fall back to another backend.
func New(options Options, handlers backend.Handlers) (*Backend, error) {
	options.normalize()
	// the kernel sizes the completion queue at twice the submission queue,
	// so asking for max(2*maxSubmit, capacity/2) slots keeps 2*maxSubmit
	// submission headroom and a completion queue of at least capacity
	entries := 2 * options.MaxSubmit
	if options.Capacity/2 > entries {
		entries = options.Capacity / 2
	}
	ring, ringErr := giouring.CreateRing(entries)
	if ringErr != nil {
		return nil, errors.From(backend.ErrNotAvailable, errors.WithWrap(ringErr))
	}
	b := &Backend{
		ring:       ring,
		submitter:  ring,
		capacity:   options.Capacity,
		maxSubmit:  options.MaxSubmit,
		maxGet:     options.MaxGet,
		log:        options.Logger,
		handlers:   handlers,
		records:    make(map[int]*fdRecord),
		timerFd:    -1,
		submitList: queue.New(),
		active:     make(map[*entry]struct{}),
		events:     make(map[*backend.Event]*entry),
	}
	b.pool = newEntryPool(2*options.MaxSubmit, b.processPollCompletion)
	b.pool.timer().cb = b.processTimerCompletion
	// the file table must be registered before any submission
	if options.UseRegisteredFds {
		b.registry = newFdRegistry(ring, options.Capacity, b.log)
		_ = b.registry.init()
	}
	if timerErr := b.initTimerFd(); timerErr != nil {
		b.ring.QueueExit()
		return nil, errors.From(backend.ErrNotAvailable, errors.WithWrap(timerErr))
	}
	if armErr := b.armTimerPoll(); armErr != nil {
		_ = unix.Close(b.timerFd)
		b.ring.QueueExit()
		return nil, errors.From(backend.ErrNotAvailable, errors.WithWrap(armErr))
	}
	return b, nil
}

// AddEvent registers ev. The entry is queued and flushed by the next
// PollOnce, or immediately once maxSubmit registrations pile up.
func (b *Backend) AddEvent(ev *backend.Event) error {
	if b.closed {
		return errors.From(backend.ErrClosed)
	}
	if _, registered := b.events[ev]; registered {
		return errors.New("uring: event already added")
	}
	e := b.pool.alloc()
	if e == nil {
		return errors.From(backend.ErrBackpressure)
	}
	e.event = ev
	e.persist = ev.Events.Has(backend.Persist)
	if b.registry != nil {
		e.record = b.retainRecord(ev.Fd)
	}
	b.events[ev] = e
	b.submitList.Add(e)
	if b.submitList.Length() >= int(b.maxSubmit) {
		b.submitPending(backend.DontWait)
	}
	return nil
}

// DelEvent cancels a registration. A not-yet-submitted entry is only marked
// and gets released when the submit list pops it; a kernel-held entry gets a
// poll-remove submitted immediately.
func (b *Backend) DelEvent(ev *backend.Event) error {
	if b.closed {
		return errors.From(backend.ErrClosed)
	}
	e, registered := b.events[ev]
	if !registered {
		return errors.New("uring: event not added")
	}
	delete(b.events, ev)
	e.canceled = true
	if _, submitted := b.active[e]; !submitted {
		return nil
	}
	return b.cancelOne(e)
}

// PollOnce flushes the submit list, then dispatches completions. When the
// flush already blocked for a completion the dispatch pass only peeks.
func (b *Backend) PollOnce(mode backend.WaitMode) (int, error) {
	if b.closed {
		return 0, errors.From(backend.ErrClosed)
	}
	if b.submitList.Length() > 0 {
		b.submitPending(mode)
		mode = backend.DontWait
	}
	return b.getActiveEvents(mode), nil
}

// getActiveEvents drains up to maxGet completions, dispatching each entry's
// callback with the raw result. Wait blocks for the first completion,
// DontWait only peeks.
func (b *Backend) getActiveEvents(mode backend.WaitMode) int {
	var cqe *giouring.CompletionQueueEvent
	if mode == backend.Wait {
		for {
			c, waitErr := b.ring.WaitCQE()
			if waitErr == nil {
				cqe = c
				break
			}
			if errors.Is(waitErr, syscall.EINTR) {
				continue
			}
			return 0
		}
	} else {
		if c, peekErr := b.ring.PeekCQE(); peekErr == nil {
			cqe = c
		}
	}
	dispatched := 0
	for cqe != nil && dispatched < int(b.maxGet) {
		userData := cqe.UserData
		res := cqe.Res
		b.ring.CQAdvance(1)
		dispatched++
		if e := b.pool.get(userData); e != nil {
			e.cb(e, res)
		}
		// a callback may have closed the backend, the ring is gone then
		if b.closed {
			break
		}
		cqe = nil
		if c, peekErr := b.ring.PeekCQE(); peekErr == nil {
			cqe = c
		}
	}
	return dispatched
}

func (b *Backend) prepPollAdd(e *entry, sqe *giouring.SubmissionQueueEntry) {
	fd := e.event.Fd
	if e.record != nil {
		fd = int(e.record.idx)
	}
	sqe.PreparePollAdd(fd, pollFlags(e.event.Events))
	if e.record != nil {
		sqe.Flags |= sqeFixedFile
	}
	sqe.SetData64(uint64(e.index))
}

// processPollCompletion hands a readiness result to the owner. Canceled and
// cancellation entries are recycled silently; persistent entries re-arm by
// going back on the submit list.
func (b *Backend) processPollCompletion(e *entry, res int32) {
	delete(b.active, e)
	if e.kind == cancelEntry || e.canceled || e.event == nil || b.shuttingDown {
		b.releaseEntry(e)
		return
	}
	ev := e.event
	if e.persist {
		b.submitList.Add(e)
	} else {
		delete(b.events, ev)
		b.releaseEntry(e)
	}
	if res >= 0 && b.handlers.OnEvent != nil {
		b.handlers.OnEvent(ev, ioEvents(uint32(res), ev.Events))
	}
}

// retainRecord reuses the registered-file slot already held for fd, or
// allocates one. nil means the table is exhausted or unavailable and the
// poll falls back to the raw descriptor.
func (b *Backend) retainRecord(fd int) *fdRecord {
	if record, held := b.records[fd]; held {
		record.count++
		return record
	}
	record := b.registry.alloc(fd)
	if record != nil {
		b.records[fd] = record
	}
	return record
}

// releaseEntry drops the entry's registered-file reference and returns the
// entry to the pool.
func (b *Backend) releaseEntry(e *entry) {
	if record := e.record; record != nil {
		e.record = nil
		fd := record.fd
		ok := b.registry.free(record)
		if record.count == 0 {
			delete(b.records, fd)
			if !ok {
				b.log.Warn("uring: file table slot update failed on release",
					"slot", record.idx, "fd", fd)
			}
		}
	}
	b.pool.release(e)
}

// Close releases the submit list, then the kernel-held entries, waits out
// anything still in flight and finally closes the ring. Safe to call twice.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	b.shuttingDown = true
	for b.submitList.Length() > 0 {
		b.releaseEntry(b.submitList.Remove().(*entry))
	}
	for e := range b.active {
		delete(b.active, e)
		b.releaseEntry(e)
	}
	for b.pool.numInUse > 0 {
		cqe, waitErr := b.ring.WaitCQE()
		if waitErr != nil {
			if errors.Is(waitErr, syscall.EINTR) {
				continue
			}
			break
		}
		userData := cqe.UserData
		b.ring.CQAdvance(1)
		if e := b.pool.get(userData); e != nil && e.index != 0 && e.inUse {
			b.releaseEntry(e)
		}
	}
	if b.timerFd >= 0 {
		_ = unix.Close(b.timerFd)
		b.timerFd = -1
	}
	b.ring.QueueExit()
	clear(b.events)
	b.closed = true
	return nil
}

func pollFlags(events backend.IOEvents) uint32 {
	var mask uint32
	if events.Has(backend.Readable) {
		mask |= unix.POLLIN
	}
	if events.Has(backend.Writable) {
		mask |= unix.POLLOUT
	}
	return mask
}

// ioEvents maps a poll result mask back to readiness flags, constrained to
// the registered interest. Error and hangup wake every interest.
func ioEvents(mask uint32, interest backend.IOEvents) backend.IOEvents {
	var got backend.IOEvents
	if mask&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		got |= backend.Readable
	}
	if mask&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
		got |= backend.Writable
	}
	return got & interest
}
