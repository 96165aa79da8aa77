//go:build linux

package uring

import (
	"fmt"
	"github.com/arcral/folly/pkg/backend"
	"github.com/brickingsoft/errors"
	"syscall"
)

// submitRing is the slice of the ring API the retry loop needs. The ring
// satisfies it directly, tests substitute a mock.
type submitRing interface {
	Submit() (uint, error)
	SubmitAndWait(waitNr uint32) (uint, error)
}

// submitBusyRetry submits prepared SQEs, blocking for waitNr completions
// when waitNr > 0. While the kernel reports EBUSY the completion side is
// drained (non-blocking) and the submit retried; EINTR is retried as well.
// Any other error ends the loop.
func submitBusyRetry(ring submitRing, waitNr uint32, drain func()) (int, error) {
	for {
		var n uint
		var submitErr error
		if waitNr > 0 {
			n, submitErr = ring.SubmitAndWait(waitNr)
		} else {
			n, submitErr = ring.Submit()
		}
		if submitErr != nil {
			if errors.Is(submitErr, syscall.EBUSY) {
				drain()
				continue
			}
			if errors.Is(submitErr, syscall.EINTR) {
				continue
			}
			return 0, submitErr
		}
		return int(n), nil
	}
}

func (b *Backend) submitBusyCheck() (int, error) {
	return submitBusyRetry(b.submitter, 0, b.drainCompletions)
}

func (b *Backend) submitBusyCheckAndWait() (int, error) {
	return submitBusyRetry(b.submitter, 1, b.drainCompletions)
}

func (b *Backend) drainCompletions() {
	b.getActiveEvents(backend.DontWait)
}

// submitPending flushes the FIFO submit list: fill poll-add SQEs, submit a
// batch whenever maxSubmit slots are filled, and submit the final batch with
// the wait variant iff mode is Wait. Entries canceled before submission are
// skipped and released in order. The 2*maxSubmit pool bound guarantees an
// SQE for every popped entry and an all-or-nothing submit; violations panic.
func (b *Backend) submitPending(mode backend.WaitMode) int {
	total := 0
	batched := 0
	for b.submitList.Length() > 0 {
		e := b.submitList.Remove().(*entry)
		if e.canceled {
			b.releaseEntry(e)
			continue
		}
		sqe := b.ring.GetSQE()
		if sqe == nil {
			panic("uring: no submission slot inside a bounded batch")
		}
		b.prepPollAdd(e, sqe)
		b.active[e] = struct{}{}
		batched++
		if batched == int(b.maxSubmit) && b.submitList.Length() > 0 {
			n, submitErr := b.submitBusyCheck()
			if submitErr != nil || n != batched {
				panic(fmt.Sprintf("uring: submitted %d of a %d entry batch (%v)", n, batched, submitErr))
			}
			total += batched
			batched = 0
		}
	}
	if batched > 0 {
		var n int
		var submitErr error
		if mode == backend.Wait {
			n, submitErr = b.submitBusyCheckAndWait()
		} else {
			n, submitErr = b.submitBusyCheck()
		}
		if submitErr != nil || n != batched {
			panic(fmt.Sprintf("uring: submitted %d of a %d entry batch (%v)", n, batched, submitErr))
		}
		total += batched
	}
	return total
}

// submitOne submits the single SQE prepared by the caller, with the same
// busy-retry contract as batches.
func (b *Backend) submitOne() (int, error) {
	return b.submitBusyCheck()
}

// cancelOne allocates a pool entry for the cancellation itself, fills a
// poll-remove referencing the target and submits it immediately. On submit
// failure the cancellation entry is released and the error returned; a
// cancellation racing a completed target finishes -ENOENT, which is
// harmless.
func (b *Backend) cancelOne(target *entry) error {
	e := b.pool.alloc()
	if e == nil {
		return errors.From(backend.ErrBackpressure)
	}
	e.kind = cancelEntry
	sqe := b.ring.GetSQE()
	if sqe == nil {
		panic("uring: no submission slot for a cancellation")
	}
	sqe.PreparePollRemove(uint64(target.index))
	sqe.SetData64(uint64(e.index))
	b.active[e] = struct{}{}
	if _, submitErr := b.submitOne(); submitErr != nil {
		delete(b.active, e)
		b.pool.release(e)
		return submitErr
	}
	return nil
}
