//go:build linux

package uring

import (
	"github.com/arcral/folly/pkg/backend"
	"github.com/brickingsoft/errors"
	"time"

	"golang.org/x/sys/unix"
)

func (b *Backend) initTimerFd() error {
	fd, timerErr := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if timerErr != nil {
		return timerErr
	}
	b.timerFd = fd
	return nil
}

// armTimerPoll submits a one-shot poll-add on the timer descriptor through
// the reserved timer entry. Exactly one submission must be reported.
func (b *Backend) armTimerPoll() error {
	e := b.pool.timer()
	sqe := b.ring.GetSQE()
	if sqe == nil {
		return errors.New("uring: no submission slot for the timer poll")
	}
	sqe.PreparePollAdd(b.timerFd, unix.POLLIN)
	sqe.SetData64(uint64(e.index))
	n, submitErr := b.submitOne()
	if submitErr != nil {
		return submitErr
	}
	if n != 1 {
		return errors.New("uring: timer poll submission not accepted")
	}
	return nil
}

// SetTimer arms the timer descriptor to expire once after d; a non-positive
// d disarms it.
func (b *Backend) SetTimer(d time.Duration) error {
	if b.closed {
		return errors.From(backend.ErrClosed)
	}
	var spec unix.ItimerSpec
	if d > 0 {
		spec.Value = unix.NsecToTimespec(d.Nanoseconds())
		if spec.Value.Sec == 0 && spec.Value.Nsec == 0 {
			spec.Value.Nsec = 1
		}
	}
	return unix.TimerfdSettime(b.timerFd, 0, &spec, nil)
}

// processTimerCompletion drains the expiry counter, notifies the owner and
// re-arms the one-shot timer poll.
func (b *Backend) processTimerCompletion(e *entry, res int32) {
	if b.shuttingDown {
		return
	}
	var buf [8]byte
	_, _ = unix.Read(b.timerFd, buf[:])
	if b.handlers.OnTimer != nil {
		b.handlers.OnTimer()
	}
	if armErr := b.armTimerPoll(); armErr != nil {
		b.log.Error("uring: timer poll re-arm failed", "error", armErr)
	}
}
