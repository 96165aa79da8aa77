// Package backend defines the polling-event-backend contract shared by the
// ring and epoll implementations: events, readiness flags, wait modes, the
// handler entry points and the backend interface itself.
package backend

import (
	"github.com/brickingsoft/errors"
	"time"
)

var (
	// ErrNotAvailable means the backend cannot be constructed on this
	// kernel. Branch on it with errors.Is and fall back to another backend.
	ErrNotAvailable = errors.Define("backend: not available")
	// ErrBackpressure means the backend ran out of in-flight slots.
	// Drain completions (PollOnce) and retry.
	ErrBackpressure = errors.Define("backend: too many inflight operations")
	// ErrClosed means the backend was used after Close.
	ErrClosed = errors.Define("backend: closed")
)

func IsNotAvailable(err error) bool {
	return errors.Is(err, ErrNotAvailable)
}

func IsBackpressure(err error) bool {
	return errors.Is(err, ErrBackpressure)
}

func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IOEvents is the readiness interest (and readiness result) bitmask.
type IOEvents uint32

const (
	Readable IOEvents = 1 << iota
	Writable
	// Persist keeps the registration armed after a readiness delivery,
	// otherwise a single delivery consumes it.
	Persist
)

func (events IOEvents) Has(mask IOEvents) bool {
	return events&mask != 0
}

// WaitMode selects between blocking for at least one completion and
// consuming only what is already available.
type WaitMode int

const (
	DontWait WaitMode = iota
	Wait
)

// Event is a descriptor-readiness registration. Fd and Events are fixed for
// the lifetime of the registration.
type Event struct {
	Fd     int
	Events IOEvents
}

// Handlers are the owner's callback entry points. Both run on the thread
// driving PollOnce.
type Handlers struct {
	OnEvent func(ev *Event, got IOEvents)
	OnTimer func()
}

// Backend multiplexes descriptor readiness and a single timer. Every
// implementation is single-threaded: one owning goroutine calls everything.
type Backend interface {
	// AddEvent registers ev for readiness notification.
	AddEvent(ev *Event) error
	// DelEvent cancels a registration. Pending notifications for ev are
	// dropped, not delivered.
	DelEvent(ev *Event) error
	// PollOnce flushes pending registrations and dispatches completions,
	// blocking for at least one iff mode is Wait. It reports how many
	// completions were dispatched.
	PollOnce(mode WaitMode) (int, error)
	// SetTimer arms the timer to fire once after d. A non-positive d
	// disarms it.
	SetTimer(d time.Duration) error
	// Close releases every in-flight resource and shuts the backend down.
	// Further calls are no-ops.
	Close() error
}
