//go:build linux

// Package folly is a readiness-polling event loop on top of io_uring, with
// a transparent epoll fallback for kernels without ring support. An
// EventBase owns one backend, a set of descriptor registrations and a
// deadline heap, all driven from a single goroutine.
package folly

import (
	"container/heap"
	"github.com/arcral/folly/pkg/backend"
	"github.com/arcral/folly/pkg/poll"
	"github.com/arcral/folly/pkg/uring"
	"github.com/brickingsoft/errors"
	"time"
)

// Event is a live descriptor-readiness registration.
type Event = backend.Event

// IOEvents is the readiness interest and result bitmask.
type IOEvents = backend.IOEvents

const (
	Readable = backend.Readable
	Writable = backend.Writable
	Persist  = backend.Persist
)

// EventCallback receives the readiness flags that actually fired.
type EventCallback func(ev *Event, got IOEvents)

// EventBase drives a polling backend. All methods must be called from the
// owning goroutine; callbacks run on it during Loop and LoopOnce.
type EventBase struct {
	be        backend.Backend
	callbacks map[*Event]EventCallback
	timers    timerHeap
	closed    bool
}

// New builds an EventBase. With AutoFlavor the ring backend is tried first
// and epoll is used when the kernel cannot run it.
func New(options ...Option) (*EventBase, error) {
	opts := Options{}
	for _, opt := range options {
		if optErr := opt(&opts); optErr != nil {
			return nil, optErr
		}
	}
	eb := &EventBase{
		callbacks: make(map[*Event]EventCallback),
	}
	handlers := backend.Handlers{
		OnEvent: eb.onEvent,
		OnTimer: eb.onTimer,
	}
	ringOptions := uring.Options{
		Capacity:         opts.Capacity,
		MaxSubmit:        opts.MaxSubmit,
		MaxGet:           opts.MaxGet,
		UseRegisteredFds: opts.UseRegisteredFds,
		Logger:           opts.Logger,
	}
	pollOptions := poll.Options{
		MaxGet: opts.MaxGet,
		Logger: opts.Logger,
	}
	switch opts.Flavor {
	case RingFlavor:
		be, beErr := uring.New(ringOptions, handlers)
		if beErr != nil {
			return nil, beErr
		}
		eb.be = be
	case EpollFlavor:
		be, beErr := poll.New(pollOptions, handlers)
		if beErr != nil {
			return nil, beErr
		}
		eb.be = be
	default:
		be, beErr := uring.New(ringOptions, handlers)
		if beErr == nil {
			eb.be = be
			break
		}
		if !backend.IsNotAvailable(beErr) {
			return nil, beErr
		}
		fallback, fallbackErr := poll.New(pollOptions, handlers)
		if fallbackErr != nil {
			return nil, fallbackErr
		}
		eb.be = fallback
	}
	return eb, nil
}

// RegisterEvent watches fd for the given readiness flags. Without Persist
// the registration is consumed by its first delivery. Backpressure is
// absorbed by flushing completions once before retrying; if the retry still
// fails the error surfaces and the caller should poll and try again.
func (eb *EventBase) RegisterEvent(fd int, events IOEvents, cb EventCallback) (*Event, error) {
	if eb.closed {
		return nil, errors.From(backend.ErrClosed)
	}
	if cb == nil {
		return nil, errors.New("folly: nil event callback")
	}
	ev := &Event{Fd: fd, Events: events}
	addErr := eb.be.AddEvent(ev)
	if backend.IsBackpressure(addErr) {
		if _, pollErr := eb.be.PollOnce(backend.DontWait); pollErr != nil {
			return nil, pollErr
		}
		addErr = eb.be.AddEvent(ev)
	}
	if addErr != nil {
		return nil, addErr
	}
	eb.callbacks[ev] = cb
	return ev, nil
}

// UnregisterEvent stops watching ev. Notifications not yet delivered are
// dropped.
func (eb *EventBase) UnregisterEvent(ev *Event) error {
	if eb.closed {
		return errors.From(backend.ErrClosed)
	}
	if _, registered := eb.callbacks[ev]; !registered {
		return errors.New("folly: event not registered")
	}
	delete(eb.callbacks, ev)
	return eb.be.DelEvent(ev)
}

// RunAfter schedules fn to run on the loop once d has elapsed.
func (eb *EventBase) RunAfter(d time.Duration, fn func()) error {
	if eb.closed {
		return errors.From(backend.ErrClosed)
	}
	if fn == nil {
		return errors.New("folly: nil timer callback")
	}
	if d <= 0 {
		d = time.Nanosecond
	}
	at := time.Now().Add(d)
	heap.Push(&eb.timers, &deadline{at: at, fn: fn})
	if eb.timers[0].at.Equal(at) {
		return eb.be.SetTimer(d)
	}
	return nil
}

// LoopOnce runs a single poll iteration and reports how many readiness
// events were dispatched.
func (eb *EventBase) LoopOnce(mode backend.WaitMode) (int, error) {
	if eb.closed {
		return 0, errors.From(backend.ErrClosed)
	}
	return eb.be.PollOnce(mode)
}

// Loop polls until no registrations and no timers remain, or Close is
// called from a callback.
func (eb *EventBase) Loop() error {
	for !eb.closed && (len(eb.callbacks) > 0 || eb.timers.Len() > 0) {
		if _, loopErr := eb.be.PollOnce(backend.Wait); loopErr != nil {
			if backend.IsClosed(loopErr) {
				return nil
			}
			return loopErr
		}
	}
	return nil
}

// Close tears down the backend, then drops registrations and timers.
func (eb *EventBase) Close() error {
	if eb.closed {
		return nil
	}
	eb.closed = true
	closeErr := eb.be.Close()
	clear(eb.callbacks)
	eb.timers = eb.timers[:0]
	return closeErr
}

func (eb *EventBase) onEvent(ev *Event, got IOEvents) {
	cb, registered := eb.callbacks[ev]
	if !registered {
		return
	}
	if !ev.Events.Has(Persist) {
		delete(eb.callbacks, ev)
	}
	cb(ev, got)
}

// onTimer pops every due deadline, runs it, and re-arms the backend timer
// for the next one.
func (eb *EventBase) onTimer() {
	now := time.Now()
	for eb.timers.Len() > 0 && !eb.timers[0].at.After(now) {
		due := heap.Pop(&eb.timers).(*deadline)
		due.fn()
	}
	if eb.closed || eb.timers.Len() == 0 {
		return
	}
	next := eb.timers[0].at.Sub(now)
	if next <= 0 {
		next = time.Nanosecond
	}
	_ = eb.be.SetTimer(next)
}
