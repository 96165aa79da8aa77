//go:build linux

// Package poll is the epoll fallback backend, used when the kernel cannot
// run the ring backend. It implements the same contract: one-shot and
// persistent descriptor readiness plus a timerfd-driven timer.
package poll

import (
	"github.com/arcral/folly/pkg/backend"
	"github.com/brickingsoft/errors"
	"log/slog"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const DefaultMaxGet = 128

type Options struct {
	// MaxGet bounds how many readiness events one poll dispatches.
	// Default 128.
	MaxGet uint32
	// Logger for best-effort failure reporting. Default slog.Default().
	Logger *slog.Logger
}

// Backend multiplexes descriptor readiness through epoll. Single-threaded,
// like every backend: one owning goroutine calls everything.
type Backend struct {
	epollFd  int
	timerFd  int
	maxGet   int
	log      *slog.Logger
	handlers backend.Handlers
	events   map[int]*backend.Event
	closed   bool
}

func New(options Options, handlers backend.Handlers) (*Backend, error) {
	if options.MaxGet == 0 {
		options.MaxGet = DefaultMaxGet
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	epollFd, epollErr := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if epollErr != nil {
		return nil, errors.From(backend.ErrNotAvailable, errors.WithWrap(epollErr))
	}
	timerFd, timerErr := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if timerErr != nil {
		_ = unix.Close(epollFd)
		return nil, errors.From(backend.ErrNotAvailable, errors.WithWrap(timerErr))
	}
	timerEvent := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(timerFd)}
	if ctlErr := unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, timerFd, &timerEvent); ctlErr != nil {
		_ = unix.Close(timerFd)
		_ = unix.Close(epollFd)
		return nil, errors.From(backend.ErrNotAvailable, errors.WithWrap(ctlErr))
	}
	return &Backend{
		epollFd:  epollFd,
		timerFd:  timerFd,
		maxGet:   int(options.MaxGet),
		log:      options.Logger,
		handlers: handlers,
		events:   make(map[int]*backend.Event),
	}, nil
}

func (b *Backend) AddEvent(ev *backend.Event) error {
	if b.closed {
		return errors.From(backend.ErrClosed)
	}
	if _, registered := b.events[ev.Fd]; registered {
		return errors.New("poll: descriptor already added")
	}
	epollEvent := unix.EpollEvent{Events: epollFlags(ev.Events), Fd: int32(ev.Fd)}
	if ctlErr := unix.EpollCtl(b.epollFd, unix.EPOLL_CTL_ADD, ev.Fd, &epollEvent); ctlErr != nil {
		return errors.New("poll: failed to add descriptor", errors.WithWrap(ctlErr))
	}
	b.events[ev.Fd] = ev
	return nil
}

func (b *Backend) DelEvent(ev *backend.Event) error {
	if b.closed {
		return errors.From(backend.ErrClosed)
	}
	if _, registered := b.events[ev.Fd]; !registered {
		return errors.New("poll: descriptor not added")
	}
	delete(b.events, ev.Fd)
	if ctlErr := unix.EpollCtl(b.epollFd, unix.EPOLL_CTL_DEL, ev.Fd, nil); ctlErr != nil {
		// a fired one-shot may already be gone
		if !errors.Is(ctlErr, syscall.ENOENT) {
			return errors.New("poll: failed to delete descriptor", errors.WithWrap(ctlErr))
		}
	}
	return nil
}

func (b *Backend) PollOnce(mode backend.WaitMode) (int, error) {
	if b.closed {
		return 0, errors.From(backend.ErrClosed)
	}
	timeout := 0
	if mode == backend.Wait {
		timeout = -1
	}
	ready := make([]unix.EpollEvent, b.maxGet+1)
	var n int
	for {
		var waitErr error
		n, waitErr = unix.EpollWait(b.epollFd, ready, timeout)
		if waitErr == nil {
			break
		}
		if errors.Is(waitErr, syscall.EINTR) {
			if mode == backend.Wait {
				continue
			}
			return 0, nil
		}
		return 0, errors.New("poll: wait failed", errors.WithWrap(waitErr))
	}
	dispatched := 0
	for i := 0; i < n; i++ {
		if int(ready[i].Fd) == b.timerFd {
			b.fireTimer()
			continue
		}
		ev, registered := b.events[int(ready[i].Fd)]
		if !registered {
			continue
		}
		dispatched++
		if !ev.Events.Has(backend.Persist) {
			delete(b.events, ev.Fd)
			if ctlErr := unix.EpollCtl(b.epollFd, unix.EPOLL_CTL_DEL, ev.Fd, nil); ctlErr != nil {
				b.log.Warn("poll: one-shot deregistration failed", "fd", ev.Fd, "error", ctlErr)
			}
		}
		if b.handlers.OnEvent != nil {
			b.handlers.OnEvent(ev, ioEvents(ready[i].Events, ev.Events))
		}
	}
	return dispatched, nil
}

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

func (b *Backend) fireTimer() {
	var buf [8]byte
	_, _ = unix.Read(b.timerFd, buf[:])
	if b.handlers.OnTimer != nil {
		b.handlers.OnTimer()
	}
}

func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	_ = unix.Close(b.timerFd)
	_ = unix.Close(b.epollFd)
	clear(b.events)
	b.closed = true
	return nil
}

func epollFlags(events backend.IOEvents) uint32 {
	var mask uint32
	if events.Has(backend.Readable) {
		mask |= unix.EPOLLIN
	}
	if events.Has(backend.Writable) {
		mask |= unix.EPOLLOUT
	}
	if !events.Has(backend.Persist) {
		mask |= unix.EPOLLONESHOT
	}
	return mask
}

func ioEvents(mask uint32, interest backend.IOEvents) backend.IOEvents {
	var got backend.IOEvents
	if mask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		got |= backend.Readable
	}
	if mask&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		got |= backend.Writable
	}
	return got & interest
}
