//go:build linux

package poll

import (
	"github.com/arcral/folly/pkg/backend"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func testPipe(t *testing.T) (int, int) {
	t.Helper()
	var fds [2]int
	if pipeErr := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); pipeErr != nil {
		t.Fatal(pipeErr)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollReadReadiness(t *testing.T) {
	var fired []backend.IOEvents
	handlers := backend.Handlers{
		OnEvent: func(ev *backend.Event, got backend.IOEvents) {
			fired = append(fired, got)
		},
	}
	b, newErr := New(Options{}, handlers)
	if newErr != nil {
		t.Error(newErr)
		return
	}
	defer b.Close()

	r, w := testPipe(t)
	ev := &backend.Event{Fd: r, Events: backend.Readable}
	if addErr := b.AddEvent(ev); addErr != nil {
		t.Error(addErr)
		return
	}
	if _, writeErr := unix.Write(w, []byte("x")); writeErr != nil {
		t.Error(writeErr)
		return
	}
	n, pollErr := b.PollOnce(backend.Wait)
	if pollErr != nil {
		t.Error(pollErr)
		return
	}
	if n != 1 || len(fired) != 1 || !fired[0].Has(backend.Readable) {
		t.Errorf("dispatched %d, callbacks %v", n, fired)
		return
	}
	// one-shot: gone after delivery
	if _, registered := b.events[r]; registered {
		t.Error("one-shot registration survived its delivery")
	}
}

func TestPollPersist(t *testing.T) {
	fired := 0
	handlers := backend.Handlers{
		OnEvent: func(ev *backend.Event, got backend.IOEvents) {
			fired++
		},
	}
	b, newErr := New(Options{}, handlers)
	if newErr != nil {
		t.Error(newErr)
		return
	}
	defer b.Close()

	r, w := testPipe(t)
	ev := &backend.Event{Fd: r, Events: backend.Readable | backend.Persist}
	if addErr := b.AddEvent(ev); addErr != nil {
		t.Error(addErr)
		return
	}
	for i := 0; i < 2; i++ {
		if _, writeErr := unix.Write(w, []byte("x")); writeErr != nil {
			t.Error(writeErr)
			return
		}
		if _, pollErr := b.PollOnce(backend.Wait); pollErr != nil {
			t.Error(pollErr)
			return
		}
		var buf [8]byte
		_, _ = unix.Read(r, buf[:])
	}
	if fired != 2 {
		t.Errorf("persistent event fired %d times, want 2", fired)
		return
	}
	if delErr := b.DelEvent(ev); delErr != nil {
		t.Error(delErr)
	}
}

func TestPollDontWaitEmpty(t *testing.T) {
	b, newErr := New(Options{}, backend.Handlers{})
	if newErr != nil {
		t.Error(newErr)
		return
	}
	defer b.Close()

	n, pollErr := b.PollOnce(backend.DontWait)
	if pollErr != nil {
		t.Error(pollErr)
		return
	}
	if n != 0 {
		t.Errorf("dispatched %d events on an idle backend", n)
	}
}

func TestPollTimer(t *testing.T) {
	fires := 0
	handlers := backend.Handlers{
		OnTimer: func() {
			fires++
		},
	}
	b, newErr := New(Options{}, handlers)
	if newErr != nil {
		t.Error(newErr)
		return
	}
	defer b.Close()

	if timerErr := b.SetTimer(5 * time.Millisecond); timerErr != nil {
		t.Error(timerErr)
		return
	}
	if _, pollErr := b.PollOnce(backend.Wait); pollErr != nil {
		t.Error(pollErr)
		return
	}
	if fires != 1 {
		t.Errorf("timer fired %d times, want 1", fires)
	}
}

func TestPollUseAfterClose(t *testing.T) {
	b, newErr := New(Options{}, backend.Handlers{})
	if newErr != nil {
		t.Error(newErr)
		return
	}
	if closeErr := b.Close(); closeErr != nil {
		t.Error(closeErr)
		return
	}
	if closeErr := b.Close(); closeErr != nil {
		t.Error("second close must be a no-op")
		return
	}
	ev := &backend.Event{Fd: 0, Events: backend.Readable}
	if addErr := b.AddEvent(ev); !backend.IsClosed(addErr) {
		t.Errorf("AddEvent after close = %v, want closed", addErr)
	}
}
