//go:build linux

package folly_test

import (
	"testing"
	"time"

	"github.com/arcral/folly"
	"github.com/arcral/folly/pkg/backend"

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

func TestEventBaseReadEvent(t *testing.T) {
	eb, newErr := folly.New()
	if newErr != nil {
		t.Error(newErr)
		return
	}
	defer eb.Close()

	r, w := testPipe(t)
	fired := 0
	_, registerErr := eb.RegisterEvent(r, folly.Readable, func(ev *folly.Event, got folly.IOEvents) {
		fired++
		if !got.Has(folly.Readable) {
			t.Error("readable readiness not reported")
		}
	})
	if registerErr != nil {
		t.Error(registerErr)
		return
	}
	if _, writeErr := unix.Write(w, []byte("x")); writeErr != nil {
		t.Error(writeErr)
		return
	}
	// one registration, one-shot: the loop drains it and returns
	if loopErr := eb.Loop(); loopErr != nil {
		t.Error(loopErr)
		return
	}
	if fired != 1 {
		t.Errorf("event fired %d times, want 1", fired)
	}
}

func TestEventBasePersistUnregister(t *testing.T) {
	eb, newErr := folly.New()
	if newErr != nil {
		t.Error(newErr)
		return
	}
	defer eb.Close()

	r, w := testPipe(t)
	fired := 0
	var ev *folly.Event
	ev, registerErr := eb.RegisterEvent(r, folly.Readable|folly.Persist, func(_ *folly.Event, got folly.IOEvents) {
		fired++
		var buf [8]byte
		_, _ = unix.Read(r, buf[:])
		if fired == 2 {
			if unregisterErr := eb.UnregisterEvent(ev); unregisterErr != nil {
				t.Error(unregisterErr)
			}
		} else {
			_, _ = unix.Write(w, []byte("x"))
		}
	})
	if registerErr != nil {
		t.Error(registerErr)
		return
	}
	if _, writeErr := unix.Write(w, []byte("x")); writeErr != nil {
		t.Error(writeErr)
		return
	}
	if loopErr := eb.Loop(); loopErr != nil {
		t.Error(loopErr)
		return
	}
	if fired != 2 {
		t.Errorf("event fired %d times, want 2", fired)
	}
}

func TestEventBaseRunAfter(t *testing.T) {
	eb, newErr := folly.New()
	if newErr != nil {
		t.Error(newErr)
		return
	}
	defer eb.Close()

	var order []int
	if timerErr := eb.RunAfter(20*time.Millisecond, func() { order = append(order, 2) }); timerErr != nil {
		t.Error(timerErr)
		return
	}
	if timerErr := eb.RunAfter(5*time.Millisecond, func() { order = append(order, 1) }); timerErr != nil {
		t.Error(timerErr)
		return
	}
	start := time.Now()
	if loopErr := eb.Loop(); loopErr != nil {
		t.Error(loopErr)
		return
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("timers ran out of order: %v", order)
		return
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("loop returned after %v, before the last deadline", elapsed)
	}
}

func TestEventBaseEpollFlavor(t *testing.T) {
	eb, newErr := folly.New(folly.WithFlavor(folly.EpollFlavor))
	if newErr != nil {
		t.Error(newErr)
		return
	}
	defer eb.Close()

	r, w := testPipe(t)
	fired := 0
	if _, registerErr := eb.RegisterEvent(r, folly.Readable, func(_ *folly.Event, _ folly.IOEvents) {
		fired++
	}); registerErr != nil {
		t.Error(registerErr)
		return
	}
	if _, writeErr := unix.Write(w, []byte("x")); writeErr != nil {
		t.Error(writeErr)
		return
	}
	if loopErr := eb.Loop(); loopErr != nil {
		t.Error(loopErr)
		return
	}
	if fired != 1 {
		t.Errorf("event fired %d times, want 1", fired)
	}
}

func TestEventBaseClosed(t *testing.T) {
	eb, newErr := folly.New()
	if newErr != nil {
		t.Error(newErr)
		return
	}
	if closeErr := eb.Close(); closeErr != nil {
		t.Error(closeErr)
		return
	}
	if _, registerErr := eb.RegisterEvent(0, folly.Readable, func(_ *folly.Event, _ folly.IOEvents) {}); !backend.IsClosed(registerErr) {
		t.Errorf("RegisterEvent after close = %v, want closed", registerErr)
		return
	}
	if _, loopErr := eb.LoopOnce(backend.DontWait); !backend.IsClosed(loopErr) {
		t.Errorf("LoopOnce after close = %v, want closed", loopErr)
	}
}
