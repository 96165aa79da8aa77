//go:build linux

package folly

import (
	"time"
)

// deadline is one RunAfter registration.
type deadline struct {
	at time.Time
	fn func()
}

// timerHeap orders deadlines soonest-first.
type timerHeap []*deadline

func (h timerHeap) Len() int {
	return len(h)
}

func (h timerHeap) Less(i, j int) bool {
	return h[i].at.Before(h[j].at)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(*deadline))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}
