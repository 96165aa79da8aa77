//go:build linux

package uring

import (
	"github.com/arcral/folly/pkg/backend"
	"sync"
)

var probe = sync.OnceValue(tryRing)

// tryRing constructs and tears down a trial ring.
func tryRing() bool {
	b, newErr := New(Options{Capacity: 1024, MaxSubmit: 128}, backend.Handlers{})
	if newErr != nil {
		return false
	}
	_ = b.Close()
	return true
}

// Available reports whether this kernel can run the ring backend. The probe
// runs once per process and the answer is cached forever.
func Available() bool {
	return probe()
}
