//go:build linux

package folly

import (
	"github.com/brickingsoft/errors"
	"log/slog"
)

// Flavor selects which polling backend an EventBase runs on.
type Flavor int

const (
	// AutoFlavor tries the ring backend and falls back to epoll when the
	// kernel refuses it.
	AutoFlavor Flavor = iota
	RingFlavor
	EpollFlavor
)

type Options struct {
	Flavor           Flavor
	Capacity         uint32
	MaxSubmit        uint32
	MaxGet           uint32
	UseRegisteredFds bool
	Logger           *slog.Logger
}

type Option func(options *Options) (err error)

// WithFlavor
// forces a specific polling backend instead of auto selection.
func WithFlavor(flavor Flavor) Option {
	return func(options *Options) (err error) {
		if flavor < AutoFlavor || flavor > EpollFlavor {
			err = errors.New("folly: unknown backend flavor")
			return
		}
		options.Flavor = flavor
		return
	}
}

// WithCapacity
// sets the requested completion queue depth (and, with registered
// descriptors, the file table size). Default is 1024.
func WithCapacity(capacity uint32) Option {
	return func(options *Options) (err error) {
		if capacity > 0 {
			options.Capacity = capacity
		}
		return
	}
}

// WithMaxSubmit
// bounds one submission batch. Default is 128.
func WithMaxSubmit(maxSubmit uint32) Option {
	return func(options *Options) (err error) {
		if maxSubmit > 0 {
			options.MaxSubmit = maxSubmit
		}
		return
	}
}

// WithMaxGet
// bounds how many completions one loop iteration dispatches. Defaults to
// the submission batch bound.
func WithMaxGet(maxGet uint32) Option {
	return func(options *Options) (err error) {
		if maxGet > 0 {
			options.MaxGet = maxGet
		}
		return
	}
}

// WithRegisteredDescriptors
// enables the kernel registered-file table on the ring backend.
func WithRegisteredDescriptors() Option {
	return func(options *Options) (err error) {
		options.UseRegisteredFds = true
		return
	}
}

// WithLogger
// sets the structured logger used for best-effort failure reporting.
func WithLogger(log *slog.Logger) Option {
	return func(options *Options) (err error) {
		if log != nil {
			options.Logger = log
		}
		return
	}
}
