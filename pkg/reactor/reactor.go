// Package reactor implements a single-goroutine, readiness-driven event loop
// and non-blocking adapters for net.Conn and net.Listener.
//
// All registered callbacks, timer callbacks and posted tasks run on the
// goroutine executing Loop.Run, one at a time, so state touched only from
// callbacks needs no locking. The adapters move bytes between the kernel and
// bounded staging buffers on background goroutines and wake the loop whenever
// their readiness may have changed; readiness is level-triggered.
package reactor

import (
	"errors"
	"time"
)

// Events is a readiness bitmask.
type Events uint8

// Event kinds
const (
	None     Events = 0
	Readable Events = 1 << 0
	Writable Events = 1 << 1
)

func (e Events) String() string {
	switch e {
	case None:
		return "none"
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Readable | Writable:
		return "readable|writable"
	default:
		return "invalid"
	}
}

var (
	// ErrWouldBlock is returned by non-blocking operations that cannot make
	// progress now. It is transient: retry on the next readiness callback.
	ErrWouldBlock = errors.New("reactor: operation would block")
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("reactor: handle closed")
	// ErrStopped is returned by Call when the loop is no longer running.
	ErrStopped = errors.New("reactor: loop stopped")
)

// Pollable is a handle the loop can watch. Ready must be safe to call from
// any goroutine; the handle calls the function installed with SetNotify
// whenever its readiness may have changed.
type Pollable interface {
	Ready() Events
	SetNotify(notify func())
}

// FileProc handles readiness of a registered handle. ev is exactly one of
// Readable or Writable.
type FileProc func(ev Events)

// TimeProc handles a timer firing. It returns the delay until the next firing
// or NoMore to cancel the timer.
type TimeProc func(id int64) time.Duration

// NoMore, returned from a TimeProc, cancels the timer.
const NoMore time.Duration = -1
