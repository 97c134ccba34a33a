// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness poller interface.

package reactor

import (
	"time"

	"github.com/momentics/asyncws/api"
)

// ErrNotSupported is returned by NewPoller on platforms without a backend.
var ErrNotSupported = api.ErrNotSupported

// Interest is a set of readiness conditions.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event reports readiness of one descriptor. Errors and hang-ups are
// reported as both Readable and Writable so that waiters observe them on
// their next I/O attempt.
type Event struct {
	Fd    uintptr
	Ready Interest
}

// Poller multiplexes readiness notifications.
//
// Arm registers a one-shot interest: after the descriptor is reported once
// it must be armed again. Arm replaces any previous interest for fd.
type Poller interface {
	Arm(fd uintptr, interest Interest) error
	Disarm(fd uintptr) error

	// Wait blocks up to timeout (negative means forever) and fills events.
	Wait(events []Event, timeout time.Duration) (int, error)

	// Wake interrupts a concurrent Wait. Safe from any goroutine.
	Wake() error

	Close() error
}

func timeoutMillis(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return 0
	}
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}
