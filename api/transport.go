// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Defines the non-blocking byte stream abstraction the framing engine
// runs on top of.

package api

// Stream is a full-duplex byte stream with non-blocking semantics.
//
// Read returns ErrWouldBlock when no data is available yet and io.EOF once
// the peer has finished sending. Write may accept fewer bytes than offered
// and returns ErrWouldBlock when the send buffer is full. Neither call may
// block the calling goroutine.
type Stream interface {
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	Close() error
}

// FDStream is a Stream backed by an OS descriptor that a reactor can poll.
type FDStream interface {
	Stream

	// RawFD returns the underlying OS-level file descriptor.
	RawFD() uintptr
}

// ClosedReporter is implemented by streams that can tell whether they have
// been closed locally. Schedulers use it to wake tasks parked on a stream
// that will never become ready again.
type ClosedReporter interface {
	Closed() bool
}
