// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake implementations for testing and development.
// Provides predictable, controllable behavior for the stream interfaces.

package fake

import (
	"bytes"
	"io"
	"sync"

	"github.com/momentics/asyncws/api"
)

type readStep struct {
	data []byte
	err  error
}

// Transport is a scripted api.Stream. Reads replay the fed chunks in order
// and report io.EOF once the script is exhausted; writes are recorded.
type Transport struct {
	mu sync.Mutex

	reads     []readStep
	stutter   bool
	stuttered bool
	readCalls int

	out          bytes.Buffer
	writeLimit   int
	writeStutter bool
	writeBlocked bool
	writeErr     error
	writeCalls   int

	closed   bool
	closeErr error
}

var _ api.Stream = (*Transport)(nil)

// NewTransport creates an empty fake transport.
func NewTransport() *Transport {
	return &Transport{}
}

// Feed appends data chunks to the read script. Each chunk is delivered by
// at most one Read, possibly split when the caller's buffer is smaller.
func (t *Transport) Feed(chunks ...[]byte) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range chunks {
		t.reads = append(t.reads, readStep{data: append([]byte(nil), c...)})
	}
	return t
}

// FeedError appends a read failure to the script. It is returned once.
func (t *Transport) FeedError(err error) *Transport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads = append(t.reads, readStep{err: err})
	return t
}

// Stutter makes every scripted step be preceded by one ErrWouldBlock.
func (t *Transport) Stutter(on bool) *Transport {
	t.mu.Lock()
	t.stutter = on
	t.mu.Unlock()
	return t
}

// SetWriteLimit caps the bytes accepted by a single Write. Zero means no cap.
func (t *Transport) SetWriteLimit(n int) *Transport {
	t.mu.Lock()
	t.writeLimit = n
	t.mu.Unlock()
	return t
}

// SetWriteStutter makes every other Write return ErrWouldBlock.
func (t *Transport) SetWriteStutter(on bool) *Transport {
	t.mu.Lock()
	t.writeStutter = on
	t.mu.Unlock()
	return t
}

// SetWriteError makes subsequent Writes fail with err.
func (t *Transport) SetWriteError(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

// SetCloseError configures the error returned by Close.
func (t *Transport) SetCloseError(err error) {
	t.mu.Lock()
	t.closeErr = err
	t.mu.Unlock()
}

// Read implements api.Stream.
func (t *Transport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readCalls++
	if t.closed {
		return 0, api.ErrStreamClosed
	}
	if len(t.reads) == 0 {
		return 0, io.EOF
	}
	if t.stutter && !t.stuttered {
		t.stuttered = true
		return 0, api.ErrWouldBlock
	}
	step := &t.reads[0]
	if step.err != nil {
		err := step.err
		t.advance()
		return 0, err
	}
	n := copy(p, step.data)
	step.data = step.data[n:]
	if len(step.data) == 0 {
		t.advance()
	}
	return n, nil
}

func (t *Transport) advance() {
	t.reads = t.reads[1:]
	t.stuttered = false
}

// Write implements api.Stream.
func (t *Transport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeCalls++
	if t.closed {
		return 0, api.ErrStreamClosed
	}
	if t.writeErr != nil {
		return 0, t.writeErr
	}
	if t.writeStutter {
		t.writeBlocked = !t.writeBlocked
		if t.writeBlocked {
			return 0, api.ErrWouldBlock
		}
	}
	if t.writeLimit > 0 && len(p) > t.writeLimit {
		p = p[:t.writeLimit]
	}
	return t.out.Write(p)
}

// Close implements api.Stream.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closeErr != nil {
		return t.closeErr
	}
	t.closed = true
	return nil
}

// Closed reports whether Close succeeded.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Written returns a copy of everything written so far.
func (t *Transport) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.out.Bytes()...)
}

// ResetWritten discards recorded output.
func (t *Transport) ResetWritten() {
	t.mu.Lock()
	t.out.Reset()
	t.mu.Unlock()
}

// Pending reports how many scripted read steps remain.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reads)
}

// Calls returns the number of Read and Write calls made.
func (t *Transport) Calls() (reads, writes int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readCalls, t.writeCalls
}
