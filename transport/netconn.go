// File: transport/netconn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/momentics/asyncws/api"
	"github.com/momentics/asyncws/pool"
)

const (
	defaultNetConnBuffer = 64 << 10
	closeFlushTimeout    = time.Second
)

// NetConn adapts a blocking net.Conn to api.Stream. A reader goroutine
// fills an inbound buffer and a writer goroutine drains an outbound one;
// Read and Write only touch those buffers and never block.
type NetConn struct {
	conn  net.Conn
	limit int
	bufs  *pool.BytePool

	mu      sync.Mutex
	cond    *sync.Cond
	in      []byte
	out     []byte
	readErr error
	wErr    error
	writing bool
	closing bool
	closed  bool

	wg sync.WaitGroup
}

var (
	_ api.Stream         = (*NetConn)(nil)
	_ api.ClosedReporter = (*NetConn)(nil)
)

// NewNetConn starts the I/O goroutines for conn. bufferSize bounds each of
// the inbound and outbound buffers; zero selects a default.
func NewNetConn(conn net.Conn, bufferSize int) *NetConn {
	if bufferSize <= 0 {
		bufferSize = defaultNetConnBuffer
	}
	n := &NetConn{
		conn:  conn,
		limit: bufferSize,
		bufs:  pool.Shared(pool.DefaultChunkSize),
	}
	n.cond = sync.NewCond(&n.mu)
	n.wg.Add(2)
	go n.readLoop()
	go n.writeLoop()
	return n
}

// Conn returns the wrapped connection.
func (n *NetConn) Conn() net.Conn { return n.conn }

func (n *NetConn) readLoop() {
	defer n.wg.Done()
	buf := n.bufs.Get()
	defer n.bufs.Put(buf)
	for {
		m, err := n.conn.Read(buf)
		n.mu.Lock()
		if m > 0 {
			n.in = append(n.in, buf[:m]...)
		}
		if err != nil {
			if n.closed {
				err = api.ErrStreamClosed
			}
			n.readErr = err
			n.mu.Unlock()
			return
		}
		for len(n.in) >= n.limit && !n.closed {
			n.cond.Wait()
		}
		stop := n.closed
		n.mu.Unlock()
		if stop {
			return
		}
	}
}

func (n *NetConn) writeLoop() {
	defer n.wg.Done()
	var batch []byte
	for {
		n.mu.Lock()
		for len(n.out) == 0 && !n.closing {
			n.cond.Wait()
		}
		if len(n.out) == 0 {
			n.mu.Unlock()
			return
		}
		batch, n.out = n.out, batch[:0]
		n.writing = true
		n.mu.Unlock()

		_, err := n.conn.Write(batch)
		n.mu.Lock()
		n.writing = false
		if err != nil {
			n.wErr = err
			n.out = nil
		}
		n.cond.Broadcast()
		n.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// Read implements api.Stream.
func (n *NetConn) Read(p []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return 0, api.ErrStreamClosed
	}
	if len(n.in) > 0 {
		c := copy(p, n.in)
		n.in = n.in[c:]
		if len(n.in) == 0 {
			n.in = nil
		}
		n.cond.Broadcast()
		return c, nil
	}
	if n.readErr != nil {
		if n.readErr == io.EOF {
			return 0, io.EOF
		}
		return 0, pkgerrors.Wrap(n.readErr, "read")
	}
	return 0, api.ErrWouldBlock
}

// Write implements api.Stream. It accepts as much of p as fits into the
// outbound buffer.
func (n *NetConn) Write(p []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch {
	case n.closing:
		return 0, api.ErrStreamClosed
	case n.wErr != nil:
		return 0, pkgerrors.Wrap(n.wErr, "write")
	}
	room := n.limit - len(n.out)
	if room <= 0 {
		return 0, api.ErrWouldBlock
	}
	if len(p) > room {
		p = p[:room]
	}
	n.out = append(n.out, p...)
	n.cond.Broadcast()
	return len(p), nil
}

// Closed implements api.ClosedReporter.
func (n *NetConn) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closing
}

// Close flushes pending output, bounded by a short deadline, then closes
// the connection and waits for the I/O goroutines.
func (n *NetConn) Close() error {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return nil
	}
	n.closing = true
	n.cond.Broadcast()
	n.mu.Unlock()

	err := n.conn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
	for {
		n.mu.Lock()
		flushed := (len(n.out) == 0 && !n.writing) || n.wErr != nil
		n.mu.Unlock()
		if flushed {
			break
		}
		time.Sleep(time.Millisecond)
	}

	n.mu.Lock()
	n.closed = true
	n.cond.Broadcast()
	n.mu.Unlock()
	err = multierr.Append(err, n.conn.Close())
	n.wg.Wait()
	return err
}
