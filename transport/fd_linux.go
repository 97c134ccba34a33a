//go:build linux
// +build linux

// File: transport/fd_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/momentics/asyncws/api"
)

// FDStream is a non-blocking stream socket descriptor. Close may be
// called from any goroutine; it waits for an in-flight Read or Write, so a
// released descriptor number is never used again by this stream.
type FDStream struct {
	fd     int
	mu     sync.RWMutex
	closed atomic.Bool
}

var (
	_ api.FDStream       = (*FDStream)(nil)
	_ api.ClosedReporter = (*FDStream)(nil)
)

// NewFDStream takes ownership of fd and switches it to non-blocking mode.
func NewFDStream(fd int) (*FDStream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, pkgerrors.Wrap(err, "set nonblock")
	}
	return &FDStream{fd: fd}, nil
}

// FromConn detaches a duplicate of conn's descriptor and closes conn.
// conn must be backed by an OS socket (TCP or Unix).
func FromConn(conn net.Conn) (*FDStream, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, pkgerrors.Wrapf(api.ErrNotSupported, "%T has no descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, pkgerrors.Wrap(err, "syscall conn")
	}
	var dupfd int
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		dupfd, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return nil, pkgerrors.Wrap(err, "control")
	}
	if dupErr != nil {
		return nil, pkgerrors.Wrap(dupErr, "dup")
	}
	unix.CloseOnExec(dupfd)
	s, err := NewFDStream(dupfd)
	if err != nil {
		return nil, multierr.Append(err, unix.Close(dupfd))
	}
	if err := conn.Close(); err != nil {
		return nil, multierr.Append(pkgerrors.Wrap(err, "close original conn"), s.Close())
	}
	return s, nil
}

// Pair returns two connected non-blocking streams.
func Pair() (*FDStream, *FDStream, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "socketpair")
	}
	return &FDStream{fd: fds[0]}, &FDStream{fd: fds[1]}, nil
}

// Read implements api.Stream.
func (s *FDStream) Read(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return 0, api.ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == nil && n == 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, api.ErrWouldBlock
		default:
			return 0, pkgerrors.Wrap(err, "read")
		}
	}
}

// Write implements api.Stream.
func (s *FDStream) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return 0, api.ErrStreamClosed
	}
	for {
		n, err := unix.Write(s.fd, p)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, api.ErrWouldBlock
		default:
			return 0, pkgerrors.Wrap(err, "write")
		}
	}
}

// RawFD implements api.FDStream.
func (s *FDStream) RawFD() uintptr { return uintptr(s.fd) }

// Closed implements api.ClosedReporter.
func (s *FDStream) Closed() bool { return s.closed.Load() }

// CloseWrite shuts down the sending side; the peer reads EOF.
func (s *FDStream) CloseWrite() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return api.ErrStreamClosed
	}
	return pkgerrors.Wrap(unix.Shutdown(s.fd, unix.SHUT_WR), "shutdown")
}

// Close shuts the socket down and releases the descriptor.
func (s *FDStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if serr := unix.Shutdown(s.fd, unix.SHUT_RDWR); serr != nil && !errors.Is(serr, unix.ENOTCONN) {
		err = multierr.Append(err, pkgerrors.Wrap(serr, "shutdown"))
	}
	if cerr := unix.Close(s.fd); cerr != nil {
		err = multierr.Append(err, pkgerrors.Wrap(cerr, "close"))
	}
	return err
}
