package transport_test

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"github.com/momentics/asyncws/api"
	"github.com/momentics/asyncws/transport"
)

func readSome(t *testing.T, s api.Stream, p []byte) (int, error) {
	t.Helper()
	var (
		n   int
		err error
	)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		n, err = s.Read(p)
		if errors.Is(err, api.ErrWouldBlock) {
			return poll.Continue("no data yet")
		}
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(time.Millisecond))
	return n, err
}

func TestNetConnReadWouldBlockThenData(t *testing.T) {
	a, b := net.Pipe()
	s := transport.NewNetConn(a, 0)
	defer s.Close()
	defer b.Close()

	_, err := s.Read(make([]byte, 8))
	assert.ErrorIs(t, err, api.ErrWouldBlock)

	go func() { _, _ = b.Write([]byte("ping")) }()
	buf := make([]byte, 8)
	n, err := readSome(t, s, buf)
	assert.NilError(t, err)
	assert.Equal(t, string(buf[:n]), "ping")
}

func TestNetConnWriteIsFlushed(t *testing.T) {
	a, b := net.Pipe()
	s := transport.NewNetConn(a, 0)
	defer b.Close()

	n, err := s.Write([]byte("hello"))
	assert.NilError(t, err)
	assert.Equal(t, n, 5)

	buf := make([]byte, 5)
	_, err = io.ReadFull(b, buf)
	assert.NilError(t, err)
	assert.Equal(t, string(buf), "hello")
	assert.NilError(t, s.Close())
	assert.Assert(t, s.Closed())
}

func TestNetConnWriteBackpressure(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	go func() { _, _ = io.Copy(io.Discard, b) }()
	s := transport.NewNetConn(a, 4)
	defer s.Close()

	n, err := s.Write([]byte("0123456789"))
	assert.NilError(t, err)
	assert.Equal(t, n, 4)
}

func TestNetConnEOF(t *testing.T) {
	a, b := net.Pipe()
	s := transport.NewNetConn(a, 0)
	defer s.Close()
	assert.NilError(t, b.Close())

	_, err := readSome(t, s, make([]byte, 4))
	assert.ErrorIs(t, err, io.EOF)
}

func TestNetConnClosedStream(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	s := transport.NewNetConn(a, 0)
	assert.NilError(t, s.Close())
	_, err := s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, api.ErrStreamClosed)
	_, err = s.Write([]byte("x"))
	assert.ErrorIs(t, err, api.ErrStreamClosed)
}
