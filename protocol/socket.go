// File: protocol/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket encapsulates one framed, full-duplex WebSocket connection.

package protocol

import (
	"io"
	"sync"
	"sync/atomic"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/momentics/asyncws/api"
	"github.com/momentics/asyncws/control"
	"github.com/momentics/asyncws/core/concurrency"
	wire "github.com/momentics/asyncws/core/protocol"
	"github.com/momentics/asyncws/pool"
)

// Socket wraps a stream with the framing engine. The outgoing masking
// policy is fixed at construction: true for the connecting client, false
// for the accepting server.
//
// At most one listen loop runs per Socket. Send coroutines are independent
// of it and may run concurrently with it, but two send sequences on the
// same Socket must be serialized by the caller.
type Socket struct {
	stream   api.Stream
	mask     bool
	cfg      Config
	log      *zap.Logger
	metrics  *control.Registry
	readPool *pool.BytePool
	outPool  *pool.BytePool

	listener Listener
	cont     *wire.Continuation
	msgOp    wire.Opcode

	listening atomic.Bool
	finished  atomic.Bool

	bytesReceived  atomic.Int64
	bytesSent      atomic.Int64
	framesReceived atomic.Int64
	framesSent     atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// NewSocket creates a Socket over stream.
func NewSocket(stream api.Stream, maskOutgoingMessages bool, opts ...Option) *Socket {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	cfg.normalize()
	return &Socket{
		stream:   stream,
		mask:     maskOutgoingMessages,
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		readPool: pool.Shared(cfg.ReadBufferSize),
		outPool:  pool.Shared(cfg.WriteBufferSize),
		cont:     wire.NewContinuation(),
		msgOp:    wire.OpcodeContinuation,
	}
}

// SetListener registers the receiver of incoming frames. It must be called
// before Listen and not changed while a listen loop runs.
func (s *Socket) SetListener(l Listener) {
	s.listener = l
}

// Stream returns the underlying stream.
func (s *Socket) Stream() api.Stream { return s.stream }

// MaskOutgoing reports whether this socket masks the frames it sends.
func (s *Socket) MaskOutgoing() bool { return s.mask }

// MessageOpcode returns the opcode (Text or Binary) of the data message
// whose bytes are being delivered to ReadMessage. Valid inside the hook.
func (s *Socket) MessageOpcode() wire.Opcode { return s.msgOp }

// InMessage reports whether a fragmented message is still open.
func (s *Socket) InMessage() bool { return s.cont.InMessage() }

// Listening reports whether a listen loop is currently running.
func (s *Socket) Listening() bool { return s.listening.Load() }

// Listen returns the listen loop coroutine. It fails immediately with
// api.ErrListenInProgress while another loop runs on s, and with
// api.ErrSocketClosed once a loop has terminated.
func (s *Socket) Listen() concurrency.Coroutine {
	if s.finished.Load() {
		return concurrency.Failed(api.ErrSocketClosed)
	}
	if s.listener == nil {
		return concurrency.Failed(pkgerrors.Wrap(api.ErrInvalidArgument, "listen without a listener"))
	}
	if !s.listening.CompareAndSwap(false, true) {
		return concurrency.Failed(api.ErrListenInProgress)
	}
	if s.finished.Load() {
		s.listening.Store(false)
		return concurrency.Failed(api.ErrSocketClosed)
	}
	return newListenLoop(s)
}

// Close closes the underlying stream. A running listen loop observes the
// closure on its next read and terminates with an abnormal close.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		if err := s.stream.Close(); err != nil {
			s.closeErr = pkgerrors.Wrap(err, "close stream")
		}
	})
	return s.closeErr
}

// Stats returns a snapshot of connection statistics.
func (s *Socket) Stats() map[string]int64 {
	return map[string]int64{
		"bytes_received":  s.bytesReceived.Load(),
		"bytes_sent":      s.bytesSent.Load(),
		"frames_received": s.framesReceived.Load(),
		"frames_sent":     s.framesSent.Load(),
	}
}

func (s *Socket) countIn(frames, bytes int64) {
	if frames != 0 {
		s.framesReceived.Add(frames)
		s.metrics.Add(control.FramesIn, frames)
	}
	if bytes != 0 {
		s.bytesReceived.Add(bytes)
		s.metrics.Add(control.BytesIn, bytes)
	}
}

func (s *Socket) countOut(frames, bytes int64) {
	if frames != 0 {
		s.framesSent.Add(frames)
		s.metrics.Add(control.FramesOut, frames)
	}
	if bytes != 0 {
		s.bytesSent.Add(bytes)
		s.metrics.Add(control.BytesOut, bytes)
	}
}

func (s *Socket) newMaskKey() ([4]byte, error) {
	var key [4]byte
	if _, err := io.ReadFull(s.cfg.MaskKeySource, key[:]); err != nil {
		return key, pkgerrors.Wrap(err, "generate masking key")
	}
	return key, nil
}
