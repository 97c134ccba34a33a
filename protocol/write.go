// File: protocol/write.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The write side. Every Send* method returns a coroutine that writes one
// frame (or one part of it) and finishes once all bytes reached the stream.
// The frame is serialized when the method is called, so the caller may
// reuse its message buffer immediately.

package protocol

import (
	"errors"

	"github.com/momentics/asyncws/api"
	"github.com/momentics/asyncws/core/concurrency"
	wire "github.com/momentics/asyncws/core/protocol"
)

// SendFrameHeader fills h for a frame of size payload bytes and writes its
// header. When the socket masks outgoing frames a fresh key is stored in
// h, to be used by the following SendFramePayload calls.
func (s *Socket) SendFrameHeader(h *wire.Header, fin bool, opcode wire.Opcode, size int64) concurrency.Coroutine {
	if err := s.prepareHeader(h, fin, opcode, size); err != nil {
		return concurrency.Failed(err)
	}
	buf := s.frameBuffer(wire.EncodedLen(h))
	out, err := wire.AppendHeader(buf[:0], h)
	if err != nil {
		s.releaseBuffer(buf)
		return concurrency.Failed(err)
	}
	return s.newWriteOp(buf, out, 1, 0)
}

// SendFramePayload writes chunk as the part of h's payload that starts at
// offset, masking it with h's key when h is masked.
func (s *Socket) SendFramePayload(h *wire.Header, chunk []byte, offset int64) concurrency.Coroutine {
	if offset < 0 || offset+int64(len(chunk)) > h.PayloadLength {
		return concurrency.Failed(api.NewError(api.ErrCodeProtocolViolation, "payload chunk exceeds frame length").
			WithContext("offset", offset).
			WithContext("chunk", len(chunk)).
			WithContext("length", h.PayloadLength))
	}
	buf := s.frameBuffer(len(chunk))
	out := append(buf[:0], chunk...)
	if h.Masked {
		wire.Mask(out, h.MaskKey, int(offset&3))
	}
	return s.newWriteOp(buf, out, 0, int64(len(chunk)))
}

// SendOneFrame writes a complete frame: header followed by msg, masked
// when the socket acts as a client.
func (s *Socket) SendOneFrame(fin bool, opcode wire.Opcode, msg []byte) concurrency.Coroutine {
	var h wire.Header
	if err := s.prepareHeader(&h, fin, opcode, int64(len(msg))); err != nil {
		return concurrency.Failed(err)
	}
	hl := wire.EncodedLen(&h)
	buf := s.frameBuffer(hl + len(msg))
	out, err := wire.AppendHeader(buf[:0], &h)
	if err != nil {
		s.releaseBuffer(buf)
		return concurrency.Failed(err)
	}
	out = append(out, msg...)
	if h.Masked {
		wire.Mask(out[hl:], h.MaskKey, 0)
	}
	return s.newWriteOp(buf, out, 1, int64(len(msg)))
}

// SendOneFrameText sends text as a single final Text frame.
func (s *Socket) SendOneFrameText(text string) concurrency.Coroutine {
	return s.SendOneFrame(true, wire.OpcodeText, []byte(text))
}

// SendOneFrameBinary sends data as a single final Binary frame.
func (s *Socket) SendOneFrameBinary(data []byte) concurrency.Coroutine {
	return s.SendOneFrame(true, wire.OpcodeBinary, data)
}

// SendPing sends a Ping carrying msg (at most 125 bytes).
func (s *Socket) SendPing(msg []byte) concurrency.Coroutine {
	return s.SendOneFrame(true, wire.OpcodePing, msg)
}

// SendPong sends a Pong carrying msg (at most 125 bytes).
func (s *Socket) SendPong(msg []byte) concurrency.Coroutine {
	return s.SendOneFrame(true, wire.OpcodePong, msg)
}

// SendClose sends a Close frame without a status code.
func (s *Socket) SendClose() concurrency.Coroutine {
	return s.SendOneFrame(true, wire.OpcodeClose, nil)
}

// SendCloseWithCode sends a Close frame carrying code and reason.
func (s *Socket) SendCloseWithCode(code uint16, reason string) concurrency.Coroutine {
	if !wire.ValidCloseCode(code) {
		return concurrency.Failed(api.ProtocolViolation("close code may not be sent").WithContext("code", code))
	}
	p, err := wire.EncodeClosePayload(code, reason)
	if err != nil {
		return concurrency.Failed(err)
	}
	return s.SendOneFrame(true, wire.OpcodeClose, p)
}

func (s *Socket) prepareHeader(h *wire.Header, fin bool, opcode wire.Opcode, size int64) error {
	*h = wire.Header{Fin: fin, Opcode: opcode, PayloadLength: size}
	if err := wire.ValidateHeader(h); err != nil {
		return err
	}
	if s.mask {
		key, err := s.newMaskKey()
		if err != nil {
			return err
		}
		h.Masked = true
		h.MaskKey = key
	}
	return nil
}

// frameBuffer returns a buffer with capacity for n bytes, pooled when the
// frame fits the pool size.
func (s *Socket) frameBuffer(n int) []byte {
	if n <= s.outPool.Size() {
		return s.outPool.Get()
	}
	return make([]byte, 0, n)
}

func (s *Socket) releaseBuffer(buf []byte) {
	if cap(buf) == s.outPool.Size() {
		s.outPool.Put(buf)
	}
}

// writeOp writes out to the stream, resuming after partial writes and
// would-block.
type writeOp struct {
	s       *Socket
	buf     []byte
	out     []byte
	off     int
	frames  int64
	payload int64
}

func (s *Socket) newWriteOp(buf, out []byte, frames, payload int64) *writeOp {
	return &writeOp{s: s, buf: buf, out: out, frames: frames, payload: payload}
}

// Step implements concurrency.Coroutine.
func (w *writeOp) Step() concurrency.Action {
	if w.out == nil {
		return concurrency.Finish()
	}
	for w.off < len(w.out) {
		n, err := w.s.stream.Write(w.out[w.off:])
		w.off += n
		if err != nil {
			if errors.Is(err, api.ErrWouldBlock) {
				return concurrency.WaitWrite(w.s.stream)
			}
			w.release()
			return concurrency.Fail(api.TransportFailure(err))
		}
		if n == 0 {
			return concurrency.WaitWrite(w.s.stream)
		}
	}
	w.release()
	w.s.countOut(w.frames, w.payload)
	return concurrency.Finish()
}

func (w *writeOp) release() {
	w.s.releaseBuffer(w.buf)
	w.buf, w.out = nil, nil
}
