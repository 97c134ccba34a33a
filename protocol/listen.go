// File: protocol/listen.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The read side: listen loop, payload pump and frame dispatcher.

package protocol

import (
	"errors"
	"unicode/utf8"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/asyncws/api"
	"github.com/momentics/asyncws/control"
	"github.com/momentics/asyncws/core/concurrency"
	wire "github.com/momentics/asyncws/core/protocol"
)

type loopState uint8

const (
	stateReadHeader loopState = iota
	stateReadPayload
	stateDispatch
	stateClosing
	stateClosed
)

func (st loopState) String() string {
	switch st {
	case stateReadHeader:
		return "read-header"
	case stateReadPayload:
		return "read-payload"
	case stateDispatch:
		return "dispatch"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// listenLoop is the resumable read state machine. Its fields are the whole
// state carried across suspensions.
type listenLoop struct {
	s     *Socket
	rd    frameReader
	state loopState
	hdr   wire.Header
	pump  payloadPump

	ctrl     [wire.MaxControlPayloadLen]byte
	notified bool
	err      error
}

func newListenLoop(s *Socket) *listenLoop {
	l := &listenLoop{
		s:  s,
		rd: frameReader{stream: s.stream, buf: s.readPool.Get()},
	}
	l.pump.rd = &l.rd
	l.pump.s = s
	return l
}

// Step implements concurrency.Coroutine.
func (l *listenLoop) Step() concurrency.Action {
	for {
		switch l.state {
		case stateReadHeader:
			act, ok := l.readHeader()
			if !ok {
				return act
			}
			l.state = stateReadPayload
			return concurrency.Call(&l.pump)

		case stateReadPayload:
			l.state = stateDispatch

		case stateDispatch:
			l.state = stateReadHeader
			if act, ok := l.dispatch(); ok {
				return act
			}

		case stateClosing:
			return l.exit()

		default:
			return concurrency.Fail(api.ErrSocketClosed)
		}
	}
}

// HandleError implements concurrency.ErrorHandler. Failures of the pump
// and of listener hooks end up here.
func (l *listenLoop) HandleError(err error) concurrency.Action {
	return l.fail(err)
}

// readHeader returns ok once l.hdr holds a validated header and the pump
// is primed for its payload.
func (l *listenLoop) readHeader() (concurrency.Action, bool) {
	rd := &l.rd
	for rd.buffered() < wire.MinFrameHeaderLen {
		if err := rd.fill(); err != nil {
			return l.readFailed(err), false
		}
	}
	b := rd.peek()
	need := wire.HeaderLen(b[0], b[1])
	for rd.buffered() < need {
		if err := rd.fill(); err != nil {
			return l.readFailed(err), false
		}
	}

	h, n, err := wire.DecodeHeader(rd.peek())
	if err != nil {
		return l.fail(err), false
	}
	if err := wire.ValidateHeader(&h); err != nil {
		return l.fail(err), false
	}
	if l.s.cfg.StrictMasking && h.Masked == l.s.mask {
		return l.fail(api.ProtocolViolation("unexpected mask bit").WithContext("masked", h.Masked)), false
	}
	if err := l.s.cont.Check(&h); err != nil {
		return l.fail(err), false
	}
	rd.discard(n)
	l.hdr = h
	l.s.countIn(1, 0)

	if h.Opcode == wire.OpcodeText || h.Opcode == wire.OpcodeBinary {
		l.s.msgOp = h.Opcode
	}
	var ctrl []byte
	if h.Opcode.IsControl() {
		ctrl = l.ctrl[:0]
	}
	l.pump.reset(&l.hdr, ctrl)
	return concurrency.Action{}, true
}

func (l *listenLoop) readFailed(err error) concurrency.Action {
	act := l.rd.suspend(err)
	if act.IsWait() {
		return act
	}
	return l.fail(act.Err())
}

// dispatch hands a completed control frame to the listener. It reports
// false for data frames, which the pump already delivered.
func (l *listenLoop) dispatch() (concurrency.Action, bool) {
	s := l.s
	msg := l.pump.ctrl
	switch l.hdr.Opcode {
	case wire.OpcodePing:
		return concurrency.Call(concurrency.Invoke(func() concurrency.Action {
			return s.listener.OnPing(s, msg)
		})), true

	case wire.OpcodePong:
		return concurrency.Call(concurrency.Invoke(func() concurrency.Action {
			return s.listener.OnPong(s, msg)
		})), true

	case wire.OpcodeClose:
		code, reason, err := wire.ParseClosePayload(msg)
		if err != nil {
			return l.fail(err), true
		}
		s.metrics.Add(control.ClosesIn, 1)
		s.log.Debug("close frame received", zap.Uint16("code", code), zap.String("reason", reason))
		return l.notifyClose(code, reason), true
	}
	return concurrency.Action{}, false
}

// fail is the single exit for fatal errors.
func (l *listenLoop) fail(err error) concurrency.Action {
	l.err = multierr.Append(l.err, err)
	switch api.CodeOf(err) {
	case api.ErrCodeMalformedHeader, api.ErrCodeProtocolViolation, api.ErrCodeInvalidPayload:
		l.s.metrics.Add(control.ProtocolErrors, 1)
	case api.ErrCodeTransport:
		l.s.metrics.Add(control.TransportErrs, 1)
	}
	if l.notified {
		return l.exit()
	}
	code := closeCodeFor(err)
	l.s.log.Debug("listen loop failed",
		zap.Error(err),
		zap.Stringer("state", l.state),
		zap.Uint16("close_code", code))
	return l.notifyClose(code, closeReason(err))
}

func (l *listenLoop) notifyClose(code uint16, reason string) concurrency.Action {
	l.notified = true
	l.state = stateClosing
	s := l.s
	return concurrency.Call(concurrency.Invoke(func() concurrency.Action {
		return s.listener.OnClose(s, code, reason)
	}))
}

func (l *listenLoop) exit() concurrency.Action {
	l.state = stateClosed
	l.s.readPool.Put(l.rd.buf)
	l.rd.buf = nil
	l.s.finished.Store(true)
	l.s.listening.Store(false)
	if l.err != nil {
		return concurrency.Fail(l.err)
	}
	return concurrency.Finish()
}

// closeCodeFor picks the code reported to OnClose when the loop ends
// without a Close frame from the peer.
func closeCodeFor(err error) uint16 {
	switch api.CodeOf(err) {
	case api.ErrCodeMalformedHeader, api.ErrCodeProtocolViolation:
		return wire.CloseProtocolError
	case api.ErrCodeInvalidPayload:
		return wire.CloseInvalidPayloadData
	case api.ErrCodeTransport, api.ErrCodeConnectionClosed:
		return wire.CloseAbnormalClosure
	default:
		return wire.CloseInternalServerErr
	}
}

// closeReason derives a short reason for a synthetic close. It always
// fits a Close frame next to the status code.
func closeReason(err error) string {
	var e *api.Error
	reason := "internal error"
	if errors.As(err, &e) && e.Message != "" {
		reason = e.Message
	}
	const limit = wire.MaxControlPayloadLen - 2
	if len(reason) > limit {
		i := limit
		for i > 0 && !utf8.RuneStart(reason[i]) {
			i--
		}
		reason = reason[:i]
	}
	return reason
}

// payloadPump moves one frame's payload off the stream. Data frames are
// streamed to ReadMessage chunk by chunk, demasked in place; control
// frames are accumulated into ctrl.
type payloadPump struct {
	s         *Socket
	rd        *frameReader
	hdr       *wire.Header
	remaining int64
	keyPos    int
	ctrl      []byte
	buffered  bool
	ended     bool
}

func (p *payloadPump) reset(h *wire.Header, ctrl []byte) {
	p.hdr = h
	p.remaining = h.PayloadLength
	p.keyPos = 0
	p.ctrl = ctrl
	p.buffered = ctrl != nil
	p.ended = false
}

// Step implements concurrency.Coroutine.
func (p *payloadPump) Step() concurrency.Action {
	for p.remaining > 0 {
		if p.rd.buffered() == 0 {
			if err := p.rd.fill(); err != nil {
				return p.rd.suspend(err)
			}
		}
		n := p.rd.buffered()
		if int64(n) > p.remaining {
			n = int(p.remaining)
		}
		chunk := p.rd.take(n)
		if p.hdr.Masked {
			p.keyPos = wire.Mask(chunk, p.hdr.MaskKey, p.keyPos)
		}
		p.remaining -= int64(n)
		p.s.countIn(0, int64(n))

		if p.buffered {
			p.ctrl = append(p.ctrl, chunk...)
			continue
		}
		return concurrency.Call(p.deliver(chunk))
	}
	if !p.buffered && p.hdr.Fin && !p.ended {
		p.ended = true
		return concurrency.Call(p.deliver(nil))
	}
	return concurrency.Finish()
}

func (p *payloadPump) deliver(chunk []byte) concurrency.Coroutine {
	s := p.s
	return concurrency.Invoke(func() concurrency.Action {
		return s.listener.ReadMessage(s, chunk)
	})
}
