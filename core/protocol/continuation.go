// File: core/protocol/continuation.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import "github.com/momentics/asyncws/api"

// ValidateHeader rejects frames that may never appear on a connection with
// no negotiated extensions: reserved opcodes, oversized control frames and
// fragmented control frames. It runs before any payload byte is read.
func ValidateHeader(h *Header) error {
	if h.Opcode.IsReserved() {
		return api.ProtocolViolation("reserved opcode").WithContext("opcode", byte(h.Opcode))
	}
	if h.Opcode.IsControl() {
		if h.PayloadLength > MaxControlPayloadLen {
			return api.ProtocolViolation("control frame payload exceeds 125 bytes").
				WithContext("opcode", h.Opcode.String()).
				WithContext("length", h.PayloadLength)
		}
		if !h.Fin {
			return api.ProtocolViolation("fragmented control frame").
				WithContext("opcode", h.Opcode.String())
		}
	}
	return nil
}

// Continuation tracks the opcode of the fragmented data message currently
// in progress on a connection. It has a single writer: the read side.
type Continuation struct {
	lastOpcode Opcode
}

// NewContinuation returns a tracker with no message in progress.
func NewContinuation() *Continuation {
	return &Continuation{lastOpcode: opcodeNone}
}

// Check validates h against the RFC 6455 fragmentation rules and advances
// the tracker. Control frames always pass and leave the state untouched.
func (c *Continuation) Check(h *Header) error {
	switch h.Opcode {
	case OpcodeContinuation:
		if c.lastOpcode == opcodeNone {
			return api.ProtocolViolation("unexpected continuation")
		}
	case OpcodeText, OpcodeBinary:
		if c.lastOpcode != opcodeNone {
			return api.ProtocolViolation("expected continuation").
				WithContext("open", c.lastOpcode.String()).
				WithContext("got", h.Opcode.String())
		}
	default:
		return nil
	}

	if h.Fin {
		c.lastOpcode = opcodeNone
	} else if h.Opcode != OpcodeContinuation {
		c.lastOpcode = h.Opcode
	}
	return nil
}

// InMessage reports whether a fragmented message is open.
func (c *Continuation) InMessage() bool {
	return c.lastOpcode != opcodeNone
}

// Open returns the opcode of the fragmented message in progress, if any.
func (c *Continuation) Open() (Opcode, bool) {
	return c.lastOpcode, c.lastOpcode != opcodeNone
}

// Reset drops any in-progress message state.
func (c *Continuation) Reset() {
	c.lastOpcode = opcodeNone
}
