// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket wire protocol constants

package protocol

import "fmt"

// Opcode is the 4-bit frame type carried in the first header byte.
type Opcode byte

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA

	// opcodeNone marks "no fragmented message in progress".
	opcodeNone Opcode = 0xFF
)

// IsControl reports whether op is one of Close, Ping or Pong.
func (op Opcode) IsControl() bool {
	return op == OpcodeClose || op == OpcodePing || op == OpcodePong
}

// IsData reports whether op is Continuation, Text or Binary.
func (op Opcode) IsData() bool {
	return op == OpcodeContinuation || op == OpcodeText || op == OpcodeBinary
}

// IsReserved reports whether op has no meaning without a negotiated extension.
func (op Opcode) IsReserved() bool {
	return !op.IsData() && !op.IsControl()
}

func (op Opcode) String() string {
	switch op {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	case opcodeNone:
		return "none"
	default:
		return fmt.Sprintf("reserved(0x%X)", byte(op))
	}
}

const (
	// Frame limit settings
	MaxControlPayloadLen = 125
	MaxFrameHeaderLen    = 14 // for extended payloads with masking
	MinFrameHeaderLen    = 2

	// Largest payload length representable on the wire (MSB must be zero).
	MaxPayloadLen = 1<<63 - 1

	// Bit masks
	FinBit     = 0x80
	Rsv1Bit    = 0x40
	Rsv2Bit    = 0x20
	Rsv3Bit    = 0x10
	OpcodeMask = 0x0F
	MaskBit    = 0x80
	LenMask    = 0x7F

	len16Marker = 126
	len64Marker = 127
)

// Close codes (RFC 6455, section 7.4.1).
const (
	CloseNormalClosure      = 1000
	CloseGoingAway          = 1001
	CloseProtocolError      = 1002
	CloseUnsupportedData    = 1003
	CloseNoStatusRcvd       = 1005
	CloseAbnormalClosure    = 1006
	CloseInvalidPayloadData = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseMissingExtension   = 1010
	CloseInternalServerErr  = 1011
	CloseServiceRestart     = 1012
	CloseTryAgainLater      = 1013
	CloseTLSHandshake       = 1015
)
