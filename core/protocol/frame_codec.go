// File: core/protocol/frame_codec.go
// Package protocol implements the WebSocket frame header codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Header encoding/decoding is pure: no I/O, in-memory buffers only.
// Decoding is strict: reserved bits and non-minimal length encodings are
// rejected.

package protocol

import (
	"encoding/binary"

	"github.com/momentics/asyncws/api"
)

/*
  0                   1                   2                   3
  0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
 +-+-+-+-+-------+-+-------------+-------------------------------+
 |F|R|R|R| opcode|M| Payload len |    Extended payload length    |
 |I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
 |N|V|V|V|       |S|             |   (if payload len==126/127)   |
 | |1|2|3|       |K|             |                               |
 +-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
 |     Extended payload length continued, if payload len == 127  |
 + - - - - - - - - - - - - - - - +-------------------------------+
 |                               |Masking-key, if MASK set to 1  |
 +-------------------------------+-------------------------------+
*/

// Header is a decoded WebSocket frame header.
type Header struct {
	Fin           bool
	Rsv1          bool
	Rsv2          bool
	Rsv3          bool
	Opcode        Opcode
	Masked        bool
	PayloadLength int64
	MaskKey       [4]byte
}

// HeaderLen returns the full header size implied by the 2-byte prefix.
func HeaderLen(b0, b1 byte) int {
	n := MinFrameHeaderLen
	switch b1 & LenMask {
	case len16Marker:
		n += 2
	case len64Marker:
		n += 8
	}
	if b1&MaskBit != 0 {
		n += 4
	}
	return n
}

// EncodedLen returns the number of bytes EncodeHeader produces for h.
func EncodedLen(h *Header) int {
	n := MinFrameHeaderLen
	switch {
	case h.PayloadLength < len16Marker:
	case h.PayloadLength <= 0xFFFF:
		n += 2
	default:
		n += 8
	}
	if h.Masked {
		n += 4
	}
	return n
}

// DecodeHeader parses a frame header from the start of buf and returns it
// with the number of bytes consumed.
func DecodeHeader(buf []byte) (Header, int, error) {
	var h Header
	if len(buf) < MinFrameHeaderLen {
		return h, 0, api.MalformedHeader("truncated header prefix").WithContext("have", len(buf))
	}
	b0, b1 := buf[0], buf[1]
	if b0&(Rsv1Bit|Rsv2Bit|Rsv3Bit) != 0 {
		return h, 0, api.MalformedHeader("reserved bits set").WithContext("byte0", b0)
	}
	need := HeaderLen(b0, b1)
	if len(buf) < need {
		return h, 0, api.MalformedHeader("truncated extended header").
			WithContext("need", need).WithContext("have", len(buf))
	}

	h.Fin = b0&FinBit != 0
	h.Opcode = Opcode(b0 & OpcodeMask)
	h.Masked = b1&MaskBit != 0

	off := MinFrameHeaderLen
	switch marker := b1 & LenMask; marker {
	case len16Marker:
		n := binary.BigEndian.Uint16(buf[off:])
		if n < len16Marker {
			return h, 0, api.MalformedHeader("non-minimal 16-bit length").WithContext("length", n)
		}
		h.PayloadLength = int64(n)
		off += 2
	case len64Marker:
		n := binary.BigEndian.Uint64(buf[off:])
		if n > MaxPayloadLen {
			return h, 0, api.MalformedHeader("64-bit length has most significant bit set")
		}
		if n <= 0xFFFF {
			return h, 0, api.MalformedHeader("non-minimal 64-bit length").WithContext("length", n)
		}
		h.PayloadLength = int64(n)
		off += 8
	default:
		h.PayloadLength = int64(marker)
	}

	if h.Masked {
		copy(h.MaskKey[:], buf[off:off+4])
		off += 4
	}
	return h, off, nil
}

// EncodeHeader serializes h into dst, which must have room for
// MaxFrameHeaderLen bytes, and returns the written prefix of dst.
func EncodeHeader(dst []byte, h *Header) ([]byte, error) {
	if len(dst) < EncodedLen(h) {
		return nil, api.ErrInvalidArgument
	}
	out, err := AppendHeader(dst[:0], h)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendHeader appends the minimal encoding of h to dst.
func AppendHeader(dst []byte, h *Header) ([]byte, error) {
	if h.PayloadLength < 0 {
		return dst, api.MalformedHeader("negative payload length").WithContext("length", h.PayloadLength)
	}
	if byte(h.Opcode) > OpcodeMask {
		return dst, api.MalformedHeader("opcode exceeds 4 bits").WithContext("opcode", byte(h.Opcode))
	}

	b0 := byte(h.Opcode)
	if h.Fin {
		b0 |= FinBit
	}
	if h.Rsv1 {
		b0 |= Rsv1Bit
	}
	if h.Rsv2 {
		b0 |= Rsv2Bit
	}
	if h.Rsv3 {
		b0 |= Rsv3Bit
	}

	var b1 byte
	if h.Masked {
		b1 = MaskBit
	}

	switch {
	case h.PayloadLength < len16Marker:
		dst = append(dst, b0, b1|byte(h.PayloadLength))
	case h.PayloadLength <= 0xFFFF:
		dst = append(dst, b0, b1|len16Marker)
		dst = binary.BigEndian.AppendUint16(dst, uint16(h.PayloadLength))
	default:
		dst = append(dst, b0, b1|len64Marker)
		dst = binary.BigEndian.AppendUint64(dst, uint64(h.PayloadLength))
	}

	if h.Masked {
		dst = append(dst, h.MaskKey[:]...)
	}
	return dst, nil
}

// Mask XORs b in place with key, starting at key position pos, and returns
// the key position following the last byte. Applying it twice with the same
// key and position restores the input.
func Mask(b []byte, key [4]byte, pos int) int {
	pos &= 3
	for i := range b {
		b[i] ^= key[pos]
		pos = (pos + 1) & 3
	}
	return pos
}
