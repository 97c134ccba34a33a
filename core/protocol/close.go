// File: core/protocol/close.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Close frame payload: optional 2-byte big-endian status code followed by
// a UTF-8 reason.

package protocol

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/momentics/asyncws/api"
)

// ValidCloseCode reports whether code may appear in a Close frame on the wire.
func ValidCloseCode(code uint16) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// EncodeClosePayload builds a Close payload from code and reason.
func EncodeClosePayload(code uint16, reason string) ([]byte, error) {
	if 2+len(reason) > MaxControlPayloadLen {
		return nil, api.ProtocolViolation("close reason too long").WithContext("length", len(reason))
	}
	p := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(p, code)
	return append(p, reason...), nil
}

// ParseClosePayload extracts status code and reason from a Close payload.
// An empty payload yields CloseNoStatusRcvd.
func ParseClosePayload(p []byte) (uint16, string, error) {
	switch {
	case len(p) == 0:
		return CloseNoStatusRcvd, "", nil
	case len(p) == 1:
		return 0, "", api.ProtocolViolation("close payload of one byte")
	}
	code := binary.BigEndian.Uint16(p)
	if !ValidCloseCode(code) {
		return code, "", api.ProtocolViolation("invalid close code").WithContext("code", code)
	}
	reason := p[2:]
	if !utf8.Valid(reason) {
		return code, "", api.NewError(api.ErrCodeInvalidPayload, "close reason is not valid UTF-8")
	}
	return code, string(reason), nil
}
