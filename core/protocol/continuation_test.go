package protocol_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/momentics/asyncws/api"
	"github.com/momentics/asyncws/core/protocol"
)

func hdr(op protocol.Opcode, fin bool) *protocol.Header {
	return &protocol.Header{Opcode: op, Fin: fin}
}

func TestContinuationFragmentedMessage(t *testing.T) {
	c := protocol.NewContinuation()

	assert.NilError(t, c.Check(hdr(protocol.OpcodeText, false)))
	op, open := c.Open()
	assert.Assert(t, open)
	assert.Equal(t, op, protocol.OpcodeText)

	// Control frames interleave without disturbing the open message.
	assert.NilError(t, c.Check(hdr(protocol.OpcodePing, true)))
	assert.Assert(t, c.InMessage())

	assert.NilError(t, c.Check(hdr(protocol.OpcodeContinuation, false)))
	assert.Assert(t, c.InMessage())
	op, _ = c.Open()
	assert.Equal(t, op, protocol.OpcodeText)

	assert.NilError(t, c.Check(hdr(protocol.OpcodeContinuation, true)))
	assert.Assert(t, !c.InMessage())
}

func TestContinuationUnexpected(t *testing.T) {
	c := protocol.NewContinuation()
	err := c.Check(hdr(protocol.OpcodeContinuation, true))
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
	assert.ErrorContains(t, err, "unexpected continuation")
}

func TestContinuationExpected(t *testing.T) {
	c := protocol.NewContinuation()
	assert.NilError(t, c.Check(hdr(protocol.OpcodeBinary, false)))
	err := c.Check(hdr(protocol.OpcodeText, true))
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
	assert.ErrorContains(t, err, "expected continuation")
}

func TestContinuationUnfragmentedMessages(t *testing.T) {
	c := protocol.NewContinuation()
	for i := 0; i < 3; i++ {
		assert.NilError(t, c.Check(hdr(protocol.OpcodeText, true)))
		assert.NilError(t, c.Check(hdr(protocol.OpcodeBinary, true)))
	}
	assert.Assert(t, !c.InMessage())
}

func TestValidateHeader(t *testing.T) {
	cases := []struct {
		name string
		h    protocol.Header
		ok   bool
	}{
		{"text", protocol.Header{Opcode: protocol.OpcodeText, PayloadLength: 1 << 20}, true},
		{"ping 125", protocol.Header{Opcode: protocol.OpcodePing, Fin: true, PayloadLength: 125}, true},
		{"ping 126", protocol.Header{Opcode: protocol.OpcodePing, Fin: true, PayloadLength: 126}, false},
		{"close fragmented", protocol.Header{Opcode: protocol.OpcodeClose, PayloadLength: 2}, false},
		{"reserved data", protocol.Header{Opcode: 0x3, Fin: true}, false},
		{"reserved control", protocol.Header{Opcode: 0xB, Fin: true}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := protocol.ValidateHeader(&c.h)
			if c.ok {
				assert.NilError(t, err)
				return
			}
			assert.ErrorIs(t, err, api.ErrProtocolViolation)
		})
	}
}

func TestClosePayload(t *testing.T) {
	p, err := protocol.EncodeClosePayload(protocol.CloseNormalClosure, "bye")
	assert.NilError(t, err)
	assert.DeepEqual(t, p, []byte{0x03, 0xE8, 'b', 'y', 'e'})

	code, reason, err := protocol.ParseClosePayload(p)
	assert.NilError(t, err)
	assert.Equal(t, code, uint16(protocol.CloseNormalClosure))
	assert.Equal(t, reason, "bye")

	code, reason, err = protocol.ParseClosePayload(nil)
	assert.NilError(t, err)
	assert.Equal(t, code, uint16(protocol.CloseNoStatusRcvd))
	assert.Equal(t, reason, "")

	_, _, err = protocol.ParseClosePayload([]byte{0x03})
	assert.ErrorIs(t, err, api.ErrProtocolViolation)

	_, _, err = protocol.ParseClosePayload([]byte{0x03, 0xED}) // 1005 is never sent
	assert.ErrorIs(t, err, api.ErrProtocolViolation)

	_, _, err = protocol.ParseClosePayload([]byte{0x03, 0xE8, 0xFF, 0xFE})
	assert.ErrorIs(t, err, api.ErrInvalidPayload)

	_, err = protocol.EncodeClosePayload(protocol.CloseNormalClosure, string(make([]byte, 124)))
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
}
