package protocol_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"

	"github.com/momentics/asyncws/api"
	"github.com/momentics/asyncws/core/concurrency"
	wire "github.com/momentics/asyncws/core/protocol"
	"github.com/momentics/asyncws/fake"
	"github.com/momentics/asyncws/protocol"
)

// decodeFrame splits one frame off b and returns its header and demasked
// payload.
func decodeFrame(t *testing.T, b []byte) (wire.Header, []byte, []byte) {
	t.Helper()
	h, n, err := wire.DecodeHeader(b)
	assert.NilError(t, err)
	end := n + int(h.PayloadLength)
	assert.Assert(t, len(b) >= end, "frame truncated: have %d, want %d", len(b), end)
	payload := append([]byte(nil), b[n:end]...)
	if h.Masked {
		wire.Mask(payload, h.MaskKey, 0)
	}
	return h, payload, b[end:]
}

func TestClientTextFrameIsMasked(t *testing.T) {
	tr := fake.NewTransport()
	key := []byte{0xde, 0xad, 0xbe, 0xef}
	s := protocol.NewSocket(tr, true, protocol.WithMaskKeySource(bytes.NewReader(key)))

	assert.NilError(t, runTask(t, s.SendOneFrameText("hello")))

	out := tr.Written()
	h, payload, rest := decodeFrame(t, out)
	assert.Equal(t, h.Opcode, wire.OpcodeText)
	assert.Assert(t, h.Fin)
	assert.Assert(t, h.Masked)
	assert.Equal(t, h.MaskKey, [4]byte{0xde, 0xad, 0xbe, 0xef})
	assert.Equal(t, string(payload), "hello")
	assert.Equal(t, len(rest), 0)

	want := []byte("hello")
	wire.Mask(want, h.MaskKey, 0)
	assert.DeepEqual(t, out[len(out)-5:], want)
}

func TestServerTextFrameIsNotMasked(t *testing.T) {
	tr := fake.NewTransport()
	s := protocol.NewSocket(tr, false)
	assert.NilError(t, runTask(t, s.SendOneFrameText("hello")))
	assert.DeepEqual(t, tr.Written(), []byte{0x81, 0x05, 'h', 'e', 'l', 'l', 'o'})
}

func TestFreshMaskKeyPerFrame(t *testing.T) {
	tr := fake.NewTransport()
	keys := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	s := protocol.NewSocket(tr, true, protocol.WithMaskKeySource(bytes.NewReader(keys)))
	assert.NilError(t, runTask(t, concurrency.Sequence(
		s.SendOneFrameBinary([]byte{9}),
		s.SendOneFrameBinary([]byte{9}),
	)))
	h1, _, rest := decodeFrame(t, tr.Written())
	h2, _, _ := decodeFrame(t, rest)
	assert.Equal(t, h1.MaskKey, [4]byte{1, 2, 3, 4})
	assert.Equal(t, h2.MaskKey, [4]byte{5, 6, 7, 8})
}

func TestMaskKeySourceFailure(t *testing.T) {
	s := protocol.NewSocket(fake.NewTransport(), true, protocol.WithMaskKeySource(bytes.NewReader(nil)))
	assert.ErrorContains(t, runTask(t, s.SendPing(nil)), "generate masking key")
}

func TestPartialWritesResume(t *testing.T) {
	tr := fake.NewTransport().SetWriteLimit(7).SetWriteStutter(true)
	s := protocol.NewSocket(tr, true)
	msg := bytes.Repeat([]byte("0123456789"), 1000)

	assert.NilError(t, runTask(t, s.SendOneFrameBinary(msg)))
	h, payload, rest := decodeFrame(t, tr.Written())
	assert.Equal(t, h.PayloadLength, int64(len(msg)))
	assert.Assert(t, bytes.Equal(payload, msg))
	assert.Equal(t, len(rest), 0)
	assert.Equal(t, s.Stats()["bytes_sent"], int64(len(msg)))
	assert.Equal(t, s.Stats()["frames_sent"], int64(1))
}

func TestOversizedControlSendFails(t *testing.T) {
	tr := fake.NewTransport()
	s := protocol.NewSocket(tr, false)
	err := runTask(t, s.SendPing(make([]byte, 126)))
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
	assert.Equal(t, len(tr.Written()), 0)
}

func TestFragmentedControlSendFails(t *testing.T) {
	s := protocol.NewSocket(fake.NewTransport(), false)
	err := runTask(t, s.SendOneFrame(false, wire.OpcodeClose, nil))
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
}

func TestSendClose(t *testing.T) {
	tr := fake.NewTransport()
	s := protocol.NewSocket(tr, false)

	assert.NilError(t, runTask(t, s.SendClose()))
	assert.DeepEqual(t, tr.Written(), []byte{0x88, 0x00})

	tr.ResetWritten()
	assert.NilError(t, runTask(t, s.SendCloseWithCode(wire.CloseNormalClosure, "bye")))
	assert.DeepEqual(t, tr.Written(), []byte{0x88, 0x05, 0x03, 0xe8, 'b', 'y', 'e'})

	err := runTask(t, s.SendCloseWithCode(wire.CloseAbnormalClosure, ""))
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
}

func TestHeaderAndPayloadSentInParts(t *testing.T) {
	tr := fake.NewTransport()
	s := protocol.NewSocket(tr, true)
	msg := []byte("split payload")

	var h wire.Header
	assert.NilError(t, runTask(t, concurrency.Sequence(
		s.SendFrameHeader(&h, true, wire.OpcodeText, int64(len(msg))),
		s.SendFramePayload(&h, msg[:3], 0),
		s.SendFramePayload(&h, msg[3:], 3),
	)))
	got, payload, _ := decodeFrame(t, tr.Written())
	assert.Assert(t, got.Masked)
	if diff := cmp.Diff(string(msg), string(payload)); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestPayloadChunkBeyondFrameFails(t *testing.T) {
	s := protocol.NewSocket(fake.NewTransport(), false)
	h := wire.Header{Fin: true, Opcode: wire.OpcodeBinary, PayloadLength: 2}
	err := runTask(t, s.SendFramePayload(&h, []byte("abc"), 0))
	assert.ErrorIs(t, err, api.ErrProtocolViolation)
}

func TestWriteErrorReturnedToCaller(t *testing.T) {
	tr := fake.NewTransport()
	tr.SetWriteError(errors.New("broken pipe"))
	s := protocol.NewSocket(tr, false)
	err := runTask(t, s.SendOneFrameText("x"))
	assert.ErrorIs(t, err, api.ErrTransport)
	assert.ErrorContains(t, err, "broken pipe")
}

// A client socket's output, fed into a server socket, reproduces the
// messages that were sent.
func TestClientToServerRoundTrip(t *testing.T) {
	out := fake.NewTransport()
	client := protocol.NewSocket(out, true)
	big := bytes.Repeat([]byte{0xAB}, 70000)

	var h wire.Header
	assert.NilError(t, runTask(t, concurrency.Sequence(
		client.SendOneFrame(false, wire.OpcodeText, []byte("frag")),
		client.SendPing([]byte("tick")),
		client.SendOneFrame(true, wire.OpcodeContinuation, []byte("mented")),
		client.SendFrameHeader(&h, true, wire.OpcodeBinary, int64(len(big))),
		client.SendFramePayload(&h, big[:1], 0),
		client.SendFramePayload(&h, big[1:], 1),
		client.SendCloseWithCode(wire.CloseGoingAway, "done"),
	)))

	in := fake.NewTransport().Stutter(true).Feed(out.Written())
	rec := &recorder{}
	server := protocol.NewSocket(in, false, protocol.WithStrictMasking(true), protocol.WithReadBufferSize(512))
	server.SetListener(rec)

	assert.NilError(t, runTask(t, server.Listen()))
	assert.DeepEqual(t, rec.messages, []string{"fragmented", string(big)})
	assert.DeepEqual(t, rec.pings, []string{"tick"})
	assert.DeepEqual(t, rec.closes, []closeEvent{{Code: wire.CloseGoingAway, Reason: "done"}})
}
