package protocol_test

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"gotest.tools/v3/assert"

	"github.com/momentics/asyncws/core/concurrency"
	wire "github.com/momentics/asyncws/core/protocol"
	"github.com/momentics/asyncws/protocol"
	"github.com/momentics/asyncws/transport"
)

func gorillaEcho(t *testing.T) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			typ, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(typ, msg); err != nil {
				return
			}
		}
	}))
}

type transcript struct {
	Messages []string
	Opcodes  []wire.Opcode
	Pongs    []string
	Closes   []closeEvent
}

type transcriptListener struct {
	tr      transcript
	partial []byte
}

func (l *transcriptListener) OnPing(*protocol.Socket, []byte) concurrency.Action {
	return concurrency.Finish()
}

func (l *transcriptListener) OnPong(_ *protocol.Socket, msg []byte) concurrency.Action {
	l.tr.Pongs = append(l.tr.Pongs, string(msg))
	return concurrency.Finish()
}

func (l *transcriptListener) OnClose(_ *protocol.Socket, code uint16, reason string) concurrency.Action {
	l.tr.Closes = append(l.tr.Closes, closeEvent{Code: code, Reason: reason})
	return concurrency.Finish()
}

func (l *transcriptListener) ReadMessage(s *protocol.Socket, data []byte) concurrency.Action {
	if len(data) > 0 {
		l.partial = append(l.partial, data...)
		return concurrency.Finish()
	}
	l.tr.Messages = append(l.tr.Messages, string(l.partial))
	l.tr.Opcodes = append(l.tr.Opcodes, s.MessageOpcode())
	l.partial = nil
	return concurrency.Finish()
}

func TestClientAgainstGorillaServer(t *testing.T) {
	srv := gorillaEcho(t)
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	assert.NilError(t, err)
	u.Scheme = "ws"
	conn, err := net.Dial("tcp", u.Host)
	assert.NilError(t, err)
	assert.NilError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	assert.NilError(t, protocol.ClientHandshake(conn, u, nil))
	assert.NilError(t, conn.SetDeadline(time.Time{}))

	stream := transport.NewNetConn(conn, 0)
	defer stream.Close()
	l := &transcriptListener{}
	cli := protocol.NewSocket(stream, true, protocol.WithStrictMasking(true))
	cli.SetListener(l)

	big := string(bytes.Repeat([]byte("x"), 10000))

	el, err := concurrency.NewEventLoop(concurrency.WithBackoff(time.Microsecond, time.Millisecond))
	assert.NilError(t, err)
	defer el.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ran := make(chan error, 1)
	go func() { ran <- el.Run(ctx) }()

	listen := el.Spawn(cli.Listen())
	send := el.Spawn(concurrency.Sequence(
		cli.SendOneFrameText("hello"),
		cli.SendOneFrameBinary([]byte(big)),
		cli.SendPing([]byte("are you there")),
		cli.SendCloseWithCode(wire.CloseNormalClosure, "bye"),
	))
	assert.NilError(t, send.Wait(ctx))
	assert.NilError(t, listen.Wait(ctx))
	cancel()
	<-ran

	want := transcript{
		Messages: []string{"hello", big},
		Opcodes:  []wire.Opcode{wire.OpcodeText, wire.OpcodeBinary},
		Pongs:    []string{"are you there"},
		Closes:   []closeEvent{{Code: wire.CloseNormalClosure}},
	}
	if diff := cmp.Diff(want, l.tr); diff != "" {
		t.Fatalf("transcript mismatch (-want +got):\n%s", diff)
	}
}
