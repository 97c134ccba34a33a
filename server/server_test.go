package server_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"

	"github.com/momentics/asyncws/control"
	"github.com/momentics/asyncws/server"
)

func startServer(t *testing.T) (*server.Server, *control.Registry, func() error) {
	t.Helper()
	cfg := server.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.StrictMasking = true
	reg := control.NewRegistry()
	srv, err := server.NewServer(cfg, server.EchoHandler(),
		server.WithLogger(zaptest.NewLogger(t)),
		server.WithMetrics(reg))
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("server did not stop")
			return nil
		}
	}
	return srv, reg, stop
}

func dial(t *testing.T, srv *server.Server) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	c, resp, err := d.Dial("ws://"+srv.Addr().String()+"/echo", nil)
	assert.NilError(t, err)
	resp.Body.Close()
	_ = c.SetReadDeadline(time.Now().Add(10 * time.Second))
	return c
}

func TestEchoServerWithGorillaClient(t *testing.T) {
	srv, reg, stop := startServer(t)
	c := dial(t, srv)

	assert.NilError(t, c.WriteMessage(websocket.TextMessage, []byte("hello")))
	typ, msg, err := c.ReadMessage()
	assert.NilError(t, err)
	assert.Equal(t, typ, websocket.TextMessage)
	assert.Equal(t, string(msg), "hello")

	big := bytes.Repeat([]byte{0xAB}, 100<<10)
	assert.NilError(t, c.WriteMessage(websocket.BinaryMessage, big))
	typ, msg, err = c.ReadMessage()
	assert.NilError(t, err)
	assert.Equal(t, typ, websocket.BinaryMessage)
	assert.Assert(t, bytes.Equal(msg, big))

	pong := make(chan string, 1)
	c.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	assert.NilError(t, c.WriteControl(websocket.PingMessage, []byte("tick"), time.Now().Add(time.Second)))
	// Pong handlers run inside ReadMessage; the echo below drives it.
	assert.NilError(t, c.WriteMessage(websocket.TextMessage, []byte("after ping")))
	_, msg, err = c.ReadMessage()
	assert.NilError(t, err)
	assert.Equal(t, string(msg), "after ping")
	assert.Equal(t, <-pong, "tick")

	assert.NilError(t, c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"), time.Now().Add(time.Second)))
	_, _, err = c.ReadMessage()
	assert.Assert(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	c.Close()

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if srv.Active() == 0 {
			return poll.Success()
		}
		return poll.Continue("%d sessions open", srv.Active())
	}, poll.WithTimeout(5*time.Second))

	assert.Assert(t, reg.Counter(control.FramesIn) >= 5)
	assert.Equal(t, reg.Counter(control.ClosesIn), int64(1))
	assert.NilError(t, stop())
}

func TestInvalidUTF8TextClosesWith1007(t *testing.T) {
	srv, _, stop := startServer(t)
	c := dial(t, srv)
	defer c.Close()

	assert.NilError(t, c.WriteMessage(websocket.TextMessage, []byte{0xff, 0xfe}))
	_, _, err := c.ReadMessage()
	assert.Assert(t, websocket.IsCloseError(err, websocket.CloseInvalidFramePayloadData), "got %v", err)
	assert.NilError(t, stop())
}

func TestShutdownClosesOpenSessions(t *testing.T) {
	srv, _, stop := startServer(t)
	c := dial(t, srv)
	defer c.Close()

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if srv.Active() == 1 {
			return poll.Success()
		}
		return poll.Continue("%d sessions open", srv.Active())
	}, poll.WithTimeout(5*time.Second))

	assert.NilError(t, stop())
	assert.Equal(t, srv.Active(), int64(0))
	_, _, err := c.ReadMessage()
	assert.Assert(t, err != nil)
}

func TestShutdownAbortsPendingHandshake(t *testing.T) {
	srv, _, stop := startServer(t)
	conn, err := net.Dial("tcp", srv.Addr().String())
	assert.NilError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET /echo HTTP/1.1\r\nHost: localhost\r\nUpgrade: websocket\r\n")
	assert.NilError(t, err)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if srv.Pending() == 1 {
			return poll.Success()
		}
		return poll.Continue("%d handshakes pending", srv.Pending())
	}, poll.WithTimeout(5*time.Second))

	assert.NilError(t, stop())
	assert.Equal(t, srv.Pending(), 0)
	assert.Equal(t, srv.Active(), int64(0))

	// The rest of the request arrives too late to be answered.
	_, _ = io.WriteString(conn, "Connection: Upgrade\r\nSec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n")
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	status, err := bufio.NewReader(conn).ReadString('\n')
	assert.Equal(t, status, "")
	var ne net.Error
	assert.Assert(t, err != nil)
	assert.Assert(t, !(errors.As(err, &ne) && ne.Timeout()), "connection left open: %v", err)
}
