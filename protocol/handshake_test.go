package protocol_test

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/momentics/asyncws/protocol"
)

func TestComputeAcceptKeyRFCSample(t *testing.T) {
	assert.Equal(t, protocol.ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ=="), "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")
}

func TestHandshakeOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		req *http.Request
		err error
	}
	done := make(chan result, 1)
	go func() {
		req, err := protocol.ServerHandshake(server)
		done <- result{req, err}
	}()

	u, err := url.Parse("ws://example.com/chat?room=1")
	assert.NilError(t, err)
	assert.NilError(t, protocol.ClientHandshake(client, u, nil))

	res := <-done
	assert.NilError(t, res.err)
	assert.Equal(t, res.req.URL.Path, "/chat")
	assert.Equal(t, res.req.Host, "example.com")
}

func TestServerHandshakeRejectsPlainRequest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		_, err := protocol.ServerHandshake(server)
		done <- err
		server.Close()
	}()

	_, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.NilError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	assert.NilError(t, err)
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
	assert.ErrorIs(t, <-done, protocol.ErrInvalidUpgradeHeaders)
}

func TestUpgradeRequiresVersion13(t *testing.T) {
	req, err := http.ReadRequest(bufio.NewReader(strings.NewReader(
		"GET / HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\nConnection: keep-alive, Upgrade\r\n" +
			"Sec-WebSocket-Key: abc\r\nSec-WebSocket-Version: 8\r\n\r\n")))
	assert.NilError(t, err)
	_, err = protocol.UpgradeToWebSocket(req)
	assert.ErrorIs(t, err, protocol.ErrBadWebSocketVersion)
}

func TestHeaderBlockLimit(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		_, _ = io.WriteString(client, "GET / HTTP/1.1\r\nX-Fill: "+strings.Repeat("a", protocol.MaxHandshakeHeadersSize))
	}()
	_, err := protocol.ServerHandshake(server)
	assert.ErrorIs(t, err, protocol.ErrHandshakeTooLarge)
	server.Close()
}
