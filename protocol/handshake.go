// File: protocol/handshake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// HTTP/1.1 Upgrade handshake (RFC 6455, section 4). It runs on a blocking
// connection before the framing engine takes over. Header blocks are read
// byte by byte so that no frame bytes sent right after the handshake are
// consumed here.

package protocol

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	MaxHandshakeHeadersSize  = 8192
	RequiredWebSocketVersion = "13"
)

var (
	ErrInvalidUpgradeHeaders = fmt.Errorf("invalid WebSocket upgrade headers")
	ErrMissingWebSocketKey   = fmt.Errorf("missing Sec-WebSocket-Key header")
	ErrBadWebSocketVersion   = fmt.Errorf("unsupported WebSocket version; only '13' is supported")
	ErrHandshakeTooLarge     = fmt.Errorf("handshake headers too large")
	ErrBadAcceptKey          = fmt.Errorf("server returned a wrong Sec-WebSocket-Accept")
)

// ComputeAcceptKey computes the Sec-WebSocket-Accept value for clientKey.
func ComputeAcceptKey(clientKey string) string {
	sum := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// UpgradeToWebSocket validates an upgrade request and returns the headers
// of the 101 response.
func UpgradeToWebSocket(r *http.Request) (http.Header, error) {
	if r.Method != http.MethodGet {
		return nil, pkgerrors.Wrapf(ErrInvalidUpgradeHeaders, "method %s", r.Method)
	}
	if !headerContainsToken(r.Header, "Connection", "Upgrade") ||
		!headerContainsToken(r.Header, "Upgrade", "websocket") {
		return nil, ErrInvalidUpgradeHeaders
	}
	if r.Header.Get("Sec-WebSocket-Version") != RequiredWebSocketVersion {
		return nil, ErrBadWebSocketVersion
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, ErrMissingWebSocketKey
	}

	resp := make(http.Header)
	resp.Set("Upgrade", "websocket")
	resp.Set("Connection", "Upgrade")
	resp.Set("Sec-WebSocket-Accept", ComputeAcceptKey(key))
	return resp, nil
}

// ServerHandshake reads an upgrade request from rw and answers it. On
// validation failure a 400 response is written and the error returned.
func ServerHandshake(rw io.ReadWriter) (*http.Request, error) {
	block, err := readHeaderBlock(rw)
	if err != nil {
		return nil, err
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(block)))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "handshake read request")
	}
	hdr, err := UpgradeToWebSocket(req)
	if err != nil {
		_, _ = io.WriteString(rw, "HTTP/1.1 400 Bad Request\r\nConnection: close\r\nContent-Length: 0\r\n\r\n")
		return req, err
	}
	if err := WriteHandshakeResponse(rw, hdr); err != nil {
		return req, pkgerrors.Wrap(err, "handshake write response")
	}
	return req, nil
}

// WriteHandshakeResponse writes the 101 status line and hdr to w.
func WriteHandshakeResponse(w io.Writer, hdr http.Header) error {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	if err := hdr.Write(&b); err != nil {
		return err
	}
	b.WriteString("\r\n")
	_, err := w.Write(b.Bytes())
	return err
}

// ClientHandshake sends an upgrade request for u over rw and validates the
// server's answer. keySource supplies the 16 random key bytes; nil means
// crypto/rand.
func ClientHandshake(rw io.ReadWriter, u *url.URL, keySource io.Reader) error {
	if keySource == nil {
		keySource = rand.Reader
	}
	var raw [16]byte
	if _, err := io.ReadFull(keySource, raw[:]); err != nil {
		return pkgerrors.Wrap(err, "generate handshake key")
	}
	key := base64.StdEncoding.EncodeToString(raw[:])

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	b.WriteString("Upgrade: websocket\r\nConnection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	fmt.Fprintf(&b, "Sec-WebSocket-Version: %s\r\n\r\n", RequiredWebSocketVersion)
	if _, err := rw.Write(b.Bytes()); err != nil {
		return pkgerrors.Wrap(err, "handshake write request")
	}

	block, err := readHeaderBlock(rw)
	if err != nil {
		return err
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(block)), nil)
	if err != nil {
		return pkgerrors.Wrap(err, "handshake read response")
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return pkgerrors.Errorf("handshake rejected: %s", resp.Status)
	}
	if !headerContainsToken(resp.Header, "Upgrade", "websocket") ||
		!headerContainsToken(resp.Header, "Connection", "Upgrade") {
		return ErrInvalidUpgradeHeaders
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != ComputeAcceptKey(key) {
		return ErrBadAcceptKey
	}
	return nil
}

// readHeaderBlock reads up to and including the blank line ending an HTTP
// header block.
func readHeaderBlock(r io.Reader) ([]byte, error) {
	block := make([]byte, 0, 512)
	var one [1]byte
	for !bytes.HasSuffix(block, []byte("\r\n\r\n")) {
		if len(block) >= MaxHandshakeHeadersSize {
			return nil, ErrHandshakeTooLarge
		}
		if _, err := io.ReadFull(r, one[:]); err != nil {
			return nil, pkgerrors.Wrap(err, "handshake read headers")
		}
		block = append(block, one[0])
	}
	return block, nil
}

// headerContainsToken checks if headerName contains token, case-insensitive.
func headerContainsToken(h http.Header, headerName, token string) bool {
	for _, v := range h.Values(headerName) {
		for _, p := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(p), token) {
				return true
			}
		}
	}
	return false
}
