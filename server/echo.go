// File: server/echo.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net/http"
	"unicode/utf8"

	"github.com/momentics/asyncws/api"
	"github.com/momentics/asyncws/core/concurrency"
	wire "github.com/momentics/asyncws/core/protocol"
	"github.com/momentics/asyncws/protocol"
)

// EchoHandler answers every data message with the same message, pings
// with pongs and Close frames with a Close carrying the same status.
func EchoHandler() Handler {
	return func(*protocol.Socket, *http.Request) protocol.Listener {
		return &echoListener{}
	}
}

type echoListener struct {
	protocol.NopListener
	msg []byte
}

func (l *echoListener) ReadMessage(s *protocol.Socket, data []byte) concurrency.Action {
	if len(data) > 0 {
		l.msg = append(l.msg, data...)
		return concurrency.Finish()
	}
	msg := l.msg
	l.msg = l.msg[:0]
	op := s.MessageOpcode()
	if op == wire.OpcodeText && !utf8.Valid(msg) {
		return concurrency.Fail(api.NewError(api.ErrCodeInvalidPayload, "text message is not valid UTF-8"))
	}
	return concurrency.Call(s.SendOneFrame(true, op, msg))
}

func (l *echoListener) OnPing(s *protocol.Socket, msg []byte) concurrency.Action {
	return concurrency.Call(s.SendPong(msg))
}

func (l *echoListener) OnClose(s *protocol.Socket, code uint16, reason string) concurrency.Action {
	switch {
	case code == wire.CloseNoStatusRcvd:
		return concurrency.Call(s.SendClose())
	case wire.ValidCloseCode(code):
		return concurrency.Call(s.SendCloseWithCode(code, reason))
	}
	return concurrency.Finish()
}
