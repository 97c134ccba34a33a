// File: protocol/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import "github.com/momentics/asyncws/core/concurrency"

// Listener receives what the listen loop reads. Every hook returns an
// Action that the loop runs to completion before it reads the next frame,
// so a hook may Call further coroutines such as s.SendPong(msg).
//
// A failure of the returned action, including a failed Send called from
// the hook, ends the listen loop like any other fatal error. Wrap the send
// in concurrency.Guard to handle its error without ending the loop.
//
// Byte slices passed to a hook alias the socket's read buffer and are only
// valid until the returned action completes.
type Listener interface {
	OnPing(s *Socket, msg []byte) concurrency.Action
	OnPong(s *Socket, msg []byte) concurrency.Action
	// OnClose is called exactly once per listen loop, either for the
	// peer's Close frame or with a synthetic code when the loop fails.
	OnClose(s *Socket, code uint16, reason string) concurrency.Action
	// ReadMessage receives data message bytes chunk by chunk. An empty
	// data slice marks the end of the message.
	ReadMessage(s *Socket, data []byte) concurrency.Action
}

// NopListener ignores everything. Embed it to implement a subset of hooks.
type NopListener struct{}

func (NopListener) OnPing(*Socket, []byte) concurrency.Action          { return concurrency.Finish() }
func (NopListener) OnPong(*Socket, []byte) concurrency.Action          { return concurrency.Finish() }
func (NopListener) OnClose(*Socket, uint16, string) concurrency.Action { return concurrency.Finish() }
func (NopListener) ReadMessage(*Socket, []byte) concurrency.Action     { return concurrency.Finish() }
