// File: server/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"go.uber.org/zap"

	"github.com/momentics/asyncws/api"
	"github.com/momentics/asyncws/core/concurrency"
	"github.com/momentics/asyncws/protocol"
)

// session runs one socket's listen loop and releases the socket when the
// loop ends, however it ends.
type session struct {
	srv     *Server
	sock    *protocol.Socket
	log     *zap.Logger
	started bool
}

// Step implements concurrency.Coroutine.
func (c *session) Step() concurrency.Action {
	if !c.started {
		c.started = true
		return concurrency.Call(c.sock.Listen())
	}
	c.finish(nil)
	return concurrency.Finish()
}

// HandleError implements concurrency.ErrorHandler.
func (c *session) HandleError(err error) concurrency.Action {
	c.finish(err)
	return concurrency.Finish()
}

func (c *session) finish(err error) {
	if cerr := c.sock.Close(); cerr != nil {
		c.log.Debug("socket close", zap.Error(cerr))
	}
	c.srv.untrack(c)
	switch api.CodeOf(err) {
	case api.ErrCodeOK:
		if err != nil {
			c.log.Warn("session ended with error", zap.Error(err))
			break
		}
		c.log.Debug("session closed", zap.Any("stats", c.sock.Stats()))
	case api.ErrCodeConnectionClosed:
		c.log.Debug("peer went away", zap.Any("stats", c.sock.Stats()))
	default:
		c.log.Info("session failed", zap.Error(err), zap.Stringer("code", api.CodeOf(err)))
	}
}
