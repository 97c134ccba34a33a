// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"go.uber.org/zap"

	"github.com/momentics/asyncws/control"
	"github.com/momentics/asyncws/core/concurrency"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithLogger sets the server logger. Sockets inherit it.
func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithMetrics attaches a metrics registry shared by all sockets.
func WithMetrics(r *control.Registry) ServerOption {
	return func(s *Server) {
		s.metrics = r
	}
}

// WithEventLoop runs sessions on an existing loop. The caller then drives
// the loop; Run only accepts connections.
func WithEventLoop(el *concurrency.EventLoop) ServerOption {
	return func(s *Server) {
		s.loop = el
	}
}
