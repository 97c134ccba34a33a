// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/momentics/asyncws/control"
	"github.com/momentics/asyncws/core/concurrency"
	"github.com/momentics/asyncws/protocol"
)

// Config holds all server-side configuration parameters.
type Config struct {
	ListenAddr       string        // TCP bind address, e.g. ":9000"
	ReadBufferSize   int           // per-socket read buffer
	StrictMasking    bool          // reject unmasked client frames
	HandshakeTimeout time.Duration // deadline for the HTTP upgrade exchange
	ShutdownTimeout  time.Duration // how long Run waits for open sessions
	LoopCPU          int           // pin the event loop thread (-1 = no pinning)
	AcceptRate       float64       // accepted connections per second (0 = unlimited)
	AcceptBurst      int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       ":9000",
		ReadBufferSize:   protocol.DefaultReadBufferSize,
		HandshakeTimeout: 5 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		LoopCPU:          -1,
	}
}

// Handler returns the Listener for a freshly upgraded socket. It runs on a
// handshake goroutine, not on the event loop.
type Handler func(s *protocol.Socket, req *http.Request) protocol.Listener

// Server accepts TCP connections, performs the upgrade handshake and runs
// every socket's listen loop on one event loop.
type Server struct {
	cfg     *Config
	handler Handler
	log     *zap.Logger
	metrics *control.Registry
	loop    *concurrency.EventLoop
	ownLoop bool
	ln      net.Listener
	limiter *rate.Limiter

	mu       sync.Mutex
	pending  map[net.Conn]struct{} // connections still in the handshake
	sessions map[*session]struct{}
	closing  bool
	upgrades sync.WaitGroup
	active   atomic.Int64
	running  atomic.Bool
}
