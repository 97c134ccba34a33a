// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"net"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/momentics/asyncws/affinity"
	"github.com/momentics/asyncws/api"
	"github.com/momentics/asyncws/core/concurrency"
	"github.com/momentics/asyncws/protocol"
	"github.com/momentics/asyncws/transport"
)

var ErrAlreadyRunning = errors.New("server already running")

const gaugeSessions = "sessions_active"

// NewServer binds cfg.ListenAddr and prepares the event loop.
func NewServer(cfg *Config, handler Handler, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if handler == nil {
		return nil, pkgerrors.Wrap(api.ErrInvalidArgument, "nil handler")
	}
	s := &Server{
		cfg:      cfg,
		handler:  handler,
		log:      zap.NewNop(),
		pending:  make(map[net.Conn]struct{}),
		sessions: make(map[*session]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.loop == nil {
		el, err := concurrency.NewEventLoop(concurrency.WithLogger(s.log.Named("loop")))
		if err != nil {
			return nil, err
		}
		s.loop = el
		s.ownLoop = true
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		err = pkgerrors.Wrapf(err, "listen %s", cfg.ListenAddr)
		if s.ownLoop {
			err = multierr.Append(err, s.loop.Close())
		}
		return nil, err
	}
	s.ln = ln
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Loop returns the event loop sessions run on.
func (s *Server) Loop() *concurrency.EventLoop { return s.loop }

// Pending returns the number of connections still in the handshake.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Active returns the number of open sessions.
func (s *Server) Active() int64 { return s.active.Load() }

// Run accepts connections until ctx is done, then closes the listener and
// all sessions, waiting up to ShutdownTimeout for their listen loops to
// report the closure.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g, gctx := errgroup.WithContext(ctx)
	if s.ownLoop {
		g.Go(func() error {
			return s.runLoop(loopCtx)
		})
	}
	g.Go(func() error {
		return s.acceptLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		err := s.ln.Close()
		s.beginShutdown()
		s.upgrades.Wait()
		s.closeSessions()
		s.waitDrained(s.cfg.ShutdownTimeout)
		stopLoop()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		return err
	})

	err := g.Wait()
	if s.ownLoop {
		err = multierr.Append(err, s.loop.Close())
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) runLoop(ctx context.Context) error {
	if s.cfg.LoopCPU >= 0 {
		release, err := affinity.PinGoroutine(s.cfg.LoopCPU)
		if err != nil {
			s.log.Warn("event loop not pinned", zap.Int("cpu", s.cfg.LoopCPU), zap.Error(err))
		}
		defer release()
	}
	err := s.loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	s.log.Info("listening", zap.Stringer("addr", s.ln.Addr()))
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("accept timeout", zap.Error(err))
				continue
			}
			return pkgerrors.Wrap(err, "accept")
		}
		if !s.admit(conn) {
			_ = conn.Close()
			return nil
		}
		go s.upgrade(conn)
	}
}

// admit registers conn as pending unless shutdown has begun.
func (s *Server) admit(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.pending[conn] = struct{}{}
	s.upgrades.Add(1)
	return true
}

// beginShutdown refuses further sessions and aborts pending handshakes.
func (s *Server) beginShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for conn := range s.pending {
		_ = conn.Close()
	}
}

// release removes conn from the pending set and reports whether the
// server still accepts sessions.
func (s *Server) release(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, conn)
	return !s.closing
}

// upgrade performs the handshake on a blocking conn and hands the socket
// to the event loop.
func (s *Server) upgrade(conn net.Conn) {
	defer s.upgrades.Done()
	log := s.log.With(zap.Stringer("remote", conn.RemoteAddr()))
	if s.cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}
	req, err := protocol.ServerHandshake(conn)
	if !s.release(conn) {
		log.Debug("handshake aborted by shutdown", zap.Error(err))
		_ = conn.Close()
		return
	}
	if err != nil {
		log.Debug("handshake failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	stream, err := transport.Adopt(conn)
	if err != nil {
		log.Warn("stream setup failed", zap.Error(err))
		_ = conn.Close()
		return
	}
	sock := protocol.NewSocket(stream, false,
		protocol.WithReadBufferSize(s.cfg.ReadBufferSize),
		protocol.WithStrictMasking(s.cfg.StrictMasking),
		protocol.WithLogger(log),
		protocol.WithMetrics(s.metrics),
	)
	sock.SetListener(s.handler(sock, req))

	sess := &session{srv: s, sock: sock, log: log}
	if !s.track(sess) {
		log.Debug("session refused by shutdown")
		_ = sock.Close()
		return
	}
	log.Debug("session opened", zap.String("path", req.URL.Path))
	task := s.loop.Spawn(sess)
	select {
	case <-task.Done():
		if err := task.Err(); errors.Is(err, concurrency.ErrLoopClosed) {
			sess.finish(err)
		}
	default:
	}
}

// track registers sess unless shutdown has begun.
func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	s.metrics.Set(gaugeSessions, s.active.Add(1))
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	s.metrics.Set(gaugeSessions, s.active.Add(-1))
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	open := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()
	for _, sess := range open {
		if err := sess.sock.Close(); err != nil {
			sess.log.Debug("close on shutdown", zap.Error(err))
		}
	}
}

func (s *Server) waitDrained(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.active.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := s.active.Load(); n > 0 {
		s.log.Warn("sessions still open at shutdown", zap.Int64("sessions", n))
	}
}

