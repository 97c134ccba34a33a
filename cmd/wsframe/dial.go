// File: cmd/wsframe/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/asyncws/core/concurrency"
	wire "github.com/momentics/asyncws/core/protocol"
	"github.com/momentics/asyncws/protocol"
	"github.com/momentics/asyncws/transport"
)

type dialOptions struct {
	url     string
	message string
	count   int
	binary  bool
	timeout time.Duration
}

func (o *dialOptions) installFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.url, "url", "ws://127.0.0.1:9000/", "Server URL")
	flags.StringVarP(&o.message, "message", "m", "hello", "Message to send")
	flags.IntVarP(&o.count, "count", "n", 1, "Number of messages to send")
	flags.BoolVar(&o.binary, "binary", false, "Send binary instead of text frames")
	flags.DurationVar(&o.timeout, "timeout", 10*time.Second, "Dial, handshake and echo deadline")
}

func newDialCommand(global *globalOptions) *cobra.Command {
	opts := &dialOptions{}
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Send messages to a server and print the echoes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := global.logger()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			return runDial(cmd.Context(), log, cmd.OutOrStdout(), opts)
		},
	}
	opts.installFlags(cmd.Flags())
	return cmd
}

// printer writes every echoed message to out and signals its arrival.
type printer struct {
	protocol.NopListener
	out     io.Writer
	partial []byte
	echoes  chan struct{}
	code    uint16
	reason  string
}

func (p *printer) ReadMessage(s *protocol.Socket, data []byte) concurrency.Action {
	if len(data) > 0 {
		p.partial = append(p.partial, data...)
		return concurrency.Finish()
	}
	if s.MessageOpcode() == wire.OpcodeBinary {
		fmt.Fprintf(p.out, "< [%d bytes]\n", len(p.partial))
	} else {
		fmt.Fprintf(p.out, "< %s\n", p.partial)
	}
	p.partial = p.partial[:0]
	select {
	case p.echoes <- struct{}{}:
	default:
	}
	return concurrency.Finish()
}

func (p *printer) OnPing(s *protocol.Socket, msg []byte) concurrency.Action {
	return concurrency.Call(s.SendPong(msg))
}

func (p *printer) OnClose(_ *protocol.Socket, code uint16, reason string) concurrency.Action {
	p.code = code
	p.reason = reason
	return concurrency.Finish()
}

func runDial(ctx context.Context, log *zap.Logger, out io.Writer, opts *dialOptions) (err error) {
	if opts.count < 0 {
		return pkgerrors.Errorf("invalid count %d", opts.count)
	}
	u, err := url.Parse(opts.url)
	if err != nil {
		return pkgerrors.Wrap(err, "parse url")
	}
	if u.Scheme != "ws" {
		return pkgerrors.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}

	conn, err := (&net.Dialer{Timeout: opts.timeout}).DialContext(ctx, "tcp", host)
	if err != nil {
		return pkgerrors.Wrap(err, "dial")
	}
	_ = conn.SetDeadline(time.Now().Add(opts.timeout))
	if err := protocol.ClientHandshake(conn, u, nil); err != nil {
		return multierr.Append(err, conn.Close())
	}
	_ = conn.SetDeadline(time.Time{})

	stream, err := transport.Adopt(conn)
	if err != nil {
		return multierr.Append(err, conn.Close())
	}
	sock := protocol.NewSocket(stream, true, protocol.WithLogger(log))
	defer func() { err = multierr.Append(err, sock.Close()) }()
	p := &printer{out: out, echoes: make(chan struct{}, 1)}
	sock.SetListener(p)

	el, err := concurrency.NewEventLoop(concurrency.WithLogger(log.Named("loop")))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, el.Close()) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := el.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer el.Stop()
		listen := el.Spawn(sock.Listen())
		for i := 0; i < opts.count; i++ {
			send := sock.SendOneFrameText(opts.message)
			if opts.binary {
				send = sock.SendOneFrameBinary([]byte(opts.message))
			}
			if err := el.Spawn(send).Wait(gctx); err != nil {
				return pkgerrors.Wrapf(err, "send message %d", i+1)
			}
			if err := awaitEcho(gctx, p.echoes, listen, opts.timeout); err != nil {
				return err
			}
		}
		if err := el.Spawn(sock.SendCloseWithCode(wire.CloseNormalClosure, "bye")).Wait(gctx); err != nil {
			return pkgerrors.Wrap(err, "send close")
		}
		wctx, cancel := context.WithTimeout(gctx, opts.timeout)
		defer cancel()
		if err := listen.Wait(wctx); err != nil {
			return pkgerrors.Wrap(err, "closing handshake")
		}
		log.Debug("closed", zap.Uint16("code", p.code), zap.String("reason", p.reason),
			zap.Any("stats", sock.Stats()))
		return nil
	})
	return g.Wait()
}

func awaitEcho(ctx context.Context, echoes <-chan struct{}, listen *concurrency.Task, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-echoes:
		return nil
	case <-listen.Done():
		if err := listen.Err(); err != nil {
			return pkgerrors.Wrap(err, "connection lost")
		}
		return errors.New("server closed the connection")
	case <-timer.C:
		return errors.New("timed out waiting for echo")
	case <-ctx.Done():
		return ctx.Err()
	}
}
