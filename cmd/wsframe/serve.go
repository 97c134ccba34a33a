// File: cmd/wsframe/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/asyncws/control"
	"github.com/momentics/asyncws/server"
)

type serveOptions struct {
	cfg           *server.Config
	statsInterval time.Duration
}

func (o *serveOptions) installFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.cfg.ListenAddr, "addr", o.cfg.ListenAddr, "Listen address")
	flags.IntVar(&o.cfg.ReadBufferSize, "read-buffer", o.cfg.ReadBufferSize, "Per-connection read buffer size")
	flags.BoolVar(&o.cfg.StrictMasking, "strict-masking", o.cfg.StrictMasking, "Reject unmasked client frames")
	flags.IntVar(&o.cfg.LoopCPU, "cpu", o.cfg.LoopCPU, "Pin the event loop to this CPU (-1 disables)")
	flags.DurationVar(&o.cfg.HandshakeTimeout, "handshake-timeout", o.cfg.HandshakeTimeout, "Upgrade handshake deadline")
	flags.DurationVar(&o.cfg.ShutdownTimeout, "shutdown-timeout", o.cfg.ShutdownTimeout, "Grace period for open sessions")
	flags.Float64Var(&o.cfg.AcceptRate, "accept-rate", 0, "Limit accepted connections per second (0 disables)")
	flags.IntVar(&o.cfg.AcceptBurst, "accept-burst", 16, "Accept burst allowed above --accept-rate")
	flags.DurationVar(&o.statsInterval, "stats-interval", 0, "Log a state dump at this interval (0 disables)")
}

func newServeCommand(global *globalOptions) *cobra.Command {
	opts := &serveOptions{cfg: server.DefaultConfig()}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := global.logger()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			return runServe(cmd.Context(), log, opts)
		},
	}
	opts.installFlags(cmd.Flags())
	return cmd
}

func runServe(ctx context.Context, log *zap.Logger, opts *serveOptions) error {
	reg := control.NewRegistry()
	srv, err := server.NewServer(opts.cfg, server.EchoHandler(),
		server.WithLogger(log),
		server.WithMetrics(reg))
	if err != nil {
		return err
	}

	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)
	probes.RegisterRegistry("metrics", reg)
	probes.RegisterProbe("sessions", func() any { return srv.Active() })
	probes.RegisterProbe("loop.poller", func() any { return srv.Loop().HasPoller() })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if opts.statsInterval > 0 {
		g.Go(func() error {
			tick := time.NewTicker(opts.statsInterval)
			defer tick.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-tick.C:
					log.Info("state", zap.Any("probes", probes.DumpState()))
				}
			}
		})
	}
	err = g.Wait()
	log.Info("server stopped", zap.Any("probes", probes.DumpState()))
	return err
}
