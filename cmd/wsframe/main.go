// File: cmd/wsframe/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// wsframe runs an echo server on the framing engine or dials one.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type globalOptions struct {
	logLevel string
	logJSON  bool
}

func (o *globalOptions) installFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&o.logLevel, "log-level", "l", "info", `Set the logging level ("debug", "info", "warn", "error")`)
	flags.BoolVar(&o.logJSON, "log-json", false, "Log in JSON instead of console format")
}

func (o *globalOptions) logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(o.logLevel)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewDevelopmentConfig()
	if o.logJSON {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = level
	return cfg.Build()
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "wsframe",
		Short:         "WebSocket framing engine demo",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	opts.installFlags(cmd.PersistentFlags())
	cmd.AddCommand(newServeCommand(opts), newDialCommand(opts))
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "wsframe:", err)
		os.Exit(1)
	}
}
