// File: protocol/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"crypto/rand"
	"io"

	"go.uber.org/zap"

	"github.com/momentics/asyncws/control"
)

const (
	DefaultReadBufferSize  = 4096
	DefaultWriteBufferSize = 4096

	minReadBufferSize = 128
)

// Config holds Socket settings.
type Config struct {
	// ReadBufferSize bounds the chunks handed to Listener.ReadMessage.
	ReadBufferSize int
	// WriteBufferSize is the size of pooled buffers used for outgoing
	// frames. Larger frames get a dedicated allocation.
	WriteBufferSize int
	// MaskKeySource supplies masking keys for outgoing client frames.
	MaskKeySource io.Reader
	// StrictMasking rejects inbound frames whose mask bit does not match
	// the peer role: clients must mask, servers must not.
	StrictMasking bool
	Logger        *zap.Logger
	Metrics       *control.Registry
}

// DefaultConfig returns the settings used by NewSocket without options.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
		MaskKeySource:   rand.Reader,
		Logger:          zap.NewNop(),
	}
}

func (c *Config) normalize() {
	if c.ReadBufferSize < minReadBufferSize {
		c.ReadBufferSize = minReadBufferSize
	}
	if c.WriteBufferSize < minReadBufferSize {
		c.WriteBufferSize = minReadBufferSize
	}
	if c.MaskKeySource == nil {
		c.MaskKeySource = rand.Reader
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Option customizes a Socket.
type Option func(*Config)

// WithReadBufferSize sets the read buffer size.
func WithReadBufferSize(n int) Option {
	return func(c *Config) { c.ReadBufferSize = n }
}

// WithWriteBufferSize sets the pooled write buffer size.
func WithWriteBufferSize(n int) Option {
	return func(c *Config) { c.WriteBufferSize = n }
}

// WithMaskKeySource replaces crypto/rand as the source of masking keys.
func WithMaskKeySource(r io.Reader) Option {
	return func(c *Config) { c.MaskKeySource = r }
}

// WithStrictMasking enables the inbound mask direction check.
func WithStrictMasking(on bool) Option {
	return func(c *Config) { c.StrictMasking = on }
}

// WithLogger sets the socket logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMetrics makes the socket report frame and byte counters to r.
func WithMetrics(r *control.Registry) Option {
	return func(c *Config) { c.Metrics = r }
}
