//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

// NewPoller returns ErrNotSupported on platforms without a backend.
func NewPoller() (Poller, error) {
	return nil, ErrNotSupported
}
