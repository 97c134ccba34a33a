//go:build !linux
// +build !linux

// File: transport/adopt_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"

	"github.com/momentics/asyncws/api"
)

// Adopt wraps conn in the goroutine adapter.
func Adopt(conn net.Conn) (api.Stream, error) {
	return NewNetConn(conn, 0), nil
}
