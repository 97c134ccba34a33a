//go:build linux
// +build linux

// File: transport/adopt_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"

	"github.com/momentics/asyncws/api"
)

// Adopt turns an established connection into a Stream. TCP connections
// move onto a raw descriptor the reactor can poll; anything else gets the
// goroutine adapter.
func Adopt(conn net.Conn) (api.Stream, error) {
	if _, ok := conn.(*net.TCPConn); !ok {
		return NewNetConn(conn, 0), nil
	}
	return FromConn(conn)
}
