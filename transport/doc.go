// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking api.Stream implementations: a raw descriptor stream that
// the reactor can poll (Linux) and an adapter for any net.Conn.
package transport
