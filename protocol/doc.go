// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket runs the RFC 6455 framing engine over a non-blocking api.Stream.
// Reading is a single resumable listen loop that decodes headers, validates
// fragmentation, streams payloads to a Listener and dispatches control
// frames. Writing is a set of independent coroutines that serialize and
// (for clients) mask one frame each. Both sides suspend on would-block and
// never park the goroutine driving the event loop.
//
// The package also carries the HTTP/1.1 Upgrade handshake used to obtain
// the stream in the first place.
package protocol
