// Package protocol
// Author: momentics <momentics@gmail.com>
//
// Implements the pure parts of the WebSocket framing protocol (RFC 6455)
// for asyncws. Nothing in this package performs I/O.
//
// Includes:
//   - Strict header encoding/decoding with canonical length checks
//   - Resumable XOR masking
//   - Continuation (fragmentation) sequencing rules
//   - Control frame limits and Close payload codec
package protocol
