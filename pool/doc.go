// Package pool
// Author: momentics <momentics@gmail.com>
//
// Reusable memory for the framing engine: a generic sync.Pool wrapper and a
// fixed-size byte buffer pool used for transport reads and frame writes.
package pool
