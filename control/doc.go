// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics and debug introspection layer.
//
// Provides concurrent-safe state handling primitives including:
//   - Counters updated by sockets on the hot path
//   - Snapshot export for the command line tools
//   - Probe registration for state dumps
package control
