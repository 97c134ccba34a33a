// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for concurrency module.

package concurrency

import "errors"

var (
	// ErrLoopRunning indicates Run was called on a loop that is already running
	ErrLoopRunning = errors.New("event loop is already running")

	// ErrLoopClosed indicates the loop has been closed
	ErrLoopClosed = errors.New("event loop is closed")

	// ErrLoopStopped indicates RunTask returned before its task completed
	ErrLoopStopped = errors.New("event loop stopped before task completed")

	// ErrNilCoroutine indicates a Call or Spawn with a nil coroutine
	ErrNilCoroutine = errors.New("nil coroutine")
)
