// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides one-shot readiness polling for non-blocking
// descriptors. Linux uses epoll with an eventfd for cross-goroutine wakeups;
// other platforms report ErrNotSupported and callers fall back to re-polling.
package reactor
