// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for framing-level monitoring.
// Exposes counters and gauges in a thread-safe map with dynamic registration.

package control

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known counter names maintained by protocol sockets.
const (
	FramesIn       = "frames_in"
	FramesOut      = "frames_out"
	BytesIn        = "bytes_in"
	BytesOut       = "bytes_out"
	ProtocolErrors = "protocol_errors"
	TransportErrs  = "transport_errors"
	ClosesIn       = "closes_in"
)

// Registry holds monotonic counters and arbitrary gauge values.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	gauges   map[string]any
	updated  atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*atomic.Int64),
		gauges:   make(map[string]any),
	}
}

func (r *Registry) counter(key string) *atomic.Int64 {
	r.mu.RLock()
	c, ok := r.counters[key]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[key]; !ok {
		c = new(atomic.Int64)
		r.counters[key] = c
	}
	return c
}

// Add increments counter key by delta. A nil registry ignores the call.
func (r *Registry) Add(key string, delta int64) {
	if r == nil {
		return
	}
	r.counter(key).Add(delta)
	r.updated.Store(time.Now().UnixNano())
}

// Counter returns the current value of key.
func (r *Registry) Counter(key string) int64 {
	if r == nil {
		return 0
	}
	return r.counter(key).Load()
}

// Set sets or updates a gauge.
func (r *Registry) Set(key string, value any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.gauges[key] = value
	r.mu.Unlock()
	r.updated.Store(time.Now().UnixNano())
}

// Snapshot returns a copy of all counters and gauges.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.counters)+len(r.gauges))
	for k, v := range r.gauges {
		out[k] = v
	}
	for k, c := range r.counters {
		out[k] = c.Load()
	}
	return out
}

// Updated returns the time of the last write, or the zero time.
func (r *Registry) Updated() time.Time {
	ns := r.updated.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
