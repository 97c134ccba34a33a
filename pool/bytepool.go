// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import "sync"

// DefaultChunkSize is the buffer size used for transport reads.
const DefaultChunkSize = 4096

// BytePool hands out byte slices of one fixed size. Slices whose capacity
// fell below that size are dropped on Put.
type BytePool struct {
	size int
	objs ObjectPool[*[]byte]
}

// NewBytePool creates a pool of size-byte buffers.
func NewBytePool(size int) *BytePool {
	if size <= 0 {
		size = 1
	}
	return &BytePool{
		size: size,
		objs: NewSyncPool(func() *[]byte {
			b := make([]byte, size)
			return &b
		}),
	}
}

// Size returns the length of buffers returned by Get.
func (b *BytePool) Size() int { return b.size }

// Get returns a buffer of length Size. Its contents are unspecified.
func (b *BytePool) Get() []byte {
	p := b.objs.Get()
	return (*p)[:b.size]
}

// Put returns buf to the pool.
func (b *BytePool) Put(buf []byte) {
	if cap(buf) < b.size {
		return
	}
	buf = buf[:b.size]
	b.objs.Put(&buf)
}

var (
	sharedMu    sync.Mutex
	sharedPools = map[int]*BytePool{}
)

// Shared returns the process-wide pool for the given buffer size so that
// sockets with equal settings reuse the same memory.
func Shared(size int) *BytePool {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	p, ok := sharedPools[size]
	if !ok {
		p = NewBytePool(size)
		sharedPools[size] = p
	}
	return p
}
