package pool_test

import (
	"testing"

	"github.com/momentics/asyncws/pool"
)

func TestBytePoolFixedSize(t *testing.T) {
	bp := pool.NewBytePool(128)
	b1 := bp.Get()
	if len(b1) != 128 {
		t.Fatalf("len = %d, want 128", len(b1))
	}
	bp.Put(b1[:10])
	b2 := bp.Get()
	if len(b2) != 128 {
		t.Fatalf("reused buffer len = %d, want 128", len(b2))
	}
}

func TestBytePoolDropsShortBuffers(t *testing.T) {
	bp := pool.NewBytePool(64)
	bp.Put(make([]byte, 8))
	if got := len(bp.Get()); got != 64 {
		t.Fatalf("len = %d, want 64", got)
	}
}

func TestSharedPoolIsPerSize(t *testing.T) {
	if pool.Shared(256) != pool.Shared(256) {
		t.Fatal("same size returned distinct pools")
	}
	if pool.Shared(256) == pool.Shared(512) {
		t.Fatal("different sizes share a pool")
	}
}
