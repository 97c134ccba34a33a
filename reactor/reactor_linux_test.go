//go:build linux
// +build linux

package reactor_test

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/asyncws/reactor"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollerReadableOneShot(t *testing.T) {
	p, err := reactor.NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	a, b := socketPair(t)
	if err := p.Arm(uintptr(a), reactor.Readable); err != nil {
		t.Fatal(err)
	}

	events := make([]reactor.Event, 8)
	n, err := p.Wait(events, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("got %d events before any data", n)
	}

	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatal(err)
	}
	n, err = p.Wait(events, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || events[0].Fd != uintptr(a) || events[0].Ready&reactor.Readable == 0 {
		t.Fatalf("unexpected events %v (n=%d)", events[:n], n)
	}

	// One-shot: no further report until re-armed, even though data is pending.
	n, _ = p.Wait(events, 10*time.Millisecond)
	if n != 0 {
		t.Fatalf("one-shot interest reported twice")
	}
	if err := p.Arm(uintptr(a), reactor.Readable); err != nil {
		t.Fatal(err)
	}
	n, _ = p.Wait(events, time.Second)
	if n != 1 {
		t.Fatalf("re-armed interest not reported")
	}
	if err := p.Disarm(uintptr(a)); err != nil {
		t.Fatal(err)
	}
}

func TestPollerWake(t *testing.T) {
	p, err := reactor.NewPoller()
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	defer p.Close()

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = p.Wake()
	}()
	start := time.Now()
	n, err := p.Wait(make([]reactor.Event, 4), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("wake produced %d user events", n)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Wake did not interrupt Wait")
	}
}
