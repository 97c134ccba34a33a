//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based poller with an eventfd(2) wakeup channel.

package reactor

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const maxEventsPerWait = 128

// linuxPoller is an epoll-based one-shot readiness poller.
type linuxPoller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
}

// NewPoller constructs the epoll poller.
func NewPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		return nil, multierr.Combine(fmt.Errorf("epoll ctl add eventfd: %w", err), unix.Close(wakefd), unix.Close(epfd))
	}
	return &linuxPoller{
		epfd:   epfd,
		wakefd: wakefd,
		raw:    make([]unix.EpollEvent, maxEventsPerWait),
	}, nil
}

// Arm registers or re-arms a one-shot interest for fd.
func (p *linuxPoller) Arm(fd uintptr, interest Interest) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLONESHOT | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}
	if interest&Readable != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, int(fd), &ev)
	if errors.Is(err, unix.ENOENT) {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev)
	}
	if err != nil {
		return fmt.Errorf("epoll arm fd %d: %w", fd, err)
	}
	return nil
}

// Disarm removes fd from the watch list. Unknown or closed descriptors are
// not an error.
func (p *linuxPoller) Disarm(fd uintptr) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Wait waits for readiness and translates raw epoll events.
func (p *linuxPoller) Wait(events []Event, timeout time.Duration) (int, error) {
	raw := p.raw
	if len(events) < len(raw) {
		raw = raw[:len(events)]
	}
	n, err := unix.EpollWait(p.epfd, raw, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil // interrupted by signal, normal
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	out := 0
	for i := 0; i < n; i++ {
		ev := raw[i]
		if int(ev.Fd) == p.wakefd {
			p.drainWake()
			continue
		}
		var ready Interest
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ready |= Readable
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ready |= Writable
		}
		events[out] = Event{Fd: uintptr(ev.Fd), Ready: ready}
		out++
	}
	return out, nil
}

// Wake makes a concurrent or subsequent Wait return.
func (p *linuxPoller) Wake() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(p.wakefd, one[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *linuxPoller) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
}

// Close releases the epoll and eventfd descriptors.
func (p *linuxPoller) Close() error {
	return multierr.Combine(unix.Close(p.wakefd), unix.Close(p.epfd))
}
