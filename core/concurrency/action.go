// File: core/concurrency/action.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Resumable computations. A Coroutine is an explicit state object whose
// Step advances it until the next suspension point and reports, through
// the returned Action, what the scheduler must do before stepping again.

package concurrency

import "fmt"

type actionKind uint8

const (
	kindFinish actionKind = iota
	kindRepeat
	kindWaitRead
	kindWaitWrite
	kindCall
	kindFail
)

func (k actionKind) String() string {
	switch k {
	case kindFinish:
		return "finish"
	case kindRepeat:
		return "repeat"
	case kindWaitRead:
		return "wait-read"
	case kindWaitWrite:
		return "wait-write"
	case kindCall:
		return "call"
	case kindFail:
		return "fail"
	default:
		return fmt.Sprintf("action(%d)", uint8(k))
	}
}

// Action is the continuation a Coroutine hands back to the scheduler.
type Action struct {
	kind  actionKind
	child Coroutine
	src   any
	err   error
}

// Finish ends the current coroutine and resumes its caller.
func Finish() Action { return Action{kind: kindFinish} }

// Repeat yields to other tasks and steps the same coroutine again.
func Repeat() Action { return Action{kind: kindRepeat} }

// WaitRead suspends until src is likely readable. If src exposes RawFD and
// the loop has a poller, readiness is awaited in the kernel; otherwise the
// task is re-polled with backoff.
func WaitRead(src any) Action { return Action{kind: kindWaitRead, src: src} }

// WaitWrite is WaitRead for writability.
func WaitWrite(src any) Action { return Action{kind: kindWaitWrite, src: src} }

// Call runs child to completion, then steps the current coroutine again.
func Call(child Coroutine) Action { return Action{kind: kindCall, child: child} }

// Fail ends the current coroutine with err, handing it to the nearest
// caller implementing ErrorHandler.
func Fail(err error) Action {
	if err == nil {
		err = fmt.Errorf("coroutine failed with nil error")
	}
	return Action{kind: kindFail, err: err}
}

// IsFinish reports whether a is a Finish action.
func (a Action) IsFinish() bool { return a.kind == kindFinish }

// IsWait reports whether a suspends on I/O readiness.
func (a Action) IsWait() bool { return a.kind == kindWaitRead || a.kind == kindWaitWrite }

// Err returns the error carried by a Fail action.
func (a Action) Err() error { return a.err }

func (a Action) String() string { return a.kind.String() }

// Coroutine is a resumable unit of work.
type Coroutine interface {
	Step() Action
}

// ErrorHandler is implemented by coroutines that want to observe failures
// of the children they Call. The returned action replaces the child's
// failure; returning Fail propagates further up.
type ErrorHandler interface {
	HandleError(err error) Action
}

// CoroutineFunc adapts a step function to Coroutine.
type CoroutineFunc func() Action

// Step implements Coroutine.
func (f CoroutineFunc) Step() Action { return f() }

// Invoke wraps a callback that returns an Action so that it runs exactly
// once: whatever the callback returns is honoured, and the next step
// finishes. Used for application hooks that may themselves suspend.
func Invoke(fn func() Action) Coroutine {
	return &invoke{fn: fn}
}

type invoke struct {
	fn   func() Action
	done bool
}

func (c *invoke) Step() Action {
	if c.done {
		return Finish()
	}
	c.done = true
	return c.fn()
}

// Sequence runs coroutines one after another and fails fast.
func Sequence(cs ...Coroutine) Coroutine {
	return &sequence{items: cs}
}

type sequence struct {
	items []Coroutine
	next  int
}

func (s *sequence) Step() Action {
	if s.next >= len(s.items) {
		return Finish()
	}
	c := s.items[s.next]
	s.next++
	return Call(c)
}

// Failed returns a coroutine that fails with err on its first step.
func Failed(err error) Coroutine {
	return CoroutineFunc(func() Action { return Fail(err) })
}

// Guard runs child and hands its failure to onErr instead of the caller.
// The action onErr returns replaces the failure.
func Guard(child Coroutine, onErr func(error) Action) Coroutine {
	return &guard{child: child, onErr: onErr}
}

type guard struct {
	child   Coroutine
	onErr   func(error) Action
	started bool
}

func (g *guard) Step() Action {
	if g.started {
		return Finish()
	}
	g.started = true
	return Call(g.child)
}

func (g *guard) HandleError(err error) Action {
	return g.onErr(err)
}
