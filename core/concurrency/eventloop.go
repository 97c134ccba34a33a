// File: core/concurrency/eventloop.go
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventLoop is a single-goroutine cooperative scheduler for Coroutines.
// Tasks run until they suspend; suspended tasks wait either on the reactor
// (descriptor-backed sources) or in a parked list that is re-polled with
// adaptive backoff. Only Spawn, Stop and Task accessors are safe to call
// from other goroutines.

package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/asyncws/api"
	"github.com/momentics/asyncws/reactor"
)

// Config tunes an EventLoop.
type Config struct {
	BatchSize    int           // tasks resumed per turn before checking the inbox
	StepsPerTurn int           // steps one task may take before yielding
	MinBackoff   time.Duration // first re-poll delay for parked tasks
	MaxBackoff   time.Duration // re-poll delay cap
	PollTimeout  time.Duration // longest reactor wait; closed-stream sweep period
	UsePoller    bool          // use the platform reactor when available
	Logger       *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    64,
		StepsPerTurn: 64,
		MinBackoff:   time.Microsecond,
		MaxBackoff:   time.Millisecond,
		PollTimeout:  50 * time.Millisecond,
		UsePoller:    true,
		Logger:       zap.NewNop(),
	}
}

// Option customizes an EventLoop.
type Option func(*Config)

// WithLogger sets the loop logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithoutPoller forces backoff re-polling even where a reactor exists.
func WithoutPoller() Option {
	return func(c *Config) { c.UsePoller = false }
}

// WithBackoff overrides the parked-task re-poll delays.
func WithBackoff(min, max time.Duration) Option {
	return func(c *Config) {
		c.MinBackoff = min
		c.MaxBackoff = max
	}
}

// WithPollTimeout overrides the longest reactor wait.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Config) { c.PollTimeout = d }
}

// Task is a spawned coroutine stack.
type Task struct {
	id    uint64
	stack []Coroutine
	done  chan struct{}
	err   error
}

// ID returns the task identifier, unique per loop.
func (t *Task) ID() uint64 { return t.id }

// Done is closed once the task has completed.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task result. Valid after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task completes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) top() Coroutine { return t.stack[len(t.stack)-1] }

func (t *Task) pop() {
	t.stack[len(t.stack)-1] = nil
	t.stack = t.stack[:len(t.stack)-1]
}

// fdWaiters holds tasks suspended on one descriptor.
type fdWaiters struct {
	src     any
	readers []*Task
	writers []*Task
}

func (w *fdWaiters) interest() reactor.Interest {
	var in reactor.Interest
	if len(w.readers) > 0 {
		in |= reactor.Readable
	}
	if len(w.writers) > 0 {
		in |= reactor.Writable
	}
	return in
}

// EventLoop schedules coroutines cooperatively on the goroutine calling Run.
type EventLoop struct {
	cfg    Config
	log    *zap.Logger
	poller reactor.Poller

	inboxMu sync.Mutex
	inbox   []*Task
	signal  chan struct{}

	ready   *queue.Queue
	parked  []*Task
	fdWaits map[uintptr]*fdWaiters
	events  []reactor.Event
	backoff time.Duration

	nextID  atomic.Uint64
	running atomic.Bool
	closed  atomic.Bool
	quit    chan struct{}
	quitMu  sync.Mutex
}

// NewEventLoop creates an EventLoop. The platform reactor is used when
// available; its absence is not an error.
func NewEventLoop(opts ...Option) (*EventLoop, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.StepsPerTurn <= 0 {
		cfg.StepsPerTurn = 64
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Microsecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 50 * time.Millisecond
	}

	el := &EventLoop{
		cfg:     cfg,
		log:     cfg.Logger,
		signal:  make(chan struct{}, 1),
		ready:   queue.New(),
		fdWaits: make(map[uintptr]*fdWaiters),
		events:  make([]reactor.Event, 128),
		backoff: cfg.MinBackoff,
		quit:    make(chan struct{}),
	}
	if cfg.UsePoller {
		p, err := reactor.NewPoller()
		switch {
		case err == nil:
			el.poller = p
		case errors.Is(err, reactor.ErrNotSupported):
			el.log.Debug("reactor not supported, parked tasks are re-polled")
		default:
			return nil, fmt.Errorf("event loop: %w", err)
		}
	}
	return el, nil
}

// HasPoller reports whether descriptor waits go through the reactor.
func (el *EventLoop) HasPoller() bool { return el.poller != nil }

// Spawn schedules c as a new task. Safe from any goroutine, including from
// coroutines running on this loop.
func (el *EventLoop) Spawn(c Coroutine) *Task {
	t := &Task{
		id:   el.nextID.Add(1),
		done: make(chan struct{}),
	}
	if c == nil {
		t.err = ErrNilCoroutine
		close(t.done)
		return t
	}
	if el.closed.Load() {
		t.err = ErrLoopClosed
		close(t.done)
		return t
	}
	t.stack = []Coroutine{c}

	el.inboxMu.Lock()
	el.inbox = append(el.inbox, t)
	el.inboxMu.Unlock()
	el.notify()
	return t
}

func (el *EventLoop) notify() {
	select {
	case el.signal <- struct{}{}:
	default:
	}
	if el.poller != nil {
		if err := el.poller.Wake(); err != nil {
			el.log.Warn("reactor wake failed", zap.Error(err))
		}
	}
}

// Run drives tasks until ctx is done or Stop is called.
func (el *EventLoop) Run(ctx context.Context) error {
	return el.run(ctx, nil)
}

// RunTask spawns c and drives the loop until it completes, returning the
// task result. Other tasks keep running meanwhile.
func (el *EventLoop) RunTask(ctx context.Context, c Coroutine) error {
	t := el.Spawn(c)
	if err := el.run(ctx, t.Done()); err != nil {
		return err
	}
	select {
	case <-t.Done():
		return t.Err()
	default:
		return ErrLoopStopped
	}
}

// Stop makes a running Run return. Pending tasks stay suspended.
func (el *EventLoop) Stop() {
	el.quitMu.Lock()
	select {
	case <-el.quit:
	default:
		close(el.quit)
	}
	el.quitMu.Unlock()
	el.notify()
}

// Close stops the loop and releases the reactor. Call after Run returned.
func (el *EventLoop) Close() error {
	if !el.closed.CompareAndSwap(false, true) {
		return nil
	}
	el.Stop()
	var err error
	if el.poller != nil {
		err = multierr.Append(err, el.poller.Close())
	}
	return err
}

func (el *EventLoop) run(ctx context.Context, until <-chan struct{}) error {
	if el.closed.Load() {
		return ErrLoopClosed
	}
	if !el.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer el.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-el.quit:
			return nil
		case <-until:
			return nil
		default:
		}

		el.drainInbox()
		if el.ready.Length() > 0 {
			el.runBatch()
			el.backoff = el.cfg.MinBackoff
			continue
		}
		el.idle(ctx, until)
	}
}

func (el *EventLoop) drainInbox() {
	el.inboxMu.Lock()
	pending := el.inbox
	el.inbox = nil
	el.inboxMu.Unlock()
	for _, t := range pending {
		el.ready.Add(t)
	}
}

func (el *EventLoop) runBatch() {
	for i := 0; i < el.cfg.BatchSize && el.ready.Length() > 0; i++ {
		t := el.ready.Remove().(*Task)
		el.runTask(t)
	}
}

// idle waits for something to do: reactor events, parked re-poll deadline,
// a spawned task, or cancellation.
func (el *EventLoop) idle(ctx context.Context, until <-chan struct{}) {
	switch {
	case len(el.parked) > 0:
		if el.poller != nil && len(el.fdWaits) > 0 {
			el.poll(el.backoff)
		} else {
			timer := time.NewTimer(el.backoff)
			select {
			case <-timer.C:
			case <-el.signal:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
			case <-el.quit:
				timer.Stop()
			case <-until:
				timer.Stop()
			}
		}
		el.unpark()
		el.backoff *= 2
		if el.backoff > el.cfg.MaxBackoff {
			el.backoff = el.cfg.MaxBackoff
		}

	case el.poller != nil && len(el.fdWaits) > 0:
		if el.poll(el.cfg.PollTimeout) == 0 {
			el.sweepClosed()
		}

	default:
		select {
		case <-el.signal:
		case <-ctx.Done():
		case <-el.quit:
		case <-until:
		}
	}
}

func (el *EventLoop) poll(timeout time.Duration) int {
	n, err := el.poller.Wait(el.events, timeout)
	if err != nil {
		el.log.Error("reactor wait failed, waking all descriptor waiters", zap.Error(err))
		for fd := range el.fdWaits {
			el.wakeFD(fd, reactor.Readable|reactor.Writable)
		}
		return 0
	}
	for _, ev := range el.events[:n] {
		el.wakeFD(ev.Fd, ev.Ready)
	}
	return n
}

func (el *EventLoop) unpark() {
	parked := el.parked
	el.parked = nil
	for _, t := range parked {
		el.ready.Add(t)
	}
}

// sweepClosed resumes tasks waiting on streams closed locally; the kernel
// drops closed descriptors from epoll without reporting them.
func (el *EventLoop) sweepClosed() {
	for fd, w := range el.fdWaits {
		if cr, ok := w.src.(api.ClosedReporter); ok && cr.Closed() {
			el.wakeFD(fd, reactor.Readable|reactor.Writable)
		}
	}
}

func (el *EventLoop) wakeFD(fd uintptr, ready reactor.Interest) {
	w, ok := el.fdWaits[fd]
	if !ok {
		return
	}
	if ready&reactor.Readable != 0 {
		for _, t := range w.readers {
			el.ready.Add(t)
		}
		w.readers = nil
	}
	if ready&reactor.Writable != 0 {
		for _, t := range w.writers {
			el.ready.Add(t)
		}
		w.writers = nil
	}
	in := w.interest()
	if in == 0 {
		delete(el.fdWaits, fd)
		return
	}
	if err := el.poller.Arm(fd, in); err != nil {
		el.log.Debug("re-arm failed, resuming waiters", zap.Uintptr("fd", fd), zap.Error(err))
		el.wakeFD(fd, reactor.Readable|reactor.Writable)
	}
}

func (el *EventLoop) suspend(t *Task, src any, interest reactor.Interest) {
	fs, ok := src.(interface{ RawFD() uintptr })
	if el.poller == nil || !ok {
		el.parked = append(el.parked, t)
		return
	}
	fd := fs.RawFD()
	w := el.fdWaits[fd]
	if w == nil {
		w = &fdWaiters{}
		el.fdWaits[fd] = w
	}
	w.src = src
	if interest&reactor.Readable != 0 {
		w.readers = append(w.readers, t)
	} else {
		w.writers = append(w.writers, t)
	}
	if err := el.poller.Arm(fd, w.interest()); err != nil {
		el.log.Debug("arm failed, resuming waiters", zap.Uintptr("fd", fd), zap.Error(err))
		el.wakeFD(fd, reactor.Readable|reactor.Writable)
	}
}

func (el *EventLoop) runTask(t *Task) {
	for steps := 0; steps < el.cfg.StepsPerTurn; steps++ {
		if !el.apply(t, el.step(t)) {
			return
		}
	}
	el.ready.Add(t)
}

func (el *EventLoop) step(t *Task) (act Action) {
	defer func() {
		if r := recover(); r != nil {
			el.log.Error("coroutine panicked", zap.Uint64("task", t.id), zap.Any("panic", r))
			act = Fail(fmt.Errorf("coroutine panicked: %v", r))
		}
	}()
	return t.top().Step()
}

func (el *EventLoop) handle(t *Task, h ErrorHandler, err error) (act Action) {
	defer func() {
		if r := recover(); r != nil {
			el.log.Error("error handler panicked", zap.Uint64("task", t.id), zap.Any("panic", r))
			act = Fail(multierr.Append(err, fmt.Errorf("error handler panicked: %v", r)))
		}
	}()
	return h.HandleError(err)
}

// apply carries out act for t and reports whether t may keep stepping in
// the current turn.
func (el *EventLoop) apply(t *Task, act Action) bool {
	for {
		switch act.kind {
		case kindRepeat:
			el.ready.Add(t)
			return false

		case kindWaitRead:
			el.suspend(t, act.src, reactor.Readable)
			return false

		case kindWaitWrite:
			el.suspend(t, act.src, reactor.Writable)
			return false

		case kindCall:
			if act.child == nil {
				act = Fail(ErrNilCoroutine)
				continue
			}
			t.stack = append(t.stack, act.child)
			return true

		case kindFinish:
			t.pop()
			if len(t.stack) == 0 {
				el.complete(t, nil)
				return false
			}
			return true

		case kindFail:
			t.pop()
			if len(t.stack) == 0 {
				el.complete(t, act.err)
				return false
			}
			if h, ok := t.top().(ErrorHandler); ok {
				act = el.handle(t, h, act.err)
				continue
			}
			// The caller cannot handle it: unwind it as well.
			continue

		default:
			act = Fail(fmt.Errorf("unknown action %v", act.kind))
		}
	}
}

func (el *EventLoop) complete(t *Task, err error) {
	t.err = err
	t.stack = nil
	close(t.done)
	if err != nil {
		el.log.Debug("task failed", zap.Uint64("task", t.id), zap.Error(err))
	}
}
