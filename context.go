// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Outcome is returned by a unit of [Work].
type Outcome int

const (
	// Completed indicates the work is done, until dispatch is next requested.
	Completed Outcome = iota
	// Reschedule re-links the context at the tail of its lane, as if
	// dispatch had been requested on the owning worker.
	Reschedule
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case Completed:
		return "Completed"
	case Reschedule:
		return "Reschedule"
	default:
		return "Unknown"
	}
}

// Work is a unit of work, run on the owning worker's goroutine. The [Exec]
// is only valid for the duration of the call.
//
// A panic terminates the owning worker, see [WorkError].
type Work func(x *Exec) Outcome

// Func adapts fn to a [Work] that always returns [Completed].
func Func(fn func()) Work {
	return func(*Exec) Outcome {
		fn()
		return Completed
	}
}

// Tracker observes each run of a tracked context, on the owning worker's
// goroutine. Implementations must not block.
type Tracker interface {
	Begin(c *Context)
	End(c *Context, elapsed time.Duration)
}

// ContextState is the observable state of a [Context].
type ContextState uint32

const (
	// StateIdle indicates no dispatch is pending.
	StateIdle ContextState = iota
	// StatePendingLocal indicates the context is linked in the run queue.
	StatePendingLocal
	// StatePendingForeign indicates a dispatch request is waiting in the
	// owning worker's mailbox.
	StatePendingForeign
	// StateRunning indicates the work is executing.
	StateRunning
	// StateClosing indicates a graceful close is waiting for a pending run.
	StateClosing
	// StateClosed indicates the context will never run again.
	StateClosed
)

// String returns a human-readable representation of the state.
func (s ContextState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePendingLocal:
		return "PendingLocal"
	case StatePendingForeign:
		return "PendingForeign"
	case StateRunning:
		return "Running"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Context is a dispatch context: the schedulable handle for one unit of
// work, owned by exactly one [Worker] for its lifetime.
//
// Thread Safety: all exported methods are safe to call from any goroutine.
// A context is linked in the run queue at most once, and never runs
// concurrently with itself.
type Context struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	worker  *Worker
	work    Work
	tracker Tracker
	done    chan struct{}
	label   string
	handle  Handle

	// mailbox entries, one per generation
	updates [2]foreignEvent

	// run queue links, owner only
	next *Context
	prev *Context
	lane int

	priority atomic.Int32
	queued   atomic.Bool
	armed    atomic.Bool // foreign dispatch requested, not yet applied
	running  atomic.Bool
	closing  atomic.Bool
	closed   atomic.Bool

	internal  bool
	oneShot   bool
	finalized bool // owner only
}

func newContext(w *Worker, work Work, label string, priority int) *Context {
	c := &Context{
		worker: w,
		work:   work,
		label:  label,
		done:   make(chan struct{}),
	}
	c.priority.Store(int32(priority))
	c.updates[0].run = c.processForeignUpdates
	c.updates[1].run = c.processForeignUpdates
	return c
}

// Label returns the human-readable label given at registration.
func (c *Context) Label() string { return c.label }

// Handle returns the registry handle of the context, invalid once closed.
func (c *Context) Handle() Handle { return c.handle }

// Worker returns the owning worker.
func (c *Context) Worker() *Worker { return c.worker }

// Priority returns the priority used the next time the context is linked.
func (c *Context) Priority() int { return int(c.priority.Load()) }

// Done returns a channel that is closed once the context has been closed
// and removed from its worker.
func (c *Context) Done() <-chan struct{} { return c.done }

// State returns a snapshot of the context state.
func (c *Context) State() ContextState {
	switch {
	case c.closed.Load():
		return StateClosed
	case c.running.Load():
		return StateRunning
	case c.closing.Load():
		return StateClosing
	case c.queued.Load():
		return StatePendingLocal
	case c.armed.Load():
		return StatePendingForeign
	default:
		return StateIdle
	}
}

// String returns the label and handle.
func (c *Context) String() string {
	return fmt.Sprintf("%s#%s", c.label, c.handle)
}

// RequestDispatch arms the context, via the owning worker's mailbox.
// Requests made before the worker drains its mailbox coalesce into a single
// run, and a single wakeup. Requests against a closed or closing context
// are dropped.
//
// From within work running on the owning worker, use [Exec.Dispatch], which
// links the context directly.
func (c *Context) RequestDispatch() {
	if c.closed.Load() || c.closing.Load() {
		return
	}
	if c.armed.Swap(true) {
		return
	}
	c.worker.mailbox.submitSlot(&c.updates)
}

// dispatchLocal links the context, must be called by the owning worker.
func (c *Context) dispatchLocal() {
	if c.closed.Load() || c.closing.Load() {
		return
	}
	c.worker.link(c)
}

// UpdatePriority sets the priority used the next time the context is
// linked. A context already in the run queue keeps its position.
func (c *Context) UpdatePriority(priority int) error {
	if err := c.worker.checkPriority(priority); err != nil {
		return err
	}
	c.priority.Store(int32(priority))
	return nil
}

// Close prevents any future run of the context, and removes it from its
// worker. If graceful, a run that has already been requested is allowed to
// happen first, otherwise it is dropped. In both cases, a run in progress
// (one the worker has marked running, see [StateRunning]) completes, but no
// run starts once Close has returned. Close is idempotent, and Done is
// closed once removal is done.
func (c *Context) Close(graceful bool) {
	if graceful {
		if c.closed.Load() || c.closing.Swap(true) {
			return
		}
	} else if c.closed.Swap(true) {
		return
	}
	c.worker.mailbox.submitSlot(&c.updates)
}

// processForeignUpdates applies state changes made from other goroutines,
// run by the owning worker as it drains its mailbox.
func (c *Context) processForeignUpdates() {
	if c.finalized {
		return
	}
	if c.closed.Load() {
		c.worker.finalize(c)
		return
	}
	if c.armed.Swap(false) {
		c.worker.link(c)
	}
	if c.closing.Load() && !c.queued.Load() && !c.running.Load() {
		c.worker.finalize(c)
	}
}

// Exec is passed to each unit of [Work], identifying the executing worker
// and context. Operations through it take the same-worker fast path where
// possible. It must not be retained after the work returns.
type Exec struct {
	w *Worker
	c *Context
}

// Worker returns the executing worker.
func (x *Exec) Worker() *Worker { return x.w }

// Context returns the executing context, or nil within a timer callback.
func (x *Exec) Context() *Context { return x.c }

// Now returns the current time.
func (x *Exec) Now() time.Time { return time.Now() }

// Dispatch requests dispatch of c, linking it directly into the run queue
// if it is owned by the executing worker.
func (x *Exec) Dispatch(c *Context) {
	if c.worker == x.w {
		c.dispatchLocal()
		return
	}
	c.RequestDispatch()
}

// Schedule runs work once, at the given priority, after delay, on the
// executing worker. The timer is inserted directly.
func (x *Exec) Schedule(work Work, priority int, delay time.Duration) error {
	if err := x.w.checkPriority(priority); err != nil {
		return err
	}
	x.w.timers.addRelative(time.Now(), delay, func() {
		x.w.dispatchLocal(work, priority)
	})
	return nil
}
