// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// Worker is a single-goroutine event loop, locked to its OS thread, that
// owns a priority run queue, a timer heap, and a foreign mailbox.
//
// Each iteration of the loop:
//
//  1. Drains the run queue, highest priority first, running each context,
//     up to a fixed budget per pass.
//  2. If nothing ran, blocks until a foreign event arrives, or the next
//     timer is due (indefinitely if there are no timers).
//  3. Runs every due timer callback.
//  4. If the mailbox is pending, flips its generation and runs every event
//     from the previous generation, in arrival order.
//
// Only the worker's goroutine mutates its run queue and timer heap. Every
// request from another goroutine goes through the mailbox.
//
// A panic from a unit of work terminates the worker (and only the worker):
// the failure is reported via the error handler and logger, every owned
// context is closed, and any shutdown waiters are released.
type Worker struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	// HOOKS: Test hooks for deterministic race testing
	testHooks *workerTestHooks

	pool        *Pool
	logger      *logiface.Logger[logiface.Event]
	reporter    *failureReporter
	metrics     *workerMetrics
	startedHook func(*Worker)
	stoppedHook func(*Worker, *WorkError)

	// State machine (cache-line padded internally)
	state fastState

	runq     *runQueue
	mailbox  *mailbox
	registry *registry
	timers   timers
	sleep    *time.Timer
	exec     Exec

	done     chan struct{}
	stopReqs []*stopRequest

	name       string
	index      int
	cpu        int
	priorities int

	mu       sync.Mutex
	started  bool
	stopping bool
	exited   bool

	// running is cleared by the shutdown context, owner only
	running bool
}

// workerTestHooks provides injection points for deterministic race testing.
type workerTestHooks struct {
	PreTerminate func()         // Called before each CAS to WorkerTerminating
	PreExecute   func(*Context) // Called before a context is marked running
}

// stopRequest is one ShutdownAsync call, released once the worker has
// exited and closed its contexts.
type stopRequest struct {
	countdown  *atomic.Int32
	onShutdown func()
	once       sync.Once
}

func (r *stopRequest) fire() {
	r.once.Do(func() {
		if r.countdown.Add(-1) == 0 && r.onShutdown != nil {
			r.onShutdown()
		}
	})
}

// NewWorker creates a standalone worker, which must be started with Start.
// The name defaults to that configured by [WithName]. [WithWorkers] is
// ignored.
func NewWorker(name string, opts ...Option) (*Worker, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = cfg.name
	}
	return newWorker(cfg, nil, name, 0)
}

func newWorker(cfg *options, pool *Pool, name string, index int) (*Worker, error) {
	reporter, err := newFailureReporter(cfg, name)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		pool:        pool,
		logger:      workerLogger(cfg.logger, cfg.name, name),
		reporter:    reporter,
		startedHook: cfg.startedHook,
		stoppedHook: cfg.stoppedHook,
		runq:        newRunQueue(cfg.priorities),
		mailbox:     newMailbox(),
		registry:    newRegistry(),
		sleep:       time.NewTimer(time.Hour),
		done:        make(chan struct{}),
		name:        name,
		index:       index,
		cpu:         -1,
		priorities:  cfg.priorities,
	}
	w.sleep.Stop()
	w.exec.w = w

	if cfg.metrics {
		w.metrics = newWorkerMetrics()
	}
	if cfg.cpuAffinity {
		w.cpu = index % runtime.NumCPU()
	}

	return w, nil
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// Index returns the position of the worker in its pool, or 0 if standalone.
func (w *Worker) Index() int { return w.index }

// Priorities returns the number of user priority levels.
func (w *Worker) Priorities() int { return w.priorities }

// State returns the current worker state.
func (w *Worker) State() WorkerState { return w.state.Load() }

// Done returns a channel that is closed once the worker has exited, and
// closed all of its contexts.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Len returns the number of live contexts owned by the worker.
func (w *Worker) Len() int { return w.registry.len() }

// Lookup returns the live context for h, or nil.
func (w *Worker) Lookup(h Handle) *Context { return w.registry.lookup(h) }

// String returns the worker name.
func (w *Worker) String() string { return w.name }

// Start starts the worker's goroutine.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrWorkerStarted
	}
	if !w.state.TryTransition(WorkerAwake, WorkerRunning) {
		return ErrWorkerTerminated
	}
	w.started = true

	go w.run()

	return nil
}

// Register creates a context owned by this worker. The context does not run
// until dispatch is requested. [WithAffinity] is ignored.
func (w *Worker) Register(work Work, label string, opts ...RegisterOption) (*Context, error) {
	cfg, err := resolveRegisterOptions(opts)
	if err != nil {
		return nil, err
	}
	return w.register(work, label, cfg)
}

func (w *Worker) register(work Work, label string, cfg *registerOptions) (*Context, error) {
	if work == nil {
		return nil, fmt.Errorf("%w: nil work", ErrInvalidOption)
	}
	if err := w.checkPriority(cfg.priority); err != nil {
		return nil, err
	}
	if !w.state.CanAcceptWork() {
		return nil, ErrWorkerTerminated
	}

	c := newContext(w, work, label, cfg.priority)
	c.tracker = cfg.tracker
	if !w.adopt(c) {
		return nil, ErrWorkerTerminated
	}

	return c, nil
}

// Dispatch runs work once, at the given priority. Safe to call from any
// goroutine.
func (w *Worker) Dispatch(work Work, priority int) error {
	if work == nil {
		return fmt.Errorf("%w: nil work", ErrInvalidOption)
	}
	if err := w.checkPriority(priority); err != nil {
		return err
	}
	if !w.state.CanAcceptWork() {
		return ErrWorkerTerminated
	}

	c := newContext(w, work, "", priority)
	c.oneShot = true
	if !w.adopt(c) {
		return ErrWorkerTerminated
	}
	c.RequestDispatch()

	return nil
}

// Schedule runs work once, at the given priority, after delay. Safe to call
// from any goroutine: the timer is registered via the mailbox. The deadline
// is computed at the time of the call.
//
// Timer callbacks run on the worker's goroutine, and must not block, as
// doing so delays every other context owned by the worker.
func (w *Worker) Schedule(work Work, priority int, delay time.Duration) error {
	if work == nil {
		return fmt.Errorf("%w: nil work", ErrInvalidOption)
	}
	if err := w.checkPriority(priority); err != nil {
		return err
	}
	if !w.state.CanAcceptWork() {
		return ErrWorkerTerminated
	}

	when := time.Now().Add(delay)
	e := &foreignEvent{}
	e.run = func() {
		w.timers.addAbsolute(when, func() {
			w.dispatchLocal(work, priority)
		})
	}
	w.mailbox.submit(e)

	return nil
}

// ShutdownAsync requests that the worker stop, without waiting. The worker
// finishes its current drain pass, then exits, closing every context it
// owns. The countdown is then decremented, and onShutdown (if non-nil)
// called if it reached zero.
//
// If the worker was never started, the countdown is decremented
// immediately, and nil is returned. Otherwise, the returned channel is
// closed once the worker has exited, after the countdown has been
// decremented (and onShutdown called), so onShutdown must not wait on it.
// Safe to call multiple times, and from within work.
func (w *Worker) ShutdownAsync(countdown *atomic.Int32, onShutdown func()) <-chan struct{} {
	req := &stopRequest{countdown: countdown, onShutdown: onShutdown}

	w.mu.Lock()

	if w.exited {
		w.mu.Unlock()
		req.fire()
		if !w.started {
			return nil
		}
		return w.done
	}

	if !w.started {
		w.exited = true
		w.state.Store(WorkerTerminated)
		w.mu.Unlock()
		w.cleanup()
		w.logger.Debug().Log("worker shut down before start")
		req.fire()
		close(w.done)
		return nil
	}

	w.stopReqs = append(w.stopReqs, req)
	first := !w.stopping
	w.stopping = true
	w.mu.Unlock()

	if first {
		w.terminating()
		w.logger.Debug().Log("worker shutdown requested")

		c := newContext(w, func(*Exec) Outcome {
			w.running = false
			return Completed
		}, "shutdown", 0)
		c.internal = true
		c.oneShot = true
		// if adoption fails the loop is already exiting, and will release req
		if w.adopt(c) {
			c.RequestDispatch()
		}
	}

	return w.done
}

// terminating moves the worker out of any state that accepts work, retrying
// as the loop may move between Running and Sleeping concurrently.
func (w *Worker) terminating() {
	for {
		state := w.state.Load()
		if state == WorkerTerminating || state == WorkerTerminated {
			return
		}
		if w.testHooks != nil && w.testHooks.PreTerminate != nil {
			w.testHooks.PreTerminate()
		}
		if w.state.TryTransition(state, WorkerTerminating) {
			return
		}
	}
}

// Shutdown stops the worker and waits for it to exit, or ctx to be done.
// Must not be called from work running on this worker, use ShutdownAsync.
func (w *Worker) Shutdown(ctx context.Context) error {
	var countdown atomic.Int32
	countdown.Store(1)

	done := w.ShutdownAsync(&countdown, nil)
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the worker's metrics. Metrics.Enabled is
// false unless the worker was created with [WithMetrics].
func (w *Worker) Metrics() Metrics {
	if w.metrics == nil {
		return Metrics{Worker: w.name}
	}
	m := w.metrics.snapshot()
	m.Worker = w.name
	m.Contexts = w.registry.len()
	m.Wakeups = w.mailbox.wakeups.Load()
	return m
}

func (w *Worker) checkPriority(priority int) error {
	if priority < 0 || priority >= w.priorities {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidPriority, priority, w.priorities)
	}
	return nil
}

func (w *Worker) adopt(c *Context) bool {
	_, ok := w.registry.add(c)
	return ok
}

// --- owner only ---

// run is the worker goroutine.
func (w *Worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer w.exit()

	w.pin()
	w.running = true

	w.logger.Info().
		Int("index", w.index).
		Int("priorities", w.priorities).
		Log("worker started")

	if w.pool != nil {
		w.pool.onWorkerStarted(w)
	}
	if w.startedHook != nil {
		w.startedHook(w)
	}

	w.loop()
}

func (w *Worker) loop() {
	for w.running {
		if w.drainRunQueue() == 0 {
			w.wait()
		}

		if n := w.timers.runReady(time.Now()); n > 0 && w.metrics != nil {
			w.metrics.recordTimers(n)
		}

		w.drainForeign()
	}
}

// drainBudget bounds the runs per drain pass, so contexts that always
// reschedule cannot starve timers, the mailbox, or shutdown.
const drainBudget = 1024

func (w *Worker) drainRunQueue() int {
	if w.metrics != nil {
		w.metrics.recordRunQueue(w.runq.len())
	}
	var n int
	for n < drainBudget {
		c := w.runq.poll()
		if c == nil {
			break
		}
		n++
		w.execute(c)
	}
	return n
}

// wait blocks until a foreign event is pending or the next timer is due.
func (w *Worker) wait() {
	d, ok := w.timers.timeToNext(time.Now())
	if ok && d <= 0 {
		return
	}

	slept := w.state.TryTransition(WorkerRunning, WorkerSleeping)

	if !ok {
		<-w.mailbox.permits
	} else {
		w.sleep.Reset(d)
		select {
		case <-w.mailbox.permits:
		case <-w.sleep.C:
		}
		w.sleep.Stop()
	}

	if slept {
		w.state.TryTransition(WorkerSleeping, WorkerRunning)
	}
}

func (w *Worker) drainForeign() {
	if !w.mailbox.pending.Load() {
		return
	}
	old := w.mailbox.swap()
	var n int
	for e := w.mailbox.pop(old); e != nil; e = w.mailbox.pop(old) {
		n++
		e.run()
	}
	if w.metrics != nil {
		w.metrics.recordForeign(n)
	}
}

func (w *Worker) execute(c *Context) {
	if c.closed.Load() {
		w.finalize(c)
		return
	}

	if w.testHooks != nil && w.testHooks.PreExecute != nil {
		w.testHooks.PreExecute(c)
	}

	// re-checked once marked running, so a racing Close(false) either sees
	// the run as in progress, or prevents it
	c.running.Store(true)
	if c.closed.Load() {
		c.running.Store(false)
		w.finalize(c)
		return
	}
	w.exec.c = c

	var start time.Time
	timed := c.tracker != nil || w.metrics != nil
	if timed {
		start = time.Now()
	}
	if c.tracker != nil {
		c.tracker.Begin(c)
	}

	outcome := c.work(&w.exec)

	if timed {
		elapsed := time.Since(start)
		if c.tracker != nil {
			c.tracker.End(c, elapsed)
		}
		if w.metrics != nil {
			w.metrics.recordExecution(elapsed)
		}
	}

	w.exec.c = nil
	c.running.Store(false)

	switch {
	case c.oneShot, c.closed.Load(), c.closing.Load():
		w.finalize(c)
	case outcome == Reschedule:
		w.link(c)
	}
}

// link inserts c into the lane for its current priority, unless it is
// already linked or has been removed.
func (w *Worker) link(c *Context) {
	if c.finalized || c.queued.Load() {
		return
	}
	if c.internal {
		c.lane = internalLane
	} else {
		c.lane = int(c.priority.Load()) + 1
	}
	w.runq.push(c)
}

// dispatchLocal runs work once on this worker, bypassing the mailbox.
func (w *Worker) dispatchLocal(work Work, priority int) {
	c := newContext(w, work, "", priority)
	c.oneShot = true
	if w.adopt(c) {
		w.link(c)
	}
}

// finalize removes c from the run queue, the mailbox, and the registry.
func (w *Worker) finalize(c *Context) {
	if c.finalized {
		return
	}
	c.finalized = true
	c.closed.Store(true)
	w.runq.remove(c)
	w.mailbox.removeSlots(&c.updates)
	w.registry.remove(c.handle)
	close(c.done)
}

// cleanup closes every context owned by the worker, and prevents any more
// being registered.
func (w *Worker) cleanup() {
	for _, c := range w.registry.close() {
		c.closed.Store(true)
		w.finalize(c)
	}
}

// exit runs as the loop goroutine unwinds, for any reason.
func (w *Worker) exit() {
	var failure *WorkError
	if r := recover(); r != nil {
		failure = &WorkError{
			Value:  r,
			Worker: w.name,
			Stack:  debug.Stack(),
		}
		if c := w.exec.c; c != nil {
			failure.Label = c.label
			c.running.Store(false)
		}
		w.exec.c = nil
	}

	w.running = false
	w.state.Store(WorkerTerminating)

	if failure != nil {
		w.reporter.report(failure)
	}

	w.cleanup()
	w.state.Store(WorkerTerminated)

	w.logger.Info().
		Bool("failed", failure != nil).
		Log("worker stopped")

	if w.pool != nil {
		w.pool.onWorkerStopped(w, failure)
	}
	if w.stoppedHook != nil {
		w.stoppedHook(w, failure)
	}

	w.mu.Lock()
	w.exited = true
	reqs := w.stopReqs
	w.stopReqs = nil
	w.mu.Unlock()

	// countdowns are settled before anyone joining on done is released
	for _, req := range reqs {
		req.fire()
	}

	close(w.done)
}

func (w *Worker) pin() {
	if w.cpu < 0 {
		return
	}
	if err := setAffinity(w.cpu); err != nil {
		w.logger.Warning().
			Err(err).
			Int("cpu", w.cpu).
			Log("failed to set worker cpu affinity")
	}
}
