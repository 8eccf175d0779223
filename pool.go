// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// Priorities of the standard queues, valid for the default
// [DefaultPriorities] levels.
const (
	QueueHigh    = 0
	QueueDefault = 1
	QueueLow     = 2
)

// Pool is a fixed set of workers. Contexts registered with the pool are
// assigned a worker round robin, or explicitly with [WithAffinity], and
// remain owned by that worker for their lifetime. There is no work stealing.
type Pool struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	logger  *logiface.Logger[logiface.Event]
	workers []*Worker
	done    chan struct{}
	waiters []func()
	name    string

	countdown atomic.Int32
	next      atomic.Uint64
	live      atomic.Int32

	priorities int

	// mu guards started, shuttingDown, finished and waiters, and is held
	// for reading across registration
	mu           sync.RWMutex
	started      bool
	shuttingDown bool
	finished     bool
}

// NewPool creates a pool, which must be started with Start. Workers are
// named after the pool, e.g. "mypool-0".
func NewPool(opts ...Option) (*Pool, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		logger:     cfg.logger.Clone().Str("pool", cfg.name).Logger(),
		workers:    make([]*Worker, cfg.workers),
		done:       make(chan struct{}),
		name:       cfg.name,
		priorities: cfg.priorities,
	}

	for i := range p.workers {
		w, err := newWorker(cfg, p, cfg.name+"-"+strconv.Itoa(i), i)
		if err != nil {
			return nil, err
		}
		p.workers[i] = w
	}

	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Priorities returns the number of user priority levels.
func (p *Pool) Priorities() int { return p.priorities }

// Workers returns the pool's workers, in index order.
func (p *Pool) Workers() []*Worker {
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	return workers
}

// Done returns a channel that is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Start starts every worker.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown {
		return ErrPoolTerminated
	}
	if p.started {
		return ErrWorkerStarted
	}
	p.started = true

	for _, w := range p.workers {
		if err := w.Start(); err != nil {
			return fmt.Errorf("dispatch: starting worker %s: %w", w.name, err)
		}
	}

	p.logger.Info().
		Int("workers", len(p.workers)).
		Int("priorities", p.priorities).
		Log("pool started")

	return nil
}

// Register creates a context owned by one of the pool's workers. The
// context does not run until dispatch is requested.
func (p *Pool) Register(work Work, label string, opts ...RegisterOption) (*Context, error) {
	cfg, err := resolveRegisterOptions(opts)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown {
		return nil, ErrPoolTerminated
	}
	w, err := p.pick(cfg.affinity)
	if err != nil {
		return nil, err
	}

	return w.register(work, label, cfg)
}

// Dispatch runs work once, at the given priority, on the next worker.
func (p *Pool) Dispatch(work Work, priority int) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown {
		return ErrPoolTerminated
	}
	w, _ := p.pick(-1)

	return w.Dispatch(work, priority)
}

// Schedule runs work once, at the given priority, after delay, on the next
// worker. See [Worker.Schedule].
func (p *Pool) Schedule(work Work, priority int, delay time.Duration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.shuttingDown {
		return ErrPoolTerminated
	}
	w, _ := p.pick(-1)

	return w.Schedule(work, priority, delay)
}

// Executor returns an [Executor] that dispatches to the pool at the given
// priority.
func (p *Pool) Executor(priority int) (*Executor, error) {
	if priority < 0 || priority >= p.priorities {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidPriority, priority, p.priorities)
	}
	return &Executor{target: p, priority: priority}, nil
}

// pick selects the worker for affinity, or the next worker if negative.
func (p *Pool) pick(affinity int) (*Worker, error) {
	if affinity >= 0 {
		if affinity >= len(p.workers) {
			return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidAffinity, affinity, len(p.workers))
		}
		return p.workers[affinity], nil
	}
	i := (p.next.Add(1) - 1) % uint64(len(p.workers))
	return p.workers[i], nil
}

// ShutdownAsync requests that every worker stop, without waiting.
// onComplete (if non-nil) is called exactly once, after the last worker has
// exited and closed its contexts, on that worker's goroutine (or the
// caller's, if already complete). Safe to call multiple times.
func (p *Pool) ShutdownAsync(onComplete func()) <-chan struct{} {
	p.mu.Lock()

	if p.finished {
		p.mu.Unlock()
		if onComplete != nil {
			onComplete()
		}
		return p.done
	}

	if onComplete != nil {
		p.waiters = append(p.waiters, onComplete)
	}

	if p.shuttingDown {
		p.mu.Unlock()
		return p.done
	}
	p.shuttingDown = true
	p.countdown.Store(int32(len(p.workers)))
	p.mu.Unlock()

	p.logger.Debug().Log("pool shutdown requested")

	for _, w := range p.workers {
		w.ShutdownAsync(&p.countdown, p.finish)
	}

	return p.done
}

// Shutdown stops every worker and waits for them to exit, or ctx to be
// done. Must not be called from work running on the pool.
func (p *Pool) Shutdown(ctx context.Context) error {
	done := p.ShutdownAsync(nil)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish is called once, by whichever worker brings the countdown to zero.
func (p *Pool) finish() {
	p.mu.Lock()
	p.finished = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.done)

	p.logger.Info().Log("pool stopped")

	for _, fn := range waiters {
		fn()
	}
}

// Metrics returns a snapshot per worker, in index order.
func (p *Pool) Metrics() []Metrics {
	metrics := make([]Metrics, len(p.workers))
	for i, w := range p.workers {
		metrics[i] = w.Metrics()
	}
	return metrics
}

// Live returns the number of workers whose loop is currently running.
func (p *Pool) Live() int { return int(p.live.Load()) }

func (p *Pool) onWorkerStarted(w *Worker) {
	p.live.Add(1)
	p.logger.Debug().
		Str("worker", w.name).
		Log("pool worker started")
}

func (p *Pool) onWorkerStopped(w *Worker, failure *WorkError) {
	p.live.Add(-1)
	if failure != nil {
		p.logger.Warning().
			Str("worker", w.name).
			Err(failure).
			Log("pool worker failed")
	}
}

// Executor runs plain functions at a fixed priority. It is the equivalent of
// a priority-bound task queue, e.g. one per [QueueHigh], [QueueDefault]
// and [QueueLow].
type Executor struct {
	target   interface{ Dispatch(Work, int) error }
	priority int
}

// Executor returns an [Executor] that dispatches to the worker at the given
// priority.
func (w *Worker) Executor(priority int) (*Executor, error) {
	if err := w.checkPriority(priority); err != nil {
		return nil, err
	}
	return &Executor{target: w, priority: priority}, nil
}

// Priority returns the priority of the executor.
func (e *Executor) Priority() int { return e.priority }

// Execute runs fn once.
func (e *Executor) Execute(fn func()) error {
	return e.target.Dispatch(Func(fn), e.priority)
}
