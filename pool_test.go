// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	p, err := NewPool(opts...)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		assert.NoError(t, p.Shutdown(ctx))
	})
	return p
}

func TestPool_RearmingContexts(t *testing.T) {
	p := newTestPool(t, WithWorkers(3), WithName("bench"))

	const contexts, rearms = 1000, 20
	var executions atomic.Int64
	var remaining sync.WaitGroup
	remaining.Add(contexts)

	for i := range contexts {
		var runs int
		c, err := p.Register(func(*Exec) Outcome {
			executions.Add(1)
			runs++
			if runs <= rearms {
				return Reschedule
			}
			remaining.Done()
			return Completed
		}, "rearm")
		require.NoError(t, err)
		assert.Equal(t, i%3, c.Worker().Index(), "round robin")
		c.RequestDispatch()
	}

	done := make(chan struct{})
	go func() {
		remaining.Wait()
		close(done)
	}()
	waitFor(t, done, "contexts to finish")

	var completions atomic.Int32
	var liveAtCompletion atomic.Int32
	liveAtCompletion.Store(-1)
	shutdown := p.ShutdownAsync(func() {
		completions.Add(1)
		liveAtCompletion.Store(p.live.Load())
	})
	waitFor(t, shutdown, "pool shutdown")

	assert.Equal(t, int64(contexts*(rearms+1)), executions.Load())
	assert.Equal(t, int32(1), completions.Load())
	assert.Zero(t, liveAtCompletion.Load())
	for _, w := range p.Workers() {
		assert.Equal(t, WorkerTerminated, w.State())
	}

	// later callers are called immediately
	p.ShutdownAsync(func() { completions.Add(1) })
	assert.Equal(t, int32(2), completions.Load())
}

func TestPool_ShutdownWaitsForAllWorkers(t *testing.T) {
	p, err := NewPool(WithWorkers(3))
	require.NoError(t, err)
	require.NoError(t, p.Start())

	// one worker is slow to stop
	gate := make(chan struct{})
	blocked := make(chan struct{})
	slow, err := p.Register(Func(func() {
		close(blocked)
		<-gate
	}), "slow", WithAffinity(1))
	require.NoError(t, err)
	slow.RequestDispatch()
	waitFor(t, blocked, "slow work")

	var completed atomic.Bool
	done := p.ShutdownAsync(func() { completed.Store(true) })

	for _, i := range []int{0, 2} {
		waitFor(t, p.workers[i].Done(), "fast worker")
	}
	select {
	case <-done:
		t.Fatal("pool completed before the slow worker")
	case <-time.After(20 * time.Millisecond):
	}
	assert.False(t, completed.Load())

	close(gate)
	waitFor(t, done, "pool shutdown")
	assert.True(t, completed.Load())
	assert.Equal(t, StateClosed, slow.State())
}

func TestPool_ShutdownBeforeStart(t *testing.T) {
	p, err := NewPool(WithWorkers(2))
	require.NoError(t, err)

	c, err := p.Register(Func(func() {}), "never")
	require.NoError(t, err)

	var completed atomic.Int32
	done := p.ShutdownAsync(func() { completed.Add(1) })
	waitFor(t, done, "pool shutdown")
	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, StateClosed, c.State())

	assert.ErrorIs(t, p.Start(), ErrPoolTerminated)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_RegisterAfterShutdown(t *testing.T) {
	p, err := NewPool(WithWorkers(2))
	require.NoError(t, err)
	require.NoError(t, p.Start())
	require.NoError(t, p.Shutdown(context.Background()))

	_, err = p.Register(Func(func() {}), "late")
	assert.ErrorIs(t, err, ErrPoolTerminated)
	assert.ErrorIs(t, p.Dispatch(Func(func() {}), 0), ErrPoolTerminated)
	assert.ErrorIs(t, p.Schedule(Func(func() {}), 0, 0), ErrPoolTerminated)
}

func TestPool_Affinity(t *testing.T) {
	p := newTestPool(t, WithWorkers(4))

	for i := range 4 {
		c, err := p.Register(Func(func() {}), "pinned", WithAffinity(i))
		require.NoError(t, err)
		assert.Same(t, p.Workers()[i], c.Worker())
	}

	_, err := p.Register(Func(func() {}), "out of range", WithAffinity(4))
	assert.ErrorIs(t, err, ErrInvalidAffinity)

	ran := make(chan *Worker, 1)
	c, err := p.Register(func(x *Exec) Outcome {
		ran <- x.Worker()
		return Completed
	}, "affine", WithAffinity(2))
	require.NoError(t, err)
	c.RequestDispatch()
	assert.Same(t, p.Workers()[2], <-ran)
}

func TestPool_DispatchAndSchedule(t *testing.T) {
	p := newTestPool(t, WithWorkers(2))

	var wg sync.WaitGroup
	wg.Add(10)
	for range 5 {
		require.NoError(t, p.Dispatch(Func(wg.Done), QueueDefault))
		require.NoError(t, p.Schedule(Func(wg.Done), QueueLow, time.Millisecond))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	waitFor(t, done, "one-shots")

	assert.ErrorIs(t, p.Dispatch(Func(func() {}), 3), ErrInvalidPriority)
}

func TestPool_Executors(t *testing.T) {
	p := newTestPool(t, WithWorkers(1))

	high, err := p.Executor(QueueHigh)
	require.NoError(t, err)
	def, err := p.Executor(QueueDefault)
	require.NoError(t, err)
	low, err := p.Executor(QueueLow)
	require.NoError(t, err)
	_, err = p.Executor(DefaultPriorities)
	assert.ErrorIs(t, err, ErrInvalidPriority)

	w := p.Workers()[0]
	release := blockWorker(t, w)

	var mu sync.Mutex
	var order []string
	record := func(s string) func() {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}
	require.NoError(t, low.Execute(record("low")))
	require.NoError(t, def.Execute(record("default")))
	require.NoError(t, high.Execute(record("high")))

	release()
	fence(t, w)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "default", "low"}, order)
}

func TestPool_WorkerFailureIsolated(t *testing.T) {
	failures := make(chan *WorkError, 1)
	p := newTestPool(t, WithWorkers(2), WithErrorHandler(func(e *WorkError) { failures <- e }))

	bad, err := p.Register(Func(func() { panic("bad") }), "bad", WithAffinity(0))
	require.NoError(t, err)
	good, err := p.Register(Func(func() {}), "good", WithAffinity(1))
	require.NoError(t, err)

	bad.RequestDispatch()
	failure := <-failures
	assert.Equal(t, "bad", failure.Label)
	waitFor(t, p.Workers()[0].Done(), "failed worker")

	ran := make(chan struct{})
	require.NoError(t, p.Workers()[1].Dispatch(Func(func() { close(ran) }), 0))
	waitFor(t, ran, "healthy worker")
	assert.NotEqual(t, StateClosed, good.State())
	assert.Equal(t, 1, p.Live())
}

func TestPool_NamesAndMetrics(t *testing.T) {
	p := newTestPool(t, WithWorkers(2), WithName("named"), WithMetrics(true))

	assert.Equal(t, "named", p.Name())
	assert.Equal(t, DefaultPriorities, p.Priorities())
	for i, w := range p.Workers() {
		assert.Equal(t, "named-"+strconv.Itoa(i), w.Name())
	}

	for _, w := range p.Workers() {
		fence(t, w)
	}
	metrics := p.Metrics()
	require.Len(t, metrics, 2)
	for _, m := range metrics {
		assert.True(t, m.Enabled)
		assert.True(t, strings.HasPrefix(m.Worker, "named-"))
		assert.GreaterOrEqual(t, m.Executions, uint64(1))
	}
}

func TestPool_DefaultName(t *testing.T) {
	p, err := NewPool(WithWorkers(1))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p.Name(), "dispatch-"))
	assert.Len(t, p.Name(), len("dispatch-")+8)
}

func TestPool_StartTwice(t *testing.T) {
	p := newTestPool(t, WithWorkers(1))
	assert.ErrorIs(t, p.Start(), ErrWorkerStarted)
}
