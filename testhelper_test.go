// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// newTestWorker starts a worker that is shut down on cleanup.
func newTestWorker(t *testing.T, opts ...Option) *Worker {
	t.Helper()
	w, err := NewWorker("test", opts...)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		assert.NoError(t, w.Shutdown(ctx))
	})
	return w
}

// blockWorker parks the worker inside a unit of work, returning a function
// that releases it. Useful to make requests "before the worker wakes".
func blockWorker(t *testing.T, w *Worker) (release func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	require.NoError(t, w.Dispatch(Func(func() {
		close(started)
		<-gate
	}), 0))
	waitFor(t, started, "worker to block")
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

// fence waits until the worker has run everything linked so far, and
// anything that linked while running. It dispatches at the lowest priority,
// twice, as the first may share a mailbox generation with earlier requests.
func fence(t *testing.T, w *Worker) {
	t.Helper()
	for range 2 {
		done := make(chan struct{})
		require.NoError(t, w.Dispatch(Func(func() { close(done) }), w.Priorities()-1))
		waitFor(t, done, "fence")
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent writes by the logger.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelTrace),
	).Logger()
}
