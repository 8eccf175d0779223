package source

import (
	"context"
	"testing"
	"time"

	"github.com/joeycumines/go-dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// newTarget registers a context that signals ran on every run.
func newTarget(t *testing.T) (*dispatch.Context, <-chan struct{}) {
	t.Helper()
	w, err := dispatch.NewWorker("source")
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		assert.NoError(t, w.Shutdown(ctx))
	})

	ran := make(chan struct{}, 64)
	c, err := w.Register(dispatch.Func(func() { ran <- struct{}{} }), "reader")
	require.NoError(t, err)
	return c, ran
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestInterest_String(t *testing.T) {
	tests := []struct {
		in   Interest
		want string
	}{
		{0, "none"},
		{Readable, "readable"},
		{Readable | Hangup, "readable|hangup"},
		{All, "readable|writable|hangup|error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.String())
	}
}

func TestBind_FiltersAndAccumulates(t *testing.T) {
	target, ran := newTarget(t)

	events := make(chan Readiness, 3)
	events <- Readiness{Ops: Readable}
	events <- Readiness{Ops: Hangup}
	events <- Readiness{Ops: Writable}
	close(events)

	s := Bind(target, events, Readable|Writable, nil)
	waitFor(t, s.Done(), "source to stop")
	waitFor(t, ran, "target to run")

	assert.NoError(t, s.Err())
	assert.Equal(t, Readable|Writable, s.Take())
	assert.Equal(t, Interest(0), s.Take())
	assert.GreaterOrEqual(t, s.Batches(), uint64(1))
	assert.NotEqual(t, dispatch.StateClosed, target.State())
}

func TestBind_NoMatchNoDispatch(t *testing.T) {
	target, ran := newTarget(t)

	events := make(chan Readiness, 1)
	events <- Readiness{Ops: Error}
	close(events)

	s := Bind(target, events, Readable, nil)
	waitFor(t, s.Done(), "source to stop")

	assert.Zero(t, s.Batches())
	assert.Equal(t, Interest(0), s.Take())
	select {
	case <-ran:
		t.Fatal("target ran without matching readiness")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSource_SetInterest(t *testing.T) {
	target, ran := newTarget(t)

	events := make(chan Readiness)
	s := Bind(target, events, Readable, &Config{MaxBatch: 1})
	defer s.Close()
	assert.Equal(t, Readable, s.Interest())

	events <- Readiness{Ops: Writable}
	events <- Readiness{Ops: Readable}
	waitFor(t, ran, "readable")
	assert.Equal(t, Readable, s.Take())

	s.SetInterest(All)
	events <- Readiness{Ops: Hangup}
	waitFor(t, ran, "hangup")
	assert.Equal(t, Hangup, s.Take())
	assert.Equal(t, uint64(2), s.Batches())
}

func TestSource_Close(t *testing.T) {
	target, _ := newTarget(t)

	s := Bind(target, make(chan Readiness), All, nil)
	assert.NoError(t, s.Err())

	s.Close()
	assert.ErrorIs(t, s.Err(), context.Canceled)
	assert.NotEqual(t, dispatch.StateClosed, target.State())
}

func TestSource_StopsWithTarget(t *testing.T) {
	target, _ := newTarget(t)

	s := Bind(target, make(chan Readiness), All, &Config{PartialTimeout: 5 * time.Millisecond})
	target.Close(false)

	waitFor(t, s.Done(), "source to stop")
	assert.ErrorIs(t, s.Err(), context.Canceled)
}

func TestBind_Panics(t *testing.T) {
	target, _ := newTarget(t)
	assert.Panics(t, func() { Bind(nil, make(chan Readiness), All, nil) })
	assert.Panics(t, func() { Bind(target, nil, All, nil) })
}
