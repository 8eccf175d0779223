// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrPoolTerminated is returned when work is registered against a pool
	// that has begun shutting down.
	ErrPoolTerminated = errors.New("dispatch: pool has been shut down")

	// ErrWorkerTerminated is returned when work is registered against a
	// worker that has begun shutting down, or has stopped.
	ErrWorkerTerminated = errors.New("dispatch: worker has been shut down")

	// ErrWorkerStarted is returned by Start on a worker that is already running.
	ErrWorkerStarted = errors.New("dispatch: worker already started")

	// ErrInvalidPriority is returned for a priority outside [0, priorities).
	ErrInvalidPriority = errors.New("dispatch: priority out of range")

	// ErrInvalidAffinity is returned for an affinity outside [0, workers).
	ErrInvalidAffinity = errors.New("dispatch: worker affinity out of range")

	// ErrInvalidOption is returned when an option carries an unusable value.
	ErrInvalidOption = errors.New("dispatch: invalid option")
)

// WorkError reports a unit of work that panicked. The worker that ran it
// terminates after closing every context it owns.
type WorkError struct {
	// Value is the value passed to panic.
	Value any

	// Worker is the name of the worker that ran the work.
	Worker string

	// Label is the label of the context being run, or the empty string if
	// the failure happened outside of any context (e.g. in a timer callback).
	Label string

	// Stack is the stack trace captured at the point of recovery.
	Stack []byte
}

// Error implements the error interface.
func (e *WorkError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("dispatch: worker %s: panic: %v", e.Worker, e.Value)
	}
	return fmt.Sprintf("dispatch: worker %s: work %q: panic: %v", e.Worker, e.Label, e.Value)
}

// Unwrap returns the panic value if it is an error, enabling use with
// [errors.Is] and [errors.As].
func (e *WorkError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
