// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"sync/atomic"
)

// WorkerState represents the lifecycle state of a [Worker].
//
// State Machine:
//
//	WorkerAwake → WorkerRunning           [Start()]
//	WorkerRunning ⇄ WorkerSleeping        [wait step of the loop]
//	WorkerAwake → WorkerTerminated        [shutdown before Start()]
//	WorkerRunning|WorkerSleeping → WorkerTerminating [shutdown, or work failure]
//	WorkerTerminating → WorkerTerminated  [loop exited, contexts closed]
//
// Running and Sleeping are only ever entered by CAS. Terminated is final and
// is set with a plain store.
type WorkerState uint32

const (
	// WorkerAwake indicates the worker has been created but not started.
	WorkerAwake WorkerState = iota
	// WorkerRunning indicates the loop is executing work.
	WorkerRunning
	// WorkerSleeping indicates the loop is blocked waiting for foreign
	// events or the next timer deadline.
	WorkerSleeping
	// WorkerTerminating indicates shutdown has been requested, or the loop
	// is exiting, but cleanup has not completed.
	WorkerTerminating
	// WorkerTerminated indicates the loop has exited and every owned
	// context has been closed.
	WorkerTerminated
)

// String returns a human-readable representation of the state.
func (s WorkerState) String() string {
	switch s {
	case WorkerAwake:
		return "Awake"
	case WorkerRunning:
		return "Running"
	case WorkerSleeping:
		return "Sleeping"
	case WorkerTerminating:
		return "Terminating"
	case WorkerTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state cell, padded to its own cache line, as it
// is read by producers on every registration.
type fastState struct { // betteralign:ignore
	_ [64]byte //nolint:unused
	v atomic.Uint32
	_ [60]byte //nolint:unused
}

func (s *fastState) Load() WorkerState {
	return WorkerState(s.v.Load())
}

func (s *fastState) Store(state WorkerState) {
	s.v.Store(uint32(state))
}

func (s *fastState) TryTransition(from, to WorkerState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// CanAcceptWork reports whether registrations may still be accepted.
func (s *fastState) CanAcceptWork() bool {
	state := s.Load()
	return state == WorkerAwake || state == WorkerRunning || state == WorkerSleeping
}
