// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package dispatch

import (
	"golang.org/x/sys/unix"
)

// setAffinity pins the calling OS thread to cpu. The caller must have
// locked its goroutine to the thread.
func setAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	// pid 0 is the calling thread
	return unix.SchedSetaffinity(0, &set)
}
