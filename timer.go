// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"container/heap"
	"time"
)

// timer is a delayed callback. seq orders timers sharing a deadline by
// insertion.
type timer struct {
	when time.Time
	fn   func()
	seq  uint64
}

// timerHeap is a min-heap of timers
type timerHeap []timer

// Implement heap.Interface for timerHeap
func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = timer{}
	*h = old[:n-1]
	return x
}

// timers is the per-worker timer subsystem.
//
// Thread Safety: NOT thread-safe. Timers requested from other goroutines
// are marshalled through the worker's mailbox, so only the owning worker
// ever mutates the heap.
type timers struct {
	heap timerHeap
	seq  uint64
}

// addRelative schedules fn to run once delay has elapsed since now.
func (t *timers) addRelative(now time.Time, delay time.Duration, fn func()) {
	if delay < 0 {
		delay = 0
	}
	t.addAbsolute(now.Add(delay), fn)
}

// addAbsolute schedules fn to run once when has passed.
func (t *timers) addAbsolute(when time.Time, fn func()) {
	t.seq++
	heap.Push(&t.heap, timer{when: when, fn: fn, seq: t.seq})
}

// timeToNext returns the duration until the earliest deadline, clamped to
// zero if it is already due. The bool is false if no timers are pending,
// which is distinct from a zero duration.
func (t *timers) timeToNext(now time.Time) (time.Duration, bool) {
	if len(t.heap) == 0 {
		return 0, false
	}
	d := t.heap[0].when.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// runReady executes every timer whose deadline is not after now, in
// deadline order, returning the number executed.
func (t *timers) runReady(now time.Time) int {
	var n int
	for len(t.heap) > 0 {
		if t.heap[0].when.After(now) {
			break
		}
		x := heap.Pop(&t.heap).(timer)
		n++
		x.fn()
	}
	return n
}

func (t *timers) len() int {
	return len(t.heap)
}
