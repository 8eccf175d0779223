// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"sync"
	"sync/atomic"
)

// foreignEvent is a request from another goroutine, to be run by the
// owning worker. It is an intrusive node of at most one mailbox generation.
type foreignEvent struct {
	next *foreignEvent
	prev *foreignEvent
	list *eventList // nil unless linked
	run  func()
}

// eventList is one mailbox generation.
//
// Thread Safety: NOT thread-safe, guarded by mailbox.mu.
type eventList struct {
	head   *foreignEvent
	tail   *foreignEvent
	length int
}

func (l *eventList) pushBack(e *foreignEvent) {
	e.list = l
	e.prev = l.tail
	e.next = nil
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
	l.length++
}

func (l *eventList) remove(e *foreignEvent) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.next = nil
	e.prev = nil
	e.list = nil
	l.length--
}

func (l *eventList) popFront() *foreignEvent {
	e := l.head
	if e != nil {
		l.remove(e)
	}
	return e
}

// mailbox is the double-buffered foreign event queue of a worker.
//
// Producers append to the live generation (gens[toggle]) under mu. The
// owning worker flips toggle, then pops the previous generation until it is
// empty, running each event outside of mu. Removal (on close) may target
// either generation, which is why the consumer also pops under mu.
//
// pending is set by the producer that makes the mailbox non-empty, which
// is also the only producer to release a permit. The consumer clears it,
// and drains the permit, in the same critical section as the flip.
type mailbox struct {
	permits chan struct{}
	gens    [2]eventList
	toggle  int
	mu      sync.Mutex
	pending atomic.Bool
	wakeups atomic.Uint64
}

func newMailbox() *mailbox {
	return &mailbox{permits: make(chan struct{}, 1)}
}

// submit links e into the live generation, returning false if it was
// already linked.
func (m *mailbox) submit(e *foreignEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkLocked(e)
}

// submitSlot links the slot for the live generation, allowing the same
// owner to be queued while its other slot is still being drained.
func (m *mailbox) submitSlot(slots *[2]foreignEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkLocked(&slots[m.toggle])
}

func (m *mailbox) linkLocked(e *foreignEvent) bool {
	if e.list != nil {
		return false
	}
	m.gens[m.toggle].pushBack(e)
	if !m.pending.Swap(true) {
		m.wakeup()
	}
	return true
}

// removeSlots unlinks both slots from whichever generation holds them.
func (m *mailbox) removeSlots(slots *[2]foreignEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range slots {
		if l := slots[i].list; l != nil {
			l.remove(&slots[i])
		}
	}
}

// wakeup releases the permit, coalescing with any unconsumed permit.
func (m *mailbox) wakeup() {
	select {
	case m.permits <- struct{}{}:
		m.wakeups.Add(1)
	default:
	}
}

// swap flips the live generation, returning the previous one for draining.
// Must only be called by the owning worker.
func (m *mailbox) swap() *eventList {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := &m.gens[m.toggle]
	m.toggle ^= 1
	m.pending.Store(false)
	select {
	case <-m.permits:
	default:
	}
	return old
}

// pop removes the head of a generation returned by swap.
func (m *mailbox) pop(l *eventList) *foreignEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return l.popFront()
}

// len returns the number of events across both generations.
func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[0].length + m.gens[1].length
}
