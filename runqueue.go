// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

// internalLane is reserved for the worker's own control contexts (e.g.
// shutdown), which must outrank every user priority. User priority p is
// stored in lane p+1.
const internalLane = 0

// runQueue is the per-worker priority run queue, an array of intrusive FIFO
// lanes, polled lowest index first.
//
// Thread Safety: NOT thread-safe. Only the owning worker's goroutine may
// call any method.
type runQueue struct {
	lanes []lane
	size  int
}

type lane struct {
	head *Context
	tail *Context
}

func newRunQueue(priorities int) *runQueue {
	return &runQueue{lanes: make([]lane, priorities+1)}
}

// push appends c to the tail of c.lane, returning false if c was already
// linked.
func (q *runQueue) push(c *Context) bool {
	if c.queued.Load() {
		return false
	}
	l := &q.lanes[c.lane]
	c.prev = l.tail
	c.next = nil
	if l.tail != nil {
		l.tail.next = c
	} else {
		l.head = c
	}
	l.tail = c
	c.queued.Store(true)
	q.size++
	return true
}

// poll removes and returns the head of the highest priority non-empty lane.
func (q *runQueue) poll() *Context {
	if q.size == 0 {
		return nil
	}
	for i := range q.lanes {
		if c := q.lanes[i].head; c != nil {
			q.unlink(c)
			return c
		}
	}
	return nil
}

// remove unlinks c in O(1), returning false if c was not linked.
func (q *runQueue) remove(c *Context) bool {
	if !c.queued.Load() {
		return false
	}
	q.unlink(c)
	return true
}

func (q *runQueue) unlink(c *Context) {
	l := &q.lanes[c.lane]
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		l.head = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	} else {
		l.tail = c.prev
	}
	c.next = nil
	c.prev = nil
	c.queued.Store(false)
	q.size--
}

func (q *runQueue) len() int {
	return q.size
}
