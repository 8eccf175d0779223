// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"strconv"
	"sync"
)

// Handle identifies a [Context] within its owning worker's registry. Handles
// are never reused: a slot's generation advances each time it is freed.
// The zero value is invalid.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether h was issued by a registry.
func (h Handle) Valid() bool {
	return h.gen != 0
}

// String returns "index.generation".
func (h Handle) String() string {
	return strconv.FormatUint(uint64(h.index), 10) + "." + strconv.FormatUint(uint64(h.gen), 10)
}

// registry is the arena of contexts owned by a worker. Removal is a single
// slot invalidation, and frees the slot for reuse under a new generation.
type registry struct {
	slots  []registrySlot
	free   []uint32
	live   int
	mu     sync.Mutex
	closed bool
}

type registrySlot struct {
	ctx *Context
	gen uint32
}

func newRegistry() *registry {
	return &registry{slots: make([]registrySlot, 0, 64)}
}

// add stores c, returning false if the registry has been closed.
func (r *registry) add(c *Context) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Handle{}, false
	}

	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = uint32(len(r.slots))
		r.slots = append(r.slots, registrySlot{})
	}

	s := &r.slots[index]
	s.gen++
	if s.gen == 0 {
		// skip the invalid generation on wrap
		s.gen = 1
	}
	s.ctx = c
	r.live++

	// assigned under the lock, so close always observes it
	c.handle = Handle{index: index, gen: s.gen}
	return c.handle, true
}

// remove invalidates h, returning false if it was not live.
func (r *registry) remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.validLocked(h) {
		return false
	}
	r.slots[h.index].ctx = nil
	r.free = append(r.free, h.index)
	r.live--
	return true
}

// lookup returns the context for h, or nil if h is not live.
func (r *registry) lookup(h Handle) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.validLocked(h) {
		return nil
	}
	return r.slots[h.index].ctx
}

func (r *registry) validLocked(h Handle) bool {
	return h.gen != 0 &&
		int(h.index) < len(r.slots) &&
		r.slots[h.index].gen == h.gen &&
		r.slots[h.index].ctx != nil
}

// close prevents further additions, returning the live contexts.
func (r *registry) close() []*Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	live := make([]*Context, 0, r.live)
	for i := range r.slots {
		if c := r.slots[i].ctx; c != nil {
			live = append(live, c)
		}
	}
	return live
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}
