// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package source binds I/O readiness notifications to a dispatch context.
//
// Readiness events are received in batches, and each batch that matches the
// bound interest becomes a single dispatch request against the target. The
// target's work collects the accumulated readiness with [Source.Take].
package source

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-dispatch"
	"github.com/joeycumines/go-longpoll"
	"github.com/joeycumines/logiface"
)

// Interest is a bit mask of readiness operations.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
	Hangup
	Error

	// All matches every operation.
	All = Readable | Writable | Hangup | Error
)

// String returns the set bits, e.g. "readable|writable".
func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	for _, op := range [...]struct {
		bit  Interest
		name string
	}{
		{Readable, "readable"},
		{Writable, "writable"},
		{Hangup, "hangup"},
		{Error, "error"},
	} {
		if i&op.bit != 0 {
			parts = append(parts, op.name)
		}
	}
	return strings.Join(parts, "|")
}

// Readiness is a single notification from an I/O source.
type Readiness struct {
	Ops Interest
}

// Config models optional configuration for Bind.
type Config struct {
	// Logger is used to log when the source stops. Optional.
	Logger *logiface.Logger[logiface.Event]

	// MaxBatch is the maximum number of events per dispatch request.
	// Defaults to 64, if 0.
	MaxBatch int

	// PartialTimeout bounds how long a batch waits for more events, after
	// the first. Defaults to 1ms, if 0.
	PartialTimeout time.Duration
}

// Source delivers readiness to a target context.
type Source struct {
	target   *dispatch.Context
	events   <-chan Readiness
	logger   *logiface.Logger[logiface.Event]
	cfg      longpoll.ChannelConfig
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	interest atomic.Uint32
	ready    atomic.Uint32
	batches  atomic.Uint64
}

// Bind starts delivering events matching interest to target, until Close is
// called, events is closed, or target is closed. The cfg parameter may be
// nil.
func Bind(target *dispatch.Context, events <-chan Readiness, interest Interest, cfg *Config) *Source {
	if target == nil {
		panic(`source: nil target`)
	}
	if events == nil {
		panic(`source: nil events`)
	}

	s := &Source{
		target: target,
		events: events,
		done:   make(chan struct{}),
		cfg: longpoll.ChannelConfig{
			MaxSize:        64,
			MinSize:        1,
			PartialTimeout: time.Millisecond,
		},
	}
	if cfg != nil {
		s.logger = cfg.Logger
		if cfg.MaxBatch != 0 {
			s.cfg.MaxSize = cfg.MaxBatch
		}
		if cfg.PartialTimeout != 0 {
			s.cfg.PartialTimeout = cfg.PartialTimeout
		}
	}
	s.interest.Store(uint32(interest))

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	go func() {
		select {
		case <-target.Done():
			s.cancel()
		case <-s.done:
		}
	}()

	go s.run(ctx)

	return s
}

func (s *Source) run(ctx context.Context) {
	defer close(s.done)
	for {
		var matched bool
		err := longpoll.Channel(ctx, &s.cfg, s.events, func(r Readiness) error {
			if ops := r.Ops & Interest(s.interest.Load()); ops != 0 {
				s.ready.Or(uint32(ops))
				matched = true
			}
			return nil
		})

		if matched {
			s.batches.Add(1)
			s.target.RequestDispatch()
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Debug().
					Str("target", s.target.Label()).
					Log("readiness source closed")
			} else {
				s.err = err
			}
			return
		}
	}
}

// Take returns and clears the readiness accumulated since the last call.
func (s *Source) Take() Interest {
	return Interest(s.ready.Swap(0))
}

// Interest returns the current interest mask.
func (s *Source) Interest() Interest {
	return Interest(s.interest.Load())
}

// SetInterest changes the interest mask, for events received from now on.
func (s *Source) SetInterest(interest Interest) {
	s.interest.Store(uint32(interest))
}

// Batches returns the number of dispatch requests made.
func (s *Source) Batches() uint64 {
	return s.batches.Load()
}

// Done is closed once the source has stopped.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the source stopped, or nil if it stopped because
// the events channel was closed. Only valid after Done is closed.
func (s *Source) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close stops the source, and waits for it to exit. The target is not
// closed.
func (s *Source) Close() {
	s.cancel()
	<-s.done
}
