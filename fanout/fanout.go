// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package fanout turns "a message matched N subscribers" into N dispatch
// requests, batching requests from many producers.
//
// The dispatcher has no knowledge of message content, so a Router only
// deals in target contexts: resolving which subscribers match is the
// caller's concern.
package fanout

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-dispatch"
	"github.com/joeycumines/go-microbatch"
)

// Config models optional configuration for New.
type Config struct {
	// MaxBatch is the maximum number of targets per batch.
	// Defaults to 256, if 0.
	MaxBatch int

	// FlushInterval is the maximum time a partial batch waits.
	// Defaults to 1ms, if 0.
	FlushInterval time.Duration

	// MaxConcurrency is the maximum number of batches delivered at once.
	// Defaults to 1, if 0.
	MaxConcurrency int
}

// Router delivers dispatch requests to target contexts.
type Router struct {
	batcher   *microbatch.Batcher[*delivery]
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

type delivery struct {
	target  *dispatch.Context
	dropped bool
}

// New initializes a Router. The cfg parameter may be nil. Shutdown or Close
// must be called when the Router is no longer needed.
func New(cfg *Config) *Router {
	bc := microbatch.BatcherConfig{
		MaxSize:       256,
		FlushInterval: time.Millisecond,
	}
	if cfg != nil {
		if cfg.MaxBatch != 0 {
			bc.MaxSize = cfg.MaxBatch
		}
		if cfg.FlushInterval != 0 {
			bc.FlushInterval = cfg.FlushInterval
		}
		bc.MaxConcurrency = cfg.MaxConcurrency
	}
	r := &Router{}
	r.batcher = microbatch.NewBatcher(&bc, r.process)
	return r
}

func (r *Router) process(ctx context.Context, jobs []*delivery) error {
	for _, job := range jobs {
		// closed targets drop the request anyway, this just counts them
		if job.target.State() == dispatch.StateClosed {
			job.dropped = true
			r.dropped.Add(1)
			continue
		}
		job.target.RequestDispatch()
		r.delivered.Add(1)
	}
	return nil
}

// Deliver requests dispatch of every target, returning once all requests
// have been made, and the number not dropped due to a closed target.
func (r *Router) Deliver(ctx context.Context, targets ...*dispatch.Context) (int, error) {
	results := make([]*microbatch.JobResult[*delivery], 0, len(targets))
	for _, target := range targets {
		if target == nil {
			continue
		}
		result, err := r.batcher.Submit(ctx, &delivery{target: target})
		if err != nil {
			return 0, err
		}
		results = append(results, result)
	}

	var n int
	for _, result := range results {
		if err := result.Wait(ctx); err != nil {
			return 0, err
		}
		if !result.Job.dropped {
			n++
		}
	}
	return n, nil
}

// Delivered returns the total number of dispatch requests made.
func (r *Router) Delivered() uint64 { return r.delivered.Load() }

// Dropped returns the total number of targets skipped as closed.
func (r *Router) Dropped() uint64 { return r.dropped.Load() }

// Shutdown prevents further deliveries, waiting for pending ones.
func (r *Router) Shutdown(ctx context.Context) error {
	return r.batcher.Shutdown(ctx)
}

// Close cancels pending deliveries, and prevents further ones.
func (r *Router) Close() error {
	return r.batcher.Close()
}
