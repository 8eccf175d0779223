// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// workerLogger returns a sub-logger carrying the pool and worker names.
// Nil-safe: a nil logger yields a nil logger.
func workerLogger(logger *logiface.Logger[logiface.Event], pool, worker string) *logiface.Logger[logiface.Event] {
	if logger == nil {
		return nil
	}
	return logger.Clone().
		Str("pool", pool).
		Str("worker", worker).
		Logger()
}

// newFailureLimiter validates rates, which catrate reports by panicking.
func newFailureLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	if len(rates) == 0 {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			limiter = nil
			err = fmt.Errorf("%w: failure log rates: %v", ErrInvalidOption, r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// failureReporter delivers each [WorkError] to the configured error handler,
// and logs it, rate limited per context label.
type failureReporter struct {
	logger     *logiface.Logger[logiface.Event]
	handler    func(*WorkError)
	limiter    *catrate.Limiter
	suppressed atomic.Uint64
}

func newFailureReporter(cfg *options, worker string) (*failureReporter, error) {
	limiter, err := newFailureLimiter(cfg.failureLogRates)
	if err != nil {
		return nil, err
	}
	return &failureReporter{
		logger:  workerLogger(cfg.logger, cfg.name, worker),
		handler: cfg.errorHandler,
		limiter: limiter,
	}, nil
}

func (r *failureReporter) report(failure *WorkError) {
	if r.handler != nil {
		r.callHandler(failure)
	}

	// a nil limiter allows everything
	if _, ok := r.limiter.Allow(failure.Label); !ok {
		r.suppressed.Add(1)
		return
	}

	r.logger.Err().
		Str("label", failure.Label).
		Str("panic", fmt.Sprint(failure.Value)).
		Uint64("suppressed", r.suppressed.Swap(0)).
		Str("stack", string(failure.Stack)).
		Log("work failed, worker terminating")
}

// callHandler isolates the worker's teardown from a panicking handler.
func (r *failureReporter) callHandler(failure *WorkError) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Crit().
				Str("panic", fmt.Sprint(v)).
				Log("error handler panicked")
		}
	}()
	r.handler(failure)
}
