// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/logiface"
)

// DefaultPriorities is the number of priority levels used unless
// [WithPriorities] is provided, one each for [QueueHigh], [QueueDefault]
// and [QueueLow].
const DefaultPriorities = 3

// defaultFailureLogRates bounds how often failures are logged per label.
var defaultFailureLogRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// options holds configuration shared by NewPool and NewWorker.
type options struct {
	logger          *logiface.Logger[logiface.Event]
	errorHandler    func(*WorkError)
	startedHook     func(*Worker)
	stoppedHook     func(*Worker, *WorkError)
	failureLogRates map[time.Duration]int
	name            string
	workers         int
	priorities      int
	metrics         bool
	cpuAffinity     bool
}

// --- Pool / Worker Options ---

// Option configures a [Pool] or standalone [Worker].
type Option interface {
	apply(*options) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error {
	return o.applyFunc(opts)
}

// WithName sets the pool name, used to derive worker names and as a log
// field. Defaults to "dispatch-" followed by a short random suffix.
func WithName(name string) Option {
	return &optionImpl{func(opts *options) error {
		opts.name = name
		return nil
	}}
}

// WithWorkers sets the number of workers in a pool. Defaults to
// runtime.GOMAXPROCS(0). Ignored by NewWorker.
func WithWorkers(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidOption, n)
		}
		opts.workers = n
		return nil
	}}
}

// WithPriorities sets the number of user priority levels, which are
// numbered 0 (highest) to n-1 (lowest). Defaults to [DefaultPriorities].
func WithPriorities(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return fmt.Errorf("%w: priorities must be positive, got %d", ErrInvalidOption, n)
		}
		opts.priorities = n
		return nil
	}}
}

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithErrorHandler registers a handler that receives every [WorkError],
// before the failing worker terminates. It is called on the failing
// worker's goroutine, and must not block.
func WithErrorHandler(handler func(*WorkError)) Option {
	return &optionImpl{func(opts *options) error {
		opts.errorHandler = handler
		return nil
	}}
}

// WithFailureLogRates configures the per-label rate limit applied when
// logging work failures, as accepted by catrate.NewLimiter. A nil map
// disables the limit. The error handler is never rate limited.
func WithFailureLogRates(rates map[time.Duration]int) Option {
	return &optionImpl{func(opts *options) error {
		if rates != nil {
			if _, err := newFailureLimiter(rates); err != nil {
				return err
			}
		}
		opts.failureLogRates = rates
		return nil
	}}
}

// WithMetrics enables runtime metrics collection, see [Worker.Metrics].
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.metrics = enabled
		return nil
	}}
}

// WithCPUAffinity pins each worker's OS thread to a CPU, worker i being
// pinned to CPU i modulo runtime.NumCPU(). Only supported on Linux, where
// failures are logged and otherwise ignored.
func WithCPUAffinity(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.cpuAffinity = enabled
		return nil
	}}
}

// WithStartedHook registers a hook called on each worker's goroutine, as
// its loop starts.
func WithStartedHook(hook func(*Worker)) Option {
	return &optionImpl{func(opts *options) error {
		opts.startedHook = hook
		return nil
	}}
}

// WithStoppedHook registers a hook called on each worker's goroutine, after
// its loop exits and its contexts are closed. The error is non-nil if the
// worker stopped due to a work failure.
func WithStoppedHook(hook func(*Worker, *WorkError)) Option {
	return &optionImpl{func(opts *options) error {
		opts.stoppedHook = hook
		return nil
	}}
}

// resolveOptions applies Option instances over the defaults.
func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		workers:         runtime.GOMAXPROCS(0),
		priorities:      DefaultPriorities,
		failureLogRates: defaultFailureLogRates,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.name == "" {
		cfg.name = "dispatch-" + uuid.NewString()[:8]
	}
	return cfg, nil
}

// --- Register Options ---

// RegisterOption configures a single registration.
type RegisterOption interface {
	applyRegister(*registerOptions) error
}

type registerOptions struct {
	tracker  Tracker
	priority int
	affinity int
}

type registerOptionImpl struct {
	applyFunc func(*registerOptions) error
}

func (o *registerOptionImpl) applyRegister(opts *registerOptions) error {
	return o.applyFunc(opts)
}

// WithPriority sets the initial priority of the registered context.
// Defaults to 0, the highest priority.
func WithPriority(priority int) RegisterOption {
	return &registerOptionImpl{func(opts *registerOptions) error {
		opts.priority = priority
		return nil
	}}
}

// WithAffinity pins the registered context to the pool worker at the given
// index, instead of assigning one round robin. Ignored by Worker.Register.
func WithAffinity(worker int) RegisterOption {
	return &registerOptionImpl{func(opts *registerOptions) error {
		if worker < 0 {
			return fmt.Errorf("%w: %d", ErrInvalidAffinity, worker)
		}
		opts.affinity = worker
		return nil
	}}
}

// WithTracker attaches a [Tracker], notified around each run.
func WithTracker(tracker Tracker) RegisterOption {
	return &registerOptionImpl{func(opts *registerOptions) error {
		opts.tracker = tracker
		return nil
	}}
}

func resolveRegisterOptions(opts []RegisterOption) (*registerOptions, error) {
	cfg := &registerOptions{affinity: -1}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRegister(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
