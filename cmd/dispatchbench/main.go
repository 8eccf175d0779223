// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Command dispatchbench measures dispatch throughput: a set of contexts
// each re-arm themselves until a shared number of executions is reached.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joeycumines/go-dispatch"
	"github.com/joeycumines/go-dispatch/internal/config"
	"github.com/joeycumines/stumpy"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dispatchbench", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")
	iterations := fs.Int("iterations", 0, "total executions (overrides config)")
	contexts := fs.Int("contexts", 0, "number of contexts (overrides config)")
	warmup := fs.Int("warmup", 100_000, "executions run before measuring")
	admin := fs.String("admin", "", "admin listen address, e.g. :8080 (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Defaults()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}
	if *iterations > 0 {
		cfg.Bench.Iterations = *iterations
	}
	if *contexts > 0 {
		cfg.Bench.Contexts = *contexts
	}
	if *admin != "" {
		cfg.Admin.Addr = *admin
	}

	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
		stumpy.L.WithLevel(cfg.LogLevel()),
	).Logger()

	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug().Logf(format, args...)
	}))
	defer undo()
	if err != nil {
		logger.Warning().Err(err).Log("failed to set GOMAXPROCS")
	}

	opts, err := cfg.Options()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	pool, err := dispatch.NewPool(append(opts, dispatch.WithLogger(logger))...)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := pool.Start(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	g, ctx := errgroup.WithContext(ctx)
	finished := make(chan struct{})

	if cfg.Admin.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Admin.Addr,
			Handler:           newAdminRouter(pool),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Log("admin listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-ctx.Done():
			case <-finished:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer close(finished)

		if *warmup > 0 {
			if _, err := benchmarkWork(ctx, pool, *warmup, cfg.Bench.Contexts); err != nil {
				return err
			}
		}

		elapsed, err := benchmarkWork(ctx, pool, cfg.Bench.Iterations, cfg.Bench.Contexts)
		if err != nil {
			return err
		}

		ms := float64(elapsed) / float64(time.Millisecond)
		rate := float64(cfg.Bench.Iterations) / elapsed.Seconds()
		fmt.Fprintf(stdout, "duration: %.3f ms, rate: %.2f executions/sec\n", ms, rate)
		return nil
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := pool.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Err().Err(shutdownErr).Log("pool shutdown")
	}

	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

// benchmarkWork registers n contexts that each re-arm until the pool has
// run the given number of executions in total.
func benchmarkWork(ctx context.Context, pool *dispatch.Pool, iterations, n int) (time.Duration, error) {
	var remaining atomic.Int64
	remaining.Store(int64(iterations))
	done := make(chan struct{})

	work := func(*dispatch.Exec) dispatch.Outcome {
		switch v := remaining.Add(-1); {
		case v > 0:
			return dispatch.Reschedule
		case v == 0:
			close(done)
		}
		return dispatch.Completed
	}

	registered := make([]*dispatch.Context, 0, n)
	defer func() {
		for _, c := range registered {
			c.Close(false)
		}
	}()
	for range n {
		c, err := pool.Register(work, "bench", dispatch.WithPriority(dispatch.QueueDefault))
		if err != nil {
			return 0, err
		}
		registered = append(registered, c)
	}

	start := time.Now()
	for _, c := range registered {
		c.RequestDispatch()
	}

	select {
	case <-done:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func newAdminRouter(pool *dispatch.Pool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if pool.Live() == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, "stopped\n")
			return
		}
		_, _ = io.WriteString(w, "ok\n")
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Pool    string             `json:"pool"`
			Live    int                `json:"live"`
			Workers []dispatch.Metrics `json:"workers"`
		}{
			Pool:    pool.Name(),
			Live:    pool.Live(),
			Workers: pool.Metrics(),
		})
	})

	return r
}
