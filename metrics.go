// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package dispatch

import (
	"sync"
	"time"
)

// Metrics is a point-in-time snapshot of a worker's runtime statistics, as
// returned by [Worker.Metrics] (and aggregated by [Pool.Metrics]).
//
// Example:
//
//	pool, _ := NewPool(WithMetrics(true))
//	_ = pool.Start()
//	for _, m := range pool.Metrics() {
//		fmt.Printf("%s: %.2f/s, P99 %v\n", m.Worker, m.ExecutionsPerSecond, m.Latency.P99)
//	}
type Metrics struct {
	Worker string

	// Enabled is false if the worker was not created with [WithMetrics], in
	// which case only Worker is set.
	Enabled bool

	// Executions is the total number of context runs.
	Executions uint64

	// ForeignEvents is the total number of mailbox events processed.
	ForeignEvents uint64

	// Wakeups is the total number of permits released to the worker.
	Wakeups uint64

	// TimersFired is the total number of timer callbacks run.
	TimersFired uint64

	// Contexts is the number of live contexts owned by the worker.
	Contexts int

	// ExecutionsPerSecond is the execution rate over a trailing window.
	ExecutionsPerSecond float64

	// Latency is the distribution of execution durations.
	Latency LatencyMetrics

	// RunQueue samples the run queue depth at the start of each drain pass.
	RunQueue DepthMetrics

	// Mailbox samples the number of events in each drained generation.
	Mailbox DepthMetrics
}

// LatencyMetrics summarizes execution durations. Percentiles are streaming
// estimates.
type LatencyMetrics struct {
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count uint64
}

// DepthMetrics tracks a queue depth.
type DepthMetrics struct {
	Current int
	Max     int

	// Avg is an exponential moving average with alpha=0.1, initialized to
	// the first sample.
	Avg float64

	initialized bool
}

func (d *DepthMetrics) update(depth int) {
	d.Current = depth
	if depth > d.Max {
		d.Max = depth
	}
	if !d.initialized {
		d.Avg = float64(depth)
		d.initialized = true
	} else {
		d.Avg = 0.9*d.Avg + 0.1*float64(depth)
	}
}

// workerMetrics is written by the owning worker, and read by snapshot from
// any goroutine.
type workerMetrics struct {
	rate     *rateCounter
	p50      *quantile
	p90      *quantile
	p99      *quantile
	latency  LatencyMetrics
	sum      time.Duration
	runQueue DepthMetrics
	mailbox  DepthMetrics
	execs    uint64
	foreign  uint64
	timers   uint64
	mu       sync.Mutex
}

func newWorkerMetrics() *workerMetrics {
	return &workerMetrics{
		rate: newRateCounter(10*time.Second, 100*time.Millisecond),
		p50:  newQuantile(0.50),
		p90:  newQuantile(0.90),
		p99:  newQuantile(0.99),
	}
}

func (m *workerMetrics) recordExecution(elapsed time.Duration) {
	m.rate.increment(time.Now())
	x := float64(elapsed)
	m.mu.Lock()
	m.execs++
	m.sum += elapsed
	m.latency.Count++
	if elapsed > m.latency.Max {
		m.latency.Max = elapsed
	}
	m.p50.add(x)
	m.p90.add(x)
	m.p99.add(x)
	m.mu.Unlock()
}

func (m *workerMetrics) recordForeign(n int) {
	m.mu.Lock()
	m.foreign += uint64(n)
	m.mailbox.update(n)
	m.mu.Unlock()
}

func (m *workerMetrics) recordTimers(n int) {
	m.mu.Lock()
	m.timers += uint64(n)
	m.mu.Unlock()
}

func (m *workerMetrics) recordRunQueue(depth int) {
	m.mu.Lock()
	m.runQueue.update(depth)
	m.mu.Unlock()
}

func (m *workerMetrics) snapshot() Metrics {
	rate := m.rate.perSecond(time.Now())

	m.mu.Lock()
	defer m.mu.Unlock()

	latency := m.latency
	latency.P50 = time.Duration(m.p50.value())
	latency.P90 = time.Duration(m.p90.value())
	latency.P99 = time.Duration(m.p99.value())
	if latency.Count > 0 {
		latency.Mean = m.sum / time.Duration(latency.Count)
	}

	return Metrics{
		Enabled:             true,
		Executions:          m.execs,
		ForeignEvents:       m.foreign,
		TimersFired:         m.timers,
		ExecutionsPerSecond: rate,
		Latency:             latency,
		RunQueue:            m.runQueue,
		Mailbox:             m.mailbox,
	}
}

// rateCounter counts events in a rolling window of fixed-size buckets.
type rateCounter struct {
	last    time.Time
	buckets []int64
	bucket  time.Duration
	window  time.Duration
	mu      sync.Mutex
}

func newRateCounter(window, bucket time.Duration) *rateCounter {
	return &rateCounter{
		last:    time.Now(),
		buckets: make([]int64, max(int(window/bucket), 1)),
		bucket:  bucket,
		window:  window,
	}
}

func (r *rateCounter) increment(now time.Time) {
	r.mu.Lock()
	r.rotateLocked(now)
	r.buckets[len(r.buckets)-1]++
	r.mu.Unlock()
}

func (r *rateCounter) perSecond(now time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rotateLocked(now)
	var sum int64
	for _, v := range r.buckets {
		sum += v
	}
	return float64(sum) / r.window.Seconds()
}

func (r *rateCounter) rotateLocked(now time.Time) {
	advance := int(now.Sub(r.last) / r.bucket)
	switch {
	case advance <= 0:
		return
	case advance >= len(r.buckets):
		clear(r.buckets)
		r.last = now
		return
	}
	n := copy(r.buckets, r.buckets[advance:])
	clear(r.buckets[n:])
	r.last = r.last.Add(time.Duration(advance) * r.bucket)
}
