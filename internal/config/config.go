// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package config loads dispatcher pool configuration from YAML.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/joeycumines/go-dispatch"
	"github.com/joeycumines/logiface"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config is the root configuration document.
type Config struct {
	Pool  PoolConfig  `yaml:"pool"`
	Log   LogConfig   `yaml:"log"`
	Admin AdminConfig `yaml:"admin"`
	Bench BenchConfig `yaml:"bench"`
}

// PoolConfig configures a dispatch.Pool.
type PoolConfig struct {
	Name        string `yaml:"name"`
	Workers     int    `yaml:"workers"`
	Priorities  int    `yaml:"priorities"`
	CPUAffinity bool   `yaml:"cpu_affinity"`
	Metrics     bool   `yaml:"metrics"`

	// FailureLogRates maps a window (e.g. "1m") to the maximum number of
	// failures logged per context label within it.
	FailureLogRates map[string]int `yaml:"failure_log_rates"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// AdminConfig configures the optional admin HTTP endpoint.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// BenchConfig configures the benchmark workload.
type BenchConfig struct {
	Iterations int `yaml:"iterations"`
	Contexts   int `yaml:"contexts"`
}

// Defaults returns the configuration used for unset fields.
func Defaults() *Config {
	return &Config{
		Pool: PoolConfig{
			Priorities: dispatch.DefaultPriorities,
		},
		Log: LogConfig{
			Level: "info",
		},
		Bench: BenchConfig{
			Iterations: 1_000_000,
			Contexts:   1000,
		},
	}
}

// Load reads and parses configuration from a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses configuration, expanding ${VAR} references to environment
// variables, then applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		// left as-is, which fails validation of any typed field
		return match
	})
}

var logLevels = map[string]logiface.Level{
	"trace":    logiface.LevelTrace,
	"debug":    logiface.LevelDebug,
	"info":     logiface.LevelInformational,
	"notice":   logiface.LevelNotice,
	"warning":  logiface.LevelWarning,
	"error":    logiface.LevelError,
	"disabled": logiface.LevelDisabled,
}

func validate(cfg *Config) error {
	if cfg.Pool.Workers < 0 {
		return fmt.Errorf("pool.workers must not be negative (got %d)", cfg.Pool.Workers)
	}
	if cfg.Pool.Priorities < 1 {
		return fmt.Errorf("pool.priorities must be positive (got %d)", cfg.Pool.Priorities)
	}
	if _, err := cfg.Pool.failureLogRates(); err != nil {
		return err
	}
	if _, ok := logLevels[cfg.Log.Level]; !ok {
		return fmt.Errorf("log.level must be one of: %s (got %q)", levelNames(), cfg.Log.Level)
	}
	if cfg.Bench.Iterations < 1 {
		return fmt.Errorf("bench.iterations must be positive (got %d)", cfg.Bench.Iterations)
	}
	if cfg.Bench.Contexts < 1 {
		return fmt.Errorf("bench.contexts must be positive (got %d)", cfg.Bench.Contexts)
	}
	return nil
}

func levelNames() []string {
	names := make([]string, 0, len(logLevels))
	for name := range logLevels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *PoolConfig) failureLogRates() (map[time.Duration]int, error) {
	if len(p.FailureLogRates) == 0 {
		return nil, nil
	}
	rates := make(map[time.Duration]int, len(p.FailureLogRates))
	for window, count := range p.FailureLogRates {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("pool.failure_log_rates: invalid window %q: %w", window, err)
		}
		if d <= 0 || count <= 0 {
			return nil, fmt.Errorf("pool.failure_log_rates: %q: window and count must be positive", window)
		}
		rates[d] = count
	}
	return rates, nil
}

// LogLevel returns the configured logiface level.
func (c *Config) LogLevel() logiface.Level {
	return logLevels[c.Log.Level]
}

// Options converts the pool configuration to dispatch options. Unset fields
// are omitted, leaving the dispatch defaults in effect.
func (c *Config) Options() ([]dispatch.Option, error) {
	p := &c.Pool
	opts := []dispatch.Option{
		dispatch.WithPriorities(p.Priorities),
		dispatch.WithCPUAffinity(p.CPUAffinity),
		dispatch.WithMetrics(p.Metrics),
	}
	if p.Name != "" {
		opts = append(opts, dispatch.WithName(p.Name))
	}
	if p.Workers > 0 {
		opts = append(opts, dispatch.WithWorkers(p.Workers))
	}
	rates, err := p.failureLogRates()
	if err != nil {
		return nil, err
	}
	if rates != nil {
		opts = append(opts, dispatch.WithFailureLogRates(rates))
	}
	return opts, nil
}
