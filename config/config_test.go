// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		envCommand, envLogDir, envSkip, envInterval, envStackSize,
		envMaxStores, envDefaultSize, envDedicatedSize,
	} {
		old, had := os.LookupEnv(name)
		os.Unsetenv(name)
		t.Cleanup(func() {
			if had {
				os.Setenv(name, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Command != defaultCommand {
		t.Fatalf("Command = %q, want %q", c.Command, defaultCommand)
	}
	if c.CollectionInterval != defaultCollectInterval {
		t.Fatalf("CollectionInterval = %d, want %d", c.CollectionInterval, defaultCollectInterval)
	}
	if c.DefaultAllocationBlockStoreSize != defaultStoreSizeKiB*kib {
		t.Fatalf("DefaultAllocationBlockStoreSize = %d, want %d", c.DefaultAllocationBlockStoreSize, defaultStoreSizeKiB*kib)
	}
}

func TestSetIntFromEnvParsesValueNotName(t *testing.T) {
	clearEnv(t)
	os.Setenv(envInterval, "30")
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.CollectionInterval != 30 {
		t.Fatalf("CollectionInterval = %d, want 30", c.CollectionInterval)
	}
}

func TestLoadRejectsGarbageInt(t *testing.T) {
	clearEnv(t)
	os.Setenv(envInterval, "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with garbage interval = nil error, want non-nil")
	}
}

func TestLoadRejectsOversizedDefaultStore(t *testing.T) {
	clearEnv(t)
	os.Setenv(envDefaultSize, "999999999999")
	if _, err := Load(); err == nil {
		t.Fatal("Load() with an oversized default store size = nil error, want non-nil")
	}
}

func TestSkipSplitsOnComma(t *testing.T) {
	clearEnv(t)
	os.Setenv(envSkip, "foo,bar")
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Skip) != 2 || c.Skip[0] != "foo" || c.Skip[1] != "bar" {
		t.Fatalf("Skip = %v, want [foo bar]", c.Skip)
	}
}

func TestRequestedHonorsSkipList(t *testing.T) {
	// "test" matches the argv[0] of a `go test`-built binary (config.test),
	// so instrumentation is active and the skip list decides.
	c := &Config{Command: "test", Skip: []string{"secret"}}
	if c.Requested("secret_metric") {
		t.Fatal("Requested(secret_metric) = true despite Skip containing secret")
	}
}