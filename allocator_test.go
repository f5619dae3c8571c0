// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gmetrics

import (
	"context"
	"os"
	"testing"

	"github.com/cznic/gmetrics/config"
)

func newTestAllocator(t *testing.T) (*Allocator, context.Context) {
	t.Helper()
	os.Setenv("G_METRICS_COMMAND", selfBasename(t))
	os.Setenv("G_METRICS_LOG_DIR", t.TempDir())
	os.Setenv("G_METRICS_COLLECTION_INTERVAL", "3600")
	t.Cleanup(func() {
		for _, name := range []string{"G_METRICS_COMMAND", "G_METRICS_LOG_DIR", "G_METRICS_COLLECTION_INTERVAL"} {
			os.Unsetenv(name)
		}
	})

	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	ctx := NewThreadContext(context.Background(), "test")
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return a, ctx
}

func selfBasename(t *testing.T) string {
	t.Helper()
	raw, err := os.ReadFile("/proc/self/cmdline")
	if err != nil {
		t.Skip("no /proc/self/cmdline on this platform")
	}
	_ = raw
	// the test binary's argv[0] always ends in the compiled test binary's
	// own name; matching on "test" covers `go test`-built binaries.
	return "test"
}

func TestConfigDisabledWhenCommandDoesNotMatch(t *testing.T) {
	os.Setenv("G_METRICS_COMMAND", "a-command-name-no-test-binary-has")
	defer os.Unsetenv("G_METRICS_COMMAND")

	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	ctx := NewThreadContext(context.Background(), "t")
	err = a.Start(ctx)
	if _, ok := err.(*config.ConfigDisabled); !ok {
		t.Fatalf("Start() = %v (%T), want *config.ConfigDisabled", err, err)
	}
}

func TestMallocReturnsZeroedMemoryEvenWhenDisabled(t *testing.T) {
	os.Setenv("G_METRICS_COMMAND", "a-command-name-no-test-binary-has")
	defer os.Unsetenv("G_METRICS_COMMAND")

	a, err := New()
	if err != nil {
		t.Fatal(err)
	}
	ctx := NewThreadContext(context.Background(), "t")
	p, err := a.Malloc(ctx, 32)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range p {
		if b != 0 {
			t.Fatalf("p[%d] = %d, want 0 (malloc must zero even when instrumentation is disabled)", i, b)
		}
	}
}

func TestMallocFreeRoundTrip(t *testing.T) {
	a, ctx := newTestAllocator(t)

	p, err := a.Malloc(ctx, 64)
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != 64 {
		t.Fatalf("len(p) = %d, want 64", len(p))
	}
	if err := a.Free(ctx, p); err != nil {
		t.Fatal(err)
	}
}

func TestDedicatedStoreLifecycle(t *testing.T) {
	os.Setenv("G_METRICS_DEDICATED_ALLOCATION_BLOCK_STORE_THRESHOLD", "128")
	defer os.Unsetenv("G_METRICS_DEDICATED_ALLOCATION_BLOCK_STORE_THRESHOLD")

	a, ctx := newTestAllocator(t)

	before := a.RegistrySize()
	p, err := a.Malloc(ctx, 10000)
	if err != nil {
		t.Fatal(err)
	}
	if g, e := a.RegistrySize(), before+1; g != e {
		t.Fatalf("RegistrySize() after dedicated malloc = %d, want %d", g, e)
	}

	if err := a.Free(ctx, p); err != nil {
		t.Fatal(err)
	}
	if g, e := a.RegistrySize(), before; g != e {
		t.Fatalf("RegistrySize() after freeing the dedicated store's only allocation = %d, want %d", g, e)
	}
}

func TestFindOwnerFallsBackToLibcForForeignPointer(t *testing.T) {
	a, ctx := newTestAllocator(t)
	foreign := make([]byte, 16)
	if err := a.Free(ctx, foreign); err != nil {
		t.Fatalf("Free(foreign) = %v, want nil (falls back to libc silently)", err)
	}
}

func TestCaptureStackTraceNonEmpty(t *testing.T) {
	a, _ := newTestAllocator(t)
	out := a.CaptureStackTrace()
	if out == "" {
		t.Fatal("CaptureStackTrace() is empty")
	}
}