//go:build cgo

// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package capi exports malloc, calloc, realloc and free with C linkage and
// default visibility, interposing a target process's libc per spec.md §6.
// libc fallbacks are resolved via dlsym(RTLD_NEXT, ...) rather than by
// linker symbol aliasing. Resolution happens lazily, on the first call that
// needs a fallback, not when the library is loaded.
package capi

/*
#cgo LDFLAGS: -ldl
#define _GNU_SOURCE
#include <dlfcn.h>
#include <stddef.h>
#include <string.h>

static void *(*real_malloc)(size_t) = NULL;
static void *(*real_calloc)(size_t, size_t) = NULL;
static void *(*real_realloc)(void *, size_t) = NULL;
static void (*real_free)(void *) = NULL;

static void resolve_libc(void) {
	if (!real_malloc) {
		real_malloc = dlsym(RTLD_NEXT, "malloc");
	}
	if (!real_calloc) {
		real_calloc = dlsym(RTLD_NEXT, "calloc");
	}
	if (!real_realloc) {
		real_realloc = dlsym(RTLD_NEXT, "realloc");
	}
	if (!real_free) {
		real_free = dlsym(RTLD_NEXT, "free");
	}
}

static void *libc_malloc(size_t n) {
	resolve_libc();
	return real_malloc(n);
}

static void *libc_calloc(size_t k, size_t n) {
	resolve_libc();
	return real_calloc(k, n);
}

static void *libc_realloc(void *p, size_t n) {
	resolve_libc();
	return real_realloc(p, n);
}

static void libc_free(void *p) {
	resolve_libc();
	real_free(p);
}
*/
import "C"

import (
	"context"
	"sync"
	"unsafe"

	"github.com/cznic/gmetrics"
)

var (
	initOnce  sync.Once
	allocator *gmetrics.Allocator
	ctx       = gmetrics.NewThreadContext(context.Background(), "")
)

func core() *gmetrics.Allocator {
	initOnce.Do(func() {
		a, err := gmetrics.New()
		if err != nil {
			return
		}
		a.Libc = cLibc{}
		allocator = a
	})
	return allocator
}

// cLibc routes the Go-level Libc fallback through the resolved C symbols
// above, so disabled-instrumentation and unowned-address paths reach the
// real libc instead of a Go standin.
type cLibc struct{}

func (cLibc) Calloc(n int) []byte {
	p := C.libc_calloc(1, C.size_t(n))
	return cBytes(p, n)
}

func (cLibc) Realloc(p []byte, n int) []byte {
	cp := unsafe.Pointer(unsafe.SliceData(p))
	np := C.libc_realloc(cp, C.size_t(n))
	return cBytes(np, n)
}

func (cLibc) Free(p []byte) {
	cp := unsafe.Pointer(unsafe.SliceData(p))
	if cp == nil {
		return
	}
	C.libc_free(cp)
}

func cBytes(p unsafe.Pointer, n int) []byte {
	if p == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(p), n)
}

//export malloc
func malloc(n C.size_t) unsafe.Pointer {
	a := core()
	if a == nil {
		return C.libc_malloc(n)
	}
	p, err := a.Malloc(ctx, int(n))
	if err != nil || p == nil {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(p))
}

//export calloc
func calloc(k, n C.size_t) unsafe.Pointer {
	a := core()
	if a == nil {
		return C.libc_calloc(k, n)
	}
	p, err := a.Calloc(ctx, int(k), int(n))
	if err != nil || p == nil {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(p))
}

//export realloc
func realloc(cp unsafe.Pointer, n C.size_t) unsafe.Pointer {
	a := core()
	if a == nil {
		return C.libc_realloc(cp, n)
	}
	p := cBytes(cp, 0)
	if cp != nil {
		// size unknown from the raw pointer alone; Realloc locates the
		// owning run's real length internally once it is found in the
		// registry, so a zero-length view here carries only the address:
		// for the ownership probe, and for libc realloc if no store owns it.
		p = unsafe.Slice((*byte)(cp), 0)
	}
	np, err := a.Realloc(ctx, p, int(n))
	if err != nil {
		return nil
	}
	if np == nil {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(np))
}

//export free
func free(cp unsafe.Pointer) {
	a := core()
	if a == nil {
		C.libc_free(cp)
		return
	}
	if cp == nil {
		return
	}
	p := unsafe.Slice((*byte)(cp), 0)
	// Free panics via LogicError.Panic on a double free or corrupt header
	// and hands unowned pointers to libc free; any remaining error result
	// is non-fatal, and this shim has no use for it.
	a.Free(ctx, p)
}
