// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stacktrace captures a fixed-depth slice of a goroutine's return
// addresses and lazily resolves them to a symbolic string.
package stacktrace

import (
	"runtime"
	"strings"
	"sync"
)

// Trace is a captured stack snapshot. Capture happens eagerly (it is cheap —
// just program counters); symbol resolution happens lazily, once, on first
// Output call, since it is comparatively expensive and most captured traces
// are never printed.
type Trace struct {
	start     int
	pcs       []uintptr
	delimiter string

	once   sync.Once
	output string
}

// New captures up to start+count frames of the caller's stack, skipping New
// itself. Only frames in [start, start+count) are included in Output; frames
// before start are captured (so callers can start deeper than New's direct
// caller) but never rendered.
func New(start, count int, delimiter string) *Trace {
	if count <= 0 {
		count = 1
	}

	total := start + count
	pcs := make([]uintptr, total)
	n := runtime.Callers(2, pcs) // skip runtime.Callers and New
	pcs = pcs[:n]

	return &Trace{
		start:     start,
		pcs:       pcs,
		delimiter: delimiter,
	}
}

// Output returns the symbolized, delimiter-joined frames [start, start+count),
// resolving symbols on first call and caching the result.
func (t *Trace) Output() string {
	t.once.Do(t.resolve)
	return t.output
}

func (t *Trace) resolve() {
	if t.start >= len(t.pcs) {
		t.output = ""
		return
	}

	frames := runtime.CallersFrames(t.pcs[t.start:])
	var names []string
	for {
		frame, more := frames.Next()
		name := frame.Function
		if name == "" {
			name = "?"
		}
		names = append(names, name)
		if !more {
			break
		}
	}

	t.output = strings.Join(names, t.delimiter)
}

// Capture is a one-shot convenience helper equivalent to
// New(start, count, " -> ").Output(), mirroring the original
// g_metrics_stack_trace() helper which captured and rendered the caller's
// stack in a single call with a fixed depth and " -> " delimiter.
func Capture(start, count int) string {
	total := start + count
	pcs := make([]uintptr, total)
	n := runtime.Callers(2, pcs)
	pcs = pcs[:n]
	if start >= len(pcs) {
		return ""
	}

	frames := runtime.CallersFrames(pcs[start:])
	var names []string
	for {
		frame, more := frames.Next()
		name := frame.Function
		if name == "" {
			name = "?"
		}
		names = append(names, name)
		if !more {
			break
		}
	}
	return strings.Join(names, " -> ")
}