// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockstore

import "fmt"

// MappingFailedError reports that a store's backing mmap/open/ftruncate
// syscall sequence failed. The store is still returned by New — marked
// unmapped — so callers can decide to skip it rather than crash; subsequent
// Allocate/Deallocate calls against an unmapped store are no-ops that
// report MappingFailedError again.
type MappingFailedError struct {
	Name string
	Op   string
	Err  error
}

func (e *MappingFailedError) Error() string {
	return fmt.Sprintf("blockstore %q: %s: %s", e.Name, e.Op, e.Err)
}

func (e *MappingFailedError) Unwrap() error { return e.Err }

// OutOfSpaceError reports that no run in the store, even after exhaustive
// coalescing, was large enough to satisfy a request.
type OutOfSpaceError struct {
	Name        string
	Requested   int
	BlockCount  int
	NeededAtoms int
}

func (e *OutOfSpaceError) Error() string {
	return fmt.Sprintf("blockstore %q: out of space: need %d blocks of %d for a %d byte request",
		e.Name, e.NeededAtoms, e.BlockCount, e.Requested)
}

// LogicError reports a violated block-layout invariant: a double free, or a
// corrupt header discovered by Verify. It is returned, not panicked, from
// Deallocate/Verify themselves so callers inside this package (tests,
// Verify's own scan) can observe it -- but the allocator facade and the
// cgo interposition layer call Panic on every LogicError they see, since
// continuing past corrupted metadata is not a recoverable condition.
type LogicError struct {
	Name string
	Msg  string
}

func (e *LogicError) Error() string {
	return fmt.Sprintf("blockstore %q: logic error: %s", e.Name, e.Msg)
}

// Panic aborts the process with e. Block-layout corruption and double frees
// are not recoverable: the caller (typically the allocator facade or the
// interposed free()) traps here rather than letting a caller silently
// ignore the returned error.
func (e *LogicError) Panic() { panic(e) }