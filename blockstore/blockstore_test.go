// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockstore

import (
	"bytes"
	"testing"
)

func TestAllocateZeroesPayload(t *testing.T) {
	s := NewInMemory("t", 4096)
	p, err := s.Allocate(100, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, make([]byte, 100)) {
		t.Fatal("payload not zeroed")
	}
}

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	s := NewInMemory("t", 4096)
	p, err := s.Allocate(50, "x")
	if err != nil {
		t.Fatal(err)
	}
	if g, e := s.AllocCount(), 1; g != e {
		t.Fatalf("AllocCount() = %d, want %d", g, e)
	}
	if err := s.Deallocate(p); err != nil {
		t.Fatal(err)
	}
	if g, e := s.AllocCount(), 0; g != e {
		t.Fatalf("AllocCount() after free = %d, want %d", g, e)
	}
	if err := s.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestDoubleFreeIsLogicError(t *testing.T) {
	s := NewInMemory("t", 4096)
	p, err := s.Allocate(50, "x")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Deallocate(p); err != nil {
		t.Fatal(err)
	}
	err = s.Deallocate(p)
	if _, ok := err.(*LogicError); !ok {
		t.Fatalf("Deallocate on freed run = %v (%T), want *LogicError", err, err)
	}
}

func TestHasAllocation(t *testing.T) {
	s1 := NewInMemory("s1", 4096)
	s2 := NewInMemory("s2", 4096)

	p, err := s1.Allocate(50, "x")
	if err != nil {
		t.Fatal(err)
	}
	if !s1.HasAllocation(p) {
		t.Fatal("HasAllocation(p) on owning store = false")
	}
	if s2.HasAllocation(p) {
		t.Fatal("HasAllocation(p) on foreign store = true")
	}
}

func TestAllocateCoalescesFreedRuns(t *testing.T) {
	s := NewInMemory("t", 6*BlockSize) // exactly fits a, b and c
	p1, err := s.Allocate(50, "a")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s.Allocate(50, "b")
	if err != nil {
		t.Fatal(err)
	}
	p3, err := s.Allocate(50, "c")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Deallocate(p1); err != nil {
		t.Fatal(err)
	}
	if err := s.Deallocate(p2); err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(); err != nil {
		t.Fatal(err)
	}

	// a big enough allocation should now find the merged a+b run via first-fit
	// after wrapping, since last_block_allocated sits at p3.
	big, err := s.Allocate(150, "big")
	if err != nil {
		t.Fatalf("Allocate after coalescing: %v", err)
	}
	if len(big) != 150 {
		t.Fatalf("len(big) = %d, want 150", len(big))
	}
	_ = p3
}

func TestDeallocateCoalescesWithPredecessor(t *testing.T) {
	s := NewInMemory("t", 4096)
	p1, err := s.Allocate(50, "a")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s.Allocate(50, "b")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Deallocate(p1); err != nil {
		t.Fatal(err)
	}
	if err := s.Deallocate(p2); err != nil {
		t.Fatal(err)
	}

	var runs int
	for range s.Iterate(0) {
		runs++
	}
	if runs != 1 {
		t.Fatalf("after freeing both allocations, got %d runs, want 1 (fully coalesced)", runs)
	}
}

func TestOutOfSpace(t *testing.T) {
	s := NewInMemory("t", 256)
	_, err := s.Allocate(10000, "too-big")
	if _, ok := err.(*OutOfSpaceError); !ok {
		t.Fatalf("Allocate(too big) = %v (%T), want *OutOfSpaceError", err, err)
	}
}

func TestReallocateGrowShrinkAndZeroSize(t *testing.T) {
	s := NewInMemory("t", 8192)
	p, err := s.Allocate(10, "r")
	if err != nil {
		t.Fatal(err)
	}
	copy(p, []byte("0123456789"))

	grown, err := s.Reallocate(p, 200)
	if err != nil {
		t.Fatal(err)
	}
	if len(grown) != 200 {
		t.Fatalf("len(grown) = %d, want 200", len(grown))
	}
	if !bytes.Equal(grown[:10], []byte("0123456789")) {
		t.Fatal("Reallocate growth did not preserve prefix bytes")
	}

	shrunk, err := s.Reallocate(grown, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(shrunk) != 5 {
		t.Fatalf("len(shrunk) = %d, want 5", len(shrunk))
	}
	if !bytes.Equal(shrunk, []byte("01234")) {
		t.Fatal("Reallocate shrink did not preserve prefix bytes")
	}

	freed, err := s.Reallocate(shrunk, 0)
	if err != nil {
		t.Fatal(err)
	}
	if freed != nil {
		t.Fatalf("Reallocate(p, 0) = %v, want nil", freed)
	}
	if g, e := s.AllocCount(), 0; g != e {
		t.Fatalf("AllocCount() after Reallocate(p, 0) = %d, want %d", g, e)
	}
}

func TestReallocateNilIsAllocate(t *testing.T) {
	s := NewInMemory("t", 4096)
	p, err := s.Reallocate(nil, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(p) != 30 {
		t.Fatalf("len(p) = %d, want 30", len(p))
	}
}

func TestCopy(t *testing.T) {
	s := NewInMemory("t", 4096)
	src := []byte("hello, world")
	p, err := s.Copy(src, len(src))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, src) {
		t.Fatalf("Copy() = %q, want %q", p, src)
	}
}

func TestIterateVisitsEachRunOnce(t *testing.T) {
	s := NewInMemory("t", 4096)
	s.Allocate(50, "a")
	s.Allocate(50, "b")
	s.Allocate(50, "c")

	var labels []string
	for run := range s.Iterate(0) {
		labels = append(labels, run.Label)
	}
	if len(labels) < 3 {
		t.Fatalf("Iterate visited %d runs, want at least 3", len(labels))
	}
}

func TestVerifyDetectsSizeMismatchInvariant(t *testing.T) {
	s := NewInMemory("t", 4096)
	if _, err := s.Allocate(50, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(); err != nil {
		t.Fatal(err)
	}

	s.allocBytes += BlockSize
	if _, ok := s.Verify().(*LogicError); !ok {
		t.Fatal("Verify() did not report a *LogicError for a corrupted allocBytes total")
	}
}

func TestMappingFailedOnBadPath(t *testing.T) {
	_, err := New("bad", "/nonexistent-dir-for-test/x.map", 4096)
	if _, ok := err.(*MappingFailedError); !ok {
		t.Fatalf("New() with bad path = %v (%T), want *MappingFailedError", err, err)
	}
}