// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blockstore implements a single memory-mapped region carved into
// fixed-size blocks and organized as a chain of runs: one header block
// followed by the payload blocks it owns. It is the arena primitive the
// allocator facade carves every allocation out of.
package blockstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/cznic/mathutil"
	"golang.org/x/sys/unix"
)

// BlockSize is the fixed block granularity. Header and payload blocks are
// both this size; the minimum allocation (header + one payload block) is
// one cache line.
const BlockSize = 64

const (
	headerTagFree      byte = 0
	headerTagAllocated byte = 1

	maxLabelLen = 31
	maxNameLen  = 127
)

// layout of a header block, all fields big-endian:
//
//	[0]      tag: headerTagFree | headerTagAllocated
//	[1:5]    runLength, uint32, in blocks (including the header block)
//	[5:9]    prevBlock, uint32, 1-based block index of the predecessor
//	         run's header, 0 if this is the first run
//	[9:10]   labelLen
//	[10:41]  label bytes, labelLen significant
//	[41:64]  reserved, zero
const (
	offTag       = 0
	offRunLength = 1
	offPrevBlock = 5
	offLabelLen  = 9
	offLabel     = 10
)

// Run describes one allocation run as observed during iteration or lookup.
// BlockIndex is 0-based, the index of the run's header block.
type Run struct {
	BlockIndex int
	Length     int
	Freed      bool
	Label      string
}

// Store is a single mmap'd region tiled into header+payload runs.
//
// Store has no internal locking: spec.md's concurrency model serializes all
// access through the allocator facade's allocation_block_stores/allocations
// locks, matching lldb.Allocator's convention of leaving serialization to
// the caller (lldb/filer.go's Filer implementations are likewise unlocked).
type Store struct {
	Name       string
	ThreadName string
	StackTrace string

	Dedicated  bool
	ThreadDflt bool

	Path       string
	file       *os.File
	backing    []byte
	mapped     bool
	mapErr     error

	blockCount int

	lastBlockAllocated int // 1-based block index, 0 = none

	allocCount int
	allocBytes int64
}

// New creates a backing file at path, truncates it to size bytes, maps it
// read/write shared, and initializes a single free run covering the whole
// region. On any syscall failure the returned Store is non-nil but unmapped
// and err is a *MappingFailedError; Allocate/Deallocate on it always fail
// with the same error.
func New(name, path string, size int) (*Store, error) {
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}

	blockCount := size / BlockSize
	blockCount = mathutil.Max(blockCount, 2)

	s := &Store{Name: name, Path: path, blockCount: blockCount}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		s.mapErr = &MappingFailedError{Name: name, Op: "open", Err: err}
		return s, s.mapErr
	}
	s.file = f

	byteSize := int64(blockCount) * BlockSize
	if err := f.Truncate(byteSize); err != nil {
		f.Close()
		s.mapErr = &MappingFailedError{Name: name, Op: "ftruncate", Err: err}
		return s, s.mapErr
	}

	b, err := unix.Mmap(int(f.Fd()), 0, int(byteSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		s.mapErr = &MappingFailedError{Name: name, Op: "mmap", Err: err}
		return s, s.mapErr
	}

	// The backing file is unlinked immediately: nothing but this process
	// ever opens it by path again, and the mapping keeps the pages alive.
	os.Remove(path)

	s.backing = b
	s.mapped = true
	s.initFreeRun()
	return s, nil
}

// NewInMemory creates a Store backed by a plain heap slice instead of an
// mmap'd file, for tests and for contexts (e.g. non-Linux) where mmap isn't
// wanted. Semantically identical to New.
func NewInMemory(name string, size int) *Store {
	blockCount := mathutil.Max(size/BlockSize, 2)
	s := &Store{
		Name:       name,
		backing:    make([]byte, blockCount*BlockSize),
		mapped:     true,
		blockCount: blockCount,
	}
	s.initFreeRun()
	return s
}

func (s *Store) initFreeRun() {
	s.putHeader(0, headerTagFree, s.blockCount, 0, "")
}

// Mapped reports whether the store's backing region is usable.
func (s *Store) Mapped() bool { return s.mapped }

// BlockCount returns the number of BlockSize-sized blocks the store spans.
func (s *Store) BlockCount() int { return s.blockCount }

// AllocCount returns the number of live (non-freed) runs.
func (s *Store) AllocCount() int { return s.allocCount }

// AllocBytes returns Σ run-length·BlockSize over live runs.
func (s *Store) AllocBytes() int64 { return s.allocBytes }

// Free unmaps and closes the backing file (already unlinked by New). Safe to
// call on an already-unmapped store.
func (s *Store) Free() error {
	if !s.mapped {
		return nil
	}
	var err error
	if e := unix.Munmap(s.backing); e != nil {
		err = &MappingFailedError{Name: s.Name, Op: "munmap", Err: e}
	}
	if s.file != nil {
		s.file.Close()
	}
	s.backing = nil
	s.mapped = false
	return err
}

func off(blockIdx int) int { return blockIdx * BlockSize }

func (s *Store) header(blockIdx int) []byte {
	o := off(blockIdx)
	return s.backing[o : o+BlockSize : o+BlockSize]
}

func (s *Store) putHeader(blockIdx int, tag byte, runLength, prevBlock int, label string) {
	h := s.header(blockIdx)
	h[offTag] = tag
	binary.BigEndian.PutUint32(h[offRunLength:], uint32(runLength))
	binary.BigEndian.PutUint32(h[offPrevBlock:], uint32(prevBlock))
	if len(label) > maxLabelLen {
		label = label[:maxLabelLen]
	}
	h[offLabelLen] = byte(len(label))
	copy(h[offLabel:offLabel+maxLabelLen], label)
}

func (s *Store) runAt(blockIdx int) Run {
	h := s.header(blockIdx)
	length := int(binary.BigEndian.Uint32(h[offRunLength:]))
	labelLen := int(h[offLabelLen])
	return Run{
		BlockIndex: blockIdx,
		Length:     length,
		Freed:      h[offTag] == headerTagFree,
		Label:      string(h[offLabel : offLabel+labelLen]),
	}
}

func (s *Store) prevBlockOf(blockIdx int) int {
	h := s.header(blockIdx)
	return int(binary.BigEndian.Uint32(h[offPrevBlock:]))
}

func (s *Store) setPrevBlock(blockIdx, prev int) {
	h := s.header(blockIdx)
	binary.BigEndian.PutUint32(h[offPrevBlock:], uint32(prev))
}

func (s *Store) setRunLength(blockIdx, length int) {
	h := s.header(blockIdx)
	binary.BigEndian.PutUint32(h[offRunLength:], uint32(length))
}

func (s *Store) setFreed(blockIdx int, freed bool) {
	h := s.header(blockIdx)
	if freed {
		h[offTag] = headerTagFree
	} else {
		h[offTag] = headerTagAllocated
	}
}

// nextBlockIndex returns the index one past this run, or -1 if this run is
// the last run in the store.
func (s *Store) nextBlockIndex(run Run) int {
	n := run.BlockIndex + run.Length
	if n >= s.blockCount {
		return -1
	}
	return n
}

func blocksNeeded(size int) int {
	payloadBlocks := (size + BlockSize - 1) / BlockSize
	if payloadBlocks < 1 {
		payloadBlocks = 1 // every run is at least a header plus one payload block
	}
	return 1 + payloadBlocks
}

// payloadSlice returns the size-byte payload view of the run at headerIdx
// with capacity extending to the full payload region the run owns, mirroring
// memory.Store's convention of returning a reslice-able-but-not-growable
// slice (other_examples' cznic/memory Calloc/Malloc).
func (s *Store) payloadSlice(headerIdx, runLength, size int) []byte {
	start := off(headerIdx) + BlockSize
	avail := (runLength - 1) * BlockSize
	return s.backing[start : start+size : start+avail]
}

// headerIndexOf recovers the owning run's header block index from a payload
// slice previously returned by Allocate/Reallocate/Copy, by pointer
// arithmetic against the store's backing array base address -- the same
// technique other_examples' cznic/memory uses to recover a page header from
// a payload pointer, specialized here to a fixed block size instead of a
// page mask.
func (s *Store) headerIndexOf(payload []byte) int {
	base := uintptr(unsafe.Pointer(&s.backing[0]))
	p := uintptr(unsafe.Pointer(unsafe.SliceData(payload)))
	payloadBlock := int((p - base) / BlockSize)
	return payloadBlock - 1
}

// HasAllocation reports whether p's backing memory lies within this store's
// mapping, an address-range test per spec.md §4.1.
func (s *Store) HasAllocation(p []byte) bool {
	if !s.mapped || len(p) == 0 && unsafe.SliceData(p) == nil {
		return false
	}
	base := uintptr(unsafe.Pointer(&s.backing[0]))
	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(p)))
	return ptr >= base && ptr < base+uintptr(len(s.backing))
}

// Allocate carves a run of at least size payload bytes out of the store,
// first-fit starting immediately after lastBlockAllocated and wrapping once,
// and zeroes the run's whole payload region.
// Freed runs encountered mid-scan are merged with any immediately following
// freed runs before being measured against the request.
func (s *Store) Allocate(size int, label string) ([]byte, error) {
	if !s.mapped {
		return nil, s.mapErr
	}
	needed := blocksNeeded(size)
	if needed > s.blockCount {
		return nil, &OutOfSpaceError{Name: s.Name, Requested: size, BlockCount: s.blockCount, NeededAtoms: needed}
	}

	start := 0
	if s.lastBlockAllocated != 0 {
		run := s.runAt(s.lastBlockAllocated - 1)
		start = s.nextBlockIndex(run)
		if start < 0 {
			start = 0
		}
	}

	idx := start
	visited := 0
	for visited < s.blockCount {
		run := s.runAt(idx)
		if run.Freed {
			s.coalesceForward(&run)
			if run.Length >= needed {
				s.commitAllocation(run, needed, label)
				p := s.payloadSlice(run.BlockIndex, needed, size)
				clear(p[:cap(p)])
				s.checkInvariants()
				return p, nil
			}
		}
		next := s.nextBlockIndex(run)
		if next < 0 {
			next = 0
		}
		visited += run.Length
		idx = next
		if idx == start {
			break
		}
	}

	return nil, &OutOfSpaceError{Name: s.Name, Requested: size, BlockCount: s.blockCount, NeededAtoms: needed}
}

// coalesceForward merges run with any immediately following freed runs,
// rewriting run.Length in place and updating the header on the backing
// store. The run passed in must already be freed.
func (s *Store) coalesceForward(run *Run) {
	for {
		next := s.nextBlockIndex(*run)
		if next < 0 {
			return
		}
		succ := s.runAt(next)
		if !succ.Freed {
			return
		}
		run.Length += succ.Length
		s.setRunLength(run.BlockIndex, run.Length)
		afterSucc := s.nextBlockIndex(succ)
		if afterSucc >= 0 {
			s.setPrevBlock(afterSucc, run.BlockIndex+1)
		}
	}
}

// commitAllocation marks the first `needed` blocks of run allocated, splitting
// off any surplus into a new freed run with corrected back-pointers.
func (s *Store) commitAllocation(run Run, needed int, label string) {
	prev := s.prevBlockOf(run.BlockIndex)

	if run.Length > needed {
		splitIdx := run.BlockIndex + needed
		splitLen := run.Length - needed
		s.putHeader(splitIdx, headerTagFree, splitLen, run.BlockIndex+1, "")

		if after := s.nextBlockIndex(Run{BlockIndex: splitIdx, Length: splitLen}); after >= 0 {
			s.setPrevBlock(after, splitIdx+1)
		}
	}

	s.putHeader(run.BlockIndex, headerTagAllocated, needed, prev, label)
	s.lastBlockAllocated = run.BlockIndex + 1

	s.allocCount++
	s.allocBytes += int64(needed) * BlockSize
}

// Deallocate frees the run owning payload. Freeing an already-freed run is a
// logic error: the caller is expected to trap rather than continue against
// corrupted metadata.
func (s *Store) Deallocate(payload []byte) error {
	if !s.mapped {
		return s.mapErr
	}
	headerIdx := s.headerIndexOf(payload)
	run := s.runAt(headerIdx)
	if run.Freed {
		return &LogicError{Name: s.Name, Msg: fmt.Sprintf("double free of run at block %d", headerIdx)}
	}

	s.allocCount--
	s.allocBytes -= int64(run.Length) * BlockSize

	if s.lastBlockAllocated == headerIdx+1 {
		prev := s.prevBlockOf(headerIdx)
		s.lastBlockAllocated = prev
	}

	s.setFreed(headerIdx, true)

	if prevIdx := s.prevBlockOf(headerIdx); prevIdx != 0 {
		prevRun := s.runAt(prevIdx - 1)
		if prevRun.Freed {
			headerIdx = prevRun.BlockIndex
		}
	}

	freshRun := s.runAt(headerIdx)
	s.coalesceForward(&freshRun)

	s.checkInvariants()
	return nil
}

// Reallocate implements spec.md §4.1's realloc contract: size==0 behaves as
// Deallocate, a nil payload behaves as Allocate, equal block counts return
// payload unchanged, shrinking happens in place, and growing first tries to
// coalesce with freed successors before falling back to allocate-copy-free.
func (s *Store) Reallocate(payload []byte, size int) ([]byte, error) {
	if size == 0 {
		if payload != nil {
			if err := s.Deallocate(payload); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	if payload == nil {
		return s.Allocate(size, "")
	}

	headerIdx := s.headerIndexOf(payload)
	run := s.runAt(headerIdx)
	needed := blocksNeeded(size)
	oldPayloadBytes := (run.Length - 1) * BlockSize

	if needed == run.Length {
		return s.payloadSlice(headerIdx, run.Length, size), nil
	}

	if needed < run.Length {
		surplus := run.Length - needed
		splitIdx := headerIdx + needed
		s.allocBytes -= int64(surplus) * BlockSize
		s.setRunLength(headerIdx, needed)
		s.putHeader(splitIdx, headerTagFree, surplus, headerIdx+1, "")
		if after := s.nextBlockIndex(Run{BlockIndex: splitIdx, Length: surplus}); after >= 0 {
			s.setPrevBlock(after, splitIdx+1)
		}
		freshSplit := s.runAt(splitIdx)
		s.coalesceForward(&freshSplit)
		s.checkInvariants()
		return s.payloadSlice(headerIdx, needed, size), nil
	}

	// Growing: try to absorb freed successors in place first.
	next := s.nextBlockIndex(run)
	if next >= 0 {
		succ := s.runAt(next)
		if succ.Freed {
			grown := run
			s.coalesceForward(&grown)
			s.allocBytes += int64(grown.Length-run.Length) * BlockSize
			s.setRunLength(headerIdx, grown.Length)
			if grown.Length >= needed {
				if grown.Length > needed {
					s.commitSplit(headerIdx, grown.Length, needed)
				}
				s.checkInvariants()
				return s.payloadSlice(headerIdx, needed, size), nil
			}
			// Not enough: hand the absorbed blocks back as one freed run
			// before falling back to allocate-copy-free.
			s.commitSplit(headerIdx, grown.Length, run.Length)
		}
	}

	newPayload, err := s.Allocate(size, run.Label)
	if err != nil {
		return nil, err
	}
	copy(newPayload, s.payloadSlice(headerIdx, run.Length, oldPayloadBytes))
	if err := s.Deallocate(payload); err != nil {
		return nil, err
	}
	return newPayload, nil
}

// commitSplit shrinks an already-allocated, just-grown run at headerIdx from
// its current length down to needed, splitting the surplus into a freed run.
func (s *Store) commitSplit(headerIdx, currentLength, needed int) {
	surplus := currentLength - needed
	splitIdx := headerIdx + needed
	s.allocBytes -= int64(surplus) * BlockSize
	s.setRunLength(headerIdx, needed)
	s.putHeader(splitIdx, headerTagFree, surplus, headerIdx+1, "")
	if after := s.nextBlockIndex(Run{BlockIndex: splitIdx, Length: surplus}); after >= 0 {
		s.setPrevBlock(after, splitIdx+1)
	}
}

// Copy allocates size bytes and initializes them from src.
func (s *Store) Copy(src []byte, size int) ([]byte, error) {
	p, err := s.Allocate(size, "")
	if err != nil {
		return nil, err
	}
	n := size
	if len(src) < n {
		n = len(src)
	}
	copy(p[:n], src[:n])
	return p, nil
}

// Iterate walks runs in block order starting at startBlock (0 for the
// beginning of the store), visiting each run once and stopping once it
// returns to the starting run. Matches Go's range-over-func iterator idiom.
func (s *Store) Iterate(startBlock int) func(yield func(Run) bool) {
	return func(yield func(Run) bool) {
		if !s.mapped || s.blockCount == 0 {
			return
		}
		idx := startBlock
		first := true
		for first || idx != startBlock {
			first = false
			run := s.runAt(idx)
			if !yield(run) {
				return
			}
			next := s.nextBlockIndex(run)
			if next < 0 {
				next = 0
			}
			idx = next
		}
	}
}

// checkInvariants runs Verify and traps if it reports a LogicError. Called
// at the strategic points spec.md §4.1 names -- after every Allocate,
// Deallocate and layout-mutating Reallocate -- so a corrupt header or a
// broken predecessor/successor chain aborts at the operation that produced
// it, instead of surfacing later at an unrelated call site.
func (s *Store) checkInvariants() {
	if err := s.Verify(); err != nil {
		if logicErr, ok := err.(*LogicError); ok {
			logicErr.Panic()
		}
	}
}

// Verify walks every run and checks the invariants from spec.md §3, §4.1
// and §8: N > 0 and N <= block count for every run, every previous_block
// points at the actual preceding run, totals match the live runs, and no
// two adjacent runs are both freed. Grounded on lldb/falloc.go's
// Allocator.Verify phase-based scan, minus the free-list-table cross-check
// lldb performs (this store keeps no separate free list to cross-check
// against). Exported for direct, non-trapping use (e.g. tests);
// checkInvariants is the operational path that traps on the same predicate.
func (s *Store) Verify() error {
	if !s.mapped {
		return s.mapErr
	}

	idx := 0
	prevHeaderBlock := 0
	var gotAllocCount int
	var gotAllocBytes int64
	var lastWasFreed bool

	for idx < s.blockCount {
		run := s.runAt(idx)
		if run.Length <= 0 || idx+run.Length > s.blockCount {
			return &LogicError{Name: s.Name, Msg: fmt.Sprintf("run at block %d has invalid length %d", idx, run.Length)}
		}
		if got := s.prevBlockOf(idx); got != prevHeaderBlock {
			return &LogicError{Name: s.Name, Msg: fmt.Sprintf("run at block %d has prevBlock %d, want %d", idx, got, prevHeaderBlock)}
		}
		if run.Freed && lastWasFreed {
			return &LogicError{Name: s.Name, Msg: fmt.Sprintf("adjacent freed runs at block %d", idx)}
		}
		if !run.Freed {
			gotAllocCount++
			gotAllocBytes += int64(run.Length) * BlockSize
		}

		lastWasFreed = run.Freed
		prevHeaderBlock = idx + 1
		idx += run.Length
	}

	if idx != s.blockCount {
		return &LogicError{Name: s.Name, Msg: fmt.Sprintf("runs end at block %d, want %d", idx, s.blockCount)}
	}
	if gotAllocCount != s.allocCount {
		return &LogicError{Name: s.Name, Msg: fmt.Sprintf("allocCount = %d, want %d", s.allocCount, gotAllocCount)}
	}
	if gotAllocBytes != s.allocBytes {
		return &LogicError{Name: s.Name, Msg: fmt.Sprintf("allocBytes = %d, want %d", s.allocBytes, gotAllocBytes)}
	}
	return nil
}