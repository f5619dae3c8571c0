// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gmetrics is an instrumented heap allocator: it routes allocations
// through file-backed "block stores", tracks per-store occupancy, labels,
// and creation stack traces, and periodically snapshots every live store to
// gzip-compressed CSV. See the capi package for the C-linkage
// malloc/calloc/realloc/free shim that interposes a target process's libc.
package gmetrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cznic/gmetrics/blockstore"
	"github.com/cznic/gmetrics/config"
	"github.com/cznic/gmetrics/dlist"
	"github.com/cznic/gmetrics/htable"
	"github.com/cznic/gmetrics/metrics"
	"github.com/cznic/gmetrics/stacktrace"
)

const sentinelRecordSize = 8

// Libc is the fallback path used when instrumentation is disabled or an
// address is not owned by any store. The default implementation stands in
// for __libc_{malloc,calloc,realloc,free} in pure-Go builds; the capi
// package's cgo shim resolves the real symbols via dlsym(RTLD_NEXT, ...)
// and wires them in instead.
type Libc interface {
	Calloc(n int) []byte
	Realloc(p []byte, n int) []byte
	Free(p []byte)
}

type goLibc struct{}

func (goLibc) Calloc(n int) []byte { return make([]byte, n) }

func (goLibc) Realloc(p []byte, n int) []byte {
	b := make([]byte, n)
	copy(b, p)
	return b
}

func (goLibc) Free(p []byte) {}

// Allocator is the process-global facade. Two named mutexes serialize
// access (the third lock, timeouts, lives on metrics.Driver), matching
// dbm.DB's single bkl field for its one correctness boundary, generalized
// here to the two-lock ordering spec.md §5 requires:
// allocationBlockStores is always acquired before allocations when a call
// needs both (see snapshot).
type Allocator struct {
	cfg *config.Config

	allocationBlockStores sync.Mutex
	allocations           sync.Mutex

	sentinel      *blockstore.Store
	metricsStore  *blockstore.Store
	registry      dlist.List[*blockstore.Store]
	registryNodes map[*blockstore.Store]*dlist.Node[*blockstore.Store]
	sentinelRecs  map[*blockstore.Store][]byte

	// dedicatedCounters assigns each distinct dedicated-allocation size its
	// own monotonic naming counter ("allocation-<size>-<n>"), keyed by the
	// size formatted as a string since htable.Table is string-keyed.
	dedicatedCounters htable.Table[int64]

	driver *metrics.Driver

	Libc Libc

	initOnce sync.Once
	initErr  error
}

// New loads configuration and returns a ready, but not yet started,
// Allocator. Call Start to create the sentinel/metrics stores and begin the
// tick loop; until Start succeeds, Malloc/Calloc/Realloc/Free degrade to the
// Libc fallback per spec.md §7's ConfigDisabled path.
func New() (*Allocator, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &Allocator{
		cfg:           cfg,
		registryNodes: make(map[*blockstore.Store]*dlist.Node[*blockstore.Store]),
		sentinelRecs:  make(map[*blockstore.Store][]byte),
		Libc:          goLibc{},
	}, nil
}

// Start is the lazy-init path spec.md §2 describes: checks the configuration
// New loaded for an active target process, creates the sentinel ("store of stores") and metrics stores, and starts
// the tick driver. Safe to call multiple times; only the first call does
// anything.
func (a *Allocator) Start(ctx context.Context) error {
	a.initOnce.Do(func() {
		a.initErr = a.start(ctx)
	})
	return a.initErr
}

func (a *Allocator) start(ctx context.Context) error {
	if !a.cfg.Active() {
		return &config.ConfigDisabled{Command: a.cfg.Command}
	}

	if err := os.MkdirAll(a.cfg.LogDir, 0o755); err != nil {
		return err
	}

	sentinelSize := a.cfg.MaxAllocationBlockStores * sentinelRecordSize
	sentinel, err := a.newStore(ctx, "store-of-stores", sentinelSize, false)
	if err != nil {
		return err
	}
	a.sentinel = sentinel

	metricsStore, err := a.newStore(ctx, "metrics", a.cfg.DefaultAllocationBlockStoreSize, false)
	if err != nil {
		return err
	}
	a.metricsStore = metricsStore

	timer, err := metrics.NewGocronTimer(time.Duration(a.cfg.CollectionInterval) * time.Second)
	if err != nil {
		return err
	}
	a.driver = metrics.NewDriver(timer)
	stopWatch := metrics.WatchFlushSignal(a.driver.Flush)

	var snapshotOnce sync.Once
	var csvFile *metrics.File
	a.driver.StartTimeout(func(ctx context.Context) {
		var initErr error
		snapshotOnce.Do(func() {
			path := filepath.Join(a.cfg.LogDir, "allocation-block-stores.csv.gz")
			csvFile, initErr = metrics.NewFile(path, []string{"name", "allocation_count", "allocated_bytes", "creation_stack_trace"}, a.driver.Flush)
		})
		if initErr != nil || csvFile == nil {
			return
		}
		a.snapshot(csvFile)
	})

	go a.driver.Run(ctx)
	go func() {
		<-ctx.Done()
		stopWatch()
	}()

	return nil
}

// snapshot nests allocations inside allocationBlockStores for its whole
// duration, per spec.md §5's lock ordering ("allocation_block_stores is
// taken first ... and allocations is taken inside it. No other ordering is
// permitted").
func (a *Allocator) snapshot(file *metrics.File) {
	a.allocationBlockStores.Lock()
	defer a.allocationBlockStores.Unlock()

	stores := make([]metrics.NamedStore, 0, a.registry.Len())
	var it dlist.Iter[*blockstore.Store]
	it.Init(&a.registry)
	var s *blockstore.Store
	for it.Next(&s) {
		stores = append(stores, metrics.NamedStore{Name: s.Name, CreationStackTrace: s.StackTrace, Store: s})
	}

	a.allocations.Lock()
	defer a.allocations.Unlock()

	metricsNamed := metrics.NamedStore{Name: a.metricsStore.Name, CreationStackTrace: a.metricsStore.StackTrace, Store: a.metricsStore}
	metrics.Snapshot(a.cfg.LogDir, metricsNamed, stores, file, time.Now())
}

func storePath(name string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("user-%d-for-pid-%d-%s.map", os.Getuid(), os.Getpid(), name))
}

func (a *Allocator) newStore(ctx context.Context, name string, size int, dedicated bool) (*blockstore.Store, error) {
	s, err := blockstore.New(name, storePath(name), size)
	if err != nil {
		return nil, err
	}
	s.Dedicated = dedicated
	s.StackTrace = stacktrace.Capture(0, a.cfg.StackTraceSize)

	a.allocationBlockStores.Lock()
	defer a.allocationBlockStores.Unlock()

	if a.sentinel != nil {
		rec, err := a.sentinel.Allocate(sentinelRecordSize, name)
		if err == nil {
			a.sentinelRecs[s] = rec
		}
	}
	node := a.registry.PushBack(s)
	a.registryNodes[s] = node
	return s, nil
}

func (a *Allocator) destroyStore(s *blockstore.Store) {
	a.allocationBlockStores.Lock()
	if node, ok := a.registryNodes[s]; ok {
		a.registry.Remove(node)
		delete(a.registryNodes, s)
	}
	if rec, ok := a.sentinelRecs[s]; ok {
		a.sentinel.Deallocate(rec)
		delete(a.sentinelRecs, s)
	}
	a.allocationBlockStores.Unlock()

	s.Free()
}

type threadKey struct{}

type threadState struct {
	name  string
	stack dlist.List[*blockstore.Store]
}

// NewThreadContext attaches a fresh per-thread default-store stack to ctx,
// standing in for spec.md §4.3's per-OS-thread state: Go has no public
// goroutine identity, so the "thread" is whatever carries this context
// through a call chain. Call once per logical worker and reuse the returned
// context for every subsequent Malloc/Calloc/Realloc/Free on that worker.
func NewThreadContext(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, threadKey{}, &threadState{name: name})
}

func threadFrom(ctx context.Context) *threadState {
	if ts, ok := ctx.Value(threadKey{}).(*threadState); ok {
		return ts
	}
	return &threadState{}
}

// PushDefault pushes store as ctx's thread's new top-of-stack default store.
func (a *Allocator) PushDefault(ctx context.Context, s *blockstore.Store) {
	threadFrom(ctx).stack.PushBack(s)
}

// PopDefault pops ctx's thread's top-of-stack default store, if any.
func (a *Allocator) PopDefault(ctx context.Context) {
	threadFrom(ctx).stack.PopBack()
}

// defaultStore returns ctx's thread's current default store, creating one
// automatically (named thread-<name>, stamped with a creation stack trace)
// if the thread's stack is empty, per spec.md §4.3.
func (a *Allocator) defaultStore(ctx context.Context) (*blockstore.Store, error) {
	ts := threadFrom(ctx)
	if top := ts.stack.Back(); top != nil {
		return top.Value, nil
	}

	name := ts.name
	if name == "" {
		name = fmt.Sprintf("%p", ts)
	}
	s, err := a.newStore(ctx, "thread-"+name, a.cfg.DefaultAllocationBlockStoreSize, false)
	if err != nil {
		return nil, err
	}
	s.ThreadDflt = true
	s.ThreadName = name
	ts.stack.PushBack(s)
	return s, nil
}

var dedicatedCounterMu sync.Mutex

func (a *Allocator) nextDedicatedCounter(size int) int64 {
	dedicatedCounterMu.Lock()
	defer dedicatedCounterMu.Unlock()

	key := fmt.Sprintf("%d", size)
	n, _ := a.dedicatedCounters.Get(key)
	a.dedicatedCounters.Set(key, n+1)
	return n
}

// Malloc is the interposed malloc(n) path of spec.md §4.2. If
// instrumentation is inactive it returns zeroed memory via Libc.Calloc,
// preserving the original's nonstandard "malloc zeroes" behavior
// (spec.md §9(c)) even when disabled. Otherwise it routes through the
// current thread's default store, or a new dedicated store if n is at or
// above the configured dedicated-store threshold.
func (a *Allocator) Malloc(ctx context.Context, n int) ([]byte, error) {
	if err := a.Start(ctx); err != nil {
		return a.Libc.Calloc(n), nil
	}

	if n >= a.cfg.DedicatedAllocationBlockStoreThreshold {
		return a.mallocDedicated(ctx, n)
	}

	store, err := a.defaultStore(ctx)
	if err != nil {
		return nil, err
	}

	a.allocations.Lock()
	defer a.allocations.Unlock()
	return store.Allocate(n, "")
}

func (a *Allocator) mallocDedicated(ctx context.Context, n int) ([]byte, error) {
	counter := a.nextDedicatedCounter(n)
	name := fmt.Sprintf("allocation-%d-%d", n, counter)

	defaultSize := a.cfg.DefaultAllocationBlockStoreSize
	size := defaultSize
	if n+blockstore.BlockSize > size {
		size = n + blockstore.BlockSize
	}

	s, err := a.newStore(ctx, name, size, true)
	if err != nil {
		return nil, err
	}
	s.StackTrace = stacktrace.Capture(0, 5)

	a.allocations.Lock()
	p, err := s.Allocate(n, name)
	a.allocations.Unlock()
	if err != nil {
		a.destroyStore(s)
		return nil, err
	}
	return p, nil
}

// Calloc is malloc(k*n); the result is already zero since Allocate zeroes
// the payload.
func (a *Allocator) Calloc(ctx context.Context, k, n int) ([]byte, error) {
	return a.Malloc(ctx, k*n)
}

// Free finds the owning store by address range and deallocates, falling
// back to Libc.Free if no store owns p.
func (a *Allocator) Free(ctx context.Context, p []byte) error {
	if p == nil {
		return nil
	}

	s := a.findOwner(p)
	if s == nil {
		a.Libc.Free(p)
		return nil
	}

	a.allocations.Lock()
	err := s.Deallocate(p)
	wasDedicated := s.Dedicated
	count := s.AllocCount()
	a.allocations.Unlock()

	// A double free or corrupt header is not recoverable: per spec.md §7
	// it traps rather than propagating as an error a caller might ignore.
	if logicErr, ok := err.(*blockstore.LogicError); ok {
		logicErr.Panic()
	}

	if wasDedicated && count == 0 {
		a.destroyStore(s)
	}
	return err
}

// Realloc finds the store that owns p and reallocates within it, falling
// back to Libc.Realloc if no store owns p.
func (a *Allocator) Realloc(ctx context.Context, p []byte, n int) ([]byte, error) {
	s := a.findOwner(p)
	if s == nil {
		return a.Libc.Realloc(p, n), nil
	}

	a.allocations.Lock()
	defer a.allocations.Unlock()
	np, err := s.Reallocate(p, n)
	if logicErr, ok := err.(*blockstore.LogicError); ok {
		logicErr.Panic()
	}
	return np, err
}

func (a *Allocator) findOwner(p []byte) *blockstore.Store {
	a.allocationBlockStores.Lock()
	defer a.allocationBlockStores.Unlock()

	var it dlist.Iter[*blockstore.Store]
	it.Init(&a.registry)
	var s *blockstore.Store
	for it.Next(&s) {
		if s.HasAllocation(p) {
			return s
		}
	}
	return nil
}

// CaptureStackTrace is the public convenience wrapper spec.md's
// g_metrics_stack_trace() helper supplements: captures and symbolizes the
// caller's stack using the configured frame count in one call.
func (a *Allocator) CaptureStackTrace() string {
	n := 5
	if a.cfg != nil {
		n = a.cfg.StackTraceSize
	}
	return stacktrace.Capture(1, n)
}

// RegistrySize returns the number of live stores, for tests exercising
// spec.md §8 scenario 4 (dedicated store lifecycle).
func (a *Allocator) RegistrySize() int {
	a.allocationBlockStores.Lock()
	defer a.allocationBlockStores.Unlock()
	return a.registry.Len()
}