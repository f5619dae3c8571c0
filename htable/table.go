// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package htable implements a string-keyed chained hash table holding
// arbitrary-sized records by value (copy in, copy out). The allocator facade
// uses it for its per-size dedicated-store naming counters.
package htable

import "github.com/cespare/xxhash/v2"

type entry[V any] struct {
	name  string
	value V
	next  *entry[V]
}

// Table is a string-keyed hash table of V, copied by value on Set/Get.
// The zero value is an empty, ready to use table.
type Table[V any] struct {
	buckets []*entry[V]
	count   int
}

const initialBuckets = 16

func (t *Table[V]) lazyInit() {
	if t.buckets == nil {
		t.buckets = make([]*entry[V], initialBuckets)
	}
}

func bucketFor(name string, n int) int {
	return int(xxhash.Sum64String(name) % uint64(n))
}

// Len returns the number of distinct names currently stored.
func (t *Table[V]) Len() int { return t.count }

// Set inserts or replaces the record stored under name. The previous
// record, if any, is discarded (replaced, not merged).
func (t *Table[V]) Set(name string, record V) {
	t.lazyInit()
	t.growIfNeeded()

	idx := bucketFor(name, len(t.buckets))
	for e := t.buckets[idx]; e != nil; e = e.next {
		if e.name == name {
			e.value = record
			return
		}
	}

	t.buckets[idx] = &entry[V]{name: name, value: record, next: t.buckets[idx]}
	t.count++
}

// Get returns the stored record and true, or the zero value and false if
// name is not present.
func (t *Table[V]) Get(name string) (record V, ok bool) {
	if t.buckets == nil {
		return record, false
	}

	idx := bucketFor(name, len(t.buckets))
	for e := t.buckets[idx]; e != nil; e = e.next {
		if e.name == name {
			return e.value, true
		}
	}
	return record, false
}

// Remove deletes the record stored under name, if any.
func (t *Table[V]) Remove(name string) {
	if t.buckets == nil {
		return
	}

	idx := bucketFor(name, len(t.buckets))
	var prev *entry[V]
	for e := t.buckets[idx]; e != nil; e = e.next {
		if e.name == name {
			if prev == nil {
				t.buckets[idx] = e.next
			} else {
				prev.next = e.next
			}
			t.count--
			return
		}
		prev = e
	}
}

// Clear removes every record.
func (t *Table[V]) Clear() {
	t.buckets = nil
	t.count = 0
}

func (t *Table[V]) growIfNeeded() {
	if t.count < len(t.buckets)*2 {
		return
	}

	old := t.buckets
	t.buckets = make([]*entry[V], len(old)*2)
	for _, head := range old {
		for e := head; e != nil; {
			next := e.next
			idx := bucketFor(e.name, len(t.buckets))
			e.next = t.buckets[idx]
			t.buckets[idx] = e
			e = next
		}
	}
}

// Iter is a cursor over a Table's entries, in unspecified order unless
// obtained via InitSorted.
type Iter[V any] struct {
	entries []*entry[V]
	pos     int
}

// Init starts an iterator in arbitrary (bucket) order.
func (it *Iter[V]) Init(t *Table[V]) {
	it.entries = it.entries[:0]
	for _, head := range t.buckets {
		for e := head; e != nil; e = e.next {
			it.entries = append(it.entries, e)
		}
	}
	it.pos = 0
}

// InitSorted starts an iterator ordered by cmp, computed once up front —
// subsequent mutation of the table does not reorder an in-progress iterator.
func (it *Iter[V]) InitSorted(t *Table[V], cmp func(a, b V) int) {
	it.Init(t)
	slicesSortFunc(it.entries, func(a, b *entry[V]) int {
		return cmp(a.value, b.value)
	})
}

// Next advances the iterator, reporting the next name/record pair. The
// second result is false once the iterator is exhausted.
func (it *Iter[V]) Next() (name string, record V, ok bool) {
	if it.pos >= len(it.entries) {
		return "", record, false
	}

	e := it.entries[it.pos]
	it.pos++
	return e.name, e.value, true
}

// slicesSortFunc avoids importing the "slices" package's generic
// constraints just for this one call site; insertion sort is adequate
// for the small record counts a metrics table holds in practice (stores,
// metric names), and keeps InitSorted's ordering stable like the teacher's
// sorted iteration, which is also specified to be a stable one-time sort.
func slicesSortFunc[T any](s []T, cmp func(a, b T) int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && cmp(s[j-1], s[j]) > 0; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}