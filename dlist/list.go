// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dlist implements an intrusive doubly linked list.
//
// It backs the registry of live block stores and the per-goroutine stack of
// default stores — anywhere the surrounding code needs unordered insertion,
// O(1) removal of a known node, and forward iteration. (The tick handler
// list in package metrics is a plain slice.)
package dlist

// Node is one link of a List, created and returned by PushBack. The list
// uses only prev/next and the owning-list pointer; the payload lives in
// Value.
type Node[V any] struct {
	prev, next *Node[V]
	list       *List[V]
	Value      V
}

// List is an intrusive doubly linked list of Node[V]. The zero value is an
// empty, ready to use list.
type List[V any] struct {
	root Node[V] // sentinel; root.next == first, root.prev == last
	len  int
}

// New returns an empty list.
func New[V any]() *List[V] {
	l := &List[V]{}
	l.root.next = &l.root
	l.root.prev = &l.root
	return l
}

func (l *List[V]) lazyInit() {
	if l.root.next == nil {
		l.root.next = &l.root
		l.root.prev = &l.root
	}
}

// Len returns the number of items currently in the list.
func (l *List[V]) Len() int { return l.len }

// PushBack appends value to the list and returns the node that owns it, so
// the caller can later call Remove in O(1).
func (l *List[V]) PushBack(value V) *Node[V] {
	l.lazyInit()
	n := &Node[V]{Value: value, list: l}
	last := l.root.prev
	n.prev = last
	n.next = &l.root
	last.next = n
	l.root.prev = n
	l.len++
	return n
}

// Remove unlinks n from l. Removing a node twice, a nil node, or a node not
// owned by l, is a no-op.
func (l *List[V]) Remove(n *Node[V]) {
	if n == nil || n.list != l {
		return
	}

	n.prev.next = n.next
	n.next.prev = n.prev
	n.next, n.prev, n.list = nil, nil, nil
	l.len--
}

// Back returns the last node, or nil if the list is empty.
func (l *List[V]) Back() *Node[V] {
	l.lazyInit()
	if l.root.prev == &l.root {
		return nil
	}
	return l.root.prev
}

// PopBack removes and returns the value of the last node. The second result
// is false if the list was empty.
func (l *List[V]) PopBack() (v V, ok bool) {
	n := l.Back()
	if n == nil {
		return v, false
	}
	v = n.Value
	l.Remove(n)
	return v, true
}

// Iter is a cursor over a List, in forward (insertion) order. The zero
// value is not usable; obtain one from Init.
type Iter[V any] struct {
	list *List[V]
	next *Node[V]
}

// Init starts an iterator positioned before the first node of l.
func (it *Iter[V]) Init(l *List[V]) {
	l.lazyInit()
	it.list = l
	it.next = l.root.next
}

// Next advances the iterator and reports whether a value was produced.
func (it *Iter[V]) Next(value *V) bool {
	if it.next == nil || it.next == &it.list.root {
		return false
	}

	*value = it.next.Value
	it.next = it.next.next
	return true
}