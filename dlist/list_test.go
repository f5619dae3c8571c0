// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dlist

import "testing"

func TestPushBackAndIterate(t *testing.T) {
	l := New[int]()
	for i := 0; i < 5; i++ {
		l.PushBack(i)
	}

	if g, e := l.Len(), 5; g != e {
		t.Fatalf("Len() = %d, want %d", g, e)
	}

	var it Iter[int]
	it.Init(l)
	var got []int
	var v int
	for it.Next(&v) {
		got = append(got, v)
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestRemove(t *testing.T) {
	l := New[string]()
	a := l.PushBack("a")
	l.PushBack("b")
	c := l.PushBack("c")

	l.Remove(a)
	l.Remove(c)

	if g, e := l.Len(), 1; g != e {
		t.Fatalf("Len() = %d, want %d", g, e)
	}

	v, ok := l.PopBack()
	if !ok || v != "b" {
		t.Fatalf("PopBack() = %q, %v, want %q, true", v, ok, "b")
	}

	// Removing an already removed node, or a nil node, must be a no-op.
	l.Remove(a)
	l.Remove(nil)
}

func TestPopBackEmpty(t *testing.T) {
	l := New[int]()
	if _, ok := l.PopBack(); ok {
		t.Fatal("PopBack() on empty list reported ok")
	}
}

func TestZeroValueUsable(t *testing.T) {
	var l List[int]
	l.PushBack(1)
	l.PushBack(2)
	if g, e := l.Len(), 2; g != e {
		t.Fatalf("Len() = %d, want %d", g, e)
	}
}