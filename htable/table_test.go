// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package htable

import "testing"

func TestSetGetRemove(t *testing.T) {
	var tbl Table[int]
	tbl.Set("a", 1)
	tbl.Set("b", 2)

	if v, ok := tbl.Get("a"); !ok || v != 1 {
		t.Fatalf("Get(a) = %d, %v, want 1, true", v, ok)
	}

	tbl.Set("a", 10)
	if v, ok := tbl.Get("a"); !ok || v != 10 {
		t.Fatalf("Get(a) after replace = %d, %v, want 10, true", v, ok)
	}

	if g, e := tbl.Len(), 2; g != e {
		t.Fatalf("Len() = %d, want %d", g, e)
	}

	tbl.Remove("a")
	if _, ok := tbl.Get("a"); ok {
		t.Fatal("Get(a) found a removed record")
	}

	if g, e := tbl.Len(), 1; g != e {
		t.Fatalf("Len() after Remove = %d, want %d", g, e)
	}
}

func TestClear(t *testing.T) {
	var tbl Table[int]
	tbl.Set("a", 1)
	tbl.Clear()
	if g, e := tbl.Len(), 0; g != e {
		t.Fatalf("Len() after Clear = %d, want %d", g, e)
	}
	if _, ok := tbl.Get("a"); ok {
		t.Fatal("Get(a) found a record after Clear")
	}
}

func TestGrowthPreservesEntries(t *testing.T) {
	var tbl Table[int]
	const n = 500
	for i := 0; i < n; i++ {
		tbl.Set(keyOf(i), i)
	}

	for i := 0; i < n; i++ {
		v, ok := tbl.Get(keyOf(i))
		if !ok || v != i {
			t.Fatalf("Get(%s) = %d, %v, want %d, true", keyOf(i), v, ok, i)
		}
	}
}

func TestInitSorted(t *testing.T) {
	var tbl Table[int]
	tbl.Set("c", 3)
	tbl.Set("a", 1)
	tbl.Set("b", 2)

	var it Iter[int]
	it.InitSorted(&tbl, func(a, b int) int { return a - b })

	var got []int
	for {
		_, v, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, v)
	}

	want := []int{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func keyOf(i int) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 8)
	for j := range b {
		b[j] = hex[(i>>(4*j))&0xf]
	}
	return string(b)
}