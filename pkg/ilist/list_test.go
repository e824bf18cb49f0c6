// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ilist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testElem struct {
	Entry[*testElem]
	val int
}

func values(l *List[*testElem]) []int {
	var vs []int
	for e := l.Front(); e != nil; e = e.Next() {
		vs = append(vs, e.val)
	}
	return vs
}

func newElems(n int) []*testElem {
	es := make([]*testElem, n)
	for i := range es {
		es[i] = &testElem{val: i}
	}
	return es
}

func TestPushAndRemove(t *testing.T) {
	es := newElems(4)
	var l List[*testElem]
	if !l.Empty() {
		t.Fatalf("new list is not empty")
	}
	l.PushBack(es[1])
	l.PushBack(es[2])
	l.PushFront(es[0])
	l.PushBack(es[3])
	if got, want := values(&l), []int{0, 1, 2, 3}; !cmp.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	// Remove from the middle, the head and the tail.
	l.Remove(es[2])
	l.Remove(es[0])
	l.Remove(es[3])
	if got, want := values(&l), []int{1}; !cmp.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if l.Front() != es[1] || l.Back() != es[1] {
		t.Errorf("head/tail not updated after removals")
	}
	if got := l.Len(); got != 1 {
		t.Errorf("got Len()=%d, want 1", got)
	}
}

func TestPushBackList(t *testing.T) {
	es := newElems(5)
	var l, m List[*testElem]
	l.PushBack(es[0])
	l.PushBack(es[1])
	m.PushBack(es[2])
	m.PushBack(es[3])
	m.PushBack(es[4])

	l.PushBackList(&m)
	if !m.Empty() || m.Len() != 0 {
		t.Errorf("spliced list is not empty")
	}
	if got, want := values(&l), []int{0, 1, 2, 3, 4}; !cmp.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got := l.Len(); got != 5 {
		t.Errorf("got Len()=%d, want 5", got)
	}

	// Splicing into an empty list moves everything.
	var e List[*testElem]
	e.PushBackList(&l)
	if got, want := values(&e), []int{0, 1, 2, 3, 4}; !cmp.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if e.Back() != es[4] {
		t.Errorf("tail not preserved after splice")
	}
}

func TestPopFront(t *testing.T) {
	es := newElems(2)
	var l List[*testElem]
	if l.PopFront() != nil {
		t.Fatalf("PopFront on empty list returned an element")
	}
	l.PushBack(es[0])
	l.PushBack(es[1])
	if got := l.PopFront(); got != es[0] {
		t.Errorf("got %v, want %v", got.val, 0)
	}
	if got := l.PopFront(); got != es[1] {
		t.Errorf("got %v, want %v", got.val, 1)
	}
	if !l.Empty() {
		t.Errorf("list not empty after popping all elements")
	}
}
