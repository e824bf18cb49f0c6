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

// Package ilist provides the implementation of intrusive linked lists.
package ilist

// Linker is the interface that objects must implement if they want to be
// added to and/or removed from List objects.
//
// N.B. When substituted in a template instantiation, Linker doesn't need to
// be an interface, and in most cases won't be.
type Linker[E any] interface {
	Next() E
	Prev() E
	SetNext(E)
	SetPrev(E)
}

// Element is the constraint on list elements. In practice it is a pointer to
// a struct that embeds Entry, and the nil pointer terminates the list.
type Element[E any] interface {
	comparable
	Linker[E]
}

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = e.Next() {
//		// do something with e.
//	}
type List[E Element[E]] struct {
	head E
	tail E
	len  int
}

// Reset resets list l to the empty state.
func (l *List[E]) Reset() {
	var zero E
	l.head = zero
	l.tail = zero
	l.len = 0
}

// Empty returns true iff the list is empty.
//
//go:nosplit
func (l *List[E]) Empty() bool {
	var zero E
	return l.head == zero
}

// Front returns the first element of list l or the zero value.
//
//go:nosplit
func (l *List[E]) Front() E {
	return l.head
}

// Back returns the last element of list l or the zero value.
//
//go:nosplit
func (l *List[E]) Back() E {
	return l.tail
}

// Len returns the number of elements in the list.
//
//go:nosplit
func (l *List[E]) Len() int {
	return l.len
}

// PushFront inserts the element e at the front of list l.
//
//go:nosplit
func (l *List[E]) PushFront(e E) {
	var zero E
	e.SetNext(l.head)
	e.SetPrev(zero)
	if l.head != zero {
		l.head.SetPrev(e)
	} else {
		l.tail = e
	}
	l.head = e
	l.len++
}

// PushBack inserts the element e at the back of list l.
//
//go:nosplit
func (l *List[E]) PushBack(e E) {
	var zero E
	e.SetNext(zero)
	e.SetPrev(l.tail)
	if l.tail != zero {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}
	l.tail = e
	l.len++
}

// PushBackList inserts list m at the end of list l, emptying m.
//
// This is O(1) regardless of the length of m.
//
//go:nosplit
func (l *List[E]) PushBackList(m *List[E]) {
	var zero E
	if l.head == zero {
		l.head = m.head
		l.tail = m.tail
	} else if m.head != zero {
		l.tail.SetNext(m.head)
		m.head.SetPrev(l.tail)
		l.tail = m.tail
	}
	l.len += m.len
	m.Reset()
}

// PopFront removes and returns the first element of l, or the zero value if
// l is empty.
//
//go:nosplit
func (l *List[E]) PopFront() E {
	e := l.head
	var zero E
	if e != zero {
		l.Remove(e)
	}
	return e
}

// Remove removes e from l.
//
// e must be an element of l.
//
//go:nosplit
func (l *List[E]) Remove(e E) {
	var zero E
	prev := e.Prev()
	next := e.Next()

	if prev != zero {
		prev.SetNext(next)
	} else if l.head == e {
		l.head = next
	}

	if next != zero {
		next.SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}

	e.SetNext(zero)
	e.SetPrev(zero)
	l.len--
}

// Entry is a default implementation of Linker. Users can add anonymous
// fields of this type to their structs to make them automatically implement
// the methods needed by List.
type Entry[E any] struct {
	next E
	prev E
}

// Next returns the entry that follows e in the list.
//
//go:nosplit
func (e *Entry[E]) Next() E {
	return e.next
}

// Prev returns the entry that precedes e in the list.
//
//go:nosplit
func (e *Entry[E]) Prev() E {
	return e.prev
}

// SetNext assigns 'entry' as the entry that follows e in the list.
//
//go:nosplit
func (e *Entry[E]) SetNext(elem E) {
	e.next = elem
}

// SetPrev assigns 'entry' as the entry that precedes e in the list.
//
//go:nosplit
func (e *Entry[E]) SetPrev(elem E) {
	e.prev = elem
}
