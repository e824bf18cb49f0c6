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

package monitor

import (
	"github.com/google/btree"
	"gvisor.dev/objsync/pkg/lockword"
	"gvisor.dev/objsync/pkg/log"
	"gvisor.dev/objsync/pkg/sync"
)

// Table is the pool of live monitors, indexed by monitor id.
//
// Ids are allocated round-robin: the search for a free id starts after the
// last allocated one, so a freed id is not reused until the id space wraps.
type Table struct {
	mu sync.Mutex

	// monitors maps live ids to monitors. It is protected by mu.
	monitors map[uint32]*Monitor

	// ids is the ordered set of live ids. It is protected by mu.
	ids *btree.BTreeG[uint32]

	// lastID is the last allocated id. It is protected by mu.
	lastID uint32

	// capacity is the largest id the table allocates. Immutable.
	capacity uint32

	// The following fields are immutable and shared with the monitors.
	listener       Listener
	spinIterations int
	yieldAfter     int
}

// NewTable returns an empty table that allocates ids up to capacity. A zero
// capacity means lockword.MaxMonitorID, which is also the upper bound.
func NewTable(capacity uint32) *Table {
	if capacity == 0 || capacity > lockword.MaxMonitorID {
		if capacity > lockword.MaxMonitorID {
			log.Warningf("Monitor table capacity %d exceeds the lock word limit, using %d", capacity, lockword.MaxMonitorID)
		}
		capacity = lockword.MaxMonitorID
	}
	return &Table{
		monitors: make(map[uint32]*Monitor),
		ids:      btree.NewG(16, btree.Less[uint32]()),
		capacity: capacity,
		listener: NoopListener{},
	}
}

// Capacity returns the largest id the table allocates.
func (tb *Table) Capacity() uint32 {
	return tb.capacity
}

// Len returns the number of live monitors.
func (tb *Table) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.monitors)
}

// CreateMonitor allocates a monitor for obj. Running out of ids means
// monitors are leaked, which is fatal.
func (tb *Table) CreateMonitor(obj *lockword.Header) *Monitor {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if uint32(len(tb.monitors)) >= tb.capacity {
		log.Fatalf("Monitor table full: %d monitors in use", len(tb.monitors))
	}

	start := tb.lastID + 1
	if start > tb.capacity {
		start = 1
	}
	id, ok := tb.freeIDLocked(start, tb.capacity)
	if !ok {
		id, ok = tb.freeIDLocked(1, start-1)
	}
	if !ok {
		log.Fatalf("No free monitor id with %d of %d in use", len(tb.monitors), tb.capacity)
	}

	m := newMonitor(id, tb, obj)
	tb.monitors[id] = m
	tb.ids.ReplaceOrInsert(id)
	tb.lastID = id
	return m
}

// freeIDLocked returns the smallest free id in [first, limit].
//
// Preconditions: tb.mu is locked.
func (tb *Table) freeIDLocked(first, limit uint32) (uint32, bool) {
	if first == 0 || first > limit {
		return 0, false
	}
	candidate := first
	tb.ids.AscendGreaterOrEqual(first, func(id uint32) bool {
		if id != candidate {
			return false
		}
		candidate++
		return candidate <= limit
	})
	return candidate, candidate <= limit
}

// LookupMonitor returns the live monitor with the given id, or nil.
func (tb *Table) LookupMonitor(id uint32) *Monitor {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.monitors[id]
}

// FreeMonitor removes the monitor with the given id. The lock word of its
// object must no longer refer to it.
func (tb *Table) FreeMonitor(id uint32) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if _, ok := tb.monitors[id]; !ok {
		log.Warningf("Freeing unknown monitor %d", id)
		return
	}
	delete(tb.monitors, id)
	tb.ids.Delete(id)
}

// snapshot returns the live monitors ordered by id.
func (tb *Table) snapshot() []*Monitor {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	ms := make([]*Monitor, 0, len(tb.monitors))
	tb.ids.Ascend(func(id uint32) bool {
		ms = append(ms, tb.monitors[id])
		return true
	})
	return ms
}

// EnumerateMonitors calls f for every live monitor in id order, until f
// returns false. Monitors created or freed during the enumeration may or may
// not be visited.
func (tb *Table) EnumerateMonitors(f func(*Monitor) bool) {
	for _, m := range tb.snapshot() {
		if !f(m) {
			return
		}
	}
}

// DeflateAll deflates every monitor that is not owned and has no waiters,
// and returns the number of deflated monitors.
func (tb *Table) DeflateAll() int {
	return tb.DeflateAllWithCallback(func(*Monitor) bool { return true })
}

// DeflateAllWithCallback is like DeflateAll, but only considers monitors for
// which should returns true.
func (tb *Table) DeflateAllWithCallback(should func(*Monitor) bool) int {
	n := 0
	for _, m := range tb.snapshot() {
		if should(m) && tb.deflate(m) {
			n++
		}
	}
	if n > 0 {
		log.Debugf("Deflated %d monitors", n)
	}
	return n
}

// deflate deflates m and frees it on success.
func (tb *Table) deflate(m *Monitor) bool {
	if !m.deflate() {
		return false
	}
	tb.FreeMonitor(m.id)
	deflations.Increment()
	return true
}

// UpdateForwarded points monitors of objects the collector moved at the new
// copies. resolve returns the new copy of a forwarded object, or nil if it
// is unknown.
func (tb *Table) UpdateForwarded(resolve func(*lockword.Header) *lockword.Header) int {
	n := 0
	for _, m := range tb.snapshot() {
		obj := m.Object()
		w := obj.Load()
		if w.State() != lockword.Gc {
			continue
		}
		if moved := resolve(obj); moved != nil {
			m.SetObject(moved)
			n++
		} else {
			log.Warningf("%v: no copy of forwarded object %p (%v)", m, obj, w)
		}
	}
	return n
}
