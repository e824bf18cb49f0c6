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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/objsync/pkg/lockword"
)

func mustPanic(t *testing.T, what string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	f()
}

func TestTableRoundRobinIDs(t *testing.T) {
	tb := NewTable(4)
	objs := make([]lockword.Header, 5)
	var ids []uint32
	for i := 0; i < 3; i++ {
		ids = append(ids, tb.CreateMonitor(&objs[i]).ID())
	}
	tb.FreeMonitor(1)
	// The search continues after the last allocated id, then wraps.
	ids = append(ids, tb.CreateMonitor(&objs[3]).ID())
	ids = append(ids, tb.CreateMonitor(&objs[4]).ID())
	if diff := cmp.Diff([]uint32{1, 2, 3, 4, 1}, ids); diff != "" {
		t.Errorf("allocated ids mismatch (-want +got):\n%s", diff)
	}
	if got := tb.Len(); got != 4 {
		t.Errorf("Len = %d, want 4", got)
	}
	if m := tb.LookupMonitor(1); m == nil || m.Object() != &objs[4] {
		t.Errorf("LookupMonitor(1) = %v, want the monitor of the last object", m)
	}
	tb.FreeMonitor(3)
	if m := tb.LookupMonitor(3); m != nil {
		t.Errorf("LookupMonitor(3) after free = %v, want nil", m)
	}
}

func TestTableExhaustionIsFatal(t *testing.T) {
	tb := NewTable(2)
	var a, b, c lockword.Header
	tb.CreateMonitor(&a)
	tb.CreateMonitor(&b)
	mustPanic(t, "CreateMonitor on a full table", func() {
		tb.CreateMonitor(&c)
	})
}

func TestTableCapacityBounds(t *testing.T) {
	if got := NewTable(0).Capacity(); got != lockword.MaxMonitorID {
		t.Errorf("default capacity = %d, want %d", got, lockword.MaxMonitorID)
	}
	if got := NewTable(lockword.MaxMonitorID + 10).Capacity(); got != lockword.MaxMonitorID {
		t.Errorf("oversized capacity = %d, want %d", got, lockword.MaxMonitorID)
	}
}

func TestEnumerateMonitors(t *testing.T) {
	tb := NewTable(0)
	objs := make([]lockword.Header, 3)
	for i := range objs {
		tb.CreateMonitor(&objs[i])
	}
	var ids []uint32
	tb.EnumerateMonitors(func(m *Monitor) bool {
		ids = append(ids, m.ID())
		return len(ids) < 2
	})
	if diff := cmp.Diff([]uint32{1, 2}, ids); diff != "" {
		t.Errorf("enumerated ids mismatch (-want +got):\n%s", diff)
	}
}

// publish makes obj's word refer to a new monitor, as inflation does.
func publish(tb *Table, obj *lockword.Header) *Monitor {
	m := tb.CreateMonitor(obj)
	obj.Init(obj.Load().FromHeavyLock(m.ID()))
	return m
}

func TestDeflateAllWithCallback(t *testing.T) {
	tb := NewTable(0)
	var a, b, unpublished lockword.Header
	ma := publish(tb, &a)
	mb := publish(tb, &b)
	tb.CreateMonitor(&unpublished)

	n := tb.DeflateAllWithCallback(func(m *Monitor) bool { return m != mb })
	if n != 1 {
		t.Errorf("DeflateAllWithCallback deflated %d monitors, want 1", n)
	}
	if got := a.Load().State(); got != lockword.Unlocked {
		t.Errorf("deflated word state = %v, want %v", got, lockword.Unlocked)
	}
	if tb.LookupMonitor(ma.ID()) != nil {
		t.Errorf("deflated monitor was not freed")
	}
	if got := b.Load().State(); got != lockword.HeavyLocked {
		t.Errorf("skipped word state = %v, want %v", got, lockword.HeavyLocked)
	}
	// A monitor that is not referenced by its word is never deflated.
	if got := tb.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
}

func TestDeflateKeepsHash(t *testing.T) {
	if !lockword.HashInHeader {
		t.Skip("identity hash is not kept in the lock word")
	}
	tb := NewTable(0)
	var obj lockword.Header
	m := publish(tb, &obj)
	m.SetHashCode(0x1234)
	if n := tb.DeflateAll(); n != 1 {
		t.Fatalf("DeflateAll deflated %d monitors, want 1", n)
	}
	w := obj.Load()
	if w.State() != lockword.Hashed || w.Hash() != 0x1234 {
		t.Errorf("deflated word = %v, want hash 0x1234", w)
	}
}

func TestDeflatePreservesFlags(t *testing.T) {
	tb := NewTable(0)
	var obj lockword.Header
	publish(tb, &obj)
	obj.SetMarkedForGC()
	tb.DeflateAll()
	if w := obj.Load(); w.State() != lockword.Unlocked || !w.MarkedForGC() {
		t.Errorf("deflated word = %v, want unlocked and marked", w)
	}
}

func TestUpdateForwarded(t *testing.T) {
	tb := NewTable(0)
	var from, to lockword.Header
	m := publish(tb, &from)
	old, ok := from.Forward(lockword.ForwardingAlignment * 8)
	if !ok {
		t.Fatalf("Forward failed")
	}
	to.Init(old)

	n := tb.UpdateForwarded(func(obj *lockword.Header) *lockword.Header {
		if obj == &from {
			return &to
		}
		return nil
	})
	if n != 1 {
		t.Errorf("UpdateForwarded updated %d monitors, want 1", n)
	}
	if m.Object() != &to {
		t.Errorf("monitor object not updated")
	}
}
