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

package lockword

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/objsync/pkg/sync"
)

// flagVariants are the flag combinations every transition must preserve.
var flagVariants = []Word{
	0,
	GCMarkBit,
	ReadBarrierBit,
	GCMarkBit | ReadBarrierBit,
}

func TestStates(t *testing.T) {
	for _, flags := range flagVariants {
		base := flags
		for _, tc := range []struct {
			name string
			w    Word
			want State
		}{
			{"unlocked", base.FromUnlocked(), Unlocked},
			{"light", base.FromLightLock(1, 1), LightLocked},
			{"light-max-thread", base.FromLightLock(MaxThreadID, 1), LightLocked},
			{"heavy", base.FromHeavyLock(0), HeavyLocked},
			{"heavy-max", base.FromHeavyLock(MaxMonitorID), HeavyLocked},
			{"forwarded", base.FromForwarding(ForwardingAlignment * 3), Gc},
		} {
			t.Run(fmt.Sprintf("%s/%v", tc.name, flags), func(t *testing.T) {
				if got := tc.w.State(); got != tc.want {
					t.Errorf("got state %v, want %v", got, tc.want)
				}
				if got, want := tc.w&preservedBits, flags; got != want {
					t.Errorf("got flags %#x, want %#x", got, want)
				}
			})
		}
	}
}

func TestLightLockFields(t *testing.T) {
	for _, tc := range []struct {
		tid, count uint32
	}{
		{1, 1},
		{7, 2},
		{MaxThreadID, MaxLockCount - 1},
		{MaxThreadID / 2, MaxLockCount / 2},
	} {
		w := ReadBarrierBit.FromLightLock(tc.tid, tc.count)
		if got := w.ThreadID(); got != tc.tid {
			t.Errorf("FromLightLock(%d, %d).ThreadID() = %d", tc.tid, tc.count, got)
		}
		if got := w.LockCount(); got != tc.count {
			t.Errorf("FromLightLock(%d, %d).LockCount() = %d", tc.tid, tc.count, got)
		}
		if !w.ReadBarrier() || w.MarkedForGC() {
			t.Errorf("FromLightLock(%d, %d) lost flags: %v", tc.tid, tc.count, w)
		}
	}
}

func TestHeavyLockFields(t *testing.T) {
	for _, id := range []uint32{0, 1, 12345, MaxMonitorID} {
		w := GCMarkBit.FromLightLock(3, 3).FromHeavyLock(id)
		if got := w.MonitorID(); got != id {
			t.Errorf("FromHeavyLock(%d).MonitorID() = %d", id, got)
		}
		if !w.MarkedForGC() {
			t.Errorf("FromHeavyLock(%d) lost gc mark: %v", id, w)
		}
		if got := w.FromUnlocked(); got != GCMarkBit {
			t.Errorf("FromUnlocked() = %v, want %v", got, GCMarkBit)
		}
	}
}

func TestHashedFields(t *testing.T) {
	if !HashInHeader {
		t.Skip("identity hash is stored outside the lock word")
	}
	for _, hash := range []uint32{1, 0xabcdef, HashMask} {
		w := Word(0).FromHash(hash)
		if got := w.State(); got != Hashed {
			t.Errorf("FromHash(%#x).State() = %v", hash, got)
		}
		if got := w.Hash(); got != hash {
			t.Errorf("FromHash(%#x).Hash() = %#x", hash, got)
		}
	}
}

func TestForwardingAddress(t *testing.T) {
	addr := uint32(ForwardingAlignment * 1000)
	w := (GCMarkBit | ReadBarrierBit).FromForwarding(addr)
	if got := w.ForwardingAddress(); got != addr {
		t.Errorf("got forwarding address %#x, want %#x", got, addr)
	}
	if !w.MarkedForGC() || !w.ReadBarrier() {
		t.Errorf("forwarding lost flags: %v", w)
	}
}

func TestMisalignedForwardingIsFatal(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("FromForwarding accepted a misaligned address")
		}
	}()
	Word(0).FromForwarding(ForwardingAlignment + 1)
}

func TestString(t *testing.T) {
	for _, tc := range []struct {
		w    Word
		want string
	}{
		{Word(0), "Unlocked"},
		{Word(0).FromLightLock(2, 5), "LightLocked(tid=2, count=5)"},
		{GCMarkBit.FromHeavyLock(9), "HeavyLocked(monitor=9)|gc"},
		{ReadBarrierBit.FromUnlocked(), "Unlocked|rb"},
	} {
		if got := tc.w.String(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
	}
}

func TestLayoutCoversWord(t *testing.T) {
	var used uint64
	for _, f := range Layout() {
		if f.Shift+f.Size > Bits {
			t.Errorf("field %s overflows the word: %+v", f.Name, f)
		}
		used |= (1<<f.Size - 1) << f.Shift
	}
	if got, want := used, uint64(1<<Bits-1); got != want {
		t.Errorf("layout covers %#x, want %#x", got, want)
	}
	names := make([]string, 0, 4)
	for _, f := range Layout()[:3] {
		names = append(names, f.Name)
	}
	if diff := cmp.Diff([]string{"state", "gc-mark", "read-barrier"}, names); diff != "" {
		t.Errorf("unexpected leading fields (-want +got):\n%s", diff)
	}
}

func TestHeaderCompareAndSwap(t *testing.T) {
	var h Header
	old := h.Load()
	if old.State() != Unlocked {
		t.Fatalf("zero header is %v, want Unlocked", old)
	}
	locked := old.FromLightLock(1, 1)
	if !h.CompareAndSwap(old, locked) {
		t.Fatalf("CompareAndSwap failed on unchanged word")
	}
	// A flag flip alone must make a stale comparand fail.
	h.SetMarkedForGC()
	if h.CompareAndSwap(locked, locked.FromUnlocked()) {
		t.Fatalf("CompareAndSwap succeeded with a stale comparand")
	}
	if got := h.Load(); got != locked.SetMarkedForGC() {
		t.Errorf("got %v, want %v", got, locked.SetMarkedForGC())
	}
}

// TestFlagLoopsRaceWithStateChanges flips flags while other goroutines cycle
// the state, and checks that neither kind of update is lost.
func TestFlagLoopsRaceWithStateChanges(t *testing.T) {
	runtime.GOMAXPROCS(8)
	var h Header
	const iters = 10000
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < iters; i++ {
			for {
				old := h.Load()
				var next Word
				if old.State() == Unlocked {
					next = old.FromLightLock(1, 1)
				} else {
					next = old.FromUnlocked()
				}
				if h.CompareAndSwap(old, next) {
					break
				}
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iters; i++ {
			h.SetReadBarrier()
			h.ClearReadBarrier()
		}
		h.SetMarkedForGC()
	}()
	wg.Wait()

	w := h.Load()
	if w.State() != Unlocked {
		t.Errorf("got state %v after an even number of transitions, want Unlocked", w.State())
	}
	if !w.MarkedForGC() || w.ReadBarrier() {
		t.Errorf("flags lost or leaked: %v", w)
	}
}

func TestForward(t *testing.T) {
	var h Header
	h.Init(Word(0).FromLightLock(4, 2))
	old, ok := h.Forward(ForwardingAlignment * 8)
	if !ok {
		t.Fatalf("Forward failed")
	}
	if got, want := old, Word(0).FromLightLock(4, 2); got != want {
		t.Errorf("got old word %v, want %v", got, want)
	}
	if _, ok := h.Forward(ForwardingAlignment * 16); ok {
		t.Errorf("Forward succeeded twice")
	}
	if got := h.Load().ForwardingAddress(); got != ForwardingAlignment*8 {
		t.Errorf("got forwarding address %#x", got)
	}
}

func TestExternalHash(t *testing.T) {
	var h Header
	if got := h.ExternalHash(); got != 0 {
		t.Fatalf("got hash %#x on new header", got)
	}
	if got := h.SetExternalHashIfAbsent(42); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	if got := h.SetExternalHashIfAbsent(43); got != 42 {
		t.Errorf("second assignment returned %d, want 42", got)
	}
	if !HashInHeader && h.ExternalHash() != 42 {
		t.Errorf("got ExternalHash() = %d, want 42", h.ExternalHash())
	}
}
