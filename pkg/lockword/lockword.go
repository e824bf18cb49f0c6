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

// Package lockword implements the packed lock word stored in every object
// header, and the header that holds it.
//
// A lock word is one 32-bit value shared by the lock protocol and the
// collector. Its layout is a contract between the two (version LayoutVersion):
//
//	bit   0-1   state tag: 00 unlocked or light locked, 01 heavy locked,
//	            10 hashed, 11 gc (forwarding)
//	bit   2     marked for gc
//	bit   3     read barrier active
//	bit   4     hash status (objsync_hash_external builds only)
//	bits  4..31 or 5..31   payload
//
// The payload is interpreted according to the state:
//
//	unlocked       zero
//	light locked   lock count (low LockCountSize bits) and owner thread id
//	heavy locked   monitor id
//	hashed         identity hash
//	gc             forwarding address, stored in place
//
// Words are plain values. All changes to a live word go through
// Header.CompareAndSwap with the full observed word as comparand.
package lockword

import (
	"fmt"
	"strings"

	"gvisor.dev/objsync/pkg/log"
)

// Word is a packed lock word.
type Word uint32

// State is the decoded state of a Word.
type State uint8

// Possible states.
const (
	Unlocked State = iota
	LightLocked
	HeavyLocked
	Hashed
	Gc
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "Unlocked"
	case LightLocked:
		return "LightLocked"
	case HeavyLocked:
		return "HeavyLocked"
	case Hashed:
		return "Hashed"
	case Gc:
		return "Gc"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// LayoutVersion identifies the bit layout documented in the package comment.
// It must change whenever a field moves.
const LayoutVersion = 1

// Layout constants.
const (
	// Bits is the width of a lock word.
	Bits = 32

	// StatusSize is the width of the state tag.
	StatusSize = 2

	// GCStatusSize is the width of the gc mark flag.
	GCStatusSize = 1

	// RBStatusSize is the width of the read barrier flag.
	RBStatusSize = 1

	// HashStatusSize is the width of the hash status flag. It is zero
	// when the identity hash is kept in the lock word.
	HashStatusSize = hashStatusSize

	// PayloadSize is the number of state dependent bits.
	PayloadSize = Bits - StatusSize - GCStatusSize - RBStatusSize - HashStatusSize

	// PayloadShift is the position of the lowest payload bit.
	PayloadShift = Bits - PayloadSize

	payloadMask        = 1<<PayloadSize - 1
	payloadMaskInPlace = payloadMask << PayloadShift

	// ThreadIDSize is the width of the owner thread id of a light lock.
	ThreadIDSize = 13

	// LockCountSize is the width of the recursion count of a light lock.
	LockCountSize = PayloadSize - ThreadIDSize

	// LockCountShift is the position of the light lock recursion count.
	LockCountShift = PayloadShift

	lockCountMask = 1<<LockCountSize - 1

	// MaxLockCount is the recursion count at which a light lock must be
	// inflated. Counts are always strictly below it.
	MaxLockCount = lockCountMask

	// ThreadIDShift is the position of the light lock owner.
	ThreadIDShift = LockCountShift + LockCountSize

	threadIDMask = 1<<ThreadIDSize - 1

	// MaxThreadID is the largest thread id a light lock can record.
	MaxThreadID = threadIDMask

	// MonitorIDShift is the position of the monitor id.
	MonitorIDShift = PayloadShift

	// MaxMonitorID is the largest monitor id a heavy lock can record.
	MaxMonitorID = payloadMask

	// HashSize is the width of an identity hash stored in the word.
	HashSize = PayloadSize

	// HashShift is the position of the identity hash.
	HashShift = PayloadShift

	// HashMask is the mask applied to generated identity hashes.
	HashMask = 1<<HashSize - 1

	// ForwardingAlignment is the required alignment of forwarding
	// addresses, which are stored in place.
	ForwardingAlignment = 1 << PayloadShift

	statusMask      = 1<<StatusSize - 1
	statusUnlocked  = 0
	statusHeavy     = 1
	statusHashed    = 2
	statusGC        = 3
	gcStatusShift   = StatusSize
	rbStatusShift   = StatusSize + GCStatusSize
	hashStatusShift = StatusSize + GCStatusSize + RBStatusSize

	// GCMarkBit is the gc mark flag.
	GCMarkBit Word = 1 << gcStatusShift

	// ReadBarrierBit is the read barrier flag.
	ReadBarrierBit Word = 1 << rbStatusShift

	// HashStatusBit is set once an object has an identity hash stored
	// outside the lock word. It is zero in builds that keep the hash in
	// the word.
	HashStatusBit Word = (1<<HashStatusSize - 1) << hashStatusShift

	// preservedBits survive every state transition.
	preservedBits = GCMarkBit | ReadBarrierBit | HashStatusBit
)

// State returns the decoded state of w.
func (w Word) State() State {
	switch w & statusMask {
	case statusUnlocked:
		if w&payloadMaskInPlace == 0 {
			return Unlocked
		}
		return LightLocked
	case statusHeavy:
		return HeavyLocked
	case statusHashed:
		return Hashed
	default:
		return Gc
	}
}

// ThreadID returns the owner of a light lock.
func (w Word) ThreadID() uint32 {
	return uint32(w>>ThreadIDShift) & threadIDMask
}

// LockCount returns the recursion count of a light lock.
func (w Word) LockCount() uint32 {
	return uint32(w>>LockCountShift) & lockCountMask
}

// MonitorID returns the monitor id of a heavy lock.
func (w Word) MonitorID() uint32 {
	return uint32(w>>MonitorIDShift) & payloadMask
}

// Hash returns the identity hash stored in a hashed word.
func (w Word) Hash() uint32 {
	if !HashInHeader {
		log.Fatalf("lock word %#x: identity hash is not stored in the lock word", uint32(w))
	}
	return uint32(w>>HashShift) & HashMask
}

// ForwardingAddress returns the forwarding address stored in a gc word.
func (w Word) ForwardingAddress() uint32 {
	return uint32(w) & payloadMaskInPlace
}

// MarkedForGC returns the gc mark flag.
func (w Word) MarkedForGC() bool {
	return w&GCMarkBit != 0
}

// ReadBarrier returns the read barrier flag.
func (w Word) ReadBarrier() bool {
	return w&ReadBarrierBit != 0
}

// HasExternalHash returns true if the object has an identity hash stored
// outside the lock word.
func (w Word) HasExternalHash() bool {
	return w&HashStatusBit != 0
}

func (w Word) with(status, payload Word) Word {
	return w&preservedBits | payload | status
}

// FromLightLock returns w in the light locked state owned by tid with the
// given recursion count. count must be in [1, MaxLockCount).
func (w Word) FromLightLock(tid, count uint32) Word {
	payload := Word(tid&threadIDMask)<<ThreadIDShift | Word(count&lockCountMask)<<LockCountShift
	return w.with(statusUnlocked, payload)
}

// FromHeavyLock returns w in the heavy locked state referencing monitor id.
func (w Word) FromHeavyLock(id uint32) Word {
	return w.with(statusHeavy, Word(id&payloadMask)<<MonitorIDShift)
}

// FromHash returns w in the hashed state with the given identity hash.
func (w Word) FromHash(hash uint32) Word {
	if !HashInHeader {
		log.Fatalf("lock word %#x: hashed state is unavailable when the identity hash is stored outside the lock word", uint32(w))
	}
	return w.with(statusHashed, Word(hash&HashMask)<<HashShift)
}

// FromUnlocked returns w in the unlocked state.
func (w Word) FromUnlocked() Word {
	return w.with(statusUnlocked, 0)
}

// FromForwarding returns w in the gc state pointing at addr, which must be
// a multiple of ForwardingAlignment that fits in the word.
func (w Word) FromForwarding(addr uint32) Word {
	if addr&^payloadMaskInPlace != 0 {
		log.Fatalf("forwarding address %#x is not representable in a lock word", addr)
	}
	return w.with(statusGC, Word(addr))
}

// SetMarkedForGC returns w with the gc mark flag set.
func (w Word) SetMarkedForGC() Word { return w | GCMarkBit }

// ClearMarkedForGC returns w with the gc mark flag cleared.
func (w Word) ClearMarkedForGC() Word { return w &^ GCMarkBit }

// SetReadBarrier returns w with the read barrier flag set.
func (w Word) SetReadBarrier() Word { return w | ReadBarrierBit }

// ClearReadBarrier returns w with the read barrier flag cleared.
func (w Word) ClearReadBarrier() Word { return w &^ ReadBarrierBit }

// String implements fmt.Stringer.
func (w Word) String() string {
	var b strings.Builder
	switch s := w.State(); s {
	case LightLocked:
		fmt.Fprintf(&b, "LightLocked(tid=%d, count=%d)", w.ThreadID(), w.LockCount())
	case HeavyLocked:
		fmt.Fprintf(&b, "HeavyLocked(monitor=%d)", w.MonitorID())
	case Hashed:
		fmt.Fprintf(&b, "Hashed(%#x)", w.Hash())
	case Gc:
		fmt.Fprintf(&b, "Gc(forward=%#x)", w.ForwardingAddress())
	default:
		b.WriteString(s.String())
	}
	if w.MarkedForGC() {
		b.WriteString("|gc")
	}
	if w.ReadBarrier() {
		b.WriteString("|rb")
	}
	if w.HasExternalHash() {
		b.WriteString("|hash")
	}
	return b.String()
}

// Field describes one field of the lock word layout.
type Field struct {
	Name  string
	Shift int
	Size  int
}

// Layout returns the fields of the lock word, lowest bits first. Fields of
// different states overlap.
func Layout() []Field {
	fields := []Field{
		{Name: "state", Shift: 0, Size: StatusSize},
		{Name: "gc-mark", Shift: gcStatusShift, Size: GCStatusSize},
		{Name: "read-barrier", Shift: rbStatusShift, Size: RBStatusSize},
	}
	if HashStatusSize != 0 {
		fields = append(fields, Field{Name: "hash-status", Shift: hashStatusShift, Size: HashStatusSize})
	}
	fields = append(fields,
		Field{Name: "light.count", Shift: LockCountShift, Size: LockCountSize},
		Field{Name: "light.thread-id", Shift: ThreadIDShift, Size: ThreadIDSize},
		Field{Name: "heavy.monitor-id", Shift: MonitorIDShift, Size: PayloadSize},
	)
	if HashInHeader {
		fields = append(fields, Field{Name: "hashed.hash", Shift: HashShift, Size: HashSize})
	}
	fields = append(fields, Field{Name: "gc.forwarding-address", Shift: PayloadShift, Size: PayloadSize})
	return fields
}
