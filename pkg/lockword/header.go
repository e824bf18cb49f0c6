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
	"gvisor.dev/objsync/pkg/atomicbitops"
)

// Header is the synchronization part of an object header. Objects embed it,
// and the lock protocol and the collector address objects through it.
//
// The zero value is an unlocked object without an identity hash.
type Header struct {
	word atomicbitops.Uint32

	// hash is the identity hash in builds where it is not kept in the
	// lock word. It is published by setting HashStatusBit in the word.
	hash atomicbitops.Uint32
}

// Load atomically reads the lock word.
func (h *Header) Load() Word {
	return Word(h.word.Load())
}

// CompareAndSwap atomically replaces the lock word with new if it is still
// equal to old, flags included. A false return means another thread changed
// the word; callers must re-read it and redo their decision.
func (h *Header) CompareAndSwap(old, new Word) bool {
	return h.word.CompareAndSwap(uint32(old), uint32(new))
}

// Init sets the lock word of an object that is not yet visible to other
// threads, for example the new copy of an object being moved.
func (h *Header) Init(w Word) {
	h.word.Store(uint32(w))
}

// SetMarkedForGC atomically sets the gc mark flag, whatever the state.
func (h *Header) SetMarkedForGC() {
	atomicbitops.OrUint32(&h.word, uint32(GCMarkBit))
}

// ClearMarkedForGC atomically clears the gc mark flag, whatever the state.
func (h *Header) ClearMarkedForGC() {
	atomicbitops.AndUint32(&h.word, ^uint32(GCMarkBit))
}

// SetReadBarrier atomically sets the read barrier flag, whatever the state.
func (h *Header) SetReadBarrier() {
	atomicbitops.OrUint32(&h.word, uint32(ReadBarrierBit))
}

// ClearReadBarrier atomically clears the read barrier flag, whatever the
// state.
func (h *Header) ClearReadBarrier() {
	atomicbitops.AndUint32(&h.word, ^uint32(ReadBarrierBit))
}

// Forward moves the word to the gc state pointing at addr and returns the
// word it replaced, which the collector installs in the new copy with Init.
// It returns false if the object was already forwarded.
//
// Only the collector calls Forward, while no thread can be mutating the
// object's lock state.
func (h *Header) Forward(addr uint32) (Word, bool) {
	for {
		old := h.Load()
		if old.State() == Gc {
			return old, false
		}
		if h.CompareAndSwap(old, old.FromForwarding(addr)) {
			return old, true
		}
	}
}

// ExternalHash returns the identity hash stored outside the lock word, or
// zero if none was assigned.
func (h *Header) ExternalHash() uint32 {
	if !h.Load().HasExternalHash() {
		return 0
	}
	return h.hash.Load()
}

// SetExternalHashIfAbsent assigns hash as the identity hash stored outside
// the lock word unless one is already assigned, and returns the assigned
// hash. hash must not be zero.
func (h *Header) SetExternalHashIfAbsent(hash uint32) uint32 {
	h.hash.CompareAndSwap(0, hash)
	atomicbitops.OrUint32(&h.word, uint32(HashStatusBit))
	return h.hash.Load()
}
