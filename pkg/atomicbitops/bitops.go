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

package atomicbitops

import (
	"sync/atomic"
)

// OrUint32 atomically applies bitwise or operation to u with val and returns
// the previous value.
func OrUint32(u *Uint32, val uint32) uint32 {
	return UpdateUint32(u, func(o uint32) uint32 { return o | val })
}

// AndUint32 atomically applies bitwise and operation to u with val and
// returns the previous value.
func AndUint32(u *Uint32, val uint32) uint32 {
	return UpdateUint32(u, func(o uint32) uint32 { return o & val })
}

// UpdateUint32 atomically replaces the value v stored in u with f(v),
// retrying until no other writer intervenes between the load and the
// compare-and-swap. It returns the value f was last applied to.
//
// f may be called more than once and must not have side effects.
func UpdateUint32(u *Uint32, f func(uint32) uint32) uint32 {
	for {
		o := atomic.LoadUint32(u.ptr())
		if atomic.CompareAndSwapUint32(u.ptr(), o, f(o)) {
			return o
		}
	}
}

// CompareAndSwapUint32 is like Uint32.CompareAndSwap, but returns the value
// previously stored in u. The swap happened iff the returned value is old.
func CompareAndSwapUint32(u *Uint32, old, new uint32) (prev uint32) {
	for {
		prev = atomic.LoadUint32(u.ptr())
		if prev != old {
			return
		}
		if atomic.CompareAndSwapUint32(u.ptr(), old, new) {
			return
		}
	}
}

// IncUnlessZeroInt32 increments the value stored in i and returns true;
// unless the value stored is zero, in which case it is left unmodified and
// false is returned.
func IncUnlessZeroInt32(i *Int32) bool {
	for {
		v := i.Load()
		if v == 0 {
			return false
		}
		if i.CompareAndSwap(v, v+1) {
			return true
		}
	}
}
