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

// Package tmutex provides the implementation of a mutex that implements an
// efficient TryLock function in addition to Lock and Unlock.
//
// Unlike sync.Mutex, a Mutex is not associated with the goroutine that locked
// it, so one thread may acquire it on behalf of another and the other may
// later release it. Heavyweight object monitors rely on this when a lock is
// inflated by a thread other than its owner.
package tmutex

import (
	"gvisor.dev/objsync/pkg/atomicbitops"
	"gvisor.dev/objsync/pkg/sync"
)

// Mutex is a mutual exclusion primitive that implements TryLock in addition
// to Lock and Unlock.
//
// v is 1 when the mutex is free, 0 when it is held without waiters and
// negative when it is held and may be contended.
type Mutex struct {
	v  atomicbitops.Int32
	ch chan struct{}
}

// Init initializes the mutex.
func (m *Mutex) Init() {
	m.v.Store(1)
	m.ch = make(chan struct{}, 1)
}

// Lock acquires the mutex. If it is currently held by another goroutine, Lock
// will wait until it has a chance to acquire it.
func (m *Mutex) Lock() {
	// Uncontended case.
	if m.v.Add(-1) == 0 {
		return
	}

	for {
		// Try to acquire the mutex again, at the same time making sure
		// that m.v is negative, which indicates to the owner of the
		// lock that it is contended, which will force it to try to wake
		// someone up when it releases the mutex.
		if v := m.v.Load(); v >= 0 && m.v.Swap(-1) == 1 {
			return
		}

		// Wait for the mutex to be released before trying again.
		<-m.ch
	}
}

// TryLock attempts to acquire the mutex without blocking. If the mutex is
// currently held by another goroutine, it fails to acquire it and returns
// false.
func (m *Mutex) TryLock() bool {
	v := m.v.Load()
	if v <= 0 {
		return false
	}
	return m.v.CompareAndSwap(1, 0)
}

// TryLockWithSpinning is like TryLock, but retries for the budget of s
// before giving up. A nil s uses the default spin budget.
func (m *Mutex) TryLockWithSpinning(s *sync.Spinner) bool {
	if s == nil {
		s = &sync.Spinner{}
	}
	for {
		if m.TryLock() {
			return true
		}
		if !s.Spin() {
			return false
		}
	}
}

// Held returns true if the mutex is currently held. The result is advisory:
// it may be stale by the time the caller looks at it.
func (m *Mutex) Held() bool {
	return m.v.Load() != 1
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	if m.v.Swap(1) == 0 {
		// There were no pending waiters.
		return
	}

	// Wake some waiter up.
	select {
	case m.ch <- struct{}{}:
	default:
	}
}
