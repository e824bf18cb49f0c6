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
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/objsync/pkg/atomicbitops"
	"gvisor.dev/objsync/pkg/ilist"
	"gvisor.dev/objsync/pkg/lockword"
	"gvisor.dev/objsync/pkg/log"
	"gvisor.dev/objsync/pkg/sync"
	"gvisor.dev/objsync/pkg/thread"
	"gvisor.dev/objsync/pkg/tmutex"
)

// Monitor is the heavyweight lock of an object whose lock word is
// HeavyLocked. It supports recursive ownership, blocking acquisition and
// wait/notify.
//
// Waiting threads sit on one of two FIFO queues. waiters holds threads that
// have not been notified; toWakeup holds notified threads that will be
// signalled, one per full release. Every wait gets a sequence number from
// waitSeq, and notifications always move a prefix of waiters, so a queued
// thread is on toWakeup iff its sequence number is at most notifiedSeq.
type Monitor struct {
	id    uint32
	table *Table

	// obj is the object the monitor represents. The collector updates it
	// when the object moves.
	obj atomic.Pointer[lockword.Header]

	owner atomic.Pointer[thread.Thread]

	// recursion is only accessed by the owner.
	recursion uint64

	mu tmutex.Mutex

	// hash is the identity hash carried by the monitor, or zero.
	hash atomicbitops.Uint32

	// waitersCounter counts threads blocked in Acquire or Wait. A monitor
	// with waiters is never deflated.
	waitersCounter atomicbitops.Int32

	// The following fields are protected by mu.
	waiters     ilist.List[*thread.Thread]
	toWakeup    ilist.List[*thread.Thread]
	waitSeq     uint64
	notifiedSeq uint64

	// dead is set by deflation. A thread that acquires a dead monitor
	// must release it and start over from the lock word.
	dead bool
}

func newMonitor(id uint32, table *Table, obj *lockword.Header) *Monitor {
	m := &Monitor{
		id:    id,
		table: table,
	}
	m.mu.Init()
	m.obj.Store(obj)
	return m
}

// ID returns the monitor id stored in lock words.
func (m *Monitor) ID() uint32 {
	return m.id
}

// String implements fmt.Stringer.
func (m *Monitor) String() string {
	return fmt.Sprintf("monitor %d", m.id)
}

// Object returns the object the monitor represents.
func (m *Monitor) Object() *lockword.Header {
	return m.obj.Load()
}

// SetObject changes the object the monitor represents. It is called by the
// collector when the object moves.
func (m *Monitor) SetObject(obj *lockword.Header) {
	m.obj.Store(obj)
}

// Owner returns the owning thread, or nil.
func (m *Monitor) Owner() *thread.Thread {
	return m.owner.Load()
}

// RecursionCount returns the number of times the owner entered the monitor.
//
// Preconditions: the caller owns m.
func (m *Monitor) RecursionCount() uint64 {
	return m.recursion
}

// WaiterCount returns the number of threads blocked acquiring or waiting on
// the monitor.
func (m *Monitor) WaiterCount() int32 {
	return m.waitersCounter.Load()
}

// HashCode returns the identity hash carried by the monitor, or zero.
func (m *Monitor) HashCode() uint32 {
	return m.hash.Load()
}

// HasHashCode returns whether the monitor carries an identity hash.
func (m *Monitor) HasHashCode() bool {
	return m.hash.Load() != 0
}

// SetHashCode sets the identity hash carried by the monitor unless one is
// already set, and returns the hash the monitor carries.
func (m *Monitor) SetHashCode(hash uint32) uint32 {
	if m.hash.CompareAndSwap(0, hash) {
		return hash
	}
	log.Debugf("%v already carries identity hash %#x", m, m.hash.Load())
	return m.hash.Load()
}

// Acquire acquires the monitor for t. If t already owns it, the recursion
// count is incremented. If tryOnly is set, Acquire fails instead of
// blocking.
func (m *Monitor) Acquire(t *thread.Thread, obj *lockword.Header, tryOnly bool) bool {
	if m.owner.Load() == t {
		m.recursion++
		return true
	}

	if tryOnly {
		if !m.mu.TryLock() {
			return false
		}
	} else {
		spinner := m.table.spinner()
		if !m.mu.TryLockWithSpinning(&spinner) {
			m.lockContended(t, obj)
		}
	}

	m.owner.Store(t)
	m.recursion = 1
	t.AddMonitor(m)
	return true
}

// lockContended blocks t until it holds mu.
func (m *Monitor) lockContended(t *thread.Thread, obj *lockword.Header) {
	listener := m.table.listener
	listener.MonitorContendedEnter(t, obj)
	contendedEnters.Increment()
	m.waitersCounter.Add(1)

	op := contendedAcquireLatency.Start()
	old := t.SetStatus(thread.Blocked)
	m.mu.Lock()
	t.SetStatus(old)
	op.Finish()

	m.waitersCounter.Add(-1)
	listener.MonitorContendedEntered(t, obj)
}

// Release releases one level of recursion held by t. It returns false if t
// does not own the monitor. When the last level is released, the first
// notified waiter, if any, is woken up.
func (m *Monitor) Release(t *thread.Thread) bool {
	if m.owner.Load() != t {
		log.Debugf("%v released %v owned by %v", t, m, m.owner.Load())
		return false
	}
	m.recursion--
	if m.recursion != 0 {
		return true
	}

	m.owner.Store(nil)
	t.RemoveMonitor(m)
	if w := m.toWakeup.PopFront(); w != nil {
		w.SetWaitSeq(0)
		// Signal under mu: a waiter that has already given up and left
		// the monitor could otherwise receive it in its next wait.
		if w.WaitingOn() == thread.Lock(m) {
			w.Signal()
		}
	}
	m.mu.Unlock()
	return true
}

// ReleaseFor implements thread.Lock.ReleaseFor.
func (m *Monitor) ReleaseFor(t *thread.Thread) bool {
	return m.Release(t)
}

// Wait releases the monitor, blocks t under status until it is notified,
// interrupted or the timeout of ms milliseconds and ns nanoseconds expires,
// and reacquires the monitor with its previous recursion count. A zero
// timeout waits indefinitely.
//
// Wait returns Illegal if t does not own the monitor, and Interrupted if t is
// interrupted, unless ignoreInterruption is set.
func (m *Monitor) Wait(t *thread.Thread, status thread.Status, ms int64, ns int32, ignoreInterruption bool) Result {
	if m.owner.Load() != t {
		illegalOperations.Increment("wait")
		return Illegal
	}
	obj := m.Object()
	timeout := time.Duration(ms)*time.Millisecond + time.Duration(ns)

	t.LockWait()
	if !ignoreInterruption && t.InterruptedLocked() {
		t.UnlockWait()
		return Interrupted
	}
	recursion := m.recursion
	m.waitSeq++
	t.SetWaitSeq(m.waitSeq)
	t.SetWaitingOn(m)
	m.waiters.PushBack(t)
	m.waitersCounter.Add(1)
	m.recursion = 1
	m.Release(t)
	t.UnlockWait()

	m.table.listener.MonitorWait(t, obj, int64(timeout))
	timedOut := t.Block(status, timeout)

	m.Acquire(t, m.Object(), false)
	m.waitersCounter.Add(-1)
	m.recursion = recursion

	// A thread that timed out or was interrupted may still be queued.
	switch seq := t.WaitSeq(); {
	case seq == 0:
	case seq <= m.notifiedSeq:
		m.toWakeup.Remove(t)
	default:
		m.waiters.Remove(t)
	}
	t.SetWaitSeq(0)
	t.SetWaitingOn(nil)

	m.table.listener.MonitorWaited(t, m.Object(), timedOut)
	if !ignoreInterruption && t.IsInterrupted() {
		return Interrupted
	}
	return OK
}

// Notify moves the longest waiting thread, if any, to the wakeup queue. It
// returns Illegal if t does not own the monitor.
func (m *Monitor) Notify(t *thread.Thread) Result {
	if m.owner.Load() != t {
		illegalOperations.Increment("notify")
		return Illegal
	}
	if w := m.waiters.PopFront(); w != nil {
		m.notifiedSeq = w.WaitSeq()
		m.toWakeup.PushBack(w)
	}
	return OK
}

// NotifyAll moves every waiting thread to the wakeup queue. It returns
// Illegal if t does not own the monitor.
func (m *Monitor) NotifyAll(t *thread.Thread) Result {
	if m.owner.Load() != t {
		illegalOperations.Increment("notify")
		return Illegal
	}
	if !m.waiters.Empty() {
		m.notifiedSeq = m.waitSeq
		m.toWakeup.PushBackList(&m.waiters)
	}
	return OK
}

// InitWithOwner makes t the owner of a monitor that has not been published
// in a lock word yet. t need not be the calling thread.
func (m *Monitor) InitWithOwner(t *thread.Thread) {
	// Only a deflation sweep can hold mu here, and only briefly.
	m.mu.Lock()
	m.owner.Store(t)
	m.recursion = 1
}

// ReleaseOnFailedInflate undoes InitWithOwner after the monitor could not be
// published.
func (m *Monitor) ReleaseOnFailedInflate(t *thread.Thread) {
	if m.owner.Load() != t {
		log.Fatalf("%v released %v after failed inflation but does not own it", t, m)
	}
	m.recursion = 0
	m.owner.Store(nil)
	m.mu.Unlock()
}

// live reports whether m still represents obj.
//
// Preconditions: the caller owns m.
func (m *Monitor) live(obj *lockword.Header) bool {
	return !m.dead && m.Object() == obj
}

// deflate converts the lock word of the monitor's object back to a hashed or
// unlocked word. It fails if the monitor is owned, has waiters or the word
// no longer refers to it. On success the monitor is dead and must be freed
// by the caller.
func (m *Monitor) deflate() bool {
	if m.owner.Load() != nil || m.waitersCounter.Load() != 0 {
		return false
	}
	if !m.mu.TryLock() {
		return false
	}
	defer m.mu.Unlock()
	// Recheck under mu: acquirers increment the counter before blocking.
	if m.owner.Load() != nil || m.waitersCounter.Load() != 0 || m.dead {
		return false
	}

	obj := m.Object()
	for {
		old := obj.Load()
		if old.State() != lockword.HeavyLocked || old.MonitorID() != m.id {
			// Not published, or already moved away.
			return false
		}
		var new lockword.Word
		if lockword.HashInHeader && m.HasHashCode() {
			new = old.FromHash(m.HashCode())
		} else {
			new = old.FromUnlocked()
		}
		if obj.CompareAndSwap(old, new) {
			break
		}
		// Only the gc and read barrier flags can have changed.
	}
	m.dead = true
	return true
}

// spinner returns the spin budget for acquiring a monitor.
func (tb *Table) spinner() sync.Spinner {
	return sync.Spinner{Iterations: tb.spinIterations, YieldAfter: tb.yieldAfter}
}
