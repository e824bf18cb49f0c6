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

// Package thread provides logical threads as seen by the object
// synchronization layer.
//
// A logical thread is the unit that owns locks. It is bound to one goroutine
// at a time; all methods that change the thread's own state (status, waiting,
// the locked-object stack) must be called from that goroutine unless stated
// otherwise. Other threads interact with it through Interrupt, Signal and the
// Manager's suspension protocol.
package thread

import (
	"fmt"
	"runtime"
	"time"

	"gvisor.dev/objsync/pkg/atomicbitops"
	"gvisor.dev/objsync/pkg/ilist"
	"gvisor.dev/objsync/pkg/lockword"
	"gvisor.dev/objsync/pkg/log"
	"gvisor.dev/objsync/pkg/sync"
)

// ID is the logical thread id stored in light-locked words. Valid ids are in
// [1, lockword.MaxThreadID].
type ID uint32

// NoID is the id of no thread.
const NoID ID = 0

// Status is the scheduling status of a logical thread.
type Status uint32

// Thread statuses.
const (
	Created Status = iota
	Running
	Blocked
	Waiting
	TimedWaiting
	Sleeping
	Suspended
	CompilerWaiting
	WaitingInflation
	Native
	Terminating
	Finished
)

var statusNames = [...]string{
	Created:          "Created",
	Running:          "Running",
	Blocked:          "Blocked",
	Waiting:          "Waiting",
	TimedWaiting:     "TimedWaiting",
	Sleeping:         "Sleeping",
	Suspended:        "Suspended",
	CompilerWaiting:  "CompilerWaiting",
	WaitingInflation: "WaitingInflation",
	Native:           "Native",
	Terminating:      "Terminating",
	Finished:         "Finished",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint32(s))
}

// Lock is a heavyweight lock that a thread may hold. Threads track the locks
// they hold so that they can be released when a thread terminates without
// unlocking them.
type Lock interface {
	// ReleaseFor releases one level of recursion held by t. It returns
	// false if t does not own the lock.
	ReleaseFor(t *Thread) bool
}

// Thread is a logical thread.
//
// Thread embeds an ilist.Entry so that it can sit on a monitor's wait queue
// without allocation. A thread is on at most one wait queue at a time, and
// the queue links, WaitSeq and WaitingOn are protected by the mutex of the
// monitor whose queue the thread is on.
type Thread struct {
	ilist.Entry[*Thread]

	id  ID
	mgr *Manager

	// osTID is the host thread id the thread was attached to, or zero.
	osTID atomicbitops.Int32

	// status is a Status. It is only changed by the thread itself, under
	// suspendMu.
	status atomicbitops.Uint32

	suspendMu    sync.Mutex
	resumeCond   sync.Cond
	suspendCount int // protected by suspendMu

	// suspendRequested mirrors suspendCount > 0 for SafepointPoll.
	suspendRequested atomicbitops.Bool

	// waitMu serializes interruption with a waiter's interruption check.
	waitMu      sync.Mutex
	interrupted bool // protected by waitMu

	// wakeup carries at most one pending wakeup; a signal sent between
	// a waiter releasing its monitor and blocking is never lost.
	wakeup chan struct{}

	waitSeq   uint64
	waitingOn Lock

	monitorsMu sync.Mutex
	monitors   map[Lock]struct{} // protected by monitorsMu

	// lockedObjects is only accessed by the thread itself.
	lockedObjects []*lockword.Header
}

func newThread(id ID, mgr *Manager) *Thread {
	t := &Thread{
		id:       id,
		mgr:      mgr,
		wakeup:   make(chan struct{}, 1),
		monitors: make(map[Lock]struct{}),
	}
	t.resumeCond.L = &t.suspendMu
	t.status.Store(uint32(Created))
	return t
}

// ID returns the thread's id.
func (t *Thread) ID() ID {
	return t.id
}

// String implements fmt.Stringer.
func (t *Thread) String() string {
	return fmt.Sprintf("thread %d", t.id)
}

// Attach binds the calling goroutine to its host thread and records the host
// thread id. It returns a function that undoes the binding.
func (t *Thread) Attach() func() {
	runtime.LockOSThread()
	t.osTID.Store(gettid())
	return func() {
		t.osTID.Store(0)
		runtime.UnlockOSThread()
	}
}

// OSThreadID returns the host thread id recorded by Attach, or zero.
func (t *Thread) OSThreadID() int32 {
	return t.osTID.Load()
}

// Status returns the thread's current status. It may be called from any
// goroutine.
func (t *Thread) Status() Status {
	return Status(t.status.Load())
}

// SetStatus changes the thread's status and returns the previous one.
//
// Becoming Running honours pending suspension requests: the call blocks, with
// the previous status still visible, until every suspender has resumed the
// thread.
func (t *Thread) SetStatus(s Status) Status {
	t.suspendMu.Lock()
	defer t.suspendMu.Unlock()
	if s == Running {
		for t.suspendCount > 0 {
			t.resumeCond.Wait()
		}
	}
	return Status(t.status.Swap(uint32(s)))
}

// SafepointPoll parks the thread while another thread has requested its
// suspension. Running code calls it at points where its lock state is
// consistent.
func (t *Thread) SafepointPoll() {
	if !t.suspendRequested.Load() {
		return
	}
	old := t.SetStatus(Suspended)
	t.SetStatus(old)
}

// Sleep puts the thread in Sleeping status for d.
func (t *Thread) Sleep(d time.Duration) {
	old := t.SetStatus(Sleeping)
	time.Sleep(d)
	t.SetStatus(old)
}

func (t *Thread) requestSuspend() {
	t.suspendMu.Lock()
	t.suspendCount++
	t.suspendRequested.Store(true)
	t.suspendMu.Unlock()
}

func (t *Thread) resume() {
	t.suspendMu.Lock()
	defer t.suspendMu.Unlock()
	if t.suspendCount == 0 {
		log.Warningf("Resuming %v which is not suspended", t)
		return
	}
	t.suspendCount--
	if t.suspendCount == 0 {
		t.suspendRequested.Store(false)
		t.resumeCond.Broadcast()
	}
}

// Interrupt marks the thread interrupted and wakes it if it is waiting. It may
// be called from any goroutine.
func (t *Thread) Interrupt() {
	t.waitMu.Lock()
	t.interrupted = true
	t.waitMu.Unlock()
	t.Signal()
}

// IsInterrupted returns whether the thread is marked interrupted.
func (t *Thread) IsInterrupted() bool {
	t.waitMu.Lock()
	defer t.waitMu.Unlock()
	return t.interrupted
}

// Interrupted clears the interrupted mark and returns its previous value.
func (t *Thread) Interrupted() bool {
	t.waitMu.Lock()
	defer t.waitMu.Unlock()
	i := t.interrupted
	t.interrupted = false
	return i
}

// LockWait locks the thread's wait state and discards any stale wakeup. While
// it is held, Interrupt cannot mark the thread, so a waiter that checked
// InterruptedLocked and then queued itself cannot miss an interruption.
func (t *Thread) LockWait() {
	t.waitMu.Lock()
	select {
	case <-t.wakeup:
	default:
	}
}

// UnlockWait unlocks the thread's wait state.
func (t *Thread) UnlockWait() {
	t.waitMu.Unlock()
}

// InterruptedLocked returns whether the thread is marked interrupted.
//
// Preconditions: LockWait is held.
func (t *Thread) InterruptedLocked() bool {
	return t.interrupted
}

// Signal wakes the thread if it is blocked in Block, or makes its next Block
// return immediately. It may be called from any goroutine.
func (t *Thread) Signal() {
	select {
	case t.wakeup <- struct{}{}:
	default:
	}
}

// Block blocks the thread under status until it is signalled or, if timeout
// is positive, until timeout elapses. It returns true on timeout.
func (t *Thread) Block(status Status, timeout time.Duration) bool {
	old := t.SetStatus(status)
	defer t.SetStatus(old)
	if timeout <= 0 {
		<-t.wakeup
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.wakeup:
		return false
	case <-timer.C:
		return true
	}
}

// WaitSeq returns the sequence number of the thread's current wait.
func (t *Thread) WaitSeq() uint64 {
	return t.waitSeq
}

// SetWaitSeq sets the sequence number of the thread's current wait.
func (t *Thread) SetWaitSeq(seq uint64) {
	t.waitSeq = seq
}

// WaitingOn returns the lock the thread is waiting on, or nil.
func (t *Thread) WaitingOn() Lock {
	return t.waitingOn
}

// SetWaitingOn sets the lock the thread is waiting on.
func (t *Thread) SetWaitingOn(l Lock) {
	t.waitingOn = l
}

// AddMonitor records that t holds l.
func (t *Thread) AddMonitor(l Lock) {
	t.monitorsMu.Lock()
	t.monitors[l] = struct{}{}
	t.monitorsMu.Unlock()
}

// RemoveMonitor records that t no longer holds l.
func (t *Thread) RemoveMonitor(l Lock) {
	t.monitorsMu.Lock()
	delete(t.monitors, l)
	t.monitorsMu.Unlock()
}

// HeldMonitors returns the locks t holds, in no particular order.
func (t *Thread) HeldMonitors() []Lock {
	t.monitorsMu.Lock()
	defer t.monitorsMu.Unlock()
	ls := make([]Lock, 0, len(t.monitors))
	for l := range t.monitors {
		ls = append(ls, l)
	}
	return ls
}

// ReleaseMonitors fully releases every lock t holds. It is called when a
// thread terminates.
func (t *Thread) ReleaseMonitors() {
	for {
		held := t.HeldMonitors()
		if len(held) == 0 {
			return
		}
		for _, l := range held {
			log.Debugf("Releasing %v held by %v", l, t)
			if !l.ReleaseFor(t) {
				// Ownership moved without unregistering; drop it.
				t.RemoveMonitor(l)
			}
		}
	}
}

// PushLockedObject records that the thread entered obj.
func (t *Thread) PushLockedObject(obj *lockword.Header) {
	t.lockedObjects = append(t.lockedObjects, obj)
}

// PopLockedObject records that the thread exited obj, which should be the
// most recently entered object.
func (t *Thread) PopLockedObject(obj *lockword.Header) {
	n := len(t.lockedObjects)
	if n == 0 {
		log.Warningf("%v exited %p with no locked objects", t, obj)
		return
	}
	if t.lockedObjects[n-1] != obj {
		log.Warningf("%v exited %p, locked object is not paired", t, obj)
	}
	t.lockedObjects[n-1] = nil
	t.lockedObjects = t.lockedObjects[:n-1]
}

// LockedObjects returns the objects the thread has entered, oldest first.
func (t *Thread) LockedObjects() []*lockword.Header {
	return append([]*lockword.Header(nil), t.lockedObjects...)
}
