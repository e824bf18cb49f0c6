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
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/objsync/pkg/atomicbitops"
	"gvisor.dev/objsync/pkg/lockword"
	"gvisor.dev/objsync/pkg/log"
	"gvisor.dev/objsync/pkg/sync"
	"gvisor.dev/objsync/pkg/thread"
)

// InflationPolicy selects how a thread that cannot get a light lock held by
// another thread gets the lock inflated.
type InflationPolicy int

const (
	// PolicyWait waits for the owner to release the light lock, then
	// inflates it on acquisition.
	PolicyWait InflationPolicy = iota

	// PolicySuspend suspends the owner and inflates the light lock on its
	// behalf. It falls back to PolicyWait if the owner does not reach a
	// safepoint in time.
	PolicySuspend
)

// String implements fmt.Stringer.
func (p InflationPolicy) String() string {
	switch p {
	case PolicyWait:
		return "wait"
	case PolicySuspend:
		return "suspend"
	default:
		return fmt.Sprintf("InflationPolicy(%d)", int(p))
	}
}

// ParsePolicy parses the String form of a policy.
func ParsePolicy(s string) (InflationPolicy, error) {
	switch s {
	case "wait":
		return PolicyWait, nil
	case "suspend":
		return PolicySuspend, nil
	default:
		return 0, fmt.Errorf("invalid inflation policy %q", s)
	}
}

// Heap gives access to objects the collector moved.
type Heap interface {
	// Resolve returns the current copy of obj, whose lock word holds
	// forwarding. It blocks until the collector phase that moved obj has
	// completed, including Table.UpdateForwarded. It returns nil if obj is
	// unknown.
	Resolve(obj *lockword.Header, forwarding uint32) *lockword.Header
}

// Options configures a VM.
type Options struct {
	// Policy is the inflation policy for contended light locks.
	Policy InflationPolicy

	// MaxTryLockRetry is the number of times a contended light lock is
	// retried before inflation.
	MaxTryLockRetry int

	// YieldAfter is the retry from which retries yield the processor.
	YieldAfter int

	// SuspendTimeout bounds how long PolicySuspend waits for an owner to
	// be suspended. Zero waits forever.
	SuspendTimeout time.Duration

	// InflationWait bounds the backoff between retries of PolicyWait.
	InflationWait time.Duration

	// Capacity is the capacity of the monitor table. Zero means
	// lockword.MaxMonitorID.
	Capacity uint32

	// Heap resolves forwarded objects. Lock operations on forwarded
	// objects are fatal without it.
	Heap Heap

	// Listener receives monitor events. Nil means NoopListener.
	Listener Listener
}

// DefaultOptions returns the default options for the host platform.
func DefaultOptions() Options {
	return Options{
		Policy:          defaultPolicy,
		MaxTryLockRetry: sync.DefaultSpinIterations,
		YieldAfter:      sync.DefaultYieldAfter,
		SuspendTimeout:  50 * time.Millisecond,
		InflationWait:   10 * time.Millisecond,
	}
}

// VM implements the lock protocol over lock words, for the threads of one
// thread.Manager.
type VM struct {
	opts     Options
	threads  *thread.Manager
	table    *Table
	hashSeed atomicbitops.Uint32
}

// NewVM returns a VM for threads. Zero retry and wait options take their
// default values.
func NewVM(threads *thread.Manager, opts Options) *VM {
	def := DefaultOptions()
	if opts.MaxTryLockRetry <= 0 {
		opts.MaxTryLockRetry = def.MaxTryLockRetry
	}
	if opts.YieldAfter <= 0 {
		opts.YieldAfter = def.YieldAfter
	}
	if opts.InflationWait <= 0 {
		opts.InflationWait = def.InflationWait
	}
	if opts.Listener == nil {
		opts.Listener = NoopListener{}
	}

	table := NewTable(opts.Capacity)
	table.listener = opts.Listener
	table.spinIterations = opts.MaxTryLockRetry
	table.yieldAfter = opts.YieldAfter

	vm := &VM{
		opts:    opts,
		threads: threads,
		table:   table,
	}
	vm.hashSeed.Store(initialHashSeed())
	return vm
}

// Options returns the effective options of the VM.
func (vm *VM) Options() Options {
	return vm.opts
}

// Table returns the monitor table of the VM.
func (vm *VM) Table() *Table {
	return vm.table
}

// Threads returns the thread manager of the VM.
func (vm *VM) Threads() *thread.Manager {
	return vm.threads
}

// resolve returns the current copy of the forwarded object obj.
func (vm *VM) resolve(obj *lockword.Header, w lockword.Word) *lockword.Header {
	if vm.opts.Heap == nil {
		log.Fatalf("Lock operation on forwarded object %p (%v) without a heap", obj, w)
	}
	moved := vm.opts.Heap.Resolve(obj, w.ForwardingAddress())
	if moved == nil {
		log.Fatalf("Lock operation on forwarded object %p (%v) that the heap cannot resolve", obj, w)
	}
	return moved
}

// monitorFor returns the monitor that w, read from obj, refers to. It
// returns nil if the monitor was freed or reused since w was read.
func (vm *VM) monitorFor(obj *lockword.Header, w lockword.Word) *Monitor {
	m := vm.table.LookupMonitor(w.MonitorID())
	if m == nil || m.Object() != obj {
		return nil
	}
	return m
}

// Enter acquires obj's lock for t. If tryLock is set, Enter returns Illegal
// instead of blocking when another thread holds the lock.
func (vm *VM) Enter(t *thread.Thread, obj *lockword.Header, tryLock bool) Result {
	shouldInflate := false
	spinner := sync.Spinner{Iterations: vm.opts.MaxTryLockRetry, YieldAfter: vm.opts.YieldAfter}
	var wait *backoff.ExponentialBackOff
	for {
		w := obj.Load()
		switch w.State() {
		case lockword.HeavyLocked:
			m := vm.table.LookupMonitor(w.MonitorID())
			if m == nil {
				// Deflated since w was read.
				continue
			}
			if !m.Acquire(t, obj, tryLock) {
				if obj.Load() != w {
					continue
				}
				return Illegal
			}
			if !m.live(obj) {
				m.Release(t)
				continue
			}
			t.PushLockedObject(obj)
			return OK

		case lockword.LightLocked:
			tid := w.ThreadID()
			if tid == uint32(t.ID()) {
				count := w.LockCount() + 1
				if count < lockword.MaxLockCount {
					if obj.CompareAndSwap(w, w.FromLightLock(tid, count)) {
						t.PushLockedObject(obj)
						return OK
					}
					continue
				}
				// The count does not fit; the monitor carries it
				// and the next iteration enters it recursively.
				vm.inflate(obj, t, false, reasonRecursion)
				continue
			}

			if tryLock {
				return Illegal
			}
			if spinner.Spin() {
				continue
			}
			spinner.Reset()
			if vm.opts.Policy == PolicySuspend && vm.inflateForOwner(t, obj, thread.ID(tid)) {
				continue
			}
			shouldInflate = true
			if wait == nil {
				wait = vm.newInflationBackOff()
			}
			contentionLog.Debugf("%v waiting for %v to release %p", t, thread.ID(tid), obj)
			t.Block(thread.WaitingInflation, wait.NextBackOff())
			continue

		case lockword.Hashed:
			if vm.inflate(obj, t, false, reasonHash) {
				t.PushLockedObject(obj)
				return OK
			}
			if tryLock {
				return Illegal
			}
			continue

		case lockword.Unlocked:
			if shouldInflate {
				if vm.inflate(obj, t, false, reasonContention) {
					t.PushLockedObject(obj)
					return OK
				}
			} else if obj.CompareAndSwap(w, w.FromLightLock(uint32(t.ID()), 1)) {
				t.PushLockedObject(obj)
				return OK
			}
			if tryLock {
				return Illegal
			}
			continue

		case lockword.Gc:
			obj = vm.resolve(obj, w)
			continue
		}
	}
}

// newInflationBackOff returns the backoff between retries of PolicyWait.
func (vm *VM) newInflationBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	if b.InitialInterval > vm.opts.InflationWait {
		b.InitialInterval = vm.opts.InflationWait
	}
	b.MaxInterval = vm.opts.InflationWait
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// inflateForOwner suspends the thread with id owner and inflates obj's light
// lock on its behalf. It returns false if the owner could not be suspended;
// otherwise the caller retries, whether or not the lock was inflated.
func (vm *VM) inflateForOwner(t *thread.Thread, obj *lockword.Header, owner thread.ID) bool {
	// t must not be Running while it waits, or two threads suspending
	// each other would never make progress.
	old := t.SetStatus(thread.WaitingInflation)
	defer t.SetStatus(old)

	target, ok := vm.threads.SuspendAndWait(owner, vm.opts.SuspendTimeout)
	if !ok {
		suspendInflations.Increment("timeout")
		contentionLog.Infof("%v: owner %d of %p did not reach a safepoint within %v", t, owner, obj, vm.opts.SuspendTimeout)
		return false
	}
	if vm.inflate(obj, target, true, reasonContention) {
		suspendInflations.Increment("inflated")
	} else {
		// The owner released the lock before it was suspended.
		suspendInflations.Increment("lost")
	}
	vm.threads.Resume(target)
	return true
}

// inflate replaces obj's light, hashed or unlocked word with a monitor owned
// by owner. A light lock must be held by owner, and it carries its recursion
// count over; otherwise owner acquires the lock once. With forOther, only a
// light lock held by owner is inflated.
//
// It returns false if the word is already heavy or changed concurrently;
// callers retry from the word.
func (vm *VM) inflate(obj *lockword.Header, owner *thread.Thread, forOther bool, reason string) bool {
	old := obj.Load()
	switch old.State() {
	case lockword.HeavyLocked:
		return false
	case lockword.Gc:
		log.Fatalf("Inflating forwarded object %p (%v)", obj, old)
	}
	if forOther && (old.State() != lockword.LightLocked || old.ThreadID() != uint32(owner.ID())) {
		return false
	}

	m := vm.table.CreateMonitor(obj)
	if m == nil {
		return false
	}
	m.InitWithOwner(owner)
	switch old.State() {
	case lockword.LightLocked:
		if old.ThreadID() != uint32(owner.ID()) {
			m.ReleaseOnFailedInflate(owner)
			vm.table.FreeMonitor(m.ID())
			return false
		}
		m.recursion = uint64(old.LockCount())
	case lockword.Hashed:
		m.SetHashCode(old.Hash())
	}

	if !obj.CompareAndSwap(old, old.FromHeavyLock(m.ID())) {
		m.ReleaseOnFailedInflate(owner)
		vm.table.FreeMonitor(m.ID())
		return false
	}
	owner.AddMonitor(m)
	inflations.Increment(reason)
	log.Debugf("Inflated %p to %v owned by %v (%s)", obj, m, owner, reason)
	return true
}

// Inflate converts the light lock t holds on obj to a monitor. It returns
// false if t does not hold a light lock on obj.
func (vm *VM) Inflate(t *thread.Thread, obj *lockword.Header) bool {
	for {
		w := obj.Load()
		if w.State() != lockword.LightLocked || w.ThreadID() != uint32(t.ID()) {
			return false
		}
		if vm.inflate(obj, t, false, reasonExplicit) {
			return true
		}
		// Only the flags or the hash status changed; t still holds it.
	}
}

// Exit releases one level of t's lock on obj. It returns Illegal if t does
// not hold the lock.
func (vm *VM) Exit(t *thread.Thread, obj *lockword.Header) Result {
	for {
		w := obj.Load()
		switch w.State() {
		case lockword.HeavyLocked:
			m := vm.monitorFor(obj, w)
			if m == nil {
				if obj.Load() != w {
					continue
				}
				return vm.illegal("exit", t, obj, w)
			}
			if !m.Release(t) {
				return vm.illegal("exit", t, obj, w)
			}
			t.PopLockedObject(obj)
			return OK

		case lockword.LightLocked:
			tid := w.ThreadID()
			if tid != uint32(t.ID()) {
				return vm.illegal("exit", t, obj, w)
			}
			var new lockword.Word
			if count := w.LockCount() - 1; count != 0 {
				new = w.FromLightLock(tid, count)
			} else {
				new = w.FromUnlocked()
			}
			if obj.CompareAndSwap(w, new) {
				t.PopLockedObject(obj)
				return OK
			}
			// Inflated by a contender, or a flag changed.
			continue

		case lockword.Hashed, lockword.Unlocked:
			return vm.illegal("exit", t, obj, w)

		case lockword.Gc:
			obj = vm.resolve(obj, w)
			continue
		}
	}
}

// illegal records a lock operation by a thread that does not hold the lock.
func (vm *VM) illegal(op string, t *thread.Thread, obj *lockword.Header, w lockword.Word) Result {
	illegalOperations.Increment(op)
	log.Debugf("%v: %s on %p (%v) not held", t, op, obj, w)
	return Illegal
}

// heldMonitor returns the monitor of obj that t must own to wait or notify,
// inflating a light lock t holds. It returns nil if t does not hold obj's
// lock, or if obj's light lock needs no monitor (notify without waiters).
func (vm *VM) heldMonitor(t *thread.Thread, obj *lockword.Header, op string, inflateLight bool) (*Monitor, Result) {
	for {
		w := obj.Load()
		switch w.State() {
		case lockword.HeavyLocked:
			m := vm.monitorFor(obj, w)
			if m == nil {
				if obj.Load() != w {
					continue
				}
				return nil, vm.illegal(op, t, obj, w)
			}
			return m, OK

		case lockword.LightLocked:
			if w.ThreadID() != uint32(t.ID()) {
				return nil, vm.illegal(op, t, obj, w)
			}
			if !inflateLight {
				// Nobody can wait on a light lock.
				return nil, OK
			}
			vm.inflate(obj, t, false, reasonWait)
			continue

		default:
			// Unlocked, hashed, or forwarded: not held.
			return nil, vm.illegal(op, t, obj, w)
		}
	}
}

// Wait releases t's lock on obj and blocks under status until t is notified,
// interrupted or the timeout expires, then reacquires the lock. A zero
// timeout waits indefinitely. See Monitor.Wait.
func (vm *VM) Wait(t *thread.Thread, obj *lockword.Header, status thread.Status, ms int64, ns int32, ignoreInterruption bool) Result {
	m, r := vm.heldMonitor(t, obj, "wait", true)
	if m == nil {
		return r
	}
	return m.Wait(t, status, ms, ns, ignoreInterruption)
}

// Notify moves one thread waiting on obj, if any, to be woken up when t
// releases obj's lock.
func (vm *VM) Notify(t *thread.Thread, obj *lockword.Header) Result {
	m, r := vm.heldMonitor(t, obj, "notify", false)
	if m == nil {
		return r
	}
	return m.Notify(t)
}

// NotifyAll moves all threads waiting on obj to be woken up, one per release
// of obj's lock.
func (vm *VM) NotifyAll(t *thread.Thread, obj *lockword.Header) Result {
	m, r := vm.heldMonitor(t, obj, "notify", false)
	if m == nil {
		return r
	}
	return m.NotifyAll(t)
}

// HoldsLock returns whether t holds obj's lock.
func (vm *VM) HoldsLock(t *thread.Thread, obj *lockword.Header) bool {
	w := obj.Load()
	switch w.State() {
	case lockword.HeavyLocked:
		m := vm.monitorFor(obj, w)
		return m != nil && m.Owner() == t
	case lockword.LightLocked:
		return w.ThreadID() == uint32(t.ID())
	default:
		return false
	}
}

// LockOwnerID returns the id of the thread holding obj's lock, or
// thread.NoID.
func (vm *VM) LockOwnerID(obj *lockword.Header) thread.ID {
	w := obj.Load()
	switch w.State() {
	case lockword.HeavyLocked:
		if m := vm.monitorFor(obj, w); m != nil {
			if owner := m.Owner(); owner != nil {
				return owner.ID()
			}
		}
		return thread.NoID
	case lockword.LightLocked:
		return thread.ID(w.ThreadID())
	default:
		return thread.NoID
	}
}

// LockOwnerOSThreadID returns the host thread id of the thread holding obj's
// lock, or zero if there is none or it is not attached.
func (vm *VM) LockOwnerOSThreadID(obj *lockword.Header) int32 {
	id := vm.LockOwnerID(obj)
	if id == thread.NoID {
		return 0
	}
	if owner := vm.threads.Lookup(id); owner != nil {
		return owner.OSThreadID()
	}
	return 0
}

// MonitorOf returns the monitor of obj, or nil if its lock is not inflated.
func (vm *VM) MonitorOf(obj *lockword.Header) *Monitor {
	w := obj.Load()
	if w.State() != lockword.HeavyLocked {
		return nil
	}
	return vm.monitorFor(obj, w)
}

// Deflate converts obj's monitor back to a light word if nobody owns or waits
// on it.
func (vm *VM) Deflate(obj *lockword.Header) bool {
	m := vm.MonitorOf(obj)
	if m == nil {
		return false
	}
	return vm.table.deflate(m)
}

// DeflateAll deflates every monitor nobody owns or waits on, and returns the
// number of deflated monitors.
func (vm *VM) DeflateAll() int {
	return vm.table.DeflateAll()
}

// IdentityHash returns obj's identity hash, assigning one on first use. The
// hash never changes, whatever happens to obj's lock.
func (vm *VM) IdentityHash(t *thread.Thread, obj *lockword.Header) uint32 {
	for {
		w := obj.Load()
		if w.State() == lockword.Gc {
			obj = vm.resolve(obj, w)
			continue
		}
		if !lockword.HashInHeader {
			if h := obj.ExternalHash(); h != 0 {
				return h
			}
			return obj.SetExternalHashIfAbsent(vm.generateHash())
		}

		switch w.State() {
		case lockword.Hashed:
			return w.Hash()

		case lockword.Unlocked:
			h := vm.generateHash()
			if obj.CompareAndSwap(w, w.FromHash(h)) {
				return h
			}

		case lockword.LightLocked:
			if w.ThreadID() == uint32(t.ID()) {
				vm.inflate(obj, t, false, reasonHash)
				continue
			}
			if vm.opts.Policy == PolicySuspend && vm.inflateForOwner(t, obj, thread.ID(w.ThreadID())) {
				continue
			}
			t.Sleep(vm.opts.InflationWait)

		case lockword.HeavyLocked:
			m := vm.monitorFor(obj, w)
			if m == nil {
				continue
			}
			if h := m.HashCode(); h != 0 {
				return h
			}
			// Hold the lock so that the monitor is not deflated
			// before it carries the hash.
			vm.Enter(t, obj, false)
			var h uint32
			if held := vm.MonitorOf(obj); held != nil {
				h = held.SetHashCode(vm.generateHash())
			}
			vm.Exit(t, obj)
			if h != 0 {
				return h
			}
		}
	}
}
