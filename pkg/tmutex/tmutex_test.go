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

package tmutex

import (
	"sync/atomic"
	"testing"
	"time"

	"gvisor.dev/objsync/pkg/sync"
)

func TestBasicLock(t *testing.T) {
	var m Mutex
	m.Init()

	m.Lock()

	// Try blocking lock the mutex from a different goroutine. This must
	// not block because the mutex is held.
	ch := make(chan struct{}, 1)
	go func() {
		m.Lock()
		ch <- struct{}{}
		m.Unlock()
		ch <- struct{}{}
	}()

	select {
	case <-ch:
		t.Fatalf("Lock succeeded on locked mutex")
	case <-time.After(100 * time.Millisecond):
	}

	// Unlock the mutex and make sure that the goroutine waiting on Lock()
	// unblocks and succeeds.
	m.Unlock()

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("Lock failed to acquire unlocked mutex")
	}

	// Make sure we can lock and unlock again.
	m.Lock()
	m.Unlock()
}

func TestTryLock(t *testing.T) {
	var m Mutex
	m.Init()

	if !m.TryLock() {
		t.Fatalf("TryLock failed on unlocked mutex")
	}
	if m.TryLock() {
		t.Fatalf("TryLock succeeded on locked mutex")
	}
	if !m.Held() {
		t.Fatalf("Held() = false on locked mutex")
	}
	m.Unlock()
	if m.Held() {
		t.Fatalf("Held() = true on unlocked mutex")
	}
}

func TestUnlockFromOtherGoroutine(t *testing.T) {
	var m Mutex
	m.Init()
	m.Lock()

	done := make(chan struct{})
	go func() {
		m.Unlock()
		close(done)
	}()
	<-done

	if !m.TryLock() {
		t.Fatalf("TryLock failed after unlock by another goroutine")
	}
}

func TestTryLockWithSpinning(t *testing.T) {
	var m Mutex
	m.Init()
	m.Lock()

	if m.TryLockWithSpinning(&sync.Spinner{Iterations: 10, YieldAfter: 5}) {
		t.Fatalf("TryLockWithSpinning succeeded on held mutex")
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(time.Millisecond)
		m.Unlock()
		close(released)
	}()
	<-released
	if !m.TryLockWithSpinning(nil) {
		t.Fatalf("TryLockWithSpinning failed on released mutex")
	}
}

func TestMutualExclusionWithTryLock(t *testing.T) {
	var m Mutex
	m.Init()

	const gr = 100
	const iters = 1000
	var tryTotal int64
	v := int64(0)
	var wg sync.WaitGroup
	for i := 0; i < gr; i++ {
		wg.Add(2)
		go func() {
			for j := 0; j < iters; j++ {
				m.Lock()
				v++
				m.Unlock()
			}
			wg.Done()
		}()
		go func() {
			local := int64(0)
			for j := 0; j < iters; j++ {
				if m.TryLock() {
					v++
					m.Unlock()
					local++
				}
			}
			atomic.AddInt64(&tryTotal, local)
			wg.Done()
		}()
	}

	wg.Wait()

	if want := gr*iters + tryTotal; v != want {
		t.Fatalf("Bad count: got %v, want %v", v, want)
	}
}
