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

package thread

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"gvisor.dev/objsync/pkg/lockword"
	"gvisor.dev/objsync/pkg/log"
	"gvisor.dev/objsync/pkg/sync"
)

// ErrNoIDs is returned by NewThread when every thread id is in use.
var ErrNoIDs = errors.New("no free thread ids")

var errStillRunning = errors.New("thread still running")

// Manager allocates thread ids and implements suspension of one thread by
// another.
//
// The zero value is not usable; use NewManager.
type Manager struct {
	mu      sync.Mutex
	threads map[ID]*Thread // protected by mu
	next    ID             // protected by mu

	// maxID bounds allocated ids. It is lockword.MaxThreadID except in
	// tests.
	maxID ID
}

// NewManager returns a Manager with no threads.
func NewManager() *Manager {
	return &Manager{
		threads: make(map[ID]*Thread),
		next:    1,
		maxID:   lockword.MaxThreadID,
	}
}

// NewThread allocates an id and returns a new thread in Running status. Ids of
// exited threads are reused.
func (m *Manager) NewThread() (*Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.threads) >= int(m.maxID) {
		return nil, fmt.Errorf("%w: %d threads", ErrNoIDs, len(m.threads))
	}
	id := m.next
	for {
		if _, ok := m.threads[id]; !ok {
			break
		}
		id = m.advance(id)
	}
	m.next = m.advance(id)
	t := newThread(id, m)
	t.status.Store(uint32(Running))
	m.threads[id] = t
	return t, nil
}

func (m *Manager) advance(id ID) ID {
	if id >= m.maxID {
		return 1
	}
	return id + 1
}

// Lookup returns the live thread with the given id, or nil.
func (m *Manager) Lookup(id ID) *Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[id]
}

// Threads returns the live threads ordered by id.
func (m *Manager) Threads() []*Thread {
	m.mu.Lock()
	ts := make([]*Thread, 0, len(m.threads))
	for _, t := range m.threads {
		ts = append(ts, t)
	}
	m.mu.Unlock()
	sort.Slice(ts, func(i, j int) bool { return ts[i].id < ts[j].id })
	return ts
}

// Exit terminates t: it releases every monitor t still holds, marks it
// Finished and frees its id. It must be called by t itself.
func (m *Manager) Exit(t *Thread) {
	t.SetStatus(Terminating)
	t.ReleaseMonitors()
	if n := len(t.lockedObjects); n != 0 {
		log.Debugf("%v exiting with %d locked objects", t, n)
	}
	t.SetStatus(Finished)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.threads[t.id] == t {
		delete(m.threads, t.id)
	}
}

// SuspendAndWait requests the suspension of the thread with the given id and
// waits until it is no longer Running. A thread that is not Running cannot
// become Running again until it is resumed, so on success the caller may act
// on the thread's behalf until it calls Resume.
//
// It gives up after timeout, or never if timeout is zero. On failure the
// request is withdrawn and SuspendAndWait returns (nil, false).
//
// Callers must not be Running themselves, otherwise two threads suspending
// each other would wait forever.
func (m *Manager) SuspendAndWait(id ID, timeout time.Duration) (*Thread, bool) {
	t := m.Lookup(id)
	if t == nil {
		return nil, false
	}
	t.requestSuspend()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Microsecond
	b.MaxInterval = time.Millisecond
	b.MaxElapsedTime = timeout
	op := func() error {
		if t.Status() == Running {
			return errStillRunning
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		log.Debugf("Suspending %v timed out after %v", t, timeout)
		t.resume()
		return nil, false
	}
	return t, true
}

// Resume withdraws one suspension request of t.
func (m *Manager) Resume(t *Thread) {
	t.resume()
}
