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
	"gvisor.dev/objsync/pkg/lockword"
	"gvisor.dev/objsync/pkg/thread"
)

// Listener receives monitor events. Methods are called on the thread that
// performs the operation. MonitorWaited and MonitorContendedEntered run with
// the monitor held; implementations must not enter other objects.
type Listener interface {
	// MonitorWait is called before t blocks in Wait on obj.
	MonitorWait(t *thread.Thread, obj *lockword.Header, timeout int64)

	// MonitorWaited is called after t reacquired obj's monitor in Wait.
	MonitorWaited(t *thread.Thread, obj *lockword.Header, timedOut bool)

	// MonitorContendedEnter is called before t blocks acquiring obj's
	// monitor.
	MonitorContendedEnter(t *thread.Thread, obj *lockword.Header)

	// MonitorContendedEntered is called once t acquired obj's monitor
	// after blocking.
	MonitorContendedEntered(t *thread.Thread, obj *lockword.Header)
}

// NoopListener ignores all events.
type NoopListener struct{}

// MonitorWait implements Listener.MonitorWait.
func (NoopListener) MonitorWait(*thread.Thread, *lockword.Header, int64) {}

// MonitorWaited implements Listener.MonitorWaited.
func (NoopListener) MonitorWaited(*thread.Thread, *lockword.Header, bool) {}

// MonitorContendedEnter implements Listener.MonitorContendedEnter.
func (NoopListener) MonitorContendedEnter(*thread.Thread, *lockword.Header) {}

// MonitorContendedEntered implements Listener.MonitorContendedEntered.
func (NoopListener) MonitorContendedEntered(*thread.Thread, *lockword.Header) {}
