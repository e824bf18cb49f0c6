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

package log

import (
	"sync/atomic"
)

// atomicLogger is an atomic pointer to the current global logger.
type atomicLogger struct {
	p atomic.Pointer[BasicLogger]
}

func (a *atomicLogger) Load() *BasicLogger {
	return a.p.Load()
}

func (a *atomicLogger) Store(l *BasicLogger) {
	a.p.Store(l)
}

func atomicLoadLevel(l *Level) Level {
	return Level(atomic.LoadUint32((*uint32)(l)))
}

func atomicStoreLevel(l *Level, v Level) {
	atomic.StoreUint32((*uint32)(l), uint32(v))
}
