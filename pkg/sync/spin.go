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

package sync

import (
	"runtime"
)

// Yield gives up the processor so that other goroutines, in particular a lock
// owner that has been preempted, can make progress.
func Yield() {
	runtime.Gosched()
}

// Spinner bounds an optimistic spin loop. The zero value spins for
// DefaultSpinIterations and yields after DefaultYieldAfter iterations.
type Spinner struct {
	// Iterations is the total number of iterations before Spin reports
	// exhaustion. Zero means DefaultSpinIterations.
	Iterations int

	// YieldAfter is the iteration from which Spin yields the processor
	// instead of busy looping. Zero means DefaultYieldAfter.
	YieldAfter int

	n int
}

// Default spin parameters.
const (
	DefaultSpinIterations = 100
	DefaultYieldAfter     = 50
)

// Spin performs one spin iteration. It returns false once the budget is
// exhausted, in which case the caller should fall back to blocking.
func (s *Spinner) Spin() bool {
	limit := s.Iterations
	if limit == 0 {
		limit = DefaultSpinIterations
	}
	yieldAfter := s.YieldAfter
	if yieldAfter == 0 {
		yieldAfter = DefaultYieldAfter
	}
	if s.n >= limit {
		return false
	}
	s.n++
	if s.n > yieldAfter {
		Yield()
	} else {
		for i := 0; i < 8; i++ {
			// Busy loop; the compiler cannot elide the call.
			procyield()
		}
	}
	return true
}

// Reset restarts the spin budget.
func (s *Spinner) Reset() {
	s.n = 0
}

// Count returns the number of iterations performed since the last Reset.
func (s *Spinner) Count() int {
	return s.n
}

//go:noinline
func procyield() {}
