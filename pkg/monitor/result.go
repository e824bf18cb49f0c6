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

// Package monitor implements object locks: light locks encoded in an object's
// lock word, heavyweight Monitors with wait and notify, the table of inflated
// monitors and the protocol that moves objects between the two.
package monitor

import (
	"errors"
	"fmt"
)

// Result is the outcome of a lock operation.
type Result int

// Possible results.
const (
	// OK indicates success.
	OK Result = iota

	// Interrupted indicates that a wait ended because the thread was
	// interrupted.
	Interrupted

	// Illegal indicates that the calling thread does not hold the lock it
	// operated on, or that a try-lock failed.
	Illegal
)

// Errors returned by Result.Err.
var (
	ErrInterrupted         = errors.New("interrupted")
	ErrIllegalMonitorState = errors.New("illegal monitor state")
)

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case Interrupted:
		return "Interrupted"
	case Illegal:
		return "Illegal"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Err returns nil for OK and the matching sentinel error otherwise.
func (r Result) Err() error {
	switch r {
	case OK:
		return nil
	case Interrupted:
		return ErrInterrupted
	default:
		return ErrIllegalMonitorState
	}
}
