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
	"time"

	"gvisor.dev/objsync/pkg/lockword"
)

// Identity hashes come from a linear congruential generator shared by all
// threads of a VM.
const (
	hashMultiplier = 1103515245
	hashIncrement  = 12345
	hashSeed       = 987654321
)

func initialHashSeed() uint32 {
	return hashSeed + uint32(time.Now().Unix())
}

// generateHash returns a new non-zero identity hash that fits the lock word.
func (vm *VM) generateHash() uint32 {
	for {
		seed := vm.hashSeed.Load()
		next := seed*hashMultiplier + hashIncrement
		if !vm.hashSeed.CompareAndSwap(seed, next) {
			continue
		}
		if h := seed & lockword.HashMask; h != 0 {
			return h
		}
	}
}
