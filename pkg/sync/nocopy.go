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

// NoCopy may be added to structs which must not be copied after first use.
// It is recognized by `go vet -copylocks`.
//
// See https://golang.org/issues/8005#issuecomment-190753527.
type NoCopy struct{}

// Lock is a no-op used by -copylocks checker.
func (*NoCopy) Lock() {}

// Unlock is a no-op used by -copylocks checker.
func (*NoCopy) Unlock() {}
