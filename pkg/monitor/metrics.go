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

	"gvisor.dev/objsync/pkg/log"
	"gvisor.dev/objsync/pkg/metric"
)

// Inflation reasons.
const (
	reasonContention = "contention"
	reasonRecursion  = "recursion"
	reasonHash       = "hash"
	reasonWait       = "wait"
	reasonExplicit   = "explicit"
)

var (
	inflations = metric.MustCreateNewUint64Metric(
		"/objsync/lock/inflations",
		"Number of light locks or hashed words converted to monitors, by reason.",
		metric.NewField("reason", reasonContention, reasonRecursion, reasonHash, reasonWait, reasonExplicit))

	deflations = metric.MustCreateNewUint64Metric(
		"/objsync/lock/deflations",
		"Number of monitors converted back to light words.")

	contendedEnters = metric.MustCreateNewUint64Metric(
		"/objsync/lock/contended_enters",
		"Number of monitor acquisitions that had to block.")

	suspendInflations = metric.MustCreateNewUint64Metric(
		"/objsync/lock/suspend_inflations",
		"Number of attempts to inflate a light lock held by a suspended owner, by result.",
		metric.NewField("result", "inflated", "lost", "timeout"))

	illegalOperations = metric.MustCreateNewUint64Metric(
		"/objsync/lock/illegal_operations",
		"Number of lock operations by threads that did not own the lock, by operation.",
		metric.NewField("op", "exit", "wait", "notify"))

	contendedAcquireLatency = metric.MustCreateNewTimerMetric(
		"/objsync/monitor/contended_acquire_latency",
		metric.NewDurationBucketer(20, time.Microsecond, 10*time.Second),
		"Time spent blocked acquiring a contended monitor.")
)

// contentionLog reports long contention without flooding the log.
var contentionLog = log.BasicRateLimitedLogger(time.Second)
