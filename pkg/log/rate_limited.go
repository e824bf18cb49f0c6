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
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"gvisor.dev/objsync/pkg/atomicbitops"
)

type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter

	// dropped counts suppressed statements since the last emitted one.
	dropped atomicbitops.Uint64
}

func (rl *rateLimitedLogger) allow() (uint64, bool) {
	if !rl.limit.Allow() {
		rl.dropped.Add(1)
		return 0, false
	}
	return rl.swapDropped(), true
}

func (rl *rateLimitedLogger) swapDropped() uint64 {
	for {
		d := rl.dropped.Load()
		if rl.dropped.CompareAndSwap(d, 0) {
			return d
		}
	}
}

func suffix(format string, dropped uint64) string {
	if dropped == 0 {
		return format
	}
	return format + fmt.Sprintf(" (%d similar messages suppressed)", dropped)
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if dropped, ok := rl.allow(); ok {
		rl.logger.Debugf(suffix(format, dropped), v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if dropped, ok := rl.allow(); ok {
		rl.logger.Infof(suffix(format, dropped), v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if dropped, ok := rl.allow(); ok {
		rl.logger.Warningf(suffix(format, dropped), v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration. The global logger is resolved on
// every statement, so later calls to SetTarget are honored.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(globalLogger{}, every)
}

// globalLogger is a Logger that always writes to the current global logger.
type globalLogger struct{}

func (globalLogger) Debugf(format string, v ...any) {
	Log().DebugfAtDepth(2, format, v...)
}

func (globalLogger) Infof(format string, v ...any) {
	Log().InfofAtDepth(2, format, v...)
}

func (globalLogger) Warningf(format string, v ...any) {
	Log().WarningfAtDepth(2, format, v...)
}

func (globalLogger) IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
