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

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log statements to a logrus logger. It is used when
// the embedding program already routes its own output through logrus.
type LogrusEmitter struct {
	// Logger is the destination. It must not be nil.
	Logger *logrus.Logger

	// Fields are attached to every entry.
	Fields logrus.Fields
}

// NewLogrusEmitter returns an emitter that writes text-formatted logrus
// entries to the given writer destination of l.
func NewLogrusEmitter(l *logrus.Logger, fields logrus.Fields) LogrusEmitter {
	// Filtering is done by the BasicLogger; let everything through.
	l.SetLevel(logrus.DebugLevel)
	return LogrusEmitter{Logger: l, Fields: fields}
}

// Emit implements Emitter.Emit.
func (e LogrusEmitter) Emit(_ int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithTime(timestamp)
	if len(e.Fields) > 0 {
		entry = entry.WithFields(e.Fields)
	}
	entry.Log(logrusLevel(level), fmt.Sprintf(format, v...))
}

func logrusLevel(l Level) logrus.Level {
	switch l {
	case Warning:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}
