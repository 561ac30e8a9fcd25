// Copyright 2023 The gVisor Authors.
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
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log statements to a logrus logger. Fields set on
// Entry are attached to every statement.
type LogrusEmitter struct {
	Entry *logrus.Entry
}

// NewLogrusEmitter returns an emitter writing to l.
func NewLogrusEmitter(l *logrus.Logger) *LogrusEmitter {
	return &LogrusEmitter{Entry: logrus.NewEntry(l)}
}

// WithField returns an emitter that adds key=value to every statement.
func (e *LogrusEmitter) WithField(key string, value any) *LogrusEmitter {
	return &LogrusEmitter{Entry: e.Entry.WithField(key, value)}
}

// Emit implements Emitter.Emit.
func (e *LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Entry.WithTime(timestamp)
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, byte('/')); slash >= 0 {
			file = file[slash+1:]
		}
		entry = entry.WithField("caller", fmt.Sprintf("%s:%d", file, line))
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

// LogrusLevel returns the logrus level matching l, for configuring the
// underlying logrus logger.
func LogrusLevel(l Level) logrus.Level {
	return logrusLevel(l)
}
