// Copyright 2026 The Kalisto Authors.
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

// Package log is the kernel's leveled logger.
//
// Messages go through a single global BasicLogger whose Emitter formats and
// writes them. Logging is never done on the allocation fast paths; callers
// that build expensive arguments guard them with IsLogging(Debug).
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"kalisto.dev/kalisto/pkg/sync"
)

// Level orders messages by importance. A logger at level L emits every
// message whose level is at most L.
type Level uint32

const (
	// Warning is always emitted.
	Warning Level = iota
	// Info is emitted by default.
	Info
	// Debug is emitted only when enabled with --debug.
	Debug
)

var levelNames = [...]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// String implements fmt.Stringer.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint32(l))
}

// ParseLevel is the inverse of Level.String. "warn" is accepted as well.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(s)
	if s == "warn" {
		return Warning, nil
	}
	for l, name := range levelNames {
		if name == s {
			return Level(l), nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Emitter formats and outputs one message. depth is the number of stack
// frames between Emit and the logging call site.
type Emitter interface {
	Emit(depth int, level Level, timestamp time.Time, format string, v ...any)
}

// Writer serializes messages onto Next, one line each. Failed writes are
// counted and reported once the output recovers.
type Writer struct {
	Next io.Writer

	mu      sync.Mutex
	dropped int
}

// Write implements io.Writer. A trailing newline is added when missing.
func (w *Writer) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dropped > 0 {
		note := fmt.Sprintf("*** %d log messages dropped ***\n", w.dropped)
		if _, err := io.WriteString(w.Next, note); err != nil {
			w.dropped++
			return 0, err
		}
		w.dropped = 0
	}
	line := data
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line[:len(line):len(line)], '\n')
	}
	n, err := w.Next.Write(line)
	if err != nil {
		w.dropped++
	}
	return min(n, len(data)), err
}

// Emit implements Emitter by writing the bare message.
func (w *Writer) Emit(_ int, _ Level, _ time.Time, format string, v ...any) {
	fmt.Fprintf(w, format, v...)
}

// Logger is the interface handed to components that want a private logger,
// such as a rate-limited one.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warningf(format string, v ...any)

	// IsLogging reports whether messages at level are emitted.
	IsLogging(level Level) bool
}

// BasicLogger is a Logger with an adjustable level.
type BasicLogger struct {
	level atomic.Uint32
	Emitter
}

// NewBasicLogger returns a logger at level emitting to e.
func NewBasicLogger(level Level, e Emitter) *BasicLogger {
	l := &BasicLogger{Emitter: e}
	l.SetLevel(level)
	return l
}

// logf is always called from an exported Debugf, Infof or Warningf, so the
// call site is two frames above Emit's caller.
func (l *BasicLogger) logf(level Level, format string, v []any) {
	if l.IsLogging(level) {
		l.Emit(2, level, time.Now(), format, v...)
	}
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) { l.logf(Debug, format, v) }

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) { l.logf(Info, format, v) }

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) { l.logf(Warning, format, v) }

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return Level(l.level.Load()) >= level
}

// Level returns the current level.
func (l *BasicLogger) Level() Level { return Level(l.level.Load()) }

// SetLevel changes the level.
func (l *BasicLogger) SetLevel(level Level) { l.level.Store(uint32(level)) }

var global atomic.Pointer[BasicLogger]

func init() {
	global.Store(NewBasicLogger(Info, TextEmitter{&Writer{Next: os.Stderr}}))
}

// Log returns the global logger.
func Log() *BasicLogger { return global.Load() }

// SetTarget replaces the global emitter, keeping the level. It is meant to
// be called once during start up.
func SetTarget(e Emitter) {
	global.Store(NewBasicLogger(Log().Level(), e))
}

// SetLevel sets the level of the global logger.
func SetLevel(level Level) { Log().SetLevel(level) }

// IsLogging reports whether the global logger emits messages at level.
func IsLogging(level Level) bool { return Log().IsLogging(level) }

// Debugf logs to the global logger.
func Debugf(format string, v ...any) { Log().logf(Debug, format, v) }

// Infof logs to the global logger.
func Infof(format string, v ...any) { Log().logf(Info, format, v) }

// Warningf logs to the global logger.
func Warningf(format string, v ...any) { Log().logf(Warning, format, v) }
