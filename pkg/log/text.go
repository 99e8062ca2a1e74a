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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// TextEmitter prefixes each message with a glog header:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] message
//
// where L is the first letter of the level in upper case.
type TextEmitter struct {
	Emitter
}

var levelLetters = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

var pid = os.Getpid()

// caller returns "file:line" of the frame depth+1 levels above its caller.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 2)
	if !ok {
		return "???:1"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

// Emit implements Emitter.Emit.
func (t TextEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	letter := byte('?')
	if int(level) < len(levelLetters) {
		letter = levelLetters[level]
	}
	b := make([]byte, 0, 128)
	b = append(b, letter)
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000")
	b = fmt.Appendf(b, " %7d %s] ", pid, caller(depth))
	b = fmt.Appendf(b, format, v...)
	t.Emitter.Emit(depth+1, level, timestamp, "%s", b)
}
