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
	"encoding/json"
	"fmt"
	"time"
)

// record is one line of JSON output.
type record struct {
	Time   time.Time `json:"time"`
	Level  Level     `json:"level"`
	Caller string    `json:"caller,omitempty"`
	Msg    string    `json:"msg"`
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("invalid log level %d", uint32(l))
	}
	return []byte(levelNames[l]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	level, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// JSONEmitter writes each message as a JSON object on its own line.
type JSONEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	b, err := json.Marshal(record{
		Time:   timestamp,
		Level:  level,
		Caller: caller(depth),
		Msg:    fmt.Sprintf(format, v...),
	})
	if err != nil {
		// Only an out of range level gets here.
		b = fmt.Appendf(nil, `{"msg":%q}`, fmt.Sprintf(format, v...))
	}
	e.Writer.Write(b)
}
