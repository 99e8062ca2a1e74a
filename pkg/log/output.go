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
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BuildPath expands a log file pattern: %COMMAND% becomes command and
// %TIMESTAMP% becomes start as YYYYMMDD-HHMMSS.
func BuildPath(pattern, command string, start time.Time) string {
	pattern = strings.ReplaceAll(pattern, "%COMMAND%", command)
	return strings.ReplaceAll(pattern, "%TIMESTAMP%", start.Format("20060102-150405"))
}

// OpenFile opens the log file named by pattern for appending. Missing
// directories are created. An empty pattern yields a nil file.
func OpenFile(pattern, command string, start time.Time) (*os.File, error) {
	if pattern == "" {
		return nil, nil
	}
	path := BuildPath(pattern, command, start)
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o664)
}

// Formats lists the names accepted by NewEmitter.
var Formats = []string{"text", "json"}

// NewEmitter returns an emitter writing to w in the named format.
func NewEmitter(format string, w io.Writer) (Emitter, error) {
	out := &Writer{Next: w}
	switch format {
	case "", "text":
		return TextEmitter{out}, nil
	case "json":
		return JSONEmitter{out}, nil
	}
	return nil, fmt.Errorf("invalid log format %q, want one of %s", format, strings.Join(Formats, ", "))
}
