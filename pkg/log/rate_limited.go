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
	"time"

	"golang.org/x/time/rate"
	"kalisto.dev/kalisto/pkg/sync"
)

// rateLimited drops messages arriving faster than its limiter allows and
// notes how many were dropped on the next one that passes.
type rateLimited struct {
	Logger

	mu         sync.Mutex
	limit      *rate.Limiter
	suppressed int
}

func (r *rateLimited) pass(emit func(string, ...any)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.limit.Allow() {
		r.suppressed++
		return false
	}
	if r.suppressed > 0 {
		emit("%d similar messages suppressed", r.suppressed)
		r.suppressed = 0
	}
	return true
}

// Debugf implements Logger.Debugf.
func (r *rateLimited) Debugf(format string, v ...any) {
	if r.IsLogging(Debug) && r.pass(r.Logger.Debugf) {
		r.Logger.Debugf(format, v...)
	}
}

// Infof implements Logger.Infof.
func (r *rateLimited) Infof(format string, v ...any) {
	if r.IsLogging(Info) && r.pass(r.Logger.Infof) {
		r.Logger.Infof(format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (r *rateLimited) Warningf(format string, v ...any) {
	if r.pass(r.Logger.Warningf) {
		r.Logger.Warningf(format, v...)
	}
}

// RateLimitedLogger wraps l so that it emits at most one message per
// interval. Messages below l's level do not count against the limit.
func RateLimitedLogger(l Logger, every time.Duration) Logger {
	return &rateLimited{
		Logger: l,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// globalLogger forwards to whatever the global logger is at the time of
// each call, so package level loggers follow SetTarget.
type globalLogger struct{}

func (globalLogger) Debugf(format string, v ...any)   { Log().Debugf(format, v...) }
func (globalLogger) Infof(format string, v ...any)    { Log().Infof(format, v...) }
func (globalLogger) Warningf(format string, v ...any) { Log().Warningf(format, v...) }
func (globalLogger) IsLogging(level Level) bool       { return Log().IsLogging(level) }

// BasicRateLimitedLogger is RateLimitedLogger applied to the global logger.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(globalLogger{}, every)
}
