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

// Package errors defines Error, the type of every error the memory manager
// reports to a system call. Each Error carries the errno user space sees.
package errors

import (
	"golang.org/x/sys/unix"
)

// Error is a kernel error: an errno and the text logged for it. Errors are
// allocated once, in package kerr, and matched with errors.Is.
type Error struct {
	errno   unix.Errno
	message string
}

// New returns a kernel error. It should only be called from package-level
// variable initializers.
func New(errno unix.Errno, message string) *Error {
	return &Error{errno: errno, message: message}
}

// Error implements error.
func (e *Error) Error() string { return e.message }

// Errno is the number returned to user space.
func (e *Error) Errno() unix.Errno { return e.errno }

// Is lets errors.Is match a kernel error against the bare errno, as in
// errors.Is(err, unix.ENOMEM).
func (e *Error) Is(target error) bool {
	errno, ok := target.(unix.Errno)
	return ok && errno == e.errno
}
