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

// Package kerr contains the kernel error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants. A nil error is EOK.
package kerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"kalisto.dev/kalisto/pkg/errors"
)

// The memory manager's errors. Each value is allocated once; callers test
// for them with errors.Is, which also sees through fmt.Errorf("...: %w")
// wrapping.
var (
	EINVAL = errors.New(unix.EINVAL, "invalid argument")
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")
	EFAULT = errors.New(unix.EFAULT, "bad address")
)

// EOK is the errno reported for a nil error.
const EOK unix.Errno = 0

// Lookup returns the errno of the kernel error in err's chain, if any.
func Lookup(err error) (unix.Errno, bool) {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno(), true
	}
	return EOK, false
}

// ToErrno returns the errno for err: EOK for nil, the number of a kernel
// error anywhere in the chain, and EINVAL for anything else.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return EOK
	}
	if errno, ok := Lookup(err); ok {
		return errno
	}
	return unix.EINVAL
}

// Name returns the symbolic name of the errno of err, such as "ENOMEM".
func Name(err error) string {
	if err == nil {
		return "EOK"
	}
	return unix.ErrnoName(ToErrno(err))
}
