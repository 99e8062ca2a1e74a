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

package kerr

import (
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sys/unix"
)

func TestToErrno(t *testing.T) {
	for _, test := range []struct {
		err  error
		want unix.Errno
		name string
	}{
		{nil, EOK, "EOK"},
		{EINVAL, unix.EINVAL, "EINVAL"},
		{ENOMEM, unix.ENOMEM, "ENOMEM"},
		{fmt.Errorf("allocating stack: %w", ENOMEM), unix.ENOMEM, "ENOMEM"},
		{fmt.Errorf("opaque"), unix.EINVAL, "EINVAL"},
	} {
		if got := ToErrno(test.err); got != test.want {
			t.Errorf("ToErrno(%v) = %v, want %v", test.err, got, test.want)
		}
		if got := Name(test.err); got != test.name {
			t.Errorf("Name(%v) = %q, want %q", test.err, got, test.name)
		}
	}
}

func TestIsErrno(t *testing.T) {
	err := fmt.Errorf("growing stack: %w", ENOMEM)
	if !errors.Is(err, unix.ENOMEM) {
		t.Errorf("errors.Is(%v, unix.ENOMEM) = false", err)
	}
	if errors.Is(err, unix.EINVAL) {
		t.Errorf("errors.Is(%v, unix.EINVAL) = true", err)
	}
	if !errors.Is(err, ENOMEM) {
		t.Errorf("errors.Is(%v, ENOMEM) = false", err)
	}
}

func TestLookup(t *testing.T) {
	if errno, ok := Lookup(fmt.Errorf("copying: %w", EFAULT)); !ok || errno != unix.EFAULT {
		t.Errorf("Lookup of a wrapped EFAULT = (%v, %t), want (%v, true)", errno, ok, unix.EFAULT)
	}
	if _, ok := Lookup(errors.New("opaque")); ok {
		t.Errorf("Lookup of a plain error succeeded")
	}
}
