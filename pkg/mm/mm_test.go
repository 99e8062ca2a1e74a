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

package mm

import (
	"bytes"
	"testing"

	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/machine"
	"kalisto.dev/kalisto/pkg/pgalloc"
	"kalisto.dev/kalisto/pkg/tlb"
)

const (
	kib = 1 << 10
	mib = 1 << 20

	page = arch.PageSize
)

// testEnv is a small machine: 8 MiB of memory with a 1 MiB kernel image.
type testEnv struct {
	alloc *pgalloc.Allocator
	proc  *machine.Processor
}

func newTestEnv(t *testing.T, asids int) *testEnv {
	t.Helper()
	alloc, err := pgalloc.New(pgalloc.Options{
		MemorySize: 8 * mib,
		KernelEnd:  1 * mib,
		MaxClass:   pgalloc.MaxSizeClass,
	})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	hw := tlb.NewDefaultSoftTLB()
	d, err := tlb.NewDriver(hw, tlb.Options{ASIDs: asids})
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}
	return &testEnv{
		alloc: alloc,
		proc:  machine.New(machine.NewMemory(8*mib), hw, d),
	}
}

func (e *testEnv) newMap(t *testing.T) *Map {
	t.Helper()
	m, err := NewMap(e.alloc, e.proc, Options{})
	if err != nil {
		t.Fatalf("NewMap failed: %v", err)
	}
	return m
}

func checkAllocator(t *testing.T, a *pgalloc.Allocator) {
	t.Helper()
	if err := a.CheckInvariants(); err != nil {
		var buf bytes.Buffer
		a.Dump(&buf)
		t.Fatalf("CheckInvariants failed: %v\n%s", err, buf.String())
	}
}

// exhaust allocates every free 4K frame and returns the runs obtained.
func exhaust(t *testing.T, a *pgalloc.Allocator) []*Subarea {
	t.Helper()
	var runs []*Subarea
	for {
		phys, got := a.Alloc(0, a.MemorySize()/page, pgalloc.Class4K, kalisto.FlagsFor(arch.KSEG0, true))
		if got == 0 {
			return runs
		}
		runs = append(runs, newSubarea(a, phys, pgalloc.Class4K, got))
	}
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}
