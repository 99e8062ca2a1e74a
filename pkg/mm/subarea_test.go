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
	"testing"

	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/pgalloc"
)

func allocSubarea(t *testing.T, a *pgalloc.Allocator, count uint64, c pgalloc.SizeClass) *Subarea {
	t.Helper()
	phys, got := a.Alloc(0, count, c, kalisto.FlagsFor(arch.KSEG0, true))
	if got != count {
		t.Fatalf("Alloc(%d, %v) = %d frames", count, c, got)
	}
	return newSubarea(a, phys, c, count)
}

func TestSubareaReduce(t *testing.T) {
	e := newTestEnv(t, 0)
	before := e.alloc.FreeBytes()
	s := allocSubarea(t, e.alloc, 8, pgalloc.Class4K)

	for _, size := range []uint64{0, 9 * page} {
		if s.Reduce(size) {
			t.Errorf("Reduce(%#x) of %v succeeded", size, s)
		}
	}
	if !s.Reduce(5*page + 1) {
		t.Fatalf("Reduce(5 pages + 1) failed")
	}
	if s.Count() != 6 {
		t.Errorf("Count() = %d after Reduce(5 pages + 1), want 6", s.Count())
	}
	if got, want := e.alloc.FreeBytes(), before-6*page; got != want {
		t.Errorf("FreeBytes() = %#x, want %#x", got, want)
	}
	s.Free()
	if got := e.alloc.FreeBytes(); got != before {
		t.Errorf("FreeBytes() = %#x after Free, want %#x", got, before)
	}
	checkAllocator(t, e.alloc)
	mustPanic(t, "second Free", s.Free)
}

func TestSubareaSplit(t *testing.T) {
	e := newTestEnv(t, 0)
	before := e.alloc.FreeBytes()
	s := allocSubarea(t, e.alloc, 6, pgalloc.Class4K)
	phys := s.PhysicalAddress()

	for _, size := range []uint64{0, page + 1, 6 * page, 7 * page} {
		if rest, ok := s.Split(size); ok {
			t.Errorf("Split(%#x) of %v = %v", size, s, rest)
		}
	}
	rest, ok := s.Split(2 * page)
	if !ok {
		t.Fatalf("Split(2 pages) failed")
	}
	if s.Count() != 2 || rest.Count() != 4 {
		t.Errorf("Split(2 pages) left %v and %v, want 2 and 4 frames", s, rest)
	}
	if got, want := rest.PhysicalAddress(), phys+2*page; got != want {
		t.Errorf("remainder at %v, want %v", got, want)
	}
	if !s.adjoins(rest) {
		t.Errorf("%v does not adjoin %v", s, rest)
	}

	// Both halves are owned independently.
	s.Free()
	rest.Free()
	if got := e.alloc.FreeBytes(); got != before {
		t.Errorf("FreeBytes() = %#x, want %#x", got, before)
	}
	checkAllocator(t, e.alloc)
}

func TestSubareaSetClass(t *testing.T) {
	e := newTestEnv(t, 0)
	before := e.alloc.FreeBytes()
	s := allocSubarea(t, e.alloc, 2, pgalloc.Class16K)

	if s.SetClass(pgalloc.Class64K) {
		t.Errorf("SetClass(64K) of %v succeeded", s)
	}
	if !s.SetClass(pgalloc.Class4K) {
		t.Fatalf("SetClass(4K) failed")
	}
	if s.Count() != 8 || s.Size() != 32*kib || s.FrameSize() != page {
		t.Errorf("after SetClass(4K): %v, size %#x", s, s.Size())
	}

	// The run can now be trimmed at 4K granularity.
	if !s.Reduce(3 * page) {
		t.Fatalf("Reduce(3 pages) failed")
	}
	checkAllocator(t, e.alloc)
	if got, want := e.alloc.FreeBytes(), before-3*page; got != want {
		t.Errorf("FreeBytes() = %#x, want %#x", got, want)
	}
	s.Free()
	if got := e.alloc.FreeBytes(); got != before {
		t.Errorf("FreeBytes() = %#x, want %#x", got, before)
	}
}
