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

package arch

import "testing"

func TestSegmentOf(t *testing.T) {
	for _, test := range []struct {
		addr   Addr
		want   Segment
		mapped bool
	}{
		{0, KUSEG, true},
		{0x7fffffff, KUSEG, true},
		{0x80000000, KSEG0, false},
		{0x9fffffff, KSEG0, false},
		{0xa0001000, KSEG1, false},
		{0xc0000000, KSSEG, true},
		{0xe0000000, KSEG3, true},
		{0xffffffff, KSEG3, true},
	} {
		got := SegmentOf(test.addr)
		if got != test.want {
			t.Errorf("SegmentOf(%v) = %v, want %v", test.addr, got, test.want)
		}
		if got.Mapped() != test.mapped {
			t.Errorf("%v.Mapped() = %t, want %t", got, got.Mapped(), test.mapped)
		}
	}
}

func TestIdentityMapping(t *testing.T) {
	if got, want := KSEG0.Physical(0x80123000), PhysAddr(0x123000); got != want {
		t.Errorf("KSEG0.Physical = %v, want %v", got, want)
	}
	if got, want := KSEG1.Virtual(0x4000), Addr(0xa0004000); got != want {
		t.Errorf("KSEG1.Virtual = %v, want %v", got, want)
	}
	if KSEG1.MemoryType() != MemoryTypeUncached {
		t.Errorf("KSEG1 should be uncached")
	}
}

func TestAddLength(t *testing.T) {
	if end, ok := KSEG3Base.AddLength(KSEGSize); !ok || end != AddrLimit {
		t.Errorf("AddLength to the top of the address space = (%v, %t), want (%v, true)", end, ok, Addr(AddrLimit))
	}
	if _, ok := KSEG3Base.AddLength(KSEGSize + 1); ok {
		t.Errorf("AddLength past the top of the address space succeeded")
	}
}

func TestRangeOverlaps(t *testing.T) {
	a := AddrRange{0x1000, 0x3000}
	for _, test := range []struct {
		other AddrRange
		want  bool
	}{
		{AddrRange{0, 0x1000}, false},
		{AddrRange{0, 0x1001}, true},
		{AddrRange{0x2000, 0x2001}, true},
		{AddrRange{0x2fff, 0x4000}, true},
		{AddrRange{0x3000, 0x4000}, false},
		{AddrRange{0, 0x8000}, true},
	} {
		if got := a.Overlaps(test.other); got != test.want {
			t.Errorf("%v.Overlaps(%v) = %t, want %t", a, test.other, got, test.want)
		}
	}
}
