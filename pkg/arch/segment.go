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

import "fmt"

// Segment is one of the five fixed regions of the 32-bit virtual address
// space.
type Segment uint8

// Virtual segments, in address order.
const (
	// KUSEG is the user segment, translated through the TLB.
	KUSEG Segment = iota

	// KSEG0 is the cached kernel segment, identity mapped onto the low
	// 512 MiB of physical memory.
	KSEG0

	// KSEG1 is the uncached alias of KSEG0.
	KSEG1

	// KSSEG is the supervisor segment, translated through the TLB.
	KSSEG

	// KSEG3 is the kernel mapped segment, translated through the TLB.
	KSEG3

	numSegments
)

// Segment boundaries.
const (
	KUSEGBase Addr = 0x00000000
	KSEG0Base Addr = 0x80000000
	KSEG1Base Addr = 0xa0000000
	KSSEGBase Addr = 0xc0000000
	KSEG3Base Addr = 0xe0000000

	// KSEGSize is the size of each identity mapped window, and therefore the
	// amount of physical memory reachable without the TLB.
	KSEGSize = 0x20000000
)

var segments = [numSegments]struct {
	name  string
	base  Addr
	end   Addr
	typ   MemoryType
	ident bool
}{
	KUSEG: {"KUSEG", KUSEGBase, KSEG0Base, MemoryTypeCached, false},
	KSEG0: {"KSEG0", KSEG0Base, KSEG1Base, MemoryTypeCached, true},
	KSEG1: {"KSEG1", KSEG1Base, KSSEGBase, MemoryTypeUncached, true},
	KSSEG: {"KSSEG", KSSEGBase, KSEG3Base, MemoryTypeCached, false},
	KSEG3: {"KSEG3", KSEG3Base, AddrLimit, MemoryTypeCached, false},
}

// SegmentOf returns the segment containing addr.
func SegmentOf(addr Addr) Segment {
	switch {
	case addr < KSEG0Base:
		return KUSEG
	case addr < KSEG1Base:
		return KSEG0
	case addr < KSSEGBase:
		return KSEG1
	case addr < KSEG3Base:
		return KSSEG
	default:
		return KSEG3
	}
}

// Base returns the first address of the segment.
func (s Segment) Base() Addr {
	return segments[s].base
}

// End returns one past the last address of the segment.
func (s Segment) End() Addr {
	return segments[s].end
}

// Range returns the addresses covered by the segment.
func (s Segment) Range() AddrRange {
	return AddrRange{segments[s].base, segments[s].end}
}

// Mapped returns true if accesses to the segment go through the TLB.
func (s Segment) Mapped() bool {
	return !segments[s].ident
}

// MemoryType returns the cache behaviour of the segment.
func (s Segment) MemoryType() MemoryType {
	return segments[s].typ
}

// Physical returns the physical address backing addr in an identity mapped
// segment.
//
// Precondition: s.Mapped() == false and addr lies in s.
func (s Segment) Physical(addr Addr) PhysAddr {
	return PhysAddr(addr - segments[s].base)
}

// Virtual returns the address of phys in an identity mapped segment.
//
// Precondition: s.Mapped() == false and phys < KSEGSize.
func (s Segment) Virtual(phys PhysAddr) Addr {
	return segments[s].base + Addr(phys)
}

// String implements fmt.Stringer.String.
func (s Segment) String() string {
	if s < numSegments {
		return segments[s].name
	}
	return fmt.Sprintf("Segment(%d)", uint8(s))
}
