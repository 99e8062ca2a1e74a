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

// Package tlb drives the software managed translation lookaside buffer of
// an R4000 class processor.
//
// Every TLB entry maps a pair of adjacent virtual pages of equal size, the
// even page through EntryLo0 and the odd one through EntryLo1. Entries are
// tagged with the 8 bit ASID of their address space, so switching address
// spaces does not flush the TLB. The Driver owns the ASID pool and is the
// only writer of the TLB.
package tlb

import (
	"fmt"

	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
)

// ASID is an address space identifier.
type ASID uint8

// Entry is one TLB entry, in the layout of the EntryHi, PageMask, EntryLo0
// and EntryLo1 registers.
type Entry struct {
	EntryHi  uint32
	PageMask uint32
	EntryLo0 uint32
	EntryLo1 uint32
}

// pageMasks maps supported page sizes to PageMask values.
var pageMasks = map[uint64]uint32{
	4 << 10:   kalisto.PAGE_MASK_4K,
	16 << 10:  kalisto.PAGE_MASK_16K,
	64 << 10:  kalisto.PAGE_MASK_64K,
	256 << 10: kalisto.PAGE_MASK_256K,
	1 << 20:   kalisto.PAGE_MASK_1M,
	4 << 20:   kalisto.PAGE_MASK_4M,
	16 << 20:  kalisto.PAGE_MASK_16M,
}

// PageSizes lists the supported page sizes, smallest first.
var PageSizes = []uint64{4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20, 4 << 20, 16 << 20}

// PageMask returns the PageMask value for pages of the given size.
func PageMask(pageSize uint64) (uint32, bool) {
	m, ok := pageMasks[pageSize]
	return m, ok
}

// pairMask is the mask of the offset bits within the page pair: the low 13
// bits plus the PageMask bits.
func pairMask(mask uint32) uint32 {
	return mask | 0x1fff
}

// PageSize returns the size of each of the two pages mapped by e.
func (e Entry) PageSize() uint64 {
	return (uint64(pairMask(e.PageMask)) + 1) / 2
}

// ASID returns the ASID e is tagged with.
func (e Entry) ASID() ASID {
	return ASID(e.EntryHi & kalisto.ASID_MASK)
}

// Global returns true if e matches regardless of ASID. The R4000 requires
// the global bit in both halves.
func (e Entry) Global() bool {
	return e.EntryLo0&e.EntryLo1&kalisto.ENTRY_LO_GLOBAL != 0
}

// Valid returns true if either half of e is valid.
func (e Entry) Valid() bool {
	return (e.EntryLo0|e.EntryLo1)&kalisto.ENTRY_LO_VALID != 0
}

// Range returns the virtual addresses covered by the page pair of e.
func (e Entry) Range() arch.AddrRange {
	start := arch.Addr(e.EntryHi & kalisto.ENTRY_HI_VPN2_MASK &^ e.PageMask)
	return arch.AddrRange{Start: start, End: start + arch.Addr(2*e.PageSize())}
}

// Matches returns true if e translates va for asid.
func (e Entry) Matches(va arch.Addr, asid ASID) bool {
	vpnMask := uint32(kalisto.ENTRY_HI_VPN2_MASK) &^ e.PageMask
	if (uint32(va)^e.EntryHi)&vpnMask != 0 {
		return false
	}
	return e.Global() || e.ASID() == asid
}

// half returns the EntryLo value mapping va, which e must match.
func (e Entry) half(va arch.Addr) uint32 {
	if uint64(va)&e.PageSize() != 0 {
		return e.EntryLo1
	}
	return e.EntryLo0
}

// setHalf replaces the EntryLo value of the page containing va.
func (e *Entry) setHalf(va arch.Addr, lo uint32) {
	if uint64(va)&e.PageSize() != 0 {
		e.EntryLo1 = lo
	} else {
		e.EntryLo0 = lo
	}
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	return fmt.Sprintf("{hi=%#08x mask=%#08x lo0=%#08x lo1=%#08x}", e.EntryHi, e.PageMask, e.EntryLo0, e.EntryLo1)
}

// EntryHi returns the EntryHi value for the page pair containing va.
func EntryHi(va arch.Addr, pageSize uint64, asid ASID) uint32 {
	return uint32(va)&kalisto.ENTRY_HI_VPN2_MASK&^uint32(2*pageSize-1) | uint32(asid)
}

// EntryLo returns a valid, writable EntryLo value mapping the page at pa.
func EntryLo(pa arch.PhysAddr, mt arch.MemoryType) uint32 {
	return uint32(pa>>arch.PageShift)<<kalisto.ENTRY_LO_PFN_SHL |
		mt.CacheAttr()<<kalisto.ENTRY_LO_CACHE_SHL |
		kalisto.ENTRY_LO_DIRTY | kalisto.ENTRY_LO_VALID
}

// frame returns the physical address of the page mapped by lo.
func frame(lo uint32) arch.PhysAddr {
	return arch.PhysAddr(lo>>kalisto.ENTRY_LO_PFN_SHL) << arch.PageShift
}

// memoryType returns the cache behaviour encoded in lo.
func memoryType(lo uint32) arch.MemoryType {
	if (lo>>kalisto.ENTRY_LO_CACHE_SHL)&7 == arch.MemoryTypeUncached.CacheAttr() {
		return arch.MemoryTypeUncached
	}
	return arch.MemoryTypeCached
}

// invalidEntry returns the entry written to slot i to invalidate it. Each
// slot gets a distinct page pair in KSEG0, which never goes through the
// TLB, so invalid entries can neither match nor duplicate each other.
func invalidEntry(i int) Entry {
	return Entry{EntryHi: uint32(arch.KSEG0Base) + uint32(i)<<13}
}
