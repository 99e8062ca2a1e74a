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

// Package arch describes the MIPS R4000 address space layout used by the
// kernel: page sizes, virtual segments and address arithmetic.
package arch

import "fmt"

const (
	// PageShift is the binary log of the smallest page size.
	PageShift = 12

	// PageSize is the smallest page (and frame) size.
	PageSize = 1 << PageShift

	// AddrLimit is one past the highest virtual address of the 32-bit
	// processor.
	AddrLimit = 1 << 32
)

// Addr is a virtual address.
//
// Addresses are held in 64 bits so that the end of the last segment
// (AddrLimit) is representable.
type Addr uint64

// PhysAddr is a physical address.
type PhysAddr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#08x", uint64(v))
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#08x", uint64(p))
}

// AddLength adds the given length to start and returns the result. ok is true
// iff the result does not leave the 32-bit address space.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v && end <= AddrLimit
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not leave the address space.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v && addr <= AddrLimit
	return
}

// IsPageAligned returns true if v is aligned to the smallest page size.
func (v Addr) IsPageAligned() bool {
	return v&(PageSize-1) == 0
}

// IsAligned returns true if v is aligned to size, which must be a power of
// two.
func (v Addr) IsAligned(size uint64) bool {
	return uint64(v)&(size-1) == 0
}

// PageOffset returns the offset of v into its smallest page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// IsAligned returns true if p is aligned to size, which must be a power of
// two.
func (p PhysAddr) IsAligned(size uint64) bool {
	return uint64(p)&(size-1) == 0
}

// PageRoundUp rounds size up to a whole number of pages. ok is false on
// overflow.
func PageRoundUp(size uint64) (uint64, bool) {
	r := (size + PageSize - 1) &^ (PageSize - 1)
	return r, r >= size
}

// AddrRange is a range of virtual addresses [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// Length returns the length of the range.
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// WellFormed returns true if ar.Start <= ar.End.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// Contains returns true if addr lies within ar.
func (ar AddrRange) Contains(addr Addr) bool {
	return ar.Start <= addr && addr < ar.End
}

// Overlaps returns true if ar and other share at least one address.
func (ar AddrRange) Overlaps(other AddrRange) bool {
	return ar.Start < other.End && other.Start < ar.End
}

// IsSupersetOf returns true if ar contains every address in other.
func (ar AddrRange) IsSupersetOf(other AddrRange) bool {
	return ar.Start <= other.Start && other.End <= ar.End
}

// String implements fmt.Stringer.String.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%v, %v)", ar.Start, ar.End)
}
