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

package tlb

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/errors/kerr"
)

// fakeSpace maps [base, base+size) linearly onto frames of frameSize bytes
// starting at phys.
type fakeSpace struct {
	name      string
	base      arch.Addr
	phys      arch.PhysAddr
	size      uint64
	frameSize uint64
	evicted   []ASID
}

func (s *fakeSpace) Translate(va arch.Addr) (arch.PhysAddr, uint64, bool) {
	if va < s.base || uint64(va-s.base) >= s.size {
		return 0, 0, false
	}
	return s.phys + arch.PhysAddr(va-s.base), s.frameSize, true
}

func (s *fakeSpace) ASIDEvicted(asid ASID) {
	s.evicted = append(s.evicted, asid)
}

func (s *fakeSpace) String() string {
	return s.name
}

func newDriver(t *testing.T, asids int) (*Driver, *SoftTLB) {
	t.Helper()
	hw := NewDefaultSoftTLB()
	d, err := NewDriver(hw, Options{ASIDs: asids})
	if err != nil {
		t.Fatalf("NewDriver failed: %v", err)
	}
	return d, hw
}

// countEntries returns the number of valid entries tagged with asid.
func countEntries(hw *SoftTLB, asid ASID) int {
	n := 0
	for i := 0; i < hw.Size(); i++ {
		if e := hw.Read(i); e.Valid() && e.ASID() == asid {
			n++
		}
	}
	return n
}

func translate(t *testing.T, hw *SoftTLB, asid ASID, va arch.Addr) (arch.PhysAddr, error) {
	t.Helper()
	hw.SetASID(asid)
	pa, _, err := hw.Translate(va, true)
	return pa, err
}

func TestSetMappingKeepsSibling(t *testing.T) {
	d, hw := newDriver(t, 0)
	const asid = 3
	if err := d.SetMapping(asid, 0x10000, 0x200000, 4<<10); err != nil {
		t.Fatalf("SetMapping(even) failed: %v", err)
	}
	if err := d.SetMapping(asid, 0x11000, 0x300000, 4<<10); err != nil {
		t.Fatalf("SetMapping(odd) failed: %v", err)
	}
	if got := countEntries(hw, asid); got != 1 {
		t.Errorf("%d entries for the page pair, want 1", got)
	}
	for va, want := range map[arch.Addr]arch.PhysAddr{0x10010: 0x200010, 0x11020: 0x300020} {
		if pa, err := translate(t, hw, asid, va); err != nil || pa != want {
			t.Errorf("Translate(%v) = %v, %v, want %v", va, pa, err, want)
		}
	}

	// Remapping one half leaves the other alone.
	if err := d.SetMapping(asid, 0x10000, 0x500000, 4<<10); err != nil {
		t.Fatalf("SetMapping(remap) failed: %v", err)
	}
	if pa, err := translate(t, hw, asid, 0x11000); err != nil || pa != 0x300000 {
		t.Errorf("Translate(odd) after remapping even = %v, %v", pa, err)
	}
}

func TestSetMappingPageSizeChange(t *testing.T) {
	d, hw := newDriver(t, 0)
	const asid = 1
	if err := d.SetMapping(asid, 0x10000, 0x200000, 4<<10); err != nil {
		t.Fatalf("SetMapping(4K) failed: %v", err)
	}
	if err := d.SetMapping(asid, 0x11000, 0x300000, 4<<10); err != nil {
		t.Fatalf("SetMapping(4K) failed: %v", err)
	}
	// A 16K page over the same pair drops both 4K halves.
	if err := d.SetMapping(asid, 0x10000, 0x400000, 16<<10); err != nil {
		t.Fatalf("SetMapping(16K) failed: %v", err)
	}
	if got := countEntries(hw, asid); got != 1 {
		t.Errorf("%d entries, want 1", got)
	}
	if pa, err := translate(t, hw, asid, 0x11000); err != nil || pa != 0x401000 {
		t.Errorf("Translate(0x11000) = %v, %v, want 0x401000", pa, err)
	}
	if _, err := translate(t, hw, asid, 0x14000); err != ErrInvalid {
		t.Errorf("Translate(odd 16K page) error = %v, want %v", err, ErrInvalid)
	}
}

func TestSetMappingLargerPurgesSmaller(t *testing.T) {
	d, hw := newDriver(t, 0)
	const asid = 2
	if err := d.SetMapping(asid, 0x12000, 0x200000, 4<<10); err != nil {
		t.Fatalf("SetMapping(4K) failed: %v", err)
	}
	if err := d.SetMapping(asid, 0x10000, 0x400000, 16<<10); err != nil {
		t.Fatalf("SetMapping(16K) failed: %v", err)
	}
	// With the 4K pair left in place this would be a multiple match.
	if pa, err := translate(t, hw, asid, 0x12000); err != nil || pa != 0x402000 {
		t.Errorf("Translate(0x12000) = %v, %v, want 0x402000", pa, err)
	}
}

func TestSetMappingRejects(t *testing.T) {
	d, _ := newDriver(t, 0)
	for _, tc := range []struct {
		va       arch.Addr
		pa       arch.PhysAddr
		pageSize uint64
	}{
		{0x10000, 0x200000, 8 << 10},
		{0x11000, 0x200000, 16 << 10},
		{0x10000, 0x201000, 16 << 10},
		{arch.KSEG0Base, 0, 4 << 10},
	} {
		if err := d.SetMapping(1, tc.va, tc.pa, tc.pageSize); !errors.Is(err, kerr.EINVAL) {
			t.Errorf("SetMapping(%v, %v, %#x) = %v, want EINVAL", tc.va, tc.pa, tc.pageSize, err)
		}
	}
}

func TestClearASIDAndRange(t *testing.T) {
	d, hw := newDriver(t, 0)
	for i := 0; i < 4; i++ {
		va := arch.Addr(0x100000 + i*0x2000)
		for _, asid := range []ASID{1, 2} {
			if err := d.SetMapping(asid, va, arch.PhysAddr(0x200000+i*0x2000), 4<<10); err != nil {
				t.Fatalf("SetMapping failed: %v", err)
			}
		}
	}
	if got := d.ClearRange(1, arch.AddrRange{Start: 0x102000, End: 0x105000}); got != 2 {
		t.Errorf("ClearRange removed %d entries, want 2", got)
	}
	if got := countEntries(hw, 1); got != 2 {
		t.Errorf("%d entries left for ASID 1, want 2", got)
	}
	if got := d.ClearASID(2); got != 4 {
		t.Errorf("ClearASID(2) removed %d entries, want 4", got)
	}
	if got := countEntries(hw, 2); got != 0 {
		t.Errorf("%d entries left for ASID 2, want 0", got)
	}
	if got := countEntries(hw, 1); got != 2 {
		t.Errorf("ClearASID(2) changed ASID 1: %d entries, want 2", got)
	}
}

// TestASIDExhaustion activates one address space more than there are ASIDs.
func TestASIDExhaustion(t *testing.T) {
	d, hw := newDriver(t, 0)
	spaces := make([]*fakeSpace, kalisto.ASID_COUNT+1)
	for i := range spaces {
		spaces[i] = &fakeSpace{
			name:      fmt.Sprintf("space%d", i),
			base:      0x10000,
			phys:      0x400000,
			size:      0x10000,
			frameSize: 4 << 10,
		}
	}

	seen := make(map[ASID]bool)
	for i, s := range spaces[:kalisto.ASID_COUNT] {
		asid := d.Activate(s)
		if seen[asid] {
			t.Fatalf("ASID %d handed out twice", asid)
		}
		seen[asid] = true
		if i == 0 {
			if err := d.Refill(0x10000); err != nil {
				t.Fatalf("Refill failed: %v", err)
			}
		}
	}
	if diff := cmp.Diff(Stats{ASIDs: kalisto.ASID_COUNT, Assigned: kalisto.ASID_COUNT}, d.Stats()); diff != "" {
		t.Errorf("Stats after exhausting ASIDs (-want +got):\n%s", diff)
	}
	victimASID, _ := d.ASIDOf(spaces[0])
	if got := countEntries(hw, victimASID); got != 1 {
		t.Fatalf("%d entries for the first space, want 1", got)
	}

	last := spaces[kalisto.ASID_COUNT]
	asid := d.Activate(last)
	if asid != victimASID {
		t.Errorf("new space got ASID %d, want the reclaimed ASID %d", asid, victimASID)
	}
	if diff := cmp.Diff([]ASID{victimASID}, spaces[0].evicted); diff != "" {
		t.Errorf("eviction notifications (-want +got):\n%s", diff)
	}
	if _, ok := d.ASIDOf(spaces[0]); ok {
		t.Errorf("evicted space still has an ASID")
	}
	if got := countEntries(hw, asid); got != 0 {
		t.Errorf("%d stale entries for the reclaimed ASID", got)
	}
	if got := d.Owner(asid); got != AddressSpace(last) {
		t.Errorf("Owner(%d) = %v, want %v", asid, got, last)
	}
	if got := d.Stats().Evictions; got != 1 {
		t.Errorf("Evictions = %d, want 1", got)
	}

	// The evicted space gets a fresh ASID the next time it runs, and its
	// translations come back through refills.
	asid = d.Activate(spaces[0])
	if err := d.Refill(0x10040); err != nil {
		t.Fatalf("Refill after eviction failed: %v", err)
	}
	if pa, err := translate(t, hw, asid, 0x10040); err != nil || pa != 0x400040 {
		t.Errorf("Translate after eviction = %v, %v", pa, err)
	}
}

func TestEvictionSkipsActive(t *testing.T) {
	d, _ := newDriver(t, 2)
	a, b, c := &fakeSpace{name: "a"}, &fakeSpace{name: "b"}, &fakeSpace{name: "c"}
	d.Activate(a)
	d.Activate(b)
	d.Activate(c)
	if len(a.evicted) != 1 || len(b.evicted) != 0 {
		t.Fatalf("evictions a=%v b=%v, want only a", a.evicted, b.evicted)
	}
	d.GetASID(a)
	if len(b.evicted) != 1 {
		t.Fatalf("evictions b=%v, want b", b.evicted)
	}
	d.GetASID(b)
	if len(c.evicted) != 0 {
		t.Errorf("active space c was evicted")
	}
	if len(a.evicted) != 2 {
		t.Errorf("evictions a=%v, want two", a.evicted)
	}
	if got := d.Active(); got != AddressSpace(c) {
		t.Errorf("Active() = %v, want c", got)
	}
}

func TestReturnASID(t *testing.T) {
	d, hw := newDriver(t, 0)
	s := &fakeSpace{name: "s", base: 0x10000, phys: 0x400000, size: 0x4000, frameSize: 16 << 10}
	asid := d.Activate(s)
	if err := d.Refill(0x10000); err != nil {
		t.Fatalf("Refill failed: %v", err)
	}
	d.Forget(s)
	if got := countEntries(hw, asid); got != 0 {
		t.Errorf("%d entries left after Forget", got)
	}
	if d.Active() != nil {
		t.Errorf("Active() after Forget of the active space = %v, want nil", d.Active())
	}
	if got := d.Stats().Assigned; got != 0 {
		t.Errorf("Assigned = %d, want 0", got)
	}
	// Returning a free ASID is harmless.
	d.ReturnASID(asid)
	if got := d.GetASID(&fakeSpace{name: "t"}); got != asid {
		t.Errorf("GetASID = %d, want the returned ASID %d", got, asid)
	}
}

func TestRefill(t *testing.T) {
	d, hw := newDriver(t, 0)
	if err := d.Refill(0x10000); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Refill with no active space = %v, want %v", err, ErrNotMapped)
	}

	// 64K frames, but virtual and physical addresses only agree modulo 16K.
	s := &fakeSpace{name: "s", base: 0x10000, phys: 0x804000, size: 0x40000, frameSize: 64 << 10}
	asid := d.Activate(s)
	if err := d.Refill(0x23456); err != nil {
		t.Fatalf("Refill failed: %v", err)
	}
	i, ok := hw.Lookup(EntryHi(0x23456, 16<<10, asid))
	if !ok {
		t.Fatalf("no entry after Refill")
	}
	if got := hw.Read(i).PageSize(); got != 16<<10 {
		t.Errorf("refilled page size = %#x, want 16K", got)
	}
	if pa, err := translate(t, hw, asid, 0x23456); err != nil || pa != 0x817456 {
		t.Errorf("Translate = %v, %v, want 0x817456", pa, err)
	}

	for _, va := range []arch.Addr{0x8000, 0x50000, arch.KSEG1Base} {
		err := d.Refill(va)
		if !errors.Is(err, ErrNotMapped) || !errors.Is(err, kerr.EFAULT) {
			t.Errorf("Refill(%v) = %v, want %v", va, err, ErrNotMapped)
		}
	}
}

func TestRefillPageSize(t *testing.T) {
	for _, tc := range []struct {
		va        arch.Addr
		pa        arch.PhysAddr
		frameSize uint64
		want      uint64
	}{
		{0x10000, 0x20000, 4 << 10, 4 << 10},
		{0x40000, 0x1000000, 1 << 20, 256 << 10},
		{0x1000000, 0x2000000, 16 << 20, 16 << 20},
		{0x1001000, 0x2001000, 16 << 20, 16 << 20},
		{0x1001000, 0x2000000, 16 << 20, 4 << 10},
		{0x400000, 0x2400000, 4 << 20, 4 << 20},
	} {
		if got := RefillPageSize(tc.va, tc.pa, tc.frameSize); got != tc.want {
			t.Errorf("RefillPageSize(%v, %v, %#x) = %#x, want %#x", tc.va, tc.pa, tc.frameSize, got, tc.want)
		}
	}
}

func TestNewDriverRejects(t *testing.T) {
	if _, err := NewDriver(NewDefaultSoftTLB(), Options{ASIDs: kalisto.ASID_COUNT + 1}); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("NewDriver with too many ASIDs = %v, want EINVAL", err)
	}
}
