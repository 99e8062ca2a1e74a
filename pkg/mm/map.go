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

// Package mm implements process address spaces. A Map is an ordered set of
// virtual memory areas. Each area is backed by frames from pgalloc, one per
// Subarea, and its translations are installed on demand by the tlb driver.
package mm

import (
	"fmt"
	"sync/atomic"

	"github.com/google/btree"
	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/errors/kerr"
	"kalisto.dev/kalisto/pkg/log"
	"kalisto.dev/kalisto/pkg/machine"
	"kalisto.dev/kalisto/pkg/pgalloc"
	"kalisto.dev/kalisto/pkg/sync"
	"kalisto.dev/kalisto/pkg/tlb"
)

// VirtualMemoryMap is the interface address spaces expose to the rest of
// the kernel.
type VirtualMemoryMap interface {
	tlb.AddressSpace

	// Allocate creates an area of at least size bytes in the segment
	// selected by flags, at addr unless flags ask for automatic
	// placement, and returns its start.
	Allocate(addr arch.Addr, size uint64, flags kalisto.VMFlags) (arch.Addr, error)

	// Free destroys the area starting at addr.
	Free(addr arch.Addr) error

	// CheckIfFree returns true if no area overlaps [addr, addr+size).
	CheckIfFree(addr arch.Addr, size uint64) bool

	// SwitchTo makes the address space active on the processor.
	SwitchTo()

	// SwitchOff deactivates the address space if it is active.
	SwitchOff()

	// CopyTo copies size bytes at srcAddr in this address space to
	// dstAddr in dst.
	CopyTo(srcAddr arch.Addr, dst VirtualMemoryMap, dstAddr arch.Addr, size uint64) error
}

var _ VirtualMemoryMap = (*Map)(nil)
var _ tlb.EvictionNotifier = (*Map)(nil)

const (
	// defaultCopyChunk is the default number of bytes CopyTo moves per
	// critical section.
	defaultCopyChunk = 256

	// btreeDegree is the degree of the area index.
	btreeDegree = 8
)

// Options configures a Map.
type Options struct {
	// DefaultClass is the size class of frames backing areas in mapped
	// segments.
	DefaultClass pgalloc.SizeClass

	// CopyChunk is the number of bytes CopyTo copies with interrupts
	// disabled. Zero means 256.
	CopyChunk int
}

// Map is an address space: the set of areas of one process, and the
// translations the TLB driver loads from them.
//
// Lock order:
//
//	machine.Processor.Interrupts
//	  Map.mu
//	    tlb.Driver.mu
//	      pgalloc.Allocator.mu
type Map struct {
	alloc *pgalloc.Allocator
	proc  *machine.Processor
	opts  Options

	mu sync.Mutex

	// areas holds non-overlapping areas ordered by address. Protected by
	// mu.
	areas *btree.BTreeG[*Area]

	// released is set by Release. Protected by mu.
	released bool

	// evictions counts how often the driver reclaimed this map's ASID.
	evictions atomic.Uint64
}

// NewMap returns an empty address space whose frames come from alloc and
// whose translations are loaded into proc's TLB.
func NewMap(alloc *pgalloc.Allocator, proc *machine.Processor, opts Options) (*Map, error) {
	if opts.DefaultClass > alloc.MaxClass() {
		return nil, fmt.Errorf("default frame class %v above largest class %v: %w", opts.DefaultClass, alloc.MaxClass(), kerr.EINVAL)
	}
	if opts.CopyChunk < 0 {
		return nil, fmt.Errorf("negative copy chunk %d: %w", opts.CopyChunk, kerr.EINVAL)
	}
	if opts.CopyChunk == 0 {
		opts.CopyChunk = defaultCopyChunk
	}
	return &Map{
		alloc: alloc,
		proc:  proc,
		opts:  opts,
		areas: btree.NewG(btreeDegree, less),
	}, nil
}

// keyAt returns an area usable as a key for [start, start+size).
func keyAt(start arch.Addr, size uint64) *Area {
	return &Area{start: start, size: size}
}

// checkReleasedLocked panics if Release was called.
//
// Preconditions: m.mu must be locked.
func (m *Map) checkReleasedLocked() {
	if m.released {
		panic(fmt.Sprintf("use of released address space %p", m))
	}
}

// critical runs fn with interrupts disabled and m.mu locked. Changes to the
// area index and the TLB made by fn are then atomic with respect to TLB
// refills, which run with interrupts disabled.
func (m *Map) critical(fn func()) {
	m.proc.Interrupts.Off(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		fn()
	})
}

// autoBase returns where the search for a free range in an empty seg
// starts. The first page of KUSEG stays unmapped so that null pointers
// fault.
func autoBase(seg arch.Segment) arch.Addr {
	if seg == arch.KUSEG {
		return seg.Base() + arch.PageSize
	}
	return seg.Base()
}

// Allocate implements VirtualMemoryMap.Allocate.
//
// The size is rounded up to whole frames of the map's default class, or
// whole pages in the identity mapped segments. A caller supplied address
// must be aligned to that granularity and the range must be free.
//
// Allocate returns EINVAL for malformed or conflicting requests and ENOMEM
// if physical memory or virtual address space is exhausted.
func (m *Map) Allocate(addr arch.Addr, size uint64, flags kalisto.VMFlags) (start arch.Addr, err error) {
	m.critical(func() {
		start, err = m.allocateLocked(addr, size, flags)
	})
	return start, err
}

// Preconditions: interrupts are disabled. m.mu must be locked.
func (m *Map) allocateLocked(addr arch.Addr, size uint64, flags kalisto.VMFlags) (arch.Addr, error) {
	m.checkReleasedLocked()

	if !flags.Valid() || size == 0 {
		return 0, fmt.Errorf("invalid request for %#x bytes with %v: %w", size, flags, kerr.EINVAL)
	}
	seg, _ := flags.Segment()
	class := m.opts.DefaultClass
	if !seg.Mapped() {
		class = pgalloc.Class4K
	}
	granule := class.Size()
	rounded := (size + granule - 1) &^ (granule - 1)
	if rounded < size {
		return 0, fmt.Errorf("size %#x overflows: %w", size, kerr.EINVAL)
	}
	size = rounded

	switch {
	case flags.Auto() && seg.Mapped():
		start, ok := m.findGapLocked(seg, size, granule)
		if !ok {
			return 0, fmt.Errorf("no %#x byte range free in %v: %w", size, seg, kerr.ENOMEM)
		}
		addr = start
	case flags.Auto():
		// Placed by the allocator in Allocate.
		addr = 0
	default:
		end, ok := addr.AddLength(size)
		if !ok || !addr.IsAligned(granule) || arch.SegmentOf(addr) != seg || end > seg.End() {
			return 0, fmt.Errorf("range [%v, +%#x) not usable in %v: %w", addr, size, seg, kerr.EINVAL)
		}
		if !m.checkIfFreeLocked(addr, size) {
			return 0, fmt.Errorf("range [%v, +%#x) in use: %w", addr, size, kerr.EINVAL)
		}
	}

	a := newArea(m.alloc, addr, size, flags, class)
	if err := a.Allocate(); err != nil {
		return 0, err
	}
	m.insertLocked(a)
	log.Debugf("Allocated area %v", a)
	return a.Start(), nil
}

// insertLocked adds a to the index.
//
// Preconditions: m.mu must be locked. a does not overlap any area.
func (m *Map) insertLocked(a *Area) {
	if old, ok := m.areas.ReplaceOrInsert(a); ok {
		panic(fmt.Sprintf("area %v overlaps %v", a, old))
	}
}

// findGapLocked returns the first address in seg, aligned to granule, at
// which size bytes are free, scanning upwards from the lowest area of seg.
// An empty seg is scanned from autoBase.
//
// Preconditions: m.mu must be locked.
func (m *Map) findGapLocked(seg arch.Segment, size, granule uint64) (arch.Addr, bool) {
	candidate := autoBase(seg)
	// Areas never cross segments, so the first area ending above the base
	// is the lowest area of seg, if it starts inside it.
	m.areas.AscendGreaterOrEqual(keyAt(seg.Base(), 1), func(a *Area) bool {
		if a.Start() < seg.End() {
			candidate = a.Start()
		}
		return false
	})
	candidate = (candidate + arch.Addr(granule-1)) &^ arch.Addr(granule-1)
	m.areas.AscendGreaterOrEqual(keyAt(candidate, 1), func(a *Area) bool {
		if end, ok := candidate.AddLength(size); ok && end <= a.Start() {
			return false
		}
		candidate = (a.End() + arch.Addr(granule-1)) &^ arch.Addr(granule-1)
		return candidate < seg.End()
	})
	end, ok := candidate.AddLength(size)
	return candidate, ok && end <= seg.End()
}

// CheckIfFree implements VirtualMemoryMap.CheckIfFree.
func (m *Map) CheckIfFree(addr arch.Addr, size uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkIfFreeLocked(addr, size)
}

// Preconditions: m.mu must be locked.
func (m *Map) checkIfFreeLocked(addr arch.Addr, size uint64) bool {
	if size == 0 {
		return false
	}
	if _, ok := addr.AddLength(size); !ok {
		return false
	}
	return !m.areas.Has(keyAt(addr, size))
}

// Free implements VirtualMemoryMap.Free. addr must be the start of an area;
// an address inside an area is EINVAL.
//
// The area leaves the index, its translations leave the TLB and its frames
// return to the allocator in one critical section, so no refill can map
// the frames once they are free.
func (m *Map) Free(addr arch.Addr) (err error) {
	m.critical(func() {
		err = m.freeLocked(addr)
	})
	return err
}

// Preconditions: interrupts are disabled. m.mu must be locked.
func (m *Map) freeLocked(addr arch.Addr) error {
	m.checkReleasedLocked()

	a, ok := m.areas.Get(keyAt(addr, 1))
	if !ok || a.Start() != addr {
		return fmt.Errorf("no area starts at %v: %w", addr, kerr.EINVAL)
	}
	m.areas.Delete(a)
	m.purgeLocked(a.Range())
	a.Free()
	log.Debugf("Freed area at %v", addr)
	return nil
}

// purgeLocked drops the TLB entries of the map covering r.
//
// Preconditions: m.mu must be locked.
func (m *Map) purgeLocked(r arch.AddrRange) {
	if !arch.SegmentOf(r.Start).Mapped() {
		return
	}
	d := m.proc.Driver()
	if asid, ok := d.ASIDOf(m); ok {
		d.ClearRange(asid, r)
	}
}

// Translate implements tlb.AddressSpace.Translate: it returns the physical
// address backing va and the size of the frame holding it.
func (m *Map) Translate(va arch.Addr) (arch.PhysAddr, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.areas.Get(keyAt(va, 1))
	if !ok {
		return 0, 0, false
	}
	return a.Find(va)
}

// Find returns the area containing addr.
func (m *Map) Find(addr arch.Addr) (*Area, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.areas.Get(keyAt(addr, 1))
}

// Areas returns the areas of the map in address order.
func (m *Map) Areas() []*Area {
	m.mu.Lock()
	defer m.mu.Unlock()
	areas := make([]*Area, 0, m.areas.Len())
	m.areas.Ascend(func(a *Area) bool {
		areas = append(areas, a)
		return true
	})
	return areas
}

// SwitchTo implements VirtualMemoryMap.SwitchTo.
func (m *Map) SwitchTo() {
	m.mu.Lock()
	m.checkReleasedLocked()
	m.mu.Unlock()
	m.proc.Driver().Activate(m)
}

// SwitchOff implements VirtualMemoryMap.SwitchOff.
func (m *Map) SwitchOff() {
	d := m.proc.Driver()
	if d.Active() == m {
		d.Deactivate()
	}
}

// ASIDEvicted implements tlb.EvictionNotifier.ASIDEvicted.
func (m *Map) ASIDEvicted(asid tlb.ASID) {
	m.evictions.Add(1)
}

// Evictions returns how often the map's ASID was reclaimed.
func (m *Map) Evictions() uint64 {
	return m.evictions.Load()
}

// CopyTo implements VirtualMemoryMap.CopyTo.
//
// Both ranges must be mapped, else EFAULT is returned and nothing is
// copied. The copy runs in chunks, each with interrupts disabled, switching
// between the two address spaces. The address space active on entry is
// active again on return.
func (m *Map) CopyTo(srcAddr arch.Addr, dst VirtualMemoryMap, dstAddr arch.Addr, size uint64) error {
	if size == 0 {
		return nil
	}
	if !mapped(m, srcAddr, size) {
		return fmt.Errorf("source [%v, +%#x) not mapped: %w", srcAddr, size, kerr.EFAULT)
	}
	if !mapped(dst, dstAddr, size) {
		return fmt.Errorf("destination [%v, +%#x) not mapped: %w", dstAddr, size, kerr.EFAULT)
	}

	d := m.proc.Driver()
	prev := d.Active()
	defer func() {
		if prev == nil {
			d.Deactivate()
		} else {
			d.Activate(prev)
		}
	}()

	buf := make([]byte, m.opts.CopyChunk)
	for size > 0 {
		n := min(uint64(len(buf)), size)
		var err error
		m.proc.Interrupts.Off(func() {
			m.SwitchTo()
			if err = m.proc.ReadAtLocked(machine.Kernel, srcAddr, buf[:n]); err != nil {
				return
			}
			dst.SwitchTo()
			err = m.proc.WriteAtLocked(machine.Kernel, dstAddr, buf[:n])
		})
		if err != nil {
			return err
		}
		srcAddr += arch.Addr(n)
		dstAddr += arch.Addr(n)
		size -= n
	}
	return nil
}

// mapped returns true if every byte of [addr, addr+size) is mapped in as.
func mapped(as tlb.AddressSpace, addr arch.Addr, size uint64) bool {
	end, ok := addr.AddLength(size)
	if !ok {
		return false
	}
	for addr < end {
		_, frameSize, ok := as.Translate(addr)
		if !ok {
			return false
		}
		addr = (addr &^ arch.Addr(frameSize-1)) + arch.Addr(frameSize)
	}
	return true
}

// Resize changes the size of the area starting at addr. Growing requires
// the range past the area to be free.
func (m *Map) Resize(addr arch.Addr, newSize uint64) error {
	var err error
	m.critical(func() {
		err = m.resizeLocked(addr, newSize)
	})
	return err
}

// Preconditions: interrupts are disabled. m.mu must be locked.
func (m *Map) resizeLocked(addr arch.Addr, newSize uint64) error {
	m.checkReleasedLocked()

	a, err := m.areaAtLocked(addr)
	if err != nil {
		return err
	}
	old := a.Range()
	if newSize > a.Size() && !m.checkIfFreeLocked(old.End, newSize-a.Size()) {
		return fmt.Errorf("cannot grow %v to %#x bytes: %w", old, newSize, kerr.EINVAL)
	}
	// The area keeps its place in the index: it only grows into free
	// space or shrinks.
	if err := a.Resize(newSize); err != nil {
		return err
	}
	if a.End() < old.End {
		m.purgeLocked(arch.AddrRange{Start: a.End(), End: old.End})
	}
	return nil
}

// Split cuts the area starting at addr in two at at.
func (m *Map) Split(addr, at arch.Addr) error {
	var err error
	m.critical(func() {
		err = m.splitLocked(addr, at)
	})
	return err
}

// Preconditions: interrupts are disabled. m.mu must be locked.
func (m *Map) splitLocked(addr, at arch.Addr) error {
	m.checkReleasedLocked()

	a, err := m.areaAtLocked(addr)
	if err != nil {
		return err
	}
	upper, err := a.Split(at)
	if err != nil {
		return err
	}
	m.insertLocked(upper)
	return nil
}

// Merge joins the area starting at addr with the area starting at its end.
func (m *Map) Merge(addr arch.Addr) error {
	var err error
	m.critical(func() {
		err = m.mergeLocked(addr)
	})
	return err
}

// Preconditions: interrupts are disabled. m.mu must be locked.
func (m *Map) mergeLocked(addr arch.Addr) error {
	m.checkReleasedLocked()

	a, err := m.areaAtLocked(addr)
	if err != nil {
		return err
	}
	next, err := m.areaAtLocked(a.End())
	if err != nil {
		return err
	}
	m.areas.Delete(next)
	if err := a.Merge(next); err != nil {
		m.insertLocked(next)
		return err
	}
	return nil
}

// Remap moves the area starting at addr to newStart, which must be free.
func (m *Map) Remap(addr, newStart arch.Addr) error {
	var err error
	m.critical(func() {
		err = m.remapLocked(addr, newStart)
	})
	return err
}

// Preconditions: interrupts are disabled. m.mu must be locked.
func (m *Map) remapLocked(addr, newStart arch.Addr) error {
	m.checkReleasedLocked()

	a, err := m.areaAtLocked(addr)
	if err != nil {
		return err
	}
	m.areas.Delete(a)
	old := a.Range()
	if !m.checkIfFreeLocked(newStart, a.Size()) {
		m.insertLocked(a)
		return fmt.Errorf("cannot move %v to %v: %w", old, newStart, kerr.EINVAL)
	}
	if err := a.Remap(newStart); err != nil {
		m.insertLocked(a)
		return err
	}
	m.insertLocked(a)
	m.purgeLocked(old)
	return nil
}

// areaAtLocked returns the area starting at addr.
//
// Preconditions: m.mu must be locked.
func (m *Map) areaAtLocked(addr arch.Addr) (*Area, error) {
	a, ok := m.areas.Get(keyAt(addr, 1))
	if !ok || a.Start() != addr {
		return nil, fmt.Errorf("no area starts at %v: %w", addr, kerr.EINVAL)
	}
	return a, nil
}

// Release frees every area and returns the map's ASID. The map must not be
// used afterwards; calling Release again is a no-op.
func (m *Map) Release() {
	m.critical(func() {
		if m.released {
			return
		}
		m.proc.Driver().Forget(m)
		m.areas.Ascend(func(a *Area) bool {
			a.Free()
			return true
		})
		m.areas.Clear(false)
		m.released = true
	})
}
