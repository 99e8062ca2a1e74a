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
	"fmt"
	"time"

	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/errors/kerr"
	"kalisto.dev/kalisto/pkg/log"
	"kalisto.dev/kalisto/pkg/pgalloc"
)

// Area is a virtual memory area: a contiguous range of virtual addresses
// backed by one or more subareas, in address order. The subareas' sizes
// add up to the size of the area.
//
// Areas in identity mapped segments (KSEG0, KSEG1) have a single subarea
// whose physical address is the virtual address minus the segment base.
type Area struct {
	alloc *pgalloc.Allocator

	start arch.Addr
	size  uint64
	flags kalisto.VMFlags

	// class is the size class new frames are requested in.
	class pgalloc.SizeClass

	subareas []*Subarea

	// freed is set once the area no longer owns frames.
	freed bool
}

// newArea returns an area with no backing. Allocate must be called before
// it is used.
func newArea(alloc *pgalloc.Allocator, start arch.Addr, size uint64, flags kalisto.VMFlags, class pgalloc.SizeClass) *Area {
	return &Area{
		alloc: alloc,
		start: start,
		size:  size,
		flags: flags,
		class: class,
	}
}

// Start returns the first address of the area.
func (a *Area) Start() arch.Addr {
	return a.start
}

// End returns one past the last address of the area.
func (a *Area) End() arch.Addr {
	return a.start + arch.Addr(a.size)
}

// Size returns the size of the area in bytes.
func (a *Area) Size() uint64 {
	return a.size
}

// Range returns the addresses covered by the area.
func (a *Area) Range() arch.AddrRange {
	return arch.AddrRange{Start: a.start, End: a.End()}
}

// Flags returns the placement flags the area was created with.
func (a *Area) Flags() kalisto.VMFlags {
	return a.flags
}

// Segment returns the virtual segment the area lies in.
func (a *Area) Segment() arch.Segment {
	seg, _ := a.flags.Segment()
	return seg
}

// Subareas returns the backing runs in address order.
func (a *Area) Subareas() []*Subarea {
	return append([]*Subarea(nil), a.subareas...)
}

// String implements fmt.Stringer.String.
func (a *Area) String() string {
	return fmt.Sprintf("%v %v %v", a.Range(), a.flags, a.subareas)
}

// Overlaps returns true if a and b share at least one address.
func (a *Area) Overlaps(b *Area) bool {
	return a.Range().Overlaps(b.Range())
}

// less orders areas by address. Overlapping areas are equivalent: neither
// is less than the other.
func less(a, b *Area) bool {
	return a.End() <= b.start
}

// checkLive panics if a was freed.
func (a *Area) checkLive() {
	if a.freed {
		panic(fmt.Sprintf("use of freed area %v", a.Range()))
	}
}

// identity returns true if the area lies in an identity mapped segment.
func (a *Area) identity() bool {
	return !a.Segment().Mapped()
}

// Allocate backs the area with frames.
//
// An identity mapped area gets a single run at the physical address
// matching its virtual address. If the flags ask for automatic placement
// the run is placed by the allocator and the area moves to match it.
//
// Other areas request frames of their class until the area is covered,
// accepting short runs as separate subareas. This only fails, with ENOMEM,
// if the allocator has no frame at all; frames obtained until then are
// released.
func (a *Area) Allocate() error {
	a.checkLive()
	if len(a.subareas) != 0 {
		panic(fmt.Sprintf("area %v allocated twice", a.Range()))
	}
	if a.identity() {
		return a.allocateIdentity()
	}
	if err := a.grow(a.size); err != nil {
		return err
	}
	if len(a.subareas) > 1 {
		fragments.Infof("Area %v of %d bytes fragmented into %d subareas", a.Range(), a.size, len(a.subareas))
	}
	return nil
}

// allocateIdentity implements Allocate for identity mapped areas.
func (a *Area) allocateIdentity() error {
	count := a.size >> pgalloc.Class4K.Shift()
	seg := a.Segment()
	var phys arch.PhysAddr
	var got uint64
	if a.flags.Auto() {
		phys, got = a.alloc.Alloc(0, count, pgalloc.Class4K, a.flags)
	} else {
		phys = seg.Physical(a.start)
		got = a.alloc.AllocAt(phys, count, pgalloc.Class4K)
	}
	if got < count {
		if got > 0 {
			a.alloc.Free(phys, got, pgalloc.Class4K)
		}
		if !a.flags.Auto() {
			// The caller chose frames that are reserved or in use.
			return fmt.Errorf("frames at %v for %v unavailable: %w", phys, a.Range(), kerr.EINVAL)
		}
		return fmt.Errorf("no %d byte run for %v: %w", a.size, seg, kerr.ENOMEM)
	}
	if a.flags.Auto() {
		a.start = seg.Virtual(phys)
	}
	a.subareas = []*Subarea{newSubarea(a.alloc, phys, pgalloc.Class4K, count)}
	return nil
}

// grow appends subareas holding n more bytes, fragmenting as needed. On
// failure the subareas added by this call are freed.
func (a *Area) grow(n uint64) error {
	before := len(a.subareas)
	frameSize := a.class.Size()
	remaining := n
	for remaining > 0 {
		want := (remaining + frameSize - 1) / frameSize
		phys, got := a.alloc.Alloc(0, want, a.class, a.flags.WithAuto())
		if got == 0 {
			for _, s := range a.subareas[before:] {
				s.Free()
			}
			a.subareas = a.subareas[:before]
			return fmt.Errorf("%d of %d bytes for %v unavailable: %w", remaining, n, a.Range(), kerr.ENOMEM)
		}
		a.appendRun(newSubarea(a.alloc, phys, a.class, got))
		remaining -= min(got*frameSize, remaining)
	}
	return nil
}

// appendRun adds s after the last subarea, merging the two if s continues
// it physically.
func (a *Area) appendRun(s *Subarea) {
	if n := len(a.subareas); n > 0 && a.subareas[n-1].adjoins(s) {
		a.subareas[n-1].count += s.count
		return
	}
	a.subareas = append(a.subareas, s)
}

// subareaAt returns the index of the subarea holding the byte at offset
// into the area, and the offset into that subarea.
func (a *Area) subareaAt(offset uint64) (int, uint64) {
	for i, s := range a.subareas {
		if offset < s.Size() {
			return i, offset
		}
		offset -= s.Size()
	}
	return len(a.subareas), offset
}

// Find returns the physical address backing addr and the size of the frame
// holding it.
func (a *Area) Find(addr arch.Addr) (arch.PhysAddr, uint64, bool) {
	if addr < a.start || addr >= a.End() {
		return 0, 0, false
	}
	i, offset := a.subareaAt(uint64(addr - a.start))
	if i == len(a.subareas) {
		return 0, 0, false
	}
	s := a.subareas[i]
	return s.phys + arch.PhysAddr(offset), s.FrameSize(), true
}

// Free releases every subarea. a must not be used afterwards.
func (a *Area) Free() {
	a.checkLive()
	for _, s := range a.subareas {
		s.Free()
	}
	a.subareas = nil
	a.freed = true
}

// frameSize returns the granularity of the area's size and address.
func (a *Area) frameSize() uint64 {
	if a.identity() {
		return arch.PageSize
	}
	return a.class.Size()
}

// Resize changes the size of the area to newSize, which must be a positive
// multiple of the area's frame size. Shrinking frees the frames past the new
// end; growing appends frames, physically right after the area for
// identity mapped areas.
//
// The caller is responsible for the grown range being free.
func (a *Area) Resize(newSize uint64) error {
	a.checkLive()
	if newSize == 0 || newSize%a.frameSize() != 0 {
		return fmt.Errorf("invalid size %#x for %v: %w", newSize, a.Range(), kerr.EINVAL)
	}
	if end, ok := a.start.AddLength(newSize); !ok || end > a.Segment().End() {
		return fmt.Errorf("size %#x takes %v out of %v: %w", newSize, a.Range(), a.Segment(), kerr.EINVAL)
	}
	switch {
	case newSize < a.size:
		a.shrink(newSize)
	case newSize > a.size && a.identity():
		last := a.subareas[0]
		extra := (newSize - a.size) >> pgalloc.Class4K.Shift()
		next := last.phys + arch.PhysAddr(last.Size())
		if got := a.alloc.AllocAt(next, extra, pgalloc.Class4K); got < extra {
			if got > 0 {
				a.alloc.Free(next, got, pgalloc.Class4K)
			}
			return fmt.Errorf("frames past %v unavailable: %w", a.Range(), kerr.EINVAL)
		}
		last.count += extra
	case newSize > a.size:
		if err := a.grow(newSize - a.size); err != nil {
			return err
		}
	}
	a.size = newSize
	return nil
}

// shrink drops the subareas past newSize and reduces the one it ends in.
func (a *Area) shrink(newSize uint64) {
	var covered uint64
	for i, s := range a.subareas {
		if covered+s.Size() < newSize {
			covered += s.Size()
			continue
		}
		s.Reduce(newSize - covered)
		for _, rest := range a.subareas[i+1:] {
			rest.Free()
		}
		a.subareas = a.subareas[:i+1]
		return
	}
}

// Split cuts the area at addr, which must be frame aligned and strictly
// inside it, and returns the upper part as a new area. The lower part
// stays in a.
func (a *Area) Split(addr arch.Addr) (*Area, error) {
	a.checkLive()
	if addr <= a.start || addr >= a.End() || !addr.IsAligned(a.frameSize()) {
		return nil, fmt.Errorf("cannot split %v at %v: %w", a.Range(), addr, kerr.EINVAL)
	}
	offset := uint64(addr - a.start)
	upper := newArea(a.alloc, addr, a.size-offset, a.flags, a.class)
	i, within := a.subareaAt(offset)
	if within == 0 {
		upper.subareas = append(upper.subareas, a.subareas[i:]...)
		a.subareas = a.subareas[:i]
	} else {
		rest, ok := a.subareas[i].Split(within)
		if !ok {
			panic(fmt.Sprintf("cannot split subarea %v at %#x", a.subareas[i], within))
		}
		upper.subareas = append([]*Subarea{rest}, a.subareas[i+1:]...)
		a.subareas = a.subareas[:i+1]
	}
	a.size = offset
	return upper, nil
}

// Merge appends next, which must start at a's end and have the same flags
// and class, to a. next is consumed.
func (a *Area) Merge(next *Area) error {
	a.checkLive()
	next.checkLive()
	if next.start != a.End() || next.flags.WithAuto() != a.flags.WithAuto() || next.class != a.class {
		return fmt.Errorf("cannot merge %v into %v: %w", next, a, kerr.EINVAL)
	}
	for _, s := range next.subareas {
		a.appendRun(s)
	}
	a.size += next.size
	next.subareas = nil
	next.freed = true
	return nil
}

// Remap moves the area to newStart, keeping its frames. Identity mapped
// areas cannot move.
//
// The caller is responsible for the new range being free.
func (a *Area) Remap(newStart arch.Addr) error {
	a.checkLive()
	if a.identity() {
		return fmt.Errorf("cannot move identity mapped %v: %w", a.Range(), kerr.EINVAL)
	}
	end, ok := newStart.AddLength(a.size)
	if !ok || !newStart.IsAligned(a.frameSize()) || arch.SegmentOf(newStart) != a.Segment() || end > a.Segment().End() {
		return fmt.Errorf("cannot move %v to %v: %w", a.Range(), newStart, kerr.EINVAL)
	}
	a.start = newStart
	return nil
}

// fragments logs fragmented allocations, which under memory pressure can
// happen on every allocation.
var fragments = log.BasicRateLimitedLogger(time.Second)
