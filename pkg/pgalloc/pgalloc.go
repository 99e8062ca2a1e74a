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

// Package pgalloc contains the physical frame allocator.
//
// Physical memory is handed out in frames of seven sizes, each FrameStep
// times the previous one (4 KiB to 16 MiB). Memory is split into two
// segments: KSEG, the low 512 MiB reachable through the identity mapped
// kernel segments, and KUSEG, everything above it. Every segment keeps one
// bitmap per size class; a set bit marks a used frame.
//
// The bitmaps of a segment obey the hierarchy invariant: a frame of class
// k > 0 is used iff at least one of the FrameStep frames of class k-1 it
// covers is used. Every operation below restores it before returning.
//
// Lock order:
//
//	Allocator.mu
package pgalloc

import (
	"fmt"

	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/bitmap"
	"kalisto.dev/kalisto/pkg/errors/kerr"
	"kalisto.dev/kalisto/pkg/log"
	"kalisto.dev/kalisto/pkg/sync"
)

// FrameStep is the ratio between the sizes of adjacent size classes.
const FrameStep = 4

// SizeClass selects one of the supported frame sizes.
type SizeClass uint8

// Supported size classes, smallest first.
const (
	Class4K SizeClass = iota
	Class16K
	Class64K
	Class256K
	Class1M
	Class4M
	Class16M

	// NumClasses is the number of size classes.
	NumClasses = iota
)

// MaxSizeClass is the largest supported size class.
const MaxSizeClass = Class16M

// Size returns the size in bytes of a frame of class c.
func (c SizeClass) Size() uint64 {
	return arch.PageSize << (2 * uint(c))
}

// Shift returns the binary log of c.Size().
func (c SizeClass) Shift() uint {
	return arch.PageShift + 2*uint(c)
}

// frames returns how many frames of class to are covered by one frame of
// class c.
//
// Precondition: to <= c.
func (c SizeClass) frames(to SizeClass) uint32 {
	return 1 << (2 * uint(c-to))
}

// String implements fmt.Stringer.String.
func (c SizeClass) String() string {
	switch s := c.Size(); {
	case c >= NumClasses:
		return fmt.Sprintf("SizeClass(%d)", uint8(c))
	case s >= 1<<20:
		return fmt.Sprintf("%dM", s>>20)
	default:
		return fmt.Sprintf("%dK", s>>10)
	}
}

// ClassOf returns the class whose frames are exactly size bytes.
func ClassOf(size uint64) (SizeClass, bool) {
	for c := Class4K; c <= MaxSizeClass; c++ {
		if c.Size() == size {
			return c, true
		}
	}
	return 0, false
}

// Segment is a physical memory segment.
type Segment uint8

const (
	// KSEG is physical memory below arch.KSEGSize, accessible through the
	// identity mapped KSEG0 and KSEG1 without a TLB entry.
	KSEG Segment = iota

	// KUSEG is physical memory at or above arch.KSEGSize, reachable only
	// through the TLB.
	KUSEG

	numSegments
)

// String implements fmt.Stringer.String.
func (s Segment) String() string {
	switch s {
	case KSEG:
		return "KSEG"
	case KUSEG:
		return "KUSEG"
	default:
		return fmt.Sprintf("Segment(%d)", uint8(s))
	}
}

// Options configures an Allocator.
type Options struct {
	// MemorySize is the size of physical memory in bytes. It must be a
	// multiple of the smallest frame size.
	MemorySize uint64

	// KernelEnd is the first physical address after the kernel image.
	// Frame bitmaps are placed right after it.
	KernelEnd arch.PhysAddr

	// MaxClass is the largest size class the allocator may use. The class
	// actually used is the largest one not above MaxClass that divides
	// MemorySize.
	MaxClass SizeClass
}

// lastFreed remembers the most recently freed run of a segment, in frames
// of the smallest class.
type lastFreed struct {
	first uint32
	count uint32
}

// segment is the bookkeeping for one physical segment.
type segment struct {
	// base is the physical address of the first frame.
	base arch.PhysAddr

	// size is the size of the segment in bytes. It is a multiple of the
	// largest class in use.
	size uint64

	// used holds one bitmap per size class in use. used[c] has
	// size/c.Size() bits.
	used [NumClasses]bitmap.Bitmap

	// hint is the fast path for allocations that follow a free. A zero
	// count means no hint.
	hint lastFreed
}

// end returns one past the last physical address of the segment.
func (s *segment) end() arch.PhysAddr {
	return s.base + arch.PhysAddr(s.size)
}

// frameCount returns the number of frames of class c in the segment.
func (s *segment) frameCount(c SizeClass) uint32 {
	return s.used[c].Size()
}

// addr returns the physical address of frame i of class c.
func (s *segment) addr(c SizeClass, i uint32) arch.PhysAddr {
	return s.base + arch.PhysAddr(uint64(i)<<c.Shift())
}

// index returns the number of the class c frame starting at addr.
//
// Precondition: addr lies in the segment and is aligned to c.
func (s *segment) index(c SizeClass, addr arch.PhysAddr) uint32 {
	return uint32(uint64(addr-s.base) >> c.Shift())
}

// Allocator is the physical frame allocator.
type Allocator struct {
	// mu protects the segment bitmaps. The allocator never blocks while
	// holding it.
	mu sync.Mutex

	// memorySize is the size of physical memory. Immutable.
	memorySize uint64

	// maxClass is the largest class in use. Immutable.
	maxClass SizeClass

	// firstFree is the first address after the kernel image and the
	// bitmaps. Frames below it are never allocated or freed. Immutable.
	firstFree arch.PhysAddr

	// segs is indexed by Segment. A segment with size 0 does not exist on
	// this machine.
	segs [numSegments]segment
}

// New initializes an allocator for the given physical memory.
func New(opts Options) (*Allocator, error) {
	if opts.MemorySize == 0 || opts.MemorySize%arch.PageSize != 0 {
		return nil, fmt.Errorf("memory size %#x is not a positive multiple of %#x: %w", opts.MemorySize, arch.PageSize, kerr.EINVAL)
	}
	if opts.MaxClass > MaxSizeClass {
		return nil, fmt.Errorf("maximum size class %v not supported: %w", opts.MaxClass, kerr.EINVAL)
	}
	if opts.MemorySize > arch.AddrLimit {
		return nil, fmt.Errorf("memory size %#x exceeds the physical address space: %w", opts.MemorySize, kerr.EINVAL)
	}

	a := &Allocator{memorySize: opts.MemorySize}

	// The largest class that tiles memory exactly. KSEG boundaries are
	// multiples of every class, so this class also tiles both segments.
	a.maxClass = opts.MaxClass
	for a.maxClass > Class4K && opts.MemorySize%a.maxClass.Size() != 0 {
		a.maxClass--
	}

	ksegSize := opts.MemorySize
	if ksegSize > arch.KSEGSize {
		ksegSize = arch.KSEGSize
	}
	a.segs[KSEG] = segment{base: 0, size: ksegSize}
	a.segs[KUSEG] = segment{base: arch.KSEGSize, size: opts.MemorySize - ksegSize}

	// The bitmaps live right after the kernel image.
	var bitmapBytes uint64
	for i := range a.segs {
		s := &a.segs[i]
		for c := Class4K; c <= a.maxClass; c++ {
			n := uint32(s.size >> c.Shift())
			s.used[c] = bitmap.New(n)
			bitmapBytes += bitmap.Bytes(n)
		}
	}
	reservedEnd, ok := arch.PageRoundUp(uint64(opts.KernelEnd) + bitmapBytes)
	if !ok || reservedEnd > ksegSize {
		return nil, fmt.Errorf("kernel image ending at %v and %d bytes of frame bitmaps do not fit in %#x bytes of KSEG: %w", opts.KernelEnd, bitmapBytes, ksegSize, kerr.ENOMEM)
	}
	a.firstFree = arch.PhysAddr(reservedEnd)

	// Reserve the kernel image and the bitmaps.
	if n := uint32(reservedEnd >> arch.PageShift); n > 0 {
		a.setFramesAsUsed(&a.segs[KSEG], Class4K, 0, n)
	}

	log.Infof("Physical memory: %d KiB, frames up to %v, %d bytes of bitmaps, first free address %v", opts.MemorySize>>10, a.maxClass, bitmapBytes, a.firstFree)
	return a, nil
}

// MemorySize returns the size of physical memory.
func (a *Allocator) MemorySize() uint64 {
	return a.memorySize
}

// MaxClass returns the largest size class in use.
func (a *Allocator) MaxClass() SizeClass {
	return a.maxClass
}

// FirstFree returns the first physical address available to the rest of the
// kernel, after the kernel image and the allocator's own bitmaps.
func (a *Allocator) FirstFree() arch.PhysAddr {
	return a.firstFree
}

// SegmentOf returns the segment containing addr.
func SegmentOf(addr arch.PhysAddr) Segment {
	if addr < arch.KSEGSize {
		return KSEG
	}
	return KUSEG
}

// FreeFrames returns the number of free frames of class c in seg.
func (a *Allocator) FreeFrames(seg Segment, c SizeClass) uint64 {
	if c > a.maxClass {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(a.segs[seg].used[c].GetNumZeros())
}

// TotalFrames returns the number of frames of class c in seg.
func (a *Allocator) TotalFrames(seg Segment, c SizeClass) uint64 {
	if c > a.maxClass {
		return 0
	}
	return uint64(a.segs[seg].frameCount(c))
}

// FreeBytes returns the number of free bytes in all segments.
func (a *Allocator) FreeBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var n uint64
	for i := range a.segs {
		n += uint64(a.segs[i].used[Class4K].GetNumZeros()) << arch.PageShift
	}
	return n
}
