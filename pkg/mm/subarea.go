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

	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/pgalloc"
)

// Subarea is a run of physically contiguous frames of one size class. It
// owns the frames: they return to the allocator when it is reduced or
// freed.
type Subarea struct {
	alloc *pgalloc.Allocator
	phys  arch.PhysAddr
	class pgalloc.SizeClass
	count uint64
}

// newSubarea takes ownership of count frames of class at phys.
func newSubarea(alloc *pgalloc.Allocator, phys arch.PhysAddr, class pgalloc.SizeClass, count uint64) *Subarea {
	return &Subarea{alloc: alloc, phys: phys, class: class, count: count}
}

// PhysicalAddress returns the address of the first frame.
func (s *Subarea) PhysicalAddress() arch.PhysAddr {
	return s.phys
}

// Class returns the size class of the frames.
func (s *Subarea) Class() pgalloc.SizeClass {
	return s.class
}

// Count returns the number of frames.
func (s *Subarea) Count() uint64 {
	return s.count
}

// FrameSize returns the size of each frame.
func (s *Subarea) FrameSize() uint64 {
	return s.class.Size()
}

// Size returns the size of the run in bytes.
func (s *Subarea) Size() uint64 {
	return s.count << s.class.Shift()
}

// String implements fmt.Stringer.String.
func (s *Subarea) String() string {
	return fmt.Sprintf("%d*%v@%v", s.count, s.class, s.phys)
}

// checkLive panics if s was freed.
func (s *Subarea) checkLive() {
	if s.alloc == nil {
		panic(fmt.Sprintf("use of freed subarea %v", s))
	}
}

// release returns count frames at phys to the allocator. Frames a subarea
// owns are always allocated, so a refusal means the frame map is corrupt.
func (s *Subarea) release(phys arch.PhysAddr, count uint64) {
	if !s.alloc.Free(phys, count, s.class) {
		panic(fmt.Sprintf("frame allocator refused to free %d %v frames at %v owned by %v", count, s.class, phys, s))
	}
}

// Reduce shrinks the run to the frames needed to hold newSize bytes and
// frees the rest. It returns false if newSize is zero or larger than the
// run.
func (s *Subarea) Reduce(newSize uint64) bool {
	s.checkLive()
	if newSize == 0 || newSize > s.Size() {
		return false
	}
	keep := (newSize + s.FrameSize() - 1) >> s.class.Shift()
	if keep < s.count {
		s.release(s.phys+arch.PhysAddr(keep<<s.class.Shift()), s.count-keep)
		s.count = keep
	}
	return true
}

// Split cuts the run after newSize bytes and returns the remainder as a new
// subarea. newSize must be a positive multiple of the frame size smaller
// than the run.
func (s *Subarea) Split(newSize uint64) (*Subarea, bool) {
	s.checkLive()
	if newSize == 0 || newSize >= s.Size() || newSize%s.FrameSize() != 0 {
		return nil, false
	}
	keep := newSize >> s.class.Shift()
	rest := newSubarea(s.alloc, s.phys+arch.PhysAddr(newSize), s.class, s.count-keep)
	s.count = keep
	return rest, true
}

// Free releases every frame. s must not be used afterwards.
func (s *Subarea) Free() {
	s.checkLive()
	s.release(s.phys, s.count)
	s.alloc = nil
}

// SetClass re-expresses the run in frames of the smaller class c. The
// physical memory is untouched. It returns false if c is larger than the
// current class.
func (s *Subarea) SetClass(c pgalloc.SizeClass) bool {
	s.checkLive()
	if c > s.class {
		return false
	}
	s.count <<= 2 * uint(s.class-c)
	s.class = c
	return true
}

// adjoins returns true if next continues s physically with frames of the
// same class.
func (s *Subarea) adjoins(next *Subarea) bool {
	return next.class == s.class && next.phys == s.phys+arch.PhysAddr(s.Size())
}
