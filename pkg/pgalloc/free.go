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

package pgalloc

import (
	"bytes"
	"fmt"

	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/log"
)

// Free releases count frames of class c starting at addr. The run may cross
// from KSEG into KUSEG.
//
// It returns false, leaving every bitmap untouched, if the run is
// misaligned, lies outside physical memory, overlaps the kernel image or
// the allocator's bitmaps, or is not entirely allocated.
func (a *Allocator) Free(addr arch.PhysAddr, count uint64, c SizeClass) bool {
	if count == 0 || c > a.maxClass || !addr.IsAligned(c.Size()) {
		return false
	}
	if addr < a.firstFree || uint64(addr) >= a.memorySize || count > (a.memorySize-uint64(addr))>>c.Shift() {
		return false
	}
	end := addr + arch.PhysAddr(count<<c.Shift())

	type piece struct {
		s           *segment
		first, last uint32 // in frames of class c, last exclusive
	}
	var pieces [numSegments]piece
	n := 0
	for i := range a.segs {
		s := &a.segs[i]
		lo, hi := max(addr, s.base), min(end, s.end())
		if lo >= hi {
			continue
		}
		pieces[n] = piece{s: s, first: s.index(c, lo), last: s.index(c, hi)}
		n++
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	step := c.frames(Class4K)
	for _, p := range pieces[:n] {
		if !p.s.used[Class4K].AllSet(p.first*step, p.last*step) {
			return false
		}
	}
	for _, p := range pieces[:n] {
		a.setFramesAsFree(p.s, c, p.first, p.last-p.first)
		p.s.hint = lastFreed{first: p.first * step, count: (p.last - p.first) * step}
	}
	return true
}

// setFramesAsUsed marks frames [first, first+count) of class c used, along
// with every frame of a finer class they cover and every coarser frame
// covering them.
//
// Preconditions: a.mu must be locked, or a is not yet shared. Every frame in
// the range is free.
func (a *Allocator) setFramesAsUsed(s *segment, c SizeClass, first, count uint32) {
	for d := Class4K; d <= c; d++ {
		mul := c.frames(d)
		if got := s.used[d].SetRange(first*mul, (first+count)*mul); got != count*mul {
			a.fatalf("marking %d frames of class %v at %v used changed only %d of %d bits at class %v", count, c, s.addr(c, first), got, count*mul, d)
		}
	}

	// A coarser frame is used as soon as one child is. Once a level is
	// already used throughout, so are all levels above it.
	lo, hi := first, first+count
	for p := c + 1; p <= a.maxClass; p++ {
		lo, hi = lo/FrameStep, (hi+FrameStep-1)/FrameStep
		if s.used[p].SetRange(lo, hi) == 0 {
			break
		}
	}
}

// setFramesAsFree marks frames [first, first+count) of class c free, along
// with every frame of a finer class they cover, and frees every coarser
// frame whose children all become free.
//
// Preconditions: a.mu must be locked. Every frame of class Class4K covered
// by the range is used.
func (a *Allocator) setFramesAsFree(s *segment, c SizeClass, first, count uint32) {
	for d := Class4K; d <= c; d++ {
		mul := c.frames(d)
		if got := s.used[d].ClearRange(first*mul, (first+count)*mul); got != count*mul {
			a.fatalf("marking %d frames of class %v at %v free changed only %d of %d bits at class %v", count, c, s.addr(c, first), got, count*mul, d)
		}
	}

	// Parents lying entirely within the freed range are now free. The two
	// boundary parents also cover frames outside it and are free only if
	// their other children are. The parents that did not change stay used,
	// and so do their ancestors.
	lo, hi := first, first+count
	for p := c + 1; p <= a.maxClass; p++ {
		child := &s.used[p-1]
		plo, phi := lo/FrameStep, (hi+FrameStep-1)/FrameStep
		if !child.AllClear(plo*FrameStep, plo*FrameStep+FrameStep) {
			plo++
		}
		if phi > plo && !child.AllClear((phi-1)*FrameStep, phi*FrameStep) {
			phi--
		}
		if phi <= plo || s.used[p].ClearRange(plo, phi) == 0 {
			break
		}
		lo, hi = plo, phi
	}
}

// fatalf logs a dump of the bitmaps and panics.
func (a *Allocator) fatalf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	var buf bytes.Buffer
	a.dumpLocked(&buf)
	log.Warningf("Frame allocator corrupted: %s\n%s", msg, buf.String())
	panic(fmt.Sprintf("pgalloc: %s", msg))
}
