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
	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/log"
)

// placement is the closed set of allocation strategies selected by the
// placement flags.
type placement uint8

const (
	// placeKSEG searches only KSEG. Used for identity mapped requests.
	placeKSEG placement = iota

	// placeOutsideKSEG prefers KUSEG, then a run straddling the KSEG/KUSEG
	// boundary, then KSEG.
	placeOutsideKSEG

	// placeFixed allocates at the caller's physical address.
	placeFixed
)

// placementFor returns the strategy encoded in flags.
func placementFor(flags kalisto.VMFlags) (placement, bool) {
	if !flags.Valid() {
		return 0, false
	}
	if !flags.Auto() {
		return placeFixed, true
	}
	seg, _ := flags.Segment()
	if seg.Mapped() {
		return placeOutsideKSEG, true
	}
	return placeKSEG, true
}

// run is a candidate run of free frames of one class, found but not yet
// marked used.
type run struct {
	seg   Segment
	first uint32
	count uint32

	// straddle is set when the run continues into KUSEG. first and count
	// then describe the KSEG part and kuseg the number of frames at the
	// start of KUSEG.
	straddle bool
	kuseg    uint32
}

// total returns the number of frames in r.
func (r run) total() uint32 {
	return r.count + r.kuseg
}

// better returns the longer of r and o, preferring r on a tie.
func (r run) better(o run) run {
	if o.total() > r.total() {
		return o
	}
	return r
}

// Alloc allocates count frames of class c and returns the address of the
// first frame and the number of frames allocated.
//
// flags select the placement. For fixed placement (kalisto.VF_VA_USER) the
// run starts at addr; otherwise addr is ignored.
//
// Allocation never fails outright. If count contiguous frames are not
// available, the longest free run found is allocated instead and its
// length returned, so a result below count is a partial allocation and 0
// means nothing was allocated. The returned address is only meaningful if
// the count is positive.
func (a *Allocator) Alloc(addr arch.PhysAddr, count uint64, c SizeClass, flags kalisto.VMFlags) (arch.PhysAddr, uint64) {
	p, ok := placementFor(flags)
	if !ok {
		log.Debugf("Frame allocation with invalid flags %v", flags)
		return 0, 0
	}
	switch p {
	case placeKSEG:
		return a.AllocAtSegment(KSEG, count, c)
	case placeOutsideKSEG:
		return a.allocOutsideKSEG(count, c)
	case placeFixed:
		return addr, a.AllocAt(addr, count, c)
	default:
		panic("unknown placement")
	}
}

// AllocAtSegment allocates up to count frames of class c in seg. It returns
// the address of the first frame and the number of frames allocated.
func (a *Allocator) AllocAtSegment(seg Segment, count uint64, c SizeClass) (arch.PhysAddr, uint64) {
	n, ok := a.checkRequest(count, c)
	if !ok {
		return 0, 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.findInSegment(seg, n, c)
	return a.commit(r, c)
}

// allocOutsideKSEG implements placeOutsideKSEG.
func (a *Allocator) allocOutsideKSEG(count uint64, c SizeClass) (arch.PhysAddr, uint64) {
	n, ok := a.checkRequest(count, c)
	if !ok {
		return 0, 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	best := a.findInSegment(KUSEG, n, c)
	if best.total() == n {
		return a.commit(best, c)
	}
	r := a.findStraddling(n, c)
	if r.total() == n {
		return a.commit(r, c)
	}
	best = best.better(r)
	r = a.findInSegment(KSEG, n, c)
	if r.total() == n {
		return a.commit(r, c)
	}
	return a.commit(best.better(r), c)
}

// AllocAt allocates up to count frames of class c starting exactly at addr.
// It returns the number of frames allocated, which is the length of the
// free run at addr capped to count.
func (a *Allocator) AllocAt(addr arch.PhysAddr, count uint64, c SizeClass) uint64 {
	n, ok := a.checkRequest(count, c)
	if !ok {
		return 0
	}
	if !addr.IsAligned(c.Size()) || addr < a.firstFree || uint64(addr) >= a.memorySize {
		log.Debugf("Frame allocation at %v of class %v out of range or misaligned", addr, c)
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	seg := SegmentOf(addr)
	s := &a.segs[seg]
	i := s.index(c, addr)
	r := run{seg: seg, first: i, count: a.freeRunFrom(s, c, i, s.frameCount(c), n)}
	if r.count > n {
		r.count = n
	}
	if seg == KSEG && r.count == s.frameCount(c)-i && r.count < n {
		// The run reaches the end of KSEG; continue into KUSEG.
		u := &a.segs[KUSEG]
		if u.size > 0 {
			r.straddle = true
			r.kuseg = min(a.freeRunFrom(u, c, 0, u.frameCount(c), n-r.count), n-r.count)
		}
	}
	_, got := a.commit(r, c)
	return got
}

// checkRequest validates the common arguments and converts count.
func (a *Allocator) checkRequest(count uint64, c SizeClass) (uint32, bool) {
	if count == 0 || c > a.maxClass {
		return 0, false
	}
	// No segment has more than 2^32 frames of any class.
	if count > uint64(^uint32(0)) {
		count = uint64(^uint32(0))
	}
	return uint32(count), true
}

// findInSegment looks for n free frames of class c in seg, first through
// the last freed run and then by scanning the bitmap. If no run of n frames
// exists, it returns the longest run found.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) findInSegment(seg Segment, n uint32, c SizeClass) run {
	s := &a.segs[seg]
	if s.size == 0 || s.used[c].GetNumZeros() == 0 {
		return run{seg: seg}
	}
	if i, ok := a.tryLastFreed(s, n, c); ok {
		return run{seg: seg, first: i, count: n}
	}
	first, count := a.scan(s, n, c)
	return run{seg: seg, first: first, count: count}
}

// tryLastFreed returns the index of the first class c frame of the most
// recently freed run of s if that run can hold n frames of class c.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) tryLastFreed(s *segment, n uint32, c SizeClass) (uint32, bool) {
	h := s.hint
	if h.count == 0 {
		return 0, false
	}
	step := c.frames(Class4K)
	first := (h.first + step - 1) / step
	end := (h.first + h.count) / step
	if end < first || end-first < n {
		return 0, false
	}
	if !s.used[c].AllClear(first, first+n) {
		return 0, false
	}
	return first, true
}

// scan searches the class c bitmap of s for n contiguous free frames.
//
// Used runs are skipped a word at a time. Free runs are measured by
// freeRunFrom, which steps through free frames of coarser classes where it
// can. The free counter bounds the scan: it ends once the free frames not
// yet visited could not form a run longer than the best one. Returns the
// first frame and length of the first run of n frames, or of the longest
// shorter run.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) scan(s *segment, n uint32, c SizeClass) (uint32, uint32) {
	b := &s.used[c]
	size := b.Size()
	unseen := b.GetNumZeros()
	var bestFirst, bestCount uint32
	for i := uint32(0); i < size && unseen > bestCount; {
		i += b.CountLeadingOnes(i, size)
		if i >= size {
			break
		}
		got := a.freeRunFrom(s, c, i, size, n)
		if got >= n {
			return i, n
		}
		if got > bestCount {
			bestFirst, bestCount = i, got
		}
		unseen -= got
		i += got
	}
	return bestFirst, bestCount
}

// freeRunFrom returns the number of consecutive free frames of class c in
// s starting at frame i and ending at or before frame end. It stops early
// once at least limit frames are counted, so the result may exceed limit
// by less than one frame of the coarsest class stepped through.
//
// Wherever i is aligned to a free frame of the next class, the count
// continues at that class, consuming FrameStep frames per bit.
//
// Preconditions: a.mu must be locked. i < end <= s.frameCount(c).
func (a *Allocator) freeRunFrom(s *segment, c SizeClass, i, end, limit uint32) uint32 {
	b := &s.used[c]
	var n uint32
	for i < end && n < limit {
		if c < a.maxClass && i%FrameStep == 0 && end-i >= FrameStep {
			p := i / FrameStep
			if !s.used[c+1].IsSet(p) {
				// Count whole parents, as many as fit before end.
				want := (limit - n + FrameStep - 1) / FrameStep
				got := a.freeRunFrom(s, c+1, p, end/FrameStep, want)
				n += got * FrameStep
				i += got * FrameStep
				continue
			}
		}
		stop := end
		if rem := limit - n; rem < end-i {
			stop = i + rem
		}
		if c < a.maxClass {
			// Stop at the next parent boundary, where a coarser step may
			// become possible again.
			stop = min(stop, (i/FrameStep+1)*FrameStep)
		}
		z := b.CountLeadingZeros(i, stop)
		n += z
		i += z
		if i < stop {
			break
		}
	}
	return n
}

// findStraddling looks for n free frames of class c made of the free frames
// at the end of KSEG followed by those at the start of KUSEG. The KUSEG part
// is made as large as possible.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) findStraddling(n uint32, c SizeClass) run {
	k, u := &a.segs[KSEG], &a.segs[KUSEG]
	if u.size == 0 || k.size < arch.KSEGSize {
		return run{}
	}
	ksegFrames := k.frameCount(c)
	tail := k.used[c].CountTrailingZeros(0, ksegFrames)
	if tail == 0 {
		return run{}
	}
	head := min(a.freeRunFrom(u, c, 0, u.frameCount(c), n), n)
	if head == 0 || head == n {
		// No straddle, or KUSEG alone would do.
		return run{}
	}
	fromKSEG := min(n-head, tail)
	return run{
		seg:      KSEG,
		first:    ksegFrames - fromKSEG,
		count:    fromKSEG,
		straddle: true,
		kuseg:    head,
	}
}

// commit marks r used and returns its address and length.
//
// Preconditions: a.mu must be locked. Every frame of r is free.
func (a *Allocator) commit(r run, c SizeClass) (arch.PhysAddr, uint64) {
	if r.total() == 0 {
		return 0, 0
	}
	s := &a.segs[r.seg]
	if r.count > 0 {
		a.setFramesAsUsed(s, c, r.first, r.count)
		a.consumeHint(s, c, r.first, r.count)
	}
	if r.straddle && r.kuseg > 0 {
		u := &a.segs[KUSEG]
		a.setFramesAsUsed(u, c, 0, r.kuseg)
		a.consumeHint(u, c, 0, r.kuseg)
	}
	addr := s.addr(c, r.first)
	if r.count == 0 {
		addr = a.segs[KUSEG].base
	}
	return addr, uint64(r.total())
}

// consumeHint drops from the last freed run of s the frames just allocated.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) consumeHint(s *segment, c SizeClass, first, count uint32) {
	h := &s.hint
	if h.count == 0 {
		return
	}
	step := c.frames(Class4K)
	lo, hi := first*step, (first+count)*step
	hEnd := h.first + h.count
	if hi <= h.first || lo >= hEnd {
		return
	}
	// Keep the longer of the parts left on either side.
	var before, after uint32
	if lo > h.first {
		before = lo - h.first
	}
	if hEnd > hi {
		after = hEnd - hi
	}
	if after >= before {
		h.first, h.count = hi, after
	} else {
		h.count = before
	}
}
