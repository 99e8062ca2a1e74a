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
	"fmt"
	"io"
	"strings"
)

// ClassStats describes the frames of one class in one segment.
type ClassStats struct {
	Segment Segment
	Class   SizeClass
	Total   uint64
	Free    uint64
}

// Stats returns the frame counts of every class in use, KSEG first, finest
// class first. Segments without memory are omitted.
func (a *Allocator) Stats() []ClassStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var stats []ClassStats
	for i := range a.segs {
		s := &a.segs[i]
		if s.size == 0 {
			continue
		}
		for c := Class4K; c <= a.maxClass; c++ {
			stats = append(stats, ClassStats{
				Segment: Segment(i),
				Class:   c,
				Total:   uint64(s.used[c].Size()),
				Free:    uint64(s.used[c].GetNumZeros()),
			})
		}
	}
	return stats
}

// CheckInvariants verifies that in every segment, each frame of a class
// above Class4K is used iff at least one of its children is.
func (a *Allocator) CheckInvariants() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.segs {
		s := &a.segs[i]
		for c := Class4K + 1; c <= a.maxClass; c++ {
			parent, child := &s.used[c], &s.used[c-1]
			if child.Size() != parent.Size()*FrameStep {
				return fmt.Errorf("%v: class %v has %d frames, class %v has %d", Segment(i), c-1, child.Size(), c, parent.Size())
			}
			for p := uint32(0); p < parent.Size(); p++ {
				want := !child.AllClear(p*FrameStep, (p+1)*FrameStep)
				if got := parent.IsSet(p); got != want {
					return fmt.Errorf("%v: frame %d of class %v at %v has used=%t, children have used=%t", Segment(i), p, c, s.addr(c, p), got, want)
				}
			}
		}
	}
	return nil
}

// Dump writes the state of every bitmap to w, one line per class, with
// runs of identical bits compressed.
func (a *Allocator) Dump(w io.Writer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dumpLocked(w)
}

// dumpLocked implements Dump.
//
// Preconditions: a.mu must be locked.
func (a *Allocator) dumpLocked(w io.Writer) {
	fmt.Fprintf(w, "memory %#x, max class %v, first free %v\n", a.memorySize, a.maxClass, a.firstFree)
	for i := range a.segs {
		s := &a.segs[i]
		if s.size == 0 {
			continue
		}
		fmt.Fprintf(w, "%v [%v, %v) last freed %d+%d\n", Segment(i), s.base, s.end(), s.hint.first, s.hint.count)
		for c := Class4K; c <= a.maxClass; c++ {
			b := &s.used[c]
			fmt.Fprintf(w, "  %4v %d/%d free: %s\n", c, b.GetNumZeros(), b.Size(), compress(b.String()))
		}
	}
}

// compress run-length encodes a bitmap string: "0001100" becomes "0x3 1x2
// 0x2".
func compress(bits string) string {
	var sb strings.Builder
	for i := 0; i < len(bits); {
		j := i
		for j < len(bits) && bits[j] == bits[i] {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%cx%d", bits[i], j-i)
		i = j
	}
	return sb.String()
}
