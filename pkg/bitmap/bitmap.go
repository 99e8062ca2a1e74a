// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a fixed-size bit vector. Frame and ASID tables are
// kept in bitmaps indexed by frame number or ASID, with a set bit meaning
// "used".
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are
// supported by this Bitmap implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap implements an efficient fixed-size bitmap.
type Bitmap struct {
	// size is the number of addressable bits.
	size uint32

	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries. Bits at or beyond size are
	// always zero.
	bitBlock []uint64
}

// New creates a new empty Bitmap of the given size.
func New(size uint32) Bitmap {
	if size > MaxBitEntryLimit {
		panic(fmt.Sprintf("requested bitmap size %d too large", size))
	}
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Bytes returns the number of bytes a bitmap of size bits occupies.
func Bytes(size uint32) uint64 {
	return uint64((size+63)/64) * 8
}

// Size returns the number of addressable bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes returns the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// GetNumZeros returns the number of zeros in the Bitmap.
func (b *Bitmap) GetNumZeros() uint32 {
	return b.size - b.numOnes
}

func (b *Bitmap) checkRange(begin, end uint32) {
	if begin > end || end > b.size {
		panic(fmt.Sprintf("bitmap range [%d, %d) out of bounds [0, %d)", begin, end, b.size))
	}
}

// IsSet returns true if bit i is set.
func (b *Bitmap) IsSet(i uint32) bool {
	if i >= b.size {
		panic(fmt.Sprintf("bitmap index %d out of bounds [0, %d)", i, b.size))
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bitmap index %d out of bounds [0, %d)", i, b.size))
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bitmap index %d out of bounds [0, %d)", i, b.size))
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// rangeMask returns the mask of bits [lo, hi) within one block, where
// 0 <= lo < hi <= 64.
func rangeMask(lo, hi uint32) uint64 {
	m := ^uint64(0) << lo
	if hi < 64 {
		m &= (uint64(1) << hi) - 1
	}
	return m
}

// forBlocks calls fn for every block intersecting [begin, end) with the mask
// of the bits of that block inside the range.
func (b *Bitmap) forBlocks(begin, end uint32, fn func(i uint32, mask uint64) bool) {
	for begin < end {
		i := begin / 64
		lo := begin % 64
		hi := uint32(64)
		if blockEnd := (i + 1) * 64; end < blockEnd {
			hi = end - i*64
		}
		if !fn(i, rangeMask(lo, hi)) {
			return
		}
		begin = (i + 1) * 64
	}
}

// SetRange sets bits within [begin, end) and returns how many of them were
// previously clear.
func (b *Bitmap) SetRange(begin, end uint32) uint32 {
	b.checkRange(begin, end)
	var changed uint32
	b.forBlocks(begin, end, func(i uint32, mask uint64) bool {
		changed += uint32(bits.OnesCount64(mask &^ b.bitBlock[i]))
		b.bitBlock[i] |= mask
		return true
	})
	b.numOnes += changed
	return changed
}

// ClearRange clears bits within [begin, end) and returns how many of them
// were previously set.
func (b *Bitmap) ClearRange(begin, end uint32) uint32 {
	b.checkRange(begin, end)
	var changed uint32
	b.forBlocks(begin, end, func(i uint32, mask uint64) bool {
		changed += uint32(bits.OnesCount64(mask & b.bitBlock[i]))
		b.bitBlock[i] &^= mask
		return true
	})
	b.numOnes -= changed
	return changed
}

// AllSet returns true if every bit within [begin, end) is set.
func (b *Bitmap) AllSet(begin, end uint32) bool {
	b.checkRange(begin, end)
	all := true
	b.forBlocks(begin, end, func(i uint32, mask uint64) bool {
		all = b.bitBlock[i]&mask == mask
		return all
	})
	return all
}

// AllClear returns true if every bit within [begin, end) is clear.
func (b *Bitmap) AllClear(begin, end uint32) bool {
	b.checkRange(begin, end)
	all := true
	b.forBlocks(begin, end, func(i uint32, mask uint64) bool {
		all = b.bitBlock[i]&mask == 0
		return all
	})
	return all
}

// CountLeadingOnes returns the length of the run of set bits starting at
// start, not looking at or beyond end.
func (b *Bitmap) CountLeadingOnes(start, end uint32) uint32 {
	return b.countLeading(start, end, ^uint64(0))
}

// CountLeadingZeros returns the length of the run of clear bits starting at
// start, not looking at or beyond end.
func (b *Bitmap) CountLeadingZeros(start, end uint32) uint32 {
	return b.countLeading(start, end, 0)
}

// countLeading counts the bits equal to the pattern bit starting at start.
// Whole blocks are consumed at a time.
func (b *Bitmap) countLeading(start, end uint32, pattern uint64) uint32 {
	b.checkRange(start, end)
	var n uint32
	b.forBlocks(start, end, func(i uint32, mask uint64) bool {
		// Bits that differ from the pattern terminate the run.
		diff := (b.bitBlock[i] ^ pattern) & mask
		if diff == 0 {
			n += uint32(bits.OnesCount64(mask))
			return true
		}
		lo := uint32(bits.TrailingZeros64(mask))
		n += uint32(bits.TrailingZeros64(diff)) - lo
		return false
	})
	return n
}

// CountTrailingZeros returns the length of the run of clear bits ending
// just before end, not looking below begin.
func (b *Bitmap) CountTrailingZeros(begin, end uint32) uint32 {
	b.checkRange(begin, end)
	var n uint32
	for end > begin {
		i := (end - 1) / 64
		lo := uint32(0)
		if blockStart := i * 64; begin > blockStart {
			lo = begin - blockStart
		}
		hi := end - i*64
		mask := rangeMask(lo, hi)
		if w := b.bitBlock[i] & mask; w != 0 {
			// Bits above the highest set bit, up to hi, are clear.
			return n + (hi - 1 - uint32(63-bits.LeadingZeros64(w)))
		}
		n += hi - lo
		end = i * 64
	}
	return n
}

// FirstZero returns the first unset bit from the range [start, ).
func (b *Bitmap) FirstZero(start uint32) (bit uint32, err error) {
	if start >= b.size {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	if n := b.CountLeadingOnes(start, b.size); start+n < b.size {
		return start + n, nil
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no unset bits")
}

// String renders the bitmap as a string of '0' and '1', lowest bit first.
func (b *Bitmap) String() string {
	buf := make([]byte, b.size)
	for i := uint32(0); i < b.size; i++ {
		if b.IsSet(i) {
			buf[i] = '1'
		} else {
			buf[i] = '0'
		}
	}
	return string(buf)
}
