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

package machine

import (
	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/sync"
)

// chunkShift is the binary log of the granule in which physical memory is
// materialized.
const chunkShift = 16

const chunkSize = 1 << chunkShift

// Memory is physical memory. Chunks are allocated on first store, so large
// simulated memories cost only what is touched; untouched memory reads as
// zeros.
type Memory struct {
	size uint64

	mu     sync.Mutex
	chunks map[uint64]*[chunkSize]byte
}

// NewMemory returns size bytes of zeroed physical memory.
func NewMemory(size uint64) *Memory {
	return &Memory{
		size:   size,
		chunks: make(map[uint64]*[chunkSize]byte),
	}
}

// Size returns the size of physical memory in bytes.
func (m *Memory) Size() uint64 {
	return m.size
}

// Touched returns the number of bytes materialized so far.
func (m *Memory) Touched() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.chunks)) * chunkSize
}

// ReadAt copies len(dst) bytes at pa into dst. It returns ErrBus if the
// range is not entirely backed by memory.
func (m *Memory) ReadAt(pa arch.PhysAddr, dst []byte) error {
	return m.forEach(pa, len(dst), false, func(chunk []byte, off, n int) {
		if chunk == nil {
			clear(dst[off : off+n])
			return
		}
		copy(dst[off:off+n], chunk)
	})
}

// WriteAt copies src to pa. It returns ErrBus if the range is not entirely
// backed by memory.
func (m *Memory) WriteAt(pa arch.PhysAddr, src []byte) error {
	return m.forEach(pa, len(src), true, func(chunk []byte, off, _ int) {
		copy(chunk, src[off:])
	})
}

// forEach calls fn for each chunk overlapping [pa, pa+n) with the part of
// the chunk inside the range, and the offset from pa and length of that
// part. chunk is nil for an absent chunk unless create is set.
func (m *Memory) forEach(pa arch.PhysAddr, n int, create bool, fn func(chunk []byte, off, length int)) error {
	if uint64(pa) > m.size || uint64(n) > m.size-uint64(pa) {
		return ErrBus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for off := 0; off < n; {
		addr := uint64(pa) + uint64(off)
		idx, start := addr>>chunkShift, int(addr&(chunkSize-1))
		length := min(n-off, chunkSize-start)
		c, ok := m.chunks[idx]
		if !ok && create {
			c = new([chunkSize]byte)
			m.chunks[idx] = c
			ok = true
		}
		if ok {
			fn(c[start:start+length], off, length)
		} else {
			fn(nil, off, length)
		}
		off += length
	}
	return nil
}
