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

package arch

import "fmt"

// MemoryType specifies CPU memory access behavior. On the R4000 it is
// selected by the segment for unmapped accesses and by the C field of the
// TLB entry otherwise.
type MemoryType uint8

const (
	// MemoryTypeCached is cacheable, noncoherent, write-back (C = 3). It must
	// be the zero value.
	MemoryTypeCached MemoryType = iota

	// MemoryTypeUncached bypasses the caches (C = 2), as used by KSEG1 and
	// device registers.
	MemoryTypeUncached

	numMemoryTypes
)

// CacheAttr returns the TLB EntryLo C field encoding of mt.
func (mt MemoryType) CacheAttr() uint32 {
	switch mt {
	case MemoryTypeCached:
		return 3
	case MemoryTypeUncached:
		return 2
	default:
		panic(fmt.Sprintf("invalid MemoryType: %d", mt))
	}
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeCached:
		return "cached"
	case MemoryTypeUncached:
		return "uncached"
	default:
		return fmt.Sprintf("%d", mt)
	}
}
