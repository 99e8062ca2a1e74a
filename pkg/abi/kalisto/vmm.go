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

// Package kalisto contains the constants shared between the kernel and its
// callers: the virtual memory placement flags and the TLB register layout.
package kalisto

import (
	"fmt"
	"strings"

	"kalisto.dev/kalisto/pkg/arch"
)

// Placement flags passed to vma_alloc(2) and frame_alloc.
const (
	VF_VA_SHIFT = 0
	VF_VA_MASK  = (1 << VF_VA_SHIFT)

	// VF_VA_AUTO lets the kernel choose the address.
	VF_VA_AUTO = (0 << VF_VA_SHIFT)

	// VF_VA_USER uses the address supplied by the caller.
	VF_VA_USER = (1 << VF_VA_SHIFT)

	VF_AT_SHIFT = 1
	VF_AT_MASK  = (7 << VF_AT_SHIFT)

	VF_AT_KUSEG = (0 << VF_AT_SHIFT)
	VF_AT_KSEG0 = (1 << VF_AT_SHIFT)
	VF_AT_KSEG1 = (2 << VF_AT_SHIFT)
	VF_AT_KSSEG = (3 << VF_AT_SHIFT)
	VF_AT_KSEG3 = (4 << VF_AT_SHIFT)

	// VF_USER_ADDR and VF_AUTO_KUSEG are the two combinations user space
	// is allowed to pass.
	VF_USER_ADDR  = VF_VA_USER | VF_AT_KUSEG
	VF_AUTO_KUSEG = VF_VA_AUTO | VF_AT_KUSEG
)

// VMFlags is a placement flag word.
type VMFlags uint32

// Auto returns true if the kernel picks the address.
func (f VMFlags) Auto() bool {
	return f&VF_VA_MASK == VF_VA_AUTO
}

// Segment returns the virtual segment selected by the flags.
func (f VMFlags) Segment() (arch.Segment, bool) {
	switch f & VF_AT_MASK {
	case VF_AT_KUSEG:
		return arch.KUSEG, true
	case VF_AT_KSEG0:
		return arch.KSEG0, true
	case VF_AT_KSEG1:
		return arch.KSEG1, true
	case VF_AT_KSSEG:
		return arch.KSSEG, true
	case VF_AT_KSEG3:
		return arch.KSEG3, true
	default:
		return 0, false
	}
}

// Valid returns true if only defined bits are set and the segment field
// names a segment.
func (f VMFlags) Valid() bool {
	if f&^(VF_VA_MASK|VF_AT_MASK) != 0 {
		return false
	}
	_, ok := f.Segment()
	return ok
}

// WithAuto returns f with the address field set to VF_VA_AUTO.
func (f VMFlags) WithAuto() VMFlags {
	return f&^VF_VA_MASK | VF_VA_AUTO
}

// FlagsFor returns the flag word selecting seg.
func FlagsFor(seg arch.Segment, auto bool) VMFlags {
	var f VMFlags
	switch seg {
	case arch.KUSEG:
		f = VF_AT_KUSEG
	case arch.KSEG0:
		f = VF_AT_KSEG0
	case arch.KSEG1:
		f = VF_AT_KSEG1
	case arch.KSSEG:
		f = VF_AT_KSSEG
	case arch.KSEG3:
		f = VF_AT_KSEG3
	default:
		panic(fmt.Sprintf("invalid segment %v", seg))
	}
	if auto {
		return f | VF_VA_AUTO
	}
	return f | VF_VA_USER
}

// String implements fmt.Stringer.String.
func (f VMFlags) String() string {
	var b strings.Builder
	if f.Auto() {
		b.WriteString("VF_VA_AUTO")
	} else {
		b.WriteString("VF_VA_USER")
	}
	if seg, ok := f.Segment(); ok {
		b.WriteString("|VF_AT_")
		b.WriteString(seg.String())
	} else {
		fmt.Fprintf(&b, "|%#x", uint32(f&VF_AT_MASK))
	}
	return b.String()
}
