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

package kalisto

// R4000 TLB geometry and register fields.
const (
	// TLB_ENTRY_COUNT is the number of paired entries in the joint TLB.
	TLB_ENTRY_COUNT = 48

	// ASID_COUNT is the number of address space identifiers. ASIDs are the
	// low 8 bits of EntryHi.
	ASID_COUNT = 256
	ASID_MASK  = 0xff

	// ENTRY_HI_VPN2_MASK selects the virtual page pair number.
	ENTRY_HI_VPN2_MASK = 0xffffe000

	// EntryLo fields.
	ENTRY_LO_GLOBAL    = 1 << 0
	ENTRY_LO_VALID     = 1 << 1
	ENTRY_LO_DIRTY     = 1 << 2
	ENTRY_LO_CACHE_SHL = 3
	ENTRY_LO_PFN_SHL   = 6

	// PageMask values for the supported page sizes.
	PAGE_MASK_4K   = 0x00000000
	PAGE_MASK_16K  = 0x00006000
	PAGE_MASK_64K  = 0x0001e000
	PAGE_MASK_256K = 0x0007e000
	PAGE_MASK_1M   = 0x001fe000
	PAGE_MASK_4M   = 0x007fe000
	PAGE_MASK_16M  = 0x01ffe000
)
