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

package tlb

import (
	"errors"
	"fmt"

	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
)

// Hardware is the programming interface of the TLB, as seen through the
// CP0 registers and the tlbp, tlbr, tlbwi and tlbwr instructions.
type Hardware interface {
	// Size returns the number of entries.
	Size() int

	// Lookup returns the index of the entry matching entryHi, if any.
	Lookup(entryHi uint32) (int, bool)

	// Read returns entry i.
	Read(i int) Entry

	// WriteIndexed replaces entry i.
	WriteIndexed(i int, e Entry)

	// WriteRandom replaces an entry chosen by the Random register, which
	// never selects a wired entry.
	WriteRandom(e Entry)

	// SetASID sets the ASID field of EntryHi used for translations.
	SetASID(asid ASID)
}

// Translation errors, raised as exceptions by the processor.
var (
	// ErrMiss is a TLB refill exception: no entry matches.
	ErrMiss = errors.New("TLB miss")

	// ErrInvalid is a TLB invalid exception: the matching half is not
	// valid.
	ErrInvalid = errors.New("TLB entry invalid")

	// ErrModified is a TLB modified exception: a store hit a clean page.
	ErrModified = errors.New("TLB entry not writable")
)

// SoftTLB is a simulated joint TLB.
//
// SoftTLB is not synchronized; the Driver serializes all access.
type SoftTLB struct {
	entries []Entry

	// wired is the number of entries, from index 0, that WriteRandom
	// never replaces.
	wired int

	// random is the Random register: the next slot WriteRandom uses. It
	// counts down from len(entries)-1 to wired and wraps.
	random int

	// asid is the ASID field of EntryHi.
	asid ASID
}

// NewSoftTLB returns a TLB with size entries, all invalid, of which the
// first wired are never replaced by random writes.
func NewSoftTLB(size, wired int) (*SoftTLB, error) {
	if size <= 0 || wired < 0 || wired >= size {
		return nil, fmt.Errorf("invalid TLB geometry: %d entries, %d wired", size, wired)
	}
	t := &SoftTLB{
		entries: make([]Entry, size),
		wired:   wired,
		random:  size - 1,
	}
	for i := range t.entries {
		t.entries[i] = invalidEntry(i)
	}
	return t, nil
}

// NewDefaultSoftTLB returns a TLB with the R4000 geometry.
func NewDefaultSoftTLB() *SoftTLB {
	t, err := NewSoftTLB(kalisto.TLB_ENTRY_COUNT, 0)
	if err != nil {
		panic(err)
	}
	return t
}

// Size implements Hardware.Size.
func (t *SoftTLB) Size() int {
	return len(t.entries)
}

// Wired returns the number of wired entries.
func (t *SoftTLB) Wired() int {
	return t.wired
}

// Lookup implements Hardware.Lookup.
func (t *SoftTLB) Lookup(entryHi uint32) (int, bool) {
	va := arch.Addr(entryHi & kalisto.ENTRY_HI_VPN2_MASK)
	asid := ASID(entryHi & kalisto.ASID_MASK)
	return t.find(va, asid)
}

// find returns the index of the entry translating va for asid.
func (t *SoftTLB) find(va arch.Addr, asid ASID) (int, bool) {
	found := -1
	for i, e := range t.entries {
		if !e.Matches(va, asid) {
			continue
		}
		if found >= 0 {
			// The R4000 shuts the TLB down on a multiple match.
			panic(fmt.Sprintf("TLB shutdown: entries %d %v and %d %v both match %v asid %d", found, t.entries[found], i, e, va, asid))
		}
		found = i
	}
	return found, found >= 0
}

// Read implements Hardware.Read.
func (t *SoftTLB) Read(i int) Entry {
	return t.entries[i]
}

// WriteIndexed implements Hardware.WriteIndexed.
func (t *SoftTLB) WriteIndexed(i int, e Entry) {
	t.entries[i] = e
}

// WriteRandom implements Hardware.WriteRandom.
func (t *SoftTLB) WriteRandom(e Entry) {
	t.entries[t.random] = e
	t.random--
	if t.random < t.wired {
		t.random = len(t.entries) - 1
	}
}

// SetASID implements Hardware.SetASID.
func (t *SoftTLB) SetASID(asid ASID) {
	t.asid = asid
}

// ASID returns the current ASID.
func (t *SoftTLB) ASID() ASID {
	return t.asid
}

// Translate translates va with the current ASID, as the processor does for
// a load (write false) or store (write true) to a mapped segment. It
// returns the physical address and the cache behaviour of the access, or
// one of ErrMiss, ErrInvalid and ErrModified.
func (t *SoftTLB) Translate(va arch.Addr, write bool) (arch.PhysAddr, arch.MemoryType, error) {
	i, ok := t.find(va, t.asid)
	if !ok {
		return 0, 0, ErrMiss
	}
	e := t.entries[i]
	lo := e.half(va)
	if lo&kalisto.ENTRY_LO_VALID == 0 {
		return 0, 0, ErrInvalid
	}
	if write && lo&kalisto.ENTRY_LO_DIRTY == 0 {
		return 0, 0, ErrModified
	}
	offset := arch.PhysAddr(uint64(va) & (e.PageSize() - 1))
	return frame(lo) + offset, memoryType(lo), nil
}
