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
	"fmt"
	"time"

	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/bitmap"
	"kalisto.dev/kalisto/pkg/errors/kerr"
	"kalisto.dev/kalisto/pkg/log"
	"kalisto.dev/kalisto/pkg/sync"
)

// ErrNotMapped is returned by Refill when the active address space has no
// mapping for the faulting address.
var ErrNotMapped = fmt.Errorf("address not mapped: %w", kerr.EFAULT)

// AddressSpace is an address space that can be activated on the processor.
type AddressSpace interface {
	// Translate returns the physical address backing va and the size of
	// the frame containing it.
	Translate(va arch.Addr) (pa arch.PhysAddr, frameSize uint64, ok bool)
}

// EvictionNotifier is implemented by address spaces that want to learn
// that their ASID was reclaimed.
type EvictionNotifier interface {
	// ASIDEvicted is called with the driver locked. It must not call back
	// into the driver.
	ASIDEvicted(asid ASID)
}

// Driver programs the TLB and owns the ASID pool.
//
// Lock order:
//
//	address space locks
//	  Driver.mu
type Driver struct {
	mu sync.Mutex

	// hw is the TLB. Only accessed with mu locked.
	hw Hardware

	// assigned has one bit per ASID, set while the ASID is bound to an
	// address space.
	assigned bitmap.Bitmap

	// owners maps assigned ASIDs to their address space.
	owners []AddressSpace

	// asids is the inverse of owners.
	asids map[AddressSpace]ASID

	// active is the address space whose ASID is loaded in EntryHi, or nil.
	active AddressSpace

	// victim is where the search for an ASID to reclaim starts.
	victim uint32

	// evictions counts reclaimed ASIDs.
	evictions uint64

	// warn reports evictions without flooding the log when address spaces
	// outnumber ASIDs.
	warn log.Logger
}

// Options configures a Driver.
type Options struct {
	// ASIDs is the number of ASIDs to hand out, at most
	// kalisto.ASID_COUNT. Zero means kalisto.ASID_COUNT.
	ASIDs int
}

// NewDriver returns a driver for hw. Every entry of hw is invalidated.
func NewDriver(hw Hardware, opts Options) (*Driver, error) {
	n := opts.ASIDs
	if n == 0 {
		n = kalisto.ASID_COUNT
	}
	if n < 0 || n > kalisto.ASID_COUNT {
		return nil, fmt.Errorf("ASID count %d out of range [1, %d]: %w", n, kalisto.ASID_COUNT, kerr.EINVAL)
	}
	d := &Driver{
		hw:       hw,
		assigned: bitmap.New(uint32(n)),
		owners:   make([]AddressSpace, n),
		asids:    make(map[AddressSpace]ASID),
		warn:     log.BasicRateLimitedLogger(time.Second),
	}
	for i := 0; i < hw.Size(); i++ {
		hw.WriteIndexed(i, invalidEntry(i))
	}
	return d, nil
}

// GetASID returns the ASID of as, assigning one if it has none. If every
// ASID is in use, one bound to an inactive address space is reclaimed: its
// TLB entries are purged and its owner notified.
func (d *Driver) GetASID(as AddressSpace) ASID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getASIDLocked(as)
}

// Preconditions: d.mu must be locked.
func (d *Driver) getASIDLocked(as AddressSpace) ASID {
	if asid, ok := d.asids[as]; ok {
		return asid
	}
	i, err := d.assigned.FirstZero(0)
	if err != nil {
		i = d.evictLocked()
	}
	asid := ASID(i)
	d.assigned.Add(i)
	d.owners[i] = as
	d.asids[as] = asid
	log.Debugf("ASID %d assigned to %p", asid, as)
	return asid
}

// evictLocked unbinds an ASID from its address space and returns it. The
// active address space is only chosen if it holds the sole ASID.
//
// Preconditions: d.mu must be locked. Every ASID is assigned.
func (d *Driver) evictLocked() uint32 {
	n := d.assigned.Size()
	i := d.victim % n
	for tries := uint32(0); tries < n && d.owners[i] == d.active; tries++ {
		i = (i + 1) % n
	}
	d.victim = (i + 1) % n

	owner := d.owners[i]
	asid := ASID(i)
	purged := d.clearASIDLocked(asid)
	d.releaseLocked(asid)
	d.evictions++
	if notifier, ok := owner.(EvictionNotifier); ok {
		notifier.ASIDEvicted(asid)
	}
	d.warn.Warningf("ASIDs exhausted: reclaimed ASID %d from %p, %d TLB entries purged (%d reclaims so far)", asid, owner, purged, d.evictions)
	return i
}

// ReturnASID returns asid to the free pool after purging its TLB entries.
// It is a no-op if asid is not assigned.
func (d *Driver) ReturnASID(asid ASID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint32(asid) >= d.assigned.Size() || !d.assigned.IsSet(uint32(asid)) {
		return
	}
	d.clearASIDLocked(asid)
	d.releaseLocked(asid)
	log.Debugf("ASID %d returned", asid)
}

// Forget returns the ASID of as, if it has one, to the free pool.
func (d *Driver) Forget(as AddressSpace) {
	d.mu.Lock()
	asid, ok := d.asids[as]
	d.mu.Unlock()
	if ok {
		d.ReturnASID(asid)
	}
}

// releaseLocked unbinds asid.
//
// Preconditions: d.mu must be locked. asid is assigned.
func (d *Driver) releaseLocked(asid ASID) {
	owner := d.owners[asid]
	if owner == d.active {
		d.active = nil
	}
	delete(d.asids, owner)
	d.owners[asid] = nil
	d.assigned.Remove(uint32(asid))
}

// ASIDOf returns the ASID currently bound to as.
func (d *Driver) ASIDOf(as AddressSpace) (ASID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	asid, ok := d.asids[as]
	return asid, ok
}

// Owner returns the address space bound to asid, or nil.
func (d *Driver) Owner(asid ASID) AddressSpace {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uint32(asid) >= uint32(len(d.owners)) {
		return nil
	}
	return d.owners[asid]
}

// ClearASID invalidates every entry tagged with asid and returns how many
// were invalidated.
func (d *Driver) ClearASID(asid ASID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clearASIDLocked(asid)
}

// Preconditions: d.mu must be locked.
func (d *Driver) clearASIDLocked(asid ASID) int {
	n := 0
	for i := 0; i < d.hw.Size(); i++ {
		if e := d.hw.Read(i); e.Valid() && !e.Global() && e.ASID() == asid {
			d.hw.WriteIndexed(i, invalidEntry(i))
			n++
		}
	}
	return n
}

// ClearRange invalidates every entry of asid whose page pair overlaps r and
// returns how many were invalidated.
func (d *Driver) ClearRange(asid ASID, r arch.AddrRange) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clearRangeLocked(asid, r, -1)
}

// clearRangeLocked implements ClearRange, sparing entry keep.
//
// Preconditions: d.mu must be locked.
func (d *Driver) clearRangeLocked(asid ASID, r arch.AddrRange, keep int) int {
	n := 0
	for i := 0; i < d.hw.Size(); i++ {
		if i == keep {
			continue
		}
		if e := d.hw.Read(i); e.Valid() && !e.Global() && e.ASID() == asid && e.Range().Overlaps(r) {
			d.hw.WriteIndexed(i, invalidEntry(i))
			n++
		}
	}
	return n
}

// SetMapping maps the page of size pageSize at va to pa for asid.
//
// The entry holding the page pair of va is looked up. On a hit the pair is
// updated in place, so the other half survives; if the hit maps pages of
// a different size both halves are dropped first. On a miss a new entry is
// written at a random slot.
func (d *Driver) SetMapping(asid ASID, va arch.Addr, pa arch.PhysAddr, pageSize uint64) error {
	mask, ok := PageMask(pageSize)
	if !ok {
		return fmt.Errorf("page size %#x not supported: %w", pageSize, kerr.EINVAL)
	}
	seg := arch.SegmentOf(va)
	if !seg.Mapped() || !va.IsAligned(pageSize) || !pa.IsAligned(pageSize) {
		return fmt.Errorf("cannot map %v to %v with %#x byte pages: %w", va, pa, pageSize, kerr.EINVAL)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.setMappingLocked(asid, va, pa, pageSize, mask, seg.MemoryType())
	return nil
}

// Preconditions: d.mu must be locked. The arguments are valid.
func (d *Driver) setMappingLocked(asid ASID, va arch.Addr, pa arch.PhysAddr, pageSize uint64, mask uint32, mt arch.MemoryType) {
	hi := EntryHi(va, pageSize, asid)
	lo := EntryLo(pa, mt)
	pair := arch.AddrRange{Start: arch.Addr(hi &^ kalisto.ASID_MASK)}
	pair.End = pair.Start + arch.Addr(2*pageSize)

	i, hit := d.hw.Lookup(hi)
	if hit {
		e := d.hw.Read(i)
		if e.PageMask != mask {
			e = Entry{EntryHi: hi, PageMask: mask}
			d.clearRangeLocked(asid, pair, i)
		}
		e.setHalf(va, lo)
		d.hw.WriteIndexed(i, e)
		return
	}

	// Smaller pairs inside a larger new pair would match alongside it.
	if pageSize > arch.PageSize {
		d.clearRangeLocked(asid, pair, -1)
	}
	e := Entry{EntryHi: hi, PageMask: mask}
	e.setHalf(va, lo)
	d.hw.WriteRandom(e)
}

// Activate loads the ASID of as, assigning one if needed, and makes as the
// active address space.
func (d *Driver) Activate(as AddressSpace) ASID {
	d.mu.Lock()
	defer d.mu.Unlock()
	asid := d.getASIDLocked(as)
	d.active = as
	d.hw.SetASID(asid)
	return asid
}

// Deactivate leaves no address space active.
func (d *Driver) Deactivate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = nil
}

// Active returns the active address space, or nil.
func (d *Driver) Active() AddressSpace {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Refill handles a TLB miss at va: it translates va in the active address
// space and installs the largest page that maps va consistently. It returns
// ErrNotMapped if the address is not mapped.
//
// Preconditions: interrupts are disabled. Address spaces change their
// mappings only with interrupts disabled, so the translation cannot go
// stale before it is installed.
func (d *Driver) Refill(va arch.Addr) error {
	if !arch.SegmentOf(va).Mapped() {
		return ErrNotMapped
	}
	d.mu.Lock()
	as := d.active
	asid, ok := d.asids[as]
	d.mu.Unlock()
	if as == nil || !ok {
		return ErrNotMapped
	}

	// Translate takes the address space's lock, which orders before d.mu.
	pa, frameSize, ok := as.Translate(va)
	if !ok {
		return ErrNotMapped
	}
	size := RefillPageSize(va, pa, frameSize)
	mask, _ := PageMask(size)
	offset := arch.Addr(size - 1)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != as || d.asids[as] != asid {
		// Switched or reclaimed meanwhile; the access faults again.
		return nil
	}
	d.setMappingLocked(asid, va&^offset, pa&^arch.PhysAddr(offset), size, mask, arch.SegmentOf(va).MemoryType())
	return nil
}

// RefillPageSize returns the largest supported page size, no larger than
// frameSize, at which va and pa have the same offset. Such a page lies
// entirely within the frame containing pa.
func RefillPageSize(va arch.Addr, pa arch.PhysAddr, frameSize uint64) uint64 {
	size := PageSizes[0]
	for _, s := range PageSizes[1:] {
		if s > frameSize || uint64(va)&(s-1) != uint64(pa)&(s-1) {
			break
		}
		size = s
	}
	return size
}

// Stats describes the ASID pool.
type Stats struct {
	ASIDs     int
	Assigned  int
	Evictions uint64
}

// Stats returns the state of the ASID pool.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		ASIDs:     int(d.assigned.Size()),
		Assigned:  int(d.assigned.GetNumOnes()),
		Evictions: d.evictions,
	}
}
