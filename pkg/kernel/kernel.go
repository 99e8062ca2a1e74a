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

// Package kernel boots the memory management unit of the simulated machine:
// the frame allocator, the TLB and its driver, physical memory and the
// processor, and hands out address spaces built on them.
package kernel

import (
	"fmt"

	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/errors/kerr"
	"kalisto.dev/kalisto/pkg/log"
	"kalisto.dev/kalisto/pkg/machine"
	"kalisto.dev/kalisto/pkg/mm"
	"kalisto.dev/kalisto/pkg/pgalloc"
	"kalisto.dev/kalisto/pkg/tlb"
)

// Options configures the machine.
type Options struct {
	// MemorySize is the size of physical memory in bytes.
	MemorySize uint64

	// KernelEnd is the end of the kernel image in physical memory.
	KernelEnd arch.PhysAddr

	// MaxClass is the largest frame size class to manage.
	MaxClass pgalloc.SizeClass

	// DefaultClass is the frame size class backing areas in mapped
	// segments.
	DefaultClass pgalloc.SizeClass

	// TLBEntries is the number of TLB entries. Zero means
	// kalisto.TLB_ENTRY_COUNT.
	TLBEntries int

	// WiredEntries is the number of TLB entries never chosen for random
	// replacement.
	WiredEntries int

	// ASIDs is the number of address space identifiers. Zero means
	// kalisto.ASID_COUNT.
	ASIDs int

	// CopyChunk is the number of bytes copied between address spaces per
	// critical section. Zero means the mm default.
	CopyChunk int
}

// Kernel is a booted machine.
type Kernel struct {
	opts Options

	// Frames is the physical frame allocator.
	Frames *pgalloc.Allocator

	// TLB is the simulated TLB.
	TLB *tlb.SoftTLB

	// Driver programs TLB and owns the ASID pool.
	Driver *tlb.Driver

	// Processor executes loads and stores.
	Processor *machine.Processor
}

// Boot initializes the machine described by opts.
func Boot(opts Options) (*Kernel, error) {
	if opts.TLBEntries == 0 {
		opts.TLBEntries = kalisto.TLB_ENTRY_COUNT
	}
	if opts.DefaultClass > opts.MaxClass {
		return nil, fmt.Errorf("default frame class %v above largest class %v: %w", opts.DefaultClass, opts.MaxClass, kerr.EINVAL)
	}

	frames, err := pgalloc.New(pgalloc.Options{
		MemorySize: opts.MemorySize,
		KernelEnd:  opts.KernelEnd,
		MaxClass:   opts.MaxClass,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing frame allocator: %w", err)
	}
	hw, err := tlb.NewSoftTLB(opts.TLBEntries, opts.WiredEntries)
	if err != nil {
		return nil, fmt.Errorf("initializing TLB: %w", err)
	}
	driver, err := tlb.NewDriver(hw, tlb.Options{ASIDs: opts.ASIDs})
	if err != nil {
		return nil, fmt.Errorf("initializing TLB driver: %w", err)
	}
	k := &Kernel{
		opts:      opts,
		Frames:    frames,
		TLB:       hw,
		Driver:    driver,
		Processor: machine.New(machine.NewMemory(opts.MemorySize), hw, driver),
	}
	log.Infof("Booted: %d KiB of memory, %d TLB entries (%d wired), %d ASIDs, first free frame at %v",
		opts.MemorySize>>10, hw.Size(), hw.Wired(), driver.Stats().ASIDs, frames.FirstFree())
	return k, nil
}

// Options returns the options the kernel booted with.
func (k *Kernel) Options() Options {
	return k.opts
}

// NewAddressSpace returns an empty address space.
func (k *Kernel) NewAddressSpace() (*mm.Map, error) {
	return mm.NewMap(k.Frames, k.Processor, mm.Options{
		DefaultClass: k.opts.DefaultClass,
		CopyChunk:    k.opts.CopyChunk,
	})
}

// CheckInvariants verifies the frame bitmaps.
func (k *Kernel) CheckInvariants() error {
	return k.Frames.CheckInvariants()
}
