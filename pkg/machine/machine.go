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

// Package machine simulates the processor the memory manager runs on: its
// physical memory, its interrupt flag, and loads and stores that translate
// virtual addresses the way an R4000 does.
//
// Accesses to KSEG0 and KSEG1 go straight to physical memory. Accesses to
// the mapped segments go through the TLB; a miss raises the refill
// exception, handled by the TLB driver from the active address space, and
// the access is retried.
package machine

import (
	"errors"
	"fmt"
	"sync/atomic"

	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/log"
	"kalisto.dev/kalisto/pkg/sync"
	"kalisto.dev/kalisto/pkg/tlb"
)

// Mode is the privilege level of an access.
type Mode int

const (
	// Kernel accesses may use every segment. A fault is fatal.
	Kernel Mode = iota

	// User accesses may only use KUSEG. A fault kills the thread.
	User
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case Kernel:
		return "kernel"
	case User:
		return "user"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// maxRefills bounds the refill and retry loop of one access. A second miss
// right after a successful refill only happens if the address space was
// switched away meanwhile.
const maxRefills = 2

// Fault describes a failed access.
type Fault struct {
	Addr  arch.Addr
	Write bool
	Mode  Mode

	// Err is the reason: tlb.ErrNotMapped, tlb.ErrModified, ErrAddress or
	// ErrBus.
	Err error
}

// Error implements error.Error.
func (f *Fault) Error() string {
	op := "load"
	if f.Write {
		op = "store"
	}
	return fmt.Sprintf("%s %s at %v: %v", f.Mode, op, f.Addr, f.Err)
}

// Unwrap returns the reason for the fault.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Exception reasons other than TLB exceptions.
var (
	// ErrAddress is an address error: a user access outside KUSEG.
	ErrAddress = errors.New("address error")

	// ErrBus is a bus error: no physical memory at the address.
	ErrBus = errors.New("bus error")
)

// Processor is a simulated single core processor.
type Processor struct {
	// Interrupts is the interrupt flag. Every access runs with interrupts
	// disabled; ReadAt and WriteAt disable them for the caller.
	Interrupts sync.Interrupts

	// mem is physical memory.
	mem *Memory

	// tlb is the TLB the hardware translates through.
	tlb *tlb.SoftTLB

	// driver handles refill exceptions.
	driver *tlb.Driver

	refills atomic.Uint64
	faults  atomic.Uint64
}

// New returns a processor with the given physical memory and TLB, whose
// refill exceptions are handled by driver.
func New(mem *Memory, hw *tlb.SoftTLB, driver *tlb.Driver) *Processor {
	return &Processor{
		mem:    mem,
		tlb:    hw,
		driver: driver,
	}
}

// Memory returns physical memory.
func (p *Processor) Memory() *Memory {
	return p.mem
}

// Driver returns the TLB driver.
func (p *Processor) Driver() *tlb.Driver {
	return p.driver
}

// Stats reports the refill exceptions handled and the faults raised.
func (p *Processor) Stats() (refills, faults uint64) {
	return p.refills.Load(), p.faults.Load()
}

// ReadAt copies len(dst) bytes at va into dst.
func (p *Processor) ReadAt(mode Mode, va arch.Addr, dst []byte) error {
	var err error
	p.Interrupts.Off(func() {
		err = p.ReadAtLocked(mode, va, dst)
	})
	return err
}

// WriteAt copies src to va.
func (p *Processor) WriteAt(mode Mode, va arch.Addr, src []byte) error {
	var err error
	p.Interrupts.Off(func() {
		err = p.WriteAtLocked(mode, va, src)
	})
	return err
}

// ReadAtLocked is ReadAt for callers that already disabled interrupts.
//
// Preconditions: interrupts are disabled.
func (p *Processor) ReadAtLocked(mode Mode, va arch.Addr, dst []byte) error {
	return p.access(mode, va, dst, false)
}

// WriteAtLocked is WriteAt for callers that already disabled interrupts.
//
// Preconditions: interrupts are disabled.
func (p *Processor) WriteAtLocked(mode Mode, va arch.Addr, src []byte) error {
	return p.access(mode, va, src, true)
}

// access copies between buf and the memory at va one page at a time, since
// consecutive pages may be backed by unrelated frames.
func (p *Processor) access(mode Mode, va arch.Addr, buf []byte, write bool) error {
	if !p.Interrupts.Disabled() {
		panic("memory access with interrupts enabled")
	}
	for len(buf) > 0 {
		n := min(uint64(len(buf)), arch.PageSize-va.PageOffset())
		pa, err := p.translate(mode, va, write)
		if err != nil {
			return p.fault(&Fault{Addr: va, Write: write, Mode: mode, Err: err})
		}
		if write {
			err = p.mem.WriteAt(pa, buf[:n])
		} else {
			err = p.mem.ReadAt(pa, buf[:n])
		}
		if err != nil {
			return p.fault(&Fault{Addr: va, Write: write, Mode: mode, Err: err})
		}
		buf = buf[n:]
		if len(buf) == 0 {
			break
		}
		next, ok := va.AddLength(n)
		if !ok || next >= arch.AddrLimit {
			return p.fault(&Fault{Addr: va, Write: write, Mode: mode, Err: ErrAddress})
		}
		va = next
	}
	return nil
}

// translate returns the physical address of va, handling refill exceptions.
func (p *Processor) translate(mode Mode, va arch.Addr, write bool) (arch.PhysAddr, error) {
	seg := arch.SegmentOf(va)
	if mode == User && seg != arch.KUSEG {
		return 0, ErrAddress
	}
	if !seg.Mapped() {
		return seg.Physical(va), nil
	}
	for i := 0; ; i++ {
		pa, _, err := p.tlb.Translate(va, write)
		if err == nil {
			return pa, nil
		}
		if (err != tlb.ErrMiss && err != tlb.ErrInvalid) || i == maxRefills {
			return 0, err
		}
		p.refills.Add(1)
		if err := p.driver.Refill(va); err != nil {
			return 0, err
		}
	}
}

// fault reports f. Kernel faults mean the kernel's own mappings are broken,
// and panic.
func (p *Processor) fault(f *Fault) error {
	p.faults.Add(1)
	if f.Mode == Kernel {
		log.Warningf("Kernel fault: %v", f)
		panic(fmt.Sprintf("kernel fault: %v", f))
	}
	log.Debugf("User fault: %v", f)
	return f
}
