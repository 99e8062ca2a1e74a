// Copyright 2026 The Kalisto Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import "sync/atomic"

// Interrupts is the interrupt-enable flag of the single simulated processor.
//
// Kernel code that mutates shared memory-management state runs with
// interrupts disabled. On the hosted machine every goroutine acting as a
// kernel thread competes for the flag, so Disable excludes all other
// critical sections until the matching Enable.
//
// Code holding the flag must not block: on hardware nothing could wake it.
//
// Critical sections do not nest. Helpers that expect the flag to be held
// say so in a "Preconditions" comment.
type Interrupts struct {
	mu Mutex

	// disabled is set while a critical section runs. It is only read for
	// assertions.
	disabled atomic.Bool
}

// Disable masks interrupts, waiting for any other critical section to end.
func (i *Interrupts) Disable() {
	i.mu.Lock()
	i.disabled.Store(true)
}

// Enable unmasks interrupts.
//
// Precondition: interrupts are disabled by the caller.
func (i *Interrupts) Enable() {
	if !i.disabled.Load() {
		panic("enabling interrupts that are not disabled")
	}
	i.disabled.Store(false)
	i.mu.Unlock()
}

// Disabled returns true while some critical section is running.
func (i *Interrupts) Disabled() bool {
	return i.disabled.Load()
}

// Off runs fn with interrupts disabled. Interrupts are enabled again even if
// fn panics.
func (i *Interrupts) Off(fn func()) {
	i.Disable()
	defer i.Enable()
	fn()
}
