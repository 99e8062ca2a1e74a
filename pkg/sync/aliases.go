// Copyright 2026 The Kalisto Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

// Package sync holds the locking primitives of the memory-management code:
// the Interrupts flag that stands in for the processor's interrupt enable
// bit, and the ordinary locks nested inside it.
//
// Lock order, outermost first: Interrupts, mm.Map, tlb.Driver,
// pgalloc.Allocator.
package sync

import "sync"

type (
	// Mutex guards the state of a single component.
	Mutex = sync.Mutex

	// WaitGroup waits for simulated kernel threads.
	WaitGroup = sync.WaitGroup
)
