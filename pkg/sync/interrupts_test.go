// Copyright 2026 The Kalisto Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

package sync

import (
	"testing"
)

func TestInterruptsExclusion(t *testing.T) {
	var (
		intr    Interrupts
		wg      WaitGroup
		counter int
	)
	const workers, iterations = 8, 1000
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				intr.Off(func() {
					if !intr.Disabled() {
						t.Errorf("Disabled() = false inside critical section")
					}
					counter++
				})
			}
		}()
	}
	wg.Wait()
	if counter != workers*iterations {
		t.Errorf("counter = %d, want %d", counter, workers*iterations)
	}
	if intr.Disabled() {
		t.Errorf("interrupts still disabled after all critical sections ended")
	}
}

func TestOffRestoresOnPanic(t *testing.T) {
	var intr Interrupts
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("panic did not propagate")
			}
		}()
		intr.Off(func() { panic("fault") })
	}()
	if intr.Disabled() {
		t.Fatalf("interrupts left disabled after panic")
	}
	// Must not deadlock.
	intr.Off(func() {})
}

func TestEnableWithoutDisablePanics(t *testing.T) {
	var intr Interrupts
	defer func() {
		if recover() == nil {
			t.Errorf("Enable without Disable did not panic")
		}
	}()
	intr.Enable()
}
