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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"kalisto.dev/kalisto/pkg/errors/kerr"
	"kalisto.dev/kalisto/pkg/kernel"
	"kalisto.dev/kalisto/pkg/pgalloc"
)

func bootTest(t *testing.T, memory uint64, asids int) *kernel.Kernel {
	t.Helper()
	k, err := kernel.Boot(kernel.Options{
		MemorySize: memory,
		KernelEnd:  1 << 20,
		MaxClass:   pgalloc.MaxSizeClass,
		ASIDs:      asids,
	})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	return k
}

func TestPrintStats(t *testing.T) {
	k := bootTest(t, 8<<20, 0)
	var buf bytes.Buffer
	printStats(&buf, k)
	out := buf.String()
	for _, want := range []string{"memory: 8192 KiB", "segment", "KSEG", "4K", "4M"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "KUSEG") {
		t.Errorf("output lists KUSEG for 8M of memory:\n%s", out)
	}
}

func TestRunStress(t *testing.T) {
	// Little memory and few ASIDs, so that allocations are retried and
	// ASIDs reclaimed.
	k := bootTest(t, 2<<20, 2)
	opts := StressOptions{
		Spaces:   4,
		Ops:      300,
		Seed:     7,
		MaxPages: 32,
		Retries:  2,
		Timeout:  time.Minute,
	}
	stats, err := RunStress(context.Background(), k, opts)
	if err != nil {
		t.Fatalf("RunStress failed: %v", err)
	}
	if stats.Allocations == 0 || stats.Frees == 0 || stats.Stores == 0 {
		t.Errorf("RunStress did nothing: %+v", stats)
	}
	if k.Driver.Stats().Evictions == 0 {
		t.Errorf("no ASID reclaimed with 4 address spaces and 2 ASIDs")
	}
}

func TestRunStressRejects(t *testing.T) {
	k := bootTest(t, 2<<20, 0)
	if _, err := RunStress(context.Background(), k, StressOptions{}); !errors.Is(err, kerr.EINVAL) {
		t.Errorf("RunStress with no address spaces = %v, want EINVAL", err)
	}
}

func TestRunStressCancelled(t *testing.T) {
	k := bootTest(t, 4<<20, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := StressOptions{Spaces: 2, Ops: 10, MaxPages: 1}
	if _, err := RunStress(ctx, k, opts); !errors.Is(err, context.Canceled) {
		t.Errorf("RunStress after cancel = %v, want %v", err, context.Canceled)
	}
	if err := k.CheckInvariants(); err != nil {
		t.Errorf("CheckInvariants failed: %v", err)
	}
}

func TestRunCopy(t *testing.T) {
	k := bootTest(t, 4<<20, 0)
	free := k.Frames.FreeBytes()
	if err := RunCopy(k, 10000, 123, 1); err != nil {
		t.Fatalf("RunCopy failed: %v", err)
	}
	if got := k.Frames.FreeBytes(); got != free {
		t.Errorf("FreeBytes() = %#x after RunCopy, want %#x", got, free)
	}
}

func TestRunASID(t *testing.T) {
	k := bootTest(t, 4<<20, 4)
	stats, err := RunASID(k, 6)
	if err != nil {
		t.Fatalf("RunASID failed: %v", err)
	}
	if stats.Assigned != 4 {
		t.Errorf("%d ASIDs assigned, want 4", stats.Assigned)
	}
	// Six spaces on four ASIDs, then each space once more.
	if stats.Evictions < 2 {
		t.Errorf("%d ASIDs reclaimed, want at least 2", stats.Evictions)
	}
	if got := k.Driver.Stats().Assigned; got != 0 {
		t.Errorf("%d ASIDs assigned after release", got)
	}
}

func TestFirstDifference(t *testing.T) {
	for _, tc := range []struct {
		a, b string
		want int
	}{
		{"abc", "abc", -1},
		{"abc", "abd", 2},
		{"abc", "ab", 2},
		{"", "", -1},
	} {
		if got := firstDifference([]byte(tc.a), []byte(tc.b)); got != tc.want {
			t.Errorf("firstDifference(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestFailed(t *testing.T) {
	var buf bytes.Buffer
	saved := Stderr
	Stderr = &buf
	defer func() { Stderr = saved }()

	for _, tc := range []struct {
		err  error
		want string
	}{
		{fmt.Errorf("allocating source: %w", kerr.ENOMEM), "kmmsim: copy: allocating source: out of memory (ENOMEM)\n"},
		{errors.New("destination differs"), "kmmsim: copy: destination differs\n"},
	} {
		buf.Reset()
		if got := Failed("copy", tc.err); got != subcommands.ExitFailure {
			t.Errorf("Failed(%v) = %v, want ExitFailure", tc.err, got)
		}
		if got := buf.String(); got != tc.want {
			t.Errorf("Failed(%v) printed %q, want %q", tc.err, got, tc.want)
		}
	}
}
