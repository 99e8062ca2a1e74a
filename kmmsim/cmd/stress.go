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
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/errors/kerr"
	"kalisto.dev/kalisto/pkg/kernel"
	"kalisto.dev/kalisto/pkg/log"
	"kalisto.dev/kalisto/pkg/machine"
	"kalisto.dev/kalisto/pkg/mm"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts StressOptions
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run address spaces allocating, touching and freeing memory concurrently"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs address spaces in parallel, each doing random allocations, stores and frees, then checks that no frame leaked and the frame bitmaps are consistent.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.Spaces, "spaces", 8, "number of address spaces.")
	f.IntVar(&s.opts.Ops, "ops", 1000, "operations per address space.")
	f.Int64Var(&s.opts.Seed, "seed", 1, "random seed.")
	f.IntVar(&s.opts.MaxPages, "max-pages", 16, "largest area to allocate, in pages.")
	f.IntVar(&s.opts.Retries, "retries", 5, "times an allocation failing with ENOMEM is retried.")
	f.DurationVar(&s.opts.Timeout, "timeout", time.Minute, "time limit for the whole run.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	k, err := boot(args)
	if err != nil {
		return Failed("booting", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	stats, err := RunStress(ctx, k, s.opts)
	if err != nil {
		return Failed("stress", err)
	}
	fmt.Fprintf(Stdout, "%d allocations, %d frees, %d stores, %d retries, %d given up, %d ASID reclaims\n",
		stats.Allocations, stats.Frees, stats.Stores, stats.Retries, stats.GivenUp, k.Driver.Stats().Evictions)
	return subcommands.ExitSuccess
}

// StressOptions configures RunStress.
type StressOptions struct {
	Spaces   int
	Ops      int
	Seed     int64
	MaxPages int
	Retries  int
	Timeout  time.Duration
}

// StressStats counts what RunStress did.
type StressStats struct {
	Allocations uint64
	Frees       uint64
	Stores      uint64
	Retries     uint64
	GivenUp     uint64
}

// stressCounters is the shared, atomically updated form of StressStats.
type stressCounters struct {
	allocations atomic.Uint64
	frees       atomic.Uint64
	stores      atomic.Uint64
	retries     atomic.Uint64
	givenUp     atomic.Uint64
}

// RunStress runs opts.Spaces address spaces of k concurrently, each doing
// opts.Ops random operations. Every area is tagged with a store at both ends
// which is checked before the area is freed. At the end every address
// space is released, and RunStress verifies that all frames came back and
// that the frame bitmaps are consistent.
func RunStress(ctx context.Context, k *kernel.Kernel, opts StressOptions) (StressStats, error) {
	if opts.Spaces <= 0 || opts.Ops < 0 || opts.MaxPages <= 0 || opts.Retries < 0 {
		return StressStats{}, fmt.Errorf("invalid stress options %+v: %w", opts, kerr.EINVAL)
	}
	free := k.Frames.FreeBytes()
	var c stressCounters

	spaces := make([]*mm.Map, opts.Spaces)
	for i := range spaces {
		m, err := k.NewAddressSpace()
		if err != nil {
			return StressStats{}, err
		}
		spaces[i] = m
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, m := range spaces {
		w := &stressWorker{
			k:    k,
			m:    m,
			tag:  byte(i + 1),
			opts: opts,
			rand: rand.New(rand.NewSource(opts.Seed + int64(i))),
			c:    &c,
		}
		g.Go(func() error {
			return w.run(ctx)
		})
	}
	err := g.Wait()

	for _, m := range spaces {
		m.Release()
	}
	stats := StressStats{
		Allocations: c.allocations.Load(),
		Frees:       c.frees.Load(),
		Stores:      c.stores.Load(),
		Retries:     c.retries.Load(),
		GivenUp:     c.givenUp.Load(),
	}
	if err != nil {
		return stats, err
	}
	if got := k.Frames.FreeBytes(); got != free {
		return stats, fmt.Errorf("%d bytes free after releasing every address space, want %d", got, free)
	}
	if err := k.CheckInvariants(); err != nil {
		return stats, err
	}
	return stats, nil
}

// stressWorker drives one address space.
type stressWorker struct {
	k    *kernel.Kernel
	m    *mm.Map
	tag  byte
	opts StressOptions
	rand *rand.Rand
	c    *stressCounters

	// areas are the live areas, with their sizes.
	areas []arch.AddrRange
}

func (w *stressWorker) run(ctx context.Context) error {
	for i := 0; i < w.opts.Ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		switch op := w.rand.Intn(4); {
		case op == 0 && len(w.areas) > 0:
			err = w.free(w.rand.Intn(len(w.areas)))
		case op == 1 && len(w.areas) > 0:
			r := w.areas[w.rand.Intn(len(w.areas))]
			err = w.store(r.Start+arch.Addr(w.rand.Int63n(int64(r.Length()))), []byte{w.tag})
		default:
			err = w.allocate(ctx)
		}
		if err != nil {
			return fmt.Errorf("address space %d, operation %d: %w", w.tag, i, err)
		}
	}
	return nil
}

// allocate adds an area and tags it, retrying with backoff while physical
// memory is exhausted.
func (w *stressWorker) allocate(ctx context.Context) error {
	size := uint64(w.rand.Intn(w.opts.MaxPages)+1) * arch.PageSize
	var start arch.Addr
	op := func() error {
		var err error
		start, err = w.m.Allocate(0, size, kalisto.VF_AUTO_KUSEG)
		if errors.Is(err, kerr.ENOMEM) {
			w.c.retries.Add(1)
			return err
		}
		if err != nil {
			return &backoff.PermanentError{Err: err}
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.opts.Retries)), ctx))
	if errors.Is(err, kerr.ENOMEM) {
		// Other address spaces hold the memory. Shrink instead.
		w.c.givenUp.Add(1)
		log.Debugf("Address space %d: giving up on %d bytes: %v", w.tag, size, err)
		if len(w.areas) > 0 {
			return w.free(0)
		}
		return nil
	}
	if err != nil {
		return err
	}
	w.c.allocations.Add(1)
	r := arch.AddrRange{Start: start, End: start + arch.Addr(size)}
	w.areas = append(w.areas, r)
	if err := w.store(r.Start, []byte{w.tag}); err != nil {
		return err
	}
	return w.store(r.End-1, []byte{w.tag})
}

// free checks the tags of area i and frees it.
func (w *stressWorker) free(i int) error {
	r := w.areas[i]
	for _, va := range []arch.Addr{r.Start, r.End - 1} {
		var b [1]byte
		if err := w.load(va, b[:]); err != nil {
			return err
		}
		if b[0] != w.tag {
			return fmt.Errorf("byte at %v is %d, want %d", va, b[0], w.tag)
		}
	}
	if err := w.m.Free(r.Start); err != nil {
		return err
	}
	w.areas = append(w.areas[:i], w.areas[i+1:]...)
	w.c.frees.Add(1)
	return nil
}

// store writes b at va as a user access of the worker's address space.
// Switching and the access form one critical section, so no other worker
// can switch address spaces in between.
func (w *stressWorker) store(va arch.Addr, b []byte) error {
	var err error
	w.k.Processor.Interrupts.Off(func() {
		w.m.SwitchTo()
		err = w.k.Processor.WriteAtLocked(machine.User, va, b)
	})
	if err == nil {
		w.c.stores.Add(1)
	}
	return err
}

// load reads b at va like store writes it.
func (w *stressWorker) load(va arch.Addr, b []byte) error {
	var err error
	w.k.Processor.Interrupts.Off(func() {
		w.m.SwitchTo()
		err = w.k.Processor.ReadAtLocked(machine.User, va, b)
	})
	return err
}
