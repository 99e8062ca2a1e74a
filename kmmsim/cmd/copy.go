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
	"flag"
	"fmt"
	"math/rand"

	"github.com/google/subcommands"
	"kalisto.dev/kalisto/kmmsim/config"
	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/kernel"
	"kalisto.dev/kalisto/pkg/machine"
)

// Copy implements subcommands.Command for the "copy" command.
type Copy struct {
	size   config.Size
	offset uint64
	seed   int64
}

// Name implements subcommands.Command.Name.
func (*Copy) Name() string {
	return "copy"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Copy) Synopsis() string {
	return "copy memory between two address spaces and verify it"
}

// Usage implements subcommands.Command.Usage.
func (*Copy) Usage() string {
	return `copy [flags] - fills an area of one address space with random bytes, copies it into another address space and compares the two.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Copy) SetFlags(f *flag.FlagSet) {
	c.size = 64 << 10
	f.Var(&c.size, "size", "number of bytes to copy.")
	f.Uint64Var(&c.offset, "offset", 0, "offset of the destination in its area.")
	f.Int64Var(&c.seed, "seed", 1, "random seed for the contents.")
}

// Execute implements subcommands.Command.Execute.
func (c *Copy) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	k, err := boot(args)
	if err != nil {
		return Failed("booting", err)
	}
	if err := RunCopy(k, uint64(c.size), c.offset, c.seed); err != nil {
		return Failed("copy", err)
	}
	refills, _ := k.Processor.Stats()
	fmt.Fprintf(Stdout, "copied %v bytes, %d TLB refills\n", c.size, refills)
	return subcommands.ExitSuccess
}

// RunCopy allocates size bytes in a source address space and size+offset
// bytes in a destination address space, fills the source, copies it to
// offset in the destination and checks the result.
func RunCopy(k *kernel.Kernel, size, offset uint64, seed int64) error {
	src, err := k.NewAddressSpace()
	if err != nil {
		return err
	}
	defer src.Release()
	dst, err := k.NewAddressSpace()
	if err != nil {
		return err
	}
	defer dst.Release()

	srcAddr, err := src.Allocate(0, size, kalisto.VF_AUTO_KUSEG)
	if err != nil {
		return fmt.Errorf("allocating source: %w", err)
	}
	dstAddr, err := dst.Allocate(0, size+offset, kalisto.VF_AUTO_KUSEG)
	if err != nil {
		return fmt.Errorf("allocating destination: %w", err)
	}
	dstAddr += arch.Addr(offset)

	want := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(want)
	src.SwitchTo()
	if err := k.Processor.WriteAt(machine.User, srcAddr, want); err != nil {
		return err
	}
	if err := src.CopyTo(srcAddr, dst, dstAddr, size); err != nil {
		return err
	}
	dst.SwitchTo()
	got := make([]byte, size)
	if err := k.Processor.ReadAt(machine.User, dstAddr, got); err != nil {
		return err
	}
	if i := firstDifference(got, want); i >= 0 {
		return fmt.Errorf("destination differs from source at offset %#x", i)
	}
	return nil
}

// firstDifference returns the first index at which a and b differ, or -1.
func firstDifference(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}
	for i := range a {
		if i >= len(b) || a[i] != b[i] {
			return i
		}
	}
	return len(a)
}
