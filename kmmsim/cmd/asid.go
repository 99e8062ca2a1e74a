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
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/kernel"
	"kalisto.dev/kalisto/pkg/machine"
	"kalisto.dev/kalisto/pkg/mm"
	"kalisto.dev/kalisto/pkg/tlb"
)

// ASID implements subcommands.Command for the "asid" command.
type ASID struct {
	spaces int
}

// Name implements subcommands.Command.Name.
func (*ASID) Name() string {
	return "asid"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*ASID) Synopsis() string {
	return "activate more address spaces than there are ASIDs"
}

// Usage implements subcommands.Command.Usage.
func (*ASID) Usage() string {
	return `asid [flags] - activates address spaces in turn, each storing to its own memory, and reports how many ASIDs were reclaimed.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *ASID) SetFlags(f *flag.FlagSet) {
	f.IntVar(&a.spaces, "spaces", 257, "number of address spaces.")
}

// Execute implements subcommands.Command.Execute.
func (a *ASID) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	k, err := boot(args)
	if err != nil {
		return Failed("booting", err)
	}
	stats, err := RunASID(k, a.spaces)
	if err != nil {
		return Failed("asid", err)
	}
	fmt.Fprintf(Stdout, "%d address spaces, %d ASIDs, %d assigned, %d reclaimed\n", a.spaces, stats.ASIDs, stats.Assigned, stats.Evictions)
	return subcommands.ExitSuccess
}

// RunASID activates n address spaces in turn, each storing its index in a
// page of its own, then checks from each that its store is intact. It
// returns the ASID pool state before the address spaces are released.
func RunASID(k *kernel.Kernel, n int) (tlb.Stats, error) {
	spaces := make([]*mm.Map, 0, n)
	defer func() {
		for _, m := range spaces {
			m.Release()
		}
	}()

	var addrs []arch.Addr
	for i := 0; i < n; i++ {
		m, err := k.NewAddressSpace()
		if err != nil {
			return tlb.Stats{}, err
		}
		spaces = append(spaces, m)
		addr, err := m.Allocate(0, arch.PageSize, kalisto.VF_AUTO_KUSEG)
		if err != nil {
			return tlb.Stats{}, err
		}
		addrs = append(addrs, addr)
		m.SwitchTo()
		if err := k.Processor.WriteAt(machine.User, addr, tag(i)); err != nil {
			return tlb.Stats{}, err
		}
	}
	for i, m := range spaces {
		m.SwitchTo()
		got := make([]byte, 4)
		if err := k.Processor.ReadAt(machine.User, addrs[i], got); err != nil {
			return tlb.Stats{}, err
		}
		if want := tag(i); string(got) != string(want) {
			return tlb.Stats{}, fmt.Errorf("address space %d reads %v, want %v", i, got, want)
		}
	}
	return k.Driver.Stats(), nil
}

// tag returns the bytes address space i stores.
func tag(i int) []byte {
	return []byte{byte(i), byte(i >> 8), byte(i >> 16), 0xa5}
}
