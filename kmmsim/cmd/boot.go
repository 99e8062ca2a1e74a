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
	"io"
	"text/tabwriter"

	"github.com/google/subcommands"
	"kalisto.dev/kalisto/pkg/kernel"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// dump prints the frame bitmaps too.
	dump bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the simulated machine and print the frame allocator state"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boots the machine described by the global flags and prints free frames per segment and size class.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.dump, "dump", false, "print the frame bitmaps.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	k, err := boot(args)
	if err != nil {
		return Failed("booting", err)
	}
	printStats(Stdout, k)
	if b.dump {
		k.Frames.Dump(Stdout)
	}
	return subcommands.ExitSuccess
}

// printStats prints the free and total frames of every segment and class.
func printStats(w io.Writer, k *kernel.Kernel) {
	fmt.Fprintf(w, "memory: %d KiB, first free address %v, %d KiB free\n",
		k.Frames.MemorySize()>>10, k.Frames.FirstFree(), k.Frames.FreeBytes()>>10)
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "segment\tclass\tfree\ttotal\t")
	for _, s := range k.Frames.Stats() {
		fmt.Fprintf(tw, "%v\t%v\t%d\t%d\t\n", s.Segment, s.Class, s.Free, s.Total)
	}
	tw.Flush()
}
