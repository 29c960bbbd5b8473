// Copyright 2026 The gVisor Authors.
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
	"os"

	"github.com/google/subcommands"
	"kmm.dev/kmm/kmm/config"
	"kmm.dev/kmm/pkg/pte"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct{}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a simulated kernel and print its memory layout"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot - boots a kernel from the global flags and prints its layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Boot) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	k := bootKernel(conf)
	defer k.Close()

	c := k.Codec()
	lay := k.Layout()
	fmt.Fprintf(os.Stdout, "arch:          %s (%d levels, %d-bit VA, split root: %t)\n", c.Name(), c.Levels(), c.VABits(), c.SplitRoot())
	fmt.Fprintf(os.Stdout, "direct map:    %v\n", lay.DirectMap)
	fmt.Fprintf(os.Stdout, "kernel window: %v\n", lay.KernelWindow)
	fmt.Fprintf(os.Stdout, "mmio window:   %v\n", lay.MMIOWindow)
	fmt.Fprintf(os.Stdout, "user window:   %v\n", lay.UserWindow)
	fmt.Fprintf(os.Stdout, "pages:         %d free of %d\n", k.Allocator().FreeCount(), k.Allocator().TotalPages())
	fmt.Fprintf(os.Stdout, "cpus:          %d\n", k.NumCPUs())
	fmt.Fprintf(os.Stdout, "direct map leaves:\n")
	printCounts(os.Stdout, c, dumpLeaves(os.Stdout, k.Pagemap().Tree(), lay.DirectMap, false))
	for l := pte.Level(2); l <= c.Levels(); l++ {
		if c.CanHaveLarge(l) {
			fmt.Fprintf(os.Stdout, "large pages:   level %d (%d KiB)\n", l, c.LevelSize(l)>>10)
		}
	}
	return subcommands.ExitSuccess
}
