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
	"kmm.dev/kmm/pkg/hostarch"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	start addrFlag
	end   addrFlag
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "boot a simulated kernel and dump the kernel page tables"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [-start=<addr>] [-end=<addr>] - prints every leaf of the kernel pagemap in [start, end).
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.Var(&d.start, "start", "first virtual address to dump.")
	d.end = addrFlag(^uint64(0))
	f.Var(&d.end, "end", "end of the virtual range to dump.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || d.end <= d.start {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	k := bootKernel(conf)
	defer k.Close()

	r := hostarch.AddrRange{Start: hostarch.Addr(d.start), End: hostarch.Addr(d.end)}
	counts := dumpLeaves(os.Stdout, k.Pagemap().Tree(), r, true)
	fmt.Fprintf(os.Stdout, "leaves in %v:\n", r)
	printCounts(os.Stdout, k.Codec(), counts)
	return subcommands.ExitSuccess
}
