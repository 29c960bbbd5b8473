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
	"kmm.dev/kmm/kmm/cmd/util"
	"kmm.dev/kmm/kmm/config"
	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/mm"
)

// Map implements subcommands.Command for the "map" command.
type Map struct {
	virt   addrFlag
	phys   addrFlag
	size   addrFlag
	access string
	cache  string
	anon   bool
	unmap  bool
}

// Name implements subcommands.Command.Name.
func (*Map) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Map) Synopsis() string {
	return "map a range into a new user pagemap and print the resulting entries"
}

// Usage implements subcommands.Command.Usage.
func (*Map) Usage() string {
	return `map -size=<bytes> [-virt=<addr>] [-phys=<addr> | -anon] [-access=rw-] [-cache=WB] - maps a range into a user pagemap.

If -virt is zero, the mapping is placed in the lowest free suitably aligned
range. Without -phys or -anon, a physically contiguous block is allocated
and handed to the mapping. -phys may name allocated RAM or device memory
outside RAM; free RAM and page tables cannot be mapped.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Map) SetFlags(f *flag.FlagSet) {
	f.Var(&m.virt, "virt", "virtual address of the mapping, or 0 to pick one.")
	f.Var(&m.phys, "phys", "physical address to map, or 0 to allocate a block.")
	m.size = addrFlag(hostarch.PageSize)
	f.Var(&m.size, "size", "size of the mapping in bytes.")
	f.StringVar(&m.access, "access", "rw-", "permissions, as in rwx.")
	f.StringVar(&m.cache, "cache", "WB", "memory type: WB, WC or UC.")
	f.BoolVar(&m.anon, "anon", false, "map newly allocated pages instead of -phys.")
	f.BoolVar(&m.unmap, "unmap", false, "unmap the range again and check that every page was freed.")
}

// Execute implements subcommands.Command.Execute.
func (m *Map) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	perms, ok := hostarch.ParseAccessType(m.access)
	if !ok {
		util.Fatalf("invalid -access %q", m.access)
	}
	cache, err := hostarch.ParseMemoryType(m.cache)
	if err != nil {
		util.Fatalf("invalid -cache: %v", err)
	}

	conf := args[0].(*config.Config)
	k := bootKernel(conf)
	defer k.Close()
	free := k.Allocator().FreeCount()

	phys := hostarch.PhysAddr(m.phys)
	if !m.anon && phys == 0 {
		phys, err = allocBlock(k, uint64(m.size))
		if err != nil {
			util.Fatalf("%v", err)
		}
	}

	pm, err := k.NewUser()
	if err != nil {
		util.Fatalf("creating user pagemap: %v", err)
	}
	addr, err := pm.MMap(mm.MMapOpts{
		Length:    uint64(m.size),
		Addr:      hostarch.Addr(m.virt),
		Fixed:     m.virt != 0,
		Anonymous: m.anon,
		Phys:      phys,
		Perms:     perms,
		Cache:     cache,
	})
	if err != nil {
		util.Fatalf("mapping: %v", err)
	}
	r := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(m.size)}
	fmt.Fprintf(os.Stdout, "mapped %v\n", r)
	printCounts(os.Stdout, k.Codec(), dumpLeaves(os.Stdout, pm.Tree(), r, true))

	if m.unmap {
		if err := pm.MUnmap(addr); err != nil {
			util.Fatalf("unmapping: %v", err)
		}
		pm.DecRef()
		if got := k.Allocator().FreeCount(); got != free {
			util.Fatalf("%d pages free after unmapping, want %d", got, free)
		}
		fmt.Fprintf(os.Stdout, "unmapped %v, %d pages free\n", r, free)
		return subcommands.ExitSuccess
	}
	pm.DecRef()
	return subcommands.ExitSuccess
}
