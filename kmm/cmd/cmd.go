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

// Package cmd holds implementations of the kmm commands.
package cmd

import (
	"fmt"
	"io"
	"strconv"

	"kmm.dev/kmm/kmm/cmd/util"
	"kmm.dev/kmm/kmm/config"
	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/mm"
	"kmm.dev/kmm/pkg/pgalloc"
	"kmm.dev/kmm/pkg/pte"
	"kmm.dev/kmm/pkg/ptwalker"
)

// addrFlag is a flag.Value holding a hexadecimal or decimal address.
type addrFlag uint64

// String implements flag.Value.
func (a *addrFlag) String() string {
	return fmt.Sprintf("%#x", uint64(*a))
}

// Get implements flag.Getter.
func (a *addrFlag) Get() any {
	return uint64(*a)
}

// Set implements flag.Value.
func (a *addrFlag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %v", s, err)
	}
	*a = addrFlag(v)
	return nil
}

// bootKernel boots a kernel described by conf, or exits.
func bootKernel(conf *config.Config) *mm.Kernel {
	opts, err := conf.MMOptions()
	if err != nil {
		util.Fatalf("%v", err)
	}
	k, err := mm.Boot(opts)
	if err != nil {
		util.Fatalf("booting: %v", err)
	}
	return k
}

// allocBlock allocates a block of at least size bytes from the kernel's
// allocator. The block has no references; the first mapping of it takes
// ownership.
func allocBlock(k *mm.Kernel, size uint64) (hostarch.PhysAddr, error) {
	order := pgalloc.OrderForSize(size)
	if order > pgalloc.MaxOrder {
		return 0, fmt.Errorf("no block of %#x bytes: largest is %#x", size, uint64(hostarch.PageSize)<<pgalloc.MaxOrder)
	}
	p, ok := k.Allocator().AllocPages(order)
	if !ok {
		return 0, fmt.Errorf("no free block of %#x bytes", uint64(hostarch.PageSize)<<order)
	}
	return p, nil
}

// dumpLeaves writes one line per leaf of tree in r if verbose, and returns
// the number of leaves at each level.
func dumpLeaves(w io.Writer, tree ptwalker.Tree, r hostarch.AddrRange, verbose bool) map[pte.Level]int {
	counts := make(map[pte.Level]int)
	if err := ptwalker.ForEachPresent(tree, func(addr hostarch.Addr, l pte.Level, e pte.Entry) bool {
		if addr < r.Start {
			return true
		}
		if addr >= r.End {
			return false
		}
		counts[l]++
		if verbose {
			fmt.Fprintf(w, "%#016x L%d -> %v %v %s\n", uint64(addr), l, e.Phys, e.Flags, e.Cache.ShortString())
		}
		return true
	}); err != nil {
		util.Fatalf("walking page tables: %v", err)
	}
	return counts
}

// printCounts writes the leaf counts per level of codec c.
func printCounts(w io.Writer, c pte.Codec, counts map[pte.Level]int) {
	for l := pte.Level(1); l <= c.Levels(); l++ {
		if n := counts[l]; n > 0 {
			fmt.Fprintf(w, "  level %d (%d KiB pages): %d\n", l, c.LevelSize(l)>>10, n)
		}
	}
}
