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

package mm

import (
	"fmt"

	"kmm.dev/kmm/pkg/cleanup"
	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/log"
	"kmm.dev/kmm/pkg/page"
	"kmm.dev/kmm/pkg/pgalloc"
	"kmm.dev/kmm/pkg/pgmap"
	"kmm.dev/kmm/pkg/pte"
	"kmm.dev/kmm/pkg/ptwalker"
	"kmm.dev/kmm/pkg/sync"
)

// Kernel is the memory manager context. It is created once by Boot and
// lives as long as the simulated machine.
type Kernel struct {
	opts   Options
	codec  pte.Codec
	layout Layout

	mem   *page.Memory
	db    *page.DB
	boot  *pgalloc.Bump
	alloc *pgalloc.Buddy
	tlb   TLB

	kernel *Pagemap
	cpus   []*CPU

	// mmioMu serializes the MMIO window. It is taken before the kernel
	// pagemap's addrspaceMu.
	mmioMu sync.Mutex

	// mmio is guarded by mmioMu.
	mmio vmaSet
}

// Boot brings up the memory manager: the page database, the boot allocator,
// the kernel pagemap with the direct map of all memory, then the buddy
// allocator and the CPUs, each of which starts on the kernel pagemap.
func Boot(opts Options) (*Kernel, error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf("no page table format: %w", ErrInvalid)
	}
	if opts.CPUs <= 0 {
		return nil, fmt.Errorf("%d CPUs: %w", opts.CPUs, ErrInvalid)
	}
	if opts.MemorySize == 0 || opts.MemorySize%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("memory size %#x: %w", opts.MemorySize, ErrInvalid)
	}
	if opts.TLB == nil {
		opts.TLB = &CountingTLB{}
	}
	c := opts.Codec
	lay, err := newLayout(c, opts.MemorySize, opts.MMIOSize)
	if err != nil {
		return nil, err
	}

	mem, err := page.NewMemory(PhysBase, opts.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("creating physical memory: %w", err)
	}
	cu := cleanup.Make(func() { mem.Close() })
	defer cu.Clean()

	db := page.NewDB(PhysBase, opts.MemorySize)
	k := &Kernel{
		opts:   opts,
		codec:  c,
		layout: lay,
		mem:    mem,
		db:     db,
		boot:   pgalloc.NewBump(db, mem, PhysBase, mem.End()),
		tlb:    opts.TLB,
		mmio:   newVMASet(lay.MMIOWindow),
	}

	tree := ptwalker.Tree{Codec: c, Mem: mem}
	if tree.Lower, err = k.bootTable(); err != nil {
		return nil, err
	}
	if c.SplitRoot() {
		if tree.Upper, err = k.bootTable(); err != nil {
			return nil, err
		}
	} else if err := k.preallocKernelHalf(tree.Lower); err != nil {
		return nil, err
	}

	// Map all of memory. The direct map is never torn down and holds no
	// references.
	direct := pgmap.Target{Tree: tree, Alloc: k.boot, DB: db}
	if err := pgmap.MapAt(direct, nil, lay.DirectMap.Start, PhysBase, opts.MemorySize, pgmap.MapOpts{
		Flags:       pte.Flags{AccessType: hostarch.ReadWrite, Global: true},
		LargeLevels: largeMask(c, opts.KernelLargePages),
		Permanent:   true,
	}); err != nil {
		return nil, fmt.Errorf("creating direct map: %w", err)
	}

	k.alloc = pgalloc.NewBuddy(db, mem, k.boot)
	k.kernel = newPagemap(k, tree, true, lay.KernelWindow, largeMask(c, opts.KernelLargePages))
	for i := 0; i < opts.CPUs; i++ {
		cpu := &CPU{k: k, id: i}
		k.cpus = append(k.cpus, cpu)
		cpu.Switch(k.kernel)
	}

	cu.Release()
	log.Infof("Booted %s: %d MiB at %v, direct map %v, %d of %d pages free, %d CPUs",
		c.Name(), opts.MemorySize>>20, PhysBase, lay.DirectMap, k.alloc.FreeCount(), k.alloc.TotalPages(), opts.CPUs)
	return k, nil
}

// bootTable allocates a pinned root table.
func (k *Kernel) bootTable() (hostarch.PhysAddr, error) {
	t, ok := k.boot.AllocTable()
	if !ok {
		return 0, fmt.Errorf("allocating root table: %w", pgmap.ErrTableAllocFail)
	}
	k.db.IncRef(t)
	return t, nil
}

// preallocKernelHalf links a pinned table into every kernel-half slot of a
// single root, so user pagemaps can share the kernel half by copying root
// entries.
func (k *Kernel) preallocKernelHalf(root hostarch.PhysAddr) error {
	tbl := k.mem.Table(root)
	for i := pte.EntriesPerTable / 2; i < pte.EntriesPerTable; i++ {
		t, err := k.bootTable()
		if err != nil {
			return err
		}
		pte.Write(tbl.Slot(i), k.codec.EncodeTable(t))
		k.db.IncRef(root)
	}
	return nil
}

// Close releases the host memory backing k. k must not be used afterwards.
func (k *Kernel) Close() error {
	return k.mem.Close()
}

// Codec returns the page-table format.
func (k *Kernel) Codec() pte.Codec {
	return k.codec
}

// Pagemap returns the kernel pagemap.
func (k *Kernel) Pagemap() *Pagemap {
	return k.kernel
}

// CPU returns CPU i.
func (k *Kernel) CPU(i int) *CPU {
	return k.cpus[i]
}

// NumCPUs returns the number of CPUs.
func (k *Kernel) NumCPUs() int {
	return len(k.cpus)
}

// Allocator returns the physical allocator.
func (k *Kernel) Allocator() *pgalloc.Buddy {
	return k.alloc
}

// DB returns the page database.
func (k *Kernel) DB() *page.DB {
	return k.db
}

// BootLeaked returns the number of pages freed to the boot allocator.
func (k *Kernel) BootLeaked() uint64 {
	return k.boot.Leaked()
}

// DirectMap returns the range of the direct map.
func (k *Kernel) DirectMap() hostarch.AddrRange {
	return k.layout.DirectMap
}

// Layout returns the virtual memory layout.
func (k *Kernel) Layout() Layout {
	return k.layout
}

// PhysToVirt returns the direct-map address of phys.
func (k *Kernel) PhysToVirt(phys hostarch.PhysAddr) (hostarch.Addr, bool) {
	if !k.mem.Contains(phys, 1) {
		return 0, false
	}
	return k.layout.DirectMap.Start + hostarch.Addr(phys-PhysBase), true
}

// VirtToPhys returns the physical address of a direct-map address.
func (k *Kernel) VirtToPhys(addr hostarch.Addr) (hostarch.PhysAddr, bool) {
	if !k.layout.DirectMap.Contains(addr) {
		return 0, false
	}
	return PhysBase + hostarch.PhysAddr(addr-k.layout.DirectMap.Start), true
}

// NewUser returns a user pagemap with one reference. The kernel half is
// shared with the kernel pagemap.
func (k *Kernel) NewUser() (*Pagemap, error) {
	root, ok := k.alloc.AllocTable()
	if !ok {
		return nil, fmt.Errorf("allocating user root: %w", pgmap.ErrTableAllocFail)
	}
	k.db.IncRef(root)
	tree := ptwalker.Tree{Codec: k.codec, Mem: k.mem, Lower: root}
	if k.codec.SplitRoot() {
		tree.Upper = k.kernel.tree.Upper
	} else {
		src, dst := k.mem.Table(k.kernel.tree.Lower), k.mem.Table(root)
		for i := pte.EntriesPerTable / 2; i < pte.EntriesPerTable; i++ {
			pte.Write(dst.Slot(i), pte.Read(src.Slot(i)))
		}
	}
	return newPagemap(k, tree, false, k.layout.UserWindow, largeMask(k.codec, k.opts.UserLargePages)), nil
}
