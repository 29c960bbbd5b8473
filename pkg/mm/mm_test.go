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
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/page"
	"kmm.dev/kmm/pkg/pgmap"
	"kmm.dev/kmm/pkg/pte"
)

var allCodecs = []pte.Codec{pte.AMD64, pte.AMD64LA57, pte.ARM64, pte.RISCV64Sv39, pte.RISCV64Sv48}

const testMemory = 32 << 20

func boot(t *testing.T, opts Options) *Kernel {
	t.Helper()
	if opts.MemorySize == 0 {
		opts.MemorySize = testMemory
	}
	if opts.CPUs == 0 {
		opts.CPUs = 2
	}
	k, err := Boot(opts)
	if err != nil {
		t.Fatalf("Boot(%+v): %v", opts, err)
	}
	t.Cleanup(func() { k.Close() })
	return k
}

func newUser(t *testing.T, k *Kernel) *Pagemap {
	t.Helper()
	pm, err := k.NewUser()
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	return pm
}

func TestBoot(t *testing.T) {
	for _, c := range allCodecs {
		t.Run(c.Name(), func(t *testing.T) {
			k := boot(t, Options{Codec: c, KernelLargePages: true})
			kpm := k.Pagemap()

			dm := k.DirectMap()
			if dm.Length() != testMemory || !c.Upper(dm.Start) {
				t.Fatalf("direct map %v is not %#x bytes in the upper half", dm, testMemory)
			}
			for _, off := range []uint64{0, 0x5000, 0x200000, testMemory - hostarch.PageSize} {
				va := dm.Start + hostarch.Addr(off)
				phys, flags, err := kpm.Translate(va)
				if err != nil {
					t.Fatalf("Translate(%v): %v", va, err)
				}
				if want := PhysBase + hostarch.PhysAddr(off); phys != want {
					t.Errorf("Translate(%v) = %v, want %v", va, phys, want)
				}
				if !flags.Global || flags.User || !flags.Write {
					t.Errorf("direct map flags %v, want rw kernel global", flags)
				}
				if got, ok := k.PhysToVirt(phys); !ok || got != va {
					t.Errorf("PhysToVirt(%v) = %v, %t", phys, got, ok)
				}
			}
			if _, ok := k.VirtToPhys(dm.End); ok {
				t.Errorf("VirtToPhys(%v) succeeded past the direct map", dm.End)
			}

			for i := 0; i < k.NumCPUs(); i++ {
				if k.CPU(i).Active() != kpm {
					t.Errorf("CPU %d does not start on the kernel pagemap", i)
				}
			}
			if diff := cmp.Diff([]uint32{0, 1}, kpm.CPUs()); diff != "" {
				t.Errorf("kernel pagemap CPUs mismatch (-want +got):\n%s", diff)
			}
			if k.Allocator().FreeCount() == 0 || k.BootLeaked() != 0 {
				t.Errorf("FreeCount() = %d, BootLeaked() = %d", k.Allocator().FreeCount(), k.BootLeaked())
			}
		})
	}
}

func TestBootInvalid(t *testing.T) {
	for _, opts := range []Options{
		{MemorySize: testMemory, CPUs: 1},
		{Codec: pte.AMD64, MemorySize: testMemory},
		{Codec: pte.AMD64, MemorySize: testMemory + 1, CPUs: 1},
		{Codec: pte.RISCV64Sv39, MemorySize: testMemory, CPUs: 1, MMIOSize: 1 << 40},
	} {
		if _, err := Boot(opts); !errors.Is(err, ErrInvalid) {
			t.Errorf("Boot(%+v) = %v, want %v", opts, err, ErrInvalid)
		}
	}
}

func TestUserMapUnmap(t *testing.T) {
	for _, c := range allCodecs {
		t.Run(c.Name(), func(t *testing.T) {
			k := boot(t, Options{Codec: c})
			a := k.Allocator()
			before := a.FreeCount()
			pm := newUser(t, k)
			empty := a.FreeCount()

			const length = 16 * hostarch.PageSize
			addr, err := pm.MMap(MMapOpts{Length: length, Anonymous: true, Perms: hostarch.ReadWrite})
			if err != nil {
				t.Fatalf("MMap: %v", err)
			}
			if addr != userBase {
				t.Errorf("MMap placed the first mapping at %v, want %v", addr, userBase)
			}
			for off := uint64(0); off < length; off += hostarch.PageSize {
				phys, flags, err := pm.Translate(addr + hostarch.Addr(off))
				if err != nil {
					t.Fatalf("Translate(%v): %v", addr+hostarch.Addr(off), err)
				}
				if s := k.DB().State(phys); s != page.Used {
					t.Errorf("anonymous page %v is %v", phys, s)
				}
				if r := k.DB().Refs(phys); r != 1 {
					t.Errorf("anonymous page %v has %d refs, want 1", phys, r)
				}
				if !flags.User || flags.Global {
					t.Errorf("user flags %v", flags)
				}
			}

			if err := pm.MUnmap(addr); err != nil {
				t.Fatalf("MUnmap: %v", err)
			}
			if _, _, err := pm.Translate(addr); !errors.Is(err, ErrNotMapped) {
				t.Errorf("Translate after MUnmap = %v, want %v", err, ErrNotMapped)
			}
			if got := a.FreeCount(); got != empty {
				t.Errorf("FreeCount() after MUnmap = %d, want %d", got, empty)
			}
			if err := pm.MUnmap(addr); !errors.Is(err, ErrNotMapped) {
				t.Errorf("second MUnmap = %v, want %v", err, ErrNotMapped)
			}

			pm.DecRef()
			if got := a.FreeCount(); got != before {
				t.Errorf("FreeCount() after release = %d, want %d", got, before)
			}
		})
	}
}

func TestReleaseUnmapsEverything(t *testing.T) {
	k := boot(t, Options{Codec: pte.AMD64, UserLargePages: true})
	a := k.Allocator()
	before := a.FreeCount()
	pm := newUser(t, k)
	for _, length := range []uint64{hostarch.PageSize, 1 << 21, 3 * hostarch.PageSize} {
		if _, err := pm.MMap(MMapOpts{Length: length, Anonymous: true, Perms: hostarch.ReadWrite}); err != nil {
			t.Fatalf("MMap(%#x): %v", length, err)
		}
	}
	blk, ok := a.AllocPages(9)
	if !ok {
		t.Fatalf("AllocPages(9) failed")
	}
	if _, err := pm.MMap(MMapOpts{Length: 1 << 21, Phys: blk, Perms: hostarch.Read}); err != nil {
		t.Fatalf("MMap of physical memory: %v", err)
	}
	if n := len(pm.VMAs()); n != 4 {
		t.Fatalf("got %d VMAs, want 4", n)
	}
	pm.DecRef()
	if got := a.FreeCount(); got != before {
		t.Errorf("FreeCount() after release = %d, want %d", got, before)
	}
}

func TestMMapUnownedFrames(t *testing.T) {
	k := boot(t, Options{Codec: pte.AMD64, MMIOSize: 1 << 30})
	a := k.Allocator()
	pm := newUser(t, k)
	defer pm.DecRef()

	// The kernel root table sits at the start of RAM.
	if _, err := pm.MMap(MMapOpts{Length: hostarch.PageSize, Phys: PhysBase, Perms: hostarch.Read}); !errors.Is(err, ErrInvalid) {
		t.Errorf("MMap of a page table = %v, want %v", err, ErrInvalid)
	}
	p, ok := a.AllocPage()
	if !ok {
		t.Fatalf("AllocPage failed")
	}
	a.FreePage(p)
	if _, err := pm.MMap(MMapOpts{Length: hostarch.PageSize, Phys: p, Perms: hostarch.Read}); !errors.Is(err, ErrInvalid) {
		t.Errorf("MMap of a free frame = %v, want %v", err, ErrInvalid)
	}
	if _, err := k.MapMMIO(p, hostarch.PageSize, hostarch.MemoryTypeUncached); !errors.Is(err, ErrInvalid) {
		t.Errorf("MapMMIO of a free frame = %v, want %v", err, ErrInvalid)
	}
	if n := len(pm.VMAs()); n != 0 {
		t.Errorf("%d VMAs after rejected mappings, want 0", n)
	}
	if n := len(k.MMIOMappings()); n != 0 {
		t.Errorf("%d MMIO mappings after a rejected one, want 0", n)
	}
}

func TestMMapSharedFrame(t *testing.T) {
	k := boot(t, Options{Codec: pte.AMD64})
	a := k.Allocator()
	before := a.FreeCount()
	pm := newUser(t, k)
	defer pm.DecRef()

	p, ok := a.AllocPage()
	if !ok {
		t.Fatalf("AllocPage failed")
	}
	first, err := pm.MMap(MMapOpts{Length: hostarch.PageSize, Phys: p, Perms: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	second, err := pm.MMap(MMapOpts{Length: hostarch.PageSize, Phys: p, Perms: hostarch.Read})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	db := k.DB()
	if got := db.Refs(p); got != 2 {
		t.Fatalf("Refs = %d, want 2", got)
	}

	if err := pm.MUnmap(first); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}
	if s, refs := db.State(p), db.Refs(p); s != page.Used || refs != 1 {
		t.Errorf("after first MUnmap: %v with %d refs, want used with 1", s, refs)
	}
	if phys, _, err := pm.Translate(second); err != nil || phys != p {
		t.Errorf("Translate(%v) = %v, %v; want %v", second, phys, err, p)
	}

	if err := pm.MUnmap(second); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}
	if s := db.State(p); s != page.Free {
		t.Errorf("after last MUnmap: %v, want free", s)
	}
	// Only the user root remains allocated.
	if got, want := a.FreeCount(), before-1; got != want {
		t.Errorf("FreeCount() = %d, want %d", got, want)
	}
}

func TestLargeAnonymousPlacement(t *testing.T) {
	k := boot(t, Options{Codec: pte.ARM64, UserLargePages: true})
	pm := newUser(t, k)
	defer pm.DecRef()

	small, err := pm.MMap(MMapOpts{Length: hostarch.PageSize, Anonymous: true, Perms: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	large, err := pm.MMap(MMapOpts{Length: 1 << 21, Anonymous: true, Perms: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	if small != userBase || large != 1<<21 {
		t.Errorf("placed mappings at %v and %v, want %v and %#x", small, large, userBase, 1<<21)
	}
	tr, ok := pgmap.Lookup(pm.Tree(), large+0x1000)
	if !ok || tr.Level != 2 {
		t.Errorf("Lookup(%v) = %+v, %t, want a level 2 leaf", large+0x1000, tr, ok)
	}
}

func TestFixedOverlap(t *testing.T) {
	k := boot(t, Options{Codec: pte.RISCV64Sv39})
	pm := newUser(t, k)
	defer pm.DecRef()

	const base = hostarch.Addr(0x100000)
	if _, err := pm.MMap(MMapOpts{Length: 4 * hostarch.PageSize, Addr: base, Fixed: true, Anonymous: true, Perms: hostarch.ReadWrite}); err != nil {
		t.Fatalf("fixed MMap: %v", err)
	}
	_, err := pm.MMap(MMapOpts{Length: 4 * hostarch.PageSize, Addr: base + 0x2000, Fixed: true, Anonymous: true, Perms: hostarch.ReadWrite})
	if !errors.Is(err, ErrOverlap) {
		t.Errorf("overlapping fixed MMap = %v, want %v", err, ErrOverlap)
	}
	_, err = pm.MMap(MMapOpts{Length: hostarch.PageSize, Addr: k.DirectMap().Start, Fixed: true, Anonymous: true, Perms: hostarch.ReadWrite})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("fixed MMap in the kernel half = %v, want %v", err, ErrInvalid)
	}
	if _, err := pm.MMap(MMapOpts{Length: 0x1800, Anonymous: true}); !errors.Is(err, ErrInvalid) {
		t.Errorf("unaligned MMap = %v, want %v", err, ErrInvalid)
	}

	want := []VMA{{Start: base, Size: 4 * hostarch.PageSize, Perms: hostarch.ReadWrite, Kind: VMAAnonymous}}
	if diff := cmp.Diff(want, pm.VMAs()); diff != "" {
		t.Errorf("VMAs mismatch (-want +got):\n%s", diff)
	}
}

func TestKernelHalfShared(t *testing.T) {
	for _, c := range allCodecs {
		t.Run(c.Name(), func(t *testing.T) {
			k := boot(t, Options{Codec: c})
			pm := newUser(t, k)
			defer pm.DecRef()

			va := k.DirectMap().Start + 0x3000
			phys, _, err := pm.Translate(va)
			if err != nil || phys != PhysBase+0x3000 {
				t.Errorf("user Translate(%v) = %v, %v", va, phys, err)
			}

			// Kernel mappings made after the user pagemap exists are
			// visible through it.
			kva, err := k.Pagemap().MMap(MMapOpts{Length: 2 * hostarch.PageSize, Anonymous: true, Perms: hostarch.ReadWrite})
			if err != nil {
				t.Fatalf("kernel MMap: %v", err)
			}
			kphys, _, err := k.Pagemap().Translate(kva)
			if err != nil {
				t.Fatalf("kernel Translate(%v): %v", kva, err)
			}
			if got, _, err := pm.Translate(kva); err != nil || got != kphys {
				t.Errorf("user Translate(%v) = %v, %v, want %v", kva, got, err, kphys)
			}
			if err := k.Pagemap().MUnmap(kva); err != nil {
				t.Fatalf("kernel MUnmap: %v", err)
			}
			if _, _, err := pm.Translate(kva); !errors.Is(err, ErrNotMapped) {
				t.Errorf("user Translate after kernel MUnmap = %v", err)
			}
		})
	}
}

func TestMProtect(t *testing.T) {
	for _, c := range allCodecs {
		t.Run(c.Name(), func(t *testing.T) {
			k := boot(t, Options{Codec: c})
			pm := newUser(t, k)
			defer pm.DecRef()

			addr, err := pm.MMap(MMapOpts{Length: 3 * hostarch.PageSize, Anonymous: true, Perms: hostarch.ReadWrite})
			if err != nil {
				t.Fatalf("MMap: %v", err)
			}
			before, _, _ := pm.Translate(addr)
			if err := pm.MProtect(addr, hostarch.Read); err != nil {
				t.Fatalf("MProtect: %v", err)
			}
			phys, flags, err := pm.Translate(addr + 0x2000)
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}
			if flags.Write || !flags.Read {
				t.Errorf("flags after MProtect = %v, want read-only", flags)
			}
			if got, _, _ := pm.Translate(addr); got != before || phys == 0 {
				t.Errorf("MProtect moved the mapping: %v, was %v", got, before)
			}
			if v := pm.VMAs()[0]; v.Perms != hostarch.Read {
				t.Errorf("VMA perms = %v", v.Perms)
			}
			if err := pm.MProtect(addr+0x1000, hostarch.Read); !errors.Is(err, ErrNotMapped) {
				t.Errorf("MProtect inside a VMA = %v, want %v", err, ErrNotMapped)
			}
		})
	}
}

func TestMMIO(t *testing.T) {
	for _, c := range allCodecs {
		t.Run(c.Name(), func(t *testing.T) {
			k := boot(t, Options{Codec: c, KernelLargePages: true, MMIOSize: 1 << 30})
			const dev = hostarch.PhysAddr(0xfe000000)
			addr, err := k.MapMMIO(dev, 1<<21, hostarch.MemoryTypeUncached)
			if err != nil {
				t.Fatalf("MapMMIO: %v", err)
			}
			if !addr.IsAligned(1 << 21) {
				t.Errorf("MMIO mapping %v is not 2M aligned", addr)
			}
			tr, ok := pgmap.Lookup(k.Pagemap().Tree(), addr+0x1234)
			if !ok || tr.Phys != dev+0x1234 || tr.Entry.Cache != hostarch.MemoryTypeUncached {
				t.Errorf("Lookup(%v) = %+v, %t", addr+0x1234, tr, ok)
			}
			if n := len(k.MMIOMappings()); n != 1 {
				t.Errorf("%d MMIO mappings, want 1", n)
			}

			if err := k.UnmapMMIO(addr); err != nil {
				t.Fatalf("UnmapMMIO: %v", err)
			}
			if _, ok := pgmap.Lookup(k.Pagemap().Tree(), addr); ok {
				t.Errorf("MMIO still mapped after UnmapMMIO")
			}
			if err := k.UnmapMMIO(addr); !errors.Is(err, ErrNotMapped) {
				t.Errorf("second UnmapMMIO = %v, want %v", err, ErrNotMapped)
			}
			if _, err := k.MapMMIO(dev+1, hostarch.PageSize, hostarch.MemoryTypeUncached); !errors.Is(err, ErrInvalid) {
				t.Errorf("unaligned MapMMIO = %v, want %v", err, ErrInvalid)
			}
		})
	}
}

func TestCPUSwitch(t *testing.T) {
	tlb := &CountingTLB{}
	k := boot(t, Options{Codec: pte.AMD64, CPUs: 4, TLB: tlb})
	a := k.Allocator()
	before := a.FreeCount()
	pm := newUser(t, k)
	cpu := k.CPU(2)

	loads, _, _ := tlb.Counts()
	cpu.Switch(pm)
	if cpu.Active() != pm {
		t.Fatalf("CPU 2 is not running on the user pagemap")
	}
	if diff := cmp.Diff([]uint32{2}, pm.CPUs()); diff != "" {
		t.Errorf("user pagemap CPUs mismatch (-want +got):\n%s", diff)
	}
	if got := pm.ReadRefs(); got != 2 {
		t.Errorf("user pagemap refs = %d, want 2", got)
	}
	if got, _, _ := tlb.Counts(); got != loads+1 {
		t.Errorf("root loads = %d, want %d", got, loads+1)
	}

	addr, err := pm.MMap(MMapOpts{Length: hostarch.PageSize, Anonymous: true, Perms: hostarch.ReadWrite})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	_, ranges, _ := tlb.Counts()
	if err := pm.MUnmap(addr); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}
	if _, got, _ := tlb.Counts(); got != ranges+1 {
		t.Errorf("range invalidations = %d, want %d", got, ranges+1)
	}

	// Dropping the creator's reference leaves the pagemap alive on the CPU.
	pm.DecRef()
	if _, _, err := pm.Translate(k.DirectMap().Start); err != nil {
		t.Errorf("Translate on a running pagemap: %v", err)
	}
	cpu.Switch(k.Pagemap())
	if got := a.FreeCount(); got != before {
		t.Errorf("FreeCount() after switching away = %d, want %d", got, before)
	}
	if diff := cmp.Diff([]uint32{0, 1, 2, 3}, k.Pagemap().CPUs()); diff != "" {
		t.Errorf("kernel pagemap CPUs mismatch (-want +got):\n%s", diff)
	}
}

func TestMapFailureRollback(t *testing.T) {
	k := boot(t, Options{Codec: pte.AMD64, MemorySize: 4 << 20})
	a := k.Allocator()
	pm := newUser(t, k)
	defer pm.DecRef()
	free := a.FreeCount()

	_, err := pm.MMap(MMapOpts{Length: 8 << 20, Anonymous: true, Perms: hostarch.ReadWrite})
	if !errors.Is(err, pgmap.ErrPageAllocFail) && !errors.Is(err, pgmap.ErrTableAllocFail) {
		t.Fatalf("oversized MMap = %v, want an allocation failure", err)
	}
	if got := a.FreeCount(); got != free {
		t.Errorf("FreeCount() after failed MMap = %d, want %d", got, free)
	}
	if n := len(pm.VMAs()); n != 0 {
		t.Errorf("failed MMap left %d VMAs", n)
	}

	// The range is usable again.
	if _, err := pm.MMap(MMapOpts{Length: hostarch.PageSize, Anonymous: true, Perms: hostarch.ReadWrite}); err != nil {
		t.Errorf("MMap after rollback: %v", err)
	}
}

func TestConcurrentPagemaps(t *testing.T) {
	k := boot(t, Options{Codec: pte.ARM64, CPUs: 4})
	a := k.Allocator()
	before := a.FreeCount()

	shared := newUser(t, k)
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			pm := shared
			if i%2 == 0 {
				var err error
				if pm, err = k.NewUser(); err != nil {
					return err
				}
				defer pm.DecRef()
			}
			for j := 0; j < 32; j++ {
				length := uint64(1+j%4) * hostarch.PageSize
				addr, err := pm.MMap(MMapOpts{Length: length, Anonymous: true, Perms: hostarch.ReadWrite})
				if err != nil {
					return fmt.Errorf("worker %d: %w", i, err)
				}
				if _, _, err := pm.Translate(addr + hostarch.Addr(length) - 1); err != nil {
					return fmt.Errorf("worker %d: %w", i, err)
				}
				if err := pm.MUnmap(addr); err != nil {
					return fmt.Errorf("worker %d: %w", i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	shared.DecRef()
	if got := a.FreeCount(); got != before {
		t.Errorf("FreeCount() = %d, want %d", got, before)
	}
}
