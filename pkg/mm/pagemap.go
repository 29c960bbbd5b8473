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

	"kmm.dev/kmm/pkg/bitmap"
	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/log"
	"kmm.dev/kmm/pkg/pageop"
	"kmm.dev/kmm/pkg/pgmap"
	"kmm.dev/kmm/pkg/pte"
	"kmm.dev/kmm/pkg/ptwalker"
	"kmm.dev/kmm/pkg/refs"
	"kmm.dev/kmm/pkg/sync"
)

// Pagemap is one address space: a page-table tree and the VMAs committed in
// it.
//
// A user pagemap shares the kernel half with the kernel pagemap. It is
// released when its last reference is dropped; the kernel pagemap is never
// released.
type Pagemap struct {
	refs.Refs

	k      *Kernel
	kernel bool
	large  pte.LevelMask

	// addrspaceMu serializes changes to the tree and the VMAs.
	addrspaceMu sync.Mutex

	// tree is immutable; the tables under it are guarded by addrspaceMu.
	tree ptwalker.Tree

	// vmas is guarded by addrspaceMu.
	vmas vmaSet

	cpusMu sync.Mutex

	// cpus is the set of CPUs that may cache translations of this
	// pagemap. It is guarded by cpusMu.
	cpus bitmap.Bitmap
}

func newPagemap(k *Kernel, tree ptwalker.Tree, kernel bool, window hostarch.AddrRange, large pte.LevelMask) *Pagemap {
	pm := &Pagemap{
		k:      k,
		kernel: kernel,
		large:  large,
		tree:   tree,
		vmas:   newVMASet(window),
		cpus:   bitmap.New(uint32(k.opts.CPUs)),
	}
	owner := "mm.Pagemap"
	if kernel {
		owner = "mm.Pagemap (kernel)"
	}
	pm.InitRefs(owner)
	return pm
}

// Tree returns the page-table tree of pm.
func (pm *Pagemap) Tree() ptwalker.Tree {
	return pm.tree
}

// Kernel returns true for the kernel pagemap.
func (pm *Pagemap) Kernel() bool {
	return pm.kernel
}

func (pm *Pagemap) target() pgmap.Target {
	return pgmap.Target{Tree: pm.tree, Alloc: pm.k.alloc, DB: pm.k.db}
}

func (pm *Pagemap) newOp() *pageop.Op {
	return pageop.New(pm.k.db, pm, pm.k.alloc)
}

func (pm *Pagemap) flags(perms hostarch.AccessType) pte.Flags {
	return pte.Flags{AccessType: perms, User: !pm.kernel, Global: pm.kernel}
}

// MMapOpts describe a mapping.
type MMapOpts struct {
	// Length is the size of the mapping. It must be page aligned.
	Length uint64

	// Addr is the address of a Fixed mapping.
	Addr  hostarch.Addr
	Fixed bool

	// Anonymous mappings are backed by newly allocated pages. Otherwise
	// Phys is the physical range mapped.
	Anonymous bool
	Phys      hostarch.PhysAddr

	Perms hostarch.AccessType
	Cache hostarch.MemoryType
}

// MMap commits a VMA and maps it. Non-fixed mappings are placed in the lowest
// free range aligned for the largest page the pagemap may use.
//
// A physical mapping may not cover free or page-table frames of the
// kernel's memory; it returns ErrInvalid.
func (pm *Pagemap) MMap(opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 || opts.Length%hostarch.PageSize != 0 || !opts.Phys.IsPageAligned() {
		return 0, fmt.Errorf("mapping %#x bytes at %v: %w", opts.Length, opts.Phys, ErrInvalid)
	}
	v := &VMA{
		Start: opts.Addr,
		Size:  opts.Length,
		Perms: opts.Perms,
		Cache: opts.Cache,
		Kind:  VMAPhysical,
		Phys:  opts.Phys,
	}
	if opts.Anonymous {
		v.Kind = VMAAnonymous
		v.Phys = 0
	} else if err := pgmap.CheckFrames(pm.k.db, opts.Phys, opts.Length); err != nil {
		return 0, fmt.Errorf("mapping %v+%#x: %v: %w", opts.Phys, opts.Length, err, ErrInvalid)
	}

	pm.addrspaceMu.Lock()
	defer pm.addrspaceMu.Unlock()
	var err error
	if opts.Fixed {
		if !opts.Addr.IsPageAligned() {
			return 0, fmt.Errorf("fixed mapping at %v: %w", opts.Addr, ErrInvalid)
		}
		err = pm.vmas.insertFixed(v)
	} else {
		err = pm.vmas.insert(v, alignFor(pm.tree.Codec, pm.large, v.Phys, opts.Anonymous, v.Size))
	}
	if err != nil {
		return 0, err
	}
	if err := pm.mapVMALocked(v); err != nil {
		pm.vmas.remove(v)
		return 0, err
	}
	return v.Start, nil
}

// mapVMALocked installs the mappings of v. On failure the partial mapping
// is removed.
//
// Preconditions: pm.addrspaceMu is locked.
func (pm *Pagemap) mapVMALocked(v *VMA) error {
	op := pm.newOp()
	defer op.Finish()
	opts := pgmap.MapOpts{
		Flags:       pm.flags(v.Perms),
		Cache:       v.Cache,
		LargeLevels: pm.large,
	}
	var err error
	if v.Kind == VMAAnonymous {
		err = pgmap.MapAllocAt(pm.target(), op, v.Start, v.Size, opts)
	} else {
		err = pgmap.MapAt(pm.target(), op, v.Start, v.Phys, v.Size, opts)
	}
	if err == nil {
		return nil
	}
	if uerr := pgmap.UnmapAt(pm.target(), op, v.Start, v.Size, pgmap.UnmapOpts{}); uerr != nil {
		panic(fmt.Sprintf("unwinding failed mapping of %v: %v", v, uerr))
	}
	return fmt.Errorf("mapping %v: %w", v, err)
}

// MUnmap removes the VMA starting at addr.
func (pm *Pagemap) MUnmap(addr hostarch.Addr) error {
	pm.addrspaceMu.Lock()
	defer pm.addrspaceMu.Unlock()
	v := pm.vmas.find(addr)
	if v == nil || v.Start != addr {
		return fmt.Errorf("unmapping %v: %w", addr, ErrNotMapped)
	}
	op := pm.newOp()
	defer op.Finish()
	if err := pgmap.UnmapAt(pm.target(), op, v.Start, v.Size, pgmap.UnmapOpts{}); err != nil {
		return fmt.Errorf("unmapping %v: %w", v, err)
	}
	pm.vmas.remove(v)
	return nil
}

// MProtect changes the permissions of the VMA starting at addr.
func (pm *Pagemap) MProtect(addr hostarch.Addr, perms hostarch.AccessType) error {
	pm.addrspaceMu.Lock()
	defer pm.addrspaceMu.Unlock()
	v := pm.vmas.find(addr)
	if v == nil || v.Start != addr {
		return fmt.Errorf("protecting %v: %w", addr, ErrNotMapped)
	}
	op := pm.newOp()
	defer op.Finish()
	if err := pgmap.Protect(pm.target(), op, v.Start, v.Size, pm.flags(perms)); err != nil {
		return fmt.Errorf("protecting %v: %w", v, err)
	}
	v.Perms = perms
	return nil
}

// Translate returns the physical address and permissions addr maps to.
func (pm *Pagemap) Translate(addr hostarch.Addr) (hostarch.PhysAddr, pte.Flags, error) {
	pm.addrspaceMu.Lock()
	defer pm.addrspaceMu.Unlock()
	tr, ok := pgmap.Lookup(pm.tree, addr)
	if !ok {
		return 0, pte.Flags{}, fmt.Errorf("translating %v: %w", addr, ErrNotMapped)
	}
	return tr.Phys, tr.Entry.Flags, nil
}

// VMAs returns a copy of the VMAs of pm in address order.
func (pm *Pagemap) VMAs() []VMA {
	pm.addrspaceMu.Lock()
	defer pm.addrspaceMu.Unlock()
	var vmas []VMA
	for _, v := range pm.vmas.all() {
		vmas = append(vmas, *v)
	}
	return vmas
}

func (pm *Pagemap) addCPU(cpu int) {
	pm.cpusMu.Lock()
	defer pm.cpusMu.Unlock()
	pm.cpus.Add(uint32(cpu))
}

// removeCPU drops cpu from a user pagemap. Every CPU may hold kernel
// translations, so the kernel pagemap keeps them all.
func (pm *Pagemap) removeCPU(cpu int) {
	if pm.kernel {
		return
	}
	pm.cpusMu.Lock()
	defer pm.cpusMu.Unlock()
	pm.cpus.Remove(uint32(cpu))
}

// CPUs returns the CPUs that may cache translations of pm.
func (pm *Pagemap) CPUs() []uint32 {
	pm.cpusMu.Lock()
	defer pm.cpusMu.Unlock()
	return pm.cpus.ToSlice()
}

func (pm *Pagemap) forEachCPU(fn func(cpu int)) {
	pm.cpusMu.Lock()
	cpus := pm.cpus.Clone()
	pm.cpusMu.Unlock()
	cpus.ForEach(func(i uint32) {
		fn(int(i))
	})
}

// Flush implements pageop.Flusher.Flush.
func (pm *Pagemap) Flush(r hostarch.AddrRange) {
	pm.forEachCPU(func(cpu int) {
		pm.k.tlb.Invalidate(cpu, r)
		tlbFlushes.Increment()
	})
}

// FlushAll implements pageop.Flusher.FlushAll.
func (pm *Pagemap) FlushAll() {
	pm.forEachCPU(func(cpu int) {
		pm.k.tlb.InvalidateAll(cpu)
		tlbFlushes.Increment()
	})
}

// DecRef drops a reference on pm, releasing it with the last one.
func (pm *Pagemap) DecRef() {
	pm.Refs.DecRef(pm.release)
}

// release tears down the user half and frees the root.
func (pm *Pagemap) release() {
	if pm.kernel {
		panic("kernel pagemap released")
	}
	k := pm.k
	op := pm.newOp()
	pm.addrspaceMu.Lock()
	for _, v := range pm.vmas.all() {
		if err := pgmap.UnmapAt(pm.target(), op, v.Start, v.Size, pgmap.UnmapOpts{}); err != nil {
			panic(fmt.Sprintf("releasing %v: %v", v, err))
		}
		pm.vmas.remove(v)
	}
	if !pm.tree.Codec.SplitRoot() {
		// The kernel entries were copied, not counted.
		root := k.mem.Table(pm.tree.Lower)
		for i := pte.EntriesPerTable / 2; i < pte.EntriesPerTable; i++ {
			pte.Write(root.Slot(i), 0)
		}
	}
	pm.addrspaceMu.Unlock()

	if !k.db.DecRef(pm.tree.Lower) {
		panic(fmt.Sprintf("released pagemap root %v still has %d references", pm.tree.Lower, k.db.Refs(pm.tree.Lower)))
	}
	op.DeferTable(pm.tree.Lower)
	op.FlushAll()
	op.Finish()
	log.Debugf("Released pagemap with root %v", pm.tree.Lower)
}
