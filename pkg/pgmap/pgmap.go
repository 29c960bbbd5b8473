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

// Package pgmap installs and removes mappings in a page-table tree.
//
// MapAt and MapAllocAt cover a virtual range with the largest pages the
// architecture, the request and the alignment allow. UnmapAt removes the
// mappings of a range, splitting large pages that straddle its ends. All
// three keep the table and data page refcounts of the page database
// current; frees are deferred to a pageop.Op so that they happen after the
// TLB flush.
//
// Nothing here takes locks. Callers serialize operations on overlapping
// ranges of the same tree.
package pgmap

import (
	"errors"
	"fmt"

	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/metric"
	"kmm.dev/kmm/pkg/page"
	"kmm.dev/kmm/pkg/pageop"
	"kmm.dev/kmm/pkg/pgalloc"
	"kmm.dev/kmm/pkg/pte"
	"kmm.dev/kmm/pkg/ptwalker"
)

var (
	// ErrPageAllocFail is returned by MapAllocAt when no data page could
	// be allocated.
	ErrPageAllocFail = errors.New("data page allocation failed")

	// ErrTableAllocFail is returned when a page table could not be
	// allocated.
	ErrTableAllocFail = errors.New("page table allocation failed")

	// ErrRangeEnd is returned for a range that runs past the end of the
	// address space.
	ErrRangeEnd = errors.New("range runs past the end of the address space")

	// ErrNonCanonical is returned for a range that is not canonical or
	// spans both halves of the address space.
	ErrNonCanonical = errors.New("range is not canonical")

	// ErrPartialLargePage is returned by UnmapAt with DontSplitLargePages
	// when a large page is only partly covered.
	ErrPartialLargePage = errors.New("range partially covers a large page")

	// ErrUnownedFrame is returned by MapAt for a physical range containing
	// a free or page-table frame of the page database.
	ErrUnownedFrame = errors.New("frame is not owned by its mapper")
)

var (
	tablesAllocated  = metric.MustCreateNewUint64Metric("/kmm/tables_allocated", "Number of page tables allocated.")
	tablesFreed      = metric.MustCreateNewUint64Metric("/kmm/tables_freed", "Number of page tables released.")
	pagesMapped      = metric.MustCreateNewUint64Metric("/kmm/pages_mapped", "Number of base-page leaves installed.")
	largePagesMapped = metric.MustCreateNewUint64Metric("/kmm/large_pages_mapped", "Number of large-page leaves installed.")
	largePagesSplit  = metric.MustCreateNewUint64Metric("/kmm/large_pages_split", "Number of large pages split into smaller ones.")
)

// Target is a tree together with the allocator that owns its tables and the
// page database that counts their references.
type Target struct {
	Tree  ptwalker.Tree
	Alloc pgalloc.Allocator
	DB    *page.DB
}

func (t Target) codec() pte.Codec {
	return t.Tree.Codec
}

// tableOps implements ptwalker.TableOps for a Target. Tables are freed
// through op if one is set.
type tableOps struct {
	t  Target
	op *pageop.Op
}

// AllocTable implements ptwalker.TableOps.AllocTable.
func (o tableOps) AllocTable() (hostarch.PhysAddr, bool) {
	p, ok := o.t.Alloc.AllocTable()
	if ok {
		tablesAllocated.Increment()
	}
	return p, ok
}

// FreeTable implements ptwalker.TableOps.FreeTable.
func (o tableOps) FreeTable(phys hostarch.PhysAddr) {
	tablesFreed.Increment()
	if o.op != nil {
		o.op.DeferTable(phys)
		return
	}
	o.t.Alloc.FreeTable(phys)
}

// IncRef implements ptwalker.TableOps.IncRef.
func (o tableOps) IncRef(phys hostarch.PhysAddr) {
	o.t.DB.IncRef(phys)
}

// DecRef implements ptwalker.TableOps.DecRef.
func (o tableOps) DecRef(phys hostarch.PhysAddr) bool {
	return o.t.DB.DecRef(phys)
}

func (o tableOps) walker(addr hostarch.Addr) *ptwalker.Walker {
	return ptwalker.New(o.t.Tree, o, addr)
}

// CheckFrames returns ErrUnownedFrame if [phys, phys+size) contains a frame
// of db that is free or a page table.
//
// Whether an entry holds a reference is decided by the state of its frame,
// both when it is mapped and when it is unmapped. Allocated data and crucial
// frames keep their state for as long as they are mapped, and frames outside
// db have none; free and table frames can change state under a mapping and
// are refused.
func CheckFrames(db *page.DB, phys hostarch.PhysAddr, size uint64) error {
	for off := uint64(0); off < size; off += hostarch.PageSize {
		p := phys + hostarch.PhysAddr(off)
		if !db.Contains(p) {
			continue
		}
		switch s := db.State(p); s {
		case page.Free, page.TableState:
			return fmt.Errorf("frame %v is %v: %w", p, s, ErrUnownedFrame)
		}
	}
	return nil
}

// singleBlock returns true if one leaf may map [phys, phys+size): either no
// frame in it is refcounted, or all of them belong to the block of phys and
// share its count.
func (t Target) singleBlock(phys hostarch.PhysAddr, size uint64) bool {
	last := phys + hostarch.PhysAddr(size-hostarch.PageSize)
	if t.DB.Refcounted(phys) {
		return t.DB.Refcounted(last) && t.DB.Head(phys) == t.DB.Head(last)
	}
	for p := phys; p <= last; p += hostarch.PageSize {
		if t.DB.Refcounted(p) {
			return false
		}
	}
	return true
}

// refData takes a reference on the data page at phys for a new entry.
func (t Target) refData(phys hostarch.PhysAddr) {
	if t.DB.Refcounted(phys) {
		t.DB.IncRef(phys)
	}
}

// derefData drops the reference an entry held on the data page at phys and
// queues the block on op when it was the last one.
func (t Target) derefData(op *pageop.Op, phys hostarch.PhysAddr) {
	if !t.DB.Refcounted(phys) {
		return
	}
	if t.DB.DecRef(phys) {
		op.DeferPages(t.DB.Head(phys))
	}
}

// checkRange validates [virt, virt+size) and returns its last address.
func checkRange(c pte.Codec, virt hostarch.Addr, size uint64) (hostarch.Addr, error) {
	if !virt.IsPageAligned() || size%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("unaligned range %v+%#x", virt, size))
	}
	last := virt + hostarch.Addr(size-1)
	if last < virt {
		return 0, fmt.Errorf("range %v+%#x: %w", virt, size, ErrRangeEnd)
	}
	if !c.Canonical(virt) || !c.Canonical(last) || c.Upper(virt) != c.Upper(last) {
		return 0, fmt.Errorf("range %v+%#x on %s: %w", virt, size, c.Name(), ErrNonCanonical)
	}
	return last, nil
}

// slotRange returns the range covered by the walker's current slot.
func slotRange(w *ptwalker.Walker) hostarch.AddrRange {
	start := w.VirtualAddress()
	return hostarch.AddrRange{Start: start, End: start + hostarch.Addr(w.SlotSize())}
}
