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

// Package ptwalker implements a cursor over one page-table tree.
//
// A Walker tracks, for one virtual address, the table and slot index at every
// level from the root down to the lowest level it could resolve. Stepping the
// walker works like incrementing a multi-digit counter: the index at the
// stepped level moves by one, carries ripple upwards, and only the levels
// below the highest changed digit are re-resolved. Sequential range
// operations therefore touch O(1) tables per slot on average.
//
// A Walker is owned by a single goroutine for the duration of one operation.
// It holds no locks; callers serialize mutation of overlapping ranges.
package ptwalker

import (
	"errors"
	"fmt"

	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/page"
	"kmm.dev/kmm/pkg/pte"
)

var (
	// ErrBadIncr is returned for a step at a level the walker has not
	// resolved, or above the root. It indicates a bug in the caller.
	ErrBadIncr = errors.New("page table walker stepped at an unresolved level")

	// ErrAllocFail is returned when a table needed to materialize a level
	// could not be allocated. Partial work is rolled back.
	ErrAllocFail = errors.New("page table allocation failed")

	// ErrReachedEnd is returned when a step leaves the last root.
	ErrReachedEnd = errors.New("page table walker reached the end of the address space")
)

// Done is the level of a walker that has reached the end of the address
// space.
const Done pte.Level = 0

// Tree identifies a page-table tree.
type Tree struct {
	Codec pte.Codec
	Mem   *page.Memory

	// Lower is the root table, or the lower-half root if the codec has
	// split roots.
	Lower hostarch.PhysAddr

	// Upper is the upper-half root. It is only used with split roots.
	Upper hostarch.PhysAddr
}

// Root returns the root table for a half of the address space.
func (t Tree) Root(upper bool) hostarch.PhysAddr {
	if upper && t.Codec.SplitRoot() {
		return t.Upper
	}
	return t.Lower
}

// TableOps are the allocation and refcounting operations a walker performs
// on table pages. A table's refcount is the number of present entries in it.
type TableOps interface {
	// AllocTable returns a zeroed table page.
	AllocTable() (hostarch.PhysAddr, bool)

	// FreeTable disposes of a table with no present entries.
	FreeTable(phys hostarch.PhysAddr)

	// IncRef records a new present entry in the table at phys.
	IncRef(phys hostarch.PhysAddr)

	// DecRef records the removal of an entry from the table at phys and
	// returns true if the table is now empty.
	DecRef(phys hostarch.PhysAddr) bool
}

// Walker is a cursor over one tree. See package documentation.
//
// Invariant: tables, phys and indices are valid for every level from top
// down to level; below level, tables and phys are unset.
type Walker struct {
	tree  Tree
	codec pte.Codec
	ops   TableOps

	// upper is set when the walker is in the upper root of a split tree.
	upper bool

	top   pte.Level
	level pte.Level

	tables  [pte.MaxLevels + 1]*page.Table
	phys    [pte.MaxLevels + 1]hostarch.PhysAddr
	indices [pte.MaxLevels + 1]int

	// dropped[l] is set once DerefFromLevel has dropped the reference the
	// current slot at l held. It is cleared when the slot at l moves or is
	// written.
	dropped [pte.MaxLevels + 1]bool
}

// New returns a walker resolved at addr. ops may be nil for walks that never
// allocate or free tables.
func New(tree Tree, ops TableOps, addr hostarch.Addr) *Walker {
	w := &Walker{
		tree:  tree,
		codec: tree.Codec,
		ops:   ops,
		top:   tree.Codec.Levels(),
	}
	w.Reset(addr)
	return w
}

// Reset re-resolves the walker at addr, discarding its current position.
func (w *Walker) Reset(addr hostarch.Addr) {
	w.upper = w.codec.SplitRoot() && w.codec.Upper(addr)
	w.setRoot()
	for l := w.top; l >= 1; l-- {
		w.indices[l] = w.codec.Index(addr, l)
		w.dropped[l] = false
	}
	w.resolve(w.top)
}

func (w *Walker) setRoot() {
	root := w.tree.Root(w.upper)
	w.phys[w.top] = root
	w.tables[w.top] = w.tree.Mem.Table(root)
}

func (w *Walker) slot(l pte.Level) *uint64 {
	return w.tables[l].Slot(w.indices[l])
}

// resolve descends from level from, following present table entries, and
// stops at level 1, an absent entry, or a large leaf.
func (w *Walker) resolve(from pte.Level) {
	l := from
	for ; l > 1; l-- {
		raw := pte.Read(w.slot(l))
		if !w.codec.IsPresent(raw, l) || w.codec.IsLarge(raw, l) {
			break
		}
		child := w.codec.ToPhys(raw, l)
		w.phys[l-1] = child
		w.tables[l-1] = w.tree.Mem.Table(child)
		w.dropped[l-1] = false
	}
	w.level = l
	w.clearBelow(l)
}

func (w *Walker) clearBelow(l pte.Level) {
	for b := l - 1; b >= 1; b-- {
		w.tables[b] = nil
		w.phys[b] = 0
		w.dropped[b] = false
	}
}

// Next advances the slot at level by one. See NextWithOptions.
func (w *Walker) Next(level pte.Level) error {
	return w.step(level, true, false)
}

// Prev moves the slot at level back by one. See PrevWithOptions.
func (w *Walker) Prev(level pte.Level) error {
	return w.step(level, false, false)
}

// NextWithOptions advances the slot at level by one, carrying into higher
// levels on overflow, and re-resolves the levels below the highest changed
// index. Lower indices restart at 0.
//
// A carry out of the lower root of a split tree continues at the first slot
// of the upper root. A carry out of the last root returns ErrReachedEnd and
// leaves the walker at level Done.
//
// If alloc is set, missing tables down to level are allocated and linked;
// on allocation failure every table allocated by this call is released and
// ErrAllocFail is returned.
func (w *Walker) NextWithOptions(level pte.Level, alloc bool) error {
	return w.step(level, true, alloc)
}

// PrevWithOptions is NextWithOptions in the other direction. Lower indices
// restart at the last slot, and the upper root of a split tree underflows
// into the lower one.
func (w *Walker) PrevWithOptions(level pte.Level, alloc bool) error {
	return w.step(level, false, alloc)
}

func (w *Walker) step(level pte.Level, forward, alloc bool) error {
	if w.level == Done {
		return ErrReachedEnd
	}
	if level < w.level || level > w.top {
		return fmt.Errorf("step at level %d with walker resolved to %d of %d: %w", level, w.level, w.top, ErrBadIncr)
	}

	// Find the anchor: the lowest level at or above level that does not
	// overflow.
	const last = pte.EntriesPerTable - 1
	l := level
	for {
		if forward && w.indices[l] < last {
			w.indices[l]++
			break
		}
		if !forward && w.indices[l] > 0 {
			w.indices[l]--
			break
		}
		if l < w.top {
			l++
			continue
		}
		if w.codec.SplitRoot() && w.upper != forward {
			w.upper = forward
			w.setRoot()
			if forward {
				w.indices[l] = 0
			} else {
				w.indices[l] = last
			}
			break
		}
		w.level = Done
		w.clearBelow(w.top)
		return ErrReachedEnd
	}

	fill := 0
	if !forward {
		fill = last
	}
	w.dropped[l] = false
	for b := l - 1; b >= 1; b-- {
		w.indices[b] = fill
	}
	w.resolve(l)

	if alloc && w.level > level && !w.codec.IsPresent(w.Raw(), w.level) {
		return w.fill(level, true)
	}
	return nil
}

// FillInTo allocates and links tables until the walker is resolved to level.
// It is a no-op if the walker is already resolved to level or below. If
// shouldRef is set, each table gaining a link has its refcount raised.
//
// FillInTo returns ErrBadIncr if a large leaf is in the way, and
// ErrAllocFail, having released everything it allocated, if a table cannot be
// allocated.
func (w *Walker) FillInTo(level pte.Level, shouldRef bool) error {
	if w.level == Done {
		return ErrReachedEnd
	}
	if level < 1 || level > w.top {
		return fmt.Errorf("fill to level %d of %d: %w", level, w.top, ErrBadIncr)
	}
	if w.level <= level {
		return nil
	}
	if w.codec.IsLarge(w.Raw(), w.level) {
		return fmt.Errorf("fill to level %d through a large leaf at level %d: %w", level, w.level, ErrBadIncr)
	}
	return w.fill(level, shouldRef)
}

// fill links new tables below the absent slot at w.level.
func (w *Walker) fill(level pte.Level, shouldRef bool) error {
	start := w.level
	for w.level > level {
		l := w.level
		var (
			phys hostarch.PhysAddr
			ok   bool
		)
		if w.ops != nil {
			phys, ok = w.ops.AllocTable()
		}
		if !ok {
			w.unwind(start, shouldRef)
			return ErrAllocFail
		}
		pte.Write(w.slot(l), w.codec.EncodeTable(phys))
		w.dropped[l] = false
		if shouldRef {
			w.ops.IncRef(w.phys[l])
		}
		w.phys[l-1] = phys
		w.tables[l-1] = w.tree.Mem.Table(phys)
		w.dropped[l-1] = false
		w.level = l - 1
	}
	return nil
}

// unwind releases the tables fill linked below start.
func (w *Walker) unwind(start pte.Level, shouldRef bool) {
	if w.level == start {
		return
	}
	// The lowest new table is empty.
	lowest := w.level
	w.release(lowest)
	if shouldRef {
		// Every other new table holds exactly the link to the one below,
		// and start holds one extra link; dropping the reference that was
		// just released cascades up to start.
		w.DerefFromLevel(lowest + 1)
		return
	}
	for w.level < start {
		w.release(w.level)
	}
}

// release unlinks and frees the table at level l, which must be empty and
// below the root.
func (w *Walker) release(l pte.Level) {
	pte.Write(w.slot(l+1), 0)
	w.ops.FreeTable(w.phys[l])
	w.level = l + 1
	w.clearBelow(l + 1)
}

// DerefFromLevel drops the reference the cleared slot at level held on its
// table and, while tables become empty, unlinks and frees them and drops the
// reference their parent held. It stops at the first table that is still
// referenced, or at a level the walker does not have resolved.
//
// The slot at level must be absent. Each slot position gives up its
// reference once: calling DerefFromLevel again before the walker moves or
// the slot is rewritten is a no-op, as is calling it on a released level.
//
// A root reaching zero references panics: roots are pinned by their owner.
func (w *Walker) DerefFromLevel(level pte.Level) {
	if w.level == Done || level < 1 || level > w.top {
		return
	}
	for l := level; l <= w.top; l++ {
		if w.tables[l] == nil || w.dropped[l] {
			return
		}
		if raw := pte.Read(w.slot(l)); w.codec.IsPresent(raw, l) {
			panic(fmt.Sprintf("DerefFromLevel(%d): slot %d at level %d holds %#x", level, w.indices[l], l, raw))
		}
		w.dropped[l] = true
		if !w.ops.DecRef(w.phys[l]) {
			return
		}
		if l == w.top {
			panic(fmt.Sprintf("root table %v lost its last reference", w.phys[l]))
		}
		w.release(l)
	}
}

// ClearSlot clears the leaf at level and drops the reference its table held,
// releasing tables that become empty. It returns the previous entry, or zero
// if the slot was already absent or level is not resolved, in which case it
// does nothing. The caller owns the reference held on the mapped data page.
//
// ClearSlot panics if the slot holds a table pointer.
func (w *Walker) ClearSlot(level pte.Level) uint64 {
	if w.level == Done || level < 1 || level > w.top || w.tables[level] == nil {
		return 0
	}
	raw := pte.Read(w.slot(level))
	if !w.codec.IsPresent(raw, level) {
		return 0
	}
	if level > 1 && !w.codec.IsLarge(raw, level) {
		panic(fmt.Sprintf("ClearSlot(%d) on a table entry %#x", level, raw))
	}
	pte.Write(w.slot(level), 0)
	w.DerefFromLevel(level)
	return raw
}

// Level returns the lowest resolved level, or Done.
func (w *Walker) Level() pte.Level {
	return w.level
}

// Top returns the root level.
func (w *Walker) Top() pte.Level {
	return w.top
}

// Upper returns true if the walker is in the upper root of a split tree.
func (w *Walker) Upper() bool {
	return w.upper
}

// Index returns the slot index at level l.
func (w *Walker) Index(l pte.Level) int {
	return w.indices[l]
}

// TablePhys returns the table at level l, or zero if l is not resolved.
func (w *Walker) TablePhys(l pte.Level) hostarch.PhysAddr {
	return w.phys[l]
}

// Raw returns the raw entry at the resolved level.
func (w *Walker) Raw() uint64 {
	if w.level == Done {
		panic("walker has reached the end")
	}
	return pte.Read(w.slot(w.level))
}

// Entry returns the decoded entry at the resolved level.
func (w *Walker) Entry() pte.Entry {
	return w.codec.Decode(w.Raw(), w.level)
}

// Set stores raw at the resolved level. It does not touch refcounts.
func (w *Walker) Set(raw uint64) {
	if w.level == Done {
		panic("walker has reached the end")
	}
	pte.Write(w.slot(w.level), raw)
	w.dropped[w.level] = false
}

// SlotSize returns the span of the slot at the resolved level.
func (w *Walker) SlotSize() uint64 {
	return w.codec.LevelSize(w.level)
}

// VirtualAddress returns the first address of the slot at the resolved
// level. It is meaningless once the walker is Done.
func (w *Walker) VirtualAddress() hostarch.Addr {
	var off uint64
	for l := w.top; l >= w.level && l >= 1; l-- {
		off |= uint64(w.indices[l]) << w.codec.LevelShift(l)
	}
	return w.codec.Extend(off, w.upper)
}

// ForEachPresent calls fn for every leaf of tree in increasing address
// order, until fn returns false.
func ForEachPresent(tree Tree, fn func(addr hostarch.Addr, l pte.Level, e pte.Entry) bool) error {
	w := New(tree, nil, 0)
	for {
		if e := w.Entry(); e.Kind == pte.Leaf {
			if !fn(w.VirtualAddress(), w.level, e) {
				return nil
			}
		}
		if err := w.Next(w.level); err != nil {
			if errors.Is(err, ErrReachedEnd) {
				return nil
			}
			return err
		}
	}
}
