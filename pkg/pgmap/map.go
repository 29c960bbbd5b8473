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

package pgmap

import (
	"errors"
	"fmt"

	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/log"
	"kmm.dev/kmm/pkg/pageop"
	"kmm.dev/kmm/pkg/pgalloc"
	"kmm.dev/kmm/pkg/pte"
	"kmm.dev/kmm/pkg/ptwalker"
)

// MapOpts are options for MapAt and MapAllocAt.
type MapOpts struct {
	// Flags and Cache are applied to every leaf.
	Flags pte.Flags
	Cache hostarch.MemoryType

	// LargeLevels are the levels at which this request may use large
	// pages. Levels the architecture does not allow are ignored.
	LargeLevels pte.LevelMask

	// Overwrite permits replacing existing mappings. Without it, mapping
	// over a present entry panics.
	Overwrite bool

	// Permanent mappings take no references and may cover frames in any
	// state. They must never be unmapped, split or overwritten.
	Permanent bool
}

// mapper holds the state of one map call.
type mapper struct {
	t    Target
	op   *pageop.Op
	ops  tableOps
	opts MapOpts
}

func newMapper(t Target, op *pageop.Op, opts MapOpts) *mapper {
	if opts.Overwrite && op == nil {
		panic("overwriting mappings requires a pageop")
	}
	if opts.Overwrite && opts.Permanent {
		panic("permanent mappings cannot overwrite")
	}
	return &mapper{
		t:    t,
		op:   op,
		ops:  tableOps{t: t, op: op},
		opts: opts,
	}
}

// eligible returns true if a large page may be used at l for this request.
func (m *mapper) eligible(l pte.Level) bool {
	return m.t.codec().CanHaveLarge(l) && m.opts.LargeLevels.Has(l)
}

// pickLevel returns the highest level at or below max whose page fits at va
// (and pa, if physAligned) with remaining bytes left. With physAligned, a
// large page must also map a single block; see singleBlock.
func (m *mapper) pickLevel(max pte.Level, va hostarch.Addr, pa hostarch.PhysAddr, physAligned bool, remaining uint64) pte.Level {
	c := m.t.codec()
	for l := max; l > 1; l-- {
		if !m.eligible(l) {
			continue
		}
		size := c.LevelSize(l)
		if remaining < size || !va.IsAligned(size) {
			continue
		}
		if physAligned && !pa.IsAligned(size) {
			continue
		}
		if physAligned && !m.opts.Permanent && !m.t.singleBlock(pa, size) {
			continue
		}
		return l
	}
	return 1
}

// prepare gets the walker to a slot at level l for va: a present large
// page above l is split (only with Overwrite), and missing tables are
// allocated. It returns true if the walker was repositioned and the level
// must be picked again.
func (m *mapper) prepare(w *ptwalker.Walker, va hostarch.Addr, l pte.Level) (bool, error) {
	cur := w.Level()
	if l >= cur {
		return false, nil
	}
	if m.t.codec().IsPresent(w.Raw(), cur) {
		if !m.opts.Overwrite {
			panic(fmt.Sprintf("mapping %v at level %d over a large page at level %d", va, l, cur))
		}
		if err := split(m.t, m.op, m.ops, w); err != nil {
			return false, fmt.Errorf("mapping %v: %w", va, err)
		}
		w.Reset(va)
		return true, nil
	}
	if err := w.FillInTo(l, true); err != nil {
		if errors.Is(err, ptwalker.ErrAllocFail) {
			return false, fmt.Errorf("mapping %v: %w", va, ErrTableAllocFail)
		}
		return false, err
	}
	return false, nil
}

// install writes a leaf for pa at the walker's level. The walker must be
// resolved to l.
func (m *mapper) install(w *ptwalker.Walker, l pte.Level, pa hostarch.PhysAddr) {
	c := m.t.codec()
	raw := w.Raw()
	leaf := c.EncodeLeaf(pa, l, m.opts.Flags, m.opts.Cache)
	if !m.opts.Permanent {
		m.t.refData(pa)
	}
	if c.IsPresent(raw, l) {
		if !m.opts.Overwrite {
			panic(fmt.Sprintf("mapping %v over present entry %+v", w.VirtualAddress(), c.Decode(raw, l)))
		}
		// The slot stays present, so the table's count is unchanged.
		m.t.derefData(m.op, c.ToPhys(raw, l))
		m.op.AddRange(slotRange(w))
		w.Set(leaf)
	} else {
		w.Set(leaf)
		m.ops.IncRef(w.TablePhys(l))
	}
	if l > 1 {
		largePagesMapped.Increment()
	} else {
		pagesMapped.Increment()
	}
}

// MapAt maps [virt, virt+size) to [phys, phys+size). virt, phys and size
// must be page aligned. op receives the pages released by overwritten
// entries; it may be nil unless opts.Overwrite is set.
//
// Unless opts.Permanent is set, the range must pass CheckFrames.
//
// On error, the mappings installed so far are retained.
func MapAt(t Target, op *pageop.Op, virt hostarch.Addr, phys hostarch.PhysAddr, size uint64, opts MapOpts) error {
	if size == 0 {
		return nil
	}
	if !phys.IsPageAligned() {
		panic(fmt.Sprintf("unaligned physical address %v", phys))
	}
	if _, err := checkRange(t.codec(), virt, size); err != nil {
		return err
	}
	if !opts.Permanent {
		if err := CheckFrames(t.DB, phys, size); err != nil {
			return fmt.Errorf("mapping %v: %w", virt, err)
		}
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("MapAt(%v, %v, %#x, flags=%v cache=%v)", virt, phys, size, opts.Flags, opts.Cache)
	}

	m := newMapper(t, op, opts)
	w := m.ops.walker(virt)
	va, pa, remaining := virt, phys, size
	for {
		l := m.pickLevel(w.Level(), va, pa, true, remaining)
		again, err := m.prepare(w, va, l)
		if err != nil {
			return err
		}
		if again {
			continue
		}
		m.install(w, l, pa)

		n := m.t.codec().LevelSize(l)
		if remaining -= n; remaining == 0 {
			return nil
		}
		va += hostarch.Addr(n)
		pa += hostarch.PhysAddr(n)
		if err := w.Next(l); err != nil {
			return fmt.Errorf("mapping %v: %w", va, err)
		}
	}
}

// MapAllocAt maps [virt, virt+size) to newly allocated data pages. Each step
// allocates a block for the largest page that fits and falls back to
// smaller pages when the allocator cannot provide one.
//
// On error, the mappings installed so far are retained.
func MapAllocAt(t Target, op *pageop.Op, virt hostarch.Addr, size uint64, opts MapOpts) error {
	if size == 0 {
		return nil
	}
	if _, err := checkRange(t.codec(), virt, size); err != nil {
		return err
	}

	m := newMapper(t, op, opts)
	c := t.codec()
	w := m.ops.walker(virt)
	va, remaining := virt, size
	for {
		var (
			l     = m.pickLevel(w.Level(), va, 0, false, remaining)
			pa    hostarch.PhysAddr
			order int
			ok    bool
		)
		for {
			if order = pgalloc.OrderForSize(c.LevelSize(l)); order <= pgalloc.MaxOrder {
				if pa, ok = t.Alloc.AllocPages(order); ok {
					break
				}
			}
			if l == 1 {
				return fmt.Errorf("mapping %v: %w", va, ErrPageAllocFail)
			}
			l = m.pickLevel(l-1, va, 0, false, remaining)
		}
		for {
			again, err := m.prepare(w, va, l)
			if err != nil {
				t.Alloc.FreePages(pa, order)
				return err
			}
			if !again {
				break
			}
		}
		m.install(w, l, pa)

		n := c.LevelSize(l)
		if remaining -= n; remaining == 0 {
			return nil
		}
		va += hostarch.Addr(n)
		if err := w.Next(l); err != nil {
			return fmt.Errorf("mapping %v: %w", va, err)
		}
	}
}
