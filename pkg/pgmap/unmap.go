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
	"fmt"

	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/pageop"
	"kmm.dev/kmm/pkg/pte"
	"kmm.dev/kmm/pkg/ptwalker"
)

// UnmapOpts are options for UnmapAt.
type UnmapOpts struct {
	// DontSplitLargePages makes a partly covered large page an error
	// instead of splitting it.
	DontSplitLargePages bool
}

// visitFunc is called by walkRange for each leaf overlapping the range.
// full is true if the leaf lies entirely inside the range. It returns true
// if it changed the tree under the walker.
type visitFunc func(w *ptwalker.Walker, full bool) (changed bool, err error)

// walkRange calls visit for every leaf overlapping [virt, last] in address
// order. After a visit that changed the tree, the walker is re-resolved at
// the current position.
func walkRange(w *ptwalker.Walker, virt, last hostarch.Addr, visit visitFunc) error {
	cur := virt
	for {
		if w.Entry().Kind == pte.Leaf {
			r := slotRange(w)
			full := r.Start >= virt && r.End-1 <= last
			changed, err := visit(w, full)
			if err != nil {
				return err
			}
			if changed {
				w.Reset(cur)
				if !full {
					continue
				}
			}
		}
		end := w.VirtualAddress() + hostarch.Addr(w.SlotSize()-1)
		if end >= last {
			return nil
		}
		cur = end + 1
		if err := w.Next(w.Level()); err != nil {
			return fmt.Errorf("walking to %v: %w", cur, err)
		}
	}
}

// UnmapAt removes every mapping in [virt, virt+size). Large pages that are
// partly covered are split first, unless opts.DontSplitLargePages is set.
//
// Released tables and data pages, and the range to flush, are added to op;
// the caller finishes op once for the whole call.
func UnmapAt(t Target, op *pageop.Op, virt hostarch.Addr, size uint64, opts UnmapOpts) error {
	if size == 0 {
		return nil
	}
	last, err := checkRange(t.codec(), virt, size)
	if err != nil {
		return err
	}
	ops := tableOps{t: t, op: op}
	w := ops.walker(virt)
	return walkRange(w, virt, last, func(w *ptwalker.Walker, full bool) (bool, error) {
		if !full {
			if opts.DontSplitLargePages {
				return false, fmt.Errorf("unmapping [%v, %v]: large page at %v: %w", virt, last, w.VirtualAddress(), ErrPartialLargePage)
			}
			if err := split(t, op, ops, w); err != nil {
				return false, fmt.Errorf("unmapping %v: %w", w.VirtualAddress(), err)
			}
			return true, nil
		}
		r := slotRange(w)
		l := w.Level()
		raw := w.ClearSlot(l)
		op.AddRange(r)
		t.derefData(op, t.codec().ToPhys(raw, l))
		return false, nil
	})
}

// Protect changes the flags of every mapping in [virt, virt+size), keeping
// physical addresses and cache policy. Partly covered large pages are split.
// Unmapped parts of the range are skipped.
func Protect(t Target, op *pageop.Op, virt hostarch.Addr, size uint64, flags pte.Flags) error {
	if size == 0 {
		return nil
	}
	last, err := checkRange(t.codec(), virt, size)
	if err != nil {
		return err
	}
	c := t.codec()
	ops := tableOps{t: t, op: op}
	w := ops.walker(virt)
	return walkRange(w, virt, last, func(w *ptwalker.Walker, full bool) (bool, error) {
		if !full {
			if err := split(t, op, ops, w); err != nil {
				return false, fmt.Errorf("protecting %v: %w", w.VirtualAddress(), err)
			}
			return true, nil
		}
		l := w.Level()
		e := w.Entry()
		if e.Flags != flags {
			w.Set(c.EncodeLeaf(e.Phys, l, flags, e.Cache))
			op.AddRange(slotRange(w))
		}
		return false, nil
	})
}

// Translation is the result of Lookup.
type Translation struct {
	// Entry is the leaf mapping the address.
	Entry pte.Entry

	// Level is the level of the leaf.
	Level pte.Level

	// Phys is the physical address the looked up address maps to.
	Phys hostarch.PhysAddr
}

// Lookup translates virt. ok is false if virt is not mapped.
func Lookup(tree ptwalker.Tree, virt hostarch.Addr) (tr Translation, ok bool) {
	if !tree.Codec.Canonical(virt) {
		return Translation{}, false
	}
	w := ptwalker.New(tree, nil, virt)
	e := w.Entry()
	if e.Kind != pte.Leaf {
		return Translation{}, false
	}
	l := w.Level()
	off := uint64(virt) & (tree.Codec.LevelSize(l) - 1)
	return Translation{
		Entry: e,
		Level: l,
		Phys:  e.Phys + hostarch.PhysAddr(off),
	}, true
}
