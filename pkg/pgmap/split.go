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

// split replaces the large leaf at the walker's level with a table mapping
// the same span with the same flags and cache policy, one level down. The
// walker stays at the (now table) slot; callers Reset it.
//
// The new table is fully built before it is linked, so a table allocation
// failure leaves the large page in place.
func split(t Target, op *pageop.Op, ops tableOps, w *ptwalker.Walker) error {
	c := t.codec()
	l := w.Level()
	e := c.Decode(w.Raw(), l)
	if e.Kind != pte.Leaf || !e.Large {
		panic(fmt.Sprintf("split of %+v at level %d", e, l))
	}
	b := builder{t: t, ops: ops, e: e}
	table, ok := b.build(e.Phys, l-1)
	if !ok {
		return ErrTableAllocFail
	}

	// Every new leaf references the block the large leaf referenced.
	if b.leaves > 1 && t.DB.Refcounted(e.Phys) {
		t.DB.IncRefN(e.Phys, b.leaves-1)
	}
	r := slotRange(w)
	w.Set(c.EncodeTable(table))
	op.AddRange(r)
	largePagesSplit.Increment()
	return nil
}

// builder constructs the replacement subtree for one large leaf.
type builder struct {
	t      Target
	ops    tableOps
	e      pte.Entry
	leaves int64
}

// build returns a table at level l mapping [phys, phys+LevelSize(l+1)).
func (b *builder) build(phys hostarch.PhysAddr, l pte.Level) (hostarch.PhysAddr, bool) {
	c := b.t.codec()
	table, ok := b.ops.AllocTable()
	if !ok {
		return 0, false
	}
	tbl := b.t.Tree.Mem.Table(table)
	size := c.LevelSize(l)
	for i := 0; i < pte.EntriesPerTable; i++ {
		p := phys + hostarch.PhysAddr(uint64(i)*size)
		if l == 1 || c.CanHaveLarge(l) {
			pte.Write(tbl.Slot(i), c.EncodeLeaf(p, l, b.e.Flags, b.e.Cache))
			b.leaves++
			continue
		}
		child, ok := b.build(p, l-1)
		if !ok {
			b.discard(table, l, false)
			return 0, false
		}
		pte.Write(tbl.Slot(i), c.EncodeTable(child))
	}
	b.t.DB.IncRefN(table, pte.EntriesPerTable)
	return table, true
}

// discard frees a table built by build. counted is false for a table whose
// build did not complete, which holds no references yet.
func (b *builder) discard(table hostarch.PhysAddr, l pte.Level, counted bool) {
	c := b.t.codec()
	tbl := b.t.Tree.Mem.Table(table)
	for i := 0; i < pte.EntriesPerTable; i++ {
		raw := pte.Read(tbl.Slot(i))
		if !c.IsPresent(raw, l) {
			continue
		}
		if l > 1 && !c.IsLarge(raw, l) {
			b.discard(c.ToPhys(raw, l), l-1, true)
		} else {
			b.leaves--
		}
		pte.Write(tbl.Slot(i), 0)
		if counted {
			b.t.DB.DecRef(table)
		}
	}
	b.t.Alloc.FreeTable(table)
	tablesFreed.Increment()
}
