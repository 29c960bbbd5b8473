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

package ptwalker

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/page"
	"kmm.dev/kmm/pkg/pgalloc"
	"kmm.dev/kmm/pkg/pte"
)

const (
	testBase = hostarch.PhysAddr(0x40000000)

	// dataPhys is outside the arena, so leaves pointing at it are not
	// refcounted.
	dataPhys = hostarch.PhysAddr(0x100000000)
)

var allCodecs = []pte.Codec{pte.AMD64, pte.AMD64LA57, pte.ARM64, pte.RISCV64Sv39, pte.RISCV64Sv48}

// testOps implements TableOps on a buddy allocator, optionally failing
// allocations once budget is exhausted.
type testOps struct {
	db    *page.DB
	alloc *pgalloc.Buddy

	// budget is the number of allocations allowed; negative is unlimited.
	budget    int
	allocated int
	freed     int
}

func (o *testOps) AllocTable() (hostarch.PhysAddr, bool) {
	if o.budget == 0 {
		return 0, false
	}
	if o.budget > 0 {
		o.budget--
	}
	p, ok := o.alloc.AllocTable()
	if ok {
		o.allocated++
	}
	return p, ok
}

func (o *testOps) FreeTable(phys hostarch.PhysAddr) {
	o.freed++
	o.alloc.FreeTable(phys)
}

func (o *testOps) IncRef(phys hostarch.PhysAddr) {
	o.db.IncRef(phys)
}

func (o *testOps) DecRef(phys hostarch.PhysAddr) bool {
	return o.db.DecRef(phys)
}

func newTestTree(t *testing.T, codec pte.Codec) (Tree, *testOps) {
	t.Helper()
	const size = 1024 * hostarch.PageSize
	mem, err := page.NewMemory(testBase, size)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	db := page.NewDB(testBase, size)
	ops := &testOps{
		db:     db,
		alloc:  pgalloc.NewBuddyRange(db, mem, testBase, mem.End()),
		budget: -1,
	}
	tree := Tree{Codec: codec, Mem: mem}
	newRoot := func() hostarch.PhysAddr {
		root, ok := ops.alloc.AllocTable()
		if !ok {
			t.Fatalf("AllocTable failed")
		}
		db.IncRef(root)
		return root
	}
	tree.Lower = newRoot()
	if codec.SplitRoot() {
		tree.Upper = newRoot()
	}
	return tree, ops
}

func mapLeaf(t *testing.T, tree Tree, ops *testOps, addr hostarch.Addr, l pte.Level) {
	t.Helper()
	w := New(tree, ops, addr)
	if err := w.FillInTo(l, true); err != nil {
		t.Fatalf("FillInTo(%d) at %v: %v", l, addr, err)
	}
	if w.Level() != l {
		t.Fatalf("walker at %v resolved to level %d, want %d", addr, w.Level(), l)
	}
	w.Set(tree.Codec.EncodeLeaf(dataPhys, l, pte.Flags{AccessType: hostarch.ReadWrite}, hostarch.MemoryTypeWriteBack))
	ops.IncRef(w.TablePhys(l))
}

func TestNewEmpty(t *testing.T) {
	for _, c := range allCodecs {
		t.Run(c.Name(), func(t *testing.T) {
			tree, _ := newTestTree(t, c)
			w := New(tree, nil, 0x1234000)
			if got, want := w.Level(), c.Levels(); got != want {
				t.Errorf("Level() = %d, want %d", got, want)
			}
			if e := w.Entry(); e.Present() {
				t.Errorf("Entry() = %+v, want absent", e)
			}
			if got := w.VirtualAddress(); got != 0 {
				t.Errorf("VirtualAddress() = %v, want 0", got)
			}
		})
	}
}

func TestFillInTo(t *testing.T) {
	tree, ops := newTestTree(t, pte.AMD64)
	const addr = hostarch.Addr(0x7f12_3456_7000)
	w := New(tree, ops, addr)
	if err := w.FillInTo(1, true); err != nil {
		t.Fatalf("FillInTo(1): %v", err)
	}
	if w.Level() != 1 {
		t.Fatalf("Level() = %d, want 1", w.Level())
	}
	if got := w.VirtualAddress(); got != addr {
		t.Errorf("VirtualAddress() = %v, want %v", got, addr)
	}
	if ops.allocated != 3 {
		t.Errorf("allocated %d tables, want 3", ops.allocated)
	}
	for l, want := range map[pte.Level]int64{4: 2, 3: 1, 2: 1, 1: 0} {
		if got := ops.db.Refs(w.TablePhys(l)); got != want {
			t.Errorf("level %d table refs = %d, want %d", l, got, want)
		}
	}

	// A second fill is a no-op.
	if err := w.FillInTo(1, true); err != nil || ops.allocated != 3 {
		t.Errorf("second FillInTo: %v, allocated %d", err, ops.allocated)
	}
}

func TestNextCarry(t *testing.T) {
	tree, ops := newTestTree(t, pte.AMD64)
	w := New(tree, ops, 0x1ff000)
	if err := w.FillInTo(1, true); err != nil {
		t.Fatalf("FillInTo(1): %v", err)
	}

	// The carry into level 2 lands on an absent slot.
	if err := w.Next(1); err != nil {
		t.Fatalf("Next(1): %v", err)
	}
	if w.Level() != 2 || w.VirtualAddress() != 0x200000 || w.Index(2) != 1 || w.Index(1) != 0 {
		t.Errorf("after Next(1): level %d at %v", w.Level(), w.VirtualAddress())
	}

	// Stepping back re-resolves into the populated table.
	if err := w.Prev(2); err != nil {
		t.Fatalf("Prev(2): %v", err)
	}
	if w.Level() != 1 || w.VirtualAddress() != 0x1ff000 {
		t.Errorf("after Prev(2): level %d at %v", w.Level(), w.VirtualAddress())
	}

	before := ops.allocated
	if err := w.NextWithOptions(1, true); err != nil {
		t.Fatalf("NextWithOptions(1, true): %v", err)
	}
	if w.Level() != 1 || w.VirtualAddress() != 0x200000 {
		t.Errorf("after NextWithOptions: level %d at %v", w.Level(), w.VirtualAddress())
	}
	if got := ops.allocated - before; got != 1 {
		t.Errorf("NextWithOptions allocated %d tables, want 1", got)
	}
}

func TestReachedEnd(t *testing.T) {
	for _, c := range allCodecs {
		t.Run(c.Name(), func(t *testing.T) {
			tree, ops := newTestTree(t, c)
			w := New(tree, ops, 0xffff_ffff_ffff_f000)
			if err := w.FillInTo(1, true); err != nil {
				t.Fatalf("FillInTo(1): %v", err)
			}
			if !w.Upper() && c.SplitRoot() {
				t.Errorf("walker at the last page is not in the upper root")
			}
			if err := w.Next(1); !errors.Is(err, ErrReachedEnd) {
				t.Fatalf("Next(1) = %v, want ErrReachedEnd", err)
			}
			if w.Level() != Done {
				t.Errorf("Level() = %d, want Done", w.Level())
			}
			if err := w.Next(1); !errors.Is(err, ErrReachedEnd) {
				t.Errorf("Next(1) after end = %v", err)
			}

			w.Reset(0)
			if err := w.Prev(w.Top()); !errors.Is(err, ErrReachedEnd) {
				t.Errorf("Prev(top) at 0 = %v, want ErrReachedEnd", err)
			}
		})
	}
}

func TestSplitRootChaining(t *testing.T) {
	tree, ops := newTestTree(t, pte.ARM64)
	const lastLower = hostarch.Addr(0x0000_ffff_ffff_f000)
	mapLeaf(t, tree, ops, lastLower, 1)

	w := New(tree, nil, lastLower)
	if w.Level() != 1 || w.Upper() {
		t.Fatalf("walker at %v: level %d upper %t", lastLower, w.Level(), w.Upper())
	}
	if err := w.Next(1); err != nil {
		t.Fatalf("Next(1): %v", err)
	}
	if !w.Upper() || w.Level() != 4 || w.Index(4) != 0 {
		t.Errorf("after Next(1): upper %t level %d index %d", w.Upper(), w.Level(), w.Index(4))
	}
	if got, want := w.VirtualAddress(), hostarch.Addr(0xffff_0000_0000_0000); got != want {
		t.Errorf("VirtualAddress() = %v, want %v", got, want)
	}

	if err := w.Prev(4); err != nil {
		t.Fatalf("Prev(4): %v", err)
	}
	if w.Upper() || w.Level() != 1 || w.VirtualAddress() != lastLower {
		t.Errorf("after Prev(4): upper %t level %d at %v", w.Upper(), w.Level(), w.VirtualAddress())
	}
	if e := w.Entry(); e.Kind != pte.Leaf || e.Phys != dataPhys {
		t.Errorf("Entry() = %+v", e)
	}
}

func TestAllocFailRollback(t *testing.T) {
	tree, ops := newTestTree(t, pte.AMD64)
	free := ops.alloc.FreeCount()

	ops.budget = 2
	w := New(tree, ops, 0x4000_0000_0000)
	if err := w.FillInTo(1, true); !errors.Is(err, ErrAllocFail) {
		t.Fatalf("FillInTo(1) = %v, want ErrAllocFail", err)
	}
	if w.Level() != 4 || w.Raw() != 0 {
		t.Errorf("after rollback: level %d raw %#x", w.Level(), w.Raw())
	}
	if got := ops.db.Refs(tree.Lower); got != 1 {
		t.Errorf("root refs = %d, want 1", got)
	}
	if ops.allocated != 2 || ops.freed != 2 {
		t.Errorf("allocated %d freed %d, want 2 and 2", ops.allocated, ops.freed)
	}
	if got := ops.alloc.FreeCount(); got != free {
		t.Errorf("FreeCount() = %d, want %d", got, free)
	}
}

func TestAllocFailRollbackOnCarry(t *testing.T) {
	tree, ops := newTestTree(t, pte.AMD64)
	const addr = hostarch.Addr(0x3fff_f000)
	mapLeaf(t, tree, ops, addr, 1)

	w := New(tree, ops, addr)
	l3 := w.TablePhys(3)
	ops.budget = 1
	freed := ops.freed

	// The carry reaches level 3, which then needs two new tables.
	if err := w.NextWithOptions(1, true); !errors.Is(err, ErrAllocFail) {
		t.Fatalf("NextWithOptions(1, true) = %v, want ErrAllocFail", err)
	}
	if w.Level() != 3 || w.Raw() != 0 || w.VirtualAddress() != 0x4000_0000 {
		t.Errorf("after rollback: level %d raw %#x at %v", w.Level(), w.Raw(), w.VirtualAddress())
	}
	if got := ops.db.Refs(l3); got != 1 {
		t.Errorf("level 3 table refs = %d, want 1", got)
	}
	if got := ops.freed - freed; got != 1 {
		t.Errorf("freed %d tables, want 1", got)
	}
}

func testAddrs(c pte.Codec) []hostarch.Addr {
	upper := c.Extend(uint64(1)<<(c.VABits()-1)|0x5000, true)
	return []hostarch.Addr{
		0x1000,
		0x20_0000,
		0x40_3000,
		upper,
		upper + 0x20_0000,
		0xffff_ffff_ffff_f000,
	}
}

func testLevels() []pte.Level {
	return []pte.Level{1, 2, 1, 1, 2, 1}
}

func TestForEachPresent(t *testing.T) {
	for _, c := range allCodecs {
		t.Run(c.Name(), func(t *testing.T) {
			tree, ops := newTestTree(t, c)
			want := testAddrs(c)
			levels := testLevels()
			// Map out of order.
			for _, i := range []int{3, 0, 5, 1, 4, 2} {
				mapLeaf(t, tree, ops, want[i].AlignDown(c.LevelSize(levels[i])), levels[i])
			}

			var got []hostarch.Addr
			var gotLevels []pte.Level
			if err := ForEachPresent(tree, func(addr hostarch.Addr, l pte.Level, e pte.Entry) bool {
				got = append(got, addr)
				gotLevels = append(gotLevels, l)
				return true
			}); err != nil {
				t.Fatalf("ForEachPresent: %v", err)
			}
			for i := range want {
				want[i] = want[i].AlignDown(c.LevelSize(levels[i]))
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("addresses mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(levels, gotLevels); diff != "" {
				t.Errorf("levels mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMonotonic(t *testing.T) {
	for _, c := range allCodecs {
		t.Run(c.Name(), func(t *testing.T) {
			tree, ops := newTestTree(t, c)
			addrs := testAddrs(c)
			levels := testLevels()
			for i, addr := range addrs {
				mapLeaf(t, tree, ops, addr.AlignDown(c.LevelSize(levels[i])), levels[i])
			}

			var forward []hostarch.Addr
			w := New(tree, nil, 0)
			prev, first := hostarch.Addr(0), true
			for {
				va := w.VirtualAddress()
				if !first && va <= prev {
					t.Fatalf("forward walk went from %v to %v", prev, va)
				}
				prev, first = va, false
				if w.Entry().Kind == pte.Leaf {
					forward = append(forward, va)
				}
				if err := w.Next(w.Level()); err != nil {
					if !errors.Is(err, ErrReachedEnd) {
						t.Fatalf("Next: %v", err)
					}
					break
				}
			}

			var backward []hostarch.Addr
			w.Reset(0xffff_ffff_ffff_f000)
			first = true
			for {
				va := w.VirtualAddress()
				if !first && va >= prev {
					t.Fatalf("backward walk went from %v to %v", prev, va)
				}
				prev, first = va, false
				if w.Entry().Kind == pte.Leaf {
					backward = append([]hostarch.Addr{va}, backward...)
				}
				if err := w.Prev(w.Level()); err != nil {
					if !errors.Is(err, ErrReachedEnd) {
						t.Fatalf("Prev: %v", err)
					}
					break
				}
			}

			if len(forward) != len(addrs) {
				t.Errorf("forward walk found %d leaves, want %d", len(forward), len(addrs))
			}
			if diff := cmp.Diff(forward, backward); diff != "" {
				t.Errorf("walks disagree (-forward +backward):\n%s", diff)
			}
		})
	}
}

func TestClearSlot(t *testing.T) {
	tree, ops := newTestTree(t, pte.AMD64)
	free := ops.alloc.FreeCount()
	mapLeaf(t, tree, ops, 0x1000, 1)
	mapLeaf(t, tree, ops, 0x2000, 1)

	w := New(tree, ops, 0x1000)
	l1 := w.TablePhys(1)
	if raw := w.ClearSlot(1); raw == 0 {
		t.Fatalf("ClearSlot(1) returned 0 for a present leaf")
	}
	if raw := w.ClearSlot(1); raw != 0 {
		t.Errorf("second ClearSlot(1) = %#x, want 0", raw)
	}
	if got := ops.db.Refs(l1); got != 1 {
		t.Errorf("level 1 table refs = %d, want 1", got)
	}
	if ops.freed != 0 {
		t.Errorf("freed %d tables, want 0", ops.freed)
	}

	w2 := New(tree, ops, 0x2000)
	if raw := w2.ClearSlot(1); raw == 0 {
		t.Fatalf("ClearSlot(1) returned 0 for a present leaf")
	}
	if ops.freed != 3 {
		t.Errorf("freed %d tables, want 3", ops.freed)
	}
	if w2.Level() != 4 || w2.Raw() != 0 {
		t.Errorf("after teardown: level %d raw %#x", w2.Level(), w2.Raw())
	}
	if got := ops.db.Refs(tree.Lower); got != 1 {
		t.Errorf("root refs = %d, want 1", got)
	}

	// Both are no-ops on released levels.
	w2.DerefFromLevel(1)
	if raw := w2.ClearSlot(1); raw != 0 || ops.freed != 3 {
		t.Errorf("ClearSlot on released level: raw %#x, freed %d", raw, ops.freed)
	}
	if got := ops.alloc.FreeCount(); got != free {
		t.Errorf("FreeCount() = %d, want %d", got, free)
	}
}

func TestDerefFromLevelTwice(t *testing.T) {
	for _, c := range allCodecs {
		t.Run(c.Name(), func(t *testing.T) {
			tree, ops := newTestTree(t, c)
			free := ops.alloc.FreeCount()
			mapLeaf(t, tree, ops, 0x1000, 1)
			mapLeaf(t, tree, ops, 0x2000, 1)

			w := New(tree, ops, 0x1000)
			l1 := w.TablePhys(1)
			w.Set(0)
			w.DerefFromLevel(1)
			w.DerefFromLevel(1)
			if got := ops.db.Refs(l1); got != 1 {
				t.Errorf("level 1 table refs = %d, want 1", got)
			}
			if ops.freed != 0 {
				t.Errorf("freed %d tables, want 0", ops.freed)
			}
			if w2 := New(tree, ops, 0x2000); w2.Level() != 1 || w2.Entry().Kind != pte.Leaf {
				t.Errorf("leaf at 0x2000 resolves to level %d, entry %+v", w2.Level(), w2.Entry())
			}

			// Moving away and back gives the slot a fresh position, but the
			// slot is still absent and holds nothing to drop.
			if err := w.Next(1); err != nil {
				t.Fatalf("Next(1): %v", err)
			}
			w.Reset(0x2000)
			if raw := w.ClearSlot(1); raw == 0 {
				t.Fatalf("ClearSlot(1) returned 0 for a present leaf")
			}
			w.DerefFromLevel(1)
			if want := int(c.Levels()) - 1; ops.freed != want {
				t.Errorf("freed %d tables, want %d", ops.freed, want)
			}
			if got := ops.db.Refs(tree.Lower); got != 1 {
				t.Errorf("root refs = %d, want 1", got)
			}
			if got := ops.alloc.FreeCount(); got != free {
				t.Errorf("FreeCount() = %d, want %d", got, free)
			}
		})
	}
}

func TestDerefFromLevelPresentPanics(t *testing.T) {
	tree, ops := newTestTree(t, pte.AMD64)
	mapLeaf(t, tree, ops, 0x1000, 1)
	w := New(tree, ops, 0x1000)
	defer func() {
		if recover() == nil {
			t.Errorf("DerefFromLevel(1) on a present leaf did not panic")
		}
	}()
	w.DerefFromLevel(1)
}

func TestClearSlotTablePanics(t *testing.T) {
	tree, ops := newTestTree(t, pte.AMD64)
	mapLeaf(t, tree, ops, 0x1000, 1)
	w := New(tree, ops, 0x1000)
	defer func() {
		if recover() == nil {
			t.Errorf("ClearSlot(2) on a table entry did not panic")
		}
	}()
	w.ClearSlot(2)
}

func TestBadIncr(t *testing.T) {
	tree, ops := newTestTree(t, pte.AMD64)
	w := New(tree, ops, 0)
	for _, tc := range []struct {
		name string
		fn   func() error
	}{
		{"below resolved level", func() error { return w.Next(1) }},
		{"above root", func() error { return w.Prev(5) }},
		{"fill to level 0", func() error { return w.FillInTo(0, true) }},
	} {
		if err := tc.fn(); !errors.Is(err, ErrBadIncr) {
			t.Errorf("%s: got %v, want ErrBadIncr", tc.name, err)
		}
	}

	mapLeaf(t, tree, ops, 0x20_0000, 2)
	w.Reset(0x20_1000)
	if w.Level() != 2 {
		t.Fatalf("Level() = %d, want 2", w.Level())
	}
	if err := w.FillInTo(1, true); !errors.Is(err, ErrBadIncr) {
		t.Errorf("FillInTo through large leaf = %v, want ErrBadIncr", err)
	}
}
