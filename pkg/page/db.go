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

package page

import (
	"fmt"

	"kmm.dev/kmm/pkg/atomicbitops"
	"kmm.dev/kmm/pkg/hostarch"
)

// State is what a frame is currently used for.
type State uint32

const (
	// Free frames belong to an allocator.
	Free State = iota

	// TableState frames hold a page table. Their refcount is the number of
	// present entries in the table, plus one for a pinned root.
	TableState

	// Used frames are allocated base-page data. Their refcount is the number
	// of present entries mapping them.
	Used

	// LargeHead is the first frame of a multi-page allocation. It carries
	// the refcount for the whole block.
	LargeHead

	// LargeTail frames are the rest of a multi-page allocation. Their
	// references are counted on the head.
	LargeTail

	// Crucial frames are never freed (boot-time allocations).
	Crucial
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case TableState:
		return "table"
	case Used:
		return "used"
	case LargeHead:
		return "large-head"
	case LargeTail:
		return "large-tail"
	case Crucial:
		return "crucial"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Frame is a physical frame number.
type Frame uint64

// noFrame terminates intrusive lists.
const noFrame = ^Frame(0)

// Page is the descriptor of one physical frame.
type Page struct {
	state atomicbitops.Uint32
	refs  atomicbitops.Int64

	// order is the log2 size in pages of the block headed by this frame.
	order uint32

	// head is the head frame of the block this frame belongs to.
	head Frame

	// next links frames on a List. It is owned by whoever holds the frame
	// exclusively (an allocator, or a pageop after the last reference was
	// dropped).
	next Frame
}

// DB holds a descriptor for every frame of a physical range.
type DB struct {
	base  Frame
	pages []Page
}

// NewDB returns a database for the frames of [base, base+size). Every frame
// starts Free with no references.
func NewDB(base hostarch.PhysAddr, size uint64) *DB {
	db := &DB{
		base:  Frame(base >> hostarch.PageShift),
		pages: make([]Page, size>>hostarch.PageShift),
	}
	for i := range db.pages {
		db.pages[i].head = db.base + Frame(i)
		db.pages[i].next = noFrame
	}
	return db
}

// FrameOf returns the frame containing phys.
func FrameOf(phys hostarch.PhysAddr) Frame {
	return Frame(phys >> hostarch.PageShift)
}

// Phys returns the first address of f.
func (f Frame) Phys() hostarch.PhysAddr {
	return hostarch.PhysAddr(f) << hostarch.PageShift
}

// NumPages returns the number of frames in the database.
func (db *DB) NumPages() int {
	return len(db.pages)
}

// Contains returns true if phys has a descriptor.
func (db *DB) Contains(phys hostarch.PhysAddr) bool {
	f := FrameOf(phys)
	return f >= db.base && f-db.base < Frame(len(db.pages))
}

// lookup returns the descriptor of f, which must be in db.
func (db *DB) lookup(f Frame) *Page {
	if f < db.base || f-db.base >= Frame(len(db.pages)) {
		panic(fmt.Sprintf("frame %#x outside page database [%#x, %#x)", f, db.base, db.base+Frame(len(db.pages))))
	}
	return &db.pages[f-db.base]
}

// State returns the state of the frame containing phys.
func (db *DB) State(phys hostarch.PhysAddr) State {
	return State(db.lookup(FrameOf(phys)).state.Load())
}

// Order returns the block order of the head frame at phys.
func (db *DB) Order(phys hostarch.PhysAddr) int {
	return int(db.lookup(FrameOf(phys)).order)
}

// Head returns the head of the block containing phys. For frames outside a
// multi-page block this is the frame itself.
func (db *DB) Head(phys hostarch.PhysAddr) hostarch.PhysAddr {
	return db.lookup(FrameOf(phys)).head.Phys()
}

// Refcounted returns true if mapping phys must be counted: phys is allocated
// data (base or large) tracked by db. Table, crucial, free and foreign
// frames are not counted.
func (db *DB) Refcounted(phys hostarch.PhysAddr) bool {
	if !db.Contains(phys) {
		return false
	}
	switch db.State(phys) {
	case Used, LargeHead, LargeTail:
		return true
	default:
		return false
	}
}

// Refs returns the reference count of the block containing phys.
func (db *DB) Refs(phys hostarch.PhysAddr) int64 {
	return db.lookup(FrameOf(db.Head(phys))).refs.Load()
}

// IncRef adds one reference to the block containing phys.
func (db *DB) IncRef(phys hostarch.PhysAddr) {
	db.IncRefN(phys, 1)
}

// IncRefN adds n references to the block containing phys.
func (db *DB) IncRefN(phys hostarch.PhysAddr, n int64) {
	p := db.lookup(FrameOf(db.Head(phys)))
	if v := p.refs.Add(n); v <= 0 {
		panic(fmt.Sprintf("frame %v: refcount %d after adding %d", phys, v, n))
	}
}

// DecRef drops one reference from the block containing phys and returns true
// if that was the last one. The decrement and the test are one atomic
// operation, so exactly one caller observes zero.
func (db *DB) DecRef(phys hostarch.PhysAddr) bool {
	p := db.lookup(FrameOf(db.Head(phys)))
	v := p.refs.Add(-1)
	if v < 0 {
		panic(fmt.Sprintf("frame %v (%v): refcount underflow", phys, State(p.state.Load())))
	}
	return v == 0
}

// SetTable marks the frame at phys as a page table.
func (db *DB) SetTable(phys hostarch.PhysAddr) {
	db.set(FrameOf(phys), 0, TableState)
}

// SetCrucial marks the frame at phys as permanently allocated.
func (db *DB) SetCrucial(phys hostarch.PhysAddr, order int) {
	db.setBlock(FrameOf(phys), order, Crucial, Crucial)
}

// SetAllocated marks the block of 1<<order frames at phys as allocated data:
// Used for a single frame, LargeHead and LargeTail otherwise.
func (db *DB) SetAllocated(phys hostarch.PhysAddr, order int) {
	if order == 0 {
		db.set(FrameOf(phys), 0, Used)
		return
	}
	db.setBlock(FrameOf(phys), order, LargeHead, LargeTail)
}

// SetFree marks the block of 1<<order frames at phys free. The block must
// not be referenced.
func (db *DB) SetFree(phys hostarch.PhysAddr, order int) {
	head := FrameOf(phys)
	if refs := db.lookup(head).refs.Load(); refs != 0 {
		panic(fmt.Sprintf("freeing frame %v with %d references", phys, refs))
	}
	for f := head; f < head+Frame(1)<<order; f++ {
		p := db.lookup(f)
		p.state.Store(uint32(Free))
		p.order = 0
		p.head = f
	}
}

func (db *DB) set(f Frame, order int, s State) {
	p := db.lookup(f)
	p.refs.Store(0)
	p.order = uint32(order)
	p.head = f
	p.state.Store(uint32(s))
}

func (db *DB) setBlock(head Frame, order int, hs, ts State) {
	db.set(head, order, hs)
	for f := head + 1; f < head+Frame(1)<<order; f++ {
		p := db.lookup(f)
		p.refs.Store(0)
		p.order = 0
		p.head = head
		p.state.Store(uint32(ts))
	}
}
