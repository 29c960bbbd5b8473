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

// Package pageop batches the side effects of a page-table teardown: one TLB
// flush covering every changed translation, followed by the release of every
// page that lost its last reference.
//
// Pages must not be reused while a CPU may still hold a translation through
// them, so frees are always queued and only happen after the flush.
package pageop

import (
	"fmt"

	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/page"
)

// Flusher invalidates stale translations on every CPU using an address
// space.
type Flusher interface {
	// Flush invalidates translations for r.
	Flush(r hostarch.AddrRange)

	// FlushAll invalidates every non-global translation.
	FlushAll()
}

// Freer returns pages to their allocator.
type Freer interface {
	FreeTable(phys hostarch.PhysAddr)
	FreePages(phys hostarch.PhysAddr, order int)
}

// Op accumulates one teardown transaction. Every Op must be finished exactly
// once, typically with a deferred call to Finish right after New.
type Op struct {
	db      *page.DB
	flusher Flusher
	freer   Freer

	// rng is the union of all added ranges; valid iff hasRange.
	rng      hostarch.AddrRange
	hasRange bool
	flushAll bool

	tables page.List
	data   page.List

	finished bool
}

// New returns an empty Op.
func New(db *page.DB, flusher Flusher, freer Freer) *Op {
	return &Op{
		db:      db,
		flusher: flusher,
		freer:   freer,
		tables:  page.NewList(db),
		data:    page.NewList(db),
	}
}

func (op *Op) checkLive() {
	if op.finished {
		panic("pageop: use after Finish")
	}
}

// AddRange records a virtual range whose translations changed.
func (op *Op) AddRange(r hostarch.AddrRange) {
	op.checkLive()
	if r.Length() == 0 {
		return
	}
	if !op.hasRange {
		op.rng = r
		op.hasRange = true
		return
	}
	if r.Start < op.rng.Start {
		op.rng.Start = r.Start
	}
	// End == 0 is the top of the address space.
	if op.rng.End != 0 && (r.End == 0 || r.End > op.rng.End) {
		op.rng.End = r.End
	}
}

// FlushAll upgrades the flush to the whole address space.
func (op *Op) FlushAll() {
	op.checkLive()
	op.flushAll = true
}

// DeferTable queues a table page that has no entries left.
func (op *Op) DeferTable(phys hostarch.PhysAddr) {
	op.checkLive()
	op.tables.PushBack(phys)
}

// DeferPages queues a data block whose last reference was dropped. The block
// order is taken from the page database.
func (op *Op) DeferPages(phys hostarch.PhysAddr) {
	op.checkLive()
	if head := op.db.Head(phys); head != phys {
		panic(fmt.Sprintf("pageop: %v is not the head of its block (%v)", phys, head))
	}
	op.data.PushBack(phys)
}

// Range returns the pending flush range. ok is false if nothing is pending
// or the whole address space will be flushed.
func (op *Op) Range() (r hostarch.AddrRange, ok bool) {
	return op.rng, op.hasRange && !op.flushAll
}

// Pending returns the number of queued tables and data blocks.
func (op *Op) Pending() (tables, data int) {
	return op.tables.Len(), op.data.Len()
}

// Finish flushes, then frees everything queued. It panics if called twice.
func (op *Op) Finish() {
	if op.finished {
		panic("pageop: Finish called twice")
	}
	op.finished = true

	switch {
	case op.flushAll:
		op.flusher.FlushAll()
	case op.hasRange:
		op.flusher.Flush(op.rng)
	}

	for {
		p, ok := op.tables.PopFront()
		if !ok {
			break
		}
		op.freer.FreeTable(p)
	}
	for {
		p, ok := op.data.PopFront()
		if !ok {
			break
		}
		op.freer.FreePages(p, op.db.Order(p))
	}
}
