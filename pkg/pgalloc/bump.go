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

package pgalloc

import (
	"time"

	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/log"
	"kmm.dev/kmm/pkg/page"
)

// Bump hands out memory sequentially from a fixed range and can never free.
// It serves allocations made before the buddy allocator exists.
//
// Bump is not thread safe; boot is single threaded.
type Bump struct {
	db   *page.DB
	mem  *page.Memory
	next hostarch.PhysAddr
	end  hostarch.PhysAddr

	// leaked counts pages passed to a Free method.
	leaked uint64
}

// warnLeak is shared by every Bump so a failing boot cannot flood the log.
var warnLeak = log.BasicRateLimitedLogger(time.Second)

// NewBump returns a bump allocator over [start, end) of mem.
func NewBump(db *page.DB, mem *page.Memory, start, end hostarch.PhysAddr) *Bump {
	return &Bump{db: db, mem: mem, next: start, end: end}
}

// alloc returns a zeroed, aligned block of 1<<order pages.
func (b *Bump) alloc(order int) (hostarch.PhysAddr, bool) {
	size := uint64(hostarch.PageSize) << order
	p := (b.next + hostarch.PhysAddr(size-1)) &^ hostarch.PhysAddr(size-1)
	if p < b.next || p > b.end || uint64(b.end-p) < size {
		allocFailed.Increment()
		return 0, false
	}
	// The alignment gap is consumed and never reused.
	for gap := b.next; gap < p; gap += hostarch.PageSize {
		b.db.SetCrucial(gap, 0)
	}
	b.next = p + hostarch.PhysAddr(size)
	b.mem.Zero(p, size)
	return p, true
}

// AllocTable implements Allocator.AllocTable.
func (b *Bump) AllocTable() (hostarch.PhysAddr, bool) {
	p, ok := b.alloc(0)
	if ok {
		b.db.SetTable(p)
	}
	return p, ok
}

// AllocPage implements Allocator.AllocPage.
func (b *Bump) AllocPage() (hostarch.PhysAddr, bool) {
	return b.AllocPages(0)
}

// AllocPages implements Allocator.AllocPages.
//
// Boot-time data pages are crucial: they are never refcounted or freed.
func (b *Bump) AllocPages(order int) (hostarch.PhysAddr, bool) {
	p, ok := b.alloc(order)
	if ok {
		b.db.SetCrucial(p, order)
	}
	return p, ok
}

func (b *Bump) leak(phys hostarch.PhysAddr, order int) {
	b.leaked += 1 << order
	warnLeak.Warningf("bump allocator cannot free %v (order %d); %d pages leaked", phys, order, b.leaked)
}

// FreeTable implements Allocator.FreeTable.
func (b *Bump) FreeTable(phys hostarch.PhysAddr) {
	b.leak(phys, 0)
}

// FreePage implements Allocator.FreePage.
func (b *Bump) FreePage(phys hostarch.PhysAddr) {
	b.leak(phys, 0)
}

// FreePages implements Allocator.FreePages.
func (b *Bump) FreePages(phys hostarch.PhysAddr, order int) {
	b.leak(phys, order)
}

// Leaked returns the number of pages passed to a Free method.
func (b *Bump) Leaked() uint64 {
	return b.leaked
}

// Remaining returns the range not yet handed out.
func (b *Bump) Remaining() (start, end hostarch.PhysAddr) {
	return b.next, b.end
}

// retire stops b from allocating again and returns its remaining range.
func (b *Bump) retire() (start, end hostarch.PhysAddr) {
	start, end = b.next, b.end
	b.next = b.end
	return start, end
}
