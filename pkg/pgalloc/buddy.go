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
	"fmt"
	"time"

	"github.com/google/btree"
	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/log"
	"kmm.dev/kmm/pkg/page"
	"kmm.dev/kmm/pkg/sync"
)

// Buddy is a binary buddy allocator over one contiguous physical range.
//
// Free blocks of each order are kept in a B-tree ordered by address, so
// allocations are satisfied from the lowest suitable address. Buddy is
// protected by a spin lock and never sleeps.
type Buddy struct {
	db  *page.DB
	mem *page.Memory

	// base is the physical address that block alignment is relative to.
	base hostarch.PhysAddr

	// mu protects the fields below.
	mu        sync.SpinLock
	freeLists [MaxOrder + 1]*btree.BTreeG[hostarch.PhysAddr]

	// freePages is the number of pages on the free lists.
	freePages uint64

	// totalPages is the number of pages ever given to the allocator.
	totalPages uint64
}

var warnOOM = log.BasicRateLimitedLogger(time.Second)

const btreeDegree = 8

func physLess(a, b hostarch.PhysAddr) bool {
	return a < b
}

func newBuddy(db *page.DB, mem *page.Memory) *Buddy {
	b := &Buddy{db: db, mem: mem, base: mem.Base()}
	for i := range b.freeLists {
		b.freeLists[i] = btree.NewG[hostarch.PhysAddr](btreeDegree, physLess)
	}
	return b
}

// NewBuddy returns a buddy allocator owning everything boot did not consume.
// The bump allocator cannot allocate afterwards.
func NewBuddy(db *page.DB, mem *page.Memory, boot *Bump) *Buddy {
	b := newBuddy(db, mem)
	start, end := boot.retire()
	b.addRange(start, end)
	log.Infof("Buddy allocator: %d free pages in [%v, %v)", b.FreeCount(), start, end)
	return b
}

// NewBuddyRange returns a buddy allocator owning [start, end) of mem.
func NewBuddyRange(db *page.DB, mem *page.Memory, start, end hostarch.PhysAddr) *Buddy {
	b := newBuddy(db, mem)
	b.addRange(start, end)
	return b
}

// addRange frees [start, end) in the largest aligned blocks that fit.
func (b *Buddy) addRange(start, end hostarch.PhysAddr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := start; p < end; {
		order := MaxOrder
		for order > 0 && (!b.aligned(p, order) || uint64(end-p) < uint64(hostarch.PageSize)<<order) {
			order--
		}
		b.insertLocked(p, order)
		b.totalPages += 1 << order
		p += hostarch.PhysAddr(hostarch.PageSize) << order
	}
}

func (b *Buddy) aligned(p hostarch.PhysAddr, order int) bool {
	return uint64(p-b.base)&(uint64(hostarch.PageSize)<<order-1) == 0
}

// buddyOf returns the address of the buddy of the order block at p.
func (b *Buddy) buddyOf(p hostarch.PhysAddr, order int) hostarch.PhysAddr {
	return b.base + ((p - b.base) ^ hostarch.PhysAddr(hostarch.PageSize)<<order)
}

func (b *Buddy) insertLocked(p hostarch.PhysAddr, order int) {
	b.freeLists[order].ReplaceOrInsert(p)
	b.freePages += 1 << order
}

// allocLocked removes a block of the given order from the free lists,
// splitting a larger block if needed.
func (b *Buddy) allocLocked(order int) (hostarch.PhysAddr, bool) {
	o := order
	for o <= MaxOrder && b.freeLists[o].Len() == 0 {
		o++
	}
	if o > MaxOrder {
		return 0, false
	}
	p, _ := b.freeLists[o].DeleteMin()
	b.freePages -= 1 << o
	// Return the upper halves of the split.
	for o > order {
		o--
		b.insertLocked(p+hostarch.PhysAddr(hostarch.PageSize)<<o, o)
	}
	return p, true
}

// freeLocked returns a block, merging it with free buddies.
func (b *Buddy) freeLocked(p hostarch.PhysAddr, order int) {
	for order < MaxOrder {
		buddy := b.buddyOf(p, order)
		if _, ok := b.freeLists[order].Delete(buddy); !ok {
			break
		}
		b.freePages -= 1 << order
		if buddy < p {
			p = buddy
		}
		order++
	}
	b.insertLocked(p, order)
}

func (b *Buddy) alloc(order int) (hostarch.PhysAddr, bool) {
	if order < 0 || order > MaxOrder {
		panic(fmt.Sprintf("invalid allocation order %d", order))
	}
	b.mu.Lock()
	p, ok := b.allocLocked(order)
	b.mu.Unlock()
	if !ok {
		allocFailed.Increment()
		warnOOM.Warningf("Buddy allocator: no free block of order %d (%d pages free)", order, b.FreeCount())
		return 0, false
	}
	return p, true
}

// free scrubs the block and returns it. Scrubbing happens before the block
// is visible to any other allocation.
func (b *Buddy) free(p hostarch.PhysAddr, order int) {
	size := uint64(hostarch.PageSize) << order
	if !b.aligned(p, order) || !b.mem.Contains(p, size) {
		panic(fmt.Sprintf("freeing invalid block %v order %d", p, order))
	}
	b.mem.Zero(p, size)
	pagesZeroed.IncrementBy(1 << order)
	b.db.SetFree(p, order)
	b.mu.Lock()
	b.freeLocked(p, order)
	b.mu.Unlock()
}

// AllocTable implements Allocator.AllocTable.
func (b *Buddy) AllocTable() (hostarch.PhysAddr, bool) {
	p, ok := b.alloc(0)
	if ok {
		b.db.SetTable(p)
	}
	return p, ok
}

// AllocPage implements Allocator.AllocPage.
func (b *Buddy) AllocPage() (hostarch.PhysAddr, bool) {
	return b.AllocPages(0)
}

// AllocPages implements Allocator.AllocPages.
func (b *Buddy) AllocPages(order int) (hostarch.PhysAddr, bool) {
	p, ok := b.alloc(order)
	if ok {
		b.db.SetAllocated(p, order)
	}
	return p, ok
}

// FreeTable implements Allocator.FreeTable.
func (b *Buddy) FreeTable(phys hostarch.PhysAddr) {
	if s := b.db.State(phys); s != page.TableState {
		panic(fmt.Sprintf("FreeTable(%v): frame is %v", phys, s))
	}
	b.free(phys, 0)
}

// FreePage implements Allocator.FreePage.
func (b *Buddy) FreePage(phys hostarch.PhysAddr) {
	b.FreePages(phys, 0)
}

// FreePages implements Allocator.FreePages.
func (b *Buddy) FreePages(phys hostarch.PhysAddr, order int) {
	if s := b.db.State(phys); s != page.Used && s != page.LargeHead {
		panic(fmt.Sprintf("FreePages(%v, %d): frame is %v", phys, order, s))
	}
	if got := b.db.Order(phys); got != order {
		panic(fmt.Sprintf("FreePages(%v, %d): block has order %d", phys, order, got))
	}
	b.free(phys, order)
}

// FreeCount returns the number of free pages.
func (b *Buddy) FreeCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.freePages
}

// TotalPages returns the number of pages managed by b.
func (b *Buddy) TotalPages() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalPages
}
