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

// Package pgalloc provides the physical page allocators used by the memory
// manager: a bump allocator for early boot and a buddy allocator afterwards.
//
// Both allocators keep the page database's state tags current, and every
// block returned by an Alloc method is zeroed.
package pgalloc

import (
	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/metric"
)

// MaxOrder is the largest supported allocation order (1G with 4K pages).
const MaxOrder = 18

// Allocator allocates physical pages.
//
// Implementations must not sleep: they may be called with page-table locks
// held.
type Allocator interface {
	// AllocTable returns a zeroed page for use as a page table.
	AllocTable() (hostarch.PhysAddr, bool)

	// AllocPage returns a zeroed data page.
	AllocPage() (hostarch.PhysAddr, bool)

	// AllocPages returns a zeroed, naturally aligned block of 1<<order
	// data pages.
	AllocPages(order int) (hostarch.PhysAddr, bool)

	// FreeTable returns a table page. It must hold no present entries.
	FreeTable(phys hostarch.PhysAddr)

	// FreePage returns a data page from AllocPage.
	FreePage(phys hostarch.PhysAddr)

	// FreePages returns a block from AllocPages. The block is zeroed before
	// it can be handed out again.
	FreePages(phys hostarch.PhysAddr, order int)
}

var (
	pagesZeroed = metric.MustCreateNewUint64Metric("/kmm/pages_zeroed", "Number of freed pages scrubbed before reuse.")
	allocFailed = metric.MustCreateNewUint64Metric("/kmm/alloc_failures", "Number of physical allocations that could not be satisfied.")
)

// OrderForSize returns the order of a block of size bytes, which must be a
// power-of-two multiple of the page size.
func OrderForSize(size uint64) int {
	order := 0
	for uint64(hostarch.PageSize)<<order < size {
		order++
	}
	return order
}
