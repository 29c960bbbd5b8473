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

// Package mm provides the memory manager built on the page-table engine: the
// kernel context created at boot, pagemaps with their VMA trees, MMIO
// mappings and per-CPU pagemap switching.
//
// Lock order:
//
//	Kernel.mmioMu
//	  Pagemap.addrspaceMu
//	    Pagemap.cpusMu
package mm

import (
	"errors"
	"fmt"

	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/pte"
)

// PhysBase is the physical address of the simulated RAM.
const PhysBase = hostarch.PhysAddr(0x40000000)

// userBase is the lowest address handed out in user pagemaps.
const userBase = hostarch.Addr(0x10000)

var (
	// ErrNoSpace is returned when no virtual range of the requested size
	// is free.
	ErrNoSpace = errors.New("no free virtual range")

	// ErrOverlap is returned for a fixed mapping over an existing one.
	ErrOverlap = errors.New("range overlaps an existing mapping")

	// ErrNotMapped is returned for an address with no mapping.
	ErrNotMapped = errors.New("address not mapped")

	// ErrInvalid is returned for malformed requests.
	ErrInvalid = errors.New("invalid argument")
)

// Options configure Boot.
type Options struct {
	// Codec is the page-table format.
	Codec pte.Codec

	// MemorySize is the size of RAM in bytes.
	MemorySize uint64

	// CPUs is the number of CPUs.
	CPUs int

	// KernelLargePages and UserLargePages allow large pages in the kernel
	// and user pagemaps.
	KernelLargePages bool
	UserLargePages   bool

	// MMIOSize is the size of the MMIO virtual window.
	MMIOSize uint64

	// TLB receives root loads and invalidations. If nil, a CountingTLB is
	// used.
	TLB TLB
}

// Layout is the virtual memory layout for one codec.
type Layout struct {
	// DirectMap maps all of RAM at the bottom of the kernel half.
	DirectMap hostarch.AddrRange

	// KernelWindow holds the kernel pagemap's VMAs.
	KernelWindow hostarch.AddrRange

	// MMIOWindow holds device mappings.
	MMIOWindow hostarch.AddrRange

	// UserWindow holds the VMAs of user pagemaps.
	UserWindow hostarch.AddrRange
}

// newLayout places the direct map at the bottom of the kernel half, then the
// kernel window at a quarter of the half and the MMIO window at half of it.
func newLayout(c pte.Codec, memSize, mmioSize uint64) (Layout, error) {
	var (
		base hostarch.Addr
		span uint64
	)
	if c.SplitRoot() {
		span = uint64(1) << c.VABits()
		base = c.Extend(0, true)
	} else {
		span = uint64(1) << (c.VABits() - 1)
		base = c.Extend(span, true)
	}
	if memSize > span/4 || mmioSize > span/4 {
		return Layout{}, fmt.Errorf("%#x bytes of memory and %#x of MMIO do not fit a %s kernel half: %w", memSize, mmioSize, c.Name(), ErrInvalid)
	}
	return Layout{
		DirectMap:    hostarch.AddrRange{Start: base, End: base + hostarch.Addr(memSize)},
		KernelWindow: hostarch.AddrRange{Start: base + hostarch.Addr(span/4), End: base + hostarch.Addr(span/2)},
		MMIOWindow:   hostarch.AddrRange{Start: base + hostarch.Addr(span/2), End: base + hostarch.Addr(span/2+mmioSize)},
		UserWindow:   hostarch.AddrRange{Start: userBase, End: hostarch.Addr(span)},
	}, nil
}

// largeMask returns the levels at which large pages may be used.
func largeMask(c pte.Codec, enabled bool) pte.LevelMask {
	if !enabled {
		return 0
	}
	return c.LargeLevels()
}

// alignFor returns the alignment that lets a mapping of size bytes at phys
// use the largest page in mask. phys is ignored for anonymous mappings.
func alignFor(c pte.Codec, mask pte.LevelMask, phys hostarch.PhysAddr, anon bool, size uint64) uint64 {
	align := uint64(hostarch.PageSize)
	for l := pte.Level(2); l <= c.Levels(); l++ {
		if !mask.Has(l) {
			continue
		}
		s := c.LevelSize(l)
		if size < s || (!anon && !phys.IsAligned(s)) {
			break
		}
		align = s
	}
	return align
}
