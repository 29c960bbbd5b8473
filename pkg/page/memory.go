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

// Package page holds the simulated physical memory and the per-frame
// metadata used to refcount page-table pages and mapped data pages.
//
// Physical memory is a host anonymous mapping. Physical addresses are plain
// integers; the only ways to reach the bytes behind one are Memory.Table and
// Memory.Bytes, and the only way back is Memory.PhysFor. All three are
// bounds and alignment checked.
package page

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/pte"
)

// Table is the in-memory view of one page-table page.
type Table [pte.EntriesPerTable]uint64

// Slot returns the address of entry i, for use with pte.Read and pte.Write.
func (t *Table) Slot(i int) *uint64 {
	return &t[i]
}

// Memory is a contiguous range of simulated physical memory.
type Memory struct {
	base hostarch.PhysAddr
	data []byte
}

// NewMemory maps size bytes of zeroed memory standing in for the physical
// range [base, base+size). Both must be page aligned.
func NewMemory(base hostarch.PhysAddr, size uint64) (*Memory, error) {
	if !base.IsPageAligned() || size == 0 || size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("invalid physical memory range %v+%#x", base, size)
	}
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes of physical memory: %w", size, err)
	}
	return &Memory{base: base, data: data}, nil
}

// Close releases the host mapping. No table or byte slice obtained from m may
// be used afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Base returns the first physical address.
func (m *Memory) Base() hostarch.PhysAddr {
	return m.base
}

// Size returns the size in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// End returns the first physical address past the end.
func (m *Memory) End() hostarch.PhysAddr {
	return m.base + hostarch.PhysAddr(len(m.data))
}

// Contains returns true if [phys, phys+length) is inside m.
func (m *Memory) Contains(phys hostarch.PhysAddr, length uint64) bool {
	return phys >= m.base && length <= m.Size() && uint64(phys-m.base) <= m.Size()-length
}

// Bytes returns the bytes backing [phys, phys+length).
func (m *Memory) Bytes(phys hostarch.PhysAddr, length uint64) []byte {
	if !m.Contains(phys, length) {
		panic(fmt.Sprintf("physical range %v+%#x outside memory [%v, %v)", phys, length, m.base, m.End()))
	}
	off := uint64(phys - m.base)
	return m.data[off : off+length : off+length]
}

// Zero clears [phys, phys+length).
func (m *Memory) Zero(phys hostarch.PhysAddr, length uint64) {
	clear(m.Bytes(phys, length))
}

// Table returns the table page at phys.
func (m *Memory) Table(phys hostarch.PhysAddr) *Table {
	if !phys.IsPageAligned() {
		panic(fmt.Sprintf("table address %v is not page aligned", phys))
	}
	return (*Table)(unsafe.Pointer(&m.Bytes(phys, hostarch.PageSize)[0]))
}

// PhysFor returns the physical address of a table obtained from m.Table.
func (m *Memory) PhysFor(t *Table) hostarch.PhysAddr {
	start := uintptr(unsafe.Pointer(unsafe.SliceData(m.data)))
	p := uintptr(unsafe.Pointer(t))
	if p < start || p-start >= uintptr(len(m.data)) {
		panic(fmt.Sprintf("table %p is not in physical memory", t))
	}
	off := p - start
	if off%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("table %p is not page aligned", t))
	}
	return m.base + hostarch.PhysAddr(off)
}
