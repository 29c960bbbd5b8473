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

package pte

import (
	"fmt"

	"kmm.dev/kmm/pkg/hostarch"
)

// RISC-V Sv39/Sv48 entry bits.
const (
	rvValid    = 1 << 0
	rvRead     = 1 << 1
	rvWrite    = 1 << 2
	rvExecute  = 1 << 3
	rvUser     = 1 << 4
	rvGlobal   = 1 << 5
	rvAccessed = 1 << 6
	rvDirty    = 1 << 7

	rvPPNShift = 10
	rvPPNMask  = (1 << 44) - 1

	// Svpbmt page-based memory types.
	rvPBMTShift = 61
	rvPBMTMask  = 3 << rvPBMTShift
	rvPBMTPMA   = 0
	rvPBMTNC    = 1
	rvPBMTIO    = 2

	rvLeafMask = rvRead | rvWrite | rvExecute
)

// riscvCodec is the RISC-V Sv39 or Sv48 format. Any level may be a leaf in
// hardware; large leaves are restricted to the levels in the mask.
type riscvCodec struct {
	geometry
}

var (
	// RISCV64Sv39 is RISC-V with 3-level (39-bit) translation.
	RISCV64Sv39 Codec = &riscvCodec{geometry{
		name:   "riscv64-sv39",
		levels: 3,
		vaBits: 39,
		large:  MaskOf(2, 3),
	}}

	// RISCV64Sv48 is RISC-V with 4-level (48-bit) translation.
	RISCV64Sv48 Codec = &riscvCodec{geometry{
		name:   "riscv64-sv48",
		levels: 4,
		vaBits: 48,
		large:  MaskOf(2, 3, 4),
	}}
)

func init() {
	register(RISCV64Sv39)
	register(RISCV64Sv48)
}

// IsPresent implements Codec.IsPresent.
func (c *riscvCodec) IsPresent(raw uint64, l Level) bool {
	return raw&rvValid != 0
}

// IsLarge implements Codec.IsLarge.
func (c *riscvCodec) IsLarge(raw uint64, l Level) bool {
	return l > 1 && raw&rvValid != 0 && raw&rvLeafMask != 0
}

// ToPhys implements Codec.ToPhys.
func (c *riscvCodec) ToPhys(raw uint64, l Level) hostarch.PhysAddr {
	return hostarch.PhysAddr(((raw >> rvPPNShift) & rvPPNMask) << hostarch.PageShift)
}

// Decode implements Codec.Decode.
func (c *riscvCodec) Decode(raw uint64, l Level) Entry {
	if !c.IsPresent(raw, l) {
		return Entry{}
	}
	if l > 1 && raw&rvLeafMask == 0 {
		return Entry{Kind: Table, Phys: c.ToPhys(raw, l)}
	}
	e := Entry{
		Kind:  Leaf,
		Phys:  c.ToPhys(raw, l),
		Large: l > 1,
		Flags: Flags{
			AccessType: hostarch.AccessType{
				Read:    raw&rvRead != 0,
				Write:   raw&rvWrite != 0,
				Execute: raw&rvExecute != 0,
			},
			User:   raw&rvUser != 0,
			Global: raw&rvGlobal != 0,
		},
	}
	switch (raw & rvPBMTMask) >> rvPBMTShift {
	case rvPBMTPMA:
		e.Cache = hostarch.MemoryTypeWriteBack
	case rvPBMTNC:
		e.Cache = hostarch.MemoryTypeWriteCombine
	default:
		e.Cache = hostarch.MemoryTypeUncached
	}
	return e
}

func (c *riscvCodec) ppn(phys hostarch.PhysAddr) uint64 {
	return (uint64(phys) >> hostarch.PageShift) << rvPPNShift
}

// EncodeTable implements Codec.EncodeTable.
func (c *riscvCodec) EncodeTable(phys hostarch.PhysAddr) uint64 {
	checkTable(c, phys)
	return c.ppn(phys) | rvValid
}

// EncodeLeaf implements Codec.EncodeLeaf.
//
// A leaf needs at least one of R, W and X, and W requires R, so writable and
// inaccessible leaves are made readable. A and D are preset so hardware
// without Svadu never faults on first access.
func (c *riscvCodec) EncodeLeaf(phys hostarch.PhysAddr, l Level, f Flags, mt hostarch.MemoryType) uint64 {
	checkLeaf(c, phys, l)
	raw := c.ppn(phys) | rvValid | rvAccessed | rvDirty
	if f.Read || f.Write || !f.Execute {
		raw |= rvRead
	}
	if f.Write {
		raw |= rvWrite
	}
	if f.Execute {
		raw |= rvExecute
	}
	if f.User {
		raw |= rvUser
	}
	if f.Global {
		raw |= rvGlobal
	}
	switch mt {
	case hostarch.MemoryTypeWriteBack:
	case hostarch.MemoryTypeWriteCombine:
		raw |= rvPBMTNC << rvPBMTShift
	case hostarch.MemoryTypeUncached:
		raw |= rvPBMTIO << rvPBMTShift
	default:
		panic(fmt.Sprintf("invalid memory type %v", mt))
	}
	return raw
}
