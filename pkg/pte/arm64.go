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

// ARMv8-A VMSAv8-64 descriptor bits (4K granule).
const (
	armValid = 1 << 0
	// armTypeTable distinguishes table (and level-1 page) descriptors from
	// block descriptors.
	armTypeTable = 1 << 1

	armAttrIndxShift = 2
	armAttrIndxMask  = 7 << armAttrIndxShift

	armAPUser     = 1 << 6
	armAPReadOnly = 1 << 7

	armShInner   = 3 << 8
	armAccessed  = 1 << 10
	armNotGlobal = 1 << 11

	armPXN = 1 << 53
	armUXN = 1 << 54

	armAddrMask = 0x0000fffffffff000
)

// MAIR_EL1 attribute indices.
const (
	mairNormal       = 0
	mairNormalNC     = 1
	mairDeviceNGnRnE = 2
)

// arm64Codec is the AArch64 format with a 48-bit address space per half.
// TTBR0 and TTBR1 hold independent roots. Block descriptors are legal at
// levels 2 (2M) and 3 (1G).
type arm64Codec struct {
	geometry
}

// ARM64 is AArch64 with 4K pages and 4-level translation.
var ARM64 Codec = &arm64Codec{geometry{
	name:   "arm64",
	levels: 4,
	split:  true,
	vaBits: 48,
	large:  MaskOf(2, 3),
}}

func init() {
	register(ARM64)
}

// IsPresent implements Codec.IsPresent.
func (c *arm64Codec) IsPresent(raw uint64, l Level) bool {
	return raw&armValid != 0
}

// IsLarge implements Codec.IsLarge.
func (c *arm64Codec) IsLarge(raw uint64, l Level) bool {
	return l > 1 && raw&(armValid|armTypeTable) == armValid
}

// ToPhys implements Codec.ToPhys.
func (c *arm64Codec) ToPhys(raw uint64, l Level) hostarch.PhysAddr {
	return hostarch.PhysAddr(raw & armAddrMask)
}

// Decode implements Codec.Decode.
func (c *arm64Codec) Decode(raw uint64, l Level) Entry {
	if !c.IsPresent(raw, l) {
		return Entry{}
	}
	if l > 1 && raw&armTypeTable != 0 {
		return Entry{Kind: Table, Phys: c.ToPhys(raw, l)}
	}
	user := raw&armAPUser != 0
	xn := uint64(armPXN)
	if user {
		xn = armUXN
	}
	e := Entry{
		Kind:  Leaf,
		Phys:  c.ToPhys(raw, l),
		Large: l > 1,
		Flags: Flags{
			AccessType: hostarch.AccessType{
				Read:    true,
				Write:   raw&armAPReadOnly == 0,
				Execute: raw&xn == 0,
			},
			User:   user,
			Global: raw&armNotGlobal == 0,
		},
	}
	switch (raw & armAttrIndxMask) >> armAttrIndxShift {
	case mairNormal:
		e.Cache = hostarch.MemoryTypeWriteBack
	case mairNormalNC:
		e.Cache = hostarch.MemoryTypeWriteCombine
	default:
		e.Cache = hostarch.MemoryTypeUncached
	}
	return e
}

// EncodeTable implements Codec.EncodeTable.
func (c *arm64Codec) EncodeTable(phys hostarch.PhysAddr) uint64 {
	checkTable(c, phys)
	return uint64(phys) | armValid | armTypeTable
}

// EncodeLeaf implements Codec.EncodeLeaf.
//
// The kernel never executes user pages, so user leaves always set PXN and
// kernel leaves always set UXN.
func (c *arm64Codec) EncodeLeaf(phys hostarch.PhysAddr, l Level, f Flags, mt hostarch.MemoryType) uint64 {
	checkLeaf(c, phys, l)
	raw := uint64(phys) | armValid | armAccessed
	if l == 1 {
		raw |= armTypeTable
	}
	if !f.Write {
		raw |= armAPReadOnly
	}
	if f.User {
		raw |= armAPUser | armPXN
		if !f.Execute {
			raw |= armUXN
		}
	} else {
		raw |= armUXN
		if !f.Execute {
			raw |= armPXN
		}
	}
	if !f.Global {
		raw |= armNotGlobal
	}
	switch mt {
	case hostarch.MemoryTypeWriteBack:
		raw |= mairNormal<<armAttrIndxShift | armShInner
	case hostarch.MemoryTypeWriteCombine:
		raw |= mairNormalNC<<armAttrIndxShift | armShInner
	case hostarch.MemoryTypeUncached:
		raw |= mairDeviceNGnRnE << armAttrIndxShift
	default:
		panic(fmt.Sprintf("invalid memory type %v", mt))
	}
	return raw
}
