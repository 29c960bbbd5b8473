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

// x86-64 entry bits.
const (
	x86Present        = 1 << 0
	x86Writable       = 1 << 1
	x86User           = 1 << 2
	x86WriteThrough   = 1 << 3
	x86CacheDisable   = 1 << 4
	x86Accessed       = 1 << 5
	x86Dirty          = 1 << 6
	x86Super          = 1 << 7
	x86Global         = 1 << 8
	x86ExecuteDisable = 1 << 63

	x86AddrMask = 0x000ffffffffff000
)

// x86Codec is the x86-64 format with 4-level (48-bit) or 5-level (57-bit)
// paging. Large pages are 2M (level 2) and 1G (level 3).
//
// The PAT is assumed to be programmed as entry 0 WB, entry 1 WC, entry 3 UC,
// so the memory type is selected by PWT and PCD alone.
type x86Codec struct {
	geometry
}

var (
	// AMD64 is x86-64 with 4-level paging.
	AMD64 Codec = &x86Codec{geometry{
		name:   "amd64",
		levels: 4,
		vaBits: 48,
		large:  MaskOf(2, 3),
	}}

	// AMD64LA57 is x86-64 with 5-level paging.
	AMD64LA57 Codec = &x86Codec{geometry{
		name:   "amd64-la57",
		levels: 5,
		vaBits: 57,
		large:  MaskOf(2, 3),
	}}
)

func init() {
	register(AMD64)
	register(AMD64LA57)
}

// IsPresent implements Codec.IsPresent.
func (c *x86Codec) IsPresent(raw uint64, l Level) bool {
	return raw&x86Present != 0
}

// IsLarge implements Codec.IsLarge.
func (c *x86Codec) IsLarge(raw uint64, l Level) bool {
	return l > 1 && raw&(x86Present|x86Super) == x86Present|x86Super
}

// ToPhys implements Codec.ToPhys.
func (c *x86Codec) ToPhys(raw uint64, l Level) hostarch.PhysAddr {
	return hostarch.PhysAddr(raw & x86AddrMask)
}

// Decode implements Codec.Decode.
func (c *x86Codec) Decode(raw uint64, l Level) Entry {
	if !c.IsPresent(raw, l) {
		return Entry{}
	}
	if l > 1 && raw&x86Super == 0 {
		return Entry{Kind: Table, Phys: c.ToPhys(raw, l)}
	}
	e := Entry{
		Kind:  Leaf,
		Phys:  c.ToPhys(raw, l),
		Large: l > 1,
		Flags: Flags{
			AccessType: hostarch.AccessType{
				Read:    true,
				Write:   raw&x86Writable != 0,
				Execute: raw&x86ExecuteDisable == 0,
			},
			User:   raw&x86User != 0,
			Global: raw&x86Global != 0,
		},
	}
	switch raw & (x86WriteThrough | x86CacheDisable) {
	case 0:
		e.Cache = hostarch.MemoryTypeWriteBack
	case x86WriteThrough:
		e.Cache = hostarch.MemoryTypeWriteCombine
	default:
		e.Cache = hostarch.MemoryTypeUncached
	}
	return e
}

// EncodeTable implements Codec.EncodeTable.
//
// Intermediate entries are fully permissive; the leaf decides.
func (c *x86Codec) EncodeTable(phys hostarch.PhysAddr) uint64 {
	checkTable(c, phys)
	return uint64(phys) | x86Present | x86Writable | x86User | x86Accessed
}

// EncodeLeaf implements Codec.EncodeLeaf.
//
// x86 cannot express write-only or execute-only mappings; every present leaf
// is readable.
func (c *x86Codec) EncodeLeaf(phys hostarch.PhysAddr, l Level, f Flags, mt hostarch.MemoryType) uint64 {
	checkLeaf(c, phys, l)
	raw := uint64(phys) | x86Present | x86Accessed | x86Dirty
	if l > 1 {
		raw |= x86Super
	}
	if f.Write {
		raw |= x86Writable
	}
	if !f.Execute {
		raw |= x86ExecuteDisable
	}
	if f.User {
		raw |= x86User
	}
	if f.Global {
		raw |= x86Global
	}
	switch mt {
	case hostarch.MemoryTypeWriteBack:
	case hostarch.MemoryTypeWriteCombine:
		raw |= x86WriteThrough
	case hostarch.MemoryTypeUncached:
		raw |= x86WriteThrough | x86CacheDisable
	default:
		panic(fmt.Sprintf("invalid memory type %v", mt))
	}
	return raw
}
