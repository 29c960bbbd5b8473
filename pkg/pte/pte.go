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

// Package pte encodes and decodes hardware page-table entries.
//
// Each supported MMU format is a Codec. Codecs are pure: they translate
// between raw 64-bit entries and the architecture-neutral Entry, and describe
// the geometry of the tree (level count, index decomposition, and which levels
// may hold large pages). Levels are numbered from 1 (the leaf level) up to
// Codec.Levels() (the root).
package pte

import (
	"fmt"
	"sort"
	"sync/atomic"

	"kmm.dev/kmm/pkg/hostarch"
)

// Level is a page-table level. Level 1 holds base-page leaves.
type Level int

// MaxLevels is the deepest tree supported by any codec.
const MaxLevels = 5

const (
	// EntryShift is the binary log of EntriesPerTable.
	EntryShift = 9

	// EntriesPerTable is the number of slots in every table page.
	EntriesPerTable = 1 << EntryShift

	entryMask = EntriesPerTable - 1
)

// LevelMask is a set of levels; bit l is set iff level l is a member.
type LevelMask uint32

// MaskOf returns the mask containing exactly the given levels.
func MaskOf(levels ...Level) LevelMask {
	var m LevelMask
	for _, l := range levels {
		m |= 1 << uint(l)
	}
	return m
}

// Has returns true if l is in the mask.
func (m LevelMask) Has(l Level) bool {
	return m&(1<<uint(l)) != 0
}

// Kind discriminates decoded entries.
type Kind int

const (
	// Absent is an empty slot. Its raw form is always zero.
	Absent Kind = iota

	// Table points at a lower-level table page.
	Table

	// Leaf maps a physical frame, either a base page at level 1 or a large
	// page above it.
	Leaf
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Absent:
		return "absent"
	case Table:
		return "table"
	case Leaf:
		return "leaf"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Flags are the permission bits of a leaf entry.
type Flags struct {
	hostarch.AccessType

	// User allows unprivileged access.
	User bool

	// Global marks the translation as shared by every address space.
	Global bool
}

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	s := f.AccessType.String()
	if f.User {
		s += "u"
	} else {
		s += "-"
	}
	if f.Global {
		s += "g"
	} else {
		s += "-"
	}
	return s
}

// Entry is a decoded page-table entry.
type Entry struct {
	Kind Kind

	// Phys is the physical address of the next table (Table) or of the
	// mapped frame (Leaf).
	Phys hostarch.PhysAddr

	// Flags and Cache are only meaningful for leaves.
	Flags Flags
	Cache hostarch.MemoryType

	// Large is set for leaves above level 1.
	Large bool
}

// Present returns true if the entry is not absent.
func (e Entry) Present() bool {
	return e.Kind != Absent
}

// Codec describes one MMU page-table format.
type Codec interface {
	// Name is the architecture name accepted by Lookup.
	Name() string

	// Levels returns the root level.
	Levels() Level

	// SplitRoot returns true if the lower and upper halves of the address
	// space have independent root tables.
	SplitRoot() bool

	// VABits is the number of significant virtual address bits of one half
	// (split root) or of the whole canonical space (single root).
	VABits() uint

	// LevelShift returns the binary log of the span of one entry at l.
	LevelShift(l Level) uint

	// LevelSize returns the span of one entry at l.
	LevelSize(l Level) uint64

	// Index returns the slot of addr at level l.
	Index(addr hostarch.Addr, l Level) int

	// LargeLevels returns the levels that may hold large leaves.
	LargeLevels() LevelMask

	// CanHaveLarge returns true if a leaf at level l is legal. Level 1 is
	// always a leaf level and is not reported here.
	CanHaveLarge(l Level) bool

	// Canonical returns true if addr is a valid virtual address.
	Canonical(addr hostarch.Addr) bool

	// Upper returns true if addr is in the upper half of the address space.
	Upper(addr hostarch.Addr) bool

	// Extend converts the offset of a slot within a root's span to a
	// canonical virtual address.
	Extend(offset uint64, upper bool) hostarch.Addr

	// IsPresent returns true if raw is not absent.
	IsPresent(raw uint64, l Level) bool

	// IsLarge returns true if raw is a leaf above level 1.
	IsLarge(raw uint64, l Level) bool

	// ToPhys returns the address raw points at.
	ToPhys(raw uint64, l Level) hostarch.PhysAddr

	// Decode decodes raw found at level l.
	Decode(raw uint64, l Level) Entry

	// EncodeTable returns an entry pointing at the table page at phys.
	EncodeTable(phys hostarch.PhysAddr) uint64

	// EncodeLeaf returns a leaf entry for level l.
	EncodeLeaf(phys hostarch.PhysAddr, l Level, f Flags, mt hostarch.MemoryType) uint64
}

// Read atomically loads a slot.
func Read(slot *uint64) uint64 {
	return atomic.LoadUint64(slot)
}

// Write atomically stores a slot.
func Write(slot *uint64, raw uint64) {
	atomic.StoreUint64(slot, raw)
}

// geometry implements the index arithmetic common to every codec: 4K base
// pages and 512-entry tables.
type geometry struct {
	name   string
	levels Level
	split  bool
	vaBits uint
	large  LevelMask
}

// Name implements Codec.Name.
func (g *geometry) Name() string { return g.name }

// Levels implements Codec.Levels.
func (g *geometry) Levels() Level { return g.levels }

// SplitRoot implements Codec.SplitRoot.
func (g *geometry) SplitRoot() bool { return g.split }

// VABits implements Codec.VABits.
func (g *geometry) VABits() uint { return g.vaBits }

// LargeLevels implements Codec.LargeLevels.
func (g *geometry) LargeLevels() LevelMask { return g.large }

// LevelShift implements Codec.LevelShift.
func (g *geometry) LevelShift(l Level) uint {
	if l < 1 || l > g.levels {
		panic(fmt.Sprintf("%s: level %d out of range [1, %d]", g.name, l, g.levels))
	}
	return hostarch.PageShift + EntryShift*uint(l-1)
}

// LevelSize implements Codec.LevelSize.
func (g *geometry) LevelSize(l Level) uint64 {
	return 1 << g.LevelShift(l)
}

// Index implements Codec.Index.
func (g *geometry) Index(addr hostarch.Addr, l Level) int {
	return int((uint64(addr) >> g.LevelShift(l)) & entryMask)
}

// CanHaveLarge implements Codec.CanHaveLarge.
func (g *geometry) CanHaveLarge(l Level) bool {
	return l > 1 && g.large.Has(l)
}

// span is the number of bits addressed by one root.
func (g *geometry) span() uint {
	return hostarch.PageShift + EntryShift*uint(g.levels)
}

func (g *geometry) spanMask() uint64 {
	return uint64(1)<<g.span() - 1
}

// Upper implements Codec.Upper.
func (g *geometry) Upper(addr hostarch.Addr) bool {
	return int64(addr) < 0
}

// Canonical implements Codec.Canonical.
func (g *geometry) Canonical(addr hostarch.Addr) bool {
	return g.Extend(uint64(addr)&g.spanMask(), g.Upper(addr)) == addr
}

// Extend implements Codec.Extend.
func (g *geometry) Extend(offset uint64, upper bool) hostarch.Addr {
	if g.split {
		// Each root spans a whole half; the upper root's addresses have
		// every bit above the span set.
		if upper {
			return hostarch.Addr(offset | ^g.spanMask())
		}
		return hostarch.Addr(offset)
	}
	// Sign-extend from the top bit of the span.
	shift := 64 - g.span()
	return hostarch.Addr(int64(offset<<shift) >> shift)
}

var codecs = map[string]Codec{}

func register(c Codec) {
	if _, ok := codecs[c.Name()]; ok {
		panic(fmt.Sprintf("duplicate codec %q", c.Name()))
	}
	codecs[c.Name()] = c
}

// Lookup returns the codec for an architecture name.
func Lookup(name string) (Codec, error) {
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unknown architecture %q, supported: %v", name, Names())
	}
	return c, nil
}

// Names returns the supported architecture names, sorted.
func Names() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkLeaf(c Codec, phys hostarch.PhysAddr, l Level) {
	if l != 1 && !c.CanHaveLarge(l) {
		panic(fmt.Sprintf("%s: leaf not allowed at level %d", c.Name(), l))
	}
	if !phys.IsAligned(c.LevelSize(l)) {
		panic(fmt.Sprintf("%s: leaf %v not aligned to level %d", c.Name(), phys, l))
	}
}

func checkTable(c Codec, phys hostarch.PhysAddr) {
	if !phys.IsPageAligned() {
		panic(fmt.Sprintf("%s: table %v not page aligned", c.Name(), phys))
	}
}
