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

package mm

import (
	"fmt"

	"github.com/google/btree"
	"kmm.dev/kmm/pkg/hostarch"
)

// VMAKind is the backing of a VMA.
type VMAKind int

const (
	// VMAAnonymous VMAs are backed by pages allocated when mapped.
	VMAAnonymous VMAKind = iota

	// VMAPhysical VMAs map a caller-supplied physical range.
	VMAPhysical

	// VMAMMIO VMAs map device memory in the MMIO window.
	VMAMMIO
)

// String implements fmt.Stringer.String.
func (k VMAKind) String() string {
	switch k {
	case VMAAnonymous:
		return "anon"
	case VMAPhysical:
		return "phys"
	case VMAMMIO:
		return "mmio"
	default:
		return fmt.Sprintf("VMAKind(%d)", int(k))
	}
}

// VMA is one committed virtual range.
type VMA struct {
	Start hostarch.Addr
	Size  uint64
	Perms hostarch.AccessType
	Cache hostarch.MemoryType
	Kind  VMAKind

	// Phys is the first physical address of VMAPhysical and VMAMMIO VMAs.
	Phys hostarch.PhysAddr
}

// Range returns the virtual range of v.
func (v *VMA) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: v.Start, End: v.Start + hostarch.Addr(v.Size)}
}

// String implements fmt.Stringer.String.
func (v *VMA) String() string {
	return fmt.Sprintf("%v %v %s %s", v.Range(), v.Perms, v.Cache.ShortString(), v.Kind)
}

func vmaLess(a, b *VMA) bool {
	return a.Start < b.Start
}

// vmaSet is an ordered set of non-overlapping VMAs inside a window.
type vmaSet struct {
	window hostarch.AddrRange
	tree   *btree.BTreeG[*VMA]
}

func newVMASet(window hostarch.AddrRange) vmaSet {
	return vmaSet{
		window: window,
		tree:   btree.NewG(8, vmaLess),
	}
}

// find returns the VMA containing addr, or nil.
func (s *vmaSet) find(addr hostarch.Addr) *VMA {
	var found *VMA
	s.tree.DescendLessOrEqual(&VMA{Start: addr}, func(v *VMA) bool {
		if v.Range().Contains(addr) {
			found = v
		}
		return false
	})
	return found
}

// overlaps returns true if r intersects any VMA.
func (s *vmaSet) overlaps(r hostarch.AddrRange) bool {
	overlap := false
	s.tree.DescendLessOrEqual(&VMA{Start: r.Start}, func(v *VMA) bool {
		overlap = v.Range().Overlaps(r)
		return false
	})
	if overlap {
		return true
	}
	s.tree.AscendGreaterOrEqual(&VMA{Start: r.Start}, func(v *VMA) bool {
		overlap = v.Start < r.End
		return false
	})
	return overlap
}

// insertFixed adds v at v.Start.
func (s *vmaSet) insertFixed(v *VMA) error {
	r := v.Range()
	if !r.WellFormed() || r.Length() == 0 || !s.window.IsSupersetOf(r) {
		return fmt.Errorf("%v outside %v: %w", r, s.window, ErrInvalid)
	}
	if s.overlaps(r) {
		return fmt.Errorf("%v: %w", r, ErrOverlap)
	}
	s.tree.ReplaceOrInsert(v)
	return nil
}

// insert places v in the lowest free range of v.Size bytes aligned to align.
func (s *vmaSet) insert(v *VMA, align uint64) error {
	cur := alignUp(s.window.Start, align)
	found := false
	s.tree.Ascend(func(o *VMA) bool {
		if o.Start >= cur && uint64(o.Start-cur) >= v.Size {
			found = true
			return false
		}
		if end := o.Range().End; end > cur {
			cur = alignUp(end, align)
		}
		return true
	})
	if !found && (cur >= s.window.End || uint64(s.window.End-cur) < v.Size) {
		return fmt.Errorf("%#x bytes aligned to %#x in %v: %w", v.Size, align, s.window, ErrNoSpace)
	}
	v.Start = cur
	s.tree.ReplaceOrInsert(v)
	return nil
}

func (s *vmaSet) remove(v *VMA) {
	if _, ok := s.tree.Delete(v); !ok {
		panic(fmt.Sprintf("removing unknown VMA %v", v))
	}
}

// all returns the VMAs in address order.
func (s *vmaSet) all() []*VMA {
	vmas := make([]*VMA, 0, s.tree.Len())
	s.tree.Ascend(func(v *VMA) bool {
		vmas = append(vmas, v)
		return true
	})
	return vmas
}

func alignUp(a hostarch.Addr, align uint64) hostarch.Addr {
	return (a + hostarch.Addr(align-1)).AlignDown(align)
}
