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
	"testing"

	"github.com/google/go-cmp/cmp"
	"kmm.dev/kmm/pkg/hostarch"
)

var allCodecs = []Codec{AMD64, AMD64LA57, ARM64, RISCV64Sv39, RISCV64Sv48}

func TestLookup(t *testing.T) {
	for _, c := range allCodecs {
		got, err := Lookup(c.Name())
		if err != nil {
			t.Fatalf("Lookup(%q): %v", c.Name(), err)
		}
		if got != c {
			t.Errorf("Lookup(%q) returned %s", c.Name(), got.Name())
		}
	}
	if _, err := Lookup("mips"); err == nil {
		t.Errorf("Lookup(mips) succeeded")
	}
	if got, want := len(Names()), len(allCodecs); got != want {
		t.Errorf("len(Names()) = %d, want %d", got, want)
	}
}

func TestLargeLevels(t *testing.T) {
	for _, tc := range []struct {
		codec Codec
		want  []Level
	}{
		{AMD64, []Level{2, 3}},
		{AMD64LA57, []Level{2, 3}},
		{ARM64, []Level{2, 3}},
		{RISCV64Sv39, []Level{2, 3}},
		{RISCV64Sv48, []Level{2, 3, 4}},
	} {
		var got []Level
		for l := Level(1); l <= tc.codec.Levels(); l++ {
			if tc.codec.CanHaveLarge(l) {
				got = append(got, l)
			}
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("%s: large levels mismatch (-want +got):\n%s", tc.codec.Name(), diff)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	flagSets := []Flags{
		{AccessType: hostarch.Read},
		{AccessType: hostarch.ReadWrite},
		{AccessType: hostarch.ReadExecute, User: true},
		{AccessType: hostarch.AnyAccess, User: true},
		{AccessType: hostarch.ReadWrite, Global: true},
	}
	for _, c := range allCodecs {
		for l := Level(1); l <= c.Levels(); l++ {
			if l > 1 && !c.CanHaveLarge(l) {
				continue
			}
			phys := hostarch.PhysAddr(7 * c.LevelSize(l))
			for _, f := range flagSets {
				for mt := hostarch.MemoryType(0); mt < hostarch.NumMemoryTypes; mt++ {
					t.Run(fmt.Sprintf("%s/L%d/%s/%s", c.Name(), l, f, mt.ShortString()), func(t *testing.T) {
						raw := c.EncodeLeaf(phys, l, f, mt)
						if !c.IsPresent(raw, l) {
							t.Fatalf("IsPresent(%#x) = false", raw)
						}
						if got, want := c.IsLarge(raw, l), l > 1; got != want {
							t.Errorf("IsLarge(%#x) = %v, want %v", raw, got, want)
						}
						if got := c.ToPhys(raw, l); got != phys {
							t.Errorf("ToPhys(%#x) = %v, want %v", raw, got, phys)
						}
						want := Entry{Kind: Leaf, Phys: phys, Flags: f, Cache: mt, Large: l > 1}
						if diff := cmp.Diff(want, c.Decode(raw, l)); diff != "" {
							t.Errorf("Decode(%#x) mismatch (-want +got):\n%s", raw, diff)
						}
					})
				}
			}
		}
	}
}

func TestTableEntries(t *testing.T) {
	for _, c := range allCodecs {
		phys := hostarch.PhysAddr(0x1234000)
		for l := Level(2); l <= c.Levels(); l++ {
			raw := c.EncodeTable(phys)
			if c.IsLarge(raw, l) {
				t.Errorf("%s: table entry %#x at level %d reported large", c.Name(), raw, l)
			}
			if diff := cmp.Diff(Entry{Kind: Table, Phys: phys}, c.Decode(raw, l)); diff != "" {
				t.Errorf("%s: Decode table mismatch (-want +got):\n%s", c.Name(), diff)
			}
		}
		if c.IsPresent(0, 1) || c.Decode(0, 1).Present() {
			t.Errorf("%s: zero entry is present", c.Name())
		}
	}
}

func TestRestrictedFlags(t *testing.T) {
	// Permissions that a format cannot express are widened, never narrowed.
	for _, c := range allCodecs {
		for _, f := range []Flags{{AccessType: hostarch.Write}, {AccessType: hostarch.Execute}, {}} {
			got := c.Decode(c.EncodeLeaf(0, 1, f, hostarch.MemoryTypeWriteBack), 1).Flags
			if !got.SupersetOf(f.AccessType) {
				t.Errorf("%s: Decode(Encode(%s)) = %s, lost permissions", c.Name(), f, got)
			}
			if f.Write && !got.Read {
				t.Errorf("%s: writable leaf %s not readable", c.Name(), got)
			}
		}
	}
}

func TestIndexAndExtend(t *testing.T) {
	for _, tc := range []struct {
		codec  Codec
		addr   hostarch.Addr
		index  []int // from the root down
		upper  bool
		offset uint64
	}{
		{AMD64, 0x1000, []int{0, 0, 0, 1}, false, 0x1000},
		{AMD64, 0xffff800000000000, []int{256, 0, 0, 0}, true, 0x800000000000},
		{AMD64LA57, 0xff00000000201000, []int{256, 0, 0, 1, 1}, true, 0x100000000201000},
		{ARM64, 0xffff000000200000, []int{0, 0, 1, 0}, true, 0x200000},
		{RISCV64Sv39, 0xffffffc000000000, []int{256, 0, 0}, true, 0x4000000000},
		{RISCV64Sv48, 0x40201000, []int{0, 1, 1, 1}, false, 0x40201000},
	} {
		c := tc.codec
		var got []int
		for l := c.Levels(); l >= 1; l-- {
			got = append(got, c.Index(tc.addr, l))
		}
		if diff := cmp.Diff(tc.index, got); diff != "" {
			t.Errorf("%s: Index(%v) mismatch (-want +got):\n%s", c.Name(), tc.addr, diff)
		}
		if c.Upper(tc.addr) != tc.upper {
			t.Errorf("%s: Upper(%v) = %v", c.Name(), tc.addr, !tc.upper)
		}
		if !c.Canonical(tc.addr) {
			t.Errorf("%s: Canonical(%v) = false", c.Name(), tc.addr)
		}
		if got := c.Extend(tc.offset, tc.upper); got != tc.addr {
			t.Errorf("%s: Extend(%#x, %v) = %v, want %v", c.Name(), tc.offset, tc.upper, got, tc.addr)
		}
	}
	if AMD64.Canonical(0x0000800000000000) {
		t.Errorf("amd64: non-canonical address reported canonical")
	}
	if ARM64.Canonical(0x0001000000000000) {
		t.Errorf("arm64: address beyond the lower root reported canonical")
	}
}

func TestMisalignedLeafPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("EncodeLeaf with a misaligned large page did not panic")
		}
	}()
	AMD64.EncodeLeaf(0x1000, 2, Flags{AccessType: hostarch.Read}, hostarch.MemoryTypeWriteBack)
}
