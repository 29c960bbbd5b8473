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

package page

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"kmm.dev/kmm/pkg/hostarch"
)

const testBase = hostarch.PhysAddr(0x40000000)

func newTestMemory(t *testing.T, pages int) *Memory {
	t.Helper()
	m, err := NewMemory(testBase, uint64(pages)*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return m
}

func TestTableView(t *testing.T) {
	m := newTestMemory(t, 4)
	phys := testBase + 2*hostarch.PageSize
	tbl := m.Table(phys)
	if got := m.PhysFor(tbl); got != phys {
		t.Errorf("PhysFor(Table(%v)) = %v", phys, got)
	}
	tbl[3] = 0xdead
	b := m.Bytes(phys+3*8, 8)
	if b[0] != 0xad || b[1] != 0xde {
		t.Errorf("table write not visible through Bytes: % x", b)
	}
	m.Zero(phys, hostarch.PageSize)
	if tbl[3] != 0 {
		t.Errorf("Zero left %#x in slot 3", tbl[3])
	}
}

func TestBoundsChecks(t *testing.T) {
	m := newTestMemory(t, 2)
	for name, fn := range map[string]func(){
		"below":      func() { m.Table(testBase - hostarch.PageSize) },
		"above":      func() { m.Table(m.End()) },
		"misaligned": func() { m.Table(testBase + 8) },
		"foreign":    func() { m.PhysFor(new(Table)) },
		"straddle":   func() { m.Bytes(m.End()-8, 16) },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("no panic")
				}
			}()
			fn()
		})
	}
	if m.Contains(m.End(), 1) || !m.Contains(testBase, m.Size()) {
		t.Errorf("Contains reports wrong bounds")
	}
}

func TestRefcountedStates(t *testing.T) {
	db := NewDB(testBase, 16*hostarch.PageSize)
	table := testBase
	data := testBase + hostarch.PageSize
	large := testBase + 4*hostarch.PageSize

	db.SetTable(table)
	db.SetAllocated(data, 0)
	db.SetAllocated(large, 2)

	for _, tc := range []struct {
		phys  hostarch.PhysAddr
		state State
		want  bool
	}{
		{table, TableState, false},
		{data, Used, true},
		{large, LargeHead, true},
		{large + 3*hostarch.PageSize, LargeTail, true},
		{testBase + 10*hostarch.PageSize, Free, false},
	} {
		if got := db.State(tc.phys); got != tc.state {
			t.Errorf("State(%v) = %v, want %v", tc.phys, got, tc.state)
		}
		if got := db.Refcounted(tc.phys); got != tc.want {
			t.Errorf("Refcounted(%v) = %v, want %v", tc.phys, got, tc.want)
		}
	}
	if db.Refcounted(0x2000) {
		t.Errorf("frame outside the database reported refcounted")
	}

	// References to any frame of a block land on the head.
	tail := large + 2*hostarch.PageSize
	db.IncRef(tail)
	db.IncRefN(large, 2)
	if got := db.Refs(large); got != 3 {
		t.Errorf("Refs(head) = %d, want 3", got)
	}
	if db.DecRef(tail) || db.DecRef(large) {
		t.Errorf("DecRef reported zero early")
	}
	if !db.DecRef(large + hostarch.PageSize) {
		t.Errorf("last DecRef did not report zero")
	}
	db.SetFree(large, 2)
	if got := db.Head(tail); got != tail {
		t.Errorf("Head(%v) after free = %v", tail, got)
	}
}

func TestDecRefUnderflowPanics(t *testing.T) {
	db := NewDB(testBase, hostarch.PageSize)
	db.SetAllocated(testBase, 0)
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef of an unreferenced page did not panic")
		}
	}()
	db.DecRef(testBase)
}

func TestList(t *testing.T) {
	db := NewDB(testBase, 8*hostarch.PageSize)
	l := NewList(db)
	in := []hostarch.PhysAddr{testBase + 3*hostarch.PageSize, testBase, testBase + 7*hostarch.PageSize}
	for _, p := range in {
		l.PushBack(p)
	}
	if l.Len() != len(in) {
		t.Fatalf("Len() = %d, want %d", l.Len(), len(in))
	}
	var out []hostarch.PhysAddr
	for {
		p, ok := l.PopFront()
		if !ok {
			break
		}
		out = append(out, p)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("list order mismatch (-want +got):\n%s", diff)
	}
	if !l.Empty() {
		t.Errorf("list not empty after draining")
	}
	// A drained frame can be queued again.
	l.PushBack(in[0])
	l.PushBack(in[1])
	defer func() {
		if recover() == nil {
			t.Errorf("pushing a queued frame did not panic")
		}
	}()
	l.PushBack(in[0])
}
