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
	"kmm.dev/kmm/pkg/atomicbitops"
	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/metric"
)

var tlbFlushes = metric.MustCreateNewUint64Metric("/kmm/tlb_flushes", "Number of per-CPU TLB invalidations issued.")

// TLB is the architecture hook for translation caches. Calls for a CPU other
// than the caller's are shootdowns; how they are delivered is up to the
// implementation.
type TLB interface {
	// LoadRoot installs the roots of a pagemap on cpu. upper is zero for
	// architectures with a single root.
	LoadRoot(cpu int, lower, upper hostarch.PhysAddr)

	// Invalidate drops translations for r on cpu.
	Invalidate(cpu int, r hostarch.AddrRange)

	// InvalidateAll drops every non-global translation on cpu.
	InvalidateAll(cpu int)
}

// CountingTLB is a TLB with no hardware behind it. It counts calls.
type CountingTLB struct {
	loads      atomicbitops.Uint64
	ranges     atomicbitops.Uint64
	everything atomicbitops.Uint64
}

// LoadRoot implements TLB.LoadRoot.
func (t *CountingTLB) LoadRoot(int, hostarch.PhysAddr, hostarch.PhysAddr) {
	t.loads.Add(1)
}

// Invalidate implements TLB.Invalidate.
func (t *CountingTLB) Invalidate(int, hostarch.AddrRange) {
	t.ranges.Add(1)
}

// InvalidateAll implements TLB.InvalidateAll.
func (t *CountingTLB) InvalidateAll(int) {
	t.everything.Add(1)
}

// Counts returns the number of root loads, range invalidations and full
// invalidations.
func (t *CountingTLB) Counts() (loads, ranges, all uint64) {
	return t.loads.Load(), t.ranges.Load(), t.everything.Load()
}

// CPU is one simulated processor.
type CPU struct {
	k  *Kernel
	id int

	// active is the pagemap this CPU runs on. It is only accessed by the
	// goroutine acting as this CPU.
	active *Pagemap
}

// ID returns the CPU number.
func (c *CPU) ID() int {
	return c.id
}

// Active returns the pagemap the CPU runs on.
func (c *CPU) Active() *Pagemap {
	return c.active
}

// Switch makes the CPU run on pm. The CPU holds a reference on its active
// pagemap.
func (c *CPU) Switch(pm *Pagemap) {
	old := c.active
	if old == pm {
		return
	}
	pm.IncRef()
	pm.addCPU(c.id)
	c.active = pm
	c.k.tlb.LoadRoot(c.id, pm.tree.Lower, pm.tree.Upper)
	if old != nil {
		old.removeCPU(c.id)
		old.DecRef()
	}
}
