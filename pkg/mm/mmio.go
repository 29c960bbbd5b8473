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

	"kmm.dev/kmm/pkg/hostarch"
	"kmm.dev/kmm/pkg/pgmap"
)

// MapMMIO maps size bytes of device memory at phys into the MMIO window of
// the kernel pagemap and returns the virtual address.
func (k *Kernel) MapMMIO(phys hostarch.PhysAddr, size uint64, cache hostarch.MemoryType) (hostarch.Addr, error) {
	if size == 0 || size%hostarch.PageSize != 0 || !phys.IsPageAligned() {
		return 0, fmt.Errorf("MMIO %v+%#x: %w", phys, size, ErrInvalid)
	}
	if err := pgmap.CheckFrames(k.db, phys, size); err != nil {
		return 0, fmt.Errorf("MMIO %v+%#x: %v: %w", phys, size, err, ErrInvalid)
	}
	pm := k.kernel
	v := &VMA{
		Size:  size,
		Perms: hostarch.ReadWrite,
		Cache: cache,
		Kind:  VMAMMIO,
		Phys:  phys,
	}

	k.mmioMu.Lock()
	defer k.mmioMu.Unlock()
	if err := k.mmio.insert(v, alignFor(k.codec, pm.large, phys, false, size)); err != nil {
		return 0, err
	}
	pm.addrspaceMu.Lock()
	err := pm.mapVMALocked(v)
	pm.addrspaceMu.Unlock()
	if err != nil {
		k.mmio.remove(v)
		return 0, err
	}
	return v.Start, nil
}

// UnmapMMIO removes the MMIO mapping at addr. MMIO mappings are only
// removed whole, so large pages are never split.
func (k *Kernel) UnmapMMIO(addr hostarch.Addr) error {
	k.mmioMu.Lock()
	defer k.mmioMu.Unlock()
	v := k.mmio.find(addr)
	if v == nil || v.Start != addr {
		return fmt.Errorf("unmapping MMIO at %v: %w", addr, ErrNotMapped)
	}

	if err := k.unmapMMIOLocked(v); err != nil {
		return fmt.Errorf("unmapping MMIO %v: %w", v, err)
	}
	k.mmio.remove(v)
	return nil
}

// Preconditions: k.mmioMu is locked.
func (k *Kernel) unmapMMIOLocked(v *VMA) error {
	pm := k.kernel
	op := pm.newOp()
	defer op.Finish()
	pm.addrspaceMu.Lock()
	defer pm.addrspaceMu.Unlock()
	return pgmap.UnmapAt(pm.target(), op, v.Start, v.Size, pgmap.UnmapOpts{DontSplitLargePages: true})
}

// MMIOMappings returns a copy of the MMIO VMAs in address order.
func (k *Kernel) MMIOMappings() []VMA {
	k.mmioMu.Lock()
	defer k.mmioMu.Unlock()
	var vmas []VMA
	for _, v := range k.mmio.all() {
		vmas = append(vmas, *v)
	}
	return vmas
}
