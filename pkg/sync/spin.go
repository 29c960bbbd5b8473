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

package sync

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a mutual exclusion lock that busy-waits instead of parking the
// calling goroutine.
//
// It is used where the holder must not sleep: page-table construction may run
// with interrupts disabled, so allocators invoked from it spin. Critical
// sections must be short.
//
// The zero value is an unlocked SpinLock.
type SpinLock struct {
	_     NoCopy
	state uint32
}

// spinsBeforeYield bounds busy-waiting before the goroutine yields its P.
const spinsBeforeYield = 64

// Lock locks l.
func (l *SpinLock) Lock() {
	for spins := 0; !atomic.CompareAndSwapUint32(&l.state, 0, 1); spins++ {
		if spins >= spinsBeforeYield {
			runtime.Gosched()
			spins = 0
		}
	}
}

// TryLock attempts to lock l without spinning.
func (l *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Unlock unlocks l.
//
// Preconditions: l is locked.
func (l *SpinLock) Unlock() {
	if atomic.SwapUint32(&l.state, 0) != 1 {
		panic("sync: unlock of unlocked SpinLock")
	}
}
