// Copyright 2025 The gVisor Authors.
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

// spinsBeforeYield is the number of failed acquisition attempts after which
// a waiter yields the processor.
const spinsBeforeYield = 64

// SpinLock is a mutual exclusion lock whose waiters busy-wait. It never
// parks the calling goroutine on a runtime semaphore, so it may be taken
// from the page-fault path.
//
// SpinLock is not reentrant: a holder that calls Lock again deadlocks.
//
// The zero value is an unlocked SpinLock.
type SpinLock struct {
	state atomic.Uint32
}

// Lock acquires l, spinning until it is available.
func (l *SpinLock) Lock() {
	for spins := 0; !l.state.CompareAndSwap(0, 1); spins++ {
		if spins%spinsBeforeYield == spinsBeforeYield-1 {
			runtime.Gosched()
		}
	}
}

// TryLock attempts to acquire l and reports whether it succeeded.
func (l *SpinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases l. Unlocking an unlocked SpinLock panics.
func (l *SpinLock) Unlock() {
	if l.state.Swap(0) != 1 {
		panic("unlock of unlocked SpinLock")
	}
}

// Locked reports whether l is currently held. It is only meaningful for
// assertions.
func (l *SpinLock) Locked() bool {
	return l.state.Load() == 1
}

var _ Locker = (*SpinLock)(nil)
