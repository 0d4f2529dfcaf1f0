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

package pagetables

import (
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/physmem"
	"gvisor.dev/vmcore/pkg/pmm"
)

// RuntimeAllocator allocates table frames from the frame allocator and
// zeroes them through physical memory.
type RuntimeAllocator struct {
	frames *pmm.Allocator
	mem    *physmem.Memory
}

var _ Allocator = (*RuntimeAllocator)(nil)

// NewRuntimeAllocator returns an allocator backed by frames.
func NewRuntimeAllocator(frames *pmm.Allocator, mem *physmem.Memory) *RuntimeAllocator {
	return &RuntimeAllocator{frames: frames, mem: mem}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *RuntimeAllocator) NewPTEs() (uint64, error) {
	f, err := a.frames.Allocate()
	if err != nil {
		return 0, err
	}
	if err := a.mem.Zero(f.Address(), hostarch.PageSize); err != nil {
		a.FreePTEs(f.Address())
		return 0, err
	}
	return f.Address(), nil
}

// FreePTEs implements Allocator.FreePTEs.
func (a *RuntimeAllocator) FreePTEs(pa uint64) {
	if err := a.frames.Free(pmm.FrameFromAddress(pa), 1); err != nil {
		log.Warningf("Freeing page table frame %#x: %v", pa, err)
	}
}
