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

package physmem

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"gvisor.dev/vmcore/pkg/errors/memerr"
)

// word returns a pointer to the naturally aligned word of the given size at
// pa.
func (m *Memory) word(pa, size uint64) (unsafe.Pointer, error) {
	if pa%size != 0 {
		return nil, fmt.Errorf("unaligned %d-byte access at %#x: %w", size, pa, memerr.EINVAL)
	}
	b, err := m.Slice(pa, size)
	if err != nil {
		return nil, err
	}
	return unsafe.Pointer(unsafe.SliceData(b)), nil
}

// Load32 atomically loads the 32-bit word at pa.
func (m *Memory) Load32(pa uint64) (uint32, error) {
	p, err := m.word(pa, 4)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32((*uint32)(p)), nil
}

// Store32 atomically stores the 32-bit word at pa.
func (m *Memory) Store32(pa uint64, v uint32) error {
	p, err := m.word(pa, 4)
	if err != nil {
		return err
	}
	atomic.StoreUint32((*uint32)(p), v)
	return nil
}

// Load64 atomically loads the 64-bit word at pa.
func (m *Memory) Load64(pa uint64) (uint64, error) {
	p, err := m.word(pa, 8)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64((*uint64)(p)), nil
}

// Store64 atomically stores the 64-bit word at pa.
func (m *Memory) Store64(pa uint64, v uint64) error {
	p, err := m.word(pa, 8)
	if err != nil {
		return err
	}
	atomic.StoreUint64((*uint64)(p), v)
	return nil
}
