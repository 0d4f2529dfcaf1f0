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

package mm

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/pagetables"
	"gvisor.dev/vmcore/pkg/vma"
)

// MMIOOpts are the options of a physical mapping.
type MMIOOpts struct {
	// Perms defaults to read-write.
	Perms hostarch.AccessType

	// MemoryType defaults to uncached.
	MemoryType hostarch.MemoryType

	// Cached selects write-back caching, overriding MemoryType.
	Cached bool

	Name string
}

// MapPhysicalRegion maps the physical range [pa, pa+size) into kernel space
// and returns the virtual address of pa. The frames are not owned by the
// mapping and are never returned to the frame allocator.
func (m *MemoryManager) MapPhysicalRegion(pa, size uint64, opts MMIOOpts) (hostarch.Addr, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-length physical mapping: %w", memerr.EINVAL)
	}
	base := hostarch.Addr(pa).RoundDown()
	end, ok := hostarch.Addr(pa).AddLength(size)
	if !ok {
		return 0, fmt.Errorf("physical range %#x+%#x overflows: %w", pa, size, memerr.EINVAL)
	}
	if end, ok = end.RoundUp(); !ok {
		return 0, fmt.Errorf("physical range %#x+%#x overflows: %w", pa, size, memerr.EINVAL)
	}
	for p := base; p < end; p += hostarch.PageSize {
		if !m.mem.Contains(uint64(p)) {
			return 0, fmt.Errorf("physical address %v is not backed: %w", p, memerr.EINVAL)
		}
	}
	if !opts.Perms.Any() {
		opts.Perms = hostarch.ReadWrite
	}
	mt := opts.MemoryType
	switch {
	case opts.Cached:
		mt = hostarch.MemoryTypeWriteBack
	case mt == hostarch.MemoryTypeWriteBack:
		mt = hostarch.MemoryTypeUncached
	}
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("phys@%#x", uint64(base))
	}

	k := m.kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	r, err := k.regions.Allocate(uint64(end-base), vma.Opts{Perms: opts.Perms, Name: opts.Name})
	if err != nil {
		return 0, err
	}
	mo := pagetables.MapOpts{
		AccessType: opts.Perms.Effective(),
		Global:     true,
		MemoryType: mt,
		Create:     true,
	}
	for off := uint64(0); off < r.Length(); off += hostarch.PageSize {
		if err := m.tables.Map(r.Range.Start+hostarch.Addr(off), uint64(base)+off, mo); err != nil {
			k.discardLocked(r)
			return 0, err
		}
	}
	k.special[r.Range.Start] = regionMMIO
	m.log.Debugf("Mapped physical %#x-%#x at %v (%s)", uint64(base), uint64(end), r.Range.Start, opts.Name)
	return r.Range.Start + hostarch.Addr(hostarch.Addr(pa).PageOffset()), nil
}

// UnmapPhysicalRegion removes a mapping created by MapPhysicalRegion. ptr
// may be any address in the first page of the mapping.
func (m *MemoryManager) UnmapPhysicalRegion(ptr hostarch.Addr) error {
	k := m.kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	start := ptr.RoundDown()
	if k.special[start] != regionMMIO {
		return fmt.Errorf("no physical mapping at %v: %w", ptr, memerr.EFAULT)
	}
	r, ok := k.regions.Find(start, false)
	if !ok {
		return fmt.Errorf("no physical mapping at %v: %w", ptr, memerr.EFAULT)
	}
	if err := k.releasePagesLocked(r); err != nil {
		return err
	}
	if _, err := k.regions.Free(start); err != nil {
		return err
	}
	delete(k.special, start)
	return nil
}
