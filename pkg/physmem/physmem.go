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

// Package physmem provides the simulated physical address space. Each RAM
// extent and each device aperture is backed by an anonymous host mapping,
// and physical addresses are resolved to offsets within those mappings.
package physmem

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sync"
)

// Extent is a contiguous range of physical addresses.
type Extent struct {
	Name string
	Base uint64
	Size uint64

	// Device is true for apertures that do not hold general purpose RAM.
	Device bool
}

// End returns the first address past the extent.
func (e Extent) End() uint64 {
	return e.Base + e.Size
}

type mapping struct {
	Extent
	mem []byte
}

// Memory is a set of host-backed physical extents.
//
// Extents may be added but never removed until Release. Accesses to the
// contents are not synchronized; callers serialize access to the frames they
// own.
type Memory struct {
	mu       sync.RWMutex
	mappings []*mapping
}

// New maps every extent. Extents must be page aligned and must not overlap.
func New(extents []Extent) (*Memory, error) {
	m := &Memory{}
	for _, e := range extents {
		if err := m.add(e); err != nil {
			m.Release()
			return nil, err
		}
	}
	return m, nil
}

// AddDevice maps a device aperture.
func (m *Memory) AddDevice(name string, base, size uint64) error {
	return m.add(Extent{Name: name, Base: base, Size: size, Device: true})
}

func (m *Memory) add(e Extent) error {
	if e.Size == 0 || !hostarch.Addr(e.Base).IsPageAligned() || !hostarch.Addr(e.Size).IsPageAligned() || e.End() < e.Base {
		return fmt.Errorf("extent %q [%#x, %#x): %w", e.Name, e.Base, e.End(), memerr.EINVAL)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.mappings {
		if e.Base < o.End() && o.Base < e.End() {
			return fmt.Errorf("extent %q overlaps %q: %w", e.Name, o.Name, memerr.EBUSY)
		}
	}
	mem, err := unix.Mmap(-1, 0, int(e.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return fmt.Errorf("mapping extent %q of %d bytes: %w", e.Name, e.Size, err)
	}
	m.mappings = append(m.mappings, &mapping{Extent: e, mem: mem})
	sort.Slice(m.mappings, func(i, j int) bool { return m.mappings[i].Base < m.mappings[j].Base })
	return nil
}

// Extents returns the mapped extents in address order.
func (m *Memory) Extents() []Extent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	es := make([]Extent, 0, len(m.mappings))
	for _, mp := range m.mappings {
		es = append(es, mp.Extent)
	}
	return es
}

func (m *Memory) find(pa uint64) *mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.mappings), func(i int) bool { return m.mappings[i].End() > pa })
	if i < len(m.mappings) && m.mappings[i].Base <= pa {
		return m.mappings[i]
	}
	return nil
}

// Contains returns true if pa is backed by some extent.
func (m *Memory) Contains(pa uint64) bool {
	return m.find(pa) != nil
}

// IsDevice returns true if pa lies in a device aperture.
func (m *Memory) IsDevice(pa uint64) bool {
	mp := m.find(pa)
	return mp != nil && mp.Device
}

// Slice returns the host memory backing [pa, pa+n). The range must lie
// within a single extent.
func (m *Memory) Slice(pa, n uint64) ([]byte, error) {
	mp := m.find(pa)
	if mp == nil {
		return nil, fmt.Errorf("physical address %#x: %w", pa, memerr.EFAULT)
	}
	off := pa - mp.Base
	if n > mp.Size-off {
		return nil, fmt.Errorf("physical range [%#x, %#x) crosses end of %q: %w", pa, pa+n, mp.Name, memerr.EFAULT)
	}
	return mp.mem[off : off+n : off+n], nil
}

// ReadAt copies len(p) bytes starting at physical address pa into p.
func (m *Memory) ReadAt(p []byte, pa uint64) (int, error) {
	src, err := m.Slice(pa, uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt copies p to physical address pa.
func (m *Memory) WriteAt(p []byte, pa uint64) (int, error) {
	dst, err := m.Slice(pa, uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

// Zero clears [pa, pa+n).
func (m *Memory) Zero(pa, n uint64) error {
	b, err := m.Slice(pa, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}

// Copy copies n bytes from src to dst. The ranges may be in different
// extents.
func (m *Memory) Copy(dst, src, n uint64) error {
	from, err := m.Slice(src, n)
	if err != nil {
		return err
	}
	to, err := m.Slice(dst, n)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

// Release unmaps all extents. m must not be used afterwards.
func (m *Memory) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, mp := range m.mappings {
		if err := unix.Munmap(mp.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.mappings = nil
	return firstErr
}
