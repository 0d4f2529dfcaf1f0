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
	"io"

	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/pagetables"
	"gvisor.dev/vmcore/pkg/pmm"
	"gvisor.dev/vmcore/pkg/sync"
	"gvisor.dev/vmcore/pkg/vma"
)

// Process is the owner of a user address space.
type Process interface {
	// Kill terminates the process after a fatal page fault.
	Kill(report FaultReport)
}

// ProcessFunc adapts a function to Process.
type ProcessFunc func(FaultReport)

// Kill implements Process.Kill.
func (f ProcessFunc) Kill(report FaultReport) { f(report) }

// regionKind marks regions that general allocation calls may not free.
type regionKind int

const (
	// regionPinned regions are reserved at boot or creation and live as
	// long as the address space.
	regionPinned regionKind = iota + 1

	// regionMMIO regions map device memory and are released with
	// UnmapPhysicalRegion.
	regionMMIO
)

// AddressSpace is a region tracker and the page tables translating it.
type AddressSpace struct {
	mm     *MemoryManager
	name   string
	kernel bool
	proc   Process

	// mu serializes all operations on the address space.
	mu       sync.Mutex
	regions  *vma.Tracker
	pt       *pagetables.PageTables
	special  map[hostarch.Addr]regionKind
	released bool
}

func (m *MemoryManager) newAddressSpace(name string, kernel bool, regions *vma.Tracker, pt *pagetables.PageTables, proc Process) *AddressSpace {
	return &AddressSpace{
		mm:      m,
		name:    name,
		kernel:  kernel,
		proc:    proc,
		regions: regions,
		pt:      pt,
		special: make(map[hostarch.Addr]regionKind),
	}
}

// Name returns the name given at creation.
func (as *AddressSpace) Name() string { return as.name }

// IsKernel returns true for the kernel address space.
func (as *AddressSpace) IsKernel() bool { return as.kernel }

// Bounds returns the range managed by the address space's tracker.
func (as *AddressSpace) Bounds() hostarch.AddrRange { return as.regions.Bounds() }

// Root returns the physical address of the root page table.
func (as *AddressSpace) Root() uint64 { return as.pt.Root() }

// Tables returns the page tables of the address space.
func (as *AddressSpace) Tables() pagetables.Backend { return as.pt }

// Regions returns a snapshot of every region, used and free.
func (as *AddressSpace) Regions() []vma.Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	var regions []vma.Region
	as.regions.ForEach(func(r vma.Region) bool {
		regions = append(regions, r)
		return true
	})
	return regions
}

// FindRegion returns the used region starting at addr or, if contains is
// set, containing addr.
func (as *AddressSpace) FindRegion(addr hostarch.Addr, contains bool) (vma.Region, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.regions.Find(addr, contains)
}

// Dump writes the layout of the address space to w.
func (as *AddressSpace) Dump(w io.Writer) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.dumpLocked(w)
}

func (as *AddressSpace) dumpLocked(w io.Writer) {
	fmt.Fprintf(w, "address space %q (root %#x, %d table frames):\n", as.name, as.pt.Root(), as.pt.TableFrames())
	as.regions.Dump(w)
}

// String implements fmt.Stringer.
func (as *AddressSpace) String() string {
	return fmt.Sprintf("address space %q", as.name)
}

// NewAddressSpace creates an empty user address space that shares the
// kernel's mappings. Page zero is reserved so that null pointers fault.
func (m *MemoryManager) NewAddressSpace(name string, proc Process) (*AddressSpace, error) {
	regions, err := vma.New(m.tables.Layout().User)
	if err != nil {
		return nil, err
	}
	as, err := m.newUserAddressSpace(name, regions, proc)
	if err != nil {
		return nil, err
	}
	if _, err := regions.Reserve(0, hostarch.PageSize, vma.Opts{Name: "null"}); err != nil {
		m.Release(as)
		return nil, err
	}
	as.special[0] = regionPinned
	return as, nil
}

func (m *MemoryManager) newUserAddressSpace(name string, regions *vma.Tracker, proc Process) (*AddressSpace, error) {
	pt, err := m.tables.NewDerived()
	if err != nil {
		return nil, err
	}
	as := m.newAddressSpace(name, false, regions, pt, proc)
	m.mu.Lock()
	m.spaces[as] = struct{}{}
	m.mu.Unlock()
	return as, nil
}

// mapOpts returns the leaf options for pages of a region with perms.
func (as *AddressSpace) mapOpts(perms hostarch.AccessType) pagetables.MapOpts {
	return pagetables.MapOpts{
		AccessType: perms.Effective(),
		User:       !as.kernel,
		Global:     as.kernel,
		Create:     true,
	}
}

// owned returns true if the present pages of r hold referenced frames.
func owned(r vma.Region) bool {
	return r.KernelManaged || r.FileBacked()
}

// populateLocked backs every page of r with a fresh zeroed frame.
func (as *AddressSpace) populateLocked(r vma.Region) error {
	opts := as.mapOpts(r.Perms)
	for addr := r.Range.Start; addr < r.Range.End; addr += hostarch.PageSize {
		f, err := as.mm.meta.Allocate()
		if err != nil {
			return err
		}
		if err := as.mm.mem.Zero(f.Address(), hostarch.PageSize); err != nil {
			as.mm.putFrame(f)
			return err
		}
		if err := as.pt.Map(addr, f.Address(), opts); err != nil {
			as.mm.putFrame(f)
			return err
		}
	}
	return nil
}

// discardLocked undoes a region whose setup failed.
func (as *AddressSpace) discardLocked(r vma.Region) {
	if err := as.releasePagesLocked(r); err != nil {
		as.mm.log.Warningf("Releasing pages of %v: %v", r.Range, err)
	}
	if _, err := as.regions.Free(r.Range.Start); err != nil {
		as.mm.log.Warningf("Freeing region %v: %v", r.Range, err)
	}
}

// releasePagesLocked unmaps every present page of r, dropping the frame
// references owned by the region.
func (as *AddressSpace) releasePagesLocked(r vma.Region) error {
	var entries []pagetables.Entry
	if err := as.pt.Walk(r.Range, func(e pagetables.Entry) bool {
		entries = append(entries, e)
		return true
	}); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := as.pt.Unmap(e.Addr); err != nil {
			return err
		}
		if !owned(r) {
			continue
		}
		for pa := e.Phys; pa < e.Phys+e.Size; pa += hostarch.PageSize {
			f := pmm.FrameFromAddress(pa)
			if !as.mm.meta.Tracked(f) {
				continue
			}
			if _, err := as.mm.meta.DecRef(f); err != nil {
				return err
			}
		}
	}
	return nil
}

// AllocOpts are the attributes of an allocated region.
type AllocOpts struct {
	Perms  hostarch.AccessType
	Shared bool
	Name   string
}

func (o AllocOpts) vma(managed bool) vma.Opts {
	return vma.Opts{Perms: o.Perms, Shared: o.Shared, KernelManaged: managed, Name: o.Name}
}

// Allocate creates a region of at least size bytes in as and backs it with
// zeroed frames.
func (m *MemoryManager) Allocate(as *AddressSpace, size uint64, opts AllocOpts) (hostarch.Addr, error) {
	return m.allocate(as, opts, func() (vma.Region, error) {
		return as.regions.Allocate(size, opts.vma(true))
	})
}

// AllocateAt is Allocate at a fixed address.
func (m *MemoryManager) AllocateAt(as *AddressSpace, addr hostarch.Addr, size uint64, opts AllocOpts) (hostarch.Addr, error) {
	return m.allocate(as, opts, func() (vma.Region, error) {
		return as.regions.AllocateAt(addr, size, opts.vma(true))
	})
}

func (m *MemoryManager) allocate(as *AddressSpace, opts AllocOpts, create func() (vma.Region, error)) (hostarch.Addr, error) {
	if !opts.Perms.Any() {
		return 0, fmt.Errorf("allocation without access: %w", memerr.EINVAL)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.released {
		return 0, fmt.Errorf("%v is released: %w", as, memerr.EINVAL)
	}
	r, err := create()
	if err != nil {
		return 0, err
	}
	if err := as.populateLocked(r); err != nil {
		as.discardLocked(r)
		return 0, err
	}
	return r.Range.Start, nil
}

// Reserve carves [addr, addr+size) out of as without backing it. Reserved
// ranges are never returned by Allocate.
func (m *MemoryManager) Reserve(as *AddressSpace, addr hostarch.Addr, size uint64, name string) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	_, err := as.regions.Reserve(addr, size, vma.Opts{Name: name})
	return err
}

// Free releases the region starting at addr and its frames.
func (m *MemoryManager) Free(as *AddressSpace, addr hostarch.Addr) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	r, ok := as.regions.Find(addr, false)
	if !ok {
		return fmt.Errorf("no region at %v in %v: %w", addr, as, memerr.EFAULT)
	}
	switch as.special[addr] {
	case regionPinned:
		return fmt.Errorf("region %v is pinned: %w", r.Range, memerr.EBUSY)
	case regionMMIO:
		return fmt.Errorf("region %v maps device memory: %w", r.Range, memerr.EINVAL)
	}
	if err := as.releasePagesLocked(r); err != nil {
		return err
	}
	_, err := as.regions.Free(addr)
	return err
}

// Unmap releases the parts of regions overlapping ar, splitting regions
// that straddle its bounds.
func (m *MemoryManager) Unmap(as *AddressSpace, ar hostarch.AddrRange) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, r := range as.regions.Used() {
		if r.Range.Overlaps(ar) && as.special[r.Range.Start] != 0 {
			return fmt.Errorf("range %v overlaps special region %v: %w", ar, r.Range, memerr.EBUSY)
		}
	}
	released, err := as.regions.Release(ar)
	if err != nil {
		return err
	}
	for _, r := range released {
		if err := as.releasePagesLocked(r); err != nil {
			return err
		}
	}
	return nil
}

// CreateFileBackedRegion creates a user region whose pages are read from
// file, starting at offset, on first access. If hint is non-zero the region
// is placed there when possible.
func (m *MemoryManager) CreateFileBackedRegion(as *AddressSpace, file vma.File, offset int64, size uint64, hint hostarch.Addr, opts AllocOpts) (hostarch.Addr, error) {
	if as.kernel {
		return 0, fmt.Errorf("file-backed regions are user only: %w", memerr.EINVAL)
	}
	if !opts.Perms.Any() {
		return 0, fmt.Errorf("file-backed region without access: %w", memerr.EINVAL)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.released {
		return 0, fmt.Errorf("%v is released: %w", as, memerr.EINVAL)
	}
	r, err := as.regions.CreateFileBacked(file, offset, size, hint, opts.vma(false))
	if err != nil {
		return 0, err
	}
	return r.Range.Start, nil
}

// GetPhysicalAddress translates addr in as without permission checks.
func (m *MemoryManager) GetPhysicalAddress(as *AddressSpace, addr hostarch.Addr) (uint64, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pt.GetPhysicalAddress(addr)
}

// Clone returns a new user address space duplicating parent. Regions are
// copied. Present pages of private regions are copied or shared
// copy-on-write according to Opts.ForkMode; pages of shared regions are
// aliased.
func (m *MemoryManager) Clone(parent *AddressSpace, name string, proc Process) (*AddressSpace, error) {
	if parent.kernel {
		return nil, fmt.Errorf("the kernel address space cannot be cloned: %w", memerr.EINVAL)
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	if parent.released {
		return nil, fmt.Errorf("%v is released: %w", parent, memerr.EINVAL)
	}
	child, err := m.newUserAddressSpace(name, parent.regions.Clone(), proc)
	if err != nil {
		return nil, err
	}
	for addr, kind := range parent.special {
		child.special[addr] = kind
	}

	eager := pagetables.EagerCopy(m.mem, func(size uint64) (uint64, error) {
		if size != hostarch.PageSize {
			return 0, fmt.Errorf("copying %#x byte page: %w", size, memerr.EINVAL)
		}
		f, err := m.meta.Allocate()
		if err != nil {
			return 0, err
		}
		return f.Address(), nil
	})
	// undo drops what the last CloneFunc call took if the child mapping
	// that follows it fails. shared lists parent pages marked copy-on-write.
	var (
		undo   func()
		shared []pagetables.Entry
	)
	fn := func(src pagetables.Entry) (pagetables.Entry, bool, error) {
		undo = nil
		r, ok := parent.regions.Find(src.Addr, true)
		if !ok {
			return pagetables.Entry{}, false, nil
		}
		f := pmm.FrameFromAddress(src.Phys)
		switch {
		case !owned(r) || !m.meta.Tracked(f):
			return src, true, nil
		case r.Shared:
			if _, err := m.meta.IncRef(f); err != nil {
				return pagetables.Entry{}, false, err
			}
			undo = func() { m.putFrame(f) }
			return src, true, nil
		case m.opts.ForkMode == ForkCopyOnWrite:
			if _, err := m.meta.Share(f); err != nil {
				return pagetables.Entry{}, false, err
			}
			shared = append(shared, src)
			dst := src
			if src.Opts.AccessType.Write {
				dst.Opts.AccessType.Write = false
				ro := dst.Opts
				if err := parent.pt.Protect(src.Addr, ro); err != nil {
					m.putFrame(f)
					return pagetables.Entry{}, false, err
				}
			}
			undo = func() { m.putFrame(f) }
			return dst, true, nil
		default:
			dst, ok, err := eager(src)
			if err == nil && ok {
				undo = func() { m.putFrame(pmm.FrameFromAddress(dst.Phys)) }
			}
			return dst, ok, err
		}
	}
	if err := parent.pt.CloneInto(child.pt, fn); err != nil {
		if undo != nil {
			undo()
		}
		if rerr := m.Release(child); rerr != nil {
			m.log.Warningf("Releasing partial clone %v: %v", child, rerr)
		}
		parent.unshareLocked(shared)
		return nil, err
	}
	m.log.Debugf("Cloned %v into %v (%s)", parent, child, m.opts.ForkMode)
	return child, nil
}

// unshareLocked clears copy-on-write on the pages in entries that as once
// more owns alone, restoring their original access.
func (as *AddressSpace) unshareLocked(entries []pagetables.Entry) {
	for _, e := range entries {
		f := pmm.FrameFromAddress(e.Phys)
		if as.mm.meta.Refs(f) != 1 {
			continue
		}
		if err := as.mm.meta.SetCopyOnWrite(f, false); err != nil {
			as.mm.log.Warningf("Clearing copy-on-write on %v: %v", f, err)
			continue
		}
		if err := as.pt.Protect(e.Addr, e.Opts); err != nil {
			as.mm.log.Warningf("Restoring write access at %v: %v", e.Addr, err)
		}
	}
}

// Release tears down a user address space, dropping its frame references
// and freeing its page tables.
func (m *MemoryManager) Release(as *AddressSpace) error {
	if as.kernel {
		return fmt.Errorf("the kernel address space cannot be released: %w", memerr.EINVAL)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.released {
		return nil
	}
	for _, r := range as.regions.Used() {
		if err := as.releasePagesLocked(r); err != nil {
			return err
		}
	}
	if err := as.pt.Release(); err != nil {
		return err
	}
	as.released = true
	m.mu.Lock()
	delete(m.spaces, as)
	m.mu.Unlock()
	return nil
}
