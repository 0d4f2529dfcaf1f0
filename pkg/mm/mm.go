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

// Package mm is the memory manager: it composes physical memory, the frame
// allocator, the page metadata table, page tables and region trackers into
// address spaces, and resolves page faults.
//
// A MemoryManager is created once at boot from the boot information and
// passed explicitly to every component that needs memory services.
//
// Lock order:
//
//	AddressSpace.mu (user) -> AddressSpace.mu (kernel) -> MemoryManager.mu
//	  -> pagemeta.Table.mu -> pmm.Allocator.mu
package mm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohae/deepcopy"
	"gvisor.dev/vmcore/pkg/bootinfo"
	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/pagemeta"
	"gvisor.dev/vmcore/pkg/pagetables"
	"gvisor.dev/vmcore/pkg/physmem"
	"gvisor.dev/vmcore/pkg/pmm"
	"gvisor.dev/vmcore/pkg/sync"
	"gvisor.dev/vmcore/pkg/vma"
)

// ForkMode selects how Clone duplicates private memory.
type ForkMode int

const (
	// ForkCopy gives the child a private copy of every present page at
	// clone time.
	ForkCopy ForkMode = iota

	// ForkCopyOnWrite shares every present page read-only between parent
	// and child and copies it on the first write fault.
	ForkCopyOnWrite
)

// String implements fmt.Stringer.
func (m ForkMode) String() string {
	switch m {
	case ForkCopy:
		return "copy"
	case ForkCopyOnWrite:
		return "cow"
	default:
		return fmt.Sprintf("ForkMode(%d)", int(m))
	}
}

// Set implements flag.Value.
func (m *ForkMode) Set(v string) error {
	switch v {
	case "copy":
		*m = ForkCopy
	case "cow":
		*m = ForkCopyOnWrite
	default:
		return fmt.Errorf("invalid fork mode %q, must be 'copy' or 'cow'", v)
	}
	return nil
}

// Get implements flag.Getter.
func (m *ForkMode) Get() any { return *m }

// Opts configures a MemoryManager.
type Opts struct {
	// Paging is the page table format. Defaults to AMD64.
	Paging pagetables.Format

	// ForkMode selects how Clone duplicates private memory.
	ForkMode ForkMode

	// DoubleFree is the frame allocator's double free policy.
	DoubleFree pmm.DoubleFreePolicy

	// DirectMap maps all RAM into the format's direct map window at boot.
	DirectMap bool

	// Halt is called with the report of a fatal kernel fault. It should not
	// return. If nil, the report is logged and the kernel panics.
	Halt func(FaultReport)

	// Logger receives boot progress and fault reports. Defaults to
	// log.Log().
	Logger log.Logger
}

// MemoryManager owns the memory of one machine.
type MemoryManager struct {
	opts Opts
	log  log.Logger
	info bootinfo.Info

	mem    *physmem.Memory
	frames *pmm.Allocator
	meta   *pagemeta.Table
	tables *pagetables.PageTables
	kernel *AddressSpace

	// kernelImage and directMap are the kernel's fixed virtual ranges.
	// directMap is empty if the direct map is disabled.
	kernelImage hostarch.AddrRange
	directMap   hostarch.AddrRange

	// mu protects spaces.
	mu     sync.Mutex
	spaces map[*AddressSpace]struct{}
}

// ramExtents returns the page-aligned physical memory of the memory map.
// Entries are shrunk inward; bad memory is omitted.
func ramExtents(m bootinfo.MemoryMap) []physmem.Extent {
	var extents []physmem.Extent
	for _, e := range m.Sorted() {
		if e.Type == bootinfo.BadMemory {
			continue
		}
		start, ok := hostarch.Addr(e.Base).RoundUp()
		end := hostarch.Addr(e.End()).RoundDown()
		if !ok || start >= end {
			continue
		}
		extents = append(extents, physmem.Extent{
			Name:   e.Type.String(),
			Base:   uint64(start),
			Size:   uint64(end - start),
			Device: e.Type != bootinfo.Available,
		})
	}
	return extents
}

// New boots the memory core described by info.
func New(ctx context.Context, info bootinfo.Info, opts Opts) (*MemoryManager, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if opts.Paging == "" {
		opts.Paging = pagetables.AMD64
	}
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}
	if opts.Paging == pagetables.X86 {
		for _, e := range info.Memory.Available() {
			if e.End() > 1<<32 {
				return nil, fmt.Errorf("x86 paging cannot address RAM at %v: %w", e, memerr.EINVAL)
			}
		}
	}

	m := &MemoryManager{
		opts:   opts,
		log:    opts.Logger,
		info:   deepcopy.Copy(info).(bootinfo.Info),
		spaces: make(map[*AddressSpace]struct{}),
	}
	var err error
	if m.mem, err = physmem.New(ramExtents(info.Memory)); err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			m.mem.Release()
		}
	}()
	for _, d := range info.Devices {
		if err := m.mem.AddDevice(d.Name, d.PhysBase, d.Size); err != nil {
			return nil, fmt.Errorf("device %q: %w", d.Name, err)
		}
	}
	if m.frames, err = pmm.New(info.Memory, pmm.Opts{DoubleFree: opts.DoubleFree}); err != nil {
		return nil, err
	}
	// Frame zero doubles as the invalid physical address.
	if _, err := m.frames.ReserveRange(0, hostarch.PageSize); err != nil {
		return nil, err
	}
	if info.Kernel.Size != 0 {
		n, err := m.frames.ReserveRange(info.Kernel.PhysBase, info.Kernel.Size)
		if err != nil {
			return nil, fmt.Errorf("reserving kernel image: %w", err)
		}
		m.log.Debugf("Reserved %d frames for the kernel image", n)
	}
	m.meta = pagemeta.New(m.frames)
	if m.tables, err = pagetables.New(opts.Paging, pagetables.NewRuntimeAllocator(m.frames, m.mem), m.mem); err != nil {
		return nil, err
	}
	layout := m.tables.Layout()
	tracker, err := vma.New(layout.Kernel)
	if err != nil {
		return nil, err
	}
	m.kernel = m.newAddressSpace("kernel", true, tracker, m.tables, nil)

	if opts.DirectMap {
		if err := m.mapDirect(ctx); err != nil {
			return nil, fmt.Errorf("direct map: %w", err)
		}
	}
	if err := m.mapKernelImage(ctx); err != nil {
		return nil, fmt.Errorf("kernel image: %w", err)
	}

	ok = true
	m.log.Infof("Memory core up: %s paging, %d of %d frames free, kernel image at %v", opts.Paging, m.frames.FreeFrames(), m.frames.TotalFrames(), m.kernelImage)
	return m, nil
}

// mapLinear maps [virt, virt+size) to [phys, phys+size) with the largest
// pages alignment allows.
func (m *MemoryManager) mapLinear(ctx context.Context, virt hostarch.Addr, phys, size uint64, opts pagetables.MapOpts) error {
	sizes := m.tables.PageSizes()
	for size > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := uint64(hostarch.PageSize)
		for i := len(sizes) - 1; i >= 0; i-- {
			s := sizes[i]
			if virt.IsAligned(s) && phys&(s-1) == 0 && size >= s {
				step = s
				break
			}
		}
		o := opts
		o.Size = step
		o.Create = true
		if err := m.tables.Map(virt, phys, o); err != nil {
			return err
		}
		virt += hostarch.Addr(step)
		phys += step
		size -= step
	}
	return nil
}

// mapDirect maps every available RAM extent at its offset in the direct map
// window.
func (m *MemoryManager) mapDirect(ctx context.Context) error {
	window := m.tables.Layout().DirectMap
	opts := pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true}
	var end hostarch.Addr
	for _, e := range ramExtents(m.info.Memory) {
		if e.Device {
			continue
		}
		if e.End() > window.Length() {
			m.log.Warningf("RAM %#x-%#x does not fit the direct map window %v", e.Base, e.End(), window)
			continue
		}
		if err := m.mapLinear(ctx, window.Start+hostarch.Addr(e.Base), e.Base, e.Size, opts); err != nil {
			return err
		}
		end = window.Start + hostarch.Addr(e.End())
	}
	m.directMap = hostarch.AddrRange{Start: window.Start, End: end}
	k := m.kernel
	if k.regions.Bounds().IsSupersetOf(window) {
		if _, err := k.regions.Reserve(window.Start, window.Length(), vma.Opts{Perms: hostarch.ReadWrite, Name: "direct map"}); err != nil {
			return err
		}
		k.special[window.Start] = regionPinned
	}
	return nil
}

// mapKernelImage maps and reserves the kernel's own image.
func (m *MemoryManager) mapKernelImage(ctx context.Context) error {
	img := m.info.Kernel
	if img.Size == 0 {
		return nil
	}
	layout := m.tables.Layout()
	phys := hostarch.Addr(img.PhysBase).RoundDown()
	end, ok := hostarch.Addr(img.PhysBase + img.Size).RoundUp()
	if !ok {
		return memerr.EINVAL
	}
	size := uint64(end - phys)
	virt := layout.KernelImage + phys
	if img.VirtBase != 0 {
		v := hostarch.Addr(img.VirtBase).RoundDown()
		if ar, ok := v.ToRange(size); ok && layout.Kernel.IsSupersetOf(ar) {
			virt = v
		}
	}
	m.kernelImage = hostarch.AddrRange{Start: virt, End: virt + hostarch.Addr(size)}

	// The direct map may already cover the image at the same address.
	if m.directMap.IsSupersetOf(m.kernelImage) && virt-m.directMap.Start == phys {
		return nil
	}
	k := m.kernel
	if k.regions.Bounds().IsSupersetOf(m.kernelImage) {
		if _, err := k.regions.Reserve(virt, size, vma.Opts{Perms: hostarch.AnyAccess, Name: "kernel"}); err != nil {
			return err
		}
		k.special[virt] = regionPinned
	}
	return m.mapLinear(ctx, virt, uint64(phys), size, pagetables.MapOpts{AccessType: hostarch.AnyAccess, Global: true})
}

// Kernel returns the kernel address space.
func (m *MemoryManager) Kernel() *AddressSpace {
	return m.kernel
}

// Paging returns the page table format in use.
func (m *MemoryManager) Paging() pagetables.Format {
	return m.tables.Format()
}

// Layout returns the fixed virtual layout of the paging format.
func (m *MemoryManager) Layout() pagetables.Layout {
	return m.tables.Layout()
}

// KernelImage returns the virtual range of the kernel image.
func (m *MemoryManager) KernelImage() hostarch.AddrRange {
	return m.kernelImage
}

// DirectMap returns the mapped part of the direct map window, or an empty
// range if the direct map is disabled.
func (m *MemoryManager) DirectMap() hostarch.AddrRange {
	return m.directMap
}

// PhysToVirt returns the direct map address of pa.
func (m *MemoryManager) PhysToVirt(pa uint64) (hostarch.Addr, bool) {
	v := m.directMap.Start + hostarch.Addr(pa)
	if !m.directMap.Contains(v) {
		return 0, false
	}
	return v, true
}

// BootInfo returns a copy of the boot information the manager was created
// from.
func (m *MemoryManager) BootInfo() bootinfo.Info {
	return deepcopy.Copy(m.info).(bootinfo.Info)
}

// Frames returns the physical frame allocator.
func (m *MemoryManager) Frames() *pmm.Allocator {
	return m.frames
}

// Metadata returns the physical page metadata table.
func (m *MemoryManager) Metadata() *pagemeta.Table {
	return m.meta
}

// Memory returns physical memory.
func (m *MemoryManager) Memory() *physmem.Memory {
	return m.mem
}

// putFrame drops a frame reference taken by a failed operation.
func (m *MemoryManager) putFrame(f pmm.Frame) {
	if _, err := m.meta.DecRef(f); err != nil {
		m.log.Warningf("Dropping reference to %v: %v", f, err)
	}
}

// Stats is a snapshot of memory usage.
type Stats struct {
	Paging        pagetables.Format
	TotalFrames   uint64
	FreeFrames    uint64
	Pools         []pmm.RegionStats
	Pages         pagemeta.Stats
	AddressSpaces int
	TableFrames   int
	KernelRegions int
	KernelBytes   uint64
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "paging: %s\n", s.Paging)
	fmt.Fprintf(&b, "frames: %d total, %d free\n", s.TotalFrames, s.FreeFrames)
	for _, p := range s.Pools {
		fmt.Fprintf(&b, "  pool %#x: %d frames, %d free\n", p.Base, p.Frames, p.Free)
	}
	fmt.Fprintf(&b, "pages: %d referenced, %d shared, %d copy-on-write\n", s.Pages.Referenced, s.Pages.Shared, s.Pages.CopyOnWrite)
	fmt.Fprintf(&b, "address spaces: %d, kernel table frames: %d\n", s.AddressSpaces, s.TableFrames)
	fmt.Fprintf(&b, "kernel regions: %d used, %#x bytes\n", s.KernelRegions, s.KernelBytes)
	return b.String()
}

// Stats returns current memory usage.
func (m *MemoryManager) Stats() Stats {
	m.kernel.mu.Lock()
	used := m.kernel.regions.Used()
	bytes := m.kernel.regions.UsedBytes()
	tables := m.tables.TableFrames()
	m.kernel.mu.Unlock()

	m.mu.Lock()
	spaces := len(m.spaces)
	m.mu.Unlock()
	return Stats{
		Paging:        m.tables.Format(),
		TotalFrames:   m.frames.TotalFrames(),
		FreeFrames:    m.frames.FreeFrames(),
		Pools:         m.frames.Regions(),
		Pages:         m.meta.Stats(),
		AddressSpaces: spaces,
		TableFrames:   tables,
		KernelRegions: len(used),
		KernelBytes:   bytes,
	}
}

// CheckInvariants verifies the consistency of the page metadata and of
// every region tracker.
func (m *MemoryManager) CheckInvariants() error {
	if err := m.meta.CheckInvariants(); err != nil {
		return err
	}
	for _, as := range append(m.AddressSpaces(), m.kernel) {
		as.mu.Lock()
		err := as.regions.CheckInvariants()
		as.mu.Unlock()
		if err != nil {
			return fmt.Errorf("address space %q: %w", as.name, err)
		}
	}
	return nil
}

// AddressSpaces returns the live user address spaces.
func (m *MemoryManager) AddressSpaces() []*AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	spaces := make([]*AddressSpace, 0, len(m.spaces))
	for as := range m.spaces {
		spaces = append(spaces, as)
	}
	return spaces
}

// Close releases every user address space, the kernel page tables and
// physical memory. The MemoryManager must not be used afterwards.
func (m *MemoryManager) Close() error {
	for _, as := range m.AddressSpaces() {
		if err := m.Release(as); err != nil {
			return err
		}
	}
	if err := m.tables.Release(); err != nil {
		return err
	}
	return m.mem.Release()
}
