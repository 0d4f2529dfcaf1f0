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

// Package pagetables implements hardware page tables for 32-bit and 64-bit
// x86 paging.
//
// Tables are stored in physical frames obtained from an Allocator and
// encoded exactly as the MMU expects. A PageTables created by NewX86 or
// NewAMD64 is the kernel's own instance. Address spaces derived from it
// share its kernel half: the kernel root entries are copied into every new
// root, and any root entry the kernel instance later writes in its kernel
// half is written to every live derived root as well.
//
// A PageTables is not synchronized; callers serialize operations on one
// instance. Propagation into derived instances is internally locked.
package pagetables

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/physmem"
	"gvisor.dev/vmcore/pkg/sync"
)

// MapOpts are the options of a mapping.
type MapOpts struct {
	// AccessType is the permitted access. Read is required. On X86 every
	// mapping is executable.
	AccessType hostarch.AccessType

	// User allows access from user mode.
	User bool

	// Global marks the translation as global.
	Global bool

	// MemoryType is the caching mode.
	MemoryType hostarch.MemoryType

	// Huge maps a large page of the format's HugePageSize.
	Huge bool

	// Size selects the page size explicitly. Zero means PageSize, or
	// HugePageSize if Huge is set.
	Size uint64

	// Create allows missing intermediate tables to be allocated.
	Create bool

	// Exclusive fails with EEXIST instead of replacing an existing mapping.
	Exclusive bool
}

// Entry is a present leaf translation.
type Entry struct {
	// Addr is the virtual address of the first byte mapped by the entry.
	Addr hostarch.Addr

	// Phys is the physical address of the first byte of the page.
	Phys uint64

	// Size is the page size.
	Size uint64

	// Opts holds the decoded permission and caching bits. Huge is set for
	// large pages; Create and Exclusive are never set.
	Opts MapOpts
}

// Range returns the virtual range mapped by the entry.
func (e Entry) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: e.Addr, End: e.Addr + hostarch.Addr(e.Size)}
}

// CloneFunc decides what a derived address space receives for one present
// leaf of the source. It returns the entry to install, or ok=false to leave
// the address unmapped in the target.
type CloneFunc func(src Entry) (dst Entry, ok bool, err error)

// Backend is the page table contract used by the memory manager. Both
// paging formats are provided by *PageTables.
type Backend interface {
	// Format returns the paging format.
	Format() Format

	// Layout returns the fixed virtual layout of the format.
	Layout() Layout

	// HugePageSize returns the default large page size.
	HugePageSize() uint64

	// Root returns the physical address of the root table.
	Root() uint64

	// Map installs a translation from addr to phys.
	Map(addr hostarch.Addr, phys uint64, opts MapOpts) error

	// Unmap removes the leaf translation containing addr and returns it.
	Unmap(addr hostarch.Addr) (Entry, error)

	// Protect changes the permission and caching bits of the leaf
	// containing addr.
	Protect(addr hostarch.Addr, opts MapOpts) error

	// Lookup returns the leaf translation containing addr.
	Lookup(addr hostarch.Addr) (Entry, bool)

	// GetPhysicalAddress translates addr without permission checks.
	GetPhysicalAddress(addr hostarch.Addr) (uint64, bool)

	// IsMapped returns true if addr has a translation.
	IsMapped(addr hostarch.Addr) bool

	// Translate performs an access as the MMU would.
	Translate(addr hostarch.Addr, at hostarch.AccessType, user bool) (uint64, ErrorCode, bool)

	// Walk calls fn for every present leaf overlapping ar, in address
	// order, until fn returns false.
	Walk(ar hostarch.AddrRange, fn func(Entry) bool) error

	// EntryAddress returns the physical address of the leaf entry
	// containing addr.
	EntryAddress(addr hostarch.Addr) (uint64, bool)

	// NewAddressSpace returns a new instance sharing the kernel half.
	NewAddressSpace() (Backend, error)

	// CloneInto installs into other the entries produced by fn for every
	// present user-half leaf.
	CloneInto(other Backend, fn CloneFunc) error

	// Invalidate drops any cached translation for addr.
	Invalidate(addr hostarch.Addr)

	// TableFrames returns the number of frames holding tables.
	TableFrames() int

	// Release frees every table frame. Mapped pages are not freed.
	Release() error
}

// Allocator provides frames for tables.
type Allocator interface {
	// NewPTEs returns the physical address of a zeroed frame.
	NewPTEs() (uint64, error)

	// FreePTEs releases a frame returned by NewPTEs.
	FreePTEs(pa uint64)
}

// PageTables is a page table tree in one of the supported formats.
type PageTables struct {
	f         format
	allocator Allocator
	mem       *physmem.Memory
	root      uint64
	tables    int
	tlb       tlb

	// kernel is the instance whose kernel half this one shares, or nil if
	// this is the kernel's own instance.
	kernel *PageTables

	// derivedMu protects derived. Only used on the kernel instance.
	derivedMu sync.Mutex
	derived   map[*PageTables]struct{}
}

var _ Backend = (*PageTables)(nil)

// NewX86 returns the kernel instance of 32-bit two-level tables.
func NewX86(a Allocator, mem *physmem.Memory) (*PageTables, error) {
	return newKernel(x86Format{}, a, mem)
}

// NewAMD64 returns the kernel instance of 4-level long mode tables.
func NewAMD64(a Allocator, mem *physmem.Memory) (*PageTables, error) {
	return newKernel(amd64Format{}, a, mem)
}

// New returns the kernel instance for the named format.
func New(kind Format, a Allocator, mem *physmem.Memory) (*PageTables, error) {
	switch kind {
	case X86:
		return NewX86(a, mem)
	case AMD64:
		return NewAMD64(a, mem)
	default:
		return nil, fmt.Errorf("unknown paging format %q: %w", kind, memerr.EINVAL)
	}
}

func newKernel(f format, a Allocator, mem *physmem.Memory) (*PageTables, error) {
	p := &PageTables{
		f:         f,
		allocator: a,
		mem:       mem,
		derived:   make(map[*PageTables]struct{}),
	}
	root, err := p.newTable()
	if err != nil {
		return nil, err
	}
	p.root = root
	p.tlb.init()
	return p, nil
}

func (p *PageTables) newTable() (uint64, error) {
	pa, err := p.allocator.NewPTEs()
	if err != nil {
		return 0, err
	}
	p.tables++
	return pa, nil
}

func (p *PageTables) freeTable(pa uint64) {
	p.allocator.FreePTEs(pa)
	p.tables--
}

// Format implements Backend.Format.
func (p *PageTables) Format() Format { return p.f.kind() }

// Layout implements Backend.Layout.
func (p *PageTables) Layout() Layout { return p.f.layout() }

// HugePageSize implements Backend.HugePageSize.
func (p *PageTables) HugePageSize() uint64 { return pageSize(p.f, p.f.hugeLevel()) }

// PageSizes returns every supported page size, smallest first.
func (p *PageTables) PageSizes() []uint64 {
	var sizes []uint64
	for level := p.f.levels() - 1; level >= 0; level-- {
		if p.f.leafAllowed(level) {
			sizes = append(sizes, pageSize(p.f, level))
		}
	}
	return sizes
}

// Root implements Backend.Root.
func (p *PageTables) Root() uint64 { return p.root }

// TableFrames implements Backend.TableFrames.
func (p *PageTables) TableFrames() int { return p.tables }

// IsKernel returns true for the kernel's own instance.
func (p *PageTables) IsKernel() bool { return p.kernel == nil }

func (p *PageTables) master() *PageTables {
	if p.kernel != nil {
		return p.kernel
	}
	return p
}

// inKernelHalf returns true if addr is translated through a shared root
// entry.
func (p *PageTables) inKernelHalf(addr hostarch.Addr) bool {
	return index(p.f, 0, addr) >= p.f.kernelIndex()
}

// NewAddressSpace implements Backend.NewAddressSpace.
func (p *PageTables) NewAddressSpace() (Backend, error) {
	return p.NewDerived()
}

// NewDerived returns a new instance whose kernel half aliases the kernel
// instance's.
func (p *PageTables) NewDerived() (*PageTables, error) {
	k := p.master()
	d := &PageTables{
		f:         k.f,
		allocator: k.allocator,
		mem:       k.mem,
		kernel:    k,
	}
	root, err := d.newTable()
	if err != nil {
		return nil, err
	}
	d.root = root
	d.tlb.init()

	// Hold derivedMu across the copy so no kernel root write is missed.
	k.derivedMu.Lock()
	defer k.derivedMu.Unlock()
	eb := k.f.entryBytes()
	for i := k.f.kernelIndex(); i < k.f.entriesPerTable(); i++ {
		raw, err := k.f.load(k.mem, k.root+i*eb)
		if err != nil {
			return nil, err
		}
		if raw == 0 {
			continue
		}
		if err := d.f.store(d.mem, d.root+i*eb, raw); err != nil {
			return nil, err
		}
	}
	k.derived[d] = struct{}{}
	return d, nil
}

// writeEntry stores raw at index i of the table at tablePA on the given
// level, propagating kernel-half root entries.
func (p *PageTables) writeEntry(tablePA uint64, level int, i uint64, raw uint64) error {
	eb := p.f.entryBytes()
	if err := p.f.store(p.mem, tablePA+i*eb, raw); err != nil {
		return err
	}
	if level != 0 || p.kernel != nil || i < p.f.kernelIndex() {
		return nil
	}
	p.derivedMu.Lock()
	defer p.derivedMu.Unlock()
	for d := range p.derived {
		if err := d.f.store(d.mem, d.root+i*eb, raw); err != nil {
			return err
		}
	}
	return nil
}

func (p *PageTables) readEntry(tablePA uint64, i uint64) (uint64, error) {
	return p.f.load(p.mem, tablePA+i*p.f.entryBytes())
}

// Release implements Backend.Release. Tables reachable through the kernel
// half are only freed by the kernel instance, which must be released last.
func (p *PageTables) Release() error {
	if p.root == 0 && p.tables == 0 {
		return nil
	}
	limit := p.f.entriesPerTable()
	if p.kernel != nil {
		limit = p.f.kernelIndex()
		p.kernel.derivedMu.Lock()
		delete(p.kernel.derived, p)
		p.kernel.derivedMu.Unlock()
	} else {
		p.derivedMu.Lock()
		n := len(p.derived)
		p.derivedMu.Unlock()
		if n != 0 {
			return fmt.Errorf("releasing kernel page tables with %d live address spaces: %w", n, memerr.EBUSY)
		}
	}
	if err := p.releaseTable(p.root, 0, limit); err != nil {
		return err
	}
	p.root = 0
	p.tlb.flush()
	return nil
}

func (p *PageTables) releaseTable(pa uint64, level int, limit uint64) error {
	if level < p.f.levels()-1 {
		for i := uint64(0); i < limit; i++ {
			raw, err := p.readEntry(pa, i)
			if err != nil {
				return err
			}
			if raw&bitPresent == 0 || (raw&bitHuge != 0 && p.f.leafAllowed(level)) {
				continue
			}
			if err := p.releaseTable(p.f.address(raw, level, false), level+1, p.f.entriesPerTable()); err != nil {
				return err
			}
		}
	}
	p.freeTable(pa)
	return nil
}
