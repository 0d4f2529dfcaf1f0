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
	"fmt"

	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/physmem"
)

// slot locates one entry visited during a walk.
type slot struct {
	table uint64
	index uint64
	level int
	raw   uint64
}

func (p *PageTables) isLeaf(raw uint64, level int) bool {
	return level == p.f.levels()-1 || (p.f.leafAllowed(level) && raw&bitHuge != 0)
}

// find walks towards the leaf containing addr. It returns the visited slots;
// the last one is either the present leaf (ok) or the first entry that is
// not present.
func (p *PageTables) find(addr hostarch.Addr) (path []slot, ok bool, err error) {
	if !p.f.canonical(addr) || p.root == 0 {
		return nil, false, nil
	}
	table := p.root
	for level := 0; level < p.f.levels(); level++ {
		i := index(p.f, level, addr)
		raw, err := p.readEntry(table, i)
		if err != nil {
			return nil, false, err
		}
		path = append(path, slot{table: table, index: i, level: level, raw: raw})
		if raw&bitPresent == 0 {
			return path, false, nil
		}
		if p.isLeaf(raw, level) {
			return path, true, nil
		}
		table = p.f.address(raw, level, false)
	}
	panic("unreachable")
}

func (p *PageTables) entryFor(addr hostarch.Addr, s slot) Entry {
	size := pageSize(p.f, s.level)
	opts := p.f.decodeLeaf(s.raw, s.level)
	opts.Huge = s.level != p.f.levels()-1
	return Entry{
		Addr: hostarch.Addr(uint64(addr) &^ (size - 1)),
		Phys: p.f.address(s.raw, s.level, true),
		Size: size,
		Opts: opts,
	}
}

func (p *PageTables) checkWritable(addr hostarch.Addr) error {
	if !p.f.canonical(addr) {
		return fmt.Errorf("non-canonical address %v: %w", addr, memerr.EINVAL)
	}
	if p.kernel != nil && p.inKernelHalf(addr) {
		return fmt.Errorf("address %v is in the shared kernel half: %w", addr, memerr.EINVAL)
	}
	return nil
}

// leafSize returns the page size selected by opts.
func (p *PageTables) leafSize(opts MapOpts) uint64 {
	switch {
	case opts.Size != 0:
		return opts.Size
	case opts.Huge:
		return p.HugePageSize()
	default:
		return hostarch.PageSize
	}
}

// Map implements Backend.Map.
//
// Missing intermediate tables are allocated only if opts.Create is set. A
// large page on the path to a smaller mapping is split into a table of
// equivalent smaller pages. An existing leaf at the target is replaced
// unless opts.Exclusive is set; the replaced page is not released.
func (p *PageTables) Map(addr hostarch.Addr, phys uint64, opts MapOpts) error {
	if err := p.checkWritable(addr); err != nil {
		return err
	}
	size := p.leafSize(opts)
	target, ok := levelForSize(p.f, size)
	if !ok {
		return fmt.Errorf("unsupported page size %#x for %s: %w", size, p.f.kind(), memerr.EINVAL)
	}
	if !addr.IsAligned(size) || phys&(size-1) != 0 {
		return fmt.Errorf("mapping %v to %#x is not aligned to %#x: %w", addr, phys, size, memerr.EINVAL)
	}
	if !opts.AccessType.Any() {
		return fmt.Errorf("mapping %v with no access: %w", addr, memerr.EINVAL)
	}
	if p.f.kind() == X86 && phys+size > 1<<32 {
		return fmt.Errorf("physical address %#x beyond 4 GiB: %w", phys, memerr.EINVAL)
	}

	table := p.root
	for level := 0; level < target; level++ {
		i := index(p.f, level, addr)
		raw, err := p.readEntry(table, i)
		if err != nil {
			return err
		}
		switch {
		case raw&bitPresent == 0:
			if !opts.Create {
				return fmt.Errorf("no table for %v at level %d: %w", addr, level, memerr.EFAULT)
			}
			next, err := p.newTable()
			if err != nil {
				return err
			}
			raw = p.f.encodeTable(next, opts.User)
			if err := p.writeEntry(table, level, i, raw); err != nil {
				return err
			}
		case p.isLeaf(raw, level):
			if opts.Exclusive {
				return fmt.Errorf("%v is inside a large page: %w", addr, memerr.EEXIST)
			}
			if !opts.Create {
				return fmt.Errorf("splitting large page at %v requires a new table: %w", addr, memerr.EFAULT)
			}
			if raw, err = p.split(addr, table, level, i, raw); err != nil {
				return err
			}
		case opts.User && raw&bitUser == 0:
			raw |= bitUser
			if err := p.writeEntry(table, level, i, raw); err != nil {
				return err
			}
		}
		table = p.f.address(raw, level, false)
	}

	i := index(p.f, target, addr)
	raw, err := p.readEntry(table, i)
	if err != nil {
		return err
	}
	if raw&bitPresent != 0 {
		if opts.Exclusive {
			return fmt.Errorf("%v: %w", addr, memerr.EEXIST)
		}
		if !p.isLeaf(raw, target) {
			return fmt.Errorf("%v already has smaller pages mapped: %w", addr, memerr.EEXIST)
		}
	}
	if err := p.writeEntry(table, target, i, p.f.encodeLeaf(phys, target, opts)); err != nil {
		return err
	}
	p.invalidateRange(addr, size)
	return nil
}

// split replaces the large page raw at index i of table with a table of
// next-level pages mapping the same memory with the same options. It
// returns the new table entry.
func (p *PageTables) split(addr hostarch.Addr, table uint64, level int, i uint64, raw uint64) (uint64, error) {
	next, err := p.newTable()
	if err != nil {
		return 0, err
	}
	opts := p.f.decodeLeaf(raw, level)
	base := p.f.address(raw, level, true)
	child := pageSize(p.f, level+1)
	for j := uint64(0); j < p.f.entriesPerTable(); j++ {
		if err := p.writeEntry(next, level+1, j, p.f.encodeLeaf(base+j*child, level+1, opts)); err != nil {
			return 0, err
		}
	}
	entry := p.f.encodeTable(next, opts.User)
	if err := p.writeEntry(table, level, i, entry); err != nil {
		return 0, err
	}
	size := pageSize(p.f, level)
	p.invalidateRange(hostarch.Addr(uint64(addr)&^(size-1)), size)
	return entry, nil
}

// Unmap implements Backend.Unmap. Unmapping an address without a
// translation fails with EFAULT and changes nothing. Tables left empty are
// freed, except those linked from shared kernel root entries.
func (p *PageTables) Unmap(addr hostarch.Addr) (Entry, error) {
	if err := p.checkWritable(addr); err != nil {
		return Entry{}, err
	}
	path, ok, err := p.find(addr)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("unmap %v: %w", addr, memerr.EFAULT)
	}
	leaf := path[len(path)-1]
	e := p.entryFor(addr, leaf)
	if err := p.writeEntry(leaf.table, leaf.level, leaf.index, 0); err != nil {
		return Entry{}, err
	}
	p.invalidateRange(e.Addr, e.Size)

	for k := len(path) - 1; k > 0; k-- {
		parent := path[k-1]
		if parent.level == 0 && parent.index >= p.f.kernelIndex() {
			break
		}
		empty, err := p.tableEmpty(path[k].table)
		if err != nil {
			return e, err
		}
		if !empty {
			break
		}
		if err := p.writeEntry(parent.table, parent.level, parent.index, 0); err != nil {
			return e, err
		}
		p.freeTable(path[k].table)
	}
	return e, nil
}

func (p *PageTables) tableEmpty(table uint64) (bool, error) {
	for i := uint64(0); i < p.f.entriesPerTable(); i++ {
		raw, err := p.readEntry(table, i)
		if err != nil {
			return false, err
		}
		if raw != 0 {
			return false, nil
		}
	}
	return true, nil
}

// Protect implements Backend.Protect. The page size and physical address
// of the leaf are kept.
func (p *PageTables) Protect(addr hostarch.Addr, opts MapOpts) error {
	if err := p.checkWritable(addr); err != nil {
		return err
	}
	if !opts.AccessType.Any() {
		return fmt.Errorf("protecting %v with no access: %w", addr, memerr.EINVAL)
	}
	path, ok, err := p.find(addr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("protect %v: %w", addr, memerr.EFAULT)
	}
	if opts.User {
		for _, s := range path[:len(path)-1] {
			if s.raw&bitUser == 0 {
				if err := p.writeEntry(s.table, s.level, s.index, s.raw|bitUser); err != nil {
					return err
				}
			}
		}
	}
	leaf := path[len(path)-1]
	e := p.entryFor(addr, leaf)
	if err := p.writeEntry(leaf.table, leaf.level, leaf.index, p.f.encodeLeaf(e.Phys, leaf.level, opts)); err != nil {
		return err
	}
	p.invalidateRange(e.Addr, e.Size)
	return nil
}

// Lookup implements Backend.Lookup.
func (p *PageTables) Lookup(addr hostarch.Addr) (Entry, bool) {
	path, ok, err := p.find(addr)
	if err != nil || !ok {
		return Entry{}, false
	}
	return p.entryFor(addr, path[len(path)-1]), true
}

// GetPhysicalAddress implements Backend.GetPhysicalAddress.
func (p *PageTables) GetPhysicalAddress(addr hostarch.Addr) (uint64, bool) {
	e, ok := p.Lookup(addr)
	if !ok {
		return 0, false
	}
	return e.Phys + uint64(addr-e.Addr), true
}

// IsMapped implements Backend.IsMapped.
func (p *PageTables) IsMapped(addr hostarch.Addr) bool {
	_, ok := p.Lookup(addr)
	return ok
}

// EntryAddress implements Backend.EntryAddress.
func (p *PageTables) EntryAddress(addr hostarch.Addr) (uint64, bool) {
	path, ok, err := p.find(addr)
	if err != nil || !ok {
		return 0, false
	}
	leaf := path[len(path)-1]
	return leaf.table + leaf.index*p.f.entryBytes(), true
}

// Walk implements Backend.Walk.
func (p *PageTables) Walk(ar hostarch.AddrRange, fn func(Entry) bool) error {
	if p.root == 0 || ar.Length() == 0 {
		return nil
	}
	_, err := p.walkTable(p.root, 0, 0, ar, fn)
	return err
}

// walkTable visits the leaves of the table at level whose first entry maps
// root-relative offset base. It returns false if fn stopped the walk.
func (p *PageTables) walkTable(table uint64, level int, base uint64, ar hostarch.AddrRange, fn func(Entry) bool) (bool, error) {
	size := pageSize(p.f, level)
	for i := uint64(0); i < p.f.entriesPerTable(); i++ {
		va := p.f.extend(base + i*size)
		if !ar.Overlaps(hostarch.AddrRange{Start: va, End: va + hostarch.Addr(size)}) {
			// Wrapping at the top of the address space makes End zero.
			if va+hostarch.Addr(size) != 0 || va >= ar.End {
				continue
			}
		}
		raw, err := p.readEntry(table, i)
		if err != nil {
			return false, err
		}
		if raw&bitPresent == 0 {
			continue
		}
		if p.isLeaf(raw, level) {
			if !fn(p.entryFor(va, slot{table: table, index: i, level: level, raw: raw})) {
				return false, nil
			}
			continue
		}
		cont, err := p.walkTable(p.f.address(raw, level, false), level+1, base+i*size, ar, fn)
		if err != nil || !cont {
			return false, err
		}
	}
	return true, nil
}

// userHalf returns the range translated through per-address-space root
// entries.
func (p *PageTables) userHalf() hostarch.AddrRange {
	return hostarch.AddrRange{Start: 0, End: hostarch.Addr(p.f.kernelIndex() << p.f.shift(0))}
}

// CloneInto implements Backend.CloneInto. Leaves are collected before fn is
// called, so fn may modify the source's user half.
func (p *PageTables) CloneInto(other Backend, fn CloneFunc) error {
	o, ok := other.(*PageTables)
	if !ok || o.master() != p.master() || o == p {
		return fmt.Errorf("clone target must be a distinct address space sharing this kernel: %w", memerr.EINVAL)
	}
	if fn == nil {
		return fmt.Errorf("clone requires a CloneFunc: %w", memerr.EINVAL)
	}
	var leaves []Entry
	if err := p.Walk(p.userHalf(), func(e Entry) bool {
		leaves = append(leaves, e)
		return true
	}); err != nil {
		return err
	}
	for _, src := range leaves {
		dst, ok, err := fn(src)
		if err != nil {
			return fmt.Errorf("cloning %v: %w", src.Addr, err)
		}
		if !ok {
			continue
		}
		opts := dst.Opts
		opts.Size = dst.Size
		opts.Create = true
		if err := o.Map(dst.Addr, dst.Phys, opts); err != nil {
			return fmt.Errorf("cloning %v: %w", src.Addr, err)
		}
	}
	return nil
}

// EagerCopy returns a CloneFunc that gives the target a private copy of
// every page, using newFrame to obtain physical memory of the page's size.
func EagerCopy(mem *physmem.Memory, newFrame func(size uint64) (uint64, error)) CloneFunc {
	return func(src Entry) (Entry, bool, error) {
		pa, err := newFrame(src.Size)
		if err != nil {
			return Entry{}, false, err
		}
		if err := mem.Copy(pa, src.Phys, src.Size); err != nil {
			return Entry{}, false, err
		}
		dst := src
		dst.Phys = pa
		return dst, true, nil
	}
}
