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

// Package vma tracks the virtual regions of one address space.
//
// A Tracker covers a fixed range with an ordered set of disjoint regions
// that together tile the range exactly. Used regions carry permissions and
// backing; free regions are the gaps available for allocation. Adjacent free
// regions are always merged.
//
// A Tracker is not synchronized. The owning address space serializes access.
package vma

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// File is the backing of a file-backed region.
type File interface {
	io.ReaderAt
}

// Region is a virtual range of an address space.
type Region struct {
	Range hostarch.AddrRange

	// Used is false for free gaps; the remaining fields are then zero.
	Used bool

	// Perms is the permitted access.
	Perms hostarch.AccessType

	// Shared regions keep aliasing their frames in clones instead of being
	// copied.
	Shared bool

	// KernelManaged is true if the region's frames come from the frame
	// allocator and are released with the region. It is false for
	// physical mappings of device memory and for file-backed regions whose
	// pages have not been filled.
	KernelManaged bool

	// File, if not nil, provides the contents of the region on demand.
	// The byte at Range.Start is at Offset in File.
	File   File
	Offset int64

	// Name describes the region in dumps.
	Name string
}

// Length returns the length of the region.
func (r Region) Length() uint64 {
	return r.Range.Length()
}

// FileBacked returns true if the region is filled from a file.
func (r Region) FileBacked() bool {
	return r.File != nil
}

// FileOffset returns the file offset of addr, which must be in the region.
func (r Region) FileOffset(addr hostarch.Addr) int64 {
	return r.Offset + int64(addr-r.Range.Start)
}

// String implements fmt.Stringer.
func (r Region) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%#016x-%#016x", uint64(r.Range.Start), uint64(r.Range.End))
	if !r.Used {
		b.WriteString(" free")
		return b.String()
	}
	fmt.Fprintf(&b, " %s", r.Perms)
	if r.Shared {
		b.WriteString(" shared")
	} else {
		b.WriteString(" private")
	}
	if r.KernelManaged {
		b.WriteString(" managed")
	}
	if r.File != nil {
		fmt.Fprintf(&b, " file@%#x", r.Offset)
	}
	if r.Name != "" {
		fmt.Fprintf(&b, " %s", r.Name)
	}
	return b.String()
}

// Opts are the attributes of a new used region.
type Opts struct {
	Perms         hostarch.AccessType
	Shared        bool
	KernelManaged bool
	Name          string
}

func (o Opts) region(ar hostarch.AddrRange) *Region {
	return &Region{
		Range:         ar,
		Used:          true,
		Perms:         o.Perms,
		Shared:        o.Shared,
		KernelManaged: o.KernelManaged,
		Name:          o.Name,
	}
}

// Tracker is the region set of one address space.
type Tracker struct {
	bounds hostarch.AddrRange
	tree   *btree.BTreeG[*Region]
}

const degree = 8

func less(a, b *Region) bool {
	return a.Range.Start < b.Range.Start
}

func pivot(addr hostarch.Addr) *Region {
	return &Region{Range: hostarch.AddrRange{Start: addr}}
}

// New returns a tracker for bounds with a single free region.
func New(bounds hostarch.AddrRange) (*Tracker, error) {
	if !bounds.WellFormed() || bounds.Length() == 0 || !bounds.IsPageAligned() {
		return nil, fmt.Errorf("tracker bounds %v: %w", bounds, memerr.EINVAL)
	}
	t := &Tracker{
		bounds: bounds,
		tree:   btree.NewG(degree, less),
	}
	t.tree.ReplaceOrInsert(&Region{Range: bounds})
	return t, nil
}

// Bounds returns the range covered by the tracker.
func (t *Tracker) Bounds() hostarch.AddrRange {
	return t.bounds
}

// Len returns the number of regions, used and free.
func (t *Tracker) Len() int {
	return t.tree.Len()
}

func (t *Tracker) containing(addr hostarch.Addr) *Region {
	var found *Region
	t.tree.DescendLessOrEqual(pivot(addr), func(r *Region) bool {
		found = r
		return false
	})
	if found == nil || !found.Range.Contains(addr) {
		return nil
	}
	return found
}

func checkSize(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-length region: %w", memerr.EINVAL)
	}
	rounded, ok := hostarch.Addr(size).RoundUp()
	if !ok {
		return 0, fmt.Errorf("region size %#x overflows: %w", size, memerr.EINVAL)
	}
	return uint64(rounded), nil
}

// carve replaces the free region free with a used region over sub and free
// remainders before and after it.
func (t *Tracker) carve(free *Region, sub hostarch.AddrRange, opts Opts) *Region {
	t.tree.Delete(free)
	if free.Range.Start < sub.Start {
		t.tree.ReplaceOrInsert(&Region{Range: hostarch.AddrRange{Start: free.Range.Start, End: sub.Start}})
	}
	if sub.End < free.Range.End {
		t.tree.ReplaceOrInsert(&Region{Range: hostarch.AddrRange{Start: sub.End, End: free.Range.End}})
	}
	used := opts.region(sub)
	t.tree.ReplaceOrInsert(used)
	return used
}

// Allocate returns a used region of size bytes, rounded up to pages, taken
// from the start of the first free gap large enough.
func (t *Tracker) Allocate(size uint64, opts Opts) (Region, error) {
	return t.AllocateAligned(size, hostarch.PageSize, opts)
}

// AllocateAligned is like Allocate, but the region starts at a multiple of
// align, which must be a power of two of at least PageSize.
func (t *Tracker) AllocateAligned(size, align uint64, opts Opts) (Region, error) {
	size, err := checkSize(size)
	if err != nil {
		return Region{}, err
	}
	if align < hostarch.PageSize || align&(align-1) != 0 {
		return Region{}, fmt.Errorf("alignment %#x: %w", align, memerr.EINVAL)
	}
	var (
		gap   *Region
		start hostarch.Addr
	)
	t.tree.Ascend(func(r *Region) bool {
		if r.Used {
			return true
		}
		s, ok := r.Range.Start.AlignUp(align)
		if !ok || s >= r.Range.End {
			return true
		}
		if uint64(r.Range.End-s) >= size {
			gap, start = r, s
			return false
		}
		return true
	})
	if gap == nil {
		return Region{}, fmt.Errorf("no free gap of %#x bytes: %w", size, memerr.ENOMEM)
	}
	return *t.carve(gap, hostarch.AddrRange{Start: start, End: start + hostarch.Addr(size)}, opts), nil
}

// AllocateAt returns a used region over [addr, addr+size). The range must
// lie within a single free gap.
func (t *Tracker) AllocateAt(addr hostarch.Addr, size uint64, opts Opts) (Region, error) {
	size, err := checkSize(size)
	if err != nil {
		return Region{}, err
	}
	if !addr.IsPageAligned() {
		return Region{}, fmt.Errorf("unaligned address %v: %w", addr, memerr.EINVAL)
	}
	ar, ok := addr.ToRange(size)
	if !ok || !t.bounds.IsSupersetOf(ar) {
		return Region{}, fmt.Errorf("range at %v of %#x bytes outside %v: %w", addr, size, t.bounds, memerr.EINVAL)
	}
	r := t.containing(addr)
	if r.Used || !r.Range.IsSupersetOf(ar) {
		return Region{}, fmt.Errorf("range %v: %w", ar, memerr.EBUSY)
	}
	return *t.carve(r, ar, opts), nil
}

// Reserve is AllocateAt for ranges that must never be handed out, such as
// the kernel image.
func (t *Tracker) Reserve(addr hostarch.Addr, size uint64, opts Opts) (Region, error) {
	return t.AllocateAt(addr, size, opts)
}

// CreateFileBacked allocates a region whose contents are read from file,
// starting at offset, when first accessed. If hint is non-zero the region
// is placed there if possible.
func (t *Tracker) CreateFileBacked(file File, offset int64, size uint64, hint hostarch.Addr, opts Opts) (Region, error) {
	if file == nil || offset < 0 || offset%hostarch.PageSize != 0 {
		return Region{}, fmt.Errorf("file backing at offset %d: %w", offset, memerr.EINVAL)
	}
	var (
		r   Region
		err error
	)
	if hint != 0 {
		r, err = t.AllocateAt(hint, size, opts)
	}
	if hint == 0 || err != nil {
		if r, err = t.Allocate(size, opts); err != nil {
			return Region{}, err
		}
	}
	stored := t.containing(r.Range.Start)
	stored.File = file
	stored.Offset = offset
	stored.KernelManaged = false
	return *stored, nil
}

// mergeFree merges the free region r with free neighbours.
func (t *Tracker) mergeFree(r *Region) {
	if r.Range.Start > t.bounds.Start {
		if prev := t.containing(r.Range.Start - 1); prev != nil && !prev.Used {
			t.tree.Delete(r)
			prev.Range.End = r.Range.End
			r = prev
		}
	}
	if next, ok := t.tree.Get(pivot(r.Range.End)); ok && !next.Used {
		t.tree.Delete(next)
		r.Range.End = next.Range.End
	}
}

// Free releases the used region starting at addr and returns it.
func (t *Tracker) Free(addr hostarch.Addr) (Region, error) {
	r, ok := t.tree.Get(pivot(addr))
	if !ok || !r.Used {
		return Region{}, fmt.Errorf("no region at %v: %w", addr, memerr.EFAULT)
	}
	freed := *r
	*r = Region{Range: r.Range}
	t.mergeFree(r)
	return freed, nil
}

// Release frees the parts of used regions that overlap ar, splitting
// regions that straddle its bounds. It returns the released pieces with
// their attributes, file offsets adjusted.
func (t *Tracker) Release(ar hostarch.AddrRange) ([]Region, error) {
	if !ar.WellFormed() || !ar.IsPageAligned() || ar.Length() == 0 {
		return nil, fmt.Errorf("release %v: %w", ar, memerr.EINVAL)
	}
	start := ar.Start
	if c := t.containing(ar.Start); c != nil {
		start = c.Range.Start
	}
	var overlapping []*Region
	t.tree.AscendGreaterOrEqual(pivot(start), func(r *Region) bool {
		if r.Range.Start >= ar.End {
			return false
		}
		if r.Used && r.Range.Overlaps(ar) {
			overlapping = append(overlapping, r)
		}
		return true
	})
	var released []Region
	for _, r := range overlapping {
		orig := *r
		cut := r.Range.Intersect(ar)
		t.tree.Delete(r)
		if orig.Range.Start < cut.Start {
			head := orig
			head.Range.End = cut.Start
			t.tree.ReplaceOrInsert(&head)
		}
		if cut.End < orig.Range.End {
			tail := orig
			tail.Range.Start = cut.End
			if tail.File != nil {
				tail.Offset = orig.FileOffset(cut.End)
			}
			t.tree.ReplaceOrInsert(&tail)
		}
		piece := orig
		piece.Range = cut
		if piece.File != nil {
			piece.Offset = orig.FileOffset(cut.Start)
		}
		released = append(released, piece)
		free := &Region{Range: cut}
		t.tree.ReplaceOrInsert(free)
		t.mergeFree(free)
	}
	return released, nil
}

// Find returns the used region starting at addr or, if contains is set,
// containing addr.
func (t *Tracker) Find(addr hostarch.Addr, contains bool) (Region, bool) {
	var r *Region
	if contains {
		r = t.containing(addr)
	} else {
		r, _ = t.tree.Get(pivot(addr))
	}
	if r == nil || !r.Used {
		return Region{}, false
	}
	return *r, true
}

// ForEach calls fn for every region, used and free, in address order until
// fn returns false.
func (t *Tracker) ForEach(fn func(Region) bool) {
	t.tree.Ascend(func(r *Region) bool {
		return fn(*r)
	})
}

// Used returns the used regions in address order.
func (t *Tracker) Used() []Region {
	var used []Region
	t.ForEach(func(r Region) bool {
		if r.Used {
			used = append(used, r)
		}
		return true
	})
	return used
}

// UsedBytes returns the total length of used regions.
func (t *Tracker) UsedBytes() uint64 {
	var n uint64
	for _, r := range t.Used() {
		n += r.Length()
	}
	return n
}

// Dump writes one line per region.
func (t *Tracker) Dump(w io.Writer) {
	t.ForEach(func(r Region) bool {
		fmt.Fprintf(w, "  %s\n", r)
		return true
	})
}

// String returns the dump of t.
func (t *Tracker) String() string {
	var b strings.Builder
	t.Dump(&b)
	return b.String()
}

// Clone returns an independent copy of t. File handles are shared.
func (t *Tracker) Clone() *Tracker {
	c := &Tracker{
		bounds: t.bounds,
		tree:   btree.NewG(degree, less),
	}
	t.tree.Ascend(func(r *Region) bool {
		cp := *r
		c.tree.ReplaceOrInsert(&cp)
		return true
	})
	return c
}

// CheckInvariants verifies that the regions tile the bounds in order, are
// page aligned and non-empty, and that no two free regions are adjacent.
func (t *Tracker) CheckInvariants() error {
	next := t.bounds.Start
	prevFree := false
	var err error
	t.tree.Ascend(func(r *Region) bool {
		switch {
		case r.Range.Start != next:
			err = fmt.Errorf("region %v does not start at %v", r, next)
		case r.Range.Length() == 0 || !r.Range.WellFormed():
			err = fmt.Errorf("region %v is empty or malformed", r)
		case !r.Range.IsPageAligned():
			err = fmt.Errorf("region %v is not page aligned", r)
		case prevFree && !r.Used:
			err = fmt.Errorf("free region %v follows another free region", r)
		}
		next = r.Range.End
		prevFree = !r.Used
		return err == nil
	})
	if err == nil && next != t.bounds.End {
		err = fmt.Errorf("regions end at %v, want %v", next, t.bounds.End)
	}
	return err
}
