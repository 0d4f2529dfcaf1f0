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

// Package pmm implements the physical frame allocator.
//
// The allocator owns every page-aligned frame of the available entries of
// the boot memory map. Each available entry becomes a pool with one bit per
// frame; pools are scanned in registration order and frames are handed out
// first fit. All operations are serialized by a single non-reentrant spin
// lock and never block, so they may be called while resolving a page fault.
package pmm

import (
	"fmt"
	"math"
	"time"

	"gvisor.dev/vmcore/pkg/bitmap"
	"gvisor.dev/vmcore/pkg/bootinfo"
	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sync"
)

// Frame is a physical frame number.
type Frame uint64

// InvalidFrame is returned by the allocator when it fails to allocate.
const InvalidFrame = Frame(math.MaxUint64)

// FrameFromAddress returns the frame containing physical address pa.
func FrameFromAddress(pa uint64) Frame {
	return Frame(pa >> hostarch.PageShift)
}

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of the frame.
func (f Frame) Address() uint64 {
	return uint64(f) << hostarch.PageShift
}

// String implements fmt.Stringer.
func (f Frame) String() string {
	if !f.Valid() {
		return "frame(invalid)"
	}
	return fmt.Sprintf("frame(%#x)", f.Address())
}

// DoubleFreePolicy selects what Free does when asked to release a frame that
// is not allocated.
type DoubleFreePolicy int

const (
	// DoubleFreeLog leaves the bitmap untouched, logs a rate-limited warning
	// and returns memerr.EDOUBLEFREE.
	DoubleFreeLog DoubleFreePolicy = iota

	// DoubleFreePanic panics.
	DoubleFreePanic
)

// String implements fmt.Stringer.
func (p DoubleFreePolicy) String() string {
	switch p {
	case DoubleFreeLog:
		return "log"
	case DoubleFreePanic:
		return "panic"
	default:
		return fmt.Sprintf("DoubleFreePolicy(%d)", int(p))
	}
}

// Set implements flag.Value.
func (p *DoubleFreePolicy) Set(v string) error {
	switch v {
	case "log":
		*p = DoubleFreeLog
	case "panic":
		*p = DoubleFreePanic
	default:
		return fmt.Errorf("invalid double free policy %q, must be 'log' or 'panic'", v)
	}
	return nil
}

// Get implements flag.Getter.
func (p *DoubleFreePolicy) Get() any { return *p }

// Opts configures an Allocator.
type Opts struct {
	DoubleFree DoubleFreePolicy

	// Logger receives double free diagnostics. If nil, a logger rate limited
	// to one message per second is used.
	Logger log.Logger
}

// framePool tracks the frames of one available memory map entry.
type framePool struct {
	// startFrame is the first frame of the pool.
	startFrame Frame

	// frames is the number of frames in the pool.
	frames uint32

	// freeCount is the number of frames not currently allocated.
	freeCount uint32

	// used has bit i set iff startFrame+i is allocated.
	used bitmap.Bitmap
}

func (p *framePool) contains(f Frame, n uint64) bool {
	return f >= p.startFrame && uint64(f-p.startFrame)+n <= uint64(p.frames)
}

// Allocator is the physical frame allocator.
type Allocator struct {
	opts Opts
	warn log.Logger

	mu    sync.SpinLock
	pools []framePool
}

// New creates an allocator for the available entries of mmap. Entries are
// shrunk inward to page boundaries; entries smaller than a page are
// ignored.
func New(mmap bootinfo.MemoryMap, opts Opts) (*Allocator, error) {
	if err := mmap.Validate(); err != nil {
		return nil, err
	}
	a := &Allocator{opts: opts, warn: opts.Logger}
	if a.warn == nil {
		a.warn = log.BasicRateLimitedLogger(time.Second)
	}
	for _, e := range mmap.Available() {
		start, ok := hostarch.Addr(e.Base).RoundUp()
		if !ok {
			continue
		}
		end := hostarch.Addr(e.End()).RoundDown()
		if end <= start {
			continue
		}
		frames := uint64(end-start) >> hostarch.PageShift
		if frames > uint64(bitmap.MaxBitEntryLimit) {
			return nil, fmt.Errorf("memory map entry %v has too many frames: %w", e, memerr.EINVAL)
		}
		a.pools = append(a.pools, framePool{
			startFrame: FrameFromAddress(uint64(start)),
			frames:     uint32(frames),
			freeCount:  uint32(frames),
			used:       bitmap.New(uint32(frames)),
		})
	}
	if len(a.pools) == 0 {
		return nil, fmt.Errorf("memory map has no usable frames: %w", memerr.ENOMEM)
	}
	log.Debugf("Frame allocator: %d pools, %d frames", len(a.pools), a.TotalFrames())
	return a, nil
}

// Allocate returns the first free frame.
func (a *Allocator) Allocate() (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.pools {
		p := &a.pools[i]
		if p.freeCount == 0 {
			continue
		}
		idx, err := p.used.FirstZero(0)
		if err != nil {
			panic(fmt.Sprintf("pool at %v has %d free frames but a full bitmap", p.startFrame, p.freeCount))
		}
		p.used.Add(idx)
		p.freeCount--
		return p.startFrame + Frame(idx), nil
	}
	return InvalidFrame, memerr.ENOMEM
}

// AllocateContiguous returns the first frame of a run of n physically
// consecutive free frames, all marked allocated. Runs never span pools.
func (a *Allocator) AllocateContiguous(n uint64) (Frame, error) {
	return a.AllocateAligned(n, 1)
}

// AllocateAligned is like AllocateContiguous, but the first frame number is
// a multiple of align, which must be a power of two.
func (a *Allocator) AllocateAligned(n, align uint64) (Frame, error) {
	if n == 0 || align == 0 || align&(align-1) != 0 {
		return InvalidFrame, memerr.EINVAL
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.pools {
		p := &a.pools[i]
		if uint64(p.freeCount) < n {
			continue
		}
		if idx, ok := p.findRun(n, align); ok {
			p.used.SetRange(idx, idx+uint32(n))
			p.freeCount -= uint32(n)
			return p.startFrame + Frame(idx), nil
		}
	}
	return InvalidFrame, memerr.ENOMEM
}

// findRun returns the index of the first free run of n frames whose frame
// number is a multiple of align.
func (p *framePool) findRun(n, align uint64) (uint32, bool) {
	alignIdx := func(idx uint64) uint64 {
		f := uint64(p.startFrame) + idx
		return (f+align-1)&^(align-1) - uint64(p.startFrame)
	}
	idx := alignIdx(0)
	for idx+n <= uint64(p.frames) {
		pos, ok := p.used.FindZeroRun(uint32(n), uint32(idx), 1)
		if !ok {
			return 0, false
		}
		if next := alignIdx(uint64(pos)); next != uint64(pos) {
			idx = next
			continue
		}
		return pos, true
	}
	return 0, false
}

func (a *Allocator) poolFor(f Frame, n uint64) *framePool {
	for i := range a.pools {
		if a.pools[i].contains(f, n) {
			return &a.pools[i]
		}
	}
	return nil
}

// Free releases n frames starting at f. Every frame must be allocated;
// otherwise nothing is released and the double free policy applies.
func (a *Allocator) Free(f Frame, n uint64) error {
	if n == 0 {
		return memerr.EINVAL
	}
	a.mu.Lock()
	p := a.poolFor(f, n)
	if p == nil {
		a.mu.Unlock()
		return fmt.Errorf("freeing %d frames at %v not owned by the allocator: %w", n, f, memerr.EINVAL)
	}
	idx := uint32(f - p.startFrame)
	if ones := p.used.CountOnes(idx, idx+uint32(n)); uint64(ones) != n {
		a.mu.Unlock()
		return a.doubleFree(f, n, n-uint64(ones))
	}
	p.used.ClearRange(idx, idx+uint32(n))
	p.freeCount += uint32(n)
	a.mu.Unlock()
	return nil
}

func (a *Allocator) doubleFree(f Frame, n, free uint64) error {
	if a.opts.DoubleFree == DoubleFreePanic {
		panic(fmt.Sprintf("double free of %d frames at %v (%d already free)", n, f, free))
	}
	a.warn.Warningf("Double free of %d frames at %v (%d already free), ignored", n, f, free)
	return memerr.EDOUBLEFREE
}

// ReserveRange marks the frames overlapping [pa, pa+size) as allocated so
// they are never handed out. Frames outside every pool are ignored. If any
// frame in a pool is already allocated, nothing is reserved and EBUSY is
// returned. It returns the number of frames reserved.
func (a *Allocator) ReserveRange(pa, size uint64) (uint64, error) {
	if size == 0 {
		return 0, memerr.EINVAL
	}
	end, ok := hostarch.Addr(pa).AddLength(size)
	if !ok {
		return 0, memerr.EINVAL
	}
	first := FrameFromAddress(uint64(hostarch.Addr(pa).RoundDown()))
	last := FrameFromAddress(uint64(end-1)) + 1

	a.mu.Lock()
	defer a.mu.Unlock()
	type span struct {
		p          *framePool
		start, end uint32
	}
	var spans []span
	for i := range a.pools {
		p := &a.pools[i]
		lo, hi := max(first, p.startFrame), min(last, p.startFrame+Frame(p.frames))
		if lo >= hi {
			continue
		}
		s := span{p, uint32(lo - p.startFrame), uint32(hi - p.startFrame)}
		if p.used.CountOnes(s.start, s.end) != 0 {
			return 0, fmt.Errorf("reserving [%#x, %#x): %w", pa, uint64(end), memerr.EBUSY)
		}
		spans = append(spans, s)
	}
	var reserved uint64
	for _, s := range spans {
		s.p.used.SetRange(s.start, s.end)
		s.p.freeCount -= s.end - s.start
		reserved += uint64(s.end - s.start)
	}
	return reserved, nil
}

// Contains returns true if f is managed by the allocator.
func (a *Allocator) Contains(f Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.poolFor(f, 1) != nil
}

// IsAllocated returns true if f is managed by the allocator and allocated.
func (a *Allocator) IsAllocated(f Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.poolFor(f, 1)
	return p != nil && p.used.Contains(uint32(f-p.startFrame))
}

// FreeFrames returns the number of free frames.
func (a *Allocator) FreeFrames() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var free uint64
	for i := range a.pools {
		free += uint64(a.pools[i].freeCount)
	}
	return free
}

// TotalFrames returns the number of frames managed by the allocator.
func (a *Allocator) TotalFrames() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for i := range a.pools {
		total += uint64(a.pools[i].frames)
	}
	return total
}

// FrameRange returns the lowest managed frame and one past the highest.
func (a *Allocator) FrameRange() (Frame, Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	lo, hi := InvalidFrame, Frame(0)
	for i := range a.pools {
		p := &a.pools[i]
		lo = min(lo, p.startFrame)
		hi = max(hi, p.startFrame+Frame(p.frames))
	}
	return lo, hi
}

// RegionStats describes one pool.
type RegionStats struct {
	Base   uint64
	Frames uint64
	Free   uint64
}

// Regions returns per-pool statistics in registration order.
func (a *Allocator) Regions() []RegionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := make([]RegionStats, 0, len(a.pools))
	for i := range a.pools {
		p := &a.pools[i]
		stats = append(stats, RegionStats{
			Base:   p.startFrame.Address(),
			Frames: uint64(p.frames),
			Free:   uint64(p.freeCount),
		})
	}
	return stats
}
