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

// Package pagemeta tracks per-frame reference counts and copy-on-write state.
//
// Every frame handed out by the frame allocator to hold user or kernel data
// is registered here with one reference. Sharing a frame between mappings
// takes additional references; dropping the last reference returns the
// frame to the allocator. DecRef is the only path by which a tracked frame
// is freed.
package pagemeta

import (
	"fmt"
	"math"

	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/pmm"
	"gvisor.dev/vmcore/pkg/sync"
)

type entry struct {
	refs uint16
	cow  bool
}

// Table is the physical page metadata table. It is indexed by frame number
// over the span of frames managed by the allocator.
type Table struct {
	frames *pmm.Allocator
	base   pmm.Frame

	mu      sync.SpinLock
	entries []entry
}

// New creates a table covering every frame managed by frames.
func New(frames *pmm.Allocator) *Table {
	lo, hi := frames.FrameRange()
	return &Table{
		frames:  frames,
		base:    lo,
		entries: make([]entry, hi-lo),
	}
}

func (t *Table) entry(f pmm.Frame) (*entry, error) {
	if f < t.base || uint64(f-t.base) >= uint64(len(t.entries)) {
		return nil, fmt.Errorf("%v is not tracked: %w", f, memerr.EINVAL)
	}
	return &t.entries[f-t.base], nil
}

// Tracked returns true if f lies within the table and has references.
func (t *Table) Tracked(f pmm.Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.entry(f)
	return err == nil && e.refs > 0
}

// Allocate allocates a frame and registers it with one reference.
func (t *Table) Allocate() (pmm.Frame, error) {
	f, err := t.frames.Allocate()
	if err != nil {
		return pmm.InvalidFrame, err
	}
	if err := t.Get(f); err != nil {
		if ferr := t.frames.Free(f, 1); ferr != nil {
			log.Warningf("Freeing unregistered %v: %v", f, ferr)
		}
		return pmm.InvalidFrame, err
	}
	return f, nil
}

// Get registers a freshly allocated frame with one reference.
func (t *Table) Get(f pmm.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.entry(f)
	if err != nil {
		return err
	}
	if e.refs != 0 {
		return fmt.Errorf("%v already has %d references: %w", f, e.refs, memerr.EBUSY)
	}
	*e = entry{refs: 1}
	return nil
}

// IncRef takes a reference on a tracked frame and returns the new count.
func (t *Table) IncRef(f pmm.Frame) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.incRefLocked(f)
}

func (t *Table) incRefLocked(f pmm.Frame) (uint16, error) {
	e, err := t.entry(f)
	if err != nil {
		return 0, err
	}
	if e.refs == 0 {
		return 0, fmt.Errorf("IncRef of unreferenced %v: %w", f, memerr.EINVAL)
	}
	if e.refs == math.MaxUint16 {
		return 0, fmt.Errorf("reference count of %v overflows: %w", f, memerr.ENOMEM)
	}
	e.refs++
	return e.refs, nil
}

// Share takes a reference on f and marks it copy-on-write. It is used when a
// writable private frame gains a second mapping.
func (t *Table) Share(f pmm.Frame) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	refs, err := t.incRefLocked(f)
	if err != nil {
		return 0, err
	}
	t.entries[f-t.base].cow = true
	return refs, nil
}

// DecRef drops a reference on f and returns the remaining count. Dropping
// the last reference clears the copy-on-write flag and frees the frame.
func (t *Table) DecRef(f pmm.Frame) (uint16, error) {
	t.mu.Lock()
	e, err := t.entry(f)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	if e.refs == 0 {
		t.mu.Unlock()
		return 0, fmt.Errorf("DecRef of unreferenced %v: %w", f, memerr.EDOUBLEFREE)
	}
	e.refs--
	refs := e.refs
	if refs == 0 {
		e.cow = false
	}
	t.mu.Unlock()

	if refs == 0 {
		if err := t.frames.Free(f, 1); err != nil {
			return 0, err
		}
	}
	return refs, nil
}

// Refs returns the reference count of f, or 0 if f is not in the table.
func (t *Table) Refs(f pmm.Frame) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.entry(f)
	if err != nil {
		return 0
	}
	return e.refs
}

// CopyOnWrite returns the copy-on-write flag of f.
func (t *Table) CopyOnWrite(f pmm.Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.entry(f)
	return err == nil && e.cow
}

// SetCopyOnWrite sets the copy-on-write flag of a referenced frame.
func (t *Table) SetCopyOnWrite(f pmm.Frame, cow bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.entry(f)
	if err != nil {
		return err
	}
	if e.refs == 0 {
		return fmt.Errorf("SetCopyOnWrite of unreferenced %v: %w", f, memerr.EINVAL)
	}
	e.cow = cow
	return nil
}

// Stats summarizes the table.
type Stats struct {
	// Referenced is the number of frames with at least one reference.
	Referenced uint64

	// Shared is the number of frames with more than one reference.
	Shared uint64

	// CopyOnWrite is the number of frames flagged copy-on-write.
	CopyOnWrite uint64
}

// Stats returns a summary of the table.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s Stats
	for _, e := range t.entries {
		if e.refs > 0 {
			s.Referenced++
		}
		if e.refs > 1 {
			s.Shared++
		}
		if e.cow {
			s.CopyOnWrite++
		}
	}
	return s
}

// CheckInvariants verifies that every referenced frame is allocated and that
// no unreferenced frame is flagged copy-on-write.
func (t *Table) CheckInvariants() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		f := t.base + pmm.Frame(i)
		if e.refs == 0 && e.cow {
			return fmt.Errorf("%v has no references but is copy-on-write", f)
		}
		if e.refs > 0 && !t.frames.IsAllocated(f) {
			return fmt.Errorf("%v has %d references but is free", f, e.refs)
		}
	}
	return nil
}
