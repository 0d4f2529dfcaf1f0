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
	"errors"
	"fmt"
	"io"
	"strings"

	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/pagetables"
	"gvisor.dev/vmcore/pkg/pmm"
	"gvisor.dev/vmcore/pkg/vma"
)

// FaultInfo decodes a page fault error code.
type FaultInfo struct {
	// Present is set for protection violations and clear for accesses to
	// pages without a translation.
	Present bool

	Write            bool
	User             bool
	Reserved         bool
	InstructionFetch bool
}

// FromErrorCode decodes c.
func FromErrorCode(c pagetables.ErrorCode) FaultInfo {
	return FaultInfo{
		Present:          c&pagetables.ErrPresent != 0,
		Write:            c&pagetables.ErrWrite != 0,
		User:             c&pagetables.ErrUser != 0,
		Reserved:         c&pagetables.ErrReserved != 0,
		InstructionFetch: c&pagetables.ErrInstructionFetch != 0,
	}
}

// ErrorCode encodes f.
func (f FaultInfo) ErrorCode() pagetables.ErrorCode {
	var c pagetables.ErrorCode
	if f.Present {
		c |= pagetables.ErrPresent
	}
	if f.Write {
		c |= pagetables.ErrWrite
	}
	if f.User {
		c |= pagetables.ErrUser
	}
	if f.Reserved {
		c |= pagetables.ErrReserved
	}
	if f.InstructionFetch {
		c |= pagetables.ErrInstructionFetch
	}
	return c
}

// AccessType returns the access that faulted.
func (f FaultInfo) AccessType() hostarch.AccessType {
	switch {
	case f.InstructionFetch:
		return hostarch.Execute
	case f.Write:
		return hostarch.Write
	default:
		return hostarch.Read
	}
}

// String implements fmt.Stringer.
func (f FaultInfo) String() string {
	return f.ErrorCode().String()
}

// Reason is the cause of a fatal page fault.
type Reason int

const (
	ReasonReservedBit Reason = iota
	ReasonNotPresent
	ReasonExecute
	ReasonWrite
	ReasonRead
	ReasonNotCopyOnWrite
	ReasonIO
	ReasonNoMemory
)

var reasonNames = map[Reason]string{
	ReasonReservedBit:    "reserved bit set in page table entry",
	ReasonNotPresent:     "page not present",
	ReasonExecute:        "execute of non-executable page",
	ReasonWrite:          "write to read-only page",
	ReasonRead:           "read of unreadable page",
	ReasonNotCopyOnWrite: "write to present page not marked copy-on-write",
	ReasonIO:             "reading file-backed page failed",
	ReasonNoMemory:       "out of memory resolving fault",
}

// String implements fmt.Stringer.
func (r Reason) String() string {
	if s, ok := reasonNames[r]; ok {
		return s
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// classify returns the reason a fault on region r (nil if none) cannot be
// resolved.
func classify(info FaultInfo, r *vma.Region) Reason {
	var perms hostarch.AccessType
	if r != nil {
		perms = r.Perms
	}
	switch {
	case info.Reserved:
		return ReasonReservedBit
	case r == nil || !info.Present:
		return ReasonNotPresent
	case info.InstructionFetch && !perms.Execute:
		return ReasonExecute
	case info.Write && !perms.Write:
		return ReasonWrite
	default:
		return ReasonRead
	}
}

// FaultContext describes one page fault.
type FaultContext struct {
	// Space is the active address space.
	Space *AddressSpace

	// Addr is the faulting address.
	Addr hostarch.Addr

	// IP is the faulting instruction pointer.
	IP hostarch.Addr

	// Info is the decoded error code. Info.User distinguishes user from
	// kernel context.
	Info FaultInfo
}

// FaultReport describes a fatal page fault.
type FaultReport struct {
	Space   string
	Addr    hostarch.Addr
	IP      hostarch.Addr
	Reason  Reason
	Info    FaultInfo
	Kernel  bool
	Err     error
	Regions []vma.Region
}

// String implements fmt.Stringer.
func (r FaultReport) String() string {
	var b strings.Builder
	ctx := "user"
	if r.Kernel {
		ctx = "kernel"
	}
	fmt.Fprintf(&b, "fatal %s page fault in %q at %v, ip %v: %s (%v)", ctx, r.Space, r.Addr, r.IP, r.Reason, r.Info)
	if r.Err != nil {
		fmt.Fprintf(&b, ": %v", r.Err)
	}
	b.WriteString("\nregions:\n")
	for _, reg := range r.Regions {
		fmt.Fprintf(&b, "  %v\n", reg)
	}
	return b.String()
}

// FatalFaultError is returned by HandlePageFault for faults that terminated
// the process or halted the kernel.
type FatalFaultError struct {
	Report FaultReport
}

// Error implements error.Error.
func (e *FatalFaultError) Error() string {
	return fmt.Sprintf("fatal page fault at %v: %s", e.Report.Addr, e.Report.Reason)
}

// Unwrap returns memerr.EIO for failed file reads and memerr.EFAULT
// otherwise.
func (e *FatalFaultError) Unwrap() error {
	if e.Report.Reason == ReasonIO {
		return memerr.EIO
	}
	return memerr.EFAULT
}

// IsFatal returns true if err reports a fatal fault.
func IsFatal(err error) bool {
	var f *FatalFaultError
	return errors.As(err, &f)
}

// HandlePageFault resolves a page fault. It returns nil if the faulting
// access may be retried. Otherwise the fault is fatal: the report is logged,
// the kernel halts (kernel context) or the owning process is killed (user
// context), and a *FatalFaultError is returned.
func (m *MemoryManager) HandlePageFault(fc FaultContext) error {
	report, ok := m.resolve(fc)
	if ok {
		return nil
	}
	m.log.Warningf("%s", report)
	if report.Kernel {
		if m.opts.Halt == nil {
			panic(report.String())
		}
		m.opts.Halt(report)
	} else if fc.Space.proc != nil {
		fc.Space.proc.Kill(report)
	}
	return &FatalFaultError{Report: report}
}

// resolve handles fc under the address space lock. It returns false and the
// report if the fault is fatal.
func (m *MemoryManager) resolve(fc FaultContext) (FaultReport, bool) {
	as := fc.Space
	as.mu.Lock()
	defer as.mu.Unlock()

	report := FaultReport{
		Space:   as.name,
		Addr:    fc.Addr,
		IP:      fc.IP,
		Info:    fc.Info,
		Kernel:  !fc.Info.User,
		Regions: as.regions.Used(),
	}
	page := fc.Addr.RoundDown()
	r, ok := as.regions.Find(page, true)
	if !ok || as.released {
		report.Reason = classify(fc.Info, nil)
		return report, false
	}
	if report.Kernel {
		// Kernel faults are never resolved.
		report.Reason = classify(fc.Info, &r)
		return report, false
	}

	var err error
	switch {
	case fc.Info.Reserved:
		report.Reason = ReasonReservedBit
		return report, false
	case fc.Info.Write && fc.Info.Present && r.Perms.Write:
		report.Reason, err = m.breakCopyOnWriteLocked(as, page, r)
	case !fc.Info.Present && r.FileBacked() && !as.pt.IsMapped(page):
		report.Reason, err = m.fillLocked(as, page, r)
	default:
		report.Reason = classify(fc.Info, &r)
		return report, false
	}
	if err != nil {
		report.Err = err
		return report, false
	}
	return report, true
}

// breakCopyOnWriteLocked gives as a private writable copy of the shared
// frame mapped at page.
func (m *MemoryManager) breakCopyOnWriteLocked(as *AddressSpace, page hostarch.Addr, r vma.Region) (Reason, error) {
	e, ok := as.pt.Lookup(page)
	if !ok {
		return ReasonNotPresent, fmt.Errorf("no translation at %v: %w", page, memerr.EFAULT)
	}
	old := pmm.FrameFromAddress(e.Phys + uint64(page-e.Addr))
	if !m.meta.CopyOnWrite(old) {
		return ReasonNotCopyOnWrite, fmt.Errorf("%v at %v", old, page)
	}
	opts := as.mapOpts(r.Perms)

	if m.meta.Refs(old) == 1 {
		if err := m.meta.SetCopyOnWrite(old, false); err != nil {
			return ReasonNotCopyOnWrite, err
		}
		if err := as.pt.Protect(page, opts); err != nil {
			return ReasonNoMemory, err
		}
		return 0, nil
	}

	f, err := m.meta.Allocate()
	if err != nil {
		return ReasonNoMemory, err
	}
	if err := m.mem.Copy(f.Address(), old.Address(), hostarch.PageSize); err != nil {
		m.putFrame(f)
		return ReasonNoMemory, err
	}
	if err := as.pt.Map(page, f.Address(), opts); err != nil {
		m.putFrame(f)
		return ReasonNoMemory, err
	}
	if _, err := m.meta.DecRef(old); err != nil {
		return ReasonNotCopyOnWrite, err
	}
	return 0, nil
}

// fillLocked reads the page of file-backed region r at page into a new
// frame. Bytes past the end of the file read as zero.
func (m *MemoryManager) fillLocked(as *AddressSpace, page hostarch.Addr, r vma.Region) (Reason, error) {
	f, err := m.meta.Allocate()
	if err != nil {
		return ReasonNoMemory, err
	}
	buf, err := m.mem.Slice(f.Address(), hostarch.PageSize)
	if err != nil {
		m.putFrame(f)
		return ReasonNoMemory, err
	}
	clear(buf)
	if _, err := r.File.ReadAt(buf, r.FileOffset(page)); err != nil && err != io.EOF {
		m.putFrame(f)
		return ReasonIO, fmt.Errorf("reading offset %#x: %w", r.FileOffset(page), err)
	}
	if err := as.pt.Map(page, f.Address(), as.mapOpts(r.Perms)); err != nil {
		m.putFrame(f)
		return ReasonNoMemory, err
	}
	return 0, nil
}
