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
	"strings"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sync"
)

// ErrorCode is an x86 page fault error code.
type ErrorCode uint32

// Error code bits.
const (
	// ErrPresent is set for protection violations on a present page and
	// clear for faults on a missing translation.
	ErrPresent ErrorCode = 1 << 0

	// ErrWrite is set if the access was a write.
	ErrWrite ErrorCode = 1 << 1

	// ErrUser is set if the access came from user mode.
	ErrUser ErrorCode = 1 << 2

	// ErrReserved is set if a reserved bit was found set in an entry.
	ErrReserved ErrorCode = 1 << 3

	// ErrInstructionFetch is set if the access was an instruction fetch.
	ErrInstructionFetch ErrorCode = 1 << 4
)

// String implements fmt.Stringer.
func (c ErrorCode) String() string {
	var parts []string
	for _, b := range []struct {
		bit  ErrorCode
		name string
	}{
		{ErrPresent, "present"},
		{ErrWrite, "write"},
		{ErrUser, "user"},
		{ErrReserved, "reserved"},
		{ErrInstructionFetch, "ifetch"},
	} {
		if c&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// AccessErrorCode returns the error code bits describing an access.
func AccessErrorCode(at hostarch.AccessType, user bool) ErrorCode {
	var c ErrorCode
	if at.Write {
		c |= ErrWrite
	}
	if at.Execute {
		c |= ErrInstructionFetch
	}
	if user {
		c |= ErrUser
	}
	return c
}

// tlbCapacity bounds the number of cached translations. The whole TLB is
// flushed when it fills.
const tlbCapacity = 256

type tlbEntry struct {
	// phys is the physical address of the 4 KiB page.
	phys     uint64
	writable bool
	user     bool
	exec     bool
}

func (e tlbEntry) permits(at hostarch.AccessType, user bool) bool {
	return (!user || e.user) && (!at.Write || e.writable) && (!at.Execute || e.exec)
}

// tlb caches leaf translations by 4 KiB virtual page.
type tlb struct {
	mu      sync.Mutex
	entries map[hostarch.Addr]tlbEntry
	hits    uint64
	misses  uint64
}

func (t *tlb) init() {
	t.entries = make(map[hostarch.Addr]tlbEntry)
}

func (t *tlb) lookup(page hostarch.Addr) (tlbEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[page]
	if ok {
		t.hits++
	} else {
		t.misses++
	}
	return e, ok
}

func (t *tlb) insert(page hostarch.Addr, e tlbEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= tlbCapacity {
		clear(t.entries)
	}
	t.entries[page] = e
}

func (t *tlb) invalidate(start hostarch.Addr, size uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if size/hostarch.PageSize > uint64(len(t.entries)) {
		end := start + hostarch.Addr(size)
		for page := range t.entries {
			if page >= start && (page < end || end < start) {
				delete(t.entries, page)
			}
		}
		return
	}
	for off := uint64(0); off < size; off += hostarch.PageSize {
		delete(t.entries, start+hostarch.Addr(off))
	}
}

func (t *tlb) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.entries)
}

// TLBStats reports translation cache hits and misses.
type TLBStats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

// TLBStats returns the translation cache statistics of p.
func (p *PageTables) TLBStats() TLBStats {
	p.tlb.mu.Lock()
	defer p.tlb.mu.Unlock()
	return TLBStats{Entries: len(p.tlb.entries), Hits: p.tlb.hits, Misses: p.tlb.misses}
}

// Invalidate implements Backend.Invalidate.
func (p *PageTables) Invalidate(addr hostarch.Addr) {
	p.invalidateRange(addr.RoundDown(), hostarch.PageSize)
}

// FlushTLB drops every cached translation of p.
func (p *PageTables) FlushTLB() {
	p.tlb.flush()
}

// invalidateRange drops cached translations for [start, start+size). Changes
// to the kernel half by the kernel instance are visible through every
// derived instance, so their caches are invalidated too.
func (p *PageTables) invalidateRange(start hostarch.Addr, size uint64) {
	p.tlb.invalidate(start, size)
	if p.kernel != nil || !p.inKernelHalf(start) {
		return
	}
	p.derivedMu.Lock()
	defer p.derivedMu.Unlock()
	for d := range p.derived {
		d.tlb.invalidate(start, size)
	}
}

// Translate implements Backend.Translate. It returns the physical address
// for the access, or the error code of the page fault the access raises.
// Write protection applies to supervisor accesses too.
func (p *PageTables) Translate(addr hostarch.Addr, at hostarch.AccessType, user bool) (uint64, ErrorCode, bool) {
	code := AccessErrorCode(at, user)
	if !p.f.canonical(addr) || p.root == 0 {
		return 0, code, false
	}
	page := addr.RoundDown()
	if e, ok := p.tlb.lookup(page); ok && e.permits(at, user) {
		return e.phys + addr.PageOffset(), 0, true
	}

	writable, userOK, exec := true, true, true
	table := p.root
	for level := 0; level < p.f.levels(); level++ {
		raw, err := p.readEntry(table, index(p.f, level, addr))
		if err != nil || raw&bitPresent == 0 {
			return 0, code, false
		}
		leaf := p.isLeaf(raw, level)
		if p.f.reserved(raw, level, leaf) != 0 {
			return 0, code | ErrPresent | ErrReserved, false
		}
		writable = writable && raw&bitWritable != 0
		userOK = userOK && raw&bitUser != 0
		exec = exec && !p.f.noExecute(raw)
		if !leaf {
			table = p.f.address(raw, level, false)
			continue
		}
		e := tlbEntry{
			phys:     p.f.address(raw, level, true) + (uint64(page) & (pageSize(p.f, level) - 1)),
			writable: writable,
			user:     userOK,
			exec:     exec,
		}
		if !e.permits(at, user) {
			return 0, code | ErrPresent, false
		}
		p.tlb.insert(page, e)
		return e.phys + addr.PageOffset(), 0, true
	}
	panic("unreachable")
}
