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

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/physmem"
)

// Format names a paging format.
type Format string

// Supported paging formats.
const (
	// X86 is 32-bit non-PAE paging: two levels of 1024 four-byte entries,
	// 4 MiB large pages and no execute-disable bit.
	X86 Format = "x86"

	// AMD64 is 4-level long mode paging: four levels of 512 eight-byte
	// entries, 2 MiB and 1 GiB large pages and an execute-disable bit.
	AMD64 Format = "amd64"
)

// Set implements flag.Value.
func (f *Format) Set(v string) error {
	switch Format(v) {
	case X86, AMD64:
		*f = Format(v)
		return nil
	}
	return fmt.Errorf("invalid paging format %q, must be %q or %q", v, X86, AMD64)
}

// Get implements flag.Getter.
func (f *Format) Get() any { return *f }

// String implements flag.Value.
func (f *Format) String() string { return string(*f) }

// Bits common to both formats.
const (
	bitPresent      = 1 << 0
	bitWritable     = 1 << 1
	bitUser         = 1 << 2
	bitWriteThrough = 1 << 3
	bitCacheDisable = 1 << 4
	bitAccessed     = 1 << 5
	bitDirty        = 1 << 6
	bitHuge         = 1 << 7
	bitGlobal       = 1 << 8
)

// amd64 only.
const (
	bitNoExecute = 1 << 63

	// physBits is the simulated physical address width.
	physBits = 46
)

// Layout describes the fixed virtual layout of a paging format.
type Layout struct {
	// User is the range available to user address spaces.
	User hostarch.AddrRange

	// Kernel is the range managed by the kernel region tracker.
	Kernel hostarch.AddrRange

	// KernelImage is the virtual address at which physical address zero
	// would appear in the kernel image mapping.
	KernelImage hostarch.Addr

	// DirectMap is the window in which all RAM may be mapped at a fixed
	// offset.
	DirectMap hostarch.AddrRange
}

// format is the encoding of one paging format. Level 0 is the root.
type format interface {
	kind() Format
	levels() int
	entriesPerTable() uint64
	entryBytes() uint64

	// shift returns log2 of the bytes mapped by one entry at level.
	shift(level int) uint

	// leafAllowed returns true if an entry at level may map a page.
	leafAllowed(level int) bool

	// hugeLevel is the level of the default large page.
	hugeLevel() int

	// canonical returns true if addr is a valid virtual address.
	canonical(addr hostarch.Addr) bool

	// extend builds a canonical address from a root-relative offset.
	extend(addr uint64) hostarch.Addr

	// kernelIndex is the first root index of the kernel half.
	kernelIndex() uint64

	load(mem *physmem.Memory, pa uint64) (uint64, error)
	store(mem *physmem.Memory, pa uint64, raw uint64) error

	encodeLeaf(phys uint64, level int, opts MapOpts) uint64
	encodeTable(phys uint64, user bool) uint64
	decodeLeaf(raw uint64, level int) MapOpts

	// address returns the physical address held in raw.
	address(raw uint64, level int, leaf bool) uint64

	// reserved returns the reserved bits set in raw.
	reserved(raw uint64, level int, leaf bool) uint64

	noExecute(raw uint64) bool

	layout() Layout
}

func index(f format, level int, addr hostarch.Addr) uint64 {
	return (uint64(addr) >> f.shift(level)) & (f.entriesPerTable() - 1)
}

func pageSize(f format, level int) uint64 {
	return 1 << f.shift(level)
}

// levelForSize returns the level whose leaves map size bytes.
func levelForSize(f format, size uint64) (int, bool) {
	for level := 0; level < f.levels(); level++ {
		if pageSize(f, level) == size && f.leafAllowed(level) {
			return level, true
		}
	}
	return 0, false
}

func commonLeafBits(opts MapOpts) uint64 {
	raw := uint64(bitPresent)
	if opts.AccessType.Write {
		raw |= bitWritable
	}
	if opts.User {
		raw |= bitUser
	}
	if opts.Global {
		raw |= bitGlobal
	}
	switch opts.MemoryType {
	case hostarch.MemoryTypeWriteThrough:
		raw |= bitWriteThrough
	case hostarch.MemoryTypeUncached:
		raw |= bitWriteThrough | bitCacheDisable
	}
	return raw
}

func commonDecode(raw uint64) MapOpts {
	opts := MapOpts{
		AccessType: hostarch.AccessType{Read: true, Write: raw&bitWritable != 0},
		User:       raw&bitUser != 0,
		Global:     raw&bitGlobal != 0,
	}
	switch {
	case raw&bitCacheDisable != 0:
		opts.MemoryType = hostarch.MemoryTypeUncached
	case raw&bitWriteThrough != 0:
		opts.MemoryType = hostarch.MemoryTypeWriteThrough
	}
	return opts
}

// x86Format is 32-bit two-level paging with PSE.
type x86Format struct{}

func (x86Format) kind() Format            { return X86 }
func (x86Format) levels() int             { return 2 }
func (x86Format) entriesPerTable() uint64 { return 1024 }
func (x86Format) entryBytes() uint64      { return 4 }
func (x86Format) hugeLevel() int          { return 0 }
func (x86Format) kernelIndex() uint64     { return 768 }
func (x86Format) noExecute(uint64) bool   { return false }
func (x86Format) leafAllowed(int) bool    { return true }
func (x86Format) extend(a uint64) hostarch.Addr {
	return hostarch.Addr(a & 0xffffffff)
}

func (x86Format) shift(level int) uint {
	return [...]uint{22, 12}[level]
}

func (x86Format) canonical(addr hostarch.Addr) bool {
	return addr <= 0xffffffff
}

func (x86Format) load(mem *physmem.Memory, pa uint64) (uint64, error) {
	v, err := mem.Load32(pa)
	return uint64(v), err
}

func (x86Format) store(mem *physmem.Memory, pa uint64, raw uint64) error {
	return mem.Store32(pa, uint32(raw))
}

func (f x86Format) encodeLeaf(phys uint64, level int, opts MapOpts) uint64 {
	raw := commonLeafBits(opts) | phys&0xfffff000
	if level == 0 {
		raw |= bitHuge
	}
	return raw
}

func (x86Format) encodeTable(phys uint64, user bool) uint64 {
	raw := uint64(bitPresent|bitWritable) | phys&0xfffff000
	if user {
		raw |= bitUser
	}
	return raw
}

func (x86Format) decodeLeaf(raw uint64, level int) MapOpts {
	opts := commonDecode(raw)
	// Without an execute-disable bit every readable page is executable.
	opts.AccessType.Execute = true
	return opts
}

func (x86Format) address(raw uint64, level int, leaf bool) uint64 {
	if leaf && level == 0 {
		return raw & 0xffc00000
	}
	return raw & 0xfffff000
}

func (x86Format) reserved(raw uint64, level int, leaf bool) uint64 {
	if leaf && level == 0 {
		// PSE-36 is not supported.
		return raw & 0x003fe000
	}
	return 0
}

func (x86Format) layout() Layout {
	return Layout{
		User:        hostarch.AddrRange{Start: 0, End: 0xc0000000},
		Kernel:      hostarch.AddrRange{Start: 0xc0000000, End: 0xfffff000},
		KernelImage: 0xc0000000,
		DirectMap:   hostarch.AddrRange{Start: 0xc0000000, End: 0xe0000000},
	}
}

// amd64Format is 4-level long mode paging.
type amd64Format struct{}

const amd64AddrMask = (uint64(1)<<physBits - 1) &^ 0xfff

func (amd64Format) kind() Format            { return AMD64 }
func (amd64Format) levels() int             { return 4 }
func (amd64Format) entriesPerTable() uint64 { return 512 }
func (amd64Format) entryBytes() uint64      { return 8 }
func (amd64Format) hugeLevel() int          { return 2 }
func (amd64Format) kernelIndex() uint64     { return 256 }

func (amd64Format) shift(level int) uint {
	return [...]uint{39, 30, 21, 12}[level]
}

func (amd64Format) leafAllowed(level int) bool {
	return level > 0
}

func (amd64Format) canonical(addr hostarch.Addr) bool {
	top := uint64(addr) >> 47
	return top == 0 || top == 0x1ffff
}

func (amd64Format) extend(a uint64) hostarch.Addr {
	if a&(1<<47) != 0 {
		return hostarch.Addr(a | 0xffff000000000000)
	}
	return hostarch.Addr(a & 0x0000ffffffffffff)
}

func (amd64Format) load(mem *physmem.Memory, pa uint64) (uint64, error) {
	return mem.Load64(pa)
}

func (amd64Format) store(mem *physmem.Memory, pa uint64, raw uint64) error {
	return mem.Store64(pa, raw)
}

func (f amd64Format) encodeLeaf(phys uint64, level int, opts MapOpts) uint64 {
	raw := commonLeafBits(opts) | phys&amd64AddrMask
	if level < f.levels()-1 {
		raw |= bitHuge
	}
	if !opts.AccessType.Execute {
		raw |= bitNoExecute
	}
	return raw
}

func (amd64Format) encodeTable(phys uint64, user bool) uint64 {
	raw := uint64(bitPresent|bitWritable) | phys&amd64AddrMask
	if user {
		raw |= bitUser
	}
	return raw
}

func (amd64Format) decodeLeaf(raw uint64, level int) MapOpts {
	opts := commonDecode(raw)
	opts.AccessType.Execute = raw&bitNoExecute == 0
	return opts
}

func (f amd64Format) address(raw uint64, level int, leaf bool) uint64 {
	if leaf && level < f.levels()-1 {
		return raw & amd64AddrMask &^ (pageSize(f, level) - 1)
	}
	return raw & amd64AddrMask
}

func (f amd64Format) reserved(raw uint64, level int, leaf bool) uint64 {
	// Bits between the physical address width and the software-available
	// bits.
	r := raw & (uint64(1)<<52 - 1) &^ (uint64(1)<<physBits - 1)
	if leaf && level < f.levels()-1 {
		// Large page frames must be aligned; bit 12 is PAT.
		r |= raw & (pageSize(f, level) - 1) &^ 0x1fff
	}
	return r
}

func (amd64Format) noExecute(raw uint64) bool {
	return raw&bitNoExecute != 0
}

func (amd64Format) layout() Layout {
	return Layout{
		User:        hostarch.AddrRange{Start: 0, End: 0x00007ffffffff000},
		Kernel:      hostarch.AddrRange{Start: 0xffffc00000000000, End: 0xfffffffffffff000},
		KernelImage: 0xffffffff80000000,
		DirectMap:   hostarch.AddrRange{Start: 0xffff800000000000, End: 0xffffc00000000000},
	}
}
