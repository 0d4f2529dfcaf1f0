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

// Package bootinfo describes the machine handed over by the boot loader: the
// physical memory map, the kernel image load addresses and the device
// apertures that drivers may map.
package bootinfo

import (
	"fmt"
	"sort"
	"strings"
)

// Type is the type of a memory map entry. Values follow the multiboot
// numbering.
type Type uint32

// Memory map entry types.
const (
	Available       Type = 1
	Reserved        Type = 2
	AcpiReclaimable Type = 3
	AcpiNVS         Type = 4
	BadMemory       Type = 5
)

var typeNames = map[Type]string{
	Available:       "available",
	Reserved:        "reserved",
	AcpiReclaimable: "acpi-reclaimable",
	AcpiNVS:         "acpi-nvs",
	BadMemory:       "bad",
}

// String implements fmt.Stringer.
func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts the names
// printed by String as well as the raw multiboot numbers.
func (t *Type) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for k, v := range typeNames {
		if v == s {
			*t = k
			return nil
		}
	}
	n, err := parseNumber(s)
	if err != nil || n < uint64(Available) || n > uint64(BadMemory) {
		return fmt.Errorf("unknown memory type %q", s)
	}
	*t = Type(n)
	return nil
}

// Entry is one memory map entry.
type Entry struct {
	Base   uint64
	Length uint64
	Type   Type
}

// End returns the first address past the entry.
func (e Entry) End() uint64 {
	return e.Base + e.Length
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	return fmt.Sprintf("[%#016x, %#016x) %s", e.Base, e.End(), e.Type)
}

// MemoryMap is the boot memory map, in the order reported by firmware.
type MemoryMap []Entry

// Validate checks that no entry is empty or wraps around, and that no two
// entries overlap.
func (m MemoryMap) Validate() error {
	for _, e := range m {
		if e.Length == 0 {
			return fmt.Errorf("memory map entry %v is empty", e)
		}
		if e.End() < e.Base {
			return fmt.Errorf("memory map entry at %#x with length %#x wraps", e.Base, e.Length)
		}
	}
	sorted := m.Sorted()
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Base < sorted[i-1].End() {
			return fmt.Errorf("memory map entries %v and %v overlap", sorted[i-1], sorted[i])
		}
	}
	return nil
}

// Sorted returns a copy of the map ordered by base address.
func (m MemoryMap) Sorted() MemoryMap {
	s := append(MemoryMap(nil), m...)
	sort.Slice(s, func(i, j int) bool { return s[i].Base < s[j].Base })
	return s
}

// Available returns the available entries in registration order.
func (m MemoryMap) Available() []Entry {
	var avail []Entry
	for _, e := range m {
		if e.Type == Available {
			avail = append(avail, e)
		}
	}
	return avail
}

// TotalAvailable returns the number of available bytes.
func (m MemoryMap) TotalAvailable() uint64 {
	var total uint64
	for _, e := range m.Available() {
		total += e.Length
	}
	return total
}

// Find returns the entry containing pa.
func (m MemoryMap) Find(pa uint64) (Entry, bool) {
	for _, e := range m {
		if pa >= e.Base && pa < e.End() {
			return e, true
		}
	}
	return Entry{}, false
}

// KernelImage describes where the kernel was loaded.
type KernelImage struct {
	PhysBase uint64
	VirtBase uint64
	Size     uint64
}

// Device is a physical aperture owned by a device (framebuffer, MMIO
// registers, ACPI tables) rather than by the frame allocator.
type Device struct {
	Name     string
	PhysBase uint64
	Size     uint64
}

// End returns the first address past the aperture.
func (d Device) End() uint64 {
	return d.PhysBase + d.Size
}

// Info is the complete boot handoff.
type Info struct {
	Memory  MemoryMap
	Kernel  KernelImage
	Devices []Device
}

// Validate checks the memory map, that the kernel image lies within
// available memory, and that device apertures do not overlap available
// memory or each other.
func (i *Info) Validate() error {
	if err := i.Memory.Validate(); err != nil {
		return err
	}
	if len(i.Memory.Available()) == 0 {
		return fmt.Errorf("memory map has no available memory")
	}
	if i.Kernel.Size != 0 {
		e, ok := i.Memory.Find(i.Kernel.PhysBase)
		if !ok || e.Type != Available || i.Kernel.PhysBase+i.Kernel.Size > e.End() {
			return fmt.Errorf("kernel image [%#x, %#x) is not within available memory", i.Kernel.PhysBase, i.Kernel.PhysBase+i.Kernel.Size)
		}
	}
	for j, d := range i.Devices {
		if d.Size == 0 {
			return fmt.Errorf("device %q has an empty aperture", d.Name)
		}
		for _, e := range i.Memory.Available() {
			if d.PhysBase < e.End() && e.Base < d.End() {
				return fmt.Errorf("device %q aperture overlaps available memory %v", d.Name, e)
			}
		}
		for _, o := range i.Devices[:j] {
			if d.PhysBase < o.End() && o.PhysBase < d.End() {
				return fmt.Errorf("device %q aperture overlaps device %q", d.Name, o.Name)
			}
		}
	}
	return nil
}

// Device returns the device with the given name.
func (i *Info) Device(name string) (Device, bool) {
	for _, d := range i.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}
