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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/bootinfo"
	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/mm"
	"gvisor.dev/vmcore/pkg/pmm"
	"gvisor.dev/vmcore/pkg/vma"
	"gvisor.dev/vmcore/vmcore/config"
)

type scenarioFunc func(ctx context.Context, conf *config.Config, w io.Writer) error

// scenarios are run in this order by "scenario all".
var scenarios = []struct {
	name string
	desc string
	fn   scenarioFunc
}{
	{"a", "exhaust and refill a four frame allocator", scenarioFrames},
	{"b", "allocate at a fixed address in a 1 MiB region tracker", scenarioRegions},
	{"c", "clone a one page address space by eager copy", scenarioClone},
	{"cow", "clone copy-on-write and break sharing with a write", scenarioCopyOnWrite},
	{"demand", "read a file-backed region filled on demand", scenarioDemand},
	{"mmio", "map a device aperture and access it", scenarioMMIO},
}

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct{}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run end-to-end memory scenarios"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	var b strings.Builder
	b.WriteString("scenario <name>... | all\n\nScenarios:\n")
	for _, s := range scenarios {
		fmt.Fprintf(&b, "  %-7s %s\n", s.name, s.desc)
	}
	return b.String()
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Scenario) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	names := f.Args()
	if len(names) == 1 && names[0] == "all" {
		names = nil
		for _, sc := range scenarios {
			names = append(names, sc.name)
		}
	}
	if err := runScenarios(ctx, confFromArgs(args), os.Stdout, names); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func runScenarios(ctx context.Context, conf *config.Config, w io.Writer, names []string) error {
	for _, name := range names {
		fn := lookupScenario(name)
		if fn == nil {
			return fmt.Errorf("unknown scenario %q", name)
		}
		fmt.Fprintf(w, "=== scenario %s\n", name)
		if err := fn(ctx, conf, w); err != nil {
			return fmt.Errorf("scenario %s failed: %w", name, err)
		}
		fmt.Fprintf(w, "--- scenario %s passed\n", name)
	}
	return nil
}

func lookupScenario(name string) scenarioFunc {
	for _, s := range scenarios {
		if s.name == name {
			return s.fn
		}
	}
	return nil
}

func scenarioFrames(_ context.Context, _ *config.Config, w io.Writer) error {
	a, err := pmm.New(bootinfo.MemoryMap{
		{Base: 0x100000, Length: 4 * hostarch.PageSize, Type: bootinfo.Available},
	}, pmm.Opts{})
	if err != nil {
		return err
	}
	var frames []pmm.Frame
	seen := make(map[pmm.Frame]bool)
	for i := 0; i < 4; i++ {
		f, err := a.Allocate()
		if err != nil {
			return fmt.Errorf("allocation %d: %w", i, err)
		}
		if seen[f] {
			return fmt.Errorf("frame %v allocated twice", f)
		}
		seen[f] = true
		frames = append(frames, f)
		fmt.Fprintf(w, "allocated %v\n", f)
	}
	if _, err := a.Allocate(); !errors.Is(err, memerr.ENOMEM) {
		return fmt.Errorf("fifth allocation: got err %v want %v", err, memerr.ENOMEM)
	}
	fmt.Fprintf(w, "fifth allocation: %v\n", memerr.ENOMEM)

	freed := frames[1]
	if err := a.Free(freed, 1); err != nil {
		return err
	}
	f, err := a.Allocate()
	if err != nil {
		return fmt.Errorf("allocation after free: %w", err)
	}
	if f != freed {
		return fmt.Errorf("allocation after freeing %v returned %v", freed, f)
	}
	fmt.Fprintf(w, "freed and reallocated %v\n", f)
	return nil
}

func scenarioRegions(_ context.Context, _ *config.Config, w io.Writer) error {
	t, err := vma.New(hostarch.AddrRange{Start: 0, End: 0x100000})
	if err != nil {
		return err
	}
	if _, err := t.AllocateAt(0x1000, 0x3000, vma.Opts{Perms: hostarch.ReadWrite}); err != nil {
		return err
	}
	t.Dump(w)

	var got []vma.Region
	t.ForEach(func(r vma.Region) bool {
		got = append(got, r)
		return true
	})
	want := []struct {
		ar   hostarch.AddrRange
		used bool
	}{
		{hostarch.AddrRange{Start: 0, End: 0x1000}, false},
		{hostarch.AddrRange{Start: 0x1000, End: 0x4000}, true},
		{hostarch.AddrRange{Start: 0x4000, End: 0x100000}, false},
	}
	if len(got) != len(want) {
		return fmt.Errorf("got %d regions want %d", len(got), len(want))
	}
	for i, r := range got {
		if r.Range != want[i].ar || r.Used != want[i].used {
			return fmt.Errorf("region %d is %v, want %v used=%t", i, r, want[i].ar, want[i].used)
		}
	}
	return t.CheckInvariants()
}

// withSpace boots a memory manager with fork mode mode and calls fn with a
// new user address space.
func withSpace(ctx context.Context, conf *config.Config, mode mm.ForkMode, fn func(m *mm.MemoryManager, as *mm.AddressSpace) error) error {
	m, err := boot(ctx, conf, func(o *mm.Opts) { o.ForkMode = mode })
	if err != nil {
		return err
	}
	defer m.Close()
	as, err := m.NewAddressSpace("scenario", nil)
	if err != nil {
		return err
	}
	if err := fn(m, as); err != nil {
		return err
	}
	if err := m.Release(as); err != nil {
		return err
	}
	return m.CheckInvariants()
}

func physAddr(m *mm.MemoryManager, as *mm.AddressSpace, addr hostarch.Addr) (uint64, error) {
	pa, ok := m.GetPhysicalAddress(as, addr)
	if !ok {
		return 0, fmt.Errorf("%v is not mapped in %v", addr, as)
	}
	return pa, nil
}

func scenarioClone(ctx context.Context, conf *config.Config, w io.Writer) error {
	return withSpace(ctx, conf, mm.ForkCopy, func(m *mm.MemoryManager, parent *mm.AddressSpace) error {
		addr, err := m.Allocate(parent, hostarch.PageSize, mm.AllocOpts{Perms: hostarch.ReadWrite, Name: "data"})
		if err != nil {
			return err
		}
		pattern := bytes.Repeat([]byte("vmcore!"), hostarch.PageSize/7)
		if _, err := m.CopyOut(parent, addr, pattern); err != nil {
			return err
		}
		child, err := m.Clone(parent, "child", nil)
		if err != nil {
			return err
		}
		defer m.Release(child)

		got := make([]byte, len(pattern))
		if _, err := m.CopyIn(child, addr, got); err != nil {
			return err
		}
		if !bytes.Equal(got, pattern) {
			return fmt.Errorf("child contents at %v differ from parent", addr)
		}
		ppa, err := physAddr(m, parent, addr)
		if err != nil {
			return err
		}
		cpa, err := physAddr(m, child, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "parent %v -> %#x, child %v -> %#x\n", addr, ppa, addr, cpa)
		if ppa == cpa {
			return fmt.Errorf("parent and child share frame %#x", ppa)
		}
		return nil
	})
}

func scenarioCopyOnWrite(ctx context.Context, conf *config.Config, w io.Writer) error {
	return withSpace(ctx, conf, mm.ForkCopyOnWrite, func(m *mm.MemoryManager, parent *mm.AddressSpace) error {
		addr, err := m.Allocate(parent, hostarch.PageSize, mm.AllocOpts{Perms: hostarch.ReadWrite, Name: "data"})
		if err != nil {
			return err
		}
		if _, err := m.CopyOut(parent, addr, []byte("parent")); err != nil {
			return err
		}
		child, err := m.Clone(parent, "child", nil)
		if err != nil {
			return err
		}
		defer m.Release(child)

		shared, err := physAddr(m, parent, addr)
		if err != nil {
			return err
		}
		meta := m.Metadata()
		frame := pmm.FrameFromAddress(shared)
		fmt.Fprintf(w, "after clone: frame %v refs %d cow %t\n", frame, meta.Refs(frame), meta.CopyOnWrite(frame))
		if meta.Refs(frame) != 2 || !meta.CopyOnWrite(frame) {
			return fmt.Errorf("frame %v not shared copy-on-write", frame)
		}

		// The write faults and breaks sharing in the child only.
		if _, err := m.CopyOut(child, addr, []byte("child!")); err != nil {
			return err
		}
		cpa, err := physAddr(m, child, addr)
		if err != nil {
			return err
		}
		ppa, err := physAddr(m, parent, addr)
		if err != nil {
			return err
		}
		cframe, pframe := pmm.FrameFromAddress(cpa), pmm.FrameFromAddress(ppa)
		fmt.Fprintf(w, "after child write: parent frame %v refs %d cow %t, child frame %v refs %d cow %t\n",
			pframe, meta.Refs(pframe), meta.CopyOnWrite(pframe), cframe, meta.Refs(cframe), meta.CopyOnWrite(cframe))
		if pframe != frame || cframe == frame {
			return fmt.Errorf("write did not copy: parent %v child %v original %v", pframe, cframe, frame)
		}
		if meta.Refs(cframe) != 1 || meta.CopyOnWrite(cframe) || meta.Refs(frame) != 1 {
			return fmt.Errorf("unexpected metadata after child write")
		}

		got := make([]byte, 6)
		if _, err := m.CopyIn(parent, addr, got); err != nil {
			return err
		}
		if string(got) != "parent" {
			return fmt.Errorf("parent reads %q after child write", got)
		}

		// The parent is now the only owner; its write reuses the frame.
		if _, err := m.CopyOut(parent, addr, []byte("PARENT")); err != nil {
			return err
		}
		if ppa, err = physAddr(m, parent, addr); err != nil {
			return err
		}
		if pframe = pmm.FrameFromAddress(ppa); pframe != frame || meta.Refs(frame) != 1 || meta.CopyOnWrite(frame) {
			return fmt.Errorf("parent write: frame %v refs %d cow %t, want %v refs 1 cow false", pframe, meta.Refs(pframe), meta.CopyOnWrite(pframe), frame)
		}
		fmt.Fprintf(w, "after parent write: parent frame %v refs %d cow %t\n", pframe, meta.Refs(pframe), meta.CopyOnWrite(pframe))
		return nil
	})
}

func scenarioDemand(ctx context.Context, conf *config.Config, w io.Writer) error {
	return withSpace(ctx, conf, conf.ForkMode, func(m *mm.MemoryManager, as *mm.AddressSpace) error {
		// The file ends in the middle of the second page.
		contents := bytes.Repeat([]byte{0xab}, hostarch.PageSize+hostarch.PageSize/2)
		const offset = hostarch.PageSize
		file := bytes.NewReader(append(make([]byte, offset), contents...))
		addr, err := m.CreateFileBackedRegion(as, file, offset, 2*hostarch.PageSize, 0, mm.AllocOpts{Perms: hostarch.Read, Name: "file"})
		if err != nil {
			return err
		}
		if _, ok := m.GetPhysicalAddress(as, addr); ok {
			return fmt.Errorf("file-backed page %v mapped before first access", addr)
		}
		got := make([]byte, 2*hostarch.PageSize)
		if _, err := m.CopyIn(as, addr, got); err != nil {
			return err
		}
		want := append(append([]byte(nil), contents...), make([]byte, hostarch.PageSize/2)...)
		if !bytes.Equal(got, want) {
			return fmt.Errorf("file-backed region contents differ from file")
		}
		fmt.Fprintf(w, "filled %d bytes at %v, %d zero bytes past end of file\n", len(contents), addr, hostarch.PageSize/2)
		return nil
	})
}

func scenarioMMIO(ctx context.Context, conf *config.Config, w io.Writer) error {
	m, err := boot(ctx, conf, nil)
	if err != nil {
		return err
	}
	defer m.Close()
	info := m.BootInfo()
	if len(info.Devices) == 0 {
		return fmt.Errorf("machine has no device apertures")
	}
	dev := info.Devices[0]
	// Map an unaligned window into the aperture.
	pa := dev.PhysBase + 0x10
	ptr, err := m.MapPhysicalRegion(pa, 0x20, mm.MMIOOpts{Name: dev.Name})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "mapped device %s %#x at %v\n", dev.Name, pa, ptr)
	if got, ok := m.GetPhysicalAddress(m.Kernel(), ptr); !ok || got != pa {
		return fmt.Errorf("%v translates to %#x, %t want %#x", ptr, got, ok, pa)
	}
	if _, err := m.CopyOut(m.Kernel(), ptr, []byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		return err
	}
	got := make([]byte, 4)
	if _, err := m.Memory().ReadAt(got, pa); err != nil {
		return err
	}
	if !bytes.Equal(got, []byte{0xde, 0xad, 0xbe, 0xef}) {
		return fmt.Errorf("device reads %x after write through %v", got, ptr)
	}
	if err := m.UnmapPhysicalRegion(ptr); err != nil {
		return err
	}
	if _, ok := m.GetPhysicalAddress(m.Kernel(), ptr); ok {
		return fmt.Errorf("%v still mapped after unmap", ptr)
	}
	fmt.Fprintf(w, "unmapped device %s\n", dev.Name)
	return m.CheckInvariants()
}
