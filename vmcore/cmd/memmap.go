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
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/bootinfo"
	"gvisor.dev/vmcore/pkg/pmm"
	"gvisor.dev/vmcore/vmcore/config"
)

// Memmap implements subcommands.Command for the "memmap" command.
type Memmap struct {
	// frames prints the frame pools the allocator would build.
	frames bool
}

// Name implements subcommands.Command.Name.
func (*Memmap) Name() string {
	return "memmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Memmap) Synopsis() string {
	return "print and validate a machine description"
}

// Usage implements subcommands.Command.Usage.
func (*Memmap) Usage() string {
	return `memmap [flags]

Loads the machine selected by --machine, validates it and prints its memory
map, kernel image and device apertures.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Memmap) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.frames, "frames", false, "print the frame pools built from the memory map")
}

// Execute implements subcommands.Command.Execute.
func (m *Memmap) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := m.run(confFromArgs(args), os.Stdout); err != nil {
		return Errorf("memmap failed: %v", err)
	}
	return subcommands.ExitSuccess
}

func (m *Memmap) run(conf *config.Config, w io.Writer) error {
	info, err := conf.LoadMachine()
	if err != nil {
		return err
	}
	if err := info.Validate(); err != nil {
		return fmt.Errorf("invalid machine: %w", err)
	}

	fmt.Fprintf(w, "memory map:\n")
	totals := make(map[bootinfo.Type]uint64)
	for _, e := range info.Memory.Sorted() {
		fmt.Fprintf(w, "  %v\n", e)
		totals[e.Type] += e.Length
	}
	for t := bootinfo.Available; t <= bootinfo.BadMemory; t++ {
		if totals[t] != 0 {
			fmt.Fprintf(w, "  total %s: %#x\n", t, totals[t])
		}
	}
	if info.Kernel.Size != 0 {
		k := info.Kernel
		fmt.Fprintf(w, "kernel: phys [%#x, %#x)", k.PhysBase, k.PhysBase+k.Size)
		if k.VirtBase != 0 {
			fmt.Fprintf(w, " virt %#x", k.VirtBase)
		}
		fmt.Fprintln(w)
	}
	for _, d := range info.Devices {
		fmt.Fprintf(w, "device %s: [%#x, %#x)\n", d.Name, d.PhysBase, d.End())
	}

	if m.frames {
		a, err := pmm.New(info.Memory, pmm.Opts{})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "frames: %d\n", a.TotalFrames())
		for _, p := range a.Regions() {
			fmt.Fprintf(w, "  pool %#x: %d frames\n", p.Base, p.Frames)
		}
	}
	fmt.Fprintf(w, "valid\n")
	return nil
}
