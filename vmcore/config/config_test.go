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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmcore/pkg/mm"
	"gvisor.dev/vmcore/pkg/pagetables"
	"gvisor.dev/vmcore/pkg/pmm"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	return fs
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Paging:     pagetables.AMD64,
		LogFormat:  "text",
		ForkMode:   mm.ForkCopy,
		DoubleFree: pmm.DoubleFreeLog,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	fs := newFlagSet()
	if err := fs.Parse([]string{
		"--paging=x86",
		"--debug",
		"--fork-mode=cow",
		"--double-free=panic",
		"--direct-map",
		"--machine=/tmp/m.toml",
	}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	if want := pagetables.X86; c.Paging != want {
		t.Errorf("Paging=%v, want: %v", c.Paging, want)
	}
	if !c.Debug {
		t.Errorf("Debug=false, want: true")
	}
	if want := mm.ForkCopyOnWrite; c.ForkMode != want {
		t.Errorf("ForkMode=%v, want: %v", c.ForkMode, want)
	}
	if want := pmm.DoubleFreePanic; c.DoubleFree != want {
		t.Errorf("DoubleFree=%v, want: %v", c.DoubleFree, want)
	}
	opts := c.MMOpts()
	if opts.Paging != pagetables.X86 || opts.ForkMode != mm.ForkCopyOnWrite || opts.DoubleFree != pmm.DoubleFreePanic || !opts.DirectMap {
		t.Errorf("MMOpts() = %+v does not match config %+v", opts, c)
	}
}

func TestInvalidFlags(t *testing.T) {
	for _, args := range [][]string{
		{"--paging=arm64"},
		{"--fork-mode=lazy"},
		{"--double-free=ignore"},
	} {
		fs := newFlagSet()
		fs.SetOutput(new(strings.Builder))
		if err := fs.Parse(args); err == nil {
			t.Errorf("Parse(%v) succeeded, want error", args)
		}
	}
}

func TestValidate(t *testing.T) {
	fs := newFlagSet()
	if err := fs.Set("log-format", "xml"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := NewFromFlags(fs); err == nil {
		t.Errorf("NewFromFlags with log-format=xml succeeded, want error")
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	fs := newFlagSet()
	fs.Set("paging", "x86")
	fs.Set("debug", "true")
	fs.Set("fork-mode", "cow")
	fs.Set("log-format", "text") // Matches default value.
	c, err := NewFromFlags(fs)
	if err != nil {
		t.Fatal(err)
	}
	got := c.ToFlags()
	sort.Strings(got)
	want := []string{"--debug=true", "--fork-mode=cow", "--paging=x86"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}

	// The flags must round trip.
	fs2 := newFlagSet()
	if err := fs2.Parse(got); err != nil {
		t.Fatalf("Parse(%v): %v", got, err)
	}
	c2, err := NewFromFlags(fs2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, c2); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMachine(t *testing.T) {
	c := &Config{}
	info, err := c.LoadMachine()
	if err != nil {
		t.Fatalf("LoadMachine() with no machine: %v", err)
	}
	if err := info.Validate(); err != nil {
		t.Errorf("built-in machine is invalid: %v", err)
	}

	path := filepath.Join(t.TempDir(), "machine.yaml")
	const desc = `
memory:
  - {base: 0x0, length: 0x9f000, type: available}
  - {base: 0x100000, length: 0x400000, type: available}
kernel: {phys_base: 0x100000, size: 0x10000}
`
	if err := os.WriteFile(path, []byte(desc), 0644); err != nil {
		t.Fatal(err)
	}
	c.Machine = path
	info, err = c.LoadMachine()
	if err != nil {
		t.Fatalf("LoadMachine(%q): %v", path, err)
	}
	if got, want := info.Memory.TotalAvailable(), uint64(0x9f000+0x400000); got != want {
		t.Errorf("TotalAvailable() = %#x, want %#x", got, want)
	}

	c.Machine = filepath.Join(t.TempDir(), "missing.toml")
	if _, err := c.LoadMachine(); err == nil {
		t.Errorf("LoadMachine(%q) succeeded, want error", c.Machine)
	}
}
