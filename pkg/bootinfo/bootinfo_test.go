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

package bootinfo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const tomlMachine = `
[kernel]
phys_base = "0x100000"
virt_base = "0xc0100000"
size = "1M"

[[memory]]
base = 0
length = "0x9f000"
type = "available"

[[memory]]
base = "0x100000"
length = "15MiB"
type = "available"

[[memory]]
base = "0x1000000"
length = 65536
type = "acpi-reclaimable"

[[device]]
name = "framebuffer"
base = "0xfd000000"
size = "3M"
`

const yamlMachine = `
kernel:
  phys_base: 0x100000
  virt_base: 0xc0100000
  size: 1M
memory:
  - {base: 0, length: 0x9f000, type: available}
  - {base: 0x100000, length: 15MiB, type: "1"}
  - {base: 0x1000000, length: 65536, type: acpi-reclaimable}
device:
  - {name: framebuffer, base: 0xfd000000, size: 3M}
`

func wantInfo() *Info {
	return &Info{
		Memory: MemoryMap{
			{Base: 0, Length: 0x9f000, Type: Available},
			{Base: 0x100000, Length: 0xf00000, Type: Available},
			{Base: 0x1000000, Length: 0x10000, Type: AcpiReclaimable},
		},
		Kernel:  KernelImage{PhysBase: 0x100000, VirtBase: 0xc0100000, Size: 0x100000},
		Devices: []Device{{Name: "framebuffer", PhysBase: 0xfd000000, Size: 0x300000}},
	}
}

func TestLoad(t *testing.T) {
	for _, test := range []struct {
		name string
		file string
		data string
	}{
		{name: "toml", file: "machine.toml", data: tomlMachine},
		{name: "yaml", file: "machine.yaml", data: yamlMachine},
	} {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), test.file)
			if err := os.WriteFile(path, []byte(test.data), 0644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			got, err := Load(path)
			if err != nil {
				t.Fatalf("Load(%q) failed: %v", path, err)
			}
			if diff := cmp.Diff(wantInfo(), got); diff != "" {
				t.Errorf("Load(%q) mismatch (-want +got):\n%s", path, diff)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	for _, test := range []struct {
		name string
		data string
		want string
	}{
		{
			name: "unknown key",
			data: "[kernel]\nbogus = 1\n",
			want: "unknown keys",
		},
		{
			name: "bad type",
			data: "[[memory]]\nbase = 0\nlength = 4096\ntype = \"flash\"\n",
			want: "unknown memory type",
		},
		{
			name: "negative",
			data: "[[memory]]\nbase = -1\nlength = 4096\ntype = \"available\"\n",
			want: "negative",
		},
		{
			name: "overlap",
			data: "[[memory]]\nbase = 0\nlength = 8192\ntype = \"available\"\n[[memory]]\nbase = 4096\nlength = 4096\ntype = \"reserved\"\n",
			want: "overlap",
		},
		{
			name: "no memory",
			data: "[[memory]]\nbase = 0\nlength = 8192\ntype = \"reserved\"\n",
			want: "no available memory",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := LoadTOML([]byte(test.data))
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("LoadTOML got err %v, want error containing %q", err, test.want)
			}
		})
	}
}

func TestLoadUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.json")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Errorf("Load(%q) succeeded, want error", path)
	}
}

func TestParseNumber(t *testing.T) {
	for _, test := range []struct {
		in   string
		want uint64
		ok   bool
	}{
		{in: "4096", want: 4096, ok: true},
		{in: "0x1000", want: 0x1000, ok: true},
		{in: "0xfk", ok: false},
		{in: "0x1_000", want: 0x1000, ok: true},
		{in: "4k", want: 4096, ok: true},
		{in: "2 MiB", want: 2 << 20, ok: true},
		{in: "1G", want: 1 << 30, ok: true},
		{in: "17179869184G", ok: false},
		{in: "", ok: false},
	} {
		got, err := parseNumber(test.in)
		if (err == nil) != test.ok {
			t.Errorf("parseNumber(%q) got err %v, want ok=%v", test.in, err, test.ok)
			continue
		}
		if test.ok && got != test.want {
			t.Errorf("parseNumber(%q) = %#x, want %#x", test.in, got, test.want)
		}
	}
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name   string
		modify func(*Info)
		ok     bool
	}{
		{name: "default", modify: func(*Info) {}, ok: true},
		{name: "kernel outside RAM", modify: func(i *Info) { i.Kernel.PhysBase = 0x9f000 }, ok: false},
		{name: "kernel past end of entry", modify: func(i *Info) { i.Kernel.Size = 0x1000000 }, ok: false},
		{name: "device over RAM", modify: func(i *Info) { i.Devices[0].PhysBase = 0x200000 }, ok: false},
		{name: "empty device", modify: func(i *Info) { i.Devices[0].Size = 0 }, ok: false},
		{name: "devices overlap", modify: func(i *Info) {
			i.Devices = append(i.Devices, Device{Name: "regs", PhysBase: 0xfd100000, Size: 0x1000})
		}, ok: false},
		{name: "empty entry", modify: func(i *Info) { i.Memory[0].Length = 0 }, ok: false},
	} {
		t.Run(test.name, func(t *testing.T) {
			info := Default()
			test.modify(info)
			if err := info.Validate(); (err == nil) != test.ok {
				t.Errorf("Validate() got err %v, want ok=%v", err, test.ok)
			}
		})
	}
}

func TestMemoryMapQueries(t *testing.T) {
	m := Default().Memory
	if got, want := m.TotalAvailable(), uint64(0x9f000+0xf00000); got != want {
		t.Errorf("TotalAvailable() = %#x, want %#x", got, want)
	}
	if got := len(m.Available()); got != 2 {
		t.Errorf("len(Available()) = %d, want 2", got)
	}
	e, ok := m.Find(0xa0000)
	if !ok || e.Type != Reserved {
		t.Errorf("Find(0xa0000) = %v, %v, want reserved entry", e, ok)
	}
	if _, ok := m.Find(0x2000000); ok {
		t.Errorf("Find(0x2000000) found an entry")
	}
}
