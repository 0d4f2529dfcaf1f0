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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Number is an unsigned quantity in a machine description. It may be written
// as an integer or as a string with a C-style base prefix ("0x1000") and an
// optional binary unit suffix ("64M", "2GiB").
type Number uint64

var suffixes = []struct {
	suffix string
	shift  uint
}{
	{"kib", 10}, {"mib", 20}, {"gib", 30},
	{"k", 10}, {"m", 20}, {"g", 30},
}

func parseNumber(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	var shift uint
	for _, sfx := range suffixes {
		// A hex literal may end in what looks like a suffix.
		if strings.HasPrefix(s, "0x") {
			break
		}
		if strings.HasSuffix(s, sfx.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, sfx.suffix))
			shift = sfx.shift
			break
		}
	}
	n, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
	if err != nil {
		return 0, err
	}
	if n<<shift>>shift != n {
		return 0, fmt.Errorf("%q overflows", s)
	}
	return n << shift, nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (n *Number) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return fmt.Errorf("negative value %d", v)
		}
		*n = Number(v)
		return nil
	case string:
		u, err := parseNumber(v)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", v, err)
		}
		*n = Number(u)
		return nil
	default:
		return fmt.Errorf("invalid number %v of type %T", v, v)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *Number) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", node.Line)
	}
	u, err := parseNumber(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid number %q: %w", node.Line, node.Value, err)
	}
	*n = Number(u)
	return nil
}

// machine is the on-disk layout of a machine description.
type machine struct {
	Kernel struct {
		PhysBase Number `toml:"phys_base" yaml:"phys_base"`
		VirtBase Number `toml:"virt_base" yaml:"virt_base"`
		Size     Number `toml:"size" yaml:"size"`
	} `toml:"kernel" yaml:"kernel"`
	Memory []struct {
		Base   Number `toml:"base" yaml:"base"`
		Length Number `toml:"length" yaml:"length"`
		Type   Type   `toml:"type" yaml:"type"`
	} `toml:"memory" yaml:"memory"`
	Devices []struct {
		Name string `toml:"name" yaml:"name"`
		Base Number `toml:"base" yaml:"base"`
		Size Number `toml:"size" yaml:"size"`
	} `toml:"device" yaml:"device"`
}

func (m *machine) info() (*Info, error) {
	info := &Info{
		Kernel: KernelImage{
			PhysBase: uint64(m.Kernel.PhysBase),
			VirtBase: uint64(m.Kernel.VirtBase),
			Size:     uint64(m.Kernel.Size),
		},
	}
	for _, e := range m.Memory {
		info.Memory = append(info.Memory, Entry{Base: uint64(e.Base), Length: uint64(e.Length), Type: e.Type})
	}
	for _, d := range m.Devices {
		info.Devices = append(info.Devices, Device{Name: d.Name, PhysBase: uint64(d.Base), Size: uint64(d.Size)})
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return info, nil
}

// LoadTOML parses a TOML machine description.
func LoadTOML(data []byte) (*Info, error) {
	var m machine
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parsing machine description: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys in machine description: %v", undecoded)
	}
	return m.info()
}

// LoadYAML parses a YAML machine description.
func LoadYAML(data []byte) (*Info, error) {
	var m machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing machine description: %w", err)
	}
	return m.info()
}

// Load reads a machine description from path, choosing the format by file
// extension.
func Load(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return LoadTOML(data)
	case ".yaml", ".yml":
		return LoadYAML(data)
	default:
		return nil, fmt.Errorf("unknown machine description format %q", ext)
	}
}

// Default returns a small machine: 16 MiB of RAM with the kernel image at
// 1 MiB, a legacy hole below it, and a framebuffer aperture.
func Default() *Info {
	return &Info{
		Memory: MemoryMap{
			{Base: 0x0, Length: 0x9f000, Type: Available},
			{Base: 0x9f000, Length: 0x61000, Type: Reserved},
			{Base: 0x100000, Length: 0xf00000, Type: Available},
			{Base: 0x1000000, Length: 0x10000, Type: AcpiReclaimable},
		},
		Kernel: KernelImage{
			PhysBase: 0x100000,
			VirtBase: 0xc0100000,
			Size:     0x100000,
		},
		Devices: []Device{
			{Name: "framebuffer", PhysBase: 0xfd000000, Size: 0x300000},
		},
	}
}
