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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/common/expfmt"
	"gvisor.dev/vmcore/pkg/mm"
	"gvisor.dev/vmcore/pkg/pagetables"
	"gvisor.dev/vmcore/vmcore/config"
)

func testConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func forEachPaging(t *testing.T, fn func(t *testing.T, paging pagetables.Format)) {
	for _, paging := range []pagetables.Format{pagetables.X86, pagetables.AMD64} {
		t.Run(string(paging), func(t *testing.T) { fn(t, paging) })
	}
}

func TestBoot(t *testing.T) {
	forEachPaging(t, func(t *testing.T, paging pagetables.Format) {
		for _, directMap := range []bool{false, true} {
			conf := testConfig(t, "--paging="+string(paging))
			conf.DirectMap = directMap
			var out strings.Builder
			b := &Boot{dump: true}
			if err := b.run(context.Background(), conf, &out); err != nil {
				t.Fatalf("boot (direct map %t) got err %v want nil", directMap, err)
			}
			for _, want := range []string{"paging: " + string(paging), "layout:", "kernel image:", "kernel regions:"} {
				if !strings.Contains(out.String(), want) {
					t.Errorf("boot output missing %q:\n%s", want, out.String())
				}
			}
			if got := strings.Contains(out.String(), "direct map:   none"); got == directMap {
				t.Errorf("direct map %t but output:\n%s", directMap, out.String())
			}
		}
	})
}

func TestBootMetrics(t *testing.T) {
	conf := testConfig(t)
	var out strings.Builder
	b := &Boot{metrics: true}
	if err := b.run(context.Background(), conf, &out); err != nil {
		t.Fatalf("boot got err %v want nil", err)
	}
	var p expfmt.TextParser
	families, err := p.TextToMetricFamilies(strings.NewReader(out.String()))
	if err != nil {
		t.Fatalf("parsing metrics: %v\n%s", err, out.String())
	}
	value := func(name string) float64 {
		f, ok := families[name]
		if !ok || len(f.GetMetric()) == 0 {
			t.Fatalf("metric %s missing:\n%s", name, out.String())
		}
		return f.GetMetric()[0].GetGauge().GetValue()
	}
	total, free := value("vmcore_frames_total"), value("vmcore_frames_free")
	if total == 0 || free == 0 || free >= total {
		t.Errorf("frames total %v free %v", total, free)
	}
	var poolFree float64
	for _, m := range families["vmcore_pool_free_frames"].GetMetric() {
		poolFree += m.GetGauge().GetValue()
	}
	if poolFree != free {
		t.Errorf("pool free frames sum to %v, want %v", poolFree, free)
	}
	info := families["vmcore_paging_info"].GetMetric()[0]
	if got := info.GetLabel()[0].GetValue(); got != "amd64" {
		t.Errorf("paging format label = %q, want amd64", got)
	}
}

func TestMemmap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.toml")
	const desc = `
[kernel]
phys_base = "0x100000"
size = "64K"

[[memory]]
base = 0
length = "0x9f000"
type = "available"

[[memory]]
base = "0x100000"
length = "4M"
type = "available"

[[memory]]
base = "0x500000"
length = "0x1000"
type = "bad"

[[device]]
name = "uart"
base = "0x10000000"
size = "0x1000"
`
	if err := os.WriteFile(path, []byte(desc), 0644); err != nil {
		t.Fatal(err)
	}
	conf := testConfig(t, "--machine="+path)
	var out strings.Builder
	m := &Memmap{frames: true}
	if err := m.run(conf, &out); err != nil {
		t.Fatalf("memmap got err %v want nil", err)
	}
	for _, want := range []string{
		"total available: 0x49f000",
		"total bad: 0x1000",
		"kernel: phys [0x100000, 0x110000)",
		"device uart: [0x10000000, 0x10001000)",
		"frames: 1183",
		"valid",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("memmap output missing %q:\n%s", want, out.String())
		}
	}

	conf.Machine = filepath.Join(t.TempDir(), "missing.yaml")
	if err := m.run(conf, &out); err == nil {
		t.Errorf("memmap of missing machine got err nil want error")
	}
}

func TestScenarios(t *testing.T) {
	var names []string
	for _, s := range scenarios {
		names = append(names, s.name)
	}
	forEachPaging(t, func(t *testing.T, paging pagetables.Format) {
		for _, mode := range []string{"copy", "cow"} {
			conf := testConfig(t, "--paging="+string(paging), "--fork-mode="+mode)
			var out strings.Builder
			if err := runScenarios(context.Background(), conf, &out, names); err != nil {
				t.Fatalf("fork mode %s: got err %v want nil\n%s", mode, err, out.String())
			}
			for _, name := range names {
				if want := "--- scenario " + name + " passed"; !strings.Contains(out.String(), want) {
					t.Errorf("output missing %q:\n%s", want, out.String())
				}
			}
		}
	})
}

func TestUnknownScenario(t *testing.T) {
	var out strings.Builder
	if err := runScenarios(context.Background(), testConfig(t), &out, []string{"b", "z"}); err == nil {
		t.Errorf("unknown scenario got err nil want error")
	}
}

func TestStress(t *testing.T) {
	forEachPaging(t, func(t *testing.T, paging pagetables.Format) {
		for _, mode := range []mm.ForkMode{mm.ForkCopy, mm.ForkCopyOnWrite} {
			conf := testConfig(t, "--paging="+string(paging), "--fork-mode="+mode.String())
			s := &Stress{workers: 4, iterations: 200, seed: 7}
			var out strings.Builder
			if err := s.run(context.Background(), conf, &out); err != nil {
				t.Fatalf("fork mode %v: got err %v want nil", mode, err)
			}
			if !strings.Contains(out.String(), "4 workers:") {
				t.Errorf("stress output:\n%s", out.String())
			}
		}
	})
}
