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
	"fmt"
	"io"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/vmcore/pkg/mm"
)

// metricPrefix is prepended to every exported metric name.
const metricPrefix = "vmcore_"

// sample returns a gauge sample. labels alternate names and values.
func sample(v float64, labels ...string) *dto.Metric {
	m := &dto.Metric{Gauge: &dto.Gauge{Value: &v}}
	for i := 0; i+1 < len(labels); i += 2 {
		m.Label = append(m.Label, &dto.LabelPair{Name: &labels[i], Value: &labels[i+1]})
	}
	return m
}

// gauge returns a gauge family holding samples.
func gauge(name, help string, samples ...*dto.Metric) *dto.MetricFamily {
	name = metricPrefix + name
	return &dto.MetricFamily{
		Name:   &name,
		Help:   &help,
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: samples,
	}
}

// statsFamilies converts memory manager statistics to metric families.
func statsFamilies(s mm.Stats) []*dto.MetricFamily {
	families := []*dto.MetricFamily{
		gauge("paging_info", "Page table format in use.", sample(1, "format", string(s.Paging))),
		gauge("frames_total", "Physical frames managed by the frame allocator.", sample(float64(s.TotalFrames))),
		gauge("frames_free", "Physical frames not currently allocated.", sample(float64(s.FreeFrames))),
		gauge("pages_referenced", "Frames with a non-zero reference count.", sample(float64(s.Pages.Referenced))),
		gauge("pages_shared", "Frames referenced by more than one mapping.", sample(float64(s.Pages.Shared))),
		gauge("pages_copy_on_write", "Frames marked copy-on-write.", sample(float64(s.Pages.CopyOnWrite))),
		gauge("address_spaces", "Live user address spaces.", sample(float64(s.AddressSpaces))),
		gauge("kernel_table_frames", "Frames holding kernel page tables.", sample(float64(s.TableFrames))),
		gauge("kernel_regions", "Used regions of the kernel address space.", sample(float64(s.KernelRegions))),
		gauge("kernel_bytes", "Bytes covered by used kernel regions.", sample(float64(s.KernelBytes))),
	}
	if len(s.Pools) > 0 {
		var frames, free []*dto.Metric
		for _, p := range s.Pools {
			base := fmt.Sprintf("%#x", p.Base)
			frames = append(frames, sample(float64(p.Frames), "base", base))
			free = append(free, sample(float64(p.Free), "base", base))
		}
		families = append(families,
			gauge("pool_frames", "Frames in each allocator pool.", frames...),
			gauge("pool_free_frames", "Free frames in each allocator pool.", free...))
	}
	return families
}

// writeMetrics writes s to w in the Prometheus text exposition format.
func writeMetrics(w io.Writer, s mm.Stats) error {
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, f := range statsFamilies(s) {
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("encoding %s: %w", f.GetName(), err)
		}
	}
	return nil
}
