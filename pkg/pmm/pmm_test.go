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

package pmm

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/bootinfo"
	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sync"
)

// recorder is an emitter that keeps every message.
type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Emit(_ int, _ log.Level, _ time.Time, format string, v ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, fmt.Sprintf(format, v...))
}

func newAllocator(t *testing.T, mmap bootinfo.MemoryMap) (*Allocator, *recorder) {
	t.Helper()
	emitter := &recorder{}
	logger := &log.BasicLogger{Level: log.Warning, Emitter: emitter}
	a, err := New(mmap, Opts{Logger: logger})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a, emitter
}

func TestScenarioA(t *testing.T) {
	a, _ := newAllocator(t, bootinfo.MemoryMap{
		{Base: 0x100000, Length: 0x4000, Type: bootinfo.Available},
	})
	seen := make(map[Frame]bool)
	var frames []Frame
	for i := 0; i < 4; i++ {
		f, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate #%d got err %v want nil", i, err)
		}
		if seen[f] {
			t.Fatalf("Allocate returned %v twice", f)
		}
		seen[f] = true
		frames = append(frames, f)
	}
	if _, err := a.Allocate(); err != memerr.ENOMEM {
		t.Fatalf("fifth Allocate got err %v want ENOMEM", err)
	}
	if err := a.Free(frames[2], 1); err != nil {
		t.Fatalf("Free got err %v want nil", err)
	}
	f, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Free got err %v want nil", err)
	}
	if f != frames[2] {
		t.Errorf("Allocate after Free = %v, want %v", f, frames[2])
	}
}

func TestNewAlignsInward(t *testing.T) {
	a, _ := newAllocator(t, bootinfo.MemoryMap{
		{Base: 0x800, Length: 0x3000, Type: bootinfo.Available},    // frames 1 and 2
		{Base: 0x10000, Length: 0x10000, Type: bootinfo.Reserved},  // ignored
		{Base: 0x20000, Length: 0x800, Type: bootinfo.Available},   // too small
		{Base: 0x100000, Length: 0x2000, Type: bootinfo.Available}, // frames 0x100, 0x101
	})
	want := []RegionStats{
		{Base: 0x1000, Frames: 2, Free: 2},
		{Base: 0x100000, Frames: 2, Free: 2},
	}
	if diff := cmp.Diff(want, a.Regions()); diff != "" {
		t.Errorf("Regions() mismatch (-want +got):\n%s", diff)
	}
	lo, hi := a.FrameRange()
	if lo != 1 || hi != 0x102 {
		t.Errorf("FrameRange() = %v, %v, want 1, 0x102", lo, hi)
	}
	if a.Contains(0) || !a.Contains(2) || a.Contains(3) {
		t.Errorf("Contains reports wrong membership")
	}
}

func TestNewNoMemory(t *testing.T) {
	_, err := New(bootinfo.MemoryMap{{Base: 0, Length: 0x1000, Type: bootinfo.Reserved}}, Opts{})
	if !errors.Is(err, memerr.ENOMEM) {
		t.Errorf("New got err %v want ENOMEM", err)
	}
}

func TestRegistrationOrder(t *testing.T) {
	a, _ := newAllocator(t, bootinfo.MemoryMap{
		{Base: 0x200000, Length: 0x1000, Type: bootinfo.Available},
		{Base: 0x100000, Length: 0x1000, Type: bootinfo.Available},
	})
	for _, want := range []Frame{0x200, 0x100} {
		if got, err := a.Allocate(); err != nil || got != want {
			t.Errorf("Allocate() = %v, %v, want %v", got, err, want)
		}
	}
}

func TestContiguous(t *testing.T) {
	for _, test := range []struct {
		name  string
		used  []Frame
		n     uint64
		align uint64
		want  Frame
		err   error
	}{
		{name: "empty", n: 4, align: 1, want: 0x100},
		{name: "skip hole", used: []Frame{0x102}, n: 4, align: 1, want: 0x103},
		{name: "aligned", used: []Frame{0x100}, n: 2, align: 4, want: 0x104},
		{name: "no run", used: []Frame{0x103, 0x107, 0x10b, 0x10f}, n: 4, align: 1, err: memerr.ENOMEM},
		{name: "too large", n: 17, align: 1, err: memerr.ENOMEM},
		{name: "zero", n: 0, align: 1, err: memerr.EINVAL},
		{name: "bad align", n: 1, align: 3, err: memerr.EINVAL},
	} {
		t.Run(test.name, func(t *testing.T) {
			a, _ := newAllocator(t, bootinfo.MemoryMap{
				{Base: 0x100000, Length: 0x10000, Type: bootinfo.Available},
			})
			for _, f := range test.used {
				if _, err := a.ReserveRange(f.Address(), 0x1000); err != nil {
					t.Fatalf("ReserveRange(%v) got err %v want nil", f, err)
				}
			}
			before := a.FreeFrames()
			got, err := a.AllocateAligned(test.n, test.align)
			if err != test.err {
				t.Fatalf("AllocateAligned(%d, %d) got err %v want %v", test.n, test.align, err, test.err)
			}
			if err != nil {
				if a.FreeFrames() != before {
					t.Errorf("failed allocation changed free count from %d to %d", before, a.FreeFrames())
				}
				return
			}
			if got != test.want {
				t.Errorf("AllocateAligned(%d, %d) = %v, want %v", test.n, test.align, got, test.want)
			}
			for i := uint64(0); i < test.n; i++ {
				if !a.IsAllocated(got + Frame(i)) {
					t.Errorf("frame %v of run not allocated", got+Frame(i))
				}
			}
			if a.FreeFrames() != before-test.n {
				t.Errorf("FreeFrames() = %d, want %d", a.FreeFrames(), before-test.n)
			}
		})
	}
}

func TestContiguousNoStitching(t *testing.T) {
	// Two adjacent pools of 2 frames each: a run of 3 must not span them.
	a, _ := newAllocator(t, bootinfo.MemoryMap{
		{Base: 0x100000, Length: 0x2000, Type: bootinfo.Available},
		{Base: 0x102000, Length: 0x2000, Type: bootinfo.Available},
	})
	if _, err := a.AllocateContiguous(3); err != memerr.ENOMEM {
		t.Errorf("AllocateContiguous(3) got err %v want ENOMEM", err)
	}
	if got, err := a.AllocateContiguous(2); err != nil || got != 0x100 {
		t.Errorf("AllocateContiguous(2) = %v, %v, want 0x100", got, err)
	}
}

func TestDoubleFree(t *testing.T) {
	a, emitter := newAllocator(t, bootinfo.MemoryMap{
		{Base: 0x100000, Length: 0x4000, Type: bootinfo.Available},
	})
	f, err := a.AllocateContiguous(2)
	if err != nil {
		t.Fatalf("AllocateContiguous got err %v want nil", err)
	}
	if err := a.Free(f, 1); err != nil {
		t.Fatalf("Free got err %v want nil", err)
	}
	free := a.FreeFrames()
	// The second frame is still allocated, but the range is only partially
	// allocated so nothing may change.
	if err := a.Free(f, 2); err != memerr.EDOUBLEFREE {
		t.Errorf("Free of partially free range got err %v want EDOUBLEFREE", err)
	}
	if a.FreeFrames() != free || !a.IsAllocated(f+1) {
		t.Errorf("failed Free changed allocator state")
	}
	if len(emitter.msgs) != 1 {
		t.Errorf("got %d warnings, want 1: %v", len(emitter.msgs), emitter.msgs)
	}
	if err := a.Free(0x5000, 1); !errors.Is(err, memerr.EINVAL) {
		t.Errorf("Free of unmanaged frame got err %v want EINVAL", err)
	}
}

func TestDoubleFreePanic(t *testing.T) {
	a, err := New(bootinfo.MemoryMap{{Base: 0x100000, Length: 0x1000, Type: bootinfo.Available}}, Opts{DoubleFree: DoubleFreePanic})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("double free did not panic")
		}
	}()
	a.Free(0x100, 1)
}

func TestReserveRange(t *testing.T) {
	a, _ := newAllocator(t, bootinfo.MemoryMap{
		{Base: 0x100000, Length: 0x4000, Type: bootinfo.Available},
		{Base: 0x200000, Length: 0x4000, Type: bootinfo.Available},
	})
	// Unaligned range covering the last frame of the first pool, the hole,
	// and the first frame of the second pool.
	n, err := a.ReserveRange(0x103800, 0xfc900)
	if err != nil {
		t.Fatalf("ReserveRange got err %v want nil", err)
	}
	if n != 2 {
		t.Errorf("ReserveRange reserved %d frames, want 2", n)
	}
	if !a.IsAllocated(0x103) || !a.IsAllocated(0x200) || a.IsAllocated(0x201) {
		t.Errorf("ReserveRange reserved the wrong frames")
	}
	if _, err := a.ReserveRange(0x200000, 0x2000); !errors.Is(err, memerr.EBUSY) {
		t.Errorf("overlapping ReserveRange got err %v want EBUSY", err)
	}
	if a.IsAllocated(0x201) {
		t.Errorf("failed ReserveRange reserved frames")
	}
}

// TestSoundness runs a random sequence of operations and checks that live
// allocations never alias and that the free count is consistent.
func TestSoundness(t *testing.T) {
	a, _ := newAllocator(t, bootinfo.MemoryMap{
		{Base: 0x100000, Length: 0x40000, Type: bootinfo.Available},
		{Base: 0x400000, Length: 0x13000, Type: bootinfo.Available},
	})
	total := a.TotalFrames()
	type run struct {
		f Frame
		n uint64
	}
	var live []run
	owner := make(map[Frame]int)
	allocated := uint64(0)
	rng := rand.New(rand.NewSource(1))
	for step := 0; step < 5000; step++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(live) == 0:
			n := uint64(1 + rng.Intn(8))
			var (
				f   Frame
				err error
			)
			if n == 1 {
				f, err = a.Allocate()
			} else {
				f, err = a.AllocateContiguous(n)
			}
			if err == memerr.ENOMEM {
				continue
			}
			if err != nil {
				t.Fatalf("step %d: allocate got err %v", step, err)
			}
			for i := uint64(0); i < n; i++ {
				if prev, ok := owner[f+Frame(i)]; ok {
					t.Fatalf("step %d: frame %v already owned by allocation %d", step, f+Frame(i), prev)
				}
				owner[f+Frame(i)] = step
			}
			live = append(live, run{f, n})
			allocated += n
		default:
			i := rng.Intn(len(live))
			r := live[i]
			live = append(live[:i], live[i+1:]...)
			if err := a.Free(r.f, r.n); err != nil {
				t.Fatalf("step %d: Free(%v, %d) got err %v", step, r.f, r.n, err)
			}
			for j := uint64(0); j < r.n; j++ {
				delete(owner, r.f+Frame(j))
			}
			allocated -= r.n
		}
		if got := a.FreeFrames(); got != total-allocated {
			t.Fatalf("step %d: FreeFrames() = %d, want %d", step, got, total-allocated)
		}
	}
}

func TestConcurrentAllocate(t *testing.T) {
	a, _ := newAllocator(t, bootinfo.MemoryMap{
		{Base: 0x100000, Length: 0x100000, Type: bootinfo.Available},
	})
	const workers = 8
	results := make([][]Frame, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 32; i++ {
				f, err := a.Allocate()
				if err != nil {
					return err
				}
				results[w] = append(results[w], f)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Allocate got err %v want nil", err)
	}
	seen := make(map[Frame]bool)
	for _, fs := range results {
		for _, f := range fs {
			if seen[f] {
				t.Fatalf("frame %v allocated twice", f)
			}
			seen[f] = true
		}
	}
	if got, want := a.FreeFrames(), a.TotalFrames()-workers*32; got != want {
		t.Errorf("FreeFrames() = %d, want %d", got, want)
	}
}
