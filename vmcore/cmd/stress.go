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
	"math/rand"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/errors/memerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/mm"
	"gvisor.dev/vmcore/vmcore/config"
)

// maxLiveRegions bounds the regions each stress worker holds at once.
const maxLiveRegions = 16

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	seed       int64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent allocate, free, access and clone workers"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags]

Boots the memory core and runs workers, each in its own address space, that
allocate, free, write, read and clone memory concurrently. Afterwards the
frame allocator must have exactly as many free frames as it had before the
workers started.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 4, "number of concurrent workers")
	f.IntVar(&s.iterations, "iterations", 1000, "operations per worker")
	f.Int64Var(&s.seed, "seed", 1, "random seed; worker i uses seed+i")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.iterations < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := s.run(ctx, confFromArgs(args), os.Stdout); err != nil {
		return Errorf("stress failed: %v", err)
	}
	return subcommands.ExitSuccess
}

// stressCounts counts the operations of one worker.
type stressCounts struct {
	allocs, frees, accesses, clones, oom uint64
}

func (c *stressCounts) add(o stressCounts) {
	c.allocs += o.allocs
	c.frees += o.frees
	c.accesses += o.accesses
	c.clones += o.clones
	c.oom += o.oom
}

func (s *Stress) run(ctx context.Context, conf *config.Config, w io.Writer) error {
	m, err := boot(ctx, conf, nil)
	if err != nil {
		return err
	}
	defer m.Close()

	before := m.Frames().FreeFrames()
	counts := make([]stressCounts, s.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		i := i
		g.Go(func() error {
			return s.worker(gctx, m, i, &counts[i])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var total stressCounts
	for _, c := range counts {
		total.add(c)
	}
	fmt.Fprintf(w, "%d workers: %d allocations (%d out of memory), %d frees, %d accesses, %d clones\n",
		s.workers, total.allocs, total.oom, total.frees, total.accesses, total.clones)

	if err := m.CheckInvariants(); err != nil {
		return err
	}
	if after := m.Frames().FreeFrames(); after != before {
		return fmt.Errorf("%d free frames after stress, want %d", after, before)
	}
	fmt.Fprintf(w, "free frames: %d of %d\n", before, m.Frames().TotalFrames())
	return nil
}

// stressRegion is a region owned by a worker and the byte its pages hold.
type stressRegion struct {
	addr  hostarch.Addr
	pages int
	stamp byte
}

func (s *Stress) worker(ctx context.Context, m *mm.MemoryManager, id int, counts *stressCounts) (retErr error) {
	rng := rand.New(rand.NewSource(s.seed + int64(id)))
	as, err := m.NewAddressSpace(fmt.Sprintf("stress-%d", id), nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Release(as); err != nil && retErr == nil {
			retErr = err
		}
	}()

	var live []stressRegion
	for i := 0; i < s.iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		op := rng.Intn(10)
		switch {
		case len(live) == 0 || (op < 4 && len(live) < maxLiveRegions):
			pages := 1 + rng.Intn(4)
			addr, err := m.Allocate(as, uint64(pages)*hostarch.PageSize, mm.AllocOpts{Perms: hostarch.ReadWrite})
			if outOfMemory(err) {
				counts.oom++
				continue
			}
			if err != nil {
				return fmt.Errorf("worker %d: allocate: %w", id, err)
			}
			counts.allocs++
			live = append(live, stressRegion{addr: addr, pages: pages})

		case op < 6:
			j := rng.Intn(len(live))
			if err := m.Free(as, live[j].addr); err != nil {
				return fmt.Errorf("worker %d: free %v: %w", id, live[j].addr, err)
			}
			counts.frees++
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]

		case op < 9:
			j := rng.Intn(len(live))
			r := &live[j]
			r.stamp = byte(rng.Intn(255) + 1)
			if err := writeRegion(m, as, r); err != nil {
				if !outOfMemory(err) {
					return fmt.Errorf("worker %d: %w", id, err)
				}
				// The region holds a partial write; drop it.
				counts.oom++
				if err := m.Free(as, r.addr); err != nil {
					return fmt.Errorf("worker %d: free %v: %w", id, r.addr, err)
				}
				live[j] = live[len(live)-1]
				live = live[:len(live)-1]
				continue
			}
			if err := checkRegion(m, as, r); err != nil {
				return fmt.Errorf("worker %d: %w", id, err)
			}
			counts.accesses++

		default:
			child, err := m.Clone(as, fmt.Sprintf("stress-%d-child", id), nil)
			if outOfMemory(err) {
				counts.oom++
				continue
			}
			if err != nil {
				return fmt.Errorf("worker %d: clone: %w", id, err)
			}
			for j := range live {
				if err := checkRegion(m, child, &live[j]); err != nil {
					m.Release(child)
					return fmt.Errorf("worker %d: clone: %w", id, err)
				}
			}
			if err := m.Release(child); err != nil {
				return fmt.Errorf("worker %d: release clone: %w", id, err)
			}
			counts.clones++
		}
	}
	log.Debugf("Stress worker %d done with %d live regions", id, len(live))
	return nil
}

func writeRegion(m *mm.MemoryManager, as *mm.AddressSpace, r *stressRegion) error {
	buf := bytes.Repeat([]byte{r.stamp}, r.pages*hostarch.PageSize)
	if _, err := m.CopyOut(as, r.addr, buf); err != nil {
		return fmt.Errorf("write %v: %w", r.addr, err)
	}
	return nil
}

// checkRegion verifies that every page of r in as holds r.stamp. Pages never
// written read as zero.
func checkRegion(m *mm.MemoryManager, as *mm.AddressSpace, r *stressRegion) error {
	buf := make([]byte, r.pages*hostarch.PageSize)
	if _, err := m.CopyIn(as, r.addr, buf); err != nil {
		return fmt.Errorf("read %v: %w", r.addr, err)
	}
	for i, c := range buf {
		if c != r.stamp {
			return fmt.Errorf("%v in %v holds %#x, want %#x", r.addr+hostarch.Addr(i), as, c, r.stamp)
		}
	}
	return nil
}

// outOfMemory returns true if err is a failure to allocate, either returned
// directly or as a fatal copy-on-write fault.
func outOfMemory(err error) bool {
	if errors.Is(err, memerr.ENOMEM) {
		return true
	}
	var fatal *mm.FatalFaultError
	return errors.As(err, &fatal) && fatal.Report.Reason == mm.ReasonNoMemory
}
