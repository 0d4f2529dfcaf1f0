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
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/vmcore/config"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// dump prints the kernel region tracker after booting.
	dump bool

	// metrics prints the statistics in the Prometheus text format instead.
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the memory core on a machine and print its state"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags]

Boots the memory core on the machine selected by --machine and prints the
frame allocator statistics and the kernel virtual layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.dump, "dump", false, "print the kernel regions")
	f.BoolVar(&b.metrics, "metrics", false, "print statistics in the Prometheus text exposition format")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := b.run(ctx, confFromArgs(args), os.Stdout); err != nil {
		return Errorf("boot failed: %v", err)
	}
	return subcommands.ExitSuccess
}

func (b *Boot) run(ctx context.Context, conf *config.Config, w io.Writer) error {
	m, err := boot(ctx, conf, nil)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.CheckInvariants(); err != nil {
		return err
	}
	log.Infof("Booted %s memory core", m.Paging())
	if b.metrics {
		return writeMetrics(w, m.Stats())
	}

	fmt.Fprint(w, m.Stats())
	l := m.Layout()
	fmt.Fprintf(w, "layout:\n")
	fmt.Fprintf(w, "  user:         %s\n", rangeString(l.User))
	fmt.Fprintf(w, "  kernel:       %s\n", rangeString(l.Kernel))
	fmt.Fprintf(w, "  kernel image: %s\n", rangeString(m.KernelImage()))
	if dm := m.DirectMap(); dm.Length() != 0 {
		fmt.Fprintf(w, "  direct map:   %s\n", rangeString(dm))
	} else {
		fmt.Fprintf(w, "  direct map:   none\n")
	}
	if b.dump {
		fmt.Fprintf(w, "kernel regions:\n")
		m.Kernel().Dump(w)
	}
	return nil
}

func rangeString(ar hostarch.AddrRange) string {
	return fmt.Sprintf("[%v, %v)", ar.Start, ar.End)
}
