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

// Package cmd holds implementations of the vmcore commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/mm"
	"gvisor.dev/vmcore/vmcore/config"
)

// Errorf logs error to stderr and the log, and returns
// subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "vmcore: "+format+"\n", args...)
	log.Warningf(format, args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf and exits the process with status 128.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// boot loads the configured machine and boots a memory manager on it. The
// opts override the options derived from conf.
func boot(ctx context.Context, conf *config.Config, override func(*mm.Opts)) (*mm.MemoryManager, error) {
	info, err := conf.LoadMachine()
	if err != nil {
		return nil, err
	}
	opts := conf.MMOpts()
	if override != nil {
		override(&opts)
	}
	m, err := mm.New(ctx, *info, opts)
	if err != nil {
		return nil, fmt.Errorf("booting: %w", err)
	}
	return m, nil
}

// confFromArgs returns the configuration passed to Execute.
func confFromArgs(args []any) *config.Config {
	return args[0].(*config.Config)
}
