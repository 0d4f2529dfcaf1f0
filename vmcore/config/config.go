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

// Package config provides basic infrastructure to set configuration settings
// for vmcore. vmcore uses command line flags to set its configuration.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"gvisor.dev/vmcore/pkg/bootinfo"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/mm"
	"gvisor.dev/vmcore/pkg/pagetables"
	"gvisor.dev/vmcore/pkg/pmm"
)

// Config holds configuration that is not part of the machine description.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register the flag in RegisterFlags.
//  4. Add any validation in validate().
type Config struct {
	// Paging is the page table format to boot with.
	Paging pagetables.Format `flag:"paging"`

	// Machine is the path to a TOML or YAML machine description. If empty,
	// a small built-in machine is used.
	Machine string `flag:"machine"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text, json or json-k8s.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// AlsoLogToStderr allows logs to also be sent to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// DirectMap maps all RAM into the kernel's direct map window at boot.
	DirectMap bool `flag:"direct-map"`

	// ForkMode selects eager copy or copy-on-write address space cloning.
	ForkMode mm.ForkMode `flag:"fork-mode"`

	// DoubleFree is the frame allocator's double free policy.
	DoubleFree pmm.DoubleFreePolicy `flag:"double-free"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Machine flags.
	flagSet.Var(pagingPtr(pagetables.AMD64), "paging", "page table format: x86, amd64.")
	flagSet.String("machine", "", "path to a machine description (.toml, .yaml). Defaults to a built-in 16 MiB machine.")
	flagSet.Bool("direct-map", false, "map all RAM into the kernel direct map window at boot.")

	// Memory manager flags.
	flagSet.Var(forkModePtr(mm.ForkCopy), "fork-mode", "address space clone mode: copy, cow.")
	flagSet.Var(doubleFreePtr(pmm.DoubleFreeLog), "double-free", "action on a double frame free: log, panic.")

	// Debugging flags.
	flagSet.String("log", "", "file path where log output is written. Logs are discarded if neither --log nor --alsologtostderr is set.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")
}

func pagingPtr(v pagetables.Format) *pagetables.Format {
	return &v
}

func forkModePtr(v mm.ForkMode) *mm.ForkMode {
	return &v
}

func doubleFreePtr(v pmm.DoubleFreePolicy) *pmm.DoubleFreePolicy {
	return &v
}

// get returns the typed value held by a flag.
func get(v flag.Value) any {
	if g, ok := v.(flag.Getter); ok {
		return g.Get()
	}
	panic(fmt.Sprintf("flag value %T does not implement flag.Getter", v))
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(get(fl.Value)))
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'json-k8s'", c.LogFormat)
	}
	switch c.Paging {
	case pagetables.X86, pagetables.AMD64:
	default:
		return fmt.Errorf("invalid paging format %q", c.Paging)
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Flags left at their default value are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
}

// MMOpts returns the memory manager options selected by c.
func (c *Config) MMOpts() mm.Opts {
	return mm.Opts{
		Paging:     c.Paging,
		ForkMode:   c.ForkMode,
		DoubleFree: c.DoubleFree,
		DirectMap:  c.DirectMap,
	}
}

// LoadMachine returns the machine description named by c.Machine, or the
// built-in machine if none is set.
func (c *Config) LoadMachine() (*bootinfo.Info, error) {
	if c.Machine == "" {
		return bootinfo.Default(), nil
	}
	info, err := bootinfo.Load(c.Machine)
	if err != nil {
		return nil, fmt.Errorf("loading machine %q: %w", c.Machine, err)
	}
	return info, nil
}
