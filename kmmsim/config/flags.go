// Copyright 2026 The Kalisto Authors.
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
	"fmt"
	"reflect"

	"github.com/BurntSushi/toml"
	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/pgalloc"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with default settings. Flags given on the command line override it.")

	// Machine.
	memory := Size(64 << 20)
	flagSet.Var(&memory, "memory", "size of physical memory, e.g. 64M. Memory above 512M is only reachable through the TLB.")
	kernelEnd := Size(1 << 20)
	flagSet.Var(&kernelEnd, "kernel-end", "physical end of the kernel image. The frame bitmaps are placed right after it.")
	maxFrame := FrameClass(pgalloc.MaxSizeClass)
	flagSet.Var(&maxFrame, "max-frame", "largest frame size managed by the allocator: 4K, 16K, 64K, 256K, 1M, 4M or 16M.")
	frame := FrameClass(pgalloc.Class4K)
	flagSet.Var(&frame, "frame", "frame size backing areas in mapped segments.")
	flagSet.Int("tlb-entries", kalisto.TLB_ENTRY_COUNT, "number of TLB entries.")
	flagSet.Int("tlb-wired", 0, "number of wired TLB entries, never replaced at random.")
	flagSet.Int("asids", kalisto.ASID_COUNT, "number of address space identifiers.")
	flagSet.Int("copy-chunk", 256, "bytes copied between address spaces per critical section.")

	// Debugging.
	flagSet.String("log", "", "file path where log messages are written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set, and from the TOML file named by --config if any.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.setFromFlags(flagSet, func(string) bool { return true })

	if conf.ConfigFile != "" {
		if err := conf.LoadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		given := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) {
			given[f.Name] = true
		})
		conf.setFromFlags(flagSet, func(name string) bool { return given[name] })
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies the value of every flag accepted by use into the
// matching field of c.
func (c *Config) setFromFlags(flagSet *flag.FlagSet, use func(name string) bool) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if !use(name) {
			continue
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}
}

// LoadFile overlays the settings in the TOML file at path on c. Keys that
// do not name a setting are an error.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
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
		val := fmt.Sprint(obj.Field(i).Interface())
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
