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

// Package config provides basic infrastructure to set configuration settings
// for kmmsim. Each setting is a flag, which can also be set from a TOML
// file passed with --config. Flags given on the command line take
// precedence over the file.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"kalisto.dev/kalisto/pkg/abi/kalisto"
	"kalisto.dev/kalisto/pkg/arch"
	"kalisto.dev/kalisto/pkg/errors/kerr"
	"kalisto.dev/kalisto/pkg/kernel"
	"kalisto.dev/kalisto/pkg/log"
	"kalisto.dev/kalisto/pkg/pgalloc"
)

// Config holds configuration that is not part of the simulated programs.
type Config struct {
	// ConfigFile is the TOML file the rest of the settings are read from.
	ConfigFile string `flag:"config" toml:"-"`

	// MemorySize is the size of physical memory.
	MemorySize Size `flag:"memory" toml:"memory"`

	// KernelEnd is the physical end of the kernel image.
	KernelEnd Size `flag:"kernel-end" toml:"kernel_end"`

	// MaxFrame is the largest frame size managed by the allocator.
	MaxFrame FrameClass `flag:"max-frame" toml:"max_frame"`

	// Frame is the frame size backing mapped areas.
	Frame FrameClass `flag:"frame" toml:"frame"`

	// TLBEntries is the number of TLB entries.
	TLBEntries int `flag:"tlb-entries" toml:"tlb_entries"`

	// TLBWired is the number of wired TLB entries.
	TLBWired int `flag:"tlb-wired" toml:"tlb_wired"`

	// ASIDs is the number of address space identifiers.
	ASIDs int `flag:"asids" toml:"asids"`

	// CopyChunk is the number of bytes copied between address spaces with
	// interrupts disabled.
	CopyChunk int `flag:"copy-chunk" toml:"copy_chunk"`

	// LogFilename is the file to log to, stderr if empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text or json.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`
}

func (c *Config) validate() error {
	if c.MemorySize == 0 {
		return fmt.Errorf("memory size must be positive: %w", kerr.EINVAL)
	}
	if c.Frame > c.MaxFrame {
		return fmt.Errorf("frame size %v larger than maximum frame size %v: %w", c.Frame, c.MaxFrame, kerr.EINVAL)
	}
	if c.TLBEntries <= 0 || c.TLBWired < 0 || c.TLBWired >= c.TLBEntries {
		return fmt.Errorf("invalid TLB geometry: %d entries, %d wired: %w", c.TLBEntries, c.TLBWired, kerr.EINVAL)
	}
	if c.ASIDs <= 0 || c.ASIDs > kalisto.ASID_COUNT {
		return fmt.Errorf("ASID count %d out of range [1, %d]: %w", c.ASIDs, kalisto.ASID_COUNT, kerr.EINVAL)
	}
	if c.CopyChunk <= 0 {
		return fmt.Errorf("copy chunk %d must be positive: %w", c.CopyChunk, kerr.EINVAL)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q: %w", c.LogFormat, kerr.EINVAL)
	}
	return nil
}

// KernelOptions returns the machine described by c.
func (c *Config) KernelOptions() kernel.Options {
	return kernel.Options{
		MemorySize:   uint64(c.MemorySize),
		KernelEnd:    c.KernelEnd.PhysAddr(),
		MaxClass:     pgalloc.SizeClass(c.MaxFrame),
		DefaultClass: pgalloc.SizeClass(c.Frame),
		TLBEntries:   c.TLBEntries,
		WiredEntries: c.TLBWired,
		ASIDs:        c.ASIDs,
		CopyChunk:    c.CopyChunk,
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.MemorySize: %v", c.MemorySize)
	log.Infof("Config.KernelEnd: %v", c.KernelEnd)
	log.Infof("Config.Frames: %v..%v, areas use %v", pgalloc.Class4K, c.MaxFrame, c.Frame)
	log.Infof("Config.TLB: %d entries, %d wired, %d ASIDs", c.TLBEntries, c.TLBWired, c.ASIDs)
	log.Infof("Config.CopyChunk: %d", c.CopyChunk)
	log.Debugf("Config.Flags: %s", strings.Join(c.ToFlags(), " "))
}

// Size is a byte count, written with an optional K, M or G suffix.
type Size uint64

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

// ParseSize parses a byte count such as "64M".
func ParseSize(s string) (Size, error) {
	shift := uint(0)
	num := strings.ToUpper(strings.TrimSpace(s))
	for _, sf := range sizeSuffixes {
		if strings.HasSuffix(num, sf.suffix) {
			num = strings.TrimSuffix(num, sf.suffix)
			shift = sf.shift
			break
		}
	}
	v, err := strconv.ParseUint(num, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if v<<shift>>shift != v {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(v << shift), nil
}

// Set implements flag.Value.
func (s *Size) Set(v string) error {
	n, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = n
	return nil
}

// Get implements flag.Getter.
func (s *Size) Get() any {
	return *s
}

// String implements flag.Value.
func (s Size) String() string {
	v := uint64(s)
	for _, sf := range sizeSuffixes {
		if v != 0 && v&(1<<sf.shift-1) == 0 {
			return strconv.FormatUint(v>>sf.shift, 10) + sf.suffix
		}
	}
	return strconv.FormatUint(v, 10)
}

// UnmarshalText implements encoding.TextUnmarshaler, used for TOML strings.
func (s *Size) UnmarshalText(text []byte) error {
	return s.Set(string(text))
}

// MarshalText implements encoding.TextMarshaler.
func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PhysAddr returns s as a physical address.
func (s Size) PhysAddr() arch.PhysAddr {
	return arch.PhysAddr(s)
}

// FrameClass is a frame size class, written as the frame size ("4K",
// "16M").
type FrameClass pgalloc.SizeClass

// Set implements flag.Value.
func (f *FrameClass) Set(v string) error {
	size, err := ParseSize(v)
	if err != nil {
		return err
	}
	c, ok := pgalloc.ClassOf(uint64(size))
	if !ok {
		return fmt.Errorf("%q is not a frame size", v)
	}
	*f = FrameClass(c)
	return nil
}

// Get implements flag.Getter.
func (f *FrameClass) Get() any {
	return *f
}

// String implements flag.Value.
func (f FrameClass) String() string {
	return pgalloc.SizeClass(f).String()
}

// UnmarshalText implements encoding.TextUnmarshaler, used for TOML strings.
func (f *FrameClass) UnmarshalText(text []byte) error {
	return f.Set(string(text))
}

// MarshalText implements encoding.TextMarshaler.
func (f FrameClass) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}
