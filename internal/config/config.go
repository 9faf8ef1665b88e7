// Package config loads the machine description from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/ppcemu/internal/ppc"
)

const (
	DefaultCPU                           = "PPC750"
	DefaultMemoryMB                      = 64
	DefaultInstructionsBetweenInterrupts = 8192
	DefaultSafeLimit                     = 8191
	DefaultReadahead                     = 128
	DefaultFramebufferWidth              = 640
	DefaultFramebufferHeight             = 480

	// MaxMemoryMB keeps RAM below the ISA I/O window at 0x80000000.
	MaxMemoryMB = 2047
	MaxCPUs     = 32
)

// Address is a physical or virtual address. In YAML it may be written as an
// integer or as a string with a 0x prefix.
type Address uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: address must be a scalar", value.Line)
	}
	v, err := strconv.ParseUint(value.Value, 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: bad address %q", value.Line, value.Value)
	}
	*a = Address(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler. Addresses are written as plain
// hex integers.
func (a Address) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprintf("%#x", uint64(a))}, nil
}

// Config is the machine description.
type Config struct {
	CPU                           string `yaml:"cpu"`
	CPUs                          int    `yaml:"cpus"`
	MemoryMB                      uint64 `yaml:"memory_mb"`
	InstructionsBetweenInterrupts uint64 `yaml:"instructions_between_interrupts"`

	Dyntrans Dyntrans `yaml:"dyntrans"`
	Devices  Devices  `yaml:"devices"`
	GDB      GDB      `yaml:"gdb,omitempty"`

	Images      []Image   `yaml:"images,omitempty"`
	Breakpoints []Address `yaml:"breakpoints,omitempty"`
	Entry       Address   `yaml:"entry"`
	// HaltAddress is a physical address whose store stops the machine.
	// Zero disables it.
	HaltAddress Address `yaml:"halt_address,omitempty"`
}

// Dyntrans tunes the translation engine.
type Dyntrans struct {
	SafeLimit        uint64 `yaml:"safe_limit"`
	Readahead        int    `yaml:"readahead"`
	Combinations     *bool  `yaml:"combinations"`
	Statistics       bool   `yaml:"statistics,omitempty"`
	InstructionTrace bool   `yaml:"instruction_trace,omitempty"`
	// Recorder is the instruction recorder ring length. Zero disables it.
	Recorder int `yaml:"recorder,omitempty"`
}

// Devices selects the board devices.
type Devices struct {
	Serial      *bool       `yaml:"serial"`
	PIC         *bool       `yaml:"pic"`
	CMOS        *bool       `yaml:"cmos"`
	Framebuffer Framebuffer `yaml:"framebuffer"`
	Passthrough Passthrough `yaml:"passthrough,omitempty"`
}

// Framebuffer configures the linear framebuffer.
type Framebuffer struct {
	Enabled bool   `yaml:"enabled"`
	Width   uint32 `yaml:"width,omitempty"`
	Height  uint32 `yaml:"height,omitempty"`
}

// Passthrough forwards a physical window to a remote monitor.
type Passthrough struct {
	// Connect is a TCP address or a device path. Empty disables it.
	Connect string  `yaml:"connect,omitempty"`
	Address Address `yaml:"address,omitempty"`
	Size    uint64  `yaml:"size,omitempty"`
}

// GDB configures the remote debugger listener.
type GDB struct {
	Listen string `yaml:"listen,omitempty"`
}

// Image is a file loaded into physical memory before the machine starts.
type Image struct {
	File    string  `yaml:"file"`
	Address Address `yaml:"address"`
}

func boolPtr(b bool) *bool { return &b }

// Default returns a configuration with every default filled in.
func Default() Config {
	var c Config
	c.Normalize()
	return c
}

// Normalize fills in every unset field with its default.
func (c *Config) Normalize() {
	if c.CPU == "" {
		c.CPU = DefaultCPU
	}
	if c.CPUs == 0 {
		c.CPUs = 1
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.InstructionsBetweenInterrupts == 0 {
		c.InstructionsBetweenInterrupts = DefaultInstructionsBetweenInterrupts
	}
	if c.Dyntrans.SafeLimit == 0 {
		c.Dyntrans.SafeLimit = DefaultSafeLimit
	}
	if c.Dyntrans.Readahead == 0 {
		c.Dyntrans.Readahead = DefaultReadahead
	}
	if c.Dyntrans.Combinations == nil {
		c.Dyntrans.Combinations = boolPtr(true)
	}
	for _, b := range []**bool{&c.Devices.Serial, &c.Devices.PIC, &c.Devices.CMOS} {
		if *b == nil {
			*b = boolPtr(true)
		}
	}
	if c.Devices.Framebuffer.Width == 0 {
		c.Devices.Framebuffer.Width = DefaultFramebufferWidth
	}
	if c.Devices.Framebuffer.Height == 0 {
		c.Devices.Framebuffer.Height = DefaultFramebufferHeight
	}
}

// Validate reports every problem found in c.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ppc.LookupType(c.CPU); err != nil {
		errs = append(errs, err)
	}
	if c.CPUs < 1 || c.CPUs > MaxCPUs {
		errs = append(errs, fmt.Errorf("cpus must be between 1 and %d, got %d", MaxCPUs, c.CPUs))
	}
	if c.MemoryMB > MaxMemoryMB {
		errs = append(errs, fmt.Errorf("memory_mb must be at most %d, got %d", MaxMemoryMB, c.MemoryMB))
	}
	if c.Dyntrans.Readahead < 0 {
		errs = append(errs, fmt.Errorf("dyntrans.readahead must not be negative"))
	}
	if r := c.Dyntrans.Recorder; r < 0 || bits.OnesCount(uint(r)) > 1 {
		errs = append(errs, fmt.Errorf("dyntrans.recorder must be a power of two, got %d", r))
	}
	for i, img := range c.Images {
		if img.File == "" {
			errs = append(errs, fmt.Errorf("images[%d]: file is required", i))
		}
	}
	if p := c.Devices.Passthrough; p.Connect != "" {
		if p.Address < 0x80000000 {
			errs = append(errs, fmt.Errorf("devices.passthrough.address must be at least 0x80000000, got %#x", uint64(p.Address)))
		}
		if p.Size == 0 {
			errs = append(errs, fmt.Errorf("devices.passthrough.size is required"))
		}
	}
	if c.Devices.Framebuffer.Enabled && uint64(c.Devices.Framebuffer.Width)*uint64(c.Devices.Framebuffer.Height) > 4096*4096 {
		errs = append(errs, fmt.Errorf("devices.framebuffer is too large"))
	}
	return errors.Join(errs...)
}

// Parse decodes YAML, fills in defaults and validates the result. Unknown
// fields are rejected.
func Parse(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Write encodes c as YAML.
func Write(w io.Writer, c Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close config: %w", err)
	}
	return nil
}

// MemoryBytes returns the RAM size in bytes.
func (c *Config) MemoryBytes() uint64 { return c.MemoryMB << 20 }
