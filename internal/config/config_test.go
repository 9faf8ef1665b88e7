package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaults(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	want := Config{
		CPU:                           "PPC750",
		CPUs:                          1,
		MemoryMB:                      64,
		InstructionsBetweenInterrupts: 8192,
		Dyntrans: Dyntrans{
			SafeLimit:    8191,
			Readahead:    128,
			Combinations: boolPtr(true),
		},
		Devices: Devices{
			Serial:      boolPtr(true),
			PIC:         boolPtr(true),
			CMOS:        boolPtr(true),
			Framebuffer: Framebuffer{Width: 640, Height: 480},
		},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("defaults (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, Default()); diff != "" {
		t.Fatalf("Default (-want +got):\n%s", diff)
	}
	if c.MemoryBytes() != 64<<20 {
		t.Fatalf("MemoryBytes = %d", c.MemoryBytes())
	}
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
cpu: ppc603e
cpus: 2
memory_mb: 128
instructions_between_interrupts: 1024
dyntrans:
  safe_limit: 100
  readahead: 16
  combinations: false
  statistics: true
  recorder: 64
devices:
  serial: true
  pic: true
  cmos: false
  framebuffer:
    enabled: true
    width: 800
    height: 600
  passthrough:
    connect: localhost:7000
    address: 0x80000800
    size: 0x100
gdb:
  listen: 127.0.0.1:3322
images:
  - file: kernel.bin
    address: 0x100000
breakpoints: [0x100000, 4096]
entry: "0x100000"
halt_address: 0x800000ff
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := Config{
		CPU:                           "ppc603e",
		CPUs:                          2,
		MemoryMB:                      128,
		InstructionsBetweenInterrupts: 1024,
		Dyntrans: Dyntrans{
			SafeLimit:    100,
			Readahead:    16,
			Combinations: boolPtr(false),
			Statistics:   true,
			Recorder:     64,
		},
		Devices: Devices{
			Serial:      boolPtr(true),
			PIC:         boolPtr(true),
			CMOS:        boolPtr(false),
			Framebuffer: Framebuffer{Enabled: true, Width: 800, Height: 600},
			Passthrough: Passthrough{Connect: "localhost:7000", Address: 0x80000800, Size: 0x100},
		},
		GDB:         GDB{Listen: "127.0.0.1:3322"},
		Images:      []Image{{File: "kernel.bin", Address: 0x100000}},
		Breakpoints: []Address{0x100000, 0x1000},
		Entry:       0x100000,
		HaltAddress: 0x800000ff,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"cpu", "cpu: pentium", "unknown cpu type"},
		{"cpus", "cpus: 64", "cpus must be between"},
		{"memory", "memory_mb: 4096", "memory_mb must be at most"},
		{"recorder", "dyntrans:\n  recorder: 100", "power of two"},
		{"image", "images:\n  - address: 0x1000", "file is required"},
		{"passthrough", "devices:\n  passthrough:\n    connect: x\n    address: 0x1000", "at least 0x80000000"},
		{"unknown field", "cpu_type: PPC750", "field cpu_type not found"},
		{"address", "entry: zero", "bad address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadAndWrite(t *testing.T) {
	c := Default()
	c.Images = []Image{{File: "rom.bin", Address: 0xfff00000}}
	c.Entry = 0xfff00100

	var buf bytes.Buffer
	if err := Write(&buf, c); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "entry: 0xfff00100") {
		t.Fatalf("encoded config:\n%s", buf.String())
	}

	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(c, got); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}
