// Package ppc implements a 32-bit PowerPC core on top of the dyntrans engine.
package ppc

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/ppcemu/internal/dyntrans"
	"github.com/tinyrange/ppcemu/internal/memory"
)

// CPU type flags
const (
	FlagNoFP  = 1
	Flag601   = 2
	Flag603   = 4
	FlagNoDEC = 8
)

// Type describes a PowerPC implementation.
type Type struct {
	Name  string
	PVR   uint32
	Bits  int
	Flags int
}

// Types lists the supported implementations.
var Types = []Type{
	{Name: "PPC405GP", PVR: 0x40110000, Bits: 32, Flags: FlagNoFP | FlagNoDEC},
	{Name: "PPC601", PVR: 0, Bits: 32, Flags: Flag601},
	{Name: "PPC603", PVR: 0x00030302, Bits: 32, Flags: Flag603},
	{Name: "PPC603e", PVR: 0x00060103, Bits: 32, Flags: Flag603},
	{Name: "PPC604", PVR: 0x00040101, Bits: 32},
	{Name: "PPC620", PVR: 0x00140000, Bits: 64},
	{Name: "MPC7400", PVR: 0x000c0000, Bits: 32},
	{Name: "PPC750", PVR: 0x00084202, Bits: 32},
	{Name: "G4e", PVR: 0, Bits: 32},
	{Name: "PPC970", PVR: 0x00390000, Bits: 64},
}

// LookupType finds a type by name, ignoring case.
func LookupType(name string) (Type, error) {
	for _, t := range Types {
		if strings.EqualFold(t.Name, name) {
			return t, nil
		}
	}
	return Type{}, fmt.Errorf("ppc: unknown cpu type %q", name)
}

// MSR bits
const (
	MsrSF   uint64 = 1 << 63
	MsrVEC  uint64 = 1 << 25
	MsrTGPR uint64 = 1 << 17 // 603 temporary GPR remapping
	MsrILE  uint64 = 1 << 16
	MsrEE   uint64 = 1 << 15
	MsrPR   uint64 = 1 << 14
	MsrFP   uint64 = 1 << 13
	MsrME   uint64 = 1 << 12
	MsrFE0  uint64 = 1 << 11
	MsrSE   uint64 = 1 << 10
	MsrBE   uint64 = 1 << 9
	MsrFE1  uint64 = 1 << 8
	MsrIP   uint64 = 1 << 6
	MsrIR   uint64 = 1 << 5
	MsrDR   uint64 = 1 << 4
	MsrPMM  uint64 = 1 << 2
	MsrRI   uint64 = 1 << 1
	MsrLE   uint64 = 1
)

// XER bits
const (
	XerSO uint64 = 1 << 31
	XerOV uint64 = 1 << 30
	XerCA uint64 = 1 << 29
)

// Special purpose registers
const (
	SprXER    = 1
	SprLR     = 8
	SprCTR    = 9
	SprDSISR  = 18
	SprDAR    = 19
	SprDEC    = 22
	SprSDR1   = 25
	SprSRR0   = 26
	SprSRR1   = 27
	SprTBRL   = 268 // read-only timebase views
	SprTBRU   = 269
	SprSPRG0  = 272
	SprSPRG1  = 273
	SprSPRG2  = 274
	SprSPRG3  = 275
	SprTBL    = 284
	SprTBU    = 285
	SprPVR    = 287
	SprIBAT0U = 528
	SprDBAT0U = 536
	SprDBAT3L = 543
	SprDMISS  = 976
	SprDCMP   = 977
	SprHASH1  = 978
	SprHASH2  = 979
	SprIMISS  = 980
	SprICMP   = 981
	SprRPA    = 982
	SprHID0   = 1008
	SprPIR    = 1023
)

// Exception vectors, in units of 0x100.
const (
	ExcMachineCheck  = 0x2
	ExcDSI           = 0x3
	ExcISI           = 0x4
	ExcExternal      = 0x5
	ExcProgram       = 0x7
	ExcFPU           = 0x8
	ExcDEC           = 0x9
	ExcSC            = 0xc
	ExcITLBMiss      = 0x10 // 603 software table walk
	ExcDTLBMissLoad  = 0x11
	ExcDTLBMissStore = 0x12
)

const zeroReg = 32

// Config selects the CPU implementation and its engine tuning.
type Config struct {
	Type    string
	ID      int
	RAMSize uint64
	Engine  dyntrans.Config
	Logger  *slog.Logger
}

// CPU is one PowerPC core.
type CPU struct {
	Type Type
	ID   int
	Bits int

	GPR   [32]uint64
	TGPR  [4]uint64
	FPR   [32]uint64
	CR    uint32
	FPSCR uint32
	MSR   uint64
	SR    [16]uint32
	SPR   [1024]uint64

	// LLAddr and LLBit hold the lwarx reservation.
	LLAddr uint64
	LLBit  bool

	DecIntrPending bool
	IRQAsserted    bool

	// BytelaneSwapLatch is set by PReP port 92 and copied into
	// BytelaneSwap at the next context synchronization.
	BytelaneSwapLatch bool
	BytelaneSwap      [2]bool

	engine  *dyntrans.Engine
	mem     *memory.Memory
	log     *slog.Logger
	ops     ops
	ramSize uint64

	icountBase uint64
	recorder   *Recorder
	stats      *Statistics
}

// New creates a CPU of the configured type. The engine is attached to mem
// for invalidation broadcasts.
func New(mem *memory.Memory, cfg Config) (*CPU, error) {
	t, err := LookupType(cfg.Type)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = mem.Logger()
	}
	if cfg.RAMSize == 0 {
		cfg.RAMSize = mem.Size()
	}

	cpu := &CPU{
		Type:    t,
		ID:      cfg.ID,
		Bits:    t.Bits,
		mem:     mem,
		log:     cfg.Logger.With("cpu", cfg.ID),
		ramSize: cfg.RAMSize,
	}

	ecfg := cfg.Engine
	ecfg.Bits64 = t.Bits == 64
	ecfg.InstrShift = 2
	ecfg.Logger = cpu.log
	cpu.engine = dyntrans.New(cpu, mem, ecfg)
	cpu.registerOps()
	cpu.engine.Attach()

	cpu.Reset()
	return cpu, nil
}

// Engine returns the CPU's dyntrans engine.
func (cpu *CPU) Engine() *dyntrans.Engine { return cpu.engine }

// Reset puts the CPU into its power-on state.
func (cpu *CPU) Reset() {
	cpu.GPR = [32]uint64{}
	cpu.TGPR = [4]uint64{}
	cpu.FPR = [32]uint64{}
	cpu.SR = [16]uint32{}
	cpu.SPR = [1024]uint64{}
	cpu.CR, cpu.FPSCR, cpu.MSR = 0, 0, 0
	cpu.LLAddr, cpu.LLBit = 0, false
	cpu.DecIntrPending, cpu.IRQAsserted = false, false
	cpu.BytelaneSwapLatch = false
	cpu.BytelaneSwap = [2]bool{}

	cpu.SPR[SprPVR] = uint64(cpu.Type.PVR)
	cpu.SPR[SprPIR] = uint64(cpu.ID)
	cpu.GPR[1] = cpu.ramSize - 4096

	// Firmware-style BATs: low memory, ISA I/O and PCI.
	cpu.SPR[SprIBAT0U] = 0x00001ffc | BatVs
	cpu.SPR[SprIBAT0U+1] = 0x00000000 | BatPPRW
	cpu.SPR[SprIBAT0U+2] = 0xc0001ffc | BatVs
	cpu.SPR[SprIBAT0U+3] = 0x00000000 | BatPPRW
	cpu.SPR[SprIBAT0U+6] = 0xf0001ffc | BatVs
	cpu.SPR[SprIBAT0U+7] = 0xf0000000 | BatPPRW
	cpu.SPR[SprDBAT0U] = 0x00001ffc | BatVs
	cpu.SPR[SprDBAT0U+1] = 0x00000000 | BatPPRW
	cpu.SPR[SprDBAT0U+2] = 0xc0001ffc | BatVs
	cpu.SPR[SprDBAT0U+3] = 0x00000000 | BatPPRW
	cpu.SPR[SprDBAT0U+4] = 0xe0001ffc | BatVs
	cpu.SPR[SprDBAT0U+5] = 0xe0000000 | BatPPRW
	cpu.SPR[SprDBAT0U+6] = 0xf0001ffc | BatVs
	cpu.SPR[SprDBAT0U+7] = 0xf0000000 | BatPPRW

	cpu.SetPC(0)
	cpu.engine.BroadcastCacheInvalidation(0, memory.InvalidateAll)
	cpu.icountBase = cpu.engine.Executed()
}

// SetPC moves execution to pc.
func (cpu *CPU) SetPC(pc uint64) {
	cpu.engine.PC = cpu.mask(pc)
}

// GetPC returns the exact program counter.
func (cpu *CPU) GetPC() uint64 { return cpu.engine.PC }

// Run executes one dispatcher batch and returns the number of calls run.
func (cpu *CPU) Run() int { return cpu.engine.RunInstr() }

// Running reports whether the core has not been stopped.
func (cpu *CPU) Running() bool { return cpu.engine.Running }

func (cpu *CPU) mask(v uint64) uint64 {
	if cpu.Bits == 32 {
		return uint64(uint32(v))
	}
	return v
}

// base returns register r as a base address operand; zeroReg reads as 0.
func (cpu *CPU) base(r uint64) uint64 {
	if r == zeroReg {
		return 0
	}
	return cpu.GPR[r]
}

func (cpu *CPU) fatal(msg string, args ...any) {
	cpu.log.Error(msg, args...)
	cpu.engine.Stop()
}

// SetIRQ asserts or deasserts the external interrupt input.
func (cpu *CPU) SetIRQ(level bool) {
	cpu.IRQAsserted = level
}

// AddrSpace selects the low half of the host TLB for relocated accesses.
func (cpu *CPU) AddrSpace(instr bool) int {
	bit := MsrDR
	if instr {
		bit = MsrIR
	}
	if cpu.MSR&bit != 0 {
		return 0
	}
	return 1
}

// SwizzleOffset returns the byte index swizzle and the address offset for an
// access of size bytes. code 0 is data, code 1 instruction fetch.
func (cpu *CPU) SwizzleOffset(size, code int) (swizzle, offset int) {
	le := cpu.MSR&MsrLE != 0
	if le != cpu.BytelaneSwap[code] {
		offset = 7 ^ (size - 1)
	}
	if cpu.BytelaneSwap[code] {
		swizzle = size - 1
	}
	return swizzle, offset
}

// MungeDeviceAddr applies the little-endian address munge for device
// accesses narrower than a doubleword.
func (cpu *CPU) MungeDeviceAddr(offset uint64, length int) uint64 {
	if cpu.MSR&MsrLE != 0 && length < 8 {
		offset ^= uint64(8 - length)
	}
	return offset
}

// FetchInstruction reads the big-endian instruction word at addr.
func (cpu *CPU) FetchInstruction(addr uint64, noExceptions bool) (uint32, bool) {
	addr = cpu.mask(addr)
	swizzle, offset := cpu.SwizzleOffset(4, 1)

	var b [4]byte
	if page := cpu.engine.InstrPage(addr); page != nil && addr&3 == 0 {
		a := int(addr & memory.PageMask)
		for i := range b {
			b[i] = page[(a+i)^offset]
		}
	} else {
		flags := memory.CacheInstruction
		if noExceptions {
			flags |= memory.NoExceptions
		}
		if !cpu.engine.MemoryRW(addr^uint64(offset), b[:], memory.MemRead, flags) {
			return 0, false
		}
	}

	var w uint32
	for i := range b {
		w = w<<8 | uint32(b[i^swizzle])
	}
	return w, true
}

// Disassemble renders word in GNU syntax.
func (cpu *CPU) Disassemble(word uint32, addr uint64) string {
	return disassemble(word, addr)
}

// updateCR0 sets CR field 0 from a result and XER[SO].
func (cpu *CPU) updateCR0(v uint64) {
	var c uint32
	if cpu.Bits == 64 && cpu.MSR&MsrSF != 0 {
		c = compareSigned(int64(v), 0)
	} else {
		c = compareSigned(int64(int32(v)), 0)
	}
	c |= uint32(cpu.SPR[SprXER]>>31) & 1
	cpu.CR = cpu.CR&^(0xf<<28) | c<<28
}

func compareSigned(a, b int64) uint32 {
	switch {
	case a < b:
		return 8
	case a > b:
		return 4
	default:
		return 2
	}
}

func compareUnsigned(a, b uint64) uint32 {
	switch {
	case a < b:
		return 8
	case a > b:
		return 4
	default:
		return 2
	}
}

// setCRField stores a 4-bit comparison result into field n.
func (cpu *CPU) setCRField(n int, c uint32) {
	c |= uint32(cpu.SPR[SprXER]>>31) & 1
	shift := uint(28 - 4*n)
	cpu.CR = cpu.CR&^(0xf<<shift) | c<<shift
}

// State is a register snapshot used by tests and the debugger.
type State struct {
	PC    uint64
	GPR   [32]uint64
	CR    uint32
	MSR   uint64
	LR    uint64
	CTR   uint64
	XER   uint64
	SR    [16]uint32
	SRR0  uint64
	SRR1  uint64
	DEC   uint64
	TBL   uint64
	TBU   uint64
	LLBit bool
}

// Snapshot copies the architectural state.
func (cpu *CPU) Snapshot() State {
	return State{
		PC:    cpu.engine.PC,
		GPR:   cpu.GPR,
		CR:    cpu.CR,
		MSR:   cpu.MSR,
		LR:    cpu.SPR[SprLR],
		CTR:   cpu.SPR[SprCTR],
		XER:   cpu.SPR[SprXER],
		SR:    cpu.SR,
		SRR0:  cpu.SPR[SprSRR0],
		SRR1:  cpu.SPR[SprSRR1],
		DEC:   cpu.SPR[SprDEC],
		TBL:   cpu.SPR[SprTBL],
		TBU:   cpu.SPR[SprTBU],
		LLBit: cpu.LLBit,
	}
}
