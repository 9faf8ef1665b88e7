package ppc

import (
	"math/bits"

	"github.com/tinyrange/ppcemu/internal/dyntrans"
	"github.com/tinyrange/ppcemu/internal/memory"
)

// Handlers read their operands from ic.Arg. Register operands are GPR
// indexes, with zeroReg standing for a literal 0 in the rA|0 position.

func (cpu *CPU) addi(ic *dyntrans.Call) {
	cpu.GPR[ic.Arg[0]] = cpu.base(ic.Arg[1]) + ic.Arg[2]
}

func (cpu *CPU) ori(ic *dyntrans.Call) {
	cpu.GPR[ic.Arg[0]] = cpu.GPR[ic.Arg[1]] | ic.Arg[2]
}

func (cpu *CPU) xori(ic *dyntrans.Call) {
	cpu.GPR[ic.Arg[0]] = cpu.GPR[ic.Arg[1]] ^ ic.Arg[2]
}

func (cpu *CPU) andiDot(ic *dyntrans.Call) {
	v := cpu.GPR[ic.Arg[1]] & ic.Arg[2]
	cpu.GPR[ic.Arg[0]] = v
	cpu.updateCR0(v)
}

// li32 is the fused lis rX,hi; ori rY,rX,lo pair. Arg[2] holds the full
// value; the lis half has the low 16 bits clear.
func (cpu *CPU) li32(ic *dyntrans.Call) {
	cpu.GPR[ic.Arg[0]] = ic.Arg[2] &^ 0xffff
	cpu.GPR[ic.Arg[1]] = ic.Arg[2]
	cpu.engine.SkipNext()
	cpu.engine.Fused(1)
}

// compare handlers: Arg[0] is the CR field, Arg[1] rA and Arg[2] either an
// immediate or rB.
func (cpu *CPU) compareHandler(unsigned, wide, immediate bool) dyntrans.Handler {
	return func(ic *dyntrans.Call) {
		a := cpu.GPR[ic.Arg[1]]
		b := ic.Arg[2]
		if !immediate {
			b = cpu.GPR[b]
		}
		var c uint32
		switch {
		case unsigned && wide:
			c = compareUnsigned(a, b)
		case unsigned:
			c = compareUnsigned(uint64(uint32(a)), uint64(uint32(b)))
		case wide:
			c = compareSigned(int64(a), int64(b))
		default:
			c = compareSigned(int64(int32(a)), int64(int32(b)))
		}
		cpu.setCRField(int(ic.Arg[0]), c)
	}
}

// xform builds the plain and record (Rc=1) handlers for a three register
// op writing Arg[0] from Arg[1] and Arg[2].
func (cpu *CPU) xform(f func(a, b uint64) uint64) [2]dyntrans.Handler {
	plain := func(ic *dyntrans.Call) {
		cpu.GPR[ic.Arg[0]] = f(cpu.GPR[ic.Arg[1]], cpu.GPR[ic.Arg[2]])
	}
	record := func(ic *dyntrans.Call) {
		v := f(cpu.GPR[ic.Arg[1]], cpu.GPR[ic.Arg[2]])
		cpu.GPR[ic.Arg[0]] = v
		cpu.updateCR0(v)
	}
	return [2]dyntrans.Handler{plain, record}
}

func rlwMask(mb, me uint32) uint32 {
	m := uint32(0xffffffff)>>mb ^ uint32(0xffffffff)>>me>>1
	if mb <= me {
		return m
	}
	return ^m
}

// rlwinm: Arg[2] holds SH in the low byte and the mask in the upper word.
func (cpu *CPU) rlwinmHandlers() [2]dyntrans.Handler {
	f := func(ic *dyntrans.Call) uint64 {
		sh := int(ic.Arg[2] & 31)
		mask := uint32(ic.Arg[2] >> 32)
		return uint64(bits.RotateLeft32(uint32(cpu.GPR[ic.Arg[1]]), sh) & mask)
	}
	return [2]dyntrans.Handler{
		func(ic *dyntrans.Call) { cpu.GPR[ic.Arg[0]] = f(ic) },
		func(ic *dyntrans.Call) {
			v := f(ic)
			cpu.GPR[ic.Arg[0]] = v
			cpu.updateCR0(v)
		},
	}
}

func (cpu *CPU) mfcr(ic *dyntrans.Call) {
	cpu.GPR[ic.Arg[0]] = uint64(cpu.CR)
}

// mtcrf: Arg[1] is the field mask expanded to 32 bits.
func (cpu *CPU) mtcrf(ic *dyntrans.Call) {
	m := uint32(ic.Arg[1])
	cpu.CR = cpu.CR&^m | uint32(cpu.GPR[ic.Arg[0]])&m
}

// Branches

const (
	branchLK = 1 << 10
	branchAA = 1 << 11
)

// jump continues at target, staying on the current translation page when
// possible.
func (cpu *CPU) jump(target uint64) {
	e := cpu.engine
	target = cpu.mask(target)
	if !e.Stopped() && target&^memory.PageMask == e.PC&^memory.PageMask {
		e.SetNextSlot(int(target&memory.PageMask) >> 2)
		return
	}
	e.PC = target
	e.PCToPointers()
}

// b: Arg[0] is the sign-extended displacement, Arg[1] the AA/LK flags.
func (cpu *CPU) branch(ic *dyntrans.Call) {
	cpu.engine.SyncPC()
	pc := cpu.engine.PC
	target := pc + ic.Arg[0]
	if ic.Arg[1]&branchAA != 0 {
		target = ic.Arg[0]
	}
	if ic.Arg[1]&branchLK != 0 {
		cpu.SPR[SprLR] = cpu.mask(pc + 4)
	}
	cpu.jump(target)
}

func (cpu *CPU) branchTaken(bo, bi uint64, decrement bool) bool {
	ctrOK := true
	if decrement && bo&4 == 0 {
		cpu.SPR[SprCTR] = cpu.mask(cpu.SPR[SprCTR] - 1)
		ctrOK = (cpu.SPR[SprCTR] != 0) != (bo&2 != 0)
	}
	condOK := bo&16 != 0 || (cpu.CR>>(31-bi)&1 != 0) == (bo&8 != 0)
	return ctrOK && condOK
}

// bc, bclr and bcctr: Arg[0] packs BO, BI<<5 and the AA/LK flags; bc keeps
// its displacement in Arg[1].
func (cpu *CPU) bc(ic *dyntrans.Call) {
	bo, bi := ic.Arg[0]&31, ic.Arg[0]>>5&31
	cpu.engine.SyncPC()
	pc := cpu.engine.PC
	if ic.Arg[0]&branchLK != 0 {
		cpu.SPR[SprLR] = cpu.mask(pc + 4)
	}
	if !cpu.branchTaken(bo, bi, true) {
		return
	}
	target := pc + ic.Arg[1]
	if ic.Arg[0]&branchAA != 0 {
		target = ic.Arg[1]
	}
	cpu.jump(target)
}

func (cpu *CPU) bclr(ic *dyntrans.Call) {
	bo, bi := ic.Arg[0]&31, ic.Arg[0]>>5&31
	cpu.engine.SyncPC()
	pc := cpu.engine.PC
	target := cpu.SPR[SprLR] &^ 3
	taken := cpu.branchTaken(bo, bi, true)
	if ic.Arg[0]&branchLK != 0 {
		cpu.SPR[SprLR] = cpu.mask(pc + 4)
	}
	if taken {
		cpu.jump(target)
	}
}

func (cpu *CPU) bcctr(ic *dyntrans.Call) {
	bo, bi := ic.Arg[0]&31, ic.Arg[0]>>5&31
	cpu.engine.SyncPC()
	pc := cpu.engine.PC
	target := cpu.SPR[SprCTR] &^ 3
	if ic.Arg[0]&branchLK != 0 {
		cpu.SPR[SprLR] = cpu.mask(pc + 4)
	}
	if cpu.branchTaken(bo, bi, false) {
		cpu.jump(target)
	}
}

// System registers

func (cpu *CPU) readSPR(n int) uint64 {
	switch n {
	case SprTBRL:
		return cpu.SPR[SprTBL]
	case SprTBRU:
		return cpu.SPR[SprTBU]
	}
	return cpu.SPR[n]
}

func (cpu *CPU) mfspr(ic *dyntrans.Call) {
	cpu.GPR[ic.Arg[0]] = cpu.readSPR(int(ic.Arg[1]))
}

func (cpu *CPU) mtspr(ic *dyntrans.Call) {
	n := int(ic.Arg[1])
	v := cpu.mask(cpu.GPR[ic.Arg[0]])
	switch {
	case n == SprPVR:
		return
	case n == SprSDR1, n >= SprIBAT0U && n <= SprDBAT3L:
		cpu.SPR[n] = v
		cpu.engine.InvalidateTranslationCaches(0, memory.InvalidateAll)
	default:
		cpu.SPR[n] = v
	}
}

func (cpu *CPU) mftb(ic *dyntrans.Call) {
	cpu.GPR[ic.Arg[0]] = cpu.readSPR(int(ic.Arg[1]))
}

func (cpu *CPU) mfmsr(ic *dyntrans.Call) {
	cpu.GPR[ic.Arg[0]], _ = cpu.AccessMSR(0, false, false)
}

// mtmsr resumes at the next instruction, since the new MSR may change the
// translation of PC.
func (cpu *CPU) mtmsr(ic *dyntrans.Call) {
	e := cpu.engine
	e.SyncPC()
	e.PC = cpu.mask(e.PC + 4)
	if _, interrupted := cpu.AccessMSR(cpu.GPR[ic.Arg[0]], true, true); !interrupted {
		e.PCToPointers()
	}
}

func (cpu *CPU) mfsr(ic *dyntrans.Call) {
	cpu.GPR[ic.Arg[0]] = uint64(cpu.SR[ic.Arg[1]])
}

func (cpu *CPU) mtsr(ic *dyntrans.Call) {
	n := ic.Arg[1]
	cpu.SR[n] = uint32(cpu.GPR[ic.Arg[0]])
	cpu.engine.InvalidateTranslationCaches(n<<28, memory.InvalidateAll|memory.InvalidateVaddrUpper4)
}

// System

func (cpu *CPU) sc(ic *dyntrans.Call) {
	e := cpu.engine
	e.SyncPC()
	e.PC = cpu.mask(e.PC + 4)
	cpu.Exception(ExcSC, 0)
}

const rfiMask = 0x87c0ff73

func (cpu *CPU) rfi(ic *dyntrans.Call) {
	e := cpu.engine
	msr := cpu.MSR&^rfiMask | cpu.SPR[SprSRR1]&rfiMask
	e.PC = cpu.mask(cpu.SPR[SprSRR0] &^ 3)
	cpu.contextSync()
	if _, interrupted := cpu.AccessMSR(msr, true, true); !interrupted {
		e.PCToPointers()
	}
}

func (cpu *CPU) isync(ic *dyntrans.Call) {
	cpu.contextSync()
}

func (cpu *CPU) nop(ic *dyntrans.Call) {}

func (cpu *CPU) tlbie(ic *dyntrans.Call) {
	cpu.engine.BroadcastCacheInvalidation(cpu.GPR[ic.Arg[0]], memory.InvalidateVaddr)
}

func (cpu *CPU) icbi(ic *dyntrans.Call) {
	addr := cpu.effectiveAddr(ic, true)
	paddr, ok := cpu.TranslateV2P(addr, memory.FlagNoExceptions)
	if ok == memory.AccessFailed {
		return
	}
	cpu.engine.BroadcastCodeInvalidation(paddr, memory.InvalidatePaddr)
}
