package ppc

import (
	"github.com/tinyrange/ppcemu/internal/memory"
)

// Exception enters the handler for vector nr. extra is or'ed into SRR1.
func (cpu *CPU) Exception(nr int, extra uint64) {
	cpu.addTimebase(1000)

	cpu.SPR[SprSRR0] = cpu.engine.PC
	cpu.SPR[SprSRR1] = cpu.MSR&65395 | extra

	cpu.MSR &^= 0x4ef36
	if nr == ExcMachineCheck {
		cpu.MSR &^= MsrME
	}
	// ILE selects the byte order of the handler.
	cpu.MSR |= MsrLE & (cpu.MSR >> 16)

	pc := uint64(nr) * 0x100
	if cpu.MSR&MsrIP != 0 {
		pc += 0xfff00000
	}
	cpu.engine.PC = pc
	cpu.engine.PCToPointers()
}

func (cpu *CPU) addTimebase(n uint64) {
	tbl := uint32(cpu.SPR[SprTBL])
	sum := uint64(tbl) + n
	cpu.SPR[SprTBL] = uint64(uint32(sum))
	if sum>>32 != 0 {
		cpu.SPR[SprTBU] = uint64(uint32(cpu.SPR[SprTBU] + sum>>32))
	}
}

// AccessMSR reads or writes the MSR. A write applies the side effects of the
// changed bits. With checkInterrupts set a pending decrementer or external
// interrupt is delivered if MSR[EE] allows it, and interrupted reports that
// an exception was taken.
func (cpu *CPU) AccessMSR(value uint64, write, checkInterrupts bool) (msr uint64, interrupted bool) {
	if write {
		old := cpu.MSR
		cpu.MSR = value

		if (old^value)&MsrTGPR != 0 {
			for i := range cpu.TGPR {
				cpu.GPR[i], cpu.TGPR[i] = cpu.TGPR[i], cpu.GPR[i]
			}
		}

		switch {
		case (old^value)&MsrLE != 0:
			cpu.engine.InvalidateTranslationCaches(0, memory.InvalidateAll)
		case (old^value)&(MsrIR|MsrDR) != 0:
			cpu.engine.InvalidateTranslationCaches(0, memory.InvalidateAll)
			if p := cpu.engine.CurrentPage(); p != nil {
				cpu.engine.BroadcastCodeInvalidation(p.Phys, memory.InvalidatePaddr)
			}
		}
	}
	msr = cpu.MSR

	if checkInterrupts && cpu.MSR&MsrEE != 0 {
		switch {
		case cpu.DecIntrPending && cpu.Type.Flags&FlagNoDEC == 0:
			cpu.DecIntrPending = false
			cpu.Exception(ExcDEC, 0)
			return msr, true
		case cpu.IRQAsserted:
			cpu.Exception(ExcExternal, 0)
			return msr, true
		}
	}
	return msr, false
}

// CheckInterrupts delivers a pending interrupt before a batch.
func (cpu *CPU) CheckInterrupts() {
	cpu.AccessMSR(0, false, true)
}

// UpdateForICount advances the decrementer and the timebase by the number of
// instructions run since the last call.
func (cpu *CPU) UpdateForICount() {
	now := cpu.engine.Executed()
	icount := now - cpu.icountBase
	cpu.icountBase = now

	dec := uint32(cpu.SPR[SprDEC])
	if uint64(dec) >= icount {
		cpu.SPR[SprDEC] = uint64(dec - uint32(icount))
	} else {
		if cpu.Type.Flags&FlagNoDEC == 0 {
			cpu.DecIntrPending = true
		}
		cpu.SPR[SprDEC] = uint64(0xffffffff - uint32(icount-uint64(dec)-1))
	}

	cpu.addTimebase(icount)

	if cpu.MSR&MsrEE != 0 && cpu.DecIntrPending && cpu.Type.Flags&FlagNoDEC == 0 {
		cpu.DecIntrPending = false
		cpu.Exception(ExcDEC, 0)
	}
}

// contextSync applies the bytelane swap latch.
func (cpu *CPU) contextSync() {
	if cpu.BytelaneSwap[0] == cpu.BytelaneSwapLatch && cpu.BytelaneSwap[1] == cpu.BytelaneSwapLatch {
		return
	}
	cpu.BytelaneSwap = [2]bool{cpu.BytelaneSwapLatch, cpu.BytelaneSwapLatch}
	cpu.engine.FlushCode()
	cpu.engine.InvalidateTranslationCaches(0, memory.InvalidateAll)
}
