package ppc

import (
	"fmt"

	"github.com/tinyrange/ppcemu/internal/memory"
)

// BAT register fields
const (
	BatEPI = 0xfffe0000
	BatRPN = 0xfffe0000
	BatBL  = 0x00001ffc
	BatVs  = 0x00000002 // supervisor valid
	BatVu  = 0x00000001 // user valid

	BatPPMask = 3
	BatPPNone = 0
	BatPPROS  = 1
	BatPPRW   = 2
	BatPPRO   = 3
)

// Page table entry fields
const (
	PteValid     = 0x80000000
	PteVSIDShift = 7
	PteHID       = 0x40
	PteAPI       = 0x3f

	PteRPGN = 0xfffff000
	PteG    = 0x00000008
	PtePP   = 0x00000003
)

// Segment register flags
const (
	SrSUKey  = 0x40000000
	SrPRKey  = 0x20000000
	SrNoExec = 0x10000000
)

// DSISR bits
const (
	DsisrNotFound = 0x40000000
	DsisrProtect  = 0x08000000
	DsisrStore    = 0x02000000
)

// batTranslate looks vaddr up in the instruction or data BATs. It returns
// -1 when no BAT matches.
func (cpu *CPU) batTranslate(vaddr uint64, write, instr bool) (uint64, int) {
	if cpu.Bits != 32 || cpu.Type.Flags&Flag601 != 0 {
		cpu.fatal("ppc: BAT translation is only implemented for 32-bit non-601 cores")
		return 0, 0
	}

	start := 4
	if instr {
		start = 0
	}
	user := cpu.MSR&MsrPR != 0

	for i := start; i < start+4; i++ {
		upper := uint32(cpu.SPR[SprIBAT0U+i*2])
		lower := uint32(cpu.SPR[SprIBAT0U+i*2+1])

		if user && upper&BatVu == 0 {
			continue
		}
		if !user && upper&BatVs == 0 {
			continue
		}

		mask := (upper&BatBL)<<15 | 0x1ffff
		v := uint32(vaddr)
		if v&^mask != upper&BatEPI&^mask {
			continue
		}

		paddr := uint64(v&mask | lower&BatRPN&^mask)
		switch lower & BatPPMask {
		case BatPPNone:
			return paddr, 0
		case BatPPRO, BatPPROS:
			if write {
				return paddr, 0
			}
			return paddr, 1
		default:
			return paddr, 2
		}
	}
	return 0, -1
}

// readPTEG reads the eight PTE pairs of the group at pteg through the
// instruction-side bytelane swizzle.
func (cpu *CPU) readPTEG(pteg uint64) ([16]uint32, bool) {
	var raw [64]byte
	var out [16]uint32
	if _, err := cpu.mem.ReadAt(raw[:], int64(pteg)); err != nil {
		return out, false
	}
	swizzle, _ := cpu.SwizzleOffset(8, 1)
	for i := range out {
		var w uint32
		for j := 0; j < 4; j++ {
			w = w<<8 | uint32(raw[(i*4+j)^swizzle])
		}
		out[i] = w
	}
	return out, true
}

// vtp32 walks the hashed page table. match reports whether a PTE was found
// even if it denies the access.
func (cpu *CPU) vtp32(vaddr uint64, write, instr bool) (paddr uint64, res int, match bool) {
	v := uint32(vaddr)
	srn := v >> 28
	api := (v >> 22) & PteAPI
	sr := cpu.SR[srn]
	vsid := sr & 0xffffff
	sdr1 := uint32(cpu.SPR[SprSDR1])
	htaborg := sdr1 & 0xffff0000

	ptegAddr := func(hash uint32) uint32 {
		tmp := (hash >> 10) & (sdr1 & 0x1ff)
		return htaborg&0xfe000000 | (hash&0x3ff)<<6 | htaborg&0x01ff0000 | tmp<<16
	}

	hash1 := (vsid & 0x7ffff) ^ ((v >> 12) & 0xffff)
	hash2 := hash1 ^ 0x7ffff
	pteg1 := ptegAddr(hash1)
	pteg2 := ptegAddr(hash2)
	cpu.SPR[SprHASH1] = uint64(pteg1)
	cpu.SPR[SprHASH2] = uint64(pteg2)

	cmp := uint32(PteValid) | api | vsid<<PteVSIDShift
	if instr {
		cpu.SPR[SprICMP] = uint64(cmp)
	} else {
		cpu.SPR[SprDCMP] = uint64(cmp)
	}

	var lower uint32
	found := false
	for _, g := range []struct {
		addr uint32
		hid  uint32
	}{{pteg1, 0}, {pteg2, PteHID}} {
		ptes, ok := cpu.readPTEG(uint64(g.addr))
		if !ok {
			continue
		}
		want := cmp | g.hid
		for i := 0; i < 8; i++ {
			if ptes[i*2] == want {
				lower = ptes[i*2+1]
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return 0, 0, false
	}

	if instr && (sr&SrNoExec != 0 || lower&PteG != 0) {
		return 0, 0, true
	}

	paddr = uint64(lower&PteRPGN | v&^PteRPGN)

	user := cpu.MSR&MsrPR != 0
	key := (sr&SrPRKey != 0 && user) || (sr&SrSUKey != 0 && !user)
	pp := lower & PtePP
	switch {
	case key && (pp == 1 || pp == 3):
		res = 1
		if write {
			res = 0
		}
	case key && pp == 2:
		res = 2
	case key:
		res = 0
	case pp == 3:
		res = 1
		if write {
			res = 0
		}
	default:
		res = 2
	}
	return paddr, res, true
}

// TranslateV2P translates vaddr through the BATs and the hashed page table,
// raising the guest exception on a miss unless FlagNoExceptions is set.
func (cpu *CPU) TranslateV2P(vaddr uint64, flags memory.TranslateFlags) (uint64, int) {
	instr := flags&memory.FlagInstr != 0
	write := flags&memory.FlagWrite != 0
	noExc := flags&memory.FlagNoExceptions != 0

	if cpu.Bits == 32 {
		vaddr = uint64(uint32(vaddr))
	}

	if (instr && cpu.MSR&MsrIR == 0) || (!instr && cpu.MSR&MsrDR == 0) {
		return vaddr, memory.AccessOKWrite
	}

	if cpu.Type.Flags&Flag601 != 0 {
		cpu.fatal("ppc: 601 address translation is not implemented")
		return 0, memory.AccessFailed
	}

	paddr, res := cpu.batTranslate(vaddr, write, instr)
	if res > 0 {
		return paddr, res
	}
	if res == 0 {
		if !cpu.engine.Running {
			return 0, memory.AccessFailed
		}
		cpu.fatal("ppc: BAT access denied, BAT exceptions are not implemented",
			"vaddr", fmt.Sprintf("%#x", vaddr),
			"write", write,
			"instr", instr)
		return 0, memory.AccessFailed
	}

	if cpu.Bits != 32 {
		cpu.fatal("ppc: 64-bit page table translation is not implemented",
			"vaddr", fmt.Sprintf("%#x", vaddr))
		return 0, memory.AccessFailed
	}

	paddr, res, match := cpu.vtp32(vaddr, write, instr)
	if match && res > 0 {
		return paddr, res
	}

	if noExc {
		return 0, memory.AccessFailed
	}

	if cpu.Type.Flags&Flag603 != 0 {
		nr := ExcITLBMiss
		if instr {
			cpu.SPR[SprIMISS] = vaddr
		} else {
			cpu.SPR[SprDMISS] = vaddr
			nr = ExcDTLBMissLoad
			if write {
				nr = ExcDTLBMissStore
			}
		}
		cpu.AccessMSR(cpu.MSR|MsrTGPR, true, false)
		cpu.Exception(nr, 0)
		return 0, memory.AccessFailed
	}

	if instr {
		cpu.Exception(ExcISI, 0)
		return 0, memory.AccessFailed
	}

	cpu.SPR[SprDAR] = vaddr
	dsisr := uint64(DsisrNotFound)
	if match {
		dsisr = DsisrProtect
	}
	if write {
		dsisr |= DsisrStore
	}
	cpu.SPR[SprDSISR] = dsisr
	cpu.Exception(ExcDSI, 0)
	return 0, memory.AccessFailed
}
