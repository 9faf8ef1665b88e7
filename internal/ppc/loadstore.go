package ppc

import (
	"github.com/tinyrange/ppcemu/internal/dyntrans"
	"github.com/tinyrange/ppcemu/internal/memory"
)

// Loads and stores are big-endian. Under MSR[LE] and the bytelane swap latch
// the address is xor'ed with the offset from SwizzleOffset and the bytes
// are read through the swizzle.

const port92Mask = 0xfffffff0

func (cpu *CPU) load(addr uint64, size int, reverse bool) (uint64, bool) {
	swizzle, offset := cpu.SwizzleOffset(size, 0)
	if reverse {
		swizzle ^= size - 1
	}

	if cpu.Bits == 32 && (size == 1 || addr&uint64(size-1) == 0) {
		if page := cpu.engine.HostLoad(addr); page != nil {
			a := int(addr & memory.PageMask)
			var v uint64
			for i := 0; i < size; i++ {
				v = v<<8 | uint64(page[(a+i)^offset^swizzle])
			}
			return v, true
		}
	}

	var data [8]byte
	cpu.engine.SyncPC()
	if !cpu.engine.MemoryRW(addr^uint64(offset), data[:size], memory.MemRead, memory.CacheData) {
		return 0, false
	}
	var v uint64
	for i := 0; i < size; i++ {
		v = v<<8 | uint64(data[i^swizzle])
	}
	return v, true
}

func (cpu *CPU) store(addr uint64, size int, v uint64, reverse bool) bool {
	swizzle, offset := cpu.SwizzleOffset(size, 0)
	if reverse {
		swizzle ^= size - 1
	}

	stored := false
	if cpu.Bits == 32 && (size == 1 || addr&uint64(size-1) == 0) {
		if page := cpu.engine.HostStore(addr); page != nil {
			a := int(addr & memory.PageMask)
			for i := 0; i < size; i++ {
				page[(a+i)^offset^swizzle] = byte(v >> (8 * (size - 1 - i)))
			}
			stored = true
		}
	}

	if !stored {
		var data [8]byte
		for i := 0; i < size; i++ {
			data[i^swizzle] = byte(v >> (8 * (size - 1 - i)))
		}
		cpu.engine.SyncPC()
		if !cpu.engine.MemoryRW(addr^uint64(offset), data[:size], memory.MemWrite, memory.CacheData) {
			return false
		}
	}

	if cpu.LLBit && addr&^3 == cpu.LLAddr&^3 {
		cpu.LLBit = false
	}

	// PReP port 92: bit 1 selects the bytelane swap.
	if addr&port92Mask == 0x80000090 {
		cpu.BytelaneSwapLatch = v&2 != 0
		cpu.engine.InvalidateTranslationCaches(0, memory.InvalidateAll)
	}
	return true
}

func signExtend(v uint64, size int) uint64 {
	switch size {
	case 1:
		return uint64(int64(int8(v)))
	case 2:
		return uint64(int64(int16(v)))
	case 4:
		return uint64(int64(int32(v)))
	}
	return v
}

// effectiveAddr computes the address for D-form (Arg[2] is the offset) and
// X-form (Arg[2] is rB) accesses.
func (cpu *CPU) effectiveAddr(ic *dyntrans.Call, indexed bool) uint64 {
	addr := cpu.base(ic.Arg[1])
	if indexed {
		addr += cpu.GPR[ic.Arg[2]]
	} else {
		addr += ic.Arg[2]
	}
	return cpu.mask(addr)
}

type accessKind struct {
	size    int
	signed  bool
	update  bool
	indexed bool
	reverse bool
}

func (cpu *CPU) loadHandler(k accessKind) dyntrans.Handler {
	return func(ic *dyntrans.Call) {
		addr := cpu.effectiveAddr(ic, k.indexed)
		v, ok := cpu.load(addr, k.size, k.reverse)
		if !ok {
			return
		}
		if k.signed {
			v = signExtend(v, k.size)
		}
		cpu.GPR[ic.Arg[0]] = v
		if k.update {
			cpu.GPR[ic.Arg[1]] = addr
		}
	}
}

func (cpu *CPU) storeHandler(k accessKind) dyntrans.Handler {
	return func(ic *dyntrans.Call) {
		addr := cpu.effectiveAddr(ic, k.indexed)
		if !cpu.store(addr, k.size, cpu.GPR[ic.Arg[0]], k.reverse) {
			return
		}
		if k.update {
			cpu.GPR[ic.Arg[1]] = addr
		}
	}
}

func (cpu *CPU) lwarx(ic *dyntrans.Call) {
	addr := cpu.effectiveAddr(ic, true)
	v, ok := cpu.load(addr, 4, false)
	if !ok {
		return
	}
	cpu.GPR[ic.Arg[0]] = v
	cpu.LLAddr = addr
	cpu.LLBit = true
}

func (cpu *CPU) stwcx(ic *dyntrans.Call) {
	addr := cpu.effectiveAddr(ic, true)
	so := uint32(cpu.SPR[SprXER]>>31) & 1
	if !cpu.LLBit || cpu.LLAddr != addr {
		cpu.LLBit = false
		cpu.CR = cpu.CR&^(0xf<<28) | so<<28
		return
	}
	if !cpu.store(addr, 4, cpu.GPR[ic.Arg[0]], false) {
		return
	}
	cpu.LLBit = false
	cpu.CR = cpu.CR&^(0xf<<28) | (2|so)<<28
}
