package dyntrans

import (
	"fmt"

	"github.com/tinyrange/ppcemu/internal/memory"
)

// MemoryRW performs a guest access of len(data) bytes at vaddr. writeflag is
// memory.MemRead or memory.MemWrite. It returns false if the access failed,
// in which case any guest exception has been raised unless flags carry
// memory.NoExceptions.
//
// RAM and DynTransOK device pages reached here are entered into the host TLB
// so that later accesses take the fast path.
func (e *Engine) MemoryRW(vaddr uint64, data []byte, writeflag int, flags memory.Flags) bool {
	noExc := flags&memory.NoExceptions != 0
	cache := flags.Cache()
	write := writeflag == memory.MemWrite

	ok := memory.AccessOKWrite
	paddr := vaddr
	if flags&memory.Physical == 0 && !e.cfg.NoTranslation {
		var tf memory.TranslateFlags
		if write {
			tf |= memory.FlagWrite
		}
		if noExc {
			tf |= memory.FlagNoExceptions
		}
		if flags&memory.UserAccess != 0 {
			tf |= memory.FlagUserAccess
		}
		if cache == memory.CacheInstruction {
			tf |= memory.FlagInstr
		}
		paddr, ok = e.arch.TranslateV2P(vaddr, tf)
		if ok&0xff == memory.AccessFailed {
			return false
		}
	}

	if e.mem.InDeviceRange(paddr) {
		if d, found := e.mem.FindDevice(paddr); found {
			return e.deviceAccess(d, vaddr, paddr, data, write, noExc, ok)
		}
	}

	if paddr >= e.mem.PhysicalMax() {
		if !noExc {
			e.mem.Warn("memory: access to unimplemented address",
				"write", write,
				"paddr", fmt.Sprintf("%#x", paddr),
				"len", len(data))
		}
		if !write {
			clear(data)
		}
		return true
	}

	host, found := e.mem.RAMPage(paddr)
	if !found {
		if !write {
			clear(data)
		}
		return true
	}

	if ok&memory.NotFullPage == 0 && !noExc {
		wf := int(flags & memory.UserAccess)
		if cache == memory.CacheInstruction {
			if write {
				wf |= memory.MemWrite
			}
		} else {
			wf |= (ok & 0xff) - 1
		}
		e.tlb.update(vaddr&^memory.PageMask, paddr&^memory.PageMask, host, wf, cache == memory.CacheInstruction)
	}

	if write || (ok == memory.AccessOKWrite && cache == memory.CacheData) {
		e.invalidateCode(paddr, memory.InvalidatePaddr)
	}

	ram := e.mem.RAM()
	if paddr+uint64(len(data)) > uint64(len(ram)) {
		if !noExc {
			e.log.Error("memory: access crosses the end of RAM",
				"paddr", fmt.Sprintf("%#x", paddr),
				"len", len(data))
		}
		return false
	}
	if write {
		copy(ram[paddr:], data)
	} else {
		copy(data, ram[paddr:])
	}
	return true
}

func (e *Engine) deviceAccess(d *memory.Mapping, vaddr, paddr uint64, data []byte, write, noExc bool, ok int) bool {
	off := paddr - d.Base
	if off+uint64(len(data)) > d.Length {
		data = data[:d.Length-off]
	}

	if ok&memory.NotFullPage == 0 && d.Flags&memory.DynTransOK != 0 {
		wf := write && d.Flags&memory.DynTransWriteOK != 0
		if wf {
			if off < d.WriteLow {
				d.WriteLow = off &^ memory.PageMask
			}
			if off >= d.WriteHigh {
				d.WriteHigh = off | memory.PageMask
			}
		}
		if host, found := e.mem.DevicePage(d, paddr); found {
			flag := memory.MemRead
			if wf {
				flag = memory.MemWrite
			}
			e.tlb.update(vaddr&^memory.PageMask, paddr&^memory.PageMask, host, flag, false)
		}
	}

	var err error
	if !noExc || d.Flags&memory.ReadsHaveNoSideEffects != 0 {
		err = d.Handler.Access(e.arch.MungeDeviceAddr(off, len(data)), data, write)
	}
	if err != nil && !noExc {
		e.log.Debug("memory: device access failed",
			"device", d.Name,
			"write", write,
			"offset", fmt.Sprintf("%#x", off),
			"err", err)
		return false
	}
	return true
}
