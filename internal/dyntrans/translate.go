package dyntrans

import (
	"fmt"

	"github.com/tinyrange/ppcemu/internal/memory"
)

// PCToPointers points the dispatcher at the translation page holding PC,
// creating the page and the instruction side host mapping on a miss.
func (e *Engine) PCToPointers() {
	if p := e.pages.byHandle(e.tlb.lookup(e.PC, true).page); p != nil {
		e.enterPage(p, e.PC)
		return
	}
	e.pcToPointersGeneric()
}

// QuickPCToPointers is used after PC moved to the next page.
func (e *Engine) QuickPCToPointers() {
	e.PCToPointers()
}

func (e *Engine) pcToPointersGeneric() {
	pc := e.PC
	ent := e.tlb.lookup(pc, true)

	var paddr uint64
	switch {
	case ent.load != 0:
		paddr = ent.phys
	case e.cfg.NoTranslation:
		paddr = pc
	default:
		var ok int
		paddr, ok = e.arch.TranslateV2P(pc, memory.FlagInstr)
		if ok&0xff == 0 {
			// The exception moved PC to the handler.
			if !e.Running {
				e.stopRunningTranslated()
				return
			}
			pc = e.PC
			ent = e.tlb.lookup(pc, true)
			if ent.load != 0 {
				paddr = ent.phys
			} else {
				paddr, ok = e.arch.TranslateV2P(pc, memory.FlagInstr)
				if ok&0xff == 0 {
					panic(fmt.Sprintf("dyntrans: could not find physical address of the exception handler at %#x", pc))
				}
			}
		}
	}
	paddr &^= memory.PageMask

	mapped := ent.load != 0
	if !mapped {
		if host, ok := e.hostPageFor(paddr); ok {
			e.tlb.update(pc&^memory.PageMask, paddr, host, 0, true)
			mapped = true
		}
	}

	p := e.pages.lookupOrCreate(paddr)
	if mapped {
		e.tlb.setPage(pc, true, p.handle)
	}
	if p.Empty() {
		e.invalidateCaches(paddr, memory.JustMarkNonWritable|memory.InvalidatePaddr)
	}
	e.enterPage(p, pc)
}

func (e *Engine) hostPageFor(paddr uint64) (memory.HostPage, bool) {
	if h, ok := e.mem.RAMPage(paddr); ok {
		return h, true
	}
	if d, ok := e.mem.FindDevice(paddr); ok && d.Flags&memory.DynTransOK != 0 {
		return e.mem.DevicePage(d, paddr)
	}
	return 0, false
}

func (e *Engine) enterPage(p *Physpage, pc uint64) {
	virt := pc &^ memory.PageMask
	if p.Virt != virt {
		if !e.cfg.Bits64 {
			p.reset()
		}
		p.Virt = virt
	}
	e.cur = p
	e.next = int((pc & memory.PageMask) >> e.cfg.InstrShift)
}

func (e *Engine) toBeTranslated(ic *Call) {
	e.translateSlot(e.cur, e.next-1, ic)
}

func (e *Engine) breakpointAt(addr uint64) bool {
	for _, bp := range e.Breakpoints {
		if bp == addr {
			return true
		}
	}
	return false
}

func (e *Engine) translateSlot(page *Physpage, slot int, ic *Call) {
	addr := e.SlotPC(slot)
	if e.readahead == 0 {
		e.PC = addr
	}

	word, ok := e.arch.FetchInstruction(addr, e.readahead > 0)
	if !ok {
		if e.readahead > 0 {
			e.badTranslation(ic, word, addr)
			return
		}
		// Normally the fetch raised an exception and the arch has moved on.
		// A device that refuses the fetch raises nothing and the core spins.
		e.mem.Warn("dyntrans: instruction fetch failed", "pc", fmt.Sprintf("%#x", addr), "next_pc", fmt.Sprintf("%#x", e.PC))
		e.skipped++
		return
	}

	if !e.bpContinue && e.readahead == 0 && e.breakpointAt(addr) {
		args := []any{"pc", fmt.Sprintf("%#x", addr)}
		if !e.cfg.InstructionTrace {
			args = append(args, "instr", e.arch.Disassemble(word, addr))
		}
		e.log.Info("dyntrans: breakpoint, the instruction has not yet executed", args...)
		e.bpContinue = true
		e.SingleStep = EnterSingleStepping
		e.skipped++
		e.stopRunningTranslated()
		return
	}

	if e.Debugger != nil && e.Debugger.CheckWaiting() {
		if e.Debugger.SerialInterrupt() {
			e.SingleStep = EnterSingleStepping
		}
	}

	*ic = Call{Word: word}
	combine := e.arch.Decode(ic, word, addr)
	if ic.Op == OpToBeTranslated {
		e.badTranslation(ic, word, addr)
		return
	}
	ic.State = Specialized

	wasEmpty := page.Empty()
	page.mark(slot)
	if wasEmpty {
		e.invalidateCaches(page.Phys, memory.JustMarkNonWritable|memory.InvalidatePaddr)
	}

	if combine && e.SingleStep == NotSingleStepping && !e.cfg.InstructionTrace &&
		!e.crossPageDelaySlot && !e.cfg.DisableCombinations {
		e.arch.Combine(page, slot)
	}

	if e.readahead > 0 {
		return
	}

	if e.bpContinue || e.crossPageDelaySlot {
		e.bpContinue = false
		e.crossPageDelaySlot = false
		e.exec(ic)
		ic.Op = OpToBeTranslated
		ic.State = TemporarilyReverted
		page.unmark(slot)
		return
	}

	if e.SingleStep == NotSingleStepping && !e.cfg.InstructionTrace && len(e.Breakpoints) == 0 {
		e.readAhead(page, slot)
	}

	e.exec(ic)
}

// readAhead translates the untranslated slots following slot.
func (e *Engine) readAhead(page *Physpage, slot int) {
	budget := e.cfg.MaxReadahead
	for s := slot + 1; s < e.entries && budget > 0; s++ {
		c := &page.Calls[s]
		if c.Op != OpToBeTranslated {
			break
		}
		e.readahead = budget
		e.translateSlot(page, s, c)
		if c.Op == OpToBeTranslated {
			break
		}
		budget--
	}
	e.readahead = 0
}

func (e *Engine) badTranslation(ic *Call, word uint32, addr uint64) {
	*ic = Call{}
	if e.readahead > 0 {
		e.log.Debug("dyntrans: read-ahead translation failed", "pc", fmt.Sprintf("%#x", addr))
		return
	}
	e.log.Error("dyntrans: to be translated failed",
		"iword", fmt.Sprintf("%08x", word),
		"pc", fmt.Sprintf("%#x", addr))
	e.err = ErrDecode
	e.Running = false
	e.skipped++
	e.stopRunningTranslated()
}

// SetCrossPageDelaySlot makes the next translated call execute once without
// being kept, for a delay slot that sits on another page.
func (e *Engine) SetCrossPageDelaySlot() { e.crossPageDelaySlot = true }

// FlushCode drops every translated call.
func (e *Engine) FlushCode() {
	e.pages.each(func(p *Physpage) { p.reset() })
	e.tlb.clearPages(0, memory.InvalidateAll)
}

// InvalidateCodeRange drops translated calls for physical pages overlapping
// [lo, hi).
func (e *Engine) InvalidateCodeRange(lo, hi uint64) {
	e.pages.ascendRange(lo&^memory.PageMask, hi, func(p *Physpage) {
		p.reset()
		e.tlb.clearPages(p.Phys, memory.InvalidatePaddr)
	})
}

// TranslatedPages returns the number of translation pages allocated.
func (e *Engine) TranslatedPages() int { return e.pages.len() }

// EachPage calls fn for every translation page in physical address order.
func (e *Engine) EachPage(fn func(p *Physpage)) { e.pages.each(fn) }

// UpdateTranslationTable installs a host TLB mapping.
func (e *Engine) UpdateTranslationTable(vaddrPage uint64, host memory.HostPage, writeflag int, paddrPage uint64, instr bool) {
	e.tlb.update(vaddrPage&^memory.PageMask, paddrPage&^memory.PageMask, host, writeflag, instr)
}

// CachedPages returns the cached translation of vaddr.
func (e *Engine) CachedPages(vaddr uint64, instr bool) HostPages {
	ent := e.tlb.lookup(vaddr, instr)
	return HostPages{
		Phys:  ent.phys,
		Load:  ent.load,
		Store: ent.store,
		Page:  e.pages.byHandle(ent.page),
	}
}

// HostLoad returns the host page readable at data address vaddr, or nil.
func (e *Engine) HostLoad(vaddr uint64) []byte {
	return e.mem.Page(e.tlb.lookup(vaddr, false).load)
}

// HostStore returns the host page writable at data address vaddr, or nil.
func (e *Engine) HostStore(vaddr uint64) []byte {
	return e.mem.Page(e.tlb.lookup(vaddr, false).store)
}

// InstrPage returns the host page mapped for instruction fetch at addr, or
// nil.
func (e *Engine) InstrPage(addr uint64) []byte {
	return e.mem.Page(e.tlb.lookup(addr, true).load)
}

// VPHEntries exposes the host TLB entries.
func (e *Engine) VPHEntries() []VPHEntry { return e.tlb.vphEntries() }

// BroadcastCacheInvalidation drops host TLB mappings on every CPU sharing
// the engine's memory.
func (e *Engine) BroadcastCacheInvalidation(addr uint64, flags int) {
	e.invalidateCaches(addr, flags)
}

// BroadcastCodeInvalidation drops translated code on every CPU sharing the
// engine's memory.
func (e *Engine) BroadcastCodeInvalidation(paddr uint64, flags int) {
	e.invalidateCode(paddr, flags)
}

func (e *Engine) invalidateCaches(paddr uint64, flags int) {
	if e.attached {
		e.mem.InvalidateTranslationCaches(paddr, flags)
		return
	}
	e.InvalidateTranslationCaches(paddr, flags)
}

func (e *Engine) invalidateCode(paddr uint64, flags int) {
	if e.attached {
		e.mem.InvalidateCodeTranslation(paddr, flags)
		return
	}
	e.InvalidateCodeTranslation(paddr, flags)
}

// InvalidateTranslationCaches drops host TLB mappings selected by flags.
func (e *Engine) InvalidateTranslationCaches(addr uint64, flags int) {
	e.tlb.invalidate(addr, flags)
}

// InvalidateCodeTranslation drops translated code selected by flags.
func (e *Engine) InvalidateCodeTranslation(addr uint64, flags int) {
	addr &^= memory.PageMask
	if flags&memory.InvalidatePaddr != 0 {
		p, ok := e.pages.find(addr)
		if !ok {
			return
		}
		if !p.Empty() {
			p.reset()
		}
	}
	e.tlb.clearPages(addr, flags)
}
