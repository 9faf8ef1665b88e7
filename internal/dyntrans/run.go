package dyntrans

const batch = 24

func (e *Engine) step() {
	ic := &e.cur.Calls[e.next]
	if e.Hooks.Record != nil && e.cur != e.nothing {
		e.Hooks.Record(e.SlotPC(e.next), ic)
	}
	e.next++
	e.ops[ic.Op].h(ic)
}

func (e *Engine) stats() {
	if e.Hooks.Stats != nil {
		e.Hooks.Stats(e.SlotPC(e.next), &e.cur.Calls[e.next])
	}
}

func (e *Engine) traceOne() {
	if e.Hooks.Trace != nil && e.cur != e.nothing {
		e.Hooks.Trace(e.SlotPC(e.next), &e.cur.Calls[e.next])
	}
	e.step()
}

// RunInstr runs one batch of calls and returns the number dispatched.
func (e *Engine) RunInstr() int {
	e.PCToPointers()

	if e.SingleStep == NotSingleStepping {
		e.arch.CheckInterrupts()
	}

	if e.Debugger != nil && e.Debugger.CheckWaiting() {
		if e.Debugger.SerialInterrupt() {
			e.SingleStep = EnterSingleStepping
		}
	}

	prev := e.NInstrs
	limit := min(prev+e.cfg.SafeLimit, e.nInstrsAsync+e.cfg.InstrBetweenInterrupts)
	if limit > e.NInstrs {
		limit -= e.NInstrs
	} else {
		limit = 1
	}

	var n uint64
	switch {
	case e.SingleStep&0xff != 0:
		e.traceOne()
		if e.cfg.Statistics {
			e.stats()
		}
		n = 1
	case e.cfg.Statistics:
		for n+batch < limit {
			for i := 0; i < batch; i++ {
				e.stats()
				e.step()
			}
			n += batch
		}
		for n < limit {
			e.stats()
			e.step()
			n++
		}
	case e.cfg.InstructionTrace:
		e.traceOne()
		n = 1
	default:
		for n+batch < limit {
			e.step()
			e.step()
			e.step()
			e.step()
			e.step()
			e.step()
			e.step()
			e.step()

			e.step()
			e.step()
			e.step()
			e.step()
			e.step()
			e.step()
			e.step()
			e.step()

			e.step()
			e.step()
			e.step()
			e.step()
			e.step()
			e.step()
			e.step()
			e.step()
			n += batch
		}
		for n < limit {
			e.step()
			n++
		}
	}

	e.syncPCFromSlot()

	total := prev + n
	executed := total - e.skipped + e.fused
	if e.SingleStep >= 0x100 && executed >= (e.SingleStep|0xff)-0xff {
		e.log.Info("dyntrans: instruction limit reached", "count", executed)
		e.SingleStep = EnterSingleStepping
	}
	if e.nInstrsAsync+e.cfg.InstrBetweenInterrupts <= total {
		e.nInstrsAsync += e.cfg.InstrBetweenInterrupts
		e.arch.UpdateForICount()
	}

	e.NInstrs = total
	return int(n)
}

// syncPCFromSlot makes PC exact after a batch. A slot index one or two past
// the last instruction means execution left through an end-of-page sentinel.
func (e *Engine) syncPCFromSlot() {
	if e.cur == e.nothing {
		return
	}
	if e.next >= 0 && e.next <= e.entries+1 {
		e.PC = e.SlotPC(e.next)
	}
}
