package machine

import (
	"fmt"

	"github.com/tinyrange/ppcemu/internal/gdbstub"
	"github.com/tinyrange/ppcemu/internal/memory"
	"github.com/tinyrange/ppcemu/internal/ppc"
)

// The debugger sees the core that stopped last.
func (m *Machine) focused() *ppc.CPU { return m.CPUs[m.focus] }

// Registers implements gdbstub.Target.
func (m *Machine) Registers() gdbstub.Registers {
	cpu := m.focused()
	var r gdbstub.Registers
	for i, v := range cpu.GPR {
		r.GPR[i] = uint32(v)
	}
	r.FPR = cpu.FPR
	r.PC = uint32(cpu.GetPC())
	r.MSR = uint32(cpu.MSR)
	r.CR = cpu.CR
	r.LR = uint32(cpu.SPR[ppc.SprLR])
	r.CTR = uint32(cpu.SPR[ppc.SprCTR])
	r.XER = uint32(cpu.SPR[ppc.SprXER])
	r.FPSCR = cpu.FPSCR
	return r
}

// SetRegisters implements gdbstub.Target. MSR changes go through the same
// path as mtmsr so that translation caches follow.
func (m *Machine) SetRegisters(r gdbstub.Registers) {
	cpu := m.focused()
	for i, v := range r.GPR {
		cpu.GPR[i] = uint64(v)
	}
	cpu.FPR = r.FPR
	cpu.CR = r.CR
	cpu.SPR[ppc.SprLR] = uint64(r.LR)
	cpu.SPR[ppc.SprCTR] = uint64(r.CTR)
	cpu.SPR[ppc.SprXER] = uint64(r.XER)
	cpu.FPSCR = r.FPSCR
	if uint64(r.MSR) != cpu.MSR&0xffffffff {
		cpu.AccessMSR(cpu.MSR&^0xffffffff|uint64(r.MSR), true, false)
	}
	if uint64(r.PC) != cpu.GetPC() {
		cpu.SetPC(uint64(r.PC))
	}
}

// ReadMemory implements gdbstub.Target. Accesses never raise guest
// exceptions.
func (m *Machine) ReadMemory(addr uint64, data []byte) error {
	e := m.focused().Engine()
	if !e.MemoryRW(addr, data, memory.MemRead, memory.CacheNone|memory.NoExceptions) {
		return fmt.Errorf("machine: cannot read %d bytes at %#x", len(data), addr)
	}
	return nil
}

// WriteMemory implements gdbstub.Target.
func (m *Machine) WriteMemory(addr uint64, data []byte) error {
	e := m.focused().Engine()
	if !e.MemoryRW(addr, data, memory.MemWrite, memory.CacheNone|memory.NoExceptions) {
		return fmt.Errorf("machine: cannot write %d bytes at %#x", len(data), addr)
	}
	return nil
}

// AddBreakpoint implements gdbstub.Target. Breakpoints apply to every core.
func (m *Machine) AddBreakpoint(addr uint64) {
	for _, cpu := range m.CPUs {
		cpu.Engine().AddBreakpoint(addr)
	}
}

// RemoveBreakpoint implements gdbstub.Target.
func (m *Machine) RemoveBreakpoint(addr uint64) bool {
	removed := false
	for _, cpu := range m.CPUs {
		if cpu.Engine().RemoveBreakpoint(addr) {
			removed = true
		}
	}
	return removed
}

var _ gdbstub.Target = (*Machine)(nil)
