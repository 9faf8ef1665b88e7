package machine

import (
	"fmt"
	"io"

	"github.com/tinyrange/ppcemu/internal/devices/serial"
	"github.com/tinyrange/ppcemu/internal/ppc"
)

// CPUStats are the counters of one core.
type CPUStats struct {
	ID           int
	PC           uint64
	Dispatched   uint64
	Instructions uint64
	// Ops is empty unless dyntrans statistics are enabled.
	Ops []ppc.OpCount
}

// Stats is a snapshot of the machine counters.
type Stats struct {
	CPUs []CPUStats
	// Interrupts counts end of interrupt signals per ISA line.
	Interrupts [16]uint64
	Serial     serial.Stats
}

// Stats collects the current counters.
func (m *Machine) Stats() Stats {
	var s Stats
	for i, cpu := range m.CPUs {
		e := cpu.Engine()
		cs := CPUStats{ID: i, PC: cpu.GetPC(), Dispatched: e.NInstrs, Instructions: e.Executed()}
		if i < len(m.stats) {
			cs.Ops = m.stats[i].Report()
		}
		s.CPUs = append(s.CPUs, cs)
	}
	for i := range m.irqCounts {
		s.Interrupts[i] = m.irqCounts[i].Load()
	}
	if m.Serial != nil {
		s.Serial = m.Serial.Stats()
	}
	return s
}

// WriteReport prints s. top limits the handlers listed per core.
func (s Stats) WriteReport(w io.Writer, top int) error {
	for _, c := range s.CPUs {
		if _, err := fmt.Fprintf(w, "cpu%d: pc %#08x instructions %d dispatched %d\n", c.ID, c.PC, c.Instructions, c.Dispatched); err != nil {
			return err
		}
		for i, op := range c.Ops {
			if top > 0 && i == top {
				break
			}
			if _, err := fmt.Fprintf(w, "  %-24s %12d\n", op.Name, op.Count); err != nil {
				return err
			}
		}
	}
	for line, n := range s.Interrupts {
		if n != 0 {
			if _, err := fmt.Fprintf(w, "irq %2d: %d\n", line, n); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintf(w, "serial: tx %d rx %d\n", s.Serial.TXBytes, s.Serial.RXBytes)
	return err
}

// DumpRecorders writes the recorded instructions of every core that has a
// recorder.
func (m *Machine) DumpRecorders(w io.Writer) error {
	for i, r := range m.recorders {
		if _, err := fmt.Fprintf(w, "cpu%d:\n", i); err != nil {
			return err
		}
		if err := r.Dump(w); err != nil {
			return err
		}
	}
	return nil
}
