package ppc

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/arch/ppc64/ppc64asm"

	"github.com/tinyrange/ppcemu/internal/dyntrans"
)

func disassemble(word uint32, addr uint64) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], word)
	inst, err := ppc64asm.Decode(b[:], binary.BigEndian)
	if err != nil {
		return fmt.Sprintf(".long %#08x", word)
	}
	return ppc64asm.GNUSyntax(inst, addr)
}

// TraceHook returns an engine trace hook logging each instruction at debug
// level.
func (cpu *CPU) TraceHook(log *slog.Logger) func(pc uint64, ic *dyntrans.Call) {
	if log == nil {
		log = cpu.log
	}
	return func(pc uint64, ic *dyntrans.Call) {
		word := ic.Word
		if ic.Op == dyntrans.OpToBeTranslated {
			var ok bool
			if word, ok = cpu.FetchInstruction(pc, true); !ok {
				log.Info("trace", "pc", fmt.Sprintf("%#08x", pc), "instr", "<unmapped>")
				return
			}
		}
		log.Info("trace",
			"pc", fmt.Sprintf("%#08x", pc),
			"word", fmt.Sprintf("%08x", word),
			"instr", disassemble(word, pc))
	}
}

// Statistics counts dispatches per handler.
type Statistics struct {
	engine *dyntrans.Engine
	counts map[dyntrans.Op]uint64
}

// StatsHook installs a statistics counter and returns it.
func (cpu *CPU) StatsHook() *Statistics {
	if cpu.stats == nil {
		cpu.stats = &Statistics{engine: cpu.engine, counts: make(map[dyntrans.Op]uint64)}
	}
	s := cpu.stats
	cpu.engine.Hooks.Stats = func(pc uint64, ic *dyntrans.Call) { s.counts[ic.Op]++ }
	cpu.engine.SetStatistics(true)
	return s
}

// OpCount is one line of a statistics report.
type OpCount struct {
	Name  string
	Count uint64
}

// Report returns the counts, most frequent first.
func (s *Statistics) Report() []OpCount {
	out := make([]OpCount, 0, len(s.counts))
	for op, n := range s.counts {
		out = append(out, OpCount{Name: s.engine.OpName(op), Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return out
}
