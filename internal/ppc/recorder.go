package ppc

import (
	"fmt"
	"io"

	"github.com/tinyrange/ppcemu/internal/dyntrans"
)

// Record is the CPU state captured before one dispatch.
type Record struct {
	Index uint64
	PC    uint64
	Word  uint32

	GPR [32]uint64
	SR  [16]uint32

	MSR   uint64
	CR    uint32
	LR    uint64
	CTR   uint64
	DEC   uint64
	DAR   uint64
	SDR1  uint64
	DSISR uint64
	SRR0  uint64
	SRR1  uint64
	SPRG  [4]uint64
}

// Recorder keeps the most recent records in a ring.
type Recorder struct {
	ring []Record
	mask uint64
	n    uint64
}

// EnableRecorder installs a recorder of length entries, which must be a
// power of two.
func (cpu *CPU) EnableRecorder(length int) (*Recorder, error) {
	if length <= 0 || length&(length-1) != 0 {
		return nil, fmt.Errorf("ppc: recorder length %d is not a power of two", length)
	}
	r := &Recorder{ring: make([]Record, length), mask: uint64(length - 1)}
	cpu.recorder = r
	cpu.engine.Hooks.Record = func(pc uint64, ic *dyntrans.Call) { r.capture(cpu, pc, ic) }
	return r, nil
}

// Recorder returns the installed recorder or nil.
func (cpu *CPU) Recorder() *Recorder { return cpu.recorder }

func (r *Recorder) capture(cpu *CPU, pc uint64, ic *dyntrans.Call) {
	if ic.Op == dyntrans.OpEndOfPage || ic.Op == dyntrans.OpEndOfPage2 {
		return
	}
	rec := &r.ring[r.n&r.mask]
	rec.Index = r.n
	rec.PC = pc
	rec.Word = ic.Word
	if ic.Op == dyntrans.OpToBeTranslated {
		rec.Word, _ = cpu.FetchInstruction(pc, true)
	}
	rec.GPR = cpu.GPR
	rec.SR = cpu.SR
	rec.MSR = cpu.MSR
	rec.CR = cpu.CR
	rec.LR = cpu.SPR[SprLR]
	rec.CTR = cpu.SPR[SprCTR]
	rec.DEC = cpu.SPR[SprDEC]
	rec.DAR = cpu.SPR[SprDAR]
	rec.SDR1 = cpu.SPR[SprSDR1]
	rec.DSISR = cpu.SPR[SprDSISR]
	rec.SRR0 = cpu.SPR[SprSRR0]
	rec.SRR1 = cpu.SPR[SprSRR1]
	copy(rec.SPRG[:], cpu.SPR[SprSPRG0:SprSPRG3+1])
	r.n++
}

// Records returns the retained records, oldest first.
func (r *Recorder) Records() []Record {
	size := uint64(len(r.ring))
	if r.n < size {
		return append([]Record(nil), r.ring[:r.n]...)
	}
	out := make([]Record, 0, size)
	for i := r.n - size; i < r.n; i++ {
		out = append(out, r.ring[i&r.mask])
	}
	return out
}

// Dump writes the retained records with disassembly.
func (r *Recorder) Dump(w io.Writer) error {
	for _, rec := range r.Records() {
		_, err := fmt.Fprintf(w, "%8d %08x: %08x  %-28s msr=%08x cr=%08x lr=%08x ctr=%08x r1=%08x r3=%08x\n",
			rec.Index, rec.PC, rec.Word, disassemble(rec.Word, rec.PC),
			rec.MSR, rec.CR, rec.LR, rec.CTR, rec.GPR[1], rec.GPR[3])
		if err != nil {
			return err
		}
	}
	return nil
}
