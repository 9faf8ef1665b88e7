package ppc

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/ppcemu/internal/dyntrans"
	"github.com/tinyrange/ppcemu/internal/memory"
)

// Instruction encoders for test programs.

func dform(op, rt, ra uint32, imm int32) uint32 {
	return op<<26 | rt<<21 | ra<<16 | uint32(uint16(imm))
}

func xform(xo, rt, ra, rb, rc uint32) uint32 {
	return 31<<26 | rt<<21 | ra<<16 | rb<<11 | xo<<1 | rc
}

func addi(rd, ra uint32, imm int32) uint32 { return dform(14, rd, ra, imm) }
func li(rd uint32, imm int32) uint32       { return addi(rd, 0, imm) }
func lis(rd uint32, imm int32) uint32      { return dform(15, rd, 0, imm) }
func ori(ra, rs uint32, imm int32) uint32  { return dform(24, rs, ra, imm) }
func lwz(rd uint32, d int32, ra uint32) uint32 {
	return dform(32, rd, ra, d)
}
func lbz(rd uint32, d int32, ra uint32) uint32 {
	return dform(34, rd, ra, d)
}
func stw(rs uint32, d int32, ra uint32) uint32 {
	return dform(36, rs, ra, d)
}
func stwu(rs uint32, d int32, ra uint32) uint32 {
	return dform(37, rs, ra, d)
}
func stb(rs uint32, d int32, ra uint32) uint32 {
	return dform(38, rs, ra, d)
}
func cmpwi(crf, ra uint32, imm int32) uint32 { return dform(11, crf<<2, ra, imm) }
func add(rd, ra, rb uint32) uint32          { return xform(266, rd, ra, rb, 0) }
func xorDot(ra, rs, rb uint32) uint32       { return xform(316, rs, ra, rb, 1) }
func mfcr(rd uint32) uint32                 { return xform(19, rd, 0, 0, 0) }
func lwarx(rd, ra, rb uint32) uint32        { return xform(20, rd, ra, rb, 0) }
func stwcx(rs, ra, rb uint32) uint32        { return xform(150, rs, ra, rb, 1) }
func mtmsr(rs uint32) uint32                { return xform(146, rs, 0, 0, 0) }
func mfmsr(rd uint32) uint32                { return xform(83, rd, 0, 0, 0) }
func mtsr(sr, rs uint32) uint32             { return xform(210, rs, sr, 0, 0) }

func rlwinm(ra, rs, sh, mb, me uint32) uint32 {
	return 21<<26 | rs<<21 | ra<<16 | sh<<11 | mb<<6 | me<<1
}

func mtspr(spr, rs uint32) uint32 { return xform(467, rs, spr&31, spr>>5, 0) }
func mfspr(rd, spr uint32) uint32 { return xform(339, rd, spr&31, spr>>5, 0) }
func mtctr(rs uint32) uint32      { return mtspr(SprCTR, rs) }

func bc(bo, bi uint32, disp int32) uint32 {
	return 16<<26 | bo<<21 | bi<<16 | uint32(disp)&0xfffc
}
func bdnz(disp int32) uint32    { return bc(16, 0, disp) }
func blt(disp int32) uint32     { return bc(12, 0, disp) }
func b(disp int32) uint32       { return 18<<26 | uint32(disp)&0x03fffffc }
func bl(disp int32) uint32      { return b(disp) | 1 }
func hang() uint32              { return b(0) }

const (
	blr   = 0x4e800020
	sc    = 0x44000002
	rfi   = 0x4c000064
	isync = 0x4c00012c
)

const testRAM = 1 << 20

func newTestCPU(t *testing.T, typ string, ecfg dyntrans.Config) *CPU {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem, err := memory.New(memory.Options{Size: testRAM, Logger: log})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	cpu, err := New(mem, Config{Type: typ, Engine: ecfg, Logger: log})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return cpu
}

func loadProgram(t *testing.T, cpu *CPU, addr uint64, words ...uint32) {
	t.Helper()
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint32(buf[i*4:], w)
	}
	if _, err := cpu.mem.WriteAt(buf, int64(addr)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
}

func readWord(t *testing.T, cpu *CPU, addr uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if _, err := cpu.mem.ReadAt(buf[:], int64(addr)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	return binary.BigEndian.Uint32(buf[:])
}

// runUntil runs batches until PC reaches done.
func runUntil(t *testing.T, cpu *CPU, done uint64) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		if cpu.GetPC() == done {
			return
		}
		if !cpu.Running() {
			t.Fatalf("cpu stopped at %#x: %v", cpu.GetPC(), cpu.Engine().Err())
		}
		cpu.Run()
	}
	t.Fatalf("pc %#x did not reach %#x", cpu.GetPC(), done)
}
