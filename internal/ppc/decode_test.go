package ppc

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/ppcemu/internal/dyntrans"
)

func TestDecode(t *testing.T) {
	cpu := newTestCPU(t, "PPC750", dyntrans.Config{})
	e := cpu.Engine()

	tests := []struct {
		word uint32
		op   string
		arg  [3]uint64
	}{
		{li(3, -1), "addi", [3]uint64{3, zeroReg, ^uint64(0)}},
		{addi(3, 4, 8), "addi", [3]uint64{3, 4, 8}},
		{lis(5, 0x1234), "addis", [3]uint64{5, zeroReg, 0x12340000}},
		{ori(0, 0, 0), "ori", [3]uint64{0, 0, 0}},
		{ori(7, 5, 0x8000), "ori", [3]uint64{7, 5, 0x8000}},
		{cmpwi(3, 4, -2), "cmpwi", [3]uint64{3, 4, ^uint64(1)}},
		{add(1, 2, 3), "add", [3]uint64{1, 2, 3}},
		{xform(266, 1, 2, 3, 1), "add.", [3]uint64{1, 2, 3}},
		{xorDot(9, 8, 3), "xor.", [3]uint64{9, 8, 3}},
		{rlwinm(7, 6, 2, 0, 29), "rlwinm", [3]uint64{7, 6, 2 | 0xfffffffc<<32}},
		{lwz(3, -4, 1), "lwz", [3]uint64{3, 1, ^uint64(3)}},
		{lwz(3, 16, 0), "lwz", [3]uint64{3, zeroReg, 16}},
		{stwu(1, -16, 1), "stwu", [3]uint64{1, 1, ^uint64(15)}},
		{lwarx(3, 0, 4), "lwarx", [3]uint64{3, zeroReg, 4}},
		{xform(534, 3, 5, 6, 0), "lwbrx", [3]uint64{3, 5, 6}},
		{b(-8), "b", [3]uint64{^uint64(7), 0, 0}},
		{bl(0x100), "b", [3]uint64{0x100, branchLK, 0}},
		{bdnz(-0x18), "bc", [3]uint64{16, ^uint64(0x17), 0}},
		{blr, "bclr", [3]uint64{20, 0, 0}},
		{mtctr(4), "mtspr", [3]uint64{4, SprCTR, 0}},
		{mfspr(10, SprSRR0), "mfspr", [3]uint64{10, SprSRR0, 0}},
		{mtsr(3, 7), "mtsr", [3]uint64{7, 3, 0}},
		{mtmsr(3), "mtmsr", [3]uint64{3, 0, 0}},
		{sc, "sc", [3]uint64{}},
		{rfi, "rfi", [3]uint64{}},
		{isync, "isync", [3]uint64{}},
	}

	for _, tt := range tests {
		var ic dyntrans.Call
		cpu.Decode(&ic, tt.word, 0x1000)
		if got := e.OpName(ic.Op); got != tt.op {
			t.Errorf("Decode(%08x) op = %s, want %s", tt.word, got, tt.op)
			continue
		}
		if ic.Arg != tt.arg {
			t.Errorf("Decode(%08x) %s args = %#x, want %#x", tt.word, tt.op, ic.Arg, tt.arg)
		}
	}
}

func TestDecodeRejects(t *testing.T) {
	cpu := newTestCPU(t, "PPC750", dyntrans.Config{})
	for _, w := range []uint32{
		0,
		0xffffffff,
		dform(33, 3, 0, 4),           // lwzu with rA=0
		dform(11, 1, 3, 0),           // cmpdi on a 32-bit core
		xform(266|0x200, 1, 2, 3, 0), // addo
		xform(150, 5, 0, 4, 0),       // stwcx without Rc
		0x4c000420,                   // bcctr with CTR decrement
	} {
		var ic dyntrans.Call
		cpu.Decode(&ic, w, 0)
		if ic.Op != dyntrans.OpToBeTranslated {
			t.Errorf("Decode(%08x) = %s, want rejection", w, cpu.Engine().OpName(ic.Op))
		}
	}
}

func TestDecodeIdempotent(t *testing.T) {
	cpu := newTestCPU(t, "PPC750", dyntrans.Config{})
	for _, w := range sumProgram {
		var a, b dyntrans.Call
		cpu.Decode(&a, w, 0x2000)
		cpu.Decode(&b, w, 0x2000)
		if diff := cmp.Diff(a, b); diff != "" {
			t.Errorf("Decode(%08x) differs between calls:\n%s", w, diff)
		}
	}
}

func TestRlwMask(t *testing.T) {
	tests := []struct {
		mb, me uint32
		want   uint32
	}{
		{0, 31, 0xffffffff},
		{0, 29, 0xfffffffc},
		{16, 31, 0x0000ffff},
		{31, 0, 0x80000001},
		{28, 3, 0xf000000f},
		{5, 5, 0x04000000},
	}
	for _, tt := range tests {
		if got := rlwMask(tt.mb, tt.me); got != tt.want {
			t.Errorf("rlwMask(%d, %d) = %#08x, want %#08x", tt.mb, tt.me, got, tt.want)
		}
	}
}

func TestDisassemble(t *testing.T) {
	cpu := newTestCPU(t, "PPC750", dyntrans.Config{})
	if got := cpu.Disassemble(add(1, 2, 3), 0); got == "" || got[0] == '.' {
		t.Fatalf("Disassemble(add) = %q", got)
	}
	if got := cpu.Disassemble(0, 0); got == "" {
		t.Fatal("empty disassembly for an invalid word")
	}
}
