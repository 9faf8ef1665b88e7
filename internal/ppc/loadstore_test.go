package ppc

import (
	"testing"

	"github.com/tinyrange/ppcemu/internal/dyntrans"
)

func TestSwizzleOffset(t *testing.T) {
	tests := []struct {
		le, swap        bool
		size            int
		swizzle, offset int
	}{
		{false, false, 4, 0, 0},
		{true, false, 4, 0, 4},
		{true, false, 1, 0, 7},
		{true, false, 2, 0, 6},
		{false, true, 4, 3, 4},
		{true, true, 4, 3, 0},
		{false, true, 8, 7, 0},
	}
	cpu := newTestCPU(t, "PPC750", dyntrans.Config{})
	for _, tt := range tests {
		cpu.MSR = 0
		if tt.le {
			cpu.MSR = MsrLE
		}
		cpu.BytelaneSwap[0] = tt.swap
		swizzle, offset := cpu.SwizzleOffset(tt.size, 0)
		if swizzle != tt.swizzle || offset != tt.offset {
			t.Errorf("SwizzleOffset(%d) le=%v swap=%v = %d, %d; want %d, %d",
				tt.size, tt.le, tt.swap, swizzle, offset, tt.swizzle, tt.offset)
		}
	}
}

func TestLittleEndianAccess(t *testing.T) {
	cpu := newTestCPU(t, "PPC750", dyntrans.Config{})
	cpu.MSR = MsrLE

	// The first access fills the host TLB, the second uses it.
	for i := 0; i < 2; i++ {
		if !cpu.store(0x2000, 4, 0x11223344, false) {
			t.Fatal("store failed")
		}
		if w := readWord(t, cpu, 0x2004); w != 0x11223344 {
			t.Fatalf("pass %d: word at 0x2004 = %#x", i, w)
		}
		if v, ok := cpu.load(0x2000, 4, false); !ok || v != 0x11223344 {
			t.Fatalf("pass %d: lwz = %#x, %v", i, v, ok)
		}
		if v, ok := cpu.load(0x2000, 1, false); !ok || v != 0x44 {
			t.Fatalf("pass %d: lbz = %#x, %v", i, v, ok)
		}
	}
}

func TestByteReversedAccess(t *testing.T) {
	cpu := newTestCPU(t, "PPC750", dyntrans.Config{})
	loadProgram(t, cpu, 0x2100, 0x11223344)
	if v, ok := cpu.load(0x2100, 4, true); !ok || v != 0x44332211 {
		t.Fatalf("lwbrx = %#x, %v", v, ok)
	}
	if !cpu.store(0x2104, 4, 0xaabbccdd, true) {
		t.Fatal("stwbrx failed")
	}
	if w := readWord(t, cpu, 0x2104); w != 0xddccbbaa {
		t.Fatalf("stwbrx wrote %#x", w)
	}
}

func TestPort92BytelaneSwap(t *testing.T) {
	cpu := newTestCPU(t, "PPC750", dyntrans.Config{})
	cpu.store(0x80000092, 1, 2, false)
	if !cpu.BytelaneSwapLatch {
		t.Fatal("port 92 did not set the latch")
	}
	// The latch takes effect at the next context synchronization.
	if s, o := cpu.SwizzleOffset(4, 0); s != 0 || o != 0 {
		t.Fatalf("swap applied early: %d, %d", s, o)
	}
	cpu.contextSync()
	if s, o := cpu.SwizzleOffset(4, 0); s != 3 || o != 4 {
		t.Fatalf("SwizzleOffset = %d, %d; want 3, 4", s, o)
	}
	if s, o := cpu.SwizzleOffset(4, 1); s != 3 || o != 4 {
		t.Fatalf("instruction SwizzleOffset = %d, %d; want 3, 4", s, o)
	}
}

func TestStoreCancelsReservation(t *testing.T) {
	cpu := newTestCPU(t, "PPC750", dyntrans.Config{})
	cpu.LLAddr = 0x3000
	cpu.LLBit = true

	cpu.store(0x3008, 4, 1, false)
	if !cpu.LLBit {
		t.Fatal("store to another word cleared the reservation")
	}
	cpu.store(0x3002, 1, 1, false)
	if cpu.LLBit {
		t.Fatal("store to the reserved word kept the reservation")
	}
}

func TestMungeDeviceAddr(t *testing.T) {
	cpu := newTestCPU(t, "PPC750", dyntrans.Config{})
	if got := cpu.MungeDeviceAddr(0x10, 1); got != 0x10 {
		t.Errorf("big-endian munge = %#x", got)
	}
	cpu.MSR = MsrLE
	tests := []struct {
		offset uint64
		length int
		want   uint64
	}{
		{0x10, 1, 0x17},
		{0x10, 2, 0x16},
		{0x10, 4, 0x14},
		{0x10, 8, 0x10},
	}
	for _, tt := range tests {
		if got := cpu.MungeDeviceAddr(tt.offset, tt.length); got != tt.want {
			t.Errorf("MungeDeviceAddr(%#x, %d) = %#x, want %#x", tt.offset, tt.length, got, tt.want)
		}
	}
}
