package machine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/ppcemu/internal/config"
	"github.com/tinyrange/ppcemu/internal/dyntrans"
	"github.com/tinyrange/ppcemu/internal/gdbstub"
	"github.com/tinyrange/ppcemu/internal/timeslice"
)

const haltAddr = 0x80001000

func dform(op, rt, ra uint32, imm int32) uint32 {
	return op<<26 | rt<<21 | ra<<16 | uint32(uint16(imm))
}

func li(rd uint32, imm int32) uint32      { return dform(14, rd, 0, imm) }
func lis(rd uint32, imm int32) uint32     { return dform(15, rd, 0, imm) }
func ori(ra, rs uint32, imm int32) uint32 { return dform(24, rs, ra, imm) }
func stw(rs uint32, d int32, ra uint32) uint32 {
	return dform(36, rs, ra, d)
}
func stb(rs uint32, d int32, ra uint32) uint32 {
	return dform(38, rs, ra, d)
}
func b(disp int32) uint32 { return 18<<26 | uint32(disp)&0x03fffffc }

// halt stores r31 to the halt register using r30.
func halt() []uint32 {
	return []uint32{lis(30, 0x8000), ori(30, 30, 0x1000), stw(31, 0, 30), b(0)}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MemoryMB = 4
	cfg.HaltAddress = haltAddr
	return cfg
}

func newMachine(t *testing.T, cfg config.Config, opts Options) *Machine {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func program(words ...uint32) []byte {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

func load(t *testing.T, m *Machine, addr uint64, words ...uint32) {
	t.Helper()
	img := program(words...)
	if err := m.LoadImage(bytes.NewReader(img), addr, uint64(len(img)), nil); err != nil {
		t.Fatalf("LoadImage: %v", err)
	}
}

func TestHalt(t *testing.T) {
	m := newMachine(t, testConfig(), Options{})
	load(t, m, 0, append([]uint32{li(3, 0x55), li(4, 0x66)}, halt()...)...)

	if err := m.Run(context.Background()); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run = %v, want ErrHalt", err)
	}
	cpu := m.CPUs[0]
	if cpu.GPR[3] != 0x55 || cpu.GPR[4] != 0x66 {
		t.Fatalf("r3 = %#x r4 = %#x", cpu.GPR[3], cpu.GPR[4])
	}
	if !m.Halted() {
		t.Fatal("Halted = false")
	}
}

func TestProfile(t *testing.T) {
	var buf bytes.Buffer
	profile, err := timeslice.Create(&buf, ProfileKinds)
	if err != nil {
		t.Fatal(err)
	}
	m := newMachine(t, testConfig(), Options{Profile: profile})
	load(t, m, 0, halt()...)
	if err := m.Run(context.Background()); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run = %v, want ErrHalt", err)
	}
	if err := profile.Close(); err != nil {
		t.Fatal(err)
	}
	sums, err := timeslice.Summarize(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(sums) == 0 || sums[0].Kind != "cpu" || sums[0].Count == 0 {
		t.Fatalf("summaries = %+v", sums)
	}
}

func TestSerialConsole(t *testing.T) {
	var out bytes.Buffer
	m := newMachine(t, testConfig(), Options{Console: &out})
	words := []uint32{lis(4, 0x8000), ori(4, 4, 0x03f8)}
	for _, c := range "ok\n" {
		words = append(words, li(3, int32(c)), stb(3, 0, 4))
	}
	load(t, m, 0x100, append(words, halt()...)...)
	m.CPUs[0].SetPC(0x100)

	if err := m.Run(context.Background()); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run = %v", err)
	}
	if out.String() != "ok\n" {
		t.Fatalf("console = %q", out.String())
	}
	if s := m.Stats(); s.Serial.TXBytes != 3 {
		t.Fatalf("TXBytes = %d", s.Serial.TXBytes)
	}
}

func TestEntryAndBreakpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Entry = 0x2000
	cfg.Breakpoints = []config.Address{0x2008}
	m := newMachine(t, cfg, Options{})
	load(t, m, 0x2000, append([]uint32{li(3, 1), li(4, 2), li(5, 3)}, halt()...)...)

	err := m.Run(context.Background())
	if !errors.Is(err, ErrBreakpoint) {
		t.Fatalf("Run = %v, want ErrBreakpoint", err)
	}
	cpu := m.CPUs[0]
	if cpu.GetPC() != 0x2008 || cpu.GPR[4] != 2 || cpu.GPR[5] != 0 {
		t.Fatalf("pc %#x r4 %d r5 %d", cpu.GetPC(), cpu.GPR[4], cpu.GPR[5])
	}

	if !m.RemoveBreakpoint(0x2008) {
		t.Fatal("RemoveBreakpoint = false")
	}
	cpu.Engine().SingleStep = dyntrans.NotSingleStepping
	if err := m.Run(context.Background()); !errors.Is(err, ErrHalt) {
		t.Fatalf("second Run = %v", err)
	}
	if cpu.GPR[5] != 3 {
		t.Fatalf("r5 = %d after resuming", cpu.GPR[5])
	}
}

func TestInstructionLimit(t *testing.T) {
	m := newMachine(t, testConfig(), Options{})
	load(t, m, 0, b(0))
	m.SetInstructionLimit(0x1000)

	if err := m.Run(context.Background()); !errors.Is(err, ErrInstructionLimit) {
		t.Fatalf("Run = %v, want ErrInstructionLimit", err)
	}
	if n := m.CPUs[0].Engine().NInstrs; n < 0x1000 {
		t.Fatalf("stopped after %d instructions", n)
	}
}

// A loop that straddles a page boundary dispatches an end-of-page call per
// iteration, which must not count toward the limit.
func TestInstructionLimitCountsExecuted(t *testing.T) {
	cfg := testConfig()
	cfg.Entry = 0xffc
	m := newMachine(t, cfg, Options{})
	load(t, m, 0xffc, dform(14, 3, 3, 1), b(-4))
	m.SetInstructionLimit(0x1000)

	if err := m.Run(context.Background()); !errors.Is(err, ErrInstructionLimit) {
		t.Fatalf("Run = %v, want ErrInstructionLimit", err)
	}
	e := m.CPUs[0].Engine()
	if n := e.Executed(); n < 0x1000 {
		t.Fatalf("stopped after %d executed instructions", n)
	}
	if e.NInstrs <= e.Executed() {
		t.Fatalf("dispatched %d, executed %d: no end-of-page calls seen", e.NInstrs, e.Executed())
	}
	if r3 := m.CPUs[0].GPR[3]; r3 < 0x800 {
		t.Fatalf("r3 = %#x, want at least 0x800 iterations", r3)
	}
}

func TestDecodeFailureStops(t *testing.T) {
	m := newMachine(t, testConfig(), Options{})
	load(t, m, 0, li(3, 1), 0)

	err := m.Run(context.Background())
	if !errors.Is(err, ErrStopped) || !errors.Is(err, dyntrans.ErrDecode) {
		t.Fatalf("Run = %v", err)
	}
}

func TestContextCancel(t *testing.T) {
	m := newMachine(t, testConfig(), Options{})
	load(t, m, 0, b(0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
}

func TestLoadImage(t *testing.T) {
	m := newMachine(t, testConfig(), Options{})
	img := []byte("\x7f\x00\x00\x08image")
	var progress bytes.Buffer
	if err := m.LoadImage(bytes.NewReader(img), 0x3000, uint64(len(img)), &progress); err != nil {
		t.Fatal(err)
	}
	if progress.Len() != len(img) {
		t.Fatalf("progress saw %d bytes", progress.Len())
	}
	got := make([]byte, len(img))
	if err := m.ReadMemory(0x3000, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img) {
		t.Fatalf("memory = %q", got)
	}

	if err := m.LoadImage(bytes.NewReader(img), m.Memory.Size()-2, uint64(len(img)), nil); err == nil {
		t.Fatal("image past the end of RAM loaded")
	}
	if err := m.LoadImage(strings.NewReader("ab"), 0, 4, nil); err == nil {
		t.Fatal("short image loaded")
	}
}

func TestInterruptPath(t *testing.T) {
	m := newMachine(t, testConfig(), Options{})
	mmio := func(addr uint64, v byte) {
		t.Helper()
		if err := m.WriteMemory(addr, []byte{v}); err != nil {
			t.Fatalf("write %#x: %v", addr, err)
		}
	}
	for _, c := range []struct {
		base         uint64
		vector, icw3 byte
	}{{PICMasterBase, 0x08, 0x04}, {PICSlaveBase, 0x70, 0x02}} {
		mmio(c.base, 0x11)
		mmio(c.base+1, c.vector)
		mmio(c.base+1, c.icw3)
		mmio(c.base+1, 0x01)
		mmio(c.base+1, 0)
	}
	mmio(COM1Base+4, 0x08) // OUT2
	mmio(COM1Base+1, 0x01) // receive interrupt

	m.SerialReceive([]byte("x"))
	if err := m.Chipset.Poll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !m.CPUs[0].IRQAsserted || m.PIC.Pending() != COM1IRQ {
		t.Fatalf("irq %v pending %d", m.CPUs[0].IRQAsserted, m.PIC.Pending())
	}

	buf := []byte{0}
	if err := m.ReadMemory(COM1Base, buf); err != nil || buf[0] != 'x' {
		t.Fatalf("rx = %q, %v", buf, err)
	}
	mmio(PICMasterBase, 0x20)
	if m.CPUs[0].IRQAsserted {
		t.Fatal("cpu interrupt still asserted after EOI")
	}
	if n := m.Stats().Interrupts[COM1IRQ]; n != 1 {
		t.Fatalf("irq %d count = %d", COM1IRQ, n)
	}
}

func TestResetPort(t *testing.T) {
	m := newMachine(t, testConfig(), Options{})
	// Count boots in RAM, request a reset on the first one and halt on the
	// second.
	load(t, m, 0, append([]uint32{
		dform(32, 6, 0, 0x2000), // lwz r6,0x2000(0)
		dform(14, 6, 6, 1),      // addi r6,r6,1
		stw(6, 0x2000, 0),
		dform(11, 0, 6, 2),    // cmpwi r6,2
		16<<26 | 4<<21 | 0x14, // bge 0x24
		lis(4, 0x8000),
		li(3, 1),
		stb(3, 0x92, 4),
		b(0),
	}, halt()...)...)
	if err := m.WriteMemory(COM1Base+7, []byte{0x5a}); err != nil {
		t.Fatal(err)
	}

	if err := m.Run(context.Background()); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run = %v, want ErrHalt", err)
	}
	boots := make([]byte, 4)
	if err := m.ReadMemory(0x2000, boots); err != nil {
		t.Fatal(err)
	}
	if n := binary.BigEndian.Uint32(boots); n != 2 {
		t.Fatalf("boots = %d, want 2", n)
	}
	scr := []byte{0xff}
	if err := m.ReadMemory(COM1Base+7, scr); err != nil || scr[0] != 0 {
		t.Fatalf("scratch after reset = %#x, %v", scr[0], err)
	}
	ctrl := []byte{0xff}
	if err := m.ReadMemory(SysCtrlBase, ctrl); err != nil || ctrl[0]&1 != 0 {
		t.Fatalf("port 0x92 = %#x, %v", ctrl[0], err)
	}
}

func TestResetRestartsStoppedCore(t *testing.T) {
	m := newMachine(t, testConfig(), Options{})
	load(t, m, 0, li(3, 1), 0)
	if err := m.Run(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Run = %v, want ErrStopped", err)
	}

	load(t, m, 4, li(4, 2))
	load(t, m, 8, halt()...)
	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := m.CPUs[0].Engine().Err(); err != nil {
		t.Fatalf("Err after reset = %v", err)
	}
	if err := m.Run(context.Background()); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run after reset = %v, want ErrHalt", err)
	}
	if cpu := m.CPUs[0]; cpu.GPR[3] != 1 || cpu.GPR[4] != 2 {
		t.Fatalf("r3 = %d r4 = %d", cpu.GPR[3], cpu.GPR[4])
	}
}

func TestDevicesDisabled(t *testing.T) {
	cfg := testConfig()
	off := false
	cfg.Devices.Serial = &off
	cfg.Devices.PIC = &off
	cfg.Devices.CMOS = &off
	cfg.Devices.Framebuffer.Enabled = true
	cfg.Devices.Framebuffer.Width = 64
	cfg.Devices.Framebuffer.Height = 32
	m := newMachine(t, cfg, Options{})
	if m.Serial != nil || m.PIC != nil || m.CMOS != nil {
		t.Fatal("disabled device created")
	}
	if m.Framebuffer == nil {
		t.Fatal("framebuffer missing")
	}
	if _, ok := m.Memory.FindDevice(0xc0000000); !ok {
		t.Fatal("framebuffer not mapped")
	}
	m.SerialReceive([]byte("dropped"))
}

func TestPassthroughNeedsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.Devices.Passthrough = config.Passthrough{Connect: "monitor:2000", Address: 0x90000000, Size: 0x1000}
	if _, err := New(cfg, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}); err == nil {
		t.Fatal("New succeeded without a passthrough connection")
	}
}

func TestStatistics(t *testing.T) {
	cfg := testConfig()
	cfg.Dyntrans.Statistics = true
	cfg.Dyntrans.Recorder = 16
	m := newMachine(t, cfg, Options{})
	load(t, m, 0, append([]uint32{li(3, 1), li(3, 2)}, halt()...)...)
	if err := m.Run(context.Background()); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run = %v", err)
	}

	s := m.Stats()
	if len(s.CPUs) != 1 || len(s.CPUs[0].Ops) == 0 {
		t.Fatalf("stats = %+v", s)
	}
	var report bytes.Buffer
	if err := s.WriteReport(&report, 5); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(report.String(), "cpu0: ") {
		t.Fatalf("report = %q", report.String())
	}

	var dump bytes.Buffer
	if err := m.DumpRecorders(&dump); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(dump.String(), "cpu0:") || strings.Count(dump.String(), "\n") < 3 {
		t.Fatalf("dump = %q", dump.String())
	}
}

func TestMultipleCPUs(t *testing.T) {
	cfg := testConfig()
	cfg.CPUs = 2
	m := newMachine(t, cfg, Options{})
	if len(m.CPUs) != 2 {
		t.Fatalf("%d cpus", len(m.CPUs))
	}
	load(t, m, 0, li(3, 7), b(0))
	m.SetInstructionLimit(0x200)
	if err := m.Run(context.Background()); !errors.Is(err, ErrInstructionLimit) {
		t.Fatalf("Run = %v", err)
	}
	for i, cpu := range m.CPUs {
		if cpu.GPR[3] != 7 {
			t.Errorf("cpu%d r3 = %d", i, cpu.GPR[3])
		}
	}
}

// scriptedDebugger answers each Wait with the next action and records the
// registers it saw.
type scriptedDebugger struct {
	m       *Machine
	actions []gdbstub.Action
	err     error
	seen    []uint32
}

func (d *scriptedDebugger) CheckWaiting() bool    { return false }
func (d *scriptedDebugger) SerialInterrupt() bool { return false }

func (d *scriptedDebugger) Wait(ctx context.Context) (gdbstub.Action, error) {
	r := d.m.Registers()
	d.seen = append(d.seen, r.PC)
	if len(d.actions) == 0 {
		return gdbstub.ActionDetach, d.err
	}
	a := d.actions[0]
	d.actions = d.actions[1:]
	return a, nil
}

func TestDebuggerStepAndContinue(t *testing.T) {
	m := newMachine(t, testConfig(), Options{})
	load(t, m, 0, append([]uint32{li(3, 1), li(3, 2), li(3, 3)}, halt()...)...)

	d := &scriptedDebugger{m: m, actions: []gdbstub.Action{
		gdbstub.ActionStep, gdbstub.ActionStep, gdbstub.ActionContinue,
	}}
	if err := m.AttachDebugger(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if err := m.Run(context.Background()); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run = %v", err)
	}
	if diff := cmp.Diff([]uint32{0, 4, 8}, d.seen); diff != "" {
		t.Fatalf("stops (-want +got):\n%s", diff)
	}
	if m.CPUs[0].GPR[3] != 3 {
		t.Fatalf("r3 = %d", m.CPUs[0].GPR[3])
	}
}

func TestDebuggerKill(t *testing.T) {
	m := newMachine(t, testConfig(), Options{})
	load(t, m, 0, b(0))
	d := &scriptedDebugger{m: m, actions: []gdbstub.Action{gdbstub.ActionKill}}
	if err := m.AttachDebugger(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if err := m.Run(context.Background()); !errors.Is(err, ErrKilled) {
		t.Fatalf("Run = %v, want ErrKilled", err)
	}
}

func TestDebuggerConnectionLost(t *testing.T) {
	m := newMachine(t, testConfig(), Options{})
	load(t, m, 0, append([]uint32{li(3, 9)}, halt()...)...)
	d := &scriptedDebugger{m: m, err: gdbstub.ErrClosed}
	if err := m.AttachDebugger(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if err := m.Run(context.Background()); !errors.Is(err, ErrHalt) {
		t.Fatalf("Run = %v", err)
	}
	if m.CPUs[0].Engine().Debugger != nil {
		t.Fatal("debugger still attached")
	}
}

func TestTargetRegisters(t *testing.T) {
	m := newMachine(t, testConfig(), Options{})
	r := m.Registers()
	r.GPR[5] = 0xdeadbeef
	r.LR = 0x1234
	r.CTR = 9
	r.CR = 0x20000000
	r.PC = 0x400
	m.SetRegisters(r)

	cpu := m.CPUs[0]
	if cpu.GPR[5] != 0xdeadbeef || cpu.GetPC() != 0x400 || cpu.CR != 0x20000000 {
		t.Fatalf("state = %+v", cpu.Snapshot())
	}
	if diff := cmp.Diff(r, m.Registers()); diff != "" {
		t.Fatalf("registers (-want +got):\n%s", diff)
	}
}

func TestTargetMemory(t *testing.T) {
	m := newMachine(t, testConfig(), Options{})
	if err := m.WriteMemory(0x500, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4)
	if err := m.ReadMemory(0x500, got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{1, 2, 3, 4}, got); diff != "" {
		t.Fatalf("memory (-want +got):\n%s", diff)
	}
	if err := m.ReadMemory(m.Memory.Size()-2, got); err == nil {
		t.Fatal("read across the end of RAM succeeded")
	}
}
