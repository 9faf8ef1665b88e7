package gdbstub

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeTarget struct {
	regs Registers
	mem  []byte
	bps  []uint64
}

func (f *fakeTarget) Registers() Registers     { return f.regs }
func (f *fakeTarget) SetRegisters(r Registers) { f.regs = r }

func (f *fakeTarget) ReadMemory(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > uint64(len(f.mem)) {
		return errors.New("fault")
	}
	copy(data, f.mem[addr:])
	return nil
}

func (f *fakeTarget) WriteMemory(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > uint64(len(f.mem)) {
		return errors.New("fault")
	}
	copy(f.mem[addr:], data)
	return nil
}

func (f *fakeTarget) AddBreakpoint(addr uint64) { f.bps = append(f.bps, addr) }

func (f *fakeTarget) RemoveBreakpoint(addr uint64) bool {
	for i, bp := range f.bps {
		if bp == addr {
			f.bps = append(f.bps[:i], f.bps[i+1:]...)
			return true
		}
	}
	return false
}

type pipeConn struct {
	io.Reader
	io.Writer
}

type client struct {
	t  *testing.T
	w  *io.PipeWriter
	r  *bufio.Reader
	st *Stub
}

func newClient(t *testing.T, target Target) *client {
	t.Helper()
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	t.Cleanup(func() {
		c2sW.Close()
		s2cR.Close()
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := New(pipeConn{c2sR, s2cW}, target, logger)
	return &client{t: t, w: c2sW, r: bufio.NewReader(s2cR), st: st}
}

func (c *client) write(s string) {
	c.t.Helper()
	if _, err := io.WriteString(c.w, s); err != nil {
		c.t.Fatalf("write %q: %v", s, err)
	}
}

func (c *client) expectByte(want byte) {
	c.t.Helper()
	b, err := c.r.ReadByte()
	if err != nil || b != want {
		c.t.Fatalf("read %q, %v; want %q", b, err, want)
	}
}

func (c *client) readPacket() string {
	c.t.Helper()
	if _, err := c.r.ReadString('$'); err != nil {
		c.t.Fatal(err)
	}
	data, err := c.r.ReadString('#')
	if err != nil {
		c.t.Fatal(err)
	}
	data = strings.TrimSuffix(data, "#")
	sum := make([]byte, 2)
	if _, err := io.ReadFull(c.r, sum); err != nil {
		c.t.Fatal(err)
	}
	if want := fmt.Sprintf("%02x", checksum(data)); string(sum) != want {
		c.t.Fatalf("packet %q checksum %s, want %s", data, sum, want)
	}
	return data
}

// request sends a packet and returns the reply.
func (c *client) request(pkt string) string {
	c.t.Helper()
	c.write(frame(pkt))
	c.expectByte('+')
	r := c.readPacket()
	c.write("+")
	return r
}

// resume sends a packet that has no immediate reply.
func (c *client) resume(pkt string) {
	c.t.Helper()
	c.write(frame(pkt))
	c.expectByte('+')
}

type waitResult struct {
	action Action
	err    error
}

func (c *client) wait() <-chan waitResult {
	ch := make(chan waitResult, 1)
	go func() {
		a, err := c.st.Wait(context.Background())
		ch <- waitResult{a, err}
	}()
	return ch
}

func expectAction(t *testing.T, ch <-chan waitResult, want Action) {
	t.Helper()
	select {
	case r := <-ch:
		if r.err != nil || r.action != want {
			t.Fatalf("Wait = %v, %v; want %v", r.action, r.err, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestParser(t *testing.T) {
	var p parser
	feed := func(s string) (event, string) {
		var ev event
		var pkt string
		for i := 0; i < len(s); i++ {
			if e, d := p.feed(s[i]); e != eventNone {
				ev, pkt = e, d
			}
		}
		return ev, pkt
	}
	if ev, pkt := feed("+$g#67"); ev != eventPacket || pkt != "g" {
		t.Fatalf("feed = %v %q", ev, pkt)
	}
	if ev, _ := feed("$g#00"); ev != eventBadPacket {
		t.Fatalf("bad checksum: %v", ev)
	}
	if ev, _ := feed("\x03"); ev != eventInterrupt {
		t.Fatalf("interrupt: %v", ev)
	}
	if ev, pkt := feed("$m0,4#FD"); ev != eventPacket || pkt != "m0,4" {
		t.Fatalf("upper case checksum: %v %q", ev, pkt)
	}
	if got := frame("OK"); got != "$OK#9a" {
		t.Fatalf("frame = %q", got)
	}
}

func TestRegisters(t *testing.T) {
	var r Registers
	r.GPR[1] = 0x1234
	r.FPR[0] = 0x3ff0000000000000
	r.PC = 0xfff00100
	r.XER = 0x20000000

	enc := r.Encode()
	if len(enc) != 2*registersSize {
		t.Fatalf("encoded %d hex digits", len(enc))
	}
	var got Registers
	if err := got.Decode(enc); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}

	if v, err := r.Get(RegPC); err != nil || v != "fff00100" {
		t.Fatalf("Get(pc) = %q, %v", v, err)
	}
	if v, err := r.Get(RegF0); err != nil || v != "3ff0000000000000" {
		t.Fatalf("Get(f0) = %q, %v", v, err)
	}
	if err := r.Set(RegLR, "00000100"); err != nil || r.LR != 0x100 {
		t.Fatalf("Set(lr): %v", err)
	}
	for _, bad := range []struct {
		n int
		v string
	}{{RegLR, "0100"}, {NumRegisters, "00000000"}, {1, "zz"}} {
		if err := r.Set(bad.n, bad.v); err == nil {
			t.Errorf("Set(%d, %q) succeeded", bad.n, bad.v)
		}
	}
	if _, err := r.Get(-1); err == nil {
		t.Fatal("Get(-1) succeeded")
	}

	// A partial G payload only touches the leading registers.
	partial := Registers{LR: 7}
	if err := partial.Decode(hex.EncodeToString([]byte{0, 0, 0, 9})); err != nil {
		t.Fatal(err)
	}
	if partial.GPR[0] != 9 || partial.LR != 7 {
		t.Fatalf("partial decode = %+v", partial)
	}
}

func TestSession(t *testing.T) {
	target := &fakeTarget{mem: make([]byte, 0x1000)}
	copy(target.mem[0x100:], []byte{0x38, 0x60, 0x00, 0x01})
	target.regs.GPR[3] = 0xdeadbeef
	c := newClient(t, target)
	done := c.wait()

	tests := []struct {
		req, want string
	}{
		{"qSupported:multiprocess+", "PacketSize=4000;QStartNoAckMode+;swbreak-;hwbreak-"},
		{"?", "S05"},
		{"qAttached", "1"},
		{"qC", "QC1"},
		{"qOffsets", "Text=0;Data=0;Bss=0"},
		{"qfThreadInfo", "m1"},
		{"qsThreadInfo", "l"},
		{"vMustReplyEmpty", ""},
		{"Hg0", "OK"},
		{"p3", "deadbeef"},
		{"P40=00001000", "OK"},
		{"p40", "00001000"},
		{"m100,4", "38600001"},
		{"M100,2:abcd", "OK"},
		{"m100,2", "abcd"},
		{"m2000,4", "E0e"},
		{"M100,2:ab", "E01"},
		{"Z0,200,4", "OK"},
		{"Z0,300,4", "OK"},
		{"z0,200,4", "OK"},
		{"Z1,200,4", ""},
	}
	for _, tt := range tests {
		if got := c.request(tt.req); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.req, got, tt.want)
		}
	}
	c.resume("c")
	expectAction(t, done, ActionContinue)

	if target.regs.PC != 0x1000 {
		t.Errorf("PC = %#x", target.regs.PC)
	}
	if target.mem[0x100] != 0xab || target.mem[0x101] != 0xcd {
		t.Errorf("memory = % x", target.mem[0x100:0x104])
	}
	if diff := cmp.Diff([]uint64{0x300}, target.bps); diff != "" {
		t.Errorf("breakpoints (-want +got):\n%s", diff)
	}

	done = c.wait()
	if got := c.readPacket(); got != "S05" {
		t.Fatalf("stop reply %q", got)
	}
	c.write("+")
	c.resume("s2000")
	expectAction(t, done, ActionStep)
	if target.regs.PC != 0x2000 {
		t.Errorf("PC after s2000 = %#x", target.regs.PC)
	}

	done = c.wait()
	c.readPacket()
	c.write("+")
	if got := c.request("D"); got != "OK" {
		t.Fatalf("D = %q", got)
	}
	expectAction(t, done, ActionDetach)
}

func TestInterrupt(t *testing.T) {
	c := newClient(t, &fakeTarget{mem: make([]byte, 16)})
	done := c.wait()
	c.resume("c")
	expectAction(t, done, ActionContinue)

	if c.st.CheckWaiting() || c.st.SerialInterrupt() {
		t.Fatal("input reported before the client sent any")
	}
	c.write("\x03")
	deadline := time.Now().Add(5 * time.Second)
	for !c.st.CheckWaiting() {
		if time.Now().After(deadline) {
			t.Fatal("interrupt never arrived")
		}
		time.Sleep(time.Millisecond)
	}
	if !c.st.SerialInterrupt() {
		t.Fatal("SerialInterrupt did not request a stop")
	}

	done = c.wait()
	if got := c.readPacket(); got != "S02" {
		t.Fatalf("stop reply %q", got)
	}
	c.write("+")
	c.resume("k")
	expectAction(t, done, ActionKill)
}

func TestResendOnNak(t *testing.T) {
	c := newClient(t, &fakeTarget{})
	done := c.wait()
	c.write(frame("?"))
	c.expectByte('+')
	if got := c.readPacket(); got != "S05" {
		t.Fatalf("first reply %q", got)
	}
	c.write("-")
	if got := c.readPacket(); got != "S05" {
		t.Fatalf("resent reply %q", got)
	}
	c.write("+")

	c.write("$?#00")
	c.expectByte('-')
	c.resume("c")
	expectAction(t, done, ActionContinue)
}

func TestNoAckMode(t *testing.T) {
	c := newClient(t, &fakeTarget{})
	done := c.wait()
	if got := c.request("QStartNoAckMode"); got != "OK" {
		t.Fatalf("QStartNoAckMode = %q", got)
	}
	c.write(frame("?"))
	if got := c.readPacket(); got != "S05" {
		t.Fatalf("reply %q", got)
	}
	c.write(frame("c"))
	expectAction(t, done, ActionContinue)
}

func TestClosed(t *testing.T) {
	c := newClient(t, &fakeTarget{})
	done := c.wait()
	c.w.Close()
	select {
	case r := <-done:
		if !errors.Is(r.err, ErrClosed) || r.action != ActionDetach {
			t.Fatalf("Wait = %v, %v", r.action, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
}
