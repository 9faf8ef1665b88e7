// Package gdbstub implements the gdb remote serial protocol for a PowerPC
// target. Input is read on a background goroutine so that the run loop can
// poll for a client interrupt without blocking.
package gdbstub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Target is the machine being debugged.
type Target interface {
	Registers() Registers
	SetRegisters(r Registers)
	ReadMemory(addr uint64, data []byte) error
	WriteMemory(addr uint64, data []byte) error
	AddBreakpoint(addr uint64)
	RemoveBreakpoint(addr uint64) bool
}

// Action tells the run loop how to resume after Wait.
type Action int

const (
	ActionContinue Action = iota + 1
	ActionStep
	ActionDetach
	ActionKill
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionStep:
		return "step"
	case ActionDetach:
		return "detach"
	case ActionKill:
		return "kill"
	}
	return "Action(" + strconv.Itoa(int(a)) + ")"
}

// Stop signals reported to the client.
const (
	SignalInterrupt = 2
	SignalTrap      = 5
)

const (
	packetSize = 0x4000
	maxMemory  = 0x1000
	maxResends = 3
)

// ErrClosed is returned by Wait once the client connection is gone.
var ErrClosed = errors.New("gdbstub: connection closed")

// Stub serves one client connection.
type Stub struct {
	wmu sync.Mutex
	w   io.Writer

	in      chan []byte
	buf     []byte
	closed  bool
	readErr error

	p      parser
	noAck  bool
	target Target
	log    *slog.Logger

	// running is set after c or s until the stop reply has been sent.
	running bool
	signal  int
}

// New starts serving rw. The caller keeps ownership of the connection.
func New(rw io.ReadWriter, target Target, logger *slog.Logger) *Stub {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stub{
		w:      rw,
		in:     make(chan []byte, 64),
		target: target,
		log:    logger,
		signal: SignalTrap,
	}
	go s.read(rw)
	return s
}

func (s *Stub) read(r io.Reader) {
	for {
		buf := make([]byte, 512)
		n, err := r.Read(buf)
		if n > 0 {
			s.in <- buf[:n]
		}
		if err != nil {
			s.readErr = err
			close(s.in)
			return
		}
	}
}

// next returns the next input byte. Without block it reports false when no
// input is buffered.
func (s *Stub) next(ctx context.Context, block bool) (byte, bool, error) {
	for len(s.buf) == 0 {
		if s.closed {
			return 0, false, s.closeErr()
		}
		var chunk []byte
		var ok bool
		if block {
			select {
			case <-ctx.Done():
				return 0, false, ctx.Err()
			case chunk, ok = <-s.in:
			}
		} else {
			select {
			case chunk, ok = <-s.in:
			default:
				return 0, false, nil
			}
		}
		if !ok {
			s.closed = true
			continue
		}
		s.buf = chunk
	}
	b := s.buf[0]
	s.buf = s.buf[1:]
	return b, true, nil
}

func (s *Stub) closeErr() error {
	if s.readErr != nil && !errors.Is(s.readErr, io.EOF) {
		return fmt.Errorf("%w: %w", ErrClosed, s.readErr)
	}
	return ErrClosed
}

// CheckWaiting reports whether client input is pending. It never blocks.
func (s *Stub) CheckWaiting() bool {
	return len(s.buf) > 0 || len(s.in) > 0
}

// SerialInterrupt consumes pending input and reports whether the client
// asked the target to stop.
func (s *Stub) SerialInterrupt() bool {
	stop := false
	for {
		b, ok, err := s.next(context.Background(), false)
		if err != nil {
			// A lost client stops the target so Wait can report it.
			return true
		}
		if !ok {
			return stop
		}
		ev, pkt := s.p.feed(b)
		switch ev {
		case eventInterrupt:
			s.log.Debug("gdbstub: interrupt")
			s.signal = SignalInterrupt
			stop = true
		case eventBadPacket:
			s.writeRaw("-")
		case eventPacket:
			// Only queries are meaningful while running.
			s.ack()
			if r, _ := s.handle(pkt); r != nil {
				_ = s.send(context.Background(), *r)
			}
		}
	}
}

// Wait reports the stop to the client and serves requests until the client
// resumes the target.
func (s *Stub) Wait(ctx context.Context) (Action, error) {
	if s.running {
		s.running = false
		if err := s.send(ctx, s.stopReply()); err != nil {
			return ActionDetach, err
		}
	}
	s.signal = SignalTrap

	for {
		b, _, err := s.next(ctx, true)
		if err != nil {
			return ActionDetach, err
		}
		ev, pkt := s.p.feed(b)
		switch ev {
		case eventBadPacket:
			s.writeRaw("-")
			continue
		case eventPacket:
		default:
			continue
		}
		s.ack()
		s.log.Debug("gdbstub: packet", "data", pkt)
		r, action := s.handle(pkt)
		if r != nil {
			if err := s.send(ctx, *r); err != nil {
				return ActionDetach, err
			}
		}
		switch action {
		case ActionContinue, ActionStep:
			s.running = true
			return action, nil
		case ActionDetach, ActionKill:
			return action, nil
		}
	}
}

func (s *Stub) stopReply() string {
	return fmt.Sprintf("S%02x", s.signal)
}

func (s *Stub) ack() {
	if !s.noAck {
		s.writeRaw("+")
	}
}

func (s *Stub) writeRaw(data string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := io.WriteString(s.w, data)
	return err
}

// send writes a packet and waits for the client to acknowledge it.
func (s *Stub) send(ctx context.Context, data string) error {
	for try := 0; ; try++ {
		if err := s.writeRaw(frame(data)); err != nil {
			return fmt.Errorf("gdbstub: send: %w", err)
		}
		if s.noAck {
			return nil
		}
		b, _, err := s.next(ctx, true)
		if err != nil {
			return err
		}
		switch {
		case b == '+':
			return nil
		case b == '-' && try < maxResends:
			continue
		case b == '-':
			return fmt.Errorf("gdbstub: packet %q rejected %d times", data, try+1)
		}
		// Anything else starts the next request.
		s.buf = append([]byte{b}, s.buf...)
		return nil
	}
}

func reply(r string) *string { return &r }

func errReply(code int) *string { return reply(fmt.Sprintf("E%02x", code)) }

const (
	errParse = 0x01
	errFault = 0x0e
)

// handle executes one request. A nil reply means nothing is sent.
func (s *Stub) handle(pkt string) (*string, Action) {
	if pkt == "" {
		return reply(""), 0
	}
	args := pkt[1:]
	switch pkt[0] {
	case '?':
		return reply(s.stopReply()), 0
	case 'g':
		r := s.target.Registers()
		return reply(r.Encode()), 0
	case 'G':
		r := s.target.Registers()
		if err := r.Decode(args); err != nil {
			return errReply(errParse), 0
		}
		s.target.SetRegisters(r)
		return reply("OK"), 0
	case 'p':
		n, err := strconv.ParseUint(args, 16, 16)
		if err != nil {
			return errReply(errParse), 0
		}
		r := s.target.Registers()
		v, err := r.Get(int(n))
		if err != nil {
			return errReply(errParse), 0
		}
		return reply(v), 0
	case 'P':
		num, value, ok := strings.Cut(args, "=")
		n, err := strconv.ParseUint(num, 16, 16)
		if !ok || err != nil {
			return errReply(errParse), 0
		}
		r := s.target.Registers()
		if err := r.Set(int(n), value); err != nil {
			return errReply(errParse), 0
		}
		s.target.SetRegisters(r)
		return reply("OK"), 0
	case 'm':
		addr, length, err := parseAddrLen(args)
		if err != nil {
			return errReply(errParse), 0
		}
		data := make([]byte, min(length, maxMemory))
		if err := s.target.ReadMemory(addr, data); err != nil {
			return errReply(errFault), 0
		}
		return reply(fmt.Sprintf("%x", data)), 0
	case 'M':
		spec, payload, ok := strings.Cut(args, ":")
		addr, length, err := parseAddrLen(spec)
		if !ok || err != nil || uint64(len(payload)) != 2*length {
			return errReply(errParse), 0
		}
		data := make([]byte, length)
		for i := range data {
			v, err := strconv.ParseUint(payload[2*i:2*i+2], 16, 8)
			if err != nil {
				return errReply(errParse), 0
			}
			data[i] = byte(v)
		}
		if err := s.target.WriteMemory(addr, data); err != nil {
			return errReply(errFault), 0
		}
		return reply("OK"), 0
	case 'c', 's':
		if args != "" {
			pc, err := strconv.ParseUint(args, 16, 64)
			if err != nil {
				return errReply(errParse), 0
			}
			r := s.target.Registers()
			r.PC = uint32(pc)
			s.target.SetRegisters(r)
		}
		if pkt[0] == 's' {
			return nil, ActionStep
		}
		return nil, ActionContinue
	case 'Z', 'z':
		kind, rest, _ := strings.Cut(args, ",")
		if kind != "0" {
			return reply(""), 0
		}
		a, _, _ := strings.Cut(rest, ",")
		addr, err := strconv.ParseUint(a, 16, 64)
		if err != nil {
			return errReply(errParse), 0
		}
		if pkt[0] == 'Z' {
			s.target.AddBreakpoint(addr)
		} else {
			s.target.RemoveBreakpoint(addr)
		}
		return reply("OK"), 0
	case 'H':
		return reply("OK"), 0
	case 'D':
		return reply("OK"), ActionDetach
	case 'k':
		return nil, ActionKill
	case 'q', 'Q':
		return reply(s.query(pkt)), 0
	}
	return reply(""), 0
}

func (s *Stub) query(pkt string) string {
	name, _, _ := strings.Cut(pkt, ":")
	switch name {
	case "qAttached":
		return "1"
	case "qC":
		return "QC1"
	case "qSupported":
		return fmt.Sprintf("PacketSize=%x;QStartNoAckMode+;swbreak-;hwbreak-", packetSize)
	case "qOffsets":
		return "Text=0;Data=0;Bss=0"
	case "qfThreadInfo":
		return "m1"
	case "qsThreadInfo":
		return "l"
	case "QStartNoAckMode":
		// The client's ack of this reply reaches the parser as a stray '+'.
		s.noAck = true
		return "OK"
	}
	return ""
}

func parseAddrLen(args string) (addr, length uint64, err error) {
	a, l, ok := strings.Cut(args, ",")
	if !ok {
		return 0, 0, fmt.Errorf("gdbstub: malformed address %q", args)
	}
	if addr, err = strconv.ParseUint(a, 16, 64); err != nil {
		return 0, 0, err
	}
	if length, err = strconv.ParseUint(l, 16, 64); err != nil {
		return 0, 0, err
	}
	return addr, length, nil
}
