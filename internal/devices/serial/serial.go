// Package serial implements a 16550 UART on the memory mapped ISA bus.
package serial

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/ppcemu/internal/chipset"
)

const (
	// RegisterCount is the size of the register window.
	RegisterCount = 8

	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3 // interrupt gate
	mcrLoop = 1 << 4

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7

	iirNone = 0x01

	fifoSize = 16
)

// Stats counts traffic through the UART.
type Stats struct {
	TXBytes uint64
	RXBytes uint64
}

type fifo struct {
	buf   [fifoSize]byte
	head  int
	count int
}

func (f *fifo) push(b byte) bool {
	if f.count == fifoSize {
		return false
	}
	f.buf[(f.head+f.count)%fifoSize] = b
	f.count++
	return true
}

func (f *fifo) pop() byte {
	if f.count == 0 {
		return 0
	}
	b := f.buf[f.head]
	f.head = (f.head + 1) % fifoSize
	f.count--
	return b
}

func (f *fifo) clear() { f.head, f.count = 0, 0 }

// Serial16550 is a 16550 UART. Host input queued with Receive reaches the
// receive FIFO on Poll.
type Serial16550 struct {
	mu sync.Mutex

	base uint64
	irq  chipset.LineInterrupt
	out  io.Writer

	pending []byte

	dll, dlm  byte
	ier, fcr  byte
	lcr, mcr  byte
	lsr       byte
	msrStatus byte
	msrDelta  byte
	scr       byte

	rx, tx      fifo
	rbr         byte
	pendingIIR  byte
	fifoEnabled bool
	fifoTrigger int
	skipLF      bool

	stats Stats
}

// New creates a UART whose registers start at physical address base.
func New(base uint64, irq chipset.LineInterrupt, out io.Writer) *Serial16550 {
	if irq == nil {
		irq = chipset.LineInterruptDetached()
	}
	s := &Serial16550{base: base, irq: irq, out: out}
	s.resetLocked()
	return s
}

func (s *Serial16550) resetLocked() {
	s.dll, s.dlm = 0, 0
	s.ier, s.fcr, s.lcr, s.mcr = 0, 0, 0, 0
	s.lsr = lsrTHRE | lsrTEMT
	s.msrStatus = msrCTS | msrDSR | msrDCD
	s.msrDelta = 0
	s.scr = 0
	s.rx.clear()
	s.tx.clear()
	s.rbr = 0
	s.pendingIIR = iirNone
	s.fifoEnabled = false
	s.fifoTrigger = 1
	s.skipLF = false
}

// Start implements chipset.ChangeDeviceState.
func (s *Serial16550) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (s *Serial16550) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainTXLocked()
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (s *Serial16550) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.irq.SetLevel(false)
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (s *Serial16550) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MMIORegion{{Address: s.base, Size: RegisterCount}},
		Handler: s,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (s *Serial16550) SupportsPollDevice() *chipset.PollDevice {
	return &chipset.PollDevice{Handler: s}
}

// Receive queues host input for the guest.
func (s *Serial16550) Receive(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, data...)
}

// Poll moves queued input into the receive path and flushes the transmit
// FIFO.
func (s *Serial16550) Poll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) > 0 && s.canReceiveLocked() {
		s.rxByteLocked(s.pending[0])
		s.pending = s.pending[1:]
	}
	if s.tx.count > 0 {
		s.drainTXLocked()
	}
	return nil
}

func (s *Serial16550) canReceiveLocked() bool {
	if s.fifoEnabled {
		return s.rx.count < fifoSize
	}
	return s.lsr&lsrDataReady == 0
}

// ReadMMIO implements chipset.MmioHandler.
func (s *Serial16550) ReadMMIO(addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range data {
		reg, err := s.register(addr + uint64(i))
		if err != nil {
			return err
		}
		data[i] = s.readRegisterLocked(reg)
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (s *Serial16550) WriteMMIO(addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range data {
		reg, err := s.register(addr + uint64(i))
		if err != nil {
			return err
		}
		s.writeRegisterLocked(reg, v)
	}
	return nil
}

func (s *Serial16550) register(addr uint64) (uint64, error) {
	if addr < s.base || addr >= s.base+RegisterCount {
		return 0, fmt.Errorf("serial16550: address 0x%x out of bounds", addr)
	}
	return addr - s.base, nil
}

func (s *Serial16550) writeRegisterLocked(reg uint64, value byte) {
	switch reg {
	case 0:
		if s.lcr&lcrDLAB != 0 {
			s.dll = value
		} else {
			s.writeTXLocked(value)
		}
	case 1:
		if s.lcr&lcrDLAB != 0 {
			s.dlm = value
		} else {
			s.ier = value & 0x0f
			s.updateInterruptsLocked()
		}
	case 2:
		s.setFCRLocked(value)
	case 3:
		s.lcr = value
	case 4:
		s.setMCRLocked(value)
	case 7:
		s.scr = value
	}
}

func (s *Serial16550) readRegisterLocked(reg uint64) byte {
	switch reg {
	case 0:
		if s.lcr&lcrDLAB != 0 {
			return s.dll
		}
		return s.readRXLocked()
	case 1:
		if s.lcr&lcrDLAB != 0 {
			return s.dlm
		}
		return s.ier
	case 2:
		iir := s.pendingIIR
		if s.fifoEnabled {
			iir |= 0xc0
		}
		return iir
	case 3:
		return s.lcr
	case 4:
		return s.mcr
	case 5:
		lsr := s.lsr
		s.lsr &^= lsrOverrun
		return lsr
	case 6:
		v := s.msrStatus | s.msrDelta
		s.msrDelta = 0
		s.updateInterruptsLocked()
		return v
	case 7:
		return s.scr
	}
	return 0
}

func (s *Serial16550) updateInterruptsLocked() {
	iir := byte(iirNone)
	switch {
	case s.ier&0x04 != 0 && s.lsr&0x1e != 0:
		iir = 0x06
	case s.ier&0x01 != 0 && s.lsr&lsrDataReady != 0:
		iir = 0x04
	case s.ier&0x02 != 0 && s.lsr&lsrTHRE != 0:
		iir = 0x02
	case s.ier&0x08 != 0 && s.msrDelta != 0:
		iir = 0x00
	}
	s.pendingIIR = iir
	s.irq.SetLevel(iir != iirNone && s.mcr&mcrOUT2 != 0)
}

func (s *Serial16550) writeTXLocked(value byte) {
	if !s.fifoEnabled {
		s.transmitLocked(value)
		s.lsr |= lsrTHRE | lsrTEMT
		s.updateInterruptsLocked()
		return
	}
	s.tx.push(value)
	if s.tx.count == fifoSize {
		s.lsr &^= lsrTHRE
	}
	s.lsr &^= lsrTEMT
	s.updateInterruptsLocked()
}

func (s *Serial16550) drainTXLocked() {
	for s.tx.count > 0 {
		s.transmitLocked(s.tx.pop())
	}
	s.lsr |= lsrTHRE | lsrTEMT
	s.updateInterruptsLocked()
}

func (s *Serial16550) transmitLocked(value byte) {
	if s.mcr&mcrLoop != 0 {
		s.rxByteLocked(value)
		return
	}
	if s.out == nil {
		return
	}
	switch value {
	case '\r':
		_, _ = s.out.Write([]byte{'\n'})
		s.skipLF = true
	case '\n':
		if s.skipLF {
			s.skipLF = false
			break
		}
		_, _ = s.out.Write([]byte{'\n'})
	default:
		s.skipLF = false
		_, _ = s.out.Write([]byte{value})
	}
	s.stats.TXBytes++
}

func (s *Serial16550) rxByteLocked(value byte) {
	if s.fifoEnabled {
		if !s.rx.push(value) {
			s.lsr |= lsrOverrun
			s.updateInterruptsLocked()
			return
		}
		s.stats.RXBytes++
		if s.rx.count >= s.fifoTrigger {
			s.lsr |= lsrDataReady
			s.updateInterruptsLocked()
		}
		return
	}
	if s.lsr&lsrDataReady != 0 {
		s.lsr |= lsrOverrun
	} else {
		s.rbr = value
		s.lsr |= lsrDataReady
		s.stats.RXBytes++
	}
	s.updateInterruptsLocked()
}

func (s *Serial16550) readRXLocked() byte {
	var v byte
	if s.fifoEnabled {
		v = s.rx.pop()
		if s.rx.count == 0 {
			s.lsr &^= lsrDataReady
		}
	} else {
		v = s.rbr
		s.rbr = 0
		s.lsr &^= lsrDataReady
	}
	s.updateInterruptsLocked()
	return v
}

func (s *Serial16550) setFCRLocked(value byte) {
	if value&0x02 != 0 {
		s.rx.clear()
		s.lsr &^= lsrDataReady
	}
	if value&0x04 != 0 {
		s.tx.clear()
		s.lsr |= lsrTHRE | lsrTEMT
	}
	s.fcr = value
	s.fifoEnabled = value&0x01 != 0
	s.fifoTrigger = [4]int{1, 4, 8, 14}[value>>6]
	s.updateInterruptsLocked()
}

func (s *Serial16550) setMCRLocked(value byte) {
	prev := s.mcr
	s.mcr = value & 0x1f
	if prev&mcrLoop != 0 && s.mcr&mcrLoop == 0 {
		s.rx.clear()
		s.lsr &^= lsrDataReady
	}

	if s.mcr&mcrLoop != 0 {
		// Loopback wires the control outputs to the status inputs.
		s.msrStatus = 0
		for _, m := range [][2]byte{{mcrDTR, msrDSR}, {mcrRTS, msrCTS}, {mcrOUT1, msrRI}, {mcrOUT2, msrDCD}} {
			if s.mcr&m[0] != 0 {
				s.msrStatus |= m[1]
			}
		}
	} else {
		s.msrStatus = msrCTS | msrDSR | msrDCD
	}
	s.updateInterruptsLocked()
}

// Stats returns the traffic counters.
func (s *Serial16550) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

var (
	_ chipset.ChipsetDevice = (*Serial16550)(nil)
	_ chipset.MmioHandler   = (*Serial16550)(nil)
	_ chipset.PollHandler   = (*Serial16550)(nil)
)
