// Package i8259 implements the cascaded pair of 8259A interrupt controllers
// found on ISA PReP boards.
package i8259

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/tinyrange/ppcemu/internal/chipset"
)

const (
	// RegisterCount is the size of each controller's register window.
	RegisterCount = 2
	// AckSize is the size of the interrupt acknowledge window.
	AckSize = 0x10

	cascadeLine = 2
)

// pic is one 8259A. ier holds the interrupt mask register.
type pic struct {
	name string
	base uint8

	irr, ier, isr uint8
	icw           [4]uint8
	initState     int

	rotate      bool
	rotationPri int
	pollCmd     bool
	readISR     bool
	specialMask bool

	out func(level bool)
	log *slog.Logger
}

func (p *pic) reset() {
	*p = pic{name: p.name, base: p.base, out: p.out, log: p.log, initState: -1}
}

// rotateMask rotates mask left by the priority rotation.
func rotateMask(rotation int, mask uint8) uint8 {
	b := uint16(mask) << (rotation & 7)
	return uint8(b>>8 | b)
}

// best returns the highest priority line set in mask, or -1.
func best(rotation int, mask uint8) int {
	r := rotateMask(rotation, mask)
	if r == 0 {
		return -1
	}
	return (bits.TrailingZeros8(r) + 8 - rotation&7) & 7
}

func (p *pic) recalc(oldISR uint8) {
	// ISR is frozen in poll mode.
	if p.pollCmd {
		return
	}
	unmasked := p.irr &^ p.ier
	if line := best(p.rotationPri, unmasked); line >= 0 {
		bit := uint8(1) << line
		if p.isr&bit == 0 {
			p.log.Debug("i8259: raise", "pic", p.name, "line", line)
			p.isr |= bit
			p.out(true)
		}
		return
	}
	if oldISR != 0 && p.isr == 0 {
		p.log.Debug("i8259: dismiss", "pic", p.name)
		p.out(false)
	}
}

func (p *pic) setLine(line int, level bool) {
	if level {
		p.irr |= 1 << line
	} else {
		p.irr &^= 1 << line
	}
	p.recalc(p.isr)
}

func (p *pic) writeOCW2(v uint8) (eoi int) {
	eoi = -1
	level := int(v & 7)
	old := p.isr
	switch v >> 5 & 7 {
	case 1: // non-specific EOI
		if line := best(p.rotationPri, p.isr); line >= 0 {
			p.isr &^= 1 << line
			p.recalc(old)
			eoi = line
		}
	case 3: // specific EOI
		p.isr &^= 1 << level
		p.recalc(old)
		eoi = level
	case 5: // rotate on non-specific EOI
		if line := best(p.rotationPri, p.isr); line >= 0 {
			p.rotationPri = line
			p.isr &^= 1 << line
			p.recalc(old)
			eoi = line
		}
	case 4: // set rotate in automatic EOI mode
		p.rotate = true
	case 0: // clear rotate in automatic EOI mode
		p.rotate = false
		p.rotationPri = 0
	case 7: // rotate on specific EOI
		p.rotate = true
		p.rotationPri = level
		p.isr &^= 1 << level
		p.recalc(old)
		eoi = level
	case 6: // set priority
		p.rotationPri = level
	}
	return eoi
}

func (p *pic) writeOCW3(v uint8) {
	p.pollCmd = v>>2&1 != 0
	if !p.pollCmd {
		if best(p.rotationPri, p.irr) >= 0 {
			p.recalc(p.isr)
		} else {
			p.out(false)
		}
	}
	if rr := v & 3; rr >= 2 {
		p.readISR = rr&1 != 0
	}
	if smm := v >> 5 & 3; smm >= 2 {
		p.specialMask = smm&1 != 0
	}
}

func (p *pic) command(v uint8) (eoi int) {
	if p.initState >= 0 {
		p.icw[p.initState] = v
		p.initState++
		// ICW3 is skipped in single mode.
		if p.icw[0]&2 != 0 && p.initState == 2 {
			p.icw[2] = 0
			p.initState = 3
		}
		// ICW4 follows only when ICW1 asks for it.
		if p.initState >= 3+int(p.icw[0]&1) {
			p.log.Debug("i8259: init done", "pic", p.name, "vector", p.icw[1])
			p.initState = -1
		}
		return -1
	}

	switch v >> 3 & 3 {
	case 0:
		return p.writeOCW2(v)
	case 1:
		p.writeOCW3(v)
	default:
		p.icw[0] = v
		p.initState = 1
		p.irr = 0
		p.ier = 0xff
		p.specialMask = false
		p.readISR = false
	}
	return -1
}

func (p *pic) write(reg uint64, v uint8) (eoi int) {
	if reg == 0 || p.initState >= 0 {
		return p.command(v)
	}
	p.ier = v
	p.recalc(p.isr)
	return -1
}

func (p *pic) read(reg uint64) uint8 {
	if reg != 0 {
		return p.ier
	}
	switch {
	case p.pollCmd:
		p.isr = p.irr
		if line := best(p.rotationPri, p.isr); line >= 0 {
			p.isr &^= 1 << line
			return 0x80 | uint8(line)
		}
		return 0
	case p.readISR:
		return p.isr
	}
	return p.irr
}

// Pair is the master and slave controller. The slave cascades into master
// line 2 and the master drives the CPU interrupt input.
type Pair struct {
	mu sync.Mutex

	master, slave pic

	masterBase, slaveBase, ackBase uint64

	out   chipset.LineInterrupt
	onEOI func(irq uint8)
	log   *slog.Logger
}

// Config places the controllers in physical memory.
type Config struct {
	MasterBase uint64
	SlaveBase  uint64
	// AckBase is the interrupt acknowledge register. Zero disables it.
	AckBase uint64
	Logger  *slog.Logger
}

// New creates a pair whose master output drives out.
func New(cfg Config, out chipset.LineInterrupt) *Pair {
	if out == nil {
		out = chipset.LineInterruptDetached()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Pair{
		masterBase: cfg.MasterBase,
		slaveBase:  cfg.SlaveBase,
		ackBase:    cfg.AckBase,
		out:        out,
		log:        log,
	}
	p.master = pic{name: "master", base: 0, log: log, out: p.out.SetLevel}
	p.slave = pic{name: "slave", base: 8, log: log, out: func(level bool) {
		p.master.setLine(cascadeLine, level)
	}}
	p.master.reset()
	p.slave.reset()
	return p
}

// OnEOI registers fn to run after the guest signals an end of interrupt.
func (p *Pair) OnEOI(fn func(irq uint8)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEOI = fn
}

// SetIRQ implements chipset.InterruptSink for ISA lines 0-15.
func (p *Pair) SetIRQ(line uint8, level bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case line < 8:
		p.master.setLine(int(line), level)
	case line < 16:
		p.slave.setLine(int(line-8), level)
	}
}

// Pending returns the in-service interrupt with the highest priority, or -1.
func (p *Pair) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingLocked()
}

func (p *Pair) pendingLocked() int {
	line := best(p.master.rotationPri, p.master.isr)
	if line != cascadeLine {
		return line
	}
	if s := best(p.slave.rotationPri, p.slave.isr); s >= 0 {
		return int(p.slave.base) + s
	}
	return line
}

// Masks returns the master and slave interrupt mask registers.
func (p *Pair) Masks() (master, slave uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.master.ier, p.slave.ier
}

// Start implements chipset.ChangeDeviceState.
func (p *Pair) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (p *Pair) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (p *Pair) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.master.reset()
	p.slave.reset()
	p.out.SetLevel(false)
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (p *Pair) SupportsMmio() *chipset.MmioIntercept {
	regions := []chipset.MMIORegion{
		{Address: p.masterBase, Size: RegisterCount},
		{Address: p.slaveBase, Size: RegisterCount},
	}
	if p.ackBase != 0 {
		regions = append(regions, chipset.MMIORegion{Address: p.ackBase, Size: AckSize})
	}
	return &chipset.MmioIntercept{Regions: regions, Handler: p}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (p *Pair) SupportsPollDevice() *chipset.PollDevice { return nil }

func (p *Pair) target(addr uint64) (*pic, uint64, error) {
	switch {
	case addr >= p.masterBase && addr < p.masterBase+RegisterCount:
		return &p.master, addr - p.masterBase, nil
	case addr >= p.slaveBase && addr < p.slaveBase+RegisterCount:
		return &p.slave, addr - p.slaveBase, nil
	case p.ackBase != 0 && addr >= p.ackBase && addr < p.ackBase+AckSize:
		return nil, 0, nil
	}
	return nil, 0, fmt.Errorf("i8259: address 0x%x out of bounds", addr)
}

// ReadMMIO implements chipset.MmioHandler. A read of the acknowledge window
// returns the in-service interrupt number.
func (p *Pair) ReadMMIO(addr uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, reg, err := p.target(addr)
	if err != nil {
		return err
	}
	clear(data)
	if c == nil {
		if irq := p.pendingLocked(); irq >= 0 && len(data) > 0 {
			data[len(data)-1] = uint8(irq)
		}
		return nil
	}
	for i := range data {
		data[i] = c.read(reg)
	}
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (p *Pair) WriteMMIO(addr uint64, data []byte) error {
	p.mu.Lock()
	c, reg, err := p.target(addr)
	if err != nil || c == nil {
		p.mu.Unlock()
		return err
	}
	eoi := -1
	for _, v := range data {
		if line := c.write(reg, v); line >= 0 {
			eoi = int(c.base) + line
		}
	}
	fn := p.onEOI
	p.mu.Unlock()

	if eoi >= 0 && fn != nil {
		fn(uint8(eoi))
	}
	return nil
}

var (
	_ chipset.ChipsetDevice = (*Pair)(nil)
	_ chipset.InterruptSink = (*Pair)(nil)
	_ chipset.MmioHandler   = (*Pair)(nil)
)
