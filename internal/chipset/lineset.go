package chipset

import "sync"

// LineSet tracks the level of each ISA interrupt line and forwards changes
// to an InterruptSink, normally the interrupt controller.
type LineSet struct {
	mu sync.Mutex

	sink   InterruptSink
	levels uint32
	eoi    map[uint8][]func()
}

// NewLineSet builds a LineSet that forwards level changes to sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink: sink,
		eoi:  make(map[uint8][]func()),
	}
}

// AllocateLine returns a LineInterrupt handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	return &lineHandle{owner: l, irq: irq}
}

// Level reports the current level of irq.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.levels&(1<<irq) != 0
}

// RegisterEOICallback registers fn to run when an end of interrupt is
// signalled for line.
func (l *LineSet) RegisterEOICallback(line uint8, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[line] = append(l.eoi[line], fn)
}

// BroadcastEOI runs the callbacks registered for line.
func (l *LineSet) BroadcastEOI(line uint8) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[line]...)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.sink.SetIRQ(h.irq, true)
	h.owner.sink.SetIRQ(h.irq, false)
}

func (l *LineSet) setLevel(irq uint8, high bool) {
	bit := uint32(1) << irq
	l.mu.Lock()
	changed := (l.levels&bit != 0) != high
	if high {
		l.levels |= bit
	} else {
		l.levels &^= bit
	}
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(irq, high)
	}
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}
