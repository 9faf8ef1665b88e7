// Package machine assembles a PReP style board: shared memory, one or more
// PowerPC cores and the ISA devices, driven by a cooperative round robin
// scheduler.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/ppcemu/internal/chipset"
	"github.com/tinyrange/ppcemu/internal/config"
	"github.com/tinyrange/ppcemu/internal/devices/i8259"
	"github.com/tinyrange/ppcemu/internal/devices/passthrough"
	"github.com/tinyrange/ppcemu/internal/devices/pccmos"
	"github.com/tinyrange/ppcemu/internal/devices/serial"
	"github.com/tinyrange/ppcemu/internal/devices/vgafb"
	"github.com/tinyrange/ppcemu/internal/dyntrans"
	"github.com/tinyrange/ppcemu/internal/gdbstub"
	"github.com/tinyrange/ppcemu/internal/memory"
	"github.com/tinyrange/ppcemu/internal/ppc"
	"github.com/tinyrange/ppcemu/internal/timeslice"
)

// PReP physical layout. ISA I/O space is mapped into memory at ISABase.
const (
	ISABase       = 0x80000000
	PICMasterBase = ISABase + 0x20
	PICSlaveBase  = ISABase + 0xa0
	PICAckBase    = 0xbffffff0
	CMOSBase      = ISABase + 0x70
	COM1Base      = ISABase + 0x3f8
	COM1IRQ       = 4
	// SysCtrlBase is PReP system control port A. Setting bit 0 resets the
	// board.
	SysCtrlBase   = ISABase + 0x92

	haltSize = 4
)

var (
	// ErrHalt is returned when the guest stores to the halt address.
	ErrHalt = errors.New("machine halted")
	// ErrStopped is returned once every core has stopped.
	ErrStopped = errors.New("machine: all cpus stopped")
	// ErrBreakpoint is returned when a breakpoint is hit with no debugger
	// attached.
	ErrBreakpoint = errors.New("machine: breakpoint")
	// ErrInstructionLimit is returned when the limit set with
	// SetInstructionLimit is reached.
	ErrInstructionLimit = errors.New("machine: instruction limit reached")
	// ErrKilled is returned when the debugger kills the target.
	ErrKilled = errors.New("machine: killed by debugger")
)

// Debugger is a remote debugger session driven by the run loop.
type Debugger interface {
	dyntrans.Debugger
	// Wait reports the stop and blocks until the client resumes.
	Wait(ctx context.Context) (gdbstub.Action, error)
}

// Options supply the host side of the board.
type Options struct {
	Logger *slog.Logger
	// Console receives COM1 output. Nil discards it.
	Console io.Writer
	// Passthrough is the monitor connection used when the config enables
	// the passthrough window.
	Passthrough io.ReadWriter
	// Profile receives host time spent per run loop phase, in the order of
	// ProfileKinds. Nil disables profiling.
	Profile *timeslice.Writer
}

// Run loop phases recorded in Options.Profile.
const (
	ProfileCPU timeslice.Kind = iota
	ProfilePoll
	ProfileDebugger
)

// ProfileKinds names the run loop phases for timeslice.Create.
var ProfileKinds = []string{"cpu", "poll", "debugger"}

// Machine is a complete board.
type Machine struct {
	cfg config.Config
	log *slog.Logger

	Memory  *memory.Memory
	CPUs    []*ppc.CPU
	Chipset *chipset.Chipset

	PIC         *i8259.Pair
	Serial      *serial.Serial16550
	CMOS        *pccmos.CMOS
	Framebuffer *vgafb.Framebuffer
	Passthrough *passthrough.Passthrough

	lines  *chipset.LineSet
	router *irqRouter

	stats     []*ppc.Statistics
	recorders []*ppc.Recorder
	irqCounts [16]atomic.Uint64

	// current is the core being run and focus the one the debugger sees.
	current int
	focus   int
	limit   uint64

	debugger Debugger
	attach   chan Debugger

	halted       atomic.Bool
	resetPending atomic.Bool

	profile *timeslice.Writer
}

// irqRouter forwards line levels to the chipset once it has been built.
type irqRouter struct {
	cs *chipset.Chipset
}

func (r *irqRouter) SetIRQ(line uint8, level bool) {
	if r.cs != nil {
		r.cs.SetIRQ(line, level)
	}
}

func enabled(b *bool) bool { return b == nil || *b }

// New builds the machine described by cfg. Unset fields take their
// defaults.
func New(cfg config.Config, opts Options) (*Machine, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	mem, err := memory.New(memory.Options{Size: cfg.MemoryBytes(), Logger: log})
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	m := &Machine{
		cfg:     cfg,
		log:     log,
		Memory:  mem,
		router:  &irqRouter{},
		attach:  make(chan Debugger, 1),
		profile: opts.Profile,
	}
	m.lines = chipset.NewLineSet(m.router)

	if err := m.createCPUs(); err != nil {
		mem.Close()
		return nil, err
	}
	if err := m.createChipset(opts); err != nil {
		mem.Close()
		return nil, err
	}

	for _, bp := range cfg.Breakpoints {
		m.AddBreakpoint(uint64(bp))
	}
	for _, cpu := range m.CPUs {
		cpu.SetPC(uint64(cfg.Entry))
	}
	return m, nil
}

func (m *Machine) createCPUs() error {
	dt := m.cfg.Dyntrans
	ecfg := dyntrans.Config{
		SafeLimit:              dt.SafeLimit,
		InstrBetweenInterrupts: m.cfg.InstructionsBetweenInterrupts,
		MaxReadahead:           dt.Readahead,
		DisableCombinations:    !enabled(dt.Combinations),
		InstructionTrace:       dt.InstructionTrace,
	}
	for i := 0; i < m.cfg.CPUs; i++ {
		cpu, err := ppc.New(m.Memory, ppc.Config{
			Type:    m.cfg.CPU,
			ID:      i,
			RAMSize: m.Memory.Size(),
			Engine:  ecfg,
			Logger:  m.log,
		})
		if err != nil {
			return fmt.Errorf("machine: cpu %d: %w", i, err)
		}
		e := cpu.Engine()
		if dt.InstructionTrace {
			e.Hooks.Trace = cpu.TraceHook(m.log.With("cpu", i))
		}
		if dt.Statistics {
			m.stats = append(m.stats, cpu.StatsHook())
		}
		if dt.Recorder > 0 {
			r, err := cpu.EnableRecorder(dt.Recorder)
			if err != nil {
				return fmt.Errorf("machine: cpu %d: %w", i, err)
			}
			m.recorders = append(m.recorders, r)
		}
		m.CPUs = append(m.CPUs, cpu)
	}
	return nil
}

func (m *Machine) createChipset(opts Options) error {
	dev := m.cfg.Devices
	b := chipset.NewBuilder()

	if enabled(dev.PIC) {
		m.PIC = i8259.New(i8259.Config{
			MasterBase: PICMasterBase,
			SlaveBase:  PICSlaveBase,
			AckBase:    PICAckBase,
			Logger:     m.log,
		}, chipset.LineInterruptFromFunc(m.CPUs[0].SetIRQ))
		m.PIC.OnEOI(func(irq uint8) { m.lines.BroadcastEOI(irq) })
		if err := b.RegisterDevice("pic", m.PIC); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
		for line := uint8(0); line < 16; line++ {
			if err := b.WithInterruptLine(line, m.PIC); err != nil {
				return fmt.Errorf("machine: %w", err)
			}
			m.lines.RegisterEOICallback(line, func() { m.irqCounts[line].Add(1) })
		}
	}

	if enabled(dev.Serial) {
		m.Serial = serial.New(COM1Base, m.lines.AllocateLine(COM1IRQ), opts.Console)
		if err := b.RegisterDevice("com1", m.Serial); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
	}

	if enabled(dev.CMOS) {
		m.CMOS = pccmos.New(pccmos.Config{Base: CMOSBase, ExtendedNVRAM: true})
		if err := b.RegisterDevice("cmos", m.CMOS); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
	}

	if fb := dev.Framebuffer; fb.Enabled {
		f, err := vgafb.New(vgafb.Config{Base: vgafb.DefaultBase, Width: fb.Width, Height: fb.Height})
		if err != nil {
			return fmt.Errorf("machine: %w", err)
		}
		m.Framebuffer = f
		if err := b.RegisterDevice("vga", f); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
	}

	if p := dev.Passthrough; p.Connect != "" {
		if opts.Passthrough == nil {
			return fmt.Errorf("machine: passthrough to %s has no connection", p.Connect)
		}
		m.Passthrough = passthrough.New(passthrough.Config{
			Base:   uint64(p.Address),
			Size:   p.Size,
			Logger: m.log,
		}, opts.Passthrough)
		if err := b.RegisterDevice("passthrough", m.Passthrough); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
	}

	if addr := uint64(m.cfg.HaltAddress); addr != 0 {
		if err := b.WithMmioRegion("halt", addr, haltSize, haltRegister{m}); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
	}

	if err := b.WithMmioRegion("sysctrl", SysCtrlBase, 1, &sysCtrl{m: m}); err != nil {
		return fmt.Errorf("machine: %w", err)
	}

	cs, err := b.Build(m.Memory)
	if err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	m.Chipset = cs
	m.router.cs = cs
	return nil
}

// haltRegister stops the machine on any store.
type haltRegister struct{ m *Machine }

func (h haltRegister) ReadMMIO(addr uint64, data []byte) error {
	clear(data)
	return nil
}

func (h haltRegister) WriteMMIO(addr uint64, data []byte) error {
	h.m.log.Info("machine: halt requested", "address", fmt.Sprintf("%#x", addr))
	h.m.halted.Store(true)
	h.m.CPUs[h.m.current].Engine().Stop()
	return nil
}

// sysCtrl is port 0x92. A rising edge on bit 0 requests a reset, which the
// run loop performs once the current batch has ended. Bit 0 then reads back
// as zero.
type sysCtrl struct {
	m   *Machine
	val byte
}

func (s *sysCtrl) ReadMMIO(addr uint64, data []byte) error {
	clear(data)
	data[0] = s.val
	return nil
}

func (s *sysCtrl) WriteMMIO(addr uint64, data []byte) error {
	old := s.val
	s.val = data[0]
	if old&1 == 0 && s.val&1 != 0 {
		s.val &^= 1
		s.m.log.Info("machine: reset requested")
		s.m.resetPending.Store(true)
		s.m.CPUs[s.m.current].Engine().Stop()
	}
	return nil
}

// Reset puts the devices and every core back in their power-on state and
// restarts the cores at the entry point. Guest memory is kept. It must not
// be called while Run is executing a batch.
func (m *Machine) Reset() error {
	if err := m.Chipset.Reset(); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	for _, cpu := range m.CPUs {
		cpu.Reset()
		cpu.SetPC(uint64(m.cfg.Entry))
		cpu.Engine().Resume()
	}
	m.halted.Store(false)
	m.resetPending.Store(false)
	m.SetInstructionLimit(m.limit)
	if m.debugger != nil {
		m.setDebugger(m.debugger)
	}
	m.log.Info("machine: reset", "entry", fmt.Sprintf("%#x", uint64(m.cfg.Entry)))
	return nil
}

// Close releases guest memory.
func (m *Machine) Close() error {
	return m.Memory.Close()
}

// Config returns the normalized configuration.
func (m *Machine) Config() config.Config { return m.cfg }

// LoadImage copies size bytes from r into physical memory at addr. Progress
// is written to progress when it is not nil.
func (m *Machine) LoadImage(r io.Reader, addr, size uint64, progress io.Writer) error {
	if addr+size > m.Memory.Size() || addr+size < addr {
		return fmt.Errorf("machine: image [%#x, %#x) does not fit in %d bytes of RAM", addr, addr+size, m.Memory.Size())
	}
	w := io.NewOffsetWriter(m.Memory, int64(addr))
	var dst io.Writer = w
	if progress != nil {
		dst = io.MultiWriter(w, progress)
	}
	n, err := io.CopyN(dst, r, int64(size))
	if err != nil {
		return fmt.Errorf("machine: load image at %#x: %w", addr, err)
	}
	for _, cpu := range m.CPUs {
		cpu.Engine().InvalidateCodeRange(addr, addr+uint64(n))
	}
	m.log.Debug("machine: image loaded", "address", fmt.Sprintf("%#x", addr), "size", n)
	return nil
}

// SerialReceive queues host input for COM1.
func (m *Machine) SerialReceive(data []byte) {
	if m.Serial != nil {
		m.Serial.Receive(data)
	}
}

// SetInstructionLimit stops the machine after n instructions per core. Zero
// removes the limit.
func (m *Machine) SetInstructionLimit(n uint64) {
	m.limit = n
	for _, cpu := range m.CPUs {
		if n == 0 {
			cpu.Engine().SingleStep = dyntrans.NotSingleStepping
		} else {
			cpu.Engine().StopAt(n)
		}
	}
}

// AttachDebugger hands a debugger session to the run loop. It may be called
// from any goroutine; the session takes over at the next batch boundary.
func (m *Machine) AttachDebugger(ctx context.Context, d Debugger) error {
	select {
	case m.attach <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) setDebugger(d Debugger) {
	m.debugger = d
	for _, cpu := range m.CPUs {
		e := cpu.Engine()
		e.Debugger = d
		if d != nil && e.SingleStep == dyntrans.NotSingleStepping {
			e.SingleStep = dyntrans.EnterSingleStepping
		}
	}
	if d != nil {
		m.log.Info("machine: debugger attached")
	}
}

func stopRequested(e *dyntrans.Engine) bool {
	return e.SingleStep == dyntrans.EnterSingleStepping || e.SingleStep == dyntrans.SingleStepping
}

// debugStop handles a core that dropped into single-step mode.
func (m *Machine) debugStop(ctx context.Context, i int) error {
	e := m.CPUs[i].Engine()
	if m.debugger == nil {
		if m.limit != 0 && e.Executed() >= m.limit&^0xff {
			return fmt.Errorf("%w: cpu %d after %d instructions", ErrInstructionLimit, i, e.Executed())
		}
		return fmt.Errorf("%w: cpu %d at %#x", ErrBreakpoint, i, e.PC)
	}

	m.focus = i
	action, err := m.debugger.Wait(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		m.log.Info("machine: debugger gone", "err", err)
		action = gdbstub.ActionDetach
	}
	switch action {
	case gdbstub.ActionContinue:
		e.SingleStep = dyntrans.NotSingleStepping
	case gdbstub.ActionStep:
		e.SingleStep = dyntrans.SingleStepping
	case gdbstub.ActionDetach:
		m.setDebugger(nil)
		for _, cpu := range m.CPUs {
			cpu.Engine().SingleStep = dyntrans.NotSingleStepping
		}
	case gdbstub.ActionKill:
		return ErrKilled
	}
	return nil
}

// Run schedules the cores round robin until the guest halts, every core
// stops, a stop condition fires or ctx is done. The chipset is polled each
// time the instructions run since the last poll reach the configured
// interval.
func (m *Machine) Run(ctx context.Context) (err error) {
	if err := m.Chipset.Start(); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	defer func() {
		if stopErr := m.Chipset.Stop(); stopErr != nil && err == nil {
			err = fmt.Errorf("machine: %w", stopErr)
		}
	}()

	interval := m.cfg.InstructionsBetweenInterrupts
	var sincePoll uint64
	span := m.profile.Span()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case d := <-m.attach:
			m.setDebugger(d)
		default:
		}

		running := 0
		for i, cpu := range m.CPUs {
			if !cpu.Running() {
				continue
			}
			running++
			if stopRequested(cpu.Engine()) {
				span.Mark(ProfileCPU)
				err := m.debugStop(ctx, i)
				span.Mark(ProfileDebugger)
				if err != nil {
					return err
				}
			}
			m.current = i
			sincePoll += uint64(cpu.Run())
			span.Mark(ProfileCPU)
			if m.halted.Load() {
				return ErrHalt
			}
			if m.resetPending.Load() {
				break
			}
		}
		if m.resetPending.Load() {
			if err := m.Reset(); err != nil {
				return err
			}
			continue
		}
		if running == 0 {
			return m.stoppedError()
		}

		if sincePoll >= interval {
			sincePoll = 0
			err := m.Chipset.Poll(ctx)
			span.Mark(ProfilePoll)
			if err != nil {
				return fmt.Errorf("machine: %w", err)
			}
		}
	}
}

func (m *Machine) stoppedError() error {
	for i, cpu := range m.CPUs {
		if err := cpu.Engine().Err(); err != nil {
			return fmt.Errorf("%w: cpu %d at %#x: %w", ErrStopped, i, cpu.GetPC(), err)
		}
	}
	return fmt.Errorf("%w: cpu 0 at %#x", ErrStopped, m.CPUs[0].GetPC())
}

// Halted reports whether the guest requested a halt.
func (m *Machine) Halted() bool { return m.halted.Load() }
