package dyntrans

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/ppcemu/internal/memory"
)

// ErrDecode is reported when an instruction could not be translated and the
// core was stopped.
var ErrDecode = errors.New("dyntrans: instruction could not be translated")

// Single-step states. Values of 0x100 and above request a stop once the
// instruction count reaches the value with its low byte cleared.
const (
	NotSingleStepping   = 0
	EnterSingleStepping = 1
	SingleStepping      = 2
)

// Arch is the architecture side of an engine.
type Arch interface {
	// TranslateV2P translates vaddr. A zero result means the access was
	// denied; unless FlagNoExceptions was given the guest exception has
	// already been raised.
	TranslateV2P(vaddr uint64, flags memory.TranslateFlags) (paddr uint64, result int)
	// AddrSpace selects the half of the 32-bit host TLB to use.
	AddrSpace(instr bool) int
	CheckInterrupts()
	UpdateForICount()
	// FetchInstruction reads the instruction word at addr.
	FetchInstruction(addr uint64, noExceptions bool) (uint32, bool)
	// Decode fills in ic for word. It leaves ic.Op at OpToBeTranslated
	// when the word cannot be translated, and reports whether a
	// combination check should follow.
	Decode(ic *Call, word uint32, addr uint64) (combine bool)
	// Combine may fuse the call at slot with the calls before it.
	Combine(page *Physpage, slot int)
	// MungeDeviceAddr adjusts a device relative offset before the device
	// is called.
	MungeDeviceAddr(offset uint64, length int) uint64
	Disassemble(word uint32, addr uint64) string
}

// Debugger is polled by the run loop.
type Debugger interface {
	// CheckWaiting reports, without blocking, whether the debugger has
	// input pending.
	CheckWaiting() bool
	// SerialInterrupt handles the pending input and reports whether the
	// client asked the core to stop.
	SerialInterrupt() bool
}

// Hooks observe execution. Each receives the address and the call about to
// run.
type Hooks struct {
	Trace  func(pc uint64, ic *Call)
	Stats  func(pc uint64, ic *Call)
	Record func(pc uint64, ic *Call)
}

// Config tunes an engine. Zero values select the defaults.
type Config struct {
	SafeLimit              uint64
	InstrBetweenInterrupts uint64
	// MaxReadahead bounds how many slots are translated past the one about
	// to run. A negative value disables read-ahead.
	MaxReadahead           int
	DisableCombinations    bool
	Statistics             bool
	InstructionTrace       bool

	// InstrShift is log2 of the instruction alignment.
	InstrShift    uint
	MaxVPHEntries int

	// Bits64 selects the radix host TLB.
	Bits64     bool
	L1, L2, L3 uint

	NoTranslation bool
	Logger        *slog.Logger
}

const (
	DefaultSafeLimit              = 1<<13 - 1
	DefaultInstrBetweenInterrupts = 8192
	DefaultMaxReadahead           = 128
	DefaultMaxVPHEntries          = 128
)

func (c *Config) setDefaults() {
	if c.SafeLimit == 0 {
		c.SafeLimit = DefaultSafeLimit
	}
	if c.InstrBetweenInterrupts == 0 {
		c.InstrBetweenInterrupts = DefaultInstrBetweenInterrupts
	}
	if c.MaxReadahead == 0 {
		c.MaxReadahead = DefaultMaxReadahead
	}
	if c.InstrShift == 0 {
		c.InstrShift = 2
	}
	if c.MaxVPHEntries == 0 {
		c.MaxVPHEntries = DefaultMaxVPHEntries
	}
	if c.Bits64 && c.L1 == 0 && c.L2 == 0 && c.L3 == 0 {
		c.L1, c.L2, c.L3 = 17, 17, 18
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type opInfo struct {
	name string
	h    Handler
}

// Engine is the translation and dispatch state of one CPU.
type Engine struct {
	arch Arch
	mem  *memory.Memory
	cfg  Config
	log  *slog.Logger

	tlb   hostTLB
	pages *pageStore
	ops   []opInfo

	entries   int
	instrMask uint64

	// PC is the guest program counter. Inside a batch it is only exact at
	// page boundaries; handlers call SyncPC before observing it.
	PC   uint64
	cur  *Physpage
	next int

	nothing *Physpage

	Running bool

	// NInstrs counts dispatched calls.
	NInstrs      uint64
	nInstrsAsync uint64
	skipped      uint64
	fused        uint64

	SingleStep  uint64
	Breakpoints []uint64
	Debugger    Debugger
	Hooks       Hooks

	bpContinue         bool
	crossPageDelaySlot bool
	readahead          int
	attached           bool

	err error
}

// New creates an engine for arch over mem.
func New(arch Arch, mem *memory.Memory, cfg Config) *Engine {
	cfg.setDefaults()

	e := &Engine{
		arch:    arch,
		mem:     mem,
		cfg:     cfg,
		log:     cfg.Logger,
		entries: memory.PageSize >> cfg.InstrShift,
		Running: true,
	}
	e.instrMask = uint64(e.entries-1) << cfg.InstrShift
	e.pages = newPageStore(e.entries)

	if cfg.Bits64 {
		e.tlb = newTLB64(cfg.MaxVPHEntries, cfg.L1, cfg.L2, cfg.L3)
	} else {
		e.tlb = newTLB32(cfg.MaxVPHEntries, arch.AddrSpace, mem.PhysicalMax())
	}

	e.ops = make([]opInfo, FirstArchOp, 256)
	e.ops[OpToBeTranslated] = opInfo{"to_be_translated", e.toBeTranslated}
	e.ops[OpEndOfPage] = opInfo{"end_of_page", e.endOfPage}
	e.ops[OpEndOfPage2] = opInfo{"end_of_page2", e.endOfPage2}
	e.ops[OpNothing] = opInfo{"nothing", e.doNothing}

	e.nothing = &Physpage{
		Phys:   ^uint64(0),
		Virt:   ^uint64(0),
		Calls:  []Call{{Op: OpNothing, State: Specialized}},
		Bitmap: []uint64{1},
	}
	e.cur = e.nothing
	return e
}

// Attach registers the engine with its memory so that invalidations raised
// by any CPU reach it.
func (e *Engine) Attach() {
	if e.attached {
		return
	}
	e.mem.AddObserver(e)
	e.attached = true
}

// RegisterOp adds a handler and returns its op.
func (e *Engine) RegisterOp(name string, h Handler) Op {
	if len(e.ops) >= 1<<16 {
		panic("dyntrans: handler table full")
	}
	e.ops = append(e.ops, opInfo{name: name, h: h})
	return Op(len(e.ops) - 1)
}

// OpName returns the name an op was registered with.
func (e *Engine) OpName(op Op) string {
	if int(op) >= len(e.ops) {
		return fmt.Sprintf("op%d", op)
	}
	return e.ops[op].name
}

// Memory returns the memory the engine dispatches to.
func (e *Engine) Memory() *memory.Memory { return e.mem }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// SetInstructionTrace switches single call tracing on or off.
func (e *Engine) SetInstructionTrace(on bool) { e.cfg.InstructionTrace = on }

// SetStatistics switches the statistics hook on or off.
func (e *Engine) SetStatistics(on bool) { e.cfg.Statistics = on }

// EntriesPerPage returns the number of instruction slots per page.
func (e *Engine) EntriesPerPage() int { return e.entries }

// Executed returns the number of guest instructions run, which excludes
// sentinel dispatches and counts fused calls once per instruction.
func (e *Engine) Executed() uint64 { return e.NInstrs - e.skipped + e.fused }

// Fused records that the running call executed n extra instructions.
func (e *Engine) Fused(n int) { e.fused += uint64(n) }

// CurrentPage returns the translation page being executed.
func (e *Engine) CurrentPage() *Physpage {
	if e.cur == e.nothing {
		return nil
	}
	return e.cur
}

// Stopped reports whether execution was routed to the nothing page.
func (e *Engine) Stopped() bool { return e.cur == e.nothing }

// Slot returns the index of the running call in the current page.
func (e *Engine) Slot() int { return e.next - 1 }

// NextSlot returns the index of the call that will run next.
func (e *Engine) NextSlot() int { return e.next }

// SetNextSlot continues execution at slot of the current page.
func (e *Engine) SetNextSlot(slot int) { e.next = slot }

// SkipNext skips the call after the running one.
func (e *Engine) SkipNext() { e.next++ }

func (e *Engine) pageBase() uint64 {
	return e.PC &^ e.instrMask
}

// SlotPC returns the address of slot in the current page.
func (e *Engine) SlotPC(slot int) uint64 {
	return e.pageBase() + uint64(slot)<<e.cfg.InstrShift
}

// SyncPC sets PC to the address of the running call.
func (e *Engine) SyncPC() {
	if e.cur == e.nothing {
		return
	}
	e.PC = e.SlotPC(e.next - 1)
}

// StopAt requests a return to single-stepping once count guest instructions
// have executed, as reported by Executed. The count is rounded down to a
// multiple of 256.
func (e *Engine) StopAt(count uint64) {
	if count < 0x100 {
		e.SingleStep = EnterSingleStepping
		return
	}
	e.SingleStep = count &^ 0xff
}

// SetBreakpoints replaces the breakpoint list. Breakpoints are checked when
// an instruction is translated, so cached code is flushed.
func (e *Engine) SetBreakpoints(addrs []uint64) {
	e.Breakpoints = append(e.Breakpoints[:0], addrs...)
	e.FlushCode()
}

// AddBreakpoint adds addr to the breakpoint list.
func (e *Engine) AddBreakpoint(addr uint64) {
	for _, bp := range e.Breakpoints {
		if bp == addr {
			return
		}
	}
	e.SetBreakpoints(append(e.Breakpoints, addr))
}

// RemoveBreakpoint removes addr from the breakpoint list.
func (e *Engine) RemoveBreakpoint(addr uint64) bool {
	for i, bp := range e.Breakpoints {
		if bp == addr {
			bps := append([]uint64(nil), e.Breakpoints[:i]...)
			e.SetBreakpoints(append(bps, e.Breakpoints[i+1:]...))
			return true
		}
	}
	return false
}

// Err returns ErrDecode once a translation failure has stopped the core.
func (e *Engine) Err() error { return e.err }

// Stop halts the core the same way a failed translation does.
func (e *Engine) Stop() {
	e.Running = false
	e.stopRunningTranslated()
}

// Resume lets a stopped core run again from PC and clears any decode error.
func (e *Engine) Resume() {
	e.Running = true
	e.err = nil
}

func (e *Engine) exec(ic *Call) {
	e.ops[ic.Op].h(ic)
}

func (e *Engine) endOfPage(ic *Call) {
	e.PC = e.pageBase() + uint64(e.entries)<<e.cfg.InstrShift
	e.skipped++
	e.QuickPCToPointers()
}

func (e *Engine) endOfPage2(ic *Call) {
	e.PC = e.pageBase() + uint64(e.entries+1)<<e.cfg.InstrShift
	e.skipped++
	e.QuickPCToPointers()
}

func (e *Engine) doNothing(ic *Call) {
	e.next--
	e.skipped++
}

// stopRunningTranslated routes the rest of the batch to the nothing page.
func (e *Engine) stopRunningTranslated() {
	e.cur = e.nothing
	e.next = 0
}
