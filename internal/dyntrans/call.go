// Package dyntrans implements a dynamic translation core: guest
// instructions are decoded once into Call records held in per physical page
// translation pages and then dispatched through a handler table.
package dyntrans

import "math/bits"

// Op indexes the engine's handler table.
type Op uint16

// Built-in operations. Architecture ops are registered from FirstArchOp on.
const (
	OpToBeTranslated Op = iota
	OpEndOfPage
	OpEndOfPage2
	OpNothing

	FirstArchOp
)

// CallState tracks a slot through its lifetime.
type CallState uint8

const (
	Unspecialized CallState = iota
	Specialized
	// TemporarilyReverted marks a slot that executed once and was put back
	// to the sentinel, such as the instruction under a breakpoint.
	TemporarilyReverted
)

func (s CallState) String() string {
	switch s {
	case Unspecialized:
		return "unspecialized"
	case Specialized:
		return "specialized"
	case TemporarilyReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Call is one decoded instruction slot.
type Call struct {
	Op    Op
	State CallState
	Word  uint32
	Arg   [3]uint64
}

// Handler executes one call.
type Handler func(ic *Call)

// Physpage holds the decoded calls for one physical page.
type Physpage struct {
	Phys uint64
	// Virt is the virtual page the page was last entered from, or ^0.
	Virt uint64
	// Calls has one slot per instruction plus the two end-of-page
	// sentinels.
	Calls  []Call
	Bitmap []uint64

	handle uint32
}

// Translated reports whether slot has been specialized.
func (p *Physpage) Translated(slot int) bool {
	return p.Bitmap[slot>>6]&(1<<(uint(slot)&63)) != 0
}

// Empty reports whether no slot of the page is specialized.
func (p *Physpage) Empty() bool {
	for _, w := range p.Bitmap {
		if w != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of specialized slots.
func (p *Physpage) Count() int {
	n := 0
	for _, w := range p.Bitmap {
		n += bits.OnesCount64(w)
	}
	return n
}

func (p *Physpage) mark(slot int) {
	p.Bitmap[slot>>6] |= 1 << (uint(slot) & 63)
}

func (p *Physpage) unmark(slot int) {
	p.Bitmap[slot>>6] &^= 1 << (uint(slot) & 63)
}

// reset puts every instruction slot back to the sentinel.
func (p *Physpage) reset() {
	entries := len(p.Calls) - 2
	clear(p.Calls[:entries])
	clear(p.Bitmap)
	p.Virt = ^uint64(0)
}
