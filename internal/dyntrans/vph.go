package dyntrans

import "github.com/tinyrange/ppcemu/internal/memory"

// VPHEntry is one slot of the fixed size host TLB.
type VPHEntry struct {
	Valid     bool
	VaddrPage uint64
	PaddrPage uint64
	HostPage  memory.HostPage
	Writable  bool
}

// HostPages is the cached translation of one virtual page.
type HostPages struct {
	Phys  uint64
	Load  memory.HostPage
	Store memory.HostPage
	Page  *Physpage
}

// hostEntry is the per virtual page record of a host TLB. It holds no
// pointers.
type hostEntry struct {
	phys  uint64
	load  memory.HostPage
	store memory.HostPage
	page  uint32
	tlb   uint16 // VPH index + 1
}

type vphTable struct {
	entries []VPHEntry
	cursor  uint
}

func (t *vphTable) claim() int {
	r := int(t.cursor % uint(len(t.entries)))
	t.cursor++
	return r
}

// hostTLB is implemented by the flat 32-bit and the radix 64-bit caches.
type hostTLB interface {
	lookup(vaddr uint64, instr bool) hostEntry
	update(vaddrPage, paddrPage uint64, host memory.HostPage, writeflag int, instr bool)
	invalidate(addr uint64, flags int)
	setPage(vaddr uint64, instr bool, page uint32)
	// clearPages drops the translation page handle of every valid entry
	// selected by flags.
	clearPages(addrPage uint64, flags int)
	vphEntries() []VPHEntry
}

func clearPageMatch(v *VPHEntry, addrPage uint64, flags int) bool {
	if !v.Valid {
		return false
	}
	vaddr := v.VaddrPage &^ memory.PageMask
	paddr := v.PaddrPage &^ memory.PageMask
	return flags&memory.InvalidateAll != 0 ||
		(flags&memory.InvalidatePaddr != 0 && paddr == addrPage) ||
		(flags&memory.InvalidateVaddr != 0 && vaddr == addrPage)
}
