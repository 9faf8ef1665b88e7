package dyntrans

import "github.com/tinyrange/ppcemu/internal/memory"

const vph32Pages = 1 << 20

// tlb32 covers the whole 32-bit page number space with flat arrays, one half
// per address space.
type tlb32 struct {
	vph         vphTable
	entries     []hostEntry
	space       func(instr bool) int
	physicalMax uint64
}

func newTLB32(maxEntries int, space func(instr bool) int, physicalMax uint64) *tlb32 {
	return &tlb32{
		vph:         vphTable{entries: make([]VPHEntry, maxEntries)},
		entries:     make([]hostEntry, 2*vph32Pages),
		space:       space,
		physicalMax: physicalMax,
	}
}

func (t *tlb32) index(vaddr uint64, instr bool) int {
	idx := int(uint32(vaddr) >> memory.PageShift)
	if t.space(instr) != 0 {
		idx += vph32Pages
	}
	return idx
}

func (t *tlb32) lookup(vaddr uint64, instr bool) hostEntry {
	return t.entries[t.index(vaddr, instr)]
}

func (t *tlb32) setPage(vaddr uint64, instr bool, page uint32) {
	t.entries[t.index(vaddr, instr)].page = page
}

func (t *tlb32) vphEntries() []VPHEntry { return t.vph.entries }

// invalidateEntry drops the mapping of one virtual page in both address
// spaces, or only its write access.
func (t *tlb32) invalidateEntry(vaddrPage uint64, flags int) {
	idx := t.index(vaddrPage, false)
	if flags&memory.JustMarkNonWritable != 0 {
		t.entries[idx].store = 0
		return
	}
	idx %= vph32Pages
	for i := 0; i < 2; i++ {
		e := &t.entries[i*vph32Pages+idx]
		tlbi := e.tlb
		*e = hostEntry{}
		if tlbi > 0 {
			t.decommission(int(tlbi) - 1)
		}
	}
}

func (t *tlb32) decommission(r int) {
	v := &t.vph.entries[r]
	if !v.Valid {
		return
	}
	v.Valid = false
	t.invalidateEntry(v.VaddrPage, 0)
}

func (t *tlb32) update(vaddrPage, paddrPage uint64, host memory.HostPage, writeflag int, instr bool) {
	e := &t.entries[t.index(vaddrPage, instr)]

	if e.tlb == 0 {
		r := t.vph.claim()
		t.decommission(r)

		writable := writeflag&memory.MemWrite != 0
		t.vph.entries[r] = VPHEntry{
			Valid:     true,
			VaddrPage: vaddrPage,
			PaddrPage: paddrPage,
			HostPage:  host,
			Writable:  writable,
		}
		*e = hostEntry{phys: paddrPage, load: host, tlb: uint16(r + 1)}
		if writable {
			e.store = host
		}
		return
	}

	v := &t.vph.entries[e.tlb-1]
	if writeflag&memory.MemWrite != 0 {
		v.Writable = true
	}
	if writeflag&memory.MemDowngrade != 0 {
		v.Writable = false
	}

	e.page = 0
	if e.phys == paddrPage {
		if writeflag&memory.MemWrite != 0 {
			e.store = host
		}
		if writeflag&memory.MemDowngrade != 0 {
			e.store = 0
		}
		return
	}
	e.load = host
	e.store = 0
	if writeflag&memory.MemWrite != 0 {
		e.store = host
	}
	e.phys = paddrPage
	v.PaddrPage = paddrPage
	v.HostPage = host
}

func (t *tlb32) invalidate(addr uint64, flags int) {
	addrPage := addr &^ memory.PageMask

	if flags&memory.InvalidateVaddr != 0 {
		t.invalidateEntry(addrPage, flags)
		return
	}

	if flags&memory.InvalidateAll != 0 {
		for r := range t.vph.entries {
			v := &t.vph.entries[r]
			if !v.Valid {
				continue
			}
			switch {
			case flags&memory.InvalidateVaddrUpper4 != 0:
				if v.VaddrPage&0xf0000000 != addrPage {
					continue
				}
			case flags&memory.InvalidateIdentity != 0:
				if v.VaddrPage >= t.physicalMax {
					continue
				}
			}
			t.decommission(r)
		}
		return
	}

	for r := range t.vph.entries {
		v := &t.vph.entries[r]
		if !v.Valid || v.PaddrPage != addrPage {
			continue
		}
		if flags&memory.JustMarkNonWritable != 0 {
			t.invalidateEntry(v.VaddrPage, flags)
			v.Writable = false
		} else {
			t.decommission(r)
		}
	}
}

func (t *tlb32) clearPages(addrPage uint64, flags int) {
	for r := range t.vph.entries {
		v := &t.vph.entries[r]
		if clearPageMatch(v, addrPage, flags) {
			idx := int(uint32(v.VaddrPage) >> memory.PageShift)
			t.entries[idx].page = 0
			t.entries[vph32Pages+idx].page = 0
		}
	}
}
