package dyntrans

import (
	"fmt"

	"github.com/tinyrange/ppcemu/internal/memory"
)

// tlb64 is a three level radix tree over the 64-bit virtual page number.
// Interior nodes live in arenas and refer to children by index. Index 0 of
// each arena is a shared empty node so walks never test for nil.
type tlb64 struct {
	vph vphTable

	l1 []uint32
	l2 []*l2node
	l3 []*l3node

	freeL2 uint32
	freeL3 uint32

	shift1, shift2, shift3 uint
	mask1, mask2, mask3    uint64
}

type l2node struct {
	l3   []uint32
	refs int
	next uint32
}

type l3node struct {
	e    []hostEntry
	refs int
	next uint32
}

func newTLB64(maxEntries int, bits1, bits2, bits3 uint) *tlb64 {
	if bits1+bits2+bits3+memory.PageShift != 64 {
		panic(fmt.Sprintf("dyntrans: radix split %d/%d/%d does not cover 64-bit addresses", bits1, bits2, bits3))
	}
	t := &tlb64{
		vph:    vphTable{entries: make([]VPHEntry, maxEntries)},
		l1:     make([]uint32, 1<<bits1),
		shift1: 64 - bits1,
		shift2: 64 - bits1 - bits2,
		shift3: 64 - bits1 - bits2 - bits3,
		mask1:  1<<bits1 - 1,
		mask2:  1<<bits2 - 1,
		mask3:  1<<bits3 - 1,
	}
	t.l2 = []*l2node{{l3: make([]uint32, 1<<bits2)}}
	t.l3 = []*l3node{{e: make([]hostEntry, 1<<bits3)}}
	return t
}

func (t *tlb64) split(vaddr uint64) (x1, x2, x3 uint64) {
	return (vaddr >> t.shift1) & t.mask1, (vaddr >> t.shift2) & t.mask2, (vaddr >> t.shift3) & t.mask3
}

func (t *tlb64) lookup(vaddr uint64, instr bool) hostEntry {
	x1, x2, x3 := t.split(vaddr)
	return t.l3[t.l2[t.l1[x1]].l3[x2]].e[x3]
}

func (t *tlb64) setPage(vaddr uint64, instr bool, page uint32) {
	x1, x2, x3 := t.split(vaddr)
	i3 := t.l2[t.l1[x1]].l3[x2]
	if i3 == 0 {
		return
	}
	t.l3[i3].e[x3].page = page
}

func (t *tlb64) vphEntries() []VPHEntry { return t.vph.entries }

func (t *tlb64) invalidateEntry(vaddrPage uint64, flags int) {
	x1, x2, x3 := t.split(vaddrPage)
	i2 := t.l1[x1]
	if i2 == 0 {
		return
	}
	l2 := t.l2[i2]
	i3 := l2.l3[x2]
	if i3 == 0 {
		return
	}
	l3 := t.l3[i3]

	if flags&memory.JustMarkNonWritable != 0 {
		l3.e[x3].store = 0
		return
	}

	e := &l3.e[x3]
	tlbi := e.tlb
	*e = hostEntry{}
	if tlbi != 0 {
		t.vph.entries[tlbi-1].Valid = false
		l3.refs--
	}

	if l3.refs < 0 {
		panic("dyntrans: host TLB L3 refcount underflow")
	}
	if l3.refs > 0 {
		return
	}
	l3.next = t.freeL3
	t.freeL3 = i3
	l2.l3[x2] = 0
	l2.refs--
	if l2.refs < 0 {
		panic("dyntrans: host TLB L2 refcount underflow")
	}
	if l2.refs == 0 {
		l2.next = t.freeL2
		t.freeL2 = i2
		t.l1[x1] = 0
	}
}

func (t *tlb64) allocL2() uint32 {
	if i := t.freeL2; i != 0 {
		t.freeL2 = t.l2[i].next
		t.l2[i].next = 0
		return i
	}
	t.l2 = append(t.l2, &l2node{l3: make([]uint32, t.mask2+1)})
	return uint32(len(t.l2) - 1)
}

func (t *tlb64) allocL3() uint32 {
	if i := t.freeL3; i != 0 {
		t.freeL3 = t.l3[i].next
		t.l3[i].next = 0
		return i
	}
	t.l3 = append(t.l3, &l3node{e: make([]hostEntry, t.mask3+1)})
	return uint32(len(t.l3) - 1)
}

func (t *tlb64) find(vaddrPage uint64) int {
	x1, x2, x3 := t.split(vaddrPage)
	i2 := t.l1[x1]
	if i2 == 0 {
		return -1
	}
	i3 := t.l2[i2].l3[x2]
	if i3 == 0 {
		return -1
	}
	return int(t.l3[i3].e[x3].tlb) - 1
}

func (t *tlb64) update(vaddrPage, paddrPage uint64, host memory.HostPage, writeflag int, instr bool) {
	writeflag &^= int(memory.UserAccess)

	if found := t.find(vaddrPage); found >= 0 {
		v := &t.vph.entries[found]
		if writeflag&memory.MemWrite != 0 {
			v.Writable = true
		}
		if writeflag&memory.MemDowngrade != 0 {
			v.Writable = false
		}
		x1, x2, x3 := t.split(vaddrPage)
		e := &t.l3[t.l2[t.l1[x1]].l3[x2]].e[x3]
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
		return
	}

	r := t.vph.claim()
	if old := &t.vph.entries[r]; old.Valid {
		t.invalidateEntry(old.VaddrPage, 0)
	}
	writable := writeflag&memory.MemWrite != 0
	t.vph.entries[r] = VPHEntry{
		Valid:     true,
		VaddrPage: vaddrPage,
		PaddrPage: paddrPage,
		HostPage:  host,
		Writable:  writable,
	}

	x1, x2, x3 := t.split(vaddrPage)
	i2 := t.l1[x1]
	if i2 == 0 {
		i2 = t.allocL2()
		t.l1[x1] = i2
		if t.l2[i2].refs != 0 {
			panic("dyntrans: host TLB L2 reused with live children")
		}
	}
	l2 := t.l2[i2]
	i3 := l2.l3[x2]
	if i3 == 0 {
		i3 = t.allocL3()
		l2.l3[x2] = i3
		if t.l3[i3].refs != 0 {
			panic("dyntrans: host TLB L3 reused with live entries")
		}
		l2.refs++
	}
	l3 := t.l3[i3]
	l3.e[x3] = hostEntry{phys: paddrPage, load: host, tlb: uint16(r + 1)}
	if writable {
		l3.e[x3].store = host
	}
	l3.refs++
}

func (t *tlb64) invalidate(addr uint64, flags int) {
	addrPage := addr &^ memory.PageMask

	if flags&memory.InvalidateVaddr != 0 {
		t.invalidateEntry(addrPage, flags)
		return
	}

	if flags&memory.InvalidateAll != 0 {
		for r := range t.vph.entries {
			v := &t.vph.entries[r]
			if v.Valid {
				t.invalidateEntry(v.VaddrPage, 0)
				v.Valid = false
			}
		}
		return
	}

	for r := range t.vph.entries {
		v := &t.vph.entries[r]
		if !v.Valid || v.PaddrPage != addrPage {
			continue
		}
		t.invalidateEntry(v.VaddrPage, flags)
		if flags&memory.JustMarkNonWritable != 0 {
			v.Writable = false
		} else {
			v.Valid = false
		}
	}
}

func (t *tlb64) clearPages(addrPage uint64, flags int) {
	for r := range t.vph.entries {
		v := &t.vph.entries[r]
		if clearPageMatch(v, addrPage, flags) {
			t.setPage(v.VaddrPage, true, 0)
		}
	}
}

// nodes reports the number of live L2 and L3 nodes.
func (t *tlb64) nodes() (l2, l3 int) {
	for _, i2 := range t.l1 {
		if i2 == 0 {
			continue
		}
		l2++
		for _, i3 := range t.l2[i2].l3 {
			if i3 != 0 {
				l3++
			}
		}
	}
	return l2, l3
}
