package dyntrans

import "github.com/google/btree"

// pageStore owns every translation page of an engine, keyed by physical
// address. Pages are reset rather than freed.
type pageStore struct {
	tree    *btree.BTreeG[*Physpage]
	handles []*Physpage // index 0 is unused
	entries int
}

func newPageStore(entries int) *pageStore {
	return &pageStore{
		tree: btree.NewG[*Physpage](16, func(a, b *Physpage) bool {
			return a.Phys < b.Phys
		}),
		handles: []*Physpage{nil},
		entries: entries,
	}
}

func (s *pageStore) newPage(phys uint64) *Physpage {
	p := &Physpage{
		Phys:   phys,
		Virt:   ^uint64(0),
		Calls:  make([]Call, s.entries+2),
		Bitmap: make([]uint64, (s.entries+63)/64),
		handle: uint32(len(s.handles)),
	}
	p.Calls[s.entries].Op = OpEndOfPage
	p.Calls[s.entries+1].Op = OpEndOfPage2
	return p
}

// find returns the page for phys, if one exists.
func (s *pageStore) find(phys uint64) (*Physpage, bool) {
	return s.tree.Get(&Physpage{Phys: phys})
}

// lookupOrCreate returns the page for phys, allocating it on first use.
func (s *pageStore) lookupOrCreate(phys uint64) *Physpage {
	if p, ok := s.find(phys); ok {
		return p
	}
	p := s.newPage(phys)
	s.handles = append(s.handles, p)
	s.tree.ReplaceOrInsert(p)
	return p
}

func (s *pageStore) byHandle(h uint32) *Physpage {
	if h == 0 || int(h) >= len(s.handles) {
		return nil
	}
	return s.handles[h]
}

// ascendRange calls fn for every page with lo <= Phys < hi.
func (s *pageStore) ascendRange(lo, hi uint64, fn func(p *Physpage)) {
	s.tree.AscendRange(&Physpage{Phys: lo}, &Physpage{Phys: hi}, func(p *Physpage) bool {
		fn(p)
		return true
	})
}

func (s *pageStore) each(fn func(p *Physpage)) {
	s.tree.Ascend(func(p *Physpage) bool {
		fn(p)
		return true
	})
}

func (s *pageStore) len() int { return s.tree.Len() }
