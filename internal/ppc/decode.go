package ppc

import (
	"github.com/tinyrange/ppcemu/internal/dyntrans"
)

type ops struct {
	addi, addis, ori, oris, xori, xoris dyntrans.Op
	andiDot, andisDot                   dyntrans.Op
	cmpwi, cmplwi, cmpdi, cmpldi        dyntrans.Op
	cmpw, cmplw, cmpd, cmpld            dyntrans.Op

	add, subf, and, or, xor, mullw, neg [2]dyntrans.Op
	rlwinm                              [2]dyntrans.Op
	mfcr, mtcrf                         dyntrans.Op

	lwz, lwzu, lbz, lbzu, lhz, lhzu, lha dyntrans.Op
	stw, stwu, stb, stbu, sth, sthu      dyntrans.Op
	lwzx, stwx, lbzx, stbx               dyntrans.Op
	lwbrx, stwbrx, lwarx, stwcx          dyntrans.Op

	b, bc, bclr, bcctr dyntrans.Op

	mfspr, mtspr, mftb, mfmsr, mtmsr, mfsr, mtsr dyntrans.Op

	sc, rfi, isync, sync, eieio, tlbie, dcbst, icbi dyntrans.Op

	li32 dyntrans.Op
}

func (cpu *CPU) registerOps() {
	e := cpu.engine
	r := e.RegisterOp
	pair := func(name string, h [2]dyntrans.Handler) [2]dyntrans.Op {
		return [2]dyntrans.Op{r(name, h[0]), r(name+".", h[1])}
	}
	o := &cpu.ops

	o.addi = r("addi", cpu.addi)
	o.addis = r("addis", cpu.addi)
	o.ori = r("ori", cpu.ori)
	o.oris = r("oris", cpu.ori)
	o.xori = r("xori", cpu.xori)
	o.xoris = r("xoris", cpu.xori)
	o.andiDot = r("andi.", cpu.andiDot)
	o.andisDot = r("andis.", cpu.andiDot)

	o.cmpwi = r("cmpwi", cpu.compareHandler(false, false, true))
	o.cmplwi = r("cmplwi", cpu.compareHandler(true, false, true))
	o.cmpdi = r("cmpdi", cpu.compareHandler(false, true, true))
	o.cmpldi = r("cmpldi", cpu.compareHandler(true, true, true))
	o.cmpw = r("cmpw", cpu.compareHandler(false, false, false))
	o.cmplw = r("cmplw", cpu.compareHandler(true, false, false))
	o.cmpd = r("cmpd", cpu.compareHandler(false, true, false))
	o.cmpld = r("cmpld", cpu.compareHandler(true, true, false))

	o.add = pair("add", cpu.xform(func(a, b uint64) uint64 { return a + b }))
	o.subf = pair("subf", cpu.xform(func(a, b uint64) uint64 { return b - a }))
	o.and = pair("and", cpu.xform(func(a, b uint64) uint64 { return a & b }))
	o.or = pair("or", cpu.xform(func(a, b uint64) uint64 { return a | b }))
	o.xor = pair("xor", cpu.xform(func(a, b uint64) uint64 { return a ^ b }))
	o.mullw = pair("mullw", cpu.xform(func(a, b uint64) uint64 {
		return uint64(int64(int32(a)) * int64(int32(b)))
	}))
	o.neg = pair("neg", cpu.xform(func(a, _ uint64) uint64 { return -a }))
	o.rlwinm = pair("rlwinm", cpu.rlwinmHandlers())
	o.mfcr = r("mfcr", cpu.mfcr)
	o.mtcrf = r("mtcrf", cpu.mtcrf)

	o.lwz = r("lwz", cpu.loadHandler(accessKind{size: 4}))
	o.lwzu = r("lwzu", cpu.loadHandler(accessKind{size: 4, update: true}))
	o.lbz = r("lbz", cpu.loadHandler(accessKind{size: 1}))
	o.lbzu = r("lbzu", cpu.loadHandler(accessKind{size: 1, update: true}))
	o.lhz = r("lhz", cpu.loadHandler(accessKind{size: 2}))
	o.lhzu = r("lhzu", cpu.loadHandler(accessKind{size: 2, update: true}))
	o.lha = r("lha", cpu.loadHandler(accessKind{size: 2, signed: true}))
	o.stw = r("stw", cpu.storeHandler(accessKind{size: 4}))
	o.stwu = r("stwu", cpu.storeHandler(accessKind{size: 4, update: true}))
	o.stb = r("stb", cpu.storeHandler(accessKind{size: 1}))
	o.stbu = r("stbu", cpu.storeHandler(accessKind{size: 1, update: true}))
	o.sth = r("sth", cpu.storeHandler(accessKind{size: 2}))
	o.sthu = r("sthu", cpu.storeHandler(accessKind{size: 2, update: true}))
	o.lwzx = r("lwzx", cpu.loadHandler(accessKind{size: 4, indexed: true}))
	o.stwx = r("stwx", cpu.storeHandler(accessKind{size: 4, indexed: true}))
	o.lbzx = r("lbzx", cpu.loadHandler(accessKind{size: 1, indexed: true}))
	o.stbx = r("stbx", cpu.storeHandler(accessKind{size: 1, indexed: true}))
	o.lwbrx = r("lwbrx", cpu.loadHandler(accessKind{size: 4, indexed: true, reverse: true}))
	o.stwbrx = r("stwbrx", cpu.storeHandler(accessKind{size: 4, indexed: true, reverse: true}))
	o.lwarx = r("lwarx", cpu.lwarx)
	o.stwcx = r("stwcx.", cpu.stwcx)

	o.b = r("b", cpu.branch)
	o.bc = r("bc", cpu.bc)
	o.bclr = r("bclr", cpu.bclr)
	o.bcctr = r("bcctr", cpu.bcctr)

	o.mfspr = r("mfspr", cpu.mfspr)
	o.mtspr = r("mtspr", cpu.mtspr)
	o.mftb = r("mftb", cpu.mftb)
	o.mfmsr = r("mfmsr", cpu.mfmsr)
	o.mtmsr = r("mtmsr", cpu.mtmsr)
	o.mfsr = r("mfsr", cpu.mfsr)
	o.mtsr = r("mtsr", cpu.mtsr)

	o.sc = r("sc", cpu.sc)
	o.rfi = r("rfi", cpu.rfi)
	o.isync = r("isync", cpu.isync)
	o.sync = r("sync", cpu.isync)
	o.eieio = r("eieio", cpu.nop)
	o.tlbie = r("tlbie", cpu.tlbie)
	o.dcbst = r("dcbst", cpu.nop)
	o.icbi = r("icbi", cpu.icbi)

	o.li32 = r("li32", cpu.li32)
}

// raZero maps rA to zeroReg where the encoding reads rA|0.
func raZero(ra uint32) uint64 {
	if ra == 0 {
		return zeroReg
	}
	return uint64(ra)
}

func simm(w uint32) uint64 { return uint64(int64(int16(w))) }

// Decode fills ic for instruction word w. Unsupported encodings leave ic.Op
// at OpToBeTranslated.
func (cpu *CPU) Decode(ic *dyntrans.Call, w uint32, addr uint64) bool {
	o := &cpu.ops
	primary := w >> 26
	rd := (w >> 21) & 31
	ra := (w >> 16) & 31
	uimm := uint64(w & 0xffff)

	set := func(op dyntrans.Op, a0, a1, a2 uint64) {
		ic.Op = op
		ic.Arg = [3]uint64{a0, a1, a2}
	}
	dform := func(op dyntrans.Op) { set(op, uint64(rd), raZero(ra), simm(w)) }
	dformUpdate := func(op dyntrans.Op) {
		if ra == 0 {
			return
		}
		set(op, uint64(rd), uint64(ra), simm(w))
	}

	switch primary {
	case 10, 11:
		crf := uint64(rd >> 2)
		wide := rd&1 != 0
		if wide && cpu.Bits != 64 {
			return false
		}
		switch {
		case primary == 10 && wide:
			set(o.cmpldi, crf, uint64(ra), uimm)
		case primary == 10:
			set(o.cmplwi, crf, uint64(ra), uimm)
		case wide:
			set(o.cmpdi, crf, uint64(ra), simm(w))
		default:
			set(o.cmpwi, crf, uint64(ra), simm(w))
		}
	case 14:
		dform(o.addi)
	case 15:
		set(o.addis, uint64(rd), raZero(ra), simm(w)<<16)
	case 16:
		flags := uint64(rd) | uint64(ra)<<5 | uint64(w&3)<<10
		set(o.bc, flags, uint64(int64(int16(w&0xfffc))), 0)
	case 17:
		if w&2 != 0 {
			set(o.sc, 0, 0, 0)
		}
	case 18:
		disp := uint64(int64(int32(w<<6)>>6)) &^ 3
		set(o.b, disp, uint64(w&3)<<10, 0)
	case 19:
		cpu.decode19(ic, w)
	case 21:
		sh := uint64((w >> 11) & 31)
		mask := uint64(rlwMask((w>>6)&31, (w>>1)&31))
		set(o.rlwinm[w&1], uint64(ra), uint64(rd), sh|mask<<32)
	case 24:
		set(o.ori, uint64(ra), uint64(rd), uimm)
		return true
	case 25:
		set(o.oris, uint64(ra), uint64(rd), uimm<<16)
	case 26:
		set(o.xori, uint64(ra), uint64(rd), uimm)
	case 27:
		set(o.xoris, uint64(ra), uint64(rd), uimm<<16)
	case 28:
		set(o.andiDot, uint64(ra), uint64(rd), uimm)
	case 29:
		set(o.andisDot, uint64(ra), uint64(rd), uimm<<16)
	case 31:
		cpu.decode31(ic, w)
	case 32:
		dform(o.lwz)
	case 33:
		dformUpdate(o.lwzu)
	case 34:
		dform(o.lbz)
	case 35:
		dformUpdate(o.lbzu)
	case 36:
		dform(o.stw)
	case 37:
		dformUpdate(o.stwu)
	case 38:
		dform(o.stb)
	case 39:
		dformUpdate(o.stbu)
	case 40:
		dform(o.lhz)
	case 41:
		dformUpdate(o.lhzu)
	case 42:
		dform(o.lha)
	case 44:
		dform(o.sth)
	case 45:
		dformUpdate(o.sthu)
	}
	return false
}

func (cpu *CPU) decode19(ic *dyntrans.Call, w uint32) {
	o := &cpu.ops
	bo := uint64((w >> 21) & 31)
	bi := uint64((w >> 16) & 31)
	flags := bo | bi<<5 | uint64(w&1)<<10

	switch (w >> 1) & 0x3ff {
	case 16:
		ic.Op, ic.Arg = o.bclr, [3]uint64{flags}
	case 528:
		if bo&4 == 0 {
			// bcctr with a CTR decrement is invalid.
			return
		}
		ic.Op, ic.Arg = o.bcctr, [3]uint64{flags}
	case 50:
		ic.Op = o.rfi
	case 150:
		ic.Op = o.isync
	}
}

func (cpu *CPU) decode31(ic *dyntrans.Call, w uint32) {
	o := &cpu.ops
	rd := (w >> 21) & 31
	ra := (w >> 16) & 31
	rb := (w >> 11) & 31
	rc := w & 1
	xo := (w >> 1) & 0x3ff
	spr := uint64(ra | rb<<5)

	set := func(op dyntrans.Op, a0, a1, a2 uint64) {
		ic.Op = op
		ic.Arg = [3]uint64{a0, a1, a2}
	}
	indexed := func(op dyntrans.Op) { set(op, uint64(rd), raZero(ra), uint64(rb)) }

	switch xo {
	case 0, 32:
		crf := uint64(rd >> 2)
		wide := rd&1 != 0
		if wide && cpu.Bits != 64 {
			return
		}
		op := o.cmpw
		switch {
		case xo == 32 && wide:
			op = o.cmpld
		case xo == 32:
			op = o.cmplw
		case wide:
			op = o.cmpd
		}
		set(op, crf, uint64(ra), uint64(rb))
	case 266:
		set(o.add[rc], uint64(rd), uint64(ra), uint64(rb))
	case 40:
		set(o.subf[rc], uint64(rd), uint64(ra), uint64(rb))
	case 235:
		set(o.mullw[rc], uint64(rd), uint64(ra), uint64(rb))
	case 104:
		set(o.neg[rc], uint64(rd), uint64(ra), 0)
	case 28:
		set(o.and[rc], uint64(ra), uint64(rd), uint64(rb))
	case 444:
		set(o.or[rc], uint64(ra), uint64(rd), uint64(rb))
	case 316:
		set(o.xor[rc], uint64(ra), uint64(rd), uint64(rb))
	case 19:
		set(o.mfcr, uint64(rd), 0, 0)
	case 144:
		fxm := (w >> 12) & 0xff
		var m uint32
		for i := 0; i < 8; i++ {
			if fxm&(0x80>>i) != 0 {
				m |= 0xf0000000 >> (4 * i)
			}
		}
		set(o.mtcrf, uint64(rd), uint64(m), 0)
	case 339:
		set(o.mfspr, uint64(rd), spr, 0)
	case 467:
		set(o.mtspr, uint64(rd), spr, 0)
	case 371:
		if spr != SprTBRL && spr != SprTBRU {
			return
		}
		set(o.mftb, uint64(rd), spr, 0)
	case 83:
		set(o.mfmsr, uint64(rd), 0, 0)
	case 146:
		set(o.mtmsr, uint64(rd), 0, 0)
	case 595:
		set(o.mfsr, uint64(rd), uint64(ra&15), 0)
	case 210:
		set(o.mtsr, uint64(rd), uint64(ra&15), 0)
	case 306:
		set(o.tlbie, uint64(rb), 0, 0)
	case 598:
		ic.Op = o.sync
	case 854:
		ic.Op = o.eieio
	case 54:
		ic.Op = o.dcbst
	case 982:
		set(o.icbi, 0, raZero(ra), uint64(rb))
	case 20:
		indexed(o.lwarx)
	case 150:
		if rc == 1 {
			indexed(o.stwcx)
		}
	case 23:
		indexed(o.lwzx)
	case 151:
		indexed(o.stwx)
	case 87:
		indexed(o.lbzx)
	case 215:
		indexed(o.stbx)
	case 534:
		indexed(o.lwbrx)
	case 662:
		indexed(o.stwbrx)
	}
}

// Combine fuses lis rX,hi with a following ori rY,rX,lo.
func (cpu *CPU) Combine(page *dyntrans.Physpage, slot int) {
	if slot == 0 {
		return
	}
	ic := &page.Calls[slot]
	prev := &page.Calls[slot-1]
	if ic.Op != cpu.ops.ori || !page.Translated(slot-1) {
		return
	}
	if prev.Op != cpu.ops.addis || prev.Arg[1] != zeroReg || prev.Arg[0] != ic.Arg[1] {
		return
	}
	prev.Op = cpu.ops.li32
	prev.Arg = [3]uint64{prev.Arg[0], ic.Arg[0], prev.Arg[2] | ic.Arg[2]}
}
