// Package ppc64 is the little-endian POWER backend. Every instruction is
// one 32-bit word; encoders are pure functions so smashes can compare the
// words they are about to store with the ones already in place.
package ppc64

import (
	"strconv"

	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
)

type Reg = jit.Reg

const (
	R0  Reg = 0
	R1  Reg = 1 // stack pointer
	R2  Reg = 2 // TOC
	R3  Reg = 3
	R4  Reg = 4
	R5  Reg = 5
	R6  Reg = 6
	R7  Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13 // thread pointer
	R14 Reg = 14
	R15 Reg = 15
	R28 Reg = 28
	R29 Reg = 29
	R30 Reg = 30
	R31 Reg = 31
)

func RegName(r Reg) string {
	if r < 32 {
		return "r" + strconv.Itoa(int(r))
	}
	return "r?"
}

// Condition register fields and bits.
const (
	cr0 = 0
	cr1 = 1

	bitLT = 0
	bitGT = 1
	bitEQ = 2
	bitSO = 3
)

// Branch options.
const (
	boFalse  = 4
	boTrue   = 12
	boAlways = 20
)

const (
	nopWord   uint32 = 0x60000000
	trapWord  uint32 = 0x7FE00008
	blrWord   uint32 = 0x4E800020
	bctrWord  uint32 = 0x4E800420
	bctrlWord uint32 = 0x4E800421
)

func dform(op uint32, rt, ra Reg, imm uint16) uint32 {
	return op<<26 | uint32(rt&31)<<21 | uint32(ra&31)<<16 | uint32(imm)
}

func dsform(op uint32, rt, ra Reg, ds int16, xo uint32) uint32 {
	if ds&3 != 0 {
		jit.Fatalf("ppc64: displacement %d is not a multiple of 4", ds)
	}
	return op<<26 | uint32(rt&31)<<21 | uint32(ra&31)<<16 | uint32(uint16(ds))&0xFFFC | xo
}

func xform(rt, ra, rb Reg, xo uint32, rc uint32) uint32 {
	return 31<<26 | uint32(rt&31)<<21 | uint32(ra&31)<<16 | uint32(rb&31)<<11 | xo<<1 | rc
}

// mdform encodes an MD-form rotate with a 6-bit shift and mask bound.
func mdform(rs, ra Reg, sh, mb, xo uint32) uint32 {
	mbEnc := (mb&0x1F)<<1 | mb>>5
	return 30<<26 | uint32(rs&31)<<21 | uint32(ra&31)<<16 | (sh&0x1F)<<11 | mbEnc<<5 | xo<<2 | (sh>>5)<<1
}

func addi(rt, ra Reg, si int16) uint32  { return dform(14, rt, ra, uint16(si)) }
func addis(rt, ra Reg, si int16) uint32 { return dform(15, rt, ra, uint16(si)) }
func li(rt Reg, si int16) uint32        { return addi(rt, 0, si) }
func lis(rt Reg, si int16) uint32       { return addis(rt, 0, si) }
func ori(ra, rs Reg, ui uint16) uint32  { return dform(24, rs, ra, ui) }
func oris(ra, rs Reg, ui uint16) uint32 { return dform(25, rs, ra, ui) }

func lbz(rt, ra Reg, d int16) uint32 { return dform(34, rt, ra, uint16(d)) }
func lwz(rt, ra Reg, d int16) uint32 { return dform(32, rt, ra, uint16(d)) }
func stb(rs, ra Reg, d int16) uint32 { return dform(38, rs, ra, uint16(d)) }
func stw(rs, ra Reg, d int16) uint32 { return dform(36, rs, ra, uint16(d)) }

func ld(rt, ra Reg, ds int16) uint32   { return dsform(58, rt, ra, ds, 0) }
func std(rs, ra Reg, ds int16) uint32  { return dsform(62, rs, ra, ds, 0) }
func stdu(rs, ra Reg, ds int16) uint32 { return dsform(62, rs, ra, ds, 1) }

// sldi ra, rs, 32 (rldicr ra, rs, 32, 31)
func sldi32(ra, rs Reg) uint32 { return mdform(rs, ra, 32, 31, 1) }

// clrldi ra, rs, 56 (rldicl ra, rs, 0, 56): keep the low byte.
func clrlb(ra, rs Reg) uint32 { return mdform(rs, ra, 0, 56, 0) }

func extsb(ra, rs Reg) uint32 { return xform(rs, ra, 0, 954, 0) }
func mr(ra, rs Reg) uint32    { return xform(rs, ra, rs, 444, 0) }
func add(rt, ra, rb Reg) uint32 {
	return xform(rt, ra, rb, 266, 0)
}

// andDot is and. ra, rs, rb, which sets cr0.
func andDot(ra, rs, rb Reg) uint32 { return xform(rs, ra, rb, 28, 1) }

// compare encodes cmp (signed) or cmpl (unsigned) into cr field bf; l selects
// doubleword operands.
func compare(bf uint32, l bool, ra, rb Reg, unsigned bool) uint32 {
	w := 31<<26 | bf<<23 | uint32(ra&31)<<16 | uint32(rb&31)<<11
	if l {
		w |= 1 << 21
	}
	if unsigned {
		w |= 32 << 1
	}
	return w
}

func mtspr(spr uint32, rs Reg) uint32 {
	return 31<<26 | uint32(rs&31)<<21 | (spr&0x1F)<<16 | (spr>>5)<<11 | 467<<1
}

func mfspr(rt Reg, spr uint32) uint32 {
	return 31<<26 | uint32(rt&31)<<21 | (spr&0x1F)<<16 | (spr>>5)<<11 | 339<<1
}

const (
	sprLR  = 8
	sprCTR = 9
)

func mtctr(rs Reg) uint32 { return mtspr(sprCTR, rs) }
func mtlr(rs Reg) uint32  { return mtspr(sprLR, rs) }
func mflr(rt Reg) uint32  { return mfspr(rt, sprLR) }

// br is b with a byte offset; lk selects bl.
func br(off int32, lk bool) uint32 {
	w := 18<<26 | uint32(off)&0x03FFFFFC
	if lk {
		w |= 1
	}
	return w
}

func bc(bo, bi uint32, off int16) uint32 {
	return 16<<26 | bo<<21 | bi<<16 | uint32(uint16(off))&0xFFFC
}

func bcctr(bo, bi uint32, lk bool) uint32 {
	w := 19<<26 | bo<<21 | bi<<16 | 528<<1
	if lk {
		w |= 1
	}
	return w
}

func opcode(w uint32) uint32   { return w >> 26 }
func rtField(w uint32) Reg     { return Reg(w >> 21 & 31) }
func immField(w uint32) uint16 { return uint16(w) }

// li64 loads a full 64-bit immediate in five instructions.
func li64(rt Reg, imm uint64) []uint32 {
	return []uint32{
		lis(rt, int16(imm>>48)),
		ori(rt, rt, uint16(imm>>32)),
		sldi32(rt, rt),
		oris(rt, rt, uint16(imm>>16)),
		ori(rt, rt, uint16(imm)),
	}
}

// li32 loads a sign-extended 32-bit immediate in two instructions.
func li32(rt Reg, imm int32) []uint32 {
	return []uint32{
		lis(rt, int16(imm>>16)),
		ori(rt, rt, uint16(imm)),
	}
}

// decodeLi64 returns the immediate and destination of a li64 sequence.
func decodeLi64(w []uint32) (uint64, Reg, bool) {
	if len(w) < 5 {
		return 0, 0, false
	}
	rt := rtField(w[0])
	if w[0] != lis(rt, int16(immField(w[0]))) ||
		w[1] != ori(rt, rt, immField(w[1])) ||
		w[2] != sldi32(rt, rt) ||
		w[3] != oris(rt, rt, immField(w[3])) ||
		w[4] != ori(rt, rt, immField(w[4])) {
		return 0, 0, false
	}
	imm := uint64(immField(w[0]))<<48 | uint64(immField(w[1]))<<32 |
		uint64(immField(w[3]))<<16 | uint64(immField(w[4]))
	return imm, rt, true
}

func decodeLi32(w []uint32) (int32, Reg, bool) {
	if len(w) < 2 {
		return 0, 0, false
	}
	rt := rtField(w[0])
	if w[0] != lis(rt, int16(immField(w[0]))) || w[1] != ori(rt, rt, immField(w[1])) {
		return 0, 0, false
	}
	return int32(uint32(immField(w[0]))<<16 | uint32(immField(w[1]))), rt, true
}

func fitsInt16(v int64) bool { return v >= -1<<15 && v < 1<<15 }
func fitsInt32(v int64) bool { return v >= -1<<31 && v < 1<<31 }

// fitsBranch reports whether off is reachable by b/bl.
func fitsBranch(off int64) bool { return off >= -1<<25 && off < 1<<25 && off&3 == 0 }

// ha and lo split v so that ha<<16 + sext(lo) == v.
func ha(v int32) int16 { return int16((int64(v) + 0x8000) >> 16) }
func lo(v int32) int16 { return int16(v) }

// Assembler appends words at a block's frontier.
type Assembler struct {
	cb *codecache.Block
}

func NewAssembler(cb *codecache.Block) *Assembler {
	return &Assembler{cb: cb}
}

func (a *Assembler) Frontier() jit.TCA { return a.cb.Frontier() }

func (a *Assembler) emit(words ...uint32) {
	for _, w := range words {
		a.cb.Dword(w)
	}
}

// AlignTo pads with nops until the frontier is a multiple of align.
func (a *Assembler) AlignTo(align int) {
	if !a.Frontier().Aligned(4) {
		jit.Fatalf("ppc64: frontier %v is not word aligned", a.Frontier())
	}
	for !a.Frontier().Aligned(align) {
		a.emit(nopWord)
	}
}

// LoadImm picks the shortest sequence that loads imm.
func (a *Assembler) LoadImm(rt Reg, imm uint64) {
	switch v := int64(imm); {
	case fitsInt16(v):
		a.emit(li(rt, int16(v)))
	case fitsInt32(v):
		a.emit(li32(rt, int32(v))...)
	default:
		a.emit(li64(rt, imm)...)
	}
}
