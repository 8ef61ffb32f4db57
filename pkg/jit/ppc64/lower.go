package ppc64

import (
	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
)

// Only compare and test instructions set condition register fields here;
// arithmetic does not, which the helper library never relies on.

type lowerer struct {
	b *Backend
}

// operand returns a base register and a displacement reaching p, emitting
// address arithmetic into rAddr when the displacement does not fit. ds
// requests a displacement suitable for DS-form instructions.
func operand(a *Assembler, p vasm.Vptr, ds bool) (Reg, int16) {
	var base Reg
	switch {
	case p.Seg == vasm.SegTLS && p.Base.Valid():
		jit.Fatalf("ppc64: thread-local operand with a base register")
	case p.Seg == vasm.SegTLS:
		base = rTLS
	case p.Base.Valid():
		base = p.Base.Reg()
	default:
		a.emit(lis(rAddr, ha(p.Disp)))
		base = rAddr
		p.Disp = int32(lo(p.Disp))
	}
	disp := p.Disp
	if !fitsInt16(int64(disp)) {
		a.emit(addis(rAddr, base, ha(disp)))
		base, disp = rAddr, int32(lo(disp))
	}
	if ds && disp&3 != 0 {
		a.emit(addi(rAddr, base, int16(disp)))
		base, disp = rAddr, 0
	}
	return base, int16(disp)
}

// frameSize is the stack frame a prologue saving n registers allocates:
// the 32-byte ELFv2 header plus the save area, kept 16-byte aligned.
func frameSize(n int) int16 {
	return int16((32 + 8*n + 15) &^ 15)
}

func (l lowerer) compare(a *Assembler, left, right Reg, doubleword bool) {
	a.emit(compare(cr0, doubleword, left, right, false), compare(cr1, doubleword, left, right, true))
}

func (l lowerer) Lower(e *vasm.Env, in *vasm.Instr) {
	a := NewAssembler(e.CB)
	switch in.Op {
	case vasm.Nop:
		a.emit(nopWord)
	case vasm.Ud2:
		a.emit(trapWord)
	case vasm.Ldimmq:
		a.LoadImm(in.D.Reg(), uint64(in.Imm))
	case vasm.Ldimmqs:
		l.b.EmitSmashableLoadImm64(e.CB, e.Meta, uint64(in.Imm), in.D.Reg())
	case vasm.Copy:
		if in.S != in.D {
			a.emit(mr(in.D.Reg(), in.S.Reg()))
		}
	case vasm.Load:
		base, d := operand(a, in.M, true)
		a.emit(ld(in.D.Reg(), base, d))
	case vasm.Loadzbq:
		base, d := operand(a, in.M, false)
		a.emit(lbz(in.D.Reg(), base, d))
	case vasm.Loadzlq:
		base, d := operand(a, in.M, false)
		a.emit(lwz(in.D.Reg(), base, d))
	case vasm.Store:
		base, d := operand(a, in.M, true)
		a.emit(std(in.S.Reg(), base, d))
	case vasm.Storeqi:
		a.LoadImm(rAsm, uint64(in.Imm))
		base, d := operand(a, in.M, true)
		a.emit(std(rAsm, base, d))
	case vasm.Storebi:
		a.emit(li(rAsm, int16(in.Imm)))
		base, d := operand(a, in.M, false)
		a.emit(stb(rAsm, base, d))
	case vasm.Lea:
		base, d := operand(a, in.M, false)
		a.emit(addi(in.D.Reg(), base, d))
	case vasm.Addqi, vasm.Subqi:
		imm := in.Imm
		if in.Op == vasm.Subqi {
			imm = -imm
		}
		d := in.D.Reg()
		if fitsInt16(imm) {
			a.emit(addi(d, d, int16(imm)))
			break
		}
		a.LoadImm(rAsm, uint64(imm))
		a.emit(add(d, d, rAsm))
	case vasm.Inclm, vasm.Declm:
		delta := int16(1)
		if in.Op == vasm.Declm {
			delta = -1
		}
		base, d := operand(a, in.M, false)
		a.emit(lwz(rAsm, base, d), addi(rAsm, rAsm, delta), stw(rAsm, base, d))
	case vasm.Cmpq:
		l.compare(a, in.S.Reg(), in.S2.Reg(), true)
	case vasm.Cmpqi:
		a.LoadImm(rAsm, uint64(in.Imm))
		l.compare(a, in.S.Reg(), rAsm, true)
	case vasm.Cmplim, vasm.Cmpqims:
		wide := in.Op == vasm.Cmpqims
		base, d := operand(a, in.M, wide)
		if wide {
			a.emit(ld(rAsm, base, d))
		} else {
			a.emit(lwz(rAsm, base, d))
		}
		a.LoadImm(rAddr, uint64(in.Imm))
		l.compare(a, rAsm, rAddr, wide)
	case vasm.Cmpbi:
		s := in.S.Reg()
		a.emit(clrlb(rAsm, s), li(rAddr, int16(uint8(in.Imm))), compare(cr1, true, rAsm, rAddr, true))
		a.emit(extsb(rAsm, s), li(rAddr, int16(int8(in.Imm))), compare(cr0, true, rAsm, rAddr, false))
	case vasm.Testq:
		a.emit(andDot(rAsm, in.S.Reg(), in.S2.Reg()))
	case vasm.Testlim:
		base, d := operand(a, in.M, false)
		a.emit(lwz(rAsm, base, d))
		a.LoadImm(rAddr, uint64(in.Imm))
		a.emit(andDot(rAsm, rAsm, rAddr))
	case vasm.Jmpi, vasm.Call:
		link := in.Op == vasm.Call
		site := a.Frontier()
		if off := int64(in.Target) - int64(site); fitsBranch(off) {
			a.emit(br(int32(off), link))
			e.Meta.AddReloc(site, in.Target)
			break
		}
		a.emit(li64(rAddr, uint64(in.Target))...)
		a.emit(mtctr(rAddr), bcctr(boAlways, 0, link))
	case vasm.Jmpr:
		a.emit(mtctr(in.S.Reg()), bctrWord)
	case vasm.Callr:
		a.emit(mtctr(in.S.Reg()), bctrlWord)
	case vasm.Ret:
		a.emit(blrWord)
	case vasm.Push:
		a.emit(stdu(in.S.Reg(), R1, -8))
	case vasm.Pop:
		a.emit(ld(in.D.Reg(), R1, 0), addi(R1, R1, 8))
	case vasm.Prologue:
		regs := in.Saved.Regs()
		frame := frameSize(len(regs))
		a.emit(mflr(R0), std(R0, R1, 16), stdu(R1, R1, -frame))
		for i, r := range regs {
			a.emit(std(r, R1, int16(32+8*i)))
		}
	case vasm.Epilogue:
		regs := in.Saved.Regs()
		frame := frameSize(len(regs))
		for i, r := range regs {
			a.emit(ld(r, R1, int16(32+8*i)))
		}
		a.emit(addi(R1, R1, frame), ld(R0, R1, 16), mtlr(R0))
	case vasm.Calls:
		l.b.EmitSmashableCall(e.CB, e.Meta, in.Target)
	case vasm.Jmps:
		l.b.EmitSmashableJump(e.CB, e.Meta, in.Target)
	case vasm.Jccs:
		l.b.EmitSmashableCondJump(e.CB, e.Meta, in.Target, in.CC)
	case vasm.Bindjcc:
		l.b.EmitSmashableCondJumpThenJump(e.CB, e.Meta, in.Target, in.Target2, in.CC)
	default:
		jit.Fatalf("ppc64: cannot lower %v", in.Op)
	}
}

// EmitBranch emits an unconditional b, preceded for a conditional branch by
// a bc on the opposite condition that skips it. The returned site is the b.
func (lowerer) EmitBranch(cb *codecache.Block, cc jit.ConditionCode) jit.TCA {
	a := NewAssembler(cb)
	if cc != jit.CondNone {
		bo, bi := condBranch(cc.Negate())
		a.emit(bc(bo, bi, 8))
	}
	site := a.Frontier()
	a.emit(br(0, false))
	return site
}

func (lowerer) PatchBranch(cb *codecache.Block, site, target jit.TCA) {
	if opcode(cb.LoadDword(site)) != 18 {
		jit.Fatalf("ppc64: no branch to patch at %v", site)
	}
	off := int64(target) - int64(site)
	if !fitsBranch(off) {
		jit.Fatalf("ppc64: branch at %v cannot reach %v", site, target)
	}
	cb.PatchDword(site, br(int32(off), false))
}
