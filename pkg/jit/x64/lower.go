package x64

import (
	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
)

type lowerer struct {
	b *Backend
}

func mem(p vasm.Vptr) Mem {
	m := Mem{Base: NoBase, Disp: p.Disp, FS: p.Seg == vasm.SegTLS}
	if p.Base.Valid() {
		m.Base = p.Base.Reg()
	}
	return m
}

func relFits(from jit.TCA, size int, target jit.TCA) bool {
	return fitsInt32(int64(target) - int64(from) - int64(size))
}

// stackPad reports whether saving n registers leaves the stack misaligned
// at a call, given the 8-byte return address already pushed.
func stackPad(n int) bool {
	return n%2 == 0
}

func (l lowerer) Lower(e *vasm.Env, in *vasm.Instr) {
	a := NewAssembler(e.CB)
	switch in.Op {
	case vasm.Nop:
		a.Nop(1)
	case vasm.Ud2:
		a.Ud2()
	case vasm.Ldimmq:
		a.MovImm(in.D.Reg(), uint64(in.Imm))
	case vasm.Ldimmqs:
		l.b.EmitSmashableLoadImm64(e.CB, e.Meta, uint64(in.Imm), in.D.Reg())
	case vasm.Copy:
		if in.S != in.D {
			a.MovRegReg(in.D.Reg(), in.S.Reg())
		}
	case vasm.Load:
		a.MovRegMem64(in.D.Reg(), mem(in.M))
	case vasm.Loadzbq:
		a.MovzxRegMem8(in.D.Reg(), mem(in.M))
	case vasm.Loadzlq:
		a.MovRegMem32(in.D.Reg(), mem(in.M))
	case vasm.Store:
		a.MovMemReg64(mem(in.M), in.S.Reg())
	case vasm.Storeqi:
		m := mem(in.M)
		if fitsInt32(in.Imm) {
			a.MovMemImm32(m, int32(in.Imm))
			break
		}
		a.MovMem32Imm32(m, int32(uint32(in.Imm)))
		m.Disp += 4
		a.MovMem32Imm32(m, int32(uint32(in.Imm>>32)))
	case vasm.Storebi:
		a.MovMem8Imm8(mem(in.M), int8(in.Imm))
	case vasm.Lea:
		a.Lea(in.D.Reg(), mem(in.M))
	case vasm.Addqi:
		a.AddRegImm32(in.D.Reg(), int32(in.Imm))
	case vasm.Subqi:
		a.SubRegImm32(in.D.Reg(), int32(in.Imm))
	case vasm.Inclm:
		a.IncMem32(mem(in.M))
	case vasm.Declm:
		a.DecMem32(mem(in.M))
	case vasm.Cmpq:
		a.CmpRegReg(in.S.Reg(), in.S2.Reg())
	case vasm.Cmpqi:
		a.CmpRegImm32(in.S.Reg(), int32(in.Imm))
	case vasm.Cmplim:
		a.CmpMem32Imm32(mem(in.M), int32(in.Imm))
	case vasm.Cmpqims:
		a.CmpMem64Imm32(mem(in.M), int32(in.Imm))
	case vasm.Cmpbi:
		a.CmpReg8Imm8(in.S.Reg(), int8(in.Imm))
	case vasm.Testq:
		a.TestRegReg(in.S.Reg(), in.S2.Reg())
	case vasm.Testlim:
		a.TestMem32Imm32(mem(in.M), int32(in.Imm))
	case vasm.Jmpi:
		site := a.Frontier()
		if relFits(site, 5, in.Target) {
			a.JmpRel32(rel32(site, 5, in.Target))
			e.Meta.AddReloc(site, in.Target)
			break
		}
		a.MovRegImm64(rAsm, uint64(in.Target))
		a.JmpReg(rAsm)
	case vasm.Jmpr:
		a.JmpReg(in.S.Reg())
	case vasm.Call:
		site := a.Frontier()
		if relFits(site, 5, in.Target) {
			a.CallRel32(rel32(site, 5, in.Target))
			e.Meta.AddReloc(site, in.Target)
			break
		}
		a.MovRegImm64(rAsm, uint64(in.Target))
		a.CallReg(rAsm)
	case vasm.Callr:
		a.CallReg(in.S.Reg())
	case vasm.Ret:
		a.Ret()
	case vasm.Push:
		a.Push(in.S.Reg())
	case vasm.Pop:
		a.Pop(in.D.Reg())
	case vasm.Prologue:
		regs := in.Saved.Regs()
		for _, r := range regs {
			a.Push(r)
		}
		if stackPad(len(regs)) {
			a.SubRegImm32(RSP, 8)
		}
	case vasm.Epilogue:
		regs := in.Saved.Regs()
		if stackPad(len(regs)) {
			a.AddRegImm32(RSP, 8)
		}
		for i := len(regs) - 1; i >= 0; i-- {
			a.Pop(regs[i])
		}
	case vasm.Calls:
		l.b.EmitSmashableCall(e.CB, e.Meta, in.Target)
	case vasm.Jmps:
		l.b.EmitSmashableJump(e.CB, e.Meta, in.Target)
	case vasm.Jccs:
		l.b.EmitSmashableCondJump(e.CB, e.Meta, in.Target, in.CC)
	case vasm.Bindjcc:
		l.b.EmitSmashableCondJumpThenJump(e.CB, e.Meta, in.Target, in.Target2, in.CC)
	default:
		jit.Fatalf("x64: cannot lower %v", in.Op)
	}
}

// EmitBranch emits a rel32 jmp or jcc with a zero displacement.
func (lowerer) EmitBranch(cb *codecache.Block, cc jit.ConditionCode) jit.TCA {
	a := NewAssembler(cb)
	site := a.Frontier()
	if cc == jit.CondNone {
		a.JmpRel32(0)
	} else {
		a.JccRel32(cc, 0)
	}
	return site
}

func (lowerer) PatchBranch(cb *codecache.Block, site, target jit.TCA) {
	off, size := 1, 5
	if cb.Read(site, 1)[0] == 0x0F {
		off, size = 2, 6
	}
	rel := rel32(site, size, target)
	cb.WithCursor(site+jit.TCA(off), func() {
		NewAssembler(cb).emitInt32(rel)
	})
}
