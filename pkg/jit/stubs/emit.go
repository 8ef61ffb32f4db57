package stubs

import (
	"fmt"

	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/codegen"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
)

func phys(r jit.Reg) vasm.Vreg { return vasm.Phys(r) }

// scratchSaved returns a callee-saved register the VM does not pin.
func scratchSaved(abi *jit.ABI) jit.Reg {
	for _, r := range abi.CalleeSaved.Regs() {
		if r != abi.VMFP && r != abi.VMSP && r != abi.VMTL {
			return r
		}
	}
	jit.Fatalf("no free callee-saved register")
	return jit.InvalidReg
}

func (bl *builder) emitFunctionEnterHelper() {
	ctx, abi := bl.ctx, bl.ctx.ABI
	target := phys(scratchSaved(abi))
	ret := phys(abi.Ret(0))
	var exit vasm.Label

	l := bl.unit("functionEnterHelper", jit.AlignJmpTarget, func(v, vcold *vasm.Vout) {
		exit = v.MakeBlock()

		v.Prologue(abi.CalleeSaved)
		v.Copy(phys(abi.Arg(0)), target)
		v.Copy(phys(abi.Arg(1)), phys(abi.VMFP))
		v.Copy(phys(abi.Arg(2)), phys(abi.VMTL))

		codegen.EmitTestSurpriseFlags(v, ctx, phys(abi.VMTL))
		codegen.UnlikelyIfThen(v, vcold, jit.CondNE, func(v *vasm.Vout) {
			v.Copy(phys(abi.VMFP), phys(abi.Arg(0)))
			codegen.EmitCall(v, ctx, codegen.Direct(bl.rt.HandleSurprise), abi.ArgSet(1))
			v.Testq(ret, ret)
			cont := v.MakeBlock()
			v.Jcc(jit.CondE, exit, cont)
			v.Use(cont)
		})
		codegen.EmitCall(v, ctx, codegen.Indirect(target), 0)
		v.Jmp(exit)

		v.Use(exit)
		v.Epilogue(abi.CalleeSaved)
		v.Ret()
	})
	bl.us.FunctionEnterHelper = bl.publish("functionEnterHelper", l, l.Unit.Entry)
	bl.us.EnterTCExit = bl.publish("enterTCExit", l, exit)
}

// emitCallToExit drops the return address pushed by the call into the
// translation, if the target pushes one, and leaves through EnterTCExit.
func (bl *builder) emitCallToExit() {
	abi := bl.ctx.ABI
	l := bl.unit("callToExit", jit.AlignJmpTarget, func(v, _ *vasm.Vout) {
		if abi.ReturnAddrSize > 0 {
			v.Addqi(abi.ReturnAddrSize, phys(abi.SP))
		}
		v.Jmpi(bl.us.EnterTCExit)
	})
	bl.us.CallToExit = bl.publish("callToExit", l, l.Unit.Entry)
}

// Register assignment shared by DecRefHelper and the free-locals helpers.
// local and last survive a call to DecRefHelper.
func (bl *builder) localsRegs() (local, last, typ vasm.Vreg, live jit.RegSet) {
	abi := bl.ctx.ABI
	local, last, typ = phys(abi.Arg(1)), phys(abi.Arg(2)), phys(abi.Arg(3))
	return local, last, typ, jit.MakeRegSet(abi.Arg(1), abi.Arg(2))
}

func (bl *builder) emitDecRefHelper() {
	ctx, abi := bl.ctx, bl.ctx.ABI
	local, _, typ, live := bl.localsRegs()
	data := phys(abi.Arg(0))

	l := bl.unit("decRefHelper", jit.AlignCacheLine, func(v, vcold *vasm.Vout) {
		v.Load(local.At(ctx.Layout.DataOffset), data)
		codegen.EmitDecRefWork(v, vcold, ctx, data, func(v *vasm.Vout) {
			v.Prologue(live)
			v.Copy(typ, phys(abi.Arg(1)))
			codegen.EmitCall(v, ctx, codegen.Direct(bl.rt.Release), abi.ArgSet(2))
			v.Epilogue(live)
		})
		v.Ret()
	})
	bl.us.DecRefHelper = bl.publish("decRefHelper", l, l.Unit.Entry)
}

func (bl *builder) emitFreeLocalsHelpers() {
	bl.emitDecRefHelper()

	ctx, abi := bl.ctx, bl.ctx.ABI
	n := ctx.FreeLocalsUnroll
	local, last, typ, live := bl.localsRegs()
	fp := phys(abi.VMFP)

	// decRefSlot releases the value at base+disp if its tag is counted,
	// leaving the check for a static count to DecRefHelper.
	decRefSlot := func(v *vasm.Vout, base vasm.Vreg, disp int32) {
		v.Loadzbq(base.At(disp+ctx.Layout.TypeOffset), typ)
		v.Cmpbi(typ, int8(codegen.RefCountThreshold))
		codegen.IfThen(v, jit.CondG, func(v *vasm.Vout) {
			if base != local || disp != 0 {
				v.Lea(base.At(disp), local)
			}
			codegen.EmitCall(v, ctx, codegen.Direct(bl.us.DecRefHelper), live.Add(typ.Reg()))
		})
	}

	entries := make([]vasm.Label, n)
	l := bl.unit("freeLocalsHelpers", jit.AlignCacheLine, func(v, _ *vasm.Vout) {
		// The entry block is FreeManyLocalsHelper. It loops over the slots
		// below the unrolled ones, so the frame must hold more than n.
		v.Prologue(0)
		v.Lea(fp.At(ctx.Layout.LocalOffset(n-1)), last)
		codegen.DoWhile(v, jit.CondNE, func(v *vasm.Vout) {
			decRefSlot(v, local, 0)
			v.Addqi(ctx.Layout.TVSize, local)
			v.Cmpq(local, last)
		})

		bodies := make([]vasm.Label, n)
		for i := n - 1; i >= 0; i-- {
			bodies[i] = v.MakeBlock()
			v.Jmp(bodies[i])
			v.Use(bodies[i])
			decRefSlot(v, fp, ctx.Layout.LocalOffset(i))
		}
		v.Epilogue(0)
		v.Ret()

		for i := range entries {
			entries[i] = v.MakeBlock()
			v.Use(entries[i])
			v.Prologue(0)
			v.Jmp(bodies[i])
		}
	})
	bl.us.FreeManyLocalsHelper = bl.publish("freeManyLocalsHelper", l, l.Unit.Entry)
	bl.us.FreeLocalsHelpers = make([]jit.TCA, n)
	for i, lbl := range entries {
		bl.us.FreeLocalsHelpers[i] = bl.publish(fmt.Sprintf("freeLocalsHelper[%d]", i), l, lbl)
	}
}

// emitEndCatchHelper asks the unwinder where to go after a catch. A catch
// trace is jumped to; otherwise unwinding resumes with the exception in
// flight.
func (bl *builder) emitEndCatchHelper() {
	ctx, abi := bl.ctx, bl.ctx.ABI
	ret := phys(abi.Ret(0))
	arg0 := phys(abi.Arg(0))

	l := bl.unit("endCatchHelper", jit.AlignJmpTarget, func(v, _ *vasm.Vout) {
		v.Copy(phys(abi.VMFP), arg0)
		codegen.EmitCall(v, ctx, codegen.Direct(bl.rt.UnwindResume), abi.ArgSet(1))
		v.Testq(ret, ret)
		codegen.IfThen(v, jit.CondNE, func(v *vasm.Vout) { v.Jmpr(ret) })

		codegen.EmitTLSLoad(v, ctx, bl.rt.UnwinderException, arg0)
		codegen.EmitCall(v, ctx, codegen.Direct(bl.rt.ResumeUnwind), abi.ArgSet(1))
		v.Ud2()
	})
	bl.us.EndCatchHelper = bl.publish("endCatchHelper", l, l.Unit.Entry)
}
