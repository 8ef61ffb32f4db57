package codegen

import (
	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
)

// EmitTestSurpriseFlags tests the request's surprise flag word, based at
// rds. CondNE holds afterwards when any flag is set.
func EmitTestSurpriseFlags(v *vasm.Vout, ctx *Context, rds vasm.Vreg) {
	v.Testlim(-1, rds.At(ctx.Layout.SurpriseFlagsOffset))
}

// EmitCheckSurpriseFlagsEnter polls the surprise flags on function entry.
// When one is set, cold code calls handler with the VM frame pointer and
// resumes at the check's end.
func EmitCheckSurpriseFlagsEnter(v, vcold *vasm.Vout, ctx *Context, rds vasm.Vreg, handler CallSpec) {
	EmitTestSurpriseFlags(v, ctx, rds)
	UnlikelyIfThen(v, vcold, jit.CondNE, func(v *vasm.Vout) {
		v.Copy(vasm.Phys(ctx.ABI.VMFP), vasm.Phys(ctx.ABI.Arg(0)))
		EmitCall(v, ctx, handler, ctx.ABI.ArgSet(1))
	})
}
