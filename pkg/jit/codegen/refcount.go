package codegen

import (
	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
)

func refCount(ctx *Context, data vasm.Vreg) vasm.Vptr {
	return data.At(ctx.Layout.RefCountOffset)
}

// emitAssertRefCount traps on a count that is neither static nor
// plausible.
func emitAssertRefCount(v *vasm.Vout, ctx *Context, data vasm.Vreg) {
	rc := refCount(ctx, data)
	v.Cmplim(StaticRefCount, rc)
	IfThen(v, jit.CondG, func(v *vasm.Vout) {
		v.Cmplim(RefCountMaxRealistic, rc)
		IfThen(v, jit.CondA, func(v *vasm.Vout) { v.Ud2() })
	})
}

// emitAssertNonNegative re-reads the count, since not every target sets
// flags from the memory increment itself.
func emitAssertNonNegative(v *vasm.Vout, rc vasm.Vptr) {
	v.Cmplim(0, rc)
	IfThen(v, jit.CondL, func(v *vasm.Vout) { v.Ud2() })
}

// EmitIncRef increments the count of the heap object in data, which must
// be refcounted and not static.
func EmitIncRef(v *vasm.Vout, ctx *Context, data vasm.Vreg) {
	rc := refCount(ctx, data)
	if ctx.GenerateAsserts {
		emitAssertRefCount(v, ctx, data)
	}
	v.Inclm(rc)
	if ctx.GenerateAsserts {
		emitAssertNonNegative(v, rc)
	}
}

// EmitIncRefCheckNonStatic increments data's count when typ is a counted
// tag and the count is not static.
func EmitIncRefCheckNonStatic(v *vasm.Vout, ctx *Context, data, typ vasm.Vreg) {
	v.Cmpbi(typ, int8(RefCountThreshold))
	IfThen(v, jit.CondG, func(v *vasm.Vout) {
		v.Cmplim(0, refCount(ctx, data))
		IfThen(v, jit.CondGE, func(v *vasm.Vout) { EmitIncRef(v, ctx, data) })
	})
}

// EmitDecRef releases one reference to the value (data, typ). Values with
// an uncounted tag are left alone; otherwise see EmitDecRefWork.
func EmitDecRef(v, vcold *vasm.Vout, ctx *Context, data, typ vasm.Vreg, destroy func(v *vasm.Vout)) {
	v.Cmpbi(typ, int8(RefCountThreshold))
	IfThen(v, jit.CondG, func(v *vasm.Vout) {
		EmitDecRefWork(v, vcold, ctx, data, destroy)
	})
}

// EmitDecRefWork releases one reference to the counted, possibly static,
// heap object in data. A count of one runs destroy in the cold area
// instead of decrementing; static counts are skipped.
func EmitDecRefWork(v, vcold *vasm.Vout, ctx *Context, data vasm.Vreg, destroy func(v *vasm.Vout)) {
	rc := refCount(ctx, data)
	if ctx.GenerateAsserts {
		emitAssertRefCount(v, ctx, data)
	}
	v.Cmplim(1, rc)
	UnlikelyIfThenElse(v, vcold, jit.CondE, destroy, func(v *vasm.Vout) {
		// Same flags: a negative count is static.
		IfThen(v, jit.CondGE, func(v *vasm.Vout) {
			v.Declm(rc)
			if ctx.GenerateAsserts {
				emitAssertNonNegative(v, rc)
			}
		})
	})
}
