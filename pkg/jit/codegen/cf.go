package codegen

import (
	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
)

// The control-flow helpers branch on the flags set by the last compare or
// test. Bodies may leave v positioned on a different block, and a body that
// ends in a terminal does not rejoin.

func rejoin(v *vasm.Vout, done vasm.Label) {
	if !v.Closed() {
		v.Jmp(done)
	}
}

// IfThen runs then when cc holds and continues after it either way.
func IfThen(v *vasm.Vout, cc jit.ConditionCode, then func(v *vasm.Vout)) {
	body := v.MakeBlock()
	done := v.MakeBlock()
	v.Jcc(cc, body, done)
	v.Use(body)
	then(v)
	rejoin(v, done)
	v.Use(done)
}

func IfThenElse(v *vasm.Vout, cc jit.ConditionCode, then, els func(v *vasm.Vout)) {
	thenBlock := v.MakeBlock()
	elseBlock := v.MakeBlock()
	done := v.MakeBlock()
	v.Jcc(cc, thenBlock, elseBlock)
	v.Use(thenBlock)
	then(v)
	rejoin(v, done)
	v.Use(elseBlock)
	els(v)
	rejoin(v, done)
	v.Use(done)
}

// UnlikelyIfThen places then in vcold's area, out of the straight-line
// path.
func UnlikelyIfThen(v, vcold *vasm.Vout, cc jit.ConditionCode, then func(v *vasm.Vout)) {
	c := vcold.Unit().Out(vcold.MakeBlock())
	done := v.MakeBlock()
	v.Jcc(cc, c.Block(), done)
	then(c)
	rejoin(c, done)
	v.Use(done)
}

// UnlikelyIfThenElse is IfThenElse with the then arm in the cold area.
func UnlikelyIfThenElse(v, vcold *vasm.Vout, cc jit.ConditionCode, then, els func(v *vasm.Vout)) {
	c := vcold.Unit().Out(vcold.MakeBlock())
	elseBlock := v.MakeBlock()
	done := v.MakeBlock()
	v.Jcc(cc, c.Block(), elseBlock)
	then(c)
	rejoin(c, done)
	v.Use(elseBlock)
	els(v)
	rejoin(v, done)
	v.Use(done)
}

// DoWhile runs body, which must end by setting flags, and repeats it while
// cc holds.
func DoWhile(v *vasm.Vout, cc jit.ConditionCode, body func(v *vasm.Vout)) {
	loop := v.MakeBlock()
	v.Jmp(loop)
	v.Use(loop)
	body(v)
	done := v.MakeBlock()
	v.Jcc(cc, loop, done)
	v.Use(done)
}
