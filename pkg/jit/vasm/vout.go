package vasm

import "github.com/ascrivener/tcgen/pkg/jit"

// Vout appends instructions to one block of a unit. Use switches it to
// another block, which is how helpers continue after a branch.
type Vout struct {
	unit  *Unit
	block Label
}

func (v *Vout) Unit() *Unit  { return v.unit }
func (v *Vout) Block() Label { return v.block }
func (v *Vout) Area() Area   { return v.unit.Blocks[v.block].Area }

// MakeBlock returns a new block in the same area as v.
func (v *Vout) MakeBlock() Label {
	return v.unit.MakeBlock(v.Area())
}

func (v *Vout) MakeReg() Vreg {
	return v.unit.MakeReg()
}

// Use points v at block l.
func (v *Vout) Use(l Label) {
	v.block = l
}

// Closed reports whether the current block already ends in a terminal.
func (v *Vout) Closed() bool {
	code := v.unit.Blocks[v.block].Code
	return len(code) > 0 && code[len(code)-1].Op.Terminal()
}

// Append adds in to the current block.
func (v *Vout) Append(in Instr) {
	if v.Closed() {
		jit.Fatalf("%s: appending %v to terminated block B%d", v.unit.Name, in.Op, v.block)
	}
	b := &v.unit.Blocks[v.block]
	b.Code = append(b.Code, in)
}

func mk(op Op) Instr {
	return Instr{
		Op:    op,
		CC:    jit.CondNone,
		D:     InvalidVreg,
		S:     InvalidVreg,
		S2:    InvalidVreg,
		M:     Vptr{Base: InvalidVreg},
		Taken: NoLabel,
		Next:  NoLabel,
	}
}

func (v *Vout) emit(in Instr) { v.Append(in) }

func (v *Vout) Nop() { v.emit(mk(Nop)) }
func (v *Vout) Ud2() { v.emit(mk(Ud2)) }

func (v *Vout) Ldimmq(imm uint64, d Vreg) {
	in := mk(Ldimmq)
	in.Imm, in.D = int64(imm), d
	v.emit(in)
}

func (v *Vout) Copy(s, d Vreg) {
	in := mk(Copy)
	in.S, in.D = s, d
	v.emit(in)
}

func (v *Vout) memDst(op Op, m Vptr, d Vreg) {
	in := mk(op)
	in.M, in.D = m, d
	v.emit(in)
}

func (v *Vout) Load(m Vptr, d Vreg)    { v.memDst(Load, m, d) }
func (v *Vout) Loadzbq(m Vptr, d Vreg) { v.memDst(Loadzbq, m, d) }
func (v *Vout) Loadzlq(m Vptr, d Vreg) { v.memDst(Loadzlq, m, d) }
func (v *Vout) Lea(m Vptr, d Vreg)     { v.memDst(Lea, m, d) }

func (v *Vout) Store(s Vreg, m Vptr) {
	in := mk(Store)
	in.S, in.M = s, m
	v.emit(in)
}

func (v *Vout) memImm(op Op, imm int64, m Vptr) {
	in := mk(op)
	in.Imm, in.M = imm, m
	v.emit(in)
}

// Storeqi stores a 64-bit immediate; backends split values that do not
// fit a sign-extended 32-bit store.
func (v *Vout) Storeqi(imm int64, m Vptr) { v.memImm(Storeqi, imm, m) }
func (v *Vout) Storebi(imm int8, m Vptr)  { v.memImm(Storebi, int64(imm), m) }
func (v *Vout) Inclm(m Vptr)              { v.memImm(Inclm, 0, m) }
func (v *Vout) Declm(m Vptr)              { v.memImm(Declm, 0, m) }
func (v *Vout) Cmplim(imm int32, m Vptr)  { v.memImm(Cmplim, int64(imm), m) }
func (v *Vout) Testlim(imm int32, m Vptr) { v.memImm(Testlim, int64(imm), m) }
func (v *Vout) Cmpqims(imm int32, m Vptr) { v.memImm(Cmpqims, int64(imm), m) }

func (v *Vout) Addqi(imm int32, d Vreg) {
	in := mk(Addqi)
	in.Imm, in.D = int64(imm), d
	v.emit(in)
}

func (v *Vout) Subqi(imm int32, d Vreg) {
	in := mk(Subqi)
	in.Imm, in.D = int64(imm), d
	v.emit(in)
}

func (v *Vout) Cmpq(left, right Vreg) {
	in := mk(Cmpq)
	in.S, in.S2 = left, right
	v.emit(in)
}

func (v *Vout) Testq(left, right Vreg) {
	in := mk(Testq)
	in.S, in.S2 = left, right
	v.emit(in)
}

func (v *Vout) Cmpqi(left Vreg, imm int32) {
	in := mk(Cmpqi)
	in.S, in.Imm = left, int64(imm)
	v.emit(in)
}

func (v *Vout) Cmpbi(left Vreg, imm int8) {
	in := mk(Cmpbi)
	in.S, in.Imm = left, int64(imm)
	v.emit(in)
}

// Jcc branches to taken when cc holds and continues at next otherwise.
func (v *Vout) Jcc(cc jit.ConditionCode, taken, next Label) {
	if !cc.Valid() {
		jit.Fatalf("jcc with condition %v", cc)
	}
	in := mk(Jcc)
	in.CC, in.Taken, in.Next = cc, taken, next
	v.emit(in)
}

func (v *Vout) Jmp(target Label) {
	in := mk(Jmp)
	in.Taken = target
	v.emit(in)
}

func (v *Vout) Jmpi(target jit.TCA) {
	in := mk(Jmpi)
	in.Target = target
	v.emit(in)
}

func (v *Vout) Jmpr(s Vreg) {
	in := mk(Jmpr)
	in.S = s
	v.emit(in)
}

func (v *Vout) Call(target jit.TCA, args jit.RegSet) {
	in := mk(Call)
	in.Target, in.Args = target, args
	v.emit(in)
}

func (v *Vout) Callr(s Vreg, args jit.RegSet) {
	in := mk(Callr)
	in.S, in.Args = s, args
	v.emit(in)
}

func (v *Vout) Ret() { v.emit(mk(Ret)) }

func (v *Vout) Push(s Vreg) {
	in := mk(Push)
	in.S = s
	v.emit(in)
}

func (v *Vout) Pop(d Vreg) {
	in := mk(Pop)
	in.D = d
	v.emit(in)
}

func (v *Vout) Prologue(saved jit.RegSet) {
	in := mk(Prologue)
	in.Saved = saved
	v.emit(in)
}

func (v *Vout) Epilogue(saved jit.RegSet) {
	in := mk(Epilogue)
	in.Saved = saved
	v.emit(in)
}

func (v *Vout) Ldimmqs(imm uint64, d Vreg) {
	in := mk(Ldimmqs)
	in.Imm, in.D = int64(imm), d
	v.emit(in)
}

func (v *Vout) Calls(target jit.TCA, args jit.RegSet) {
	in := mk(Calls)
	in.Target, in.Args = target, args
	v.emit(in)
}

func (v *Vout) Jmps(target jit.TCA) {
	in := mk(Jmps)
	in.Target = target
	v.emit(in)
}

// Jccs is a smashable conditional branch to target falling through to next.
func (v *Vout) Jccs(cc jit.ConditionCode, target jit.TCA, next Label) {
	if !cc.Valid() {
		jit.Fatalf("jccs with condition %v", cc)
	}
	in := mk(Jccs)
	in.CC, in.Target, in.Next = cc, target, next
	v.emit(in)
}

// Bindjcc emits both arms of a branch as a smashable pair, each aimed at a
// placeholder until the real targets exist.
func (v *Vout) Bindjcc(cc jit.ConditionCode, taken, next jit.TCA) {
	if !cc.Valid() {
		jit.Fatalf("bindjcc with condition %v", cc)
	}
	in := mk(Bindjcc)
	in.CC, in.Target, in.Target2 = cc, taken, next
	v.emit(in)
}
