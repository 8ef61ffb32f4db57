package ppc64

import (
	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
)

var shapes = jit.ShapeTable{
	jit.KindLoadImm64:        {Len: 20, Align: 32},
	jit.KindCmpImm32:         {Len: 20, Align: 32},
	jit.KindCall:             {Len: 28, Align: 32},
	jit.KindJump:             {Len: 28, Align: 32},
	jit.KindCondJump:         {Len: 28, Align: 32},
	jit.KindCondJumpThenJump: {Len: 60, Align: 64},
}

const (
	maxShortFill = 28
	pairJmpOff   = 32
	branchWords  = 7
)

// condBits maps each condition to the condition register bit it tests and
// whether the branch is taken when the bit is set. Compares set cr0 from a
// signed and cr1 from an unsigned comparison.
var condBits = [16]struct {
	bi    uint32
	sense bool
}{
	jit.CondO:  {4*cr0 + bitSO, true},
	jit.CondNO: {4*cr0 + bitSO, false},
	jit.CondB:  {4*cr1 + bitLT, true},
	jit.CondAE: {4*cr1 + bitLT, false},
	jit.CondE:  {4*cr0 + bitEQ, true},
	jit.CondNE: {4*cr0 + bitEQ, false},
	jit.CondBE: {4*cr1 + bitGT, false},
	jit.CondA:  {4*cr1 + bitGT, true},
	// There is no sign flag; the sign of a compared value is its cr0 LT bit.
	jit.CondS:  {4*cr0 + bitLT, true},
	jit.CondNS: {4*cr0 + bitLT, false},
	jit.CondP:  {4*cr1 + bitSO, true},
	jit.CondNP: {4*cr1 + bitSO, false},
	jit.CondL:  {4*cr0 + bitLT, true},
	jit.CondGE: {4*cr0 + bitLT, false},
	jit.CondLE: {4*cr0 + bitGT, false},
	jit.CondG:  {4*cr0 + bitGT, true},
}

func condBranch(cc jit.ConditionCode) (bo, bi uint32) {
	if cc == jit.CondNone {
		return boAlways, 0
	}
	if !cc.Valid() {
		jit.Fatalf("ppc64: branch on condition %v", cc)
	}
	c := condBits[cc]
	if c.sense {
		return boTrue, c.bi
	}
	return boFalse, c.bi
}

// condFromBranch inverts condBranch. S and NS test the same bit as L and GE
// and decode as the latter.
func condFromBranch(bo, bi uint32) jit.ConditionCode {
	for cc := jit.CondO; cc <= jit.CondG; cc++ {
		if cc == jit.CondS || cc == jit.CondNS {
			continue
		}
		if wbo, wbi := condBranch(cc); wbo == bo && wbi == bi {
			return cc
		}
	}
	return jit.CondInvalid
}

func isBcctr(w uint32) bool {
	return opcode(w) == 19 && (w>>1)&0x3FF == 528
}

func callSeq(target jit.TCA) []uint32 {
	return append(li64(rAddr, uint64(target)), mtctr(rAddr), bctrlWord)
}

func jumpSeq(target jit.TCA) []uint32 {
	return append(li64(rAddr, uint64(target)), mtctr(rAddr), bctrWord)
}

func condJumpSeq(target jit.TCA, bo, bi uint32) []uint32 {
	return append(li64(rAddr, uint64(target)), mtctr(rAddr), bcctr(bo, bi, false))
}

func cmpSeq(imm int32, base Reg, disp int8) []uint32 {
	return append(li32(rAsm, imm),
		ld(rAddr, base, int16(disp)),
		compare(cr0, true, rAddr, rAsm, false),
		compare(cr1, true, rAddr, rAsm, true))
}

func (b *Backend) prepare(cb *codecache.Block, k jit.Kind) *Assembler {
	a := NewAssembler(cb)
	a.AlignTo(shapes[k].Align)
	return a
}

func (b *Backend) EmitSmashableLoadImm64(cb *codecache.Block, meta *jit.Meta, imm uint64, d jit.Reg) jit.TCA {
	a := b.prepare(cb, jit.KindLoadImm64)
	inst := a.Frontier()
	a.emit(li64(d, imm)...)
	meta.AddSmashable(inst, jit.KindLoadImm64)
	return inst
}

// EmitSmashableCmpImm32 compares the doubleword at disp(base) with imm,
// setting cr0 (signed) and cr1 (unsigned).
func (b *Backend) EmitSmashableCmpImm32(cb *codecache.Block, meta *jit.Meta, imm int32, base jit.Reg, disp int8) jit.TCA {
	seq := cmpSeq(imm, base, disp)
	a := b.prepare(cb, jit.KindCmpImm32)
	inst := a.Frontier()
	a.emit(seq...)
	meta.AddSmashable(inst, jit.KindCmpImm32)
	return inst
}

func (b *Backend) EmitSmashableCall(cb *codecache.Block, meta *jit.Meta, target jit.TCA) jit.TCA {
	a := b.prepare(cb, jit.KindCall)
	inst := a.Frontier()
	a.emit(callSeq(target)...)
	meta.AddSmashable(inst, jit.KindCall)
	return inst
}

func (b *Backend) EmitSmashableJump(cb *codecache.Block, meta *jit.Meta, target jit.TCA) jit.TCA {
	a := b.prepare(cb, jit.KindJump)
	inst := a.Frontier()
	a.emit(jumpSeq(target)...)
	meta.AddSmashable(inst, jit.KindJump)
	return inst
}

func (b *Backend) EmitSmashableCondJump(cb *codecache.Block, meta *jit.Meta, target jit.TCA, cc jit.ConditionCode) jit.TCA {
	if !cc.Valid() {
		jit.Fatalf("ppc64: conditional jump with condition %v", cc)
	}
	bo, bi := condBranch(cc)
	a := b.prepare(cb, jit.KindCondJump)
	inst := a.Frontier()
	a.emit(condJumpSeq(target, bo, bi)...)
	meta.AddSmashable(inst, jit.KindCondJump)
	return inst
}

func (b *Backend) EmitSmashableCondJumpThenJump(cb *codecache.Block, meta *jit.Meta, target, fallthru jit.TCA, cc jit.ConditionCode) (jcc, jmp jit.TCA) {
	if !cc.Valid() {
		jit.Fatalf("ppc64: conditional jump with condition %v", cc)
	}
	bo, bi := condBranch(cc)
	a := b.prepare(cb, jit.KindCondJumpThenJump)
	jcc = a.Frontier()
	a.emit(condJumpSeq(target, bo, bi)...)
	a.emit(nopWord)
	jmp = a.Frontier()
	a.emit(jumpSeq(fallthru)...)
	meta.AddSmashable(jcc, jit.KindCondJump)
	meta.AddSmashable(jmp, jit.KindJump)
	return jcc, jmp
}

func (b *Backend) site(inst jit.TCA, k jit.Kind) *codecache.Block {
	cb, ok := b.dir.BlockFor(inst)
	if !ok {
		jit.Fatalf("smash %v: %v is not in any code block", k, inst)
	}
	if !inst.Aligned(shapes[k].Align) {
		jit.Fatalf("smash %v: %v is not %d-byte aligned", k, inst, shapes[k].Align)
	}
	if inst+jit.TCA(shapes[k].Len) > cb.End() {
		jit.Fatalf("smash %v: %v runs past the end of block %s", k, inst, cb.Name())
	}
	return cb
}

func (b *Backend) peek(inst jit.TCA, k jit.Kind) (*codecache.Block, bool) {
	cb, ok := b.dir.BlockFor(inst)
	if !ok || !inst.Aligned(shapes[k].Align) || inst+jit.TCA(shapes[k].Len) > cb.End() {
		return nil, false
	}
	return cb, true
}

func words(cb *codecache.Block, inst jit.TCA, n int) []uint32 {
	w := make([]uint32, n)
	for i := range w {
		w[i] = cb.LoadDword(inst + jit.TCA(4*i))
	}
	return w
}

// patch stores the words of seq that differ from what is at inst, one
// aligned word store each. Wide immediates span several words, so a thread
// executing the sequence during the patch can observe a mix of old and new
// halves. Retargets that change a single 16-bit chunk are one store.
func patch(cb *codecache.Block, inst jit.TCA, seq []uint32) {
	for i, w := range seq {
		addr := inst + jit.TCA(4*i)
		if cb.LoadDword(addr) != w {
			cb.PatchDword(addr, w)
		}
	}
}

// branchTarget decodes li64 r12; mtctr r12; <last> and returns the target
// and the final word.
func branchTarget(w []uint32) (jit.TCA, uint32, bool) {
	imm, rt, ok := decodeLi64(w)
	if !ok || rt != rAddr || w[5] != mtctr(rAddr) {
		return jit.NoTCA, 0, false
	}
	return jit.TCA(imm), w[6], true
}

func leadingNops(w []uint32) int {
	n := 0
	for n < len(w) && w[n] == nopWord {
		n++
	}
	return n
}

func (b *Backend) SmashLoadImm64(inst jit.TCA, imm uint64) {
	cb := b.site(inst, jit.KindLoadImm64)
	_, rt, ok := decodeLi64(words(cb, inst, 5))
	if !ok {
		jit.Fatalf("smash LoadImm64: no li64 at %v", inst)
	}
	patch(cb, inst, li64(rt, imm))
	jit.Logger().Trace().Stringer("inst", inst).Uint64("imm", imm).Msg("smashed imm64")
}

func (b *Backend) SmashCmpImm32(inst jit.TCA, imm int32) {
	cb := b.site(inst, jit.KindCmpImm32)
	w := words(cb, inst, 5)
	if _, rt, ok := decodeLi32(w); !ok || rt != rAsm || opcode(w[2]) != 58 {
		jit.Fatalf("smash CmpImm32: no compare at %v", inst)
	}
	patch(cb, inst, li32(rAsm, imm))
	jit.Logger().Trace().Stringer("inst", inst).Int32("imm", imm).Msg("smashed cmp")
}

func (b *Backend) SmashCall(inst, target jit.TCA) {
	cb := b.site(inst, jit.KindCall)
	if _, last, ok := branchTarget(words(cb, inst, branchWords)); !ok || last != bctrlWord {
		jit.Fatalf("smash Call: no call at %v", inst)
	}
	patch(cb, inst, callSeq(target))
	jit.Logger().Trace().Stringer("inst", inst).Stringer("target", target).Msg("smashed call")
}

// SmashJump retargets the jump at inst. A word-aligned target at most
// maxShortFill bytes ahead is reached by running through nops.
func (b *Backend) SmashJump(inst, target jit.TCA) {
	cb := b.site(inst, jit.KindJump)
	w := words(cb, inst, branchWords)
	if _, last, ok := branchTarget(w); !(ok && last == bctrWord) && leadingNops(w) == 0 {
		jit.Fatalf("smash Jump: no jump at %v", inst)
	}
	if gap := int64(target) - int64(inst); gap > 0 && gap <= maxShortFill && gap%4 == 0 {
		fill := make([]uint32, gap/4)
		for i := range fill {
			fill[i] = nopWord
		}
		patch(cb, inst, fill)
	} else {
		patch(cb, inst, jumpSeq(target))
	}
	jit.Logger().Trace().Stringer("inst", inst).Stringer("target", target).Msg("smashed jump")
}

// SmashCondJump retargets the conditional jump at inst, replacing its
// condition unless cc is CondNone.
func (b *Backend) SmashCondJump(inst, target jit.TCA, cc jit.ConditionCode) {
	cb := b.site(inst, jit.KindCondJump)
	_, last, ok := branchTarget(words(cb, inst, branchWords))
	if !ok || !isBcctr(last) || last&1 != 0 || last>>21&31 == boAlways {
		jit.Fatalf("smash CondJump: no conditional jump at %v", inst)
	}
	bo, bi := last>>21&31, last>>16&31
	if cc != jit.CondNone {
		if !cc.Valid() {
			jit.Fatalf("smash CondJump: condition %v", cc)
		}
		bo, bi = condBranch(cc)
	}
	patch(cb, inst, condJumpSeq(target, bo, bi))
	jit.Logger().Trace().Stringer("inst", inst).Stringer("target", target).Stringer("cc", cc).Msg("smashed jcc")
}

func (b *Backend) SmashableLoadImm64(inst jit.TCA) (uint64, bool) {
	cb, ok := b.peek(inst, jit.KindLoadImm64)
	if !ok {
		return 0, false
	}
	imm, _, ok := decodeLi64(words(cb, inst, 5))
	return imm, ok
}

func (b *Backend) SmashableCmpImm32(inst jit.TCA) (int32, bool) {
	cb, ok := b.peek(inst, jit.KindCmpImm32)
	if !ok {
		return 0, false
	}
	w := words(cb, inst, 5)
	imm, rt, ok := decodeLi32(w)
	if !ok || rt != rAsm || opcode(w[2]) != 58 {
		return 0, false
	}
	return imm, true
}

func (b *Backend) SmashableCallTarget(inst jit.TCA) jit.TCA {
	cb, ok := b.peek(inst, jit.KindCall)
	if !ok {
		return jit.NoTCA
	}
	target, last, ok := branchTarget(words(cb, inst, branchWords))
	if !ok || last != bctrlWord {
		return jit.NoTCA
	}
	return target
}

// SmashableJumpTarget decodes the jump at inst. A short-filled jump is a run
// of nop words followed by the tail of the jump it replaced (mtctr r12;
// bctr). Seven nop words, a jump filled to its own end, cannot be told apart
// from alignment padding and decode as a jump to inst+28.
func (b *Backend) SmashableJumpTarget(inst jit.TCA) jit.TCA {
	cb, ok := b.peek(inst, jit.KindJump)
	if !ok {
		return jit.NoTCA
	}
	w := words(cb, inst, branchWords)
	if target, last, ok := branchTarget(w); ok && last == bctrWord {
		return target
	}
	n := leadingNops(w)
	if n == 0 || !jumpTail(w[n:]) {
		return jit.NoTCA
	}
	return inst + jit.TCA(4*n)
}

// jumpTail reports whether w is a suffix of li64 r12; mtctr r12; bctr that
// still holds the branch.
func jumpTail(w []uint32) bool {
	switch len(w) {
	case 0:
		return true
	case 1:
		return w[0] == bctrWord
	}
	return w[len(w)-2] == mtctr(rAddr) && w[len(w)-1] == bctrWord
}

func (b *Backend) condJump(inst jit.TCA) (jit.TCA, uint32, bool) {
	cb, ok := b.peek(inst, jit.KindCondJump)
	if !ok {
		return jit.NoTCA, 0, false
	}
	target, last, ok := branchTarget(words(cb, inst, branchWords))
	if !ok || !isBcctr(last) || last&1 != 0 || last>>21&31 == boAlways {
		return jit.NoTCA, 0, false
	}
	return target, last, true
}

func (b *Backend) SmashableCondJumpTarget(inst jit.TCA) jit.TCA {
	target, _, ok := b.condJump(inst)
	if !ok {
		return jit.NoTCA
	}
	return target
}

func (b *Backend) SmashableCondJumpCond(inst jit.TCA) jit.ConditionCode {
	_, last, ok := b.condJump(inst)
	if !ok {
		return jit.CondInvalid
	}
	return condFromBranch(last>>21&31, last>>16&31)
}
