package x64

import (
	"bytes"
	"encoding/binary"

	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
)

// Every smashable instruction fills one naturally aligned 8-byte word (or,
// for LoadImm64, keeps its immediate in one), so a smash is a single 8-byte
// store and a concurrent fetch sees either the old or the new bytes. Branches
// are padded with a trailing nop to the end of their word: the store never
// covers bytes emitted after the site.
var shapes = jit.ShapeTable{
	jit.KindLoadImm64:        {Len: 16, Align: 16},
	jit.KindCmpImm32:         {Len: 8, Align: 8},
	jit.KindCall:             {Len: 8, Align: 8},
	jit.KindJump:             {Len: 8, Align: 8},
	jit.KindCondJump:         {Len: 8, Align: 8},
	jit.KindCondJumpThenJump: {Len: 16, Align: 16},
}

// maxShortFill is the longest gap a jump is replaced by a nop run for.
const maxShortFill = 8

// Offsets inside the smashable shapes.
const (
	imm64Offset  = 8
	cmpImmOffset = 4
	pairJmpOff   = 8
)

func rel32(from jit.TCA, size int, target jit.TCA) int32 {
	d := int64(target) - int64(from) - int64(size)
	if !fitsInt32(d) {
		jit.Fatalf("branch at %v cannot reach %v", from, target)
	}
	return int32(d)
}

func (b *Backend) prepare(cb *codecache.Block, k jit.Kind) *Assembler {
	a := NewAssembler(cb)
	a.AlignTo(shapes[k].Align)
	return a
}

func (b *Backend) EmitSmashableLoadImm64(cb *codecache.Block, meta *jit.Meta, imm uint64, d jit.Reg) jit.TCA {
	a := b.prepare(cb, jit.KindLoadImm64)
	inst := a.Frontier()
	a.emit(nops[6]...)
	a.MovRegImm64(d, imm)
	meta.AddSmashable(inst, jit.KindLoadImm64)
	return inst
}

func (b *Backend) EmitSmashableCmpImm32(cb *codecache.Block, meta *jit.Meta, imm int32, base jit.Reg, disp int8) jit.TCA {
	if base&7 == RSP {
		jit.Fatalf("smashable compare cannot use base %s", RegName(base))
	}
	a := b.prepare(cb, jit.KindCmpImm32)
	inst := a.Frontier()
	a.emit(rex(true, false, false, base >= 8), 0x81, modRM(0x40, 7, base), byte(disp))
	a.emitInt32(imm)
	meta.AddSmashable(inst, jit.KindCmpImm32)
	return inst
}

func (b *Backend) EmitSmashableCall(cb *codecache.Block, meta *jit.Meta, target jit.TCA) jit.TCA {
	a := b.prepare(cb, jit.KindCall)
	inst := a.Frontier()
	a.CallRel32(rel32(inst, 5, target))
	a.Nop(3)
	meta.AddSmashable(inst, jit.KindCall)
	return inst
}

func (b *Backend) EmitSmashableJump(cb *codecache.Block, meta *jit.Meta, target jit.TCA) jit.TCA {
	a := b.prepare(cb, jit.KindJump)
	inst := a.Frontier()
	a.JmpRel32(rel32(inst, 5, target))
	a.Nop(3)
	meta.AddSmashable(inst, jit.KindJump)
	return inst
}

func (b *Backend) EmitSmashableCondJump(cb *codecache.Block, meta *jit.Meta, target jit.TCA, cc jit.ConditionCode) jit.TCA {
	a := b.prepare(cb, jit.KindCondJump)
	inst := a.Frontier()
	a.JccRel32(cc, rel32(inst, 6, target))
	a.Nop(2)
	meta.AddSmashable(inst, jit.KindCondJump)
	return inst
}

// EmitSmashableCondJumpThenJump emits jcc target; jmp fallthru as one
// 16-byte unit, the jmp starting on the second 8-byte word.
func (b *Backend) EmitSmashableCondJumpThenJump(cb *codecache.Block, meta *jit.Meta, target, fallthru jit.TCA, cc jit.ConditionCode) (jcc, jmp jit.TCA) {
	a := b.prepare(cb, jit.KindCondJumpThenJump)
	jcc = a.Frontier()
	a.JccRel32(cc, rel32(jcc, 6, target))
	a.Nop(2)
	jmp = a.Frontier()
	a.JmpRel32(rel32(jmp, 5, fallthru))
	a.Nop(3)
	meta.AddSmashable(jcc, jit.KindCondJump)
	meta.AddSmashable(jmp, jit.KindJump)
	return jcc, jmp
}

// site returns the block holding a smashable instruction of kind k at inst,
// failing on anything a smash cannot safely patch.
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

// peek is site for decoders: a miss is reported instead of being fatal.
func (b *Backend) peek(inst jit.TCA, k jit.Kind) (*codecache.Block, bool) {
	cb, ok := b.dir.BlockFor(inst)
	if !ok || !inst.Aligned(shapes[k].Align) || inst+jit.TCA(shapes[k].Len) > cb.End() {
		return nil, false
	}
	return cb, true
}

func wordBytes(w uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, w)
}

// overlay returns w with the bytes at off replaced by p.
func overlay(w uint64, off int, p []byte) uint64 {
	buf := wordBytes(w)
	copy(buf[off:], p)
	return binary.LittleEndian.Uint64(buf)
}

func rel32Bytes(rel int32) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(rel))
}

func isMovImm64(w uint64) bool {
	p := wordBytes(w)
	return bytes.Equal(p[:6], nops[6]) && p[6]&^1 == 0x48 && p[7]&0xF8 == 0xB8
}

func isCmpImm32(w uint32) bool {
	return byte(w)&^1 == 0x48 && byte(w>>8) == 0x81 && byte(w>>16)&0xF8 == 0x78
}

func isJcc(w uint64) bool {
	return byte(w) == 0x0F && byte(w>>8)&0xF0 == 0x80
}

// nopRun returns the length of the canonical nop at the start of p.
func nopRun(p []byte) int {
	for k := 1; k <= maxShortFill; k++ {
		if bytes.HasPrefix(p, nops[k]) {
			return k
		}
	}
	return 0
}

func (b *Backend) SmashLoadImm64(inst jit.TCA, imm uint64) {
	cb := b.site(inst, jit.KindLoadImm64)
	if !isMovImm64(cb.LoadQword(inst)) {
		jit.Fatalf("smash LoadImm64: no movabs at %v", inst)
	}
	cb.PatchQword(inst+imm64Offset, imm)
	jit.Logger().Trace().Stringer("inst", inst).Uint64("imm", imm).Msg("smashed imm64")
}

func (b *Backend) SmashCmpImm32(inst jit.TCA, imm int32) {
	cb := b.site(inst, jit.KindCmpImm32)
	if !isCmpImm32(cb.LoadDword(inst)) {
		jit.Fatalf("smash CmpImm32: no cmp at %v", inst)
	}
	cb.PatchDword(inst+cmpImmOffset, uint32(imm))
	jit.Logger().Trace().Stringer("inst", inst).Int32("imm", imm).Msg("smashed cmp")
}

func (b *Backend) SmashCall(inst, target jit.TCA) {
	cb := b.site(inst, jit.KindCall)
	w := cb.LoadQword(inst)
	if byte(w) != 0xE8 {
		jit.Fatalf("smash Call: no call at %v", inst)
	}
	cb.PatchQword(inst, overlay(w, 1, rel32Bytes(rel32(inst, 5, target))))
	jit.Logger().Trace().Stringer("inst", inst).Stringer("target", target).Msg("smashed call")
}

// SmashJump retargets the jump at inst. A target at most maxShortFill bytes
// ahead is reached by a single nop that runs into it; a jump to the end of
// its own word becomes an 8-byte nop.
func (b *Backend) SmashJump(inst, target jit.TCA) {
	cb := b.site(inst, jit.KindJump)
	w := cb.LoadQword(inst)
	if byte(w) != 0xE9 && nopRun(wordBytes(w)) == 0 {
		jit.Fatalf("smash Jump: no jmp at %v", inst)
	}
	if gap := int64(target) - int64(inst); gap > 0 && gap <= maxShortFill {
		w = overlay(w, 0, nops[gap])
	} else {
		w = overlay(w, 0, append([]byte{0xE9}, rel32Bytes(rel32(inst, 5, target))...))
	}
	cb.PatchQword(inst, w)
	jit.Logger().Trace().Stringer("inst", inst).Stringer("target", target).Msg("smashed jump")
}

// SmashCondJump retargets the jcc at inst, replacing its condition unless cc
// is CondNone.
func (b *Backend) SmashCondJump(inst, target jit.TCA, cc jit.ConditionCode) {
	cb := b.site(inst, jit.KindCondJump)
	w := cb.LoadQword(inst)
	if !isJcc(w) {
		jit.Fatalf("smash CondJump: no jcc at %v", inst)
	}
	if cc == jit.CondNone {
		cc = jit.ConditionCode(byte(w>>8) & 0xF)
	} else if !cc.Valid() {
		jit.Fatalf("smash CondJump: condition %v", cc)
	}
	enc := append([]byte{0x0F, 0x80 | byte(cc)}, rel32Bytes(rel32(inst, 6, target))...)
	cb.PatchQword(inst, overlay(w, 0, enc))
	jit.Logger().Trace().Stringer("inst", inst).Stringer("target", target).Stringer("cc", cc).Msg("smashed jcc")
}

func (b *Backend) SmashableLoadImm64(inst jit.TCA) (uint64, bool) {
	cb, ok := b.peek(inst, jit.KindLoadImm64)
	if !ok || !isMovImm64(cb.LoadQword(inst)) {
		return 0, false
	}
	return cb.LoadQword(inst + imm64Offset), true
}

func (b *Backend) SmashableCmpImm32(inst jit.TCA) (int32, bool) {
	cb, ok := b.peek(inst, jit.KindCmpImm32)
	if !ok || !isCmpImm32(cb.LoadDword(inst)) {
		return 0, false
	}
	return int32(cb.LoadDword(inst + cmpImmOffset)), true
}

func relTarget(inst jit.TCA, w uint64, off, size int) jit.TCA {
	rel := int32(binary.LittleEndian.Uint32(wordBytes(w)[off:]))
	return jit.TCA(int64(inst) + int64(size) + int64(rel))
}

func (b *Backend) SmashableCallTarget(inst jit.TCA) jit.TCA {
	cb, ok := b.peek(inst, jit.KindCall)
	if !ok {
		return jit.NoTCA
	}
	w := cb.LoadQword(inst)
	if byte(w) != 0xE8 {
		return jit.NoTCA
	}
	return relTarget(inst, w, 1, 5)
}

func (b *Backend) SmashableJumpTarget(inst jit.TCA) jit.TCA {
	cb, ok := b.peek(inst, jit.KindJump)
	if !ok {
		return jit.NoTCA
	}
	w := cb.LoadQword(inst)
	if byte(w) == 0xE9 {
		return relTarget(inst, w, 1, 5)
	}
	if k := nopRun(wordBytes(w)); k > 0 {
		return inst + jit.TCA(k)
	}
	return jit.NoTCA
}

func (b *Backend) SmashableCondJumpTarget(inst jit.TCA) jit.TCA {
	cb, ok := b.peek(inst, jit.KindCondJump)
	if !ok {
		return jit.NoTCA
	}
	w := cb.LoadQword(inst)
	if !isJcc(w) {
		return jit.NoTCA
	}
	return relTarget(inst, w, 2, 6)
}

func (b *Backend) SmashableCondJumpCond(inst jit.TCA) jit.ConditionCode {
	cb, ok := b.peek(inst, jit.KindCondJump)
	if !ok {
		return jit.CondInvalid
	}
	w := cb.LoadQword(inst)
	if !isJcc(w) {
		return jit.CondInvalid
	}
	return jit.ConditionCode(byte(w>>8) & 0xF)
}
