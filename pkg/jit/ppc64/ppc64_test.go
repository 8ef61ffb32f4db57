package ppc64

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/ppc64/ppc64asm"

	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
)

func newBackend(t *testing.T, size int) (*Backend, *codecache.Block) {
	t.Helper()
	cb := codecache.Alloc("main", size)
	dir, err := codecache.NewDirectory(cb)
	require.NoError(t, err)
	return New(dir), cb
}

func TestEncodings(t *testing.T) {
	cases := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"li r3,1", li(R3, 1), 0x38600001},
		{"lis r12,0x1234", lis(R12, 0x1234), 0x3D801234},
		{"ori r12,r12,0x5678", ori(R12, R12, 0x5678), 0x618C5678},
		{"sldi r12,r12,32", sldi32(R12, R12), 0x798C07C6},
		{"oris r12,r12,0xabcd", oris(R12, R12, 0xabcd), 0x658CABCD},
		{"clrldi r11,r3,56", clrlb(R11, R3), 0x786B0620},
		{"mtctr r12", mtctr(R12), 0x7D8903A6},
		{"mflr r0", mflr(R0), 0x7C0802A6},
		{"mtlr r0", mtlr(R0), 0x7C0803A6},
		{"std r0,16(r1)", std(R0, R1, 16), 0xF8010010},
		{"stdu r1,-48(r1)", stdu(R1, R1, -48), 0xF821FFD1},
		{"ld r12,8(r3)", ld(R12, R3, 8), 0xE9830008},
		{"cmpd r12,r11", compare(cr0, true, R12, R11, false), 0x7C2C5800},
		{"cmpld cr1,r12,r11", compare(cr1, true, R12, R11, true), 0x7CAC5840},
		{"beqctr", bcctr(boTrue, 4*cr0+bitEQ, false), 0x4D820420},
		{"bctr", bcctr(boAlways, 0, false), bctrWord},
		{"bctrl", bcctr(boAlways, 0, true), bctrlWord},
		{"and. r11,r3,r4", andDot(R11, R3, R4), 0x7C6B2039},
		{"mr r3,r4", mr(R3, R4), 0x7C832378},
		{"extsb r11,r3", extsb(R11, R3), 0x7C6B0774},
		{"bne +8", bc(boFalse, 4*cr0+bitEQ, 8), 0x40820008},
		{"b +8", br(8, false), 0x48000008},
		{"bl -4", br(-4, true), 0x4BFFFFFD},
		{"nop", nopWord, 0x60000000},
		{"trap", trapWord, 0x7FE00008},
		{"blr", blrWord, 0x4E800020},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, fmt.Sprintf("%#08x", tc.want), fmt.Sprintf("%#08x", tc.got))
			inst, err := ppc64asm.Decode(binary.LittleEndian.AppendUint32(nil, tc.got), binary.LittleEndian)
			require.NoError(t, err)
			require.Equal(t, 4, inst.Len)
		})
	}
}

func TestLi64RoundTrip(t *testing.T) {
	for _, imm := range []uint64{0, ^uint64(0), 0x8000_0000_0000_0000, 0x0000_7fff_8000_ffff, 0xDEAD0000} {
		got, rt, ok := decodeLi64(li64(R7, imm))
		require.True(t, ok)
		require.Equal(t, R7, rt)
		require.Equal(t, imm, got, "%#x", imm)
	}
	for _, imm := range []int32{0, -1, 0x7fffffff, -0x80000000, 0x8000} {
		got, _, ok := decodeLi32(li32(R11, imm))
		require.True(t, ok)
		require.Equal(t, imm, got)
	}
}

func TestSmashableRoundTrip(t *testing.T) {
	b, cb := newBackend(t, 4096)
	var meta jit.Meta

	for _, imm := range []uint64{0, ^uint64(0), 0x0123456789abcdef} {
		inst := b.EmitSmashableLoadImm64(cb, &meta, imm, R9)
		got, ok := b.SmashableLoadImm64(inst)
		require.True(t, ok)
		require.Equal(t, imm, got)
	}
	for _, imm := range []int32{0, -1, 0x7fffffff, -0x80000000} {
		inst := b.EmitSmashableCmpImm32(cb, &meta, imm, R3, 8)
		got, ok := b.SmashableCmpImm32(inst)
		require.True(t, ok)
		require.Equal(t, imm, got)
	}

	for _, target := range []jit.TCA{0xDEAD0000, jit.TCA(^uint64(0) &^ 3), 0x10} {
		call := b.EmitSmashableCall(cb, &meta, target)
		require.Equal(t, target, b.SmashableCallTarget(call))
		jmp := b.EmitSmashableJump(cb, &meta, target)
		require.Equal(t, target, b.SmashableJumpTarget(jmp))
		jcc := b.EmitSmashableCondJump(cb, &meta, target, jit.CondLE)
		require.Equal(t, target, b.SmashableCondJumpTarget(jcc))
		require.Equal(t, jit.CondLE, b.SmashableCondJumpCond(jcc))
	}

	j1, j2 := b.EmitSmashableCondJumpThenJump(cb, &meta, 0x1000, 0x2000, jit.CondA)
	require.Equal(t, j1+pairJmpOff, j2)
	require.True(t, j1.Aligned(64))
	require.Equal(t, jit.TCA(0x1000), b.SmashableCondJumpTarget(j1))
	require.Equal(t, jit.CondA, b.SmashableCondJumpCond(j1))
	require.Equal(t, jit.TCA(0x2000), b.SmashableJumpTarget(j2))
	require.Equal(t, nopWord, cb.LoadDword(j1+28))

	for _, loc := range meta.Smashable {
		require.True(t, loc.Addr.Aligned(shapes[loc.Kind].Align), "%v at %v", loc.Kind, loc.Addr)
	}
}

func TestConditionMapping(t *testing.T) {
	for cc := jit.CondO; cc <= jit.CondG; cc++ {
		bo, bi := condBranch(cc)
		want := cc
		switch cc {
		case jit.CondS:
			want = jit.CondL
		case jit.CondNS:
			want = jit.CondGE
		}
		require.Equal(t, want, condFromBranch(bo, bi), "%v", cc)

		nbo, nbi := condBranch(cc.Negate())
		require.Equal(t, bi, nbi, "%v and its negation test one bit", cc)
		require.NotEqual(t, bo, nbo)
	}
	bo, _ := condBranch(jit.CondNone)
	require.Equal(t, uint32(boAlways), bo)
}

func TestEmitAlignment(t *testing.T) {
	for k := jit.Kind(0); int(k) < jit.NumKinds; k++ {
		for skew := 0; skew < 64; skew += 4 {
			b, cb := newBackend(t, 256)
			for i := 0; i < skew/4; i++ {
				cb.Dword(nopWord)
			}
			var meta jit.Meta
			var inst jit.TCA
			switch k {
			case jit.KindLoadImm64:
				inst = b.EmitSmashableLoadImm64(cb, &meta, 1, R3)
			case jit.KindCmpImm32:
				inst = b.EmitSmashableCmpImm32(cb, &meta, 1, R3, 0)
			case jit.KindCall:
				inst = b.EmitSmashableCall(cb, &meta, 0x1000)
			case jit.KindJump:
				inst = b.EmitSmashableJump(cb, &meta, 0x1000)
			case jit.KindCondJump:
				inst = b.EmitSmashableCondJump(cb, &meta, 0x1000, jit.CondNE)
			case jit.KindCondJumpThenJump:
				inst, _ = b.EmitSmashableCondJumpThenJump(cb, &meta, 0x1000, 0x2000, jit.CondNE)
			}
			require.True(t, inst.Aligned(shapes[k].Align), "%v skew %d", k, skew)
			require.Equal(t, inst+jit.TCA(shapes[k].Len), cb.Frontier(), "%v", k)
		}
	}
	require.NoError(t, shapes.Check())
}

func TestSmashPreservesShape(t *testing.T) {
	b, cb := newBackend(t, 4096)
	var meta jit.Meta

	imm := b.EmitSmashableLoadImm64(cb, &meta, 7, R12)
	cmpi := b.EmitSmashableCmpImm32(cb, &meta, 7, R31, -8)
	call := b.EmitSmashableCall(cb, &meta, 0x1000)
	jmp := b.EmitSmashableJump(cb, &meta, 0x1000)
	jcc := b.EmitSmashableCondJump(cb, &meta, 0x1000, jit.CondB)
	frontier := cb.Frontier()

	b.SmashLoadImm64(imm, 0xfeedface_cafebeef)
	b.SmashCmpImm32(cmpi, -42)
	b.SmashCall(call, 0x7fff_0000_1234)
	b.SmashJump(jmp, 0x7fff_0000_1234)
	b.SmashCondJump(jcc, 0x7fff_0000_1234, jit.CondGE)

	v, ok := b.SmashableLoadImm64(imm)
	require.True(t, ok)
	require.Equal(t, uint64(0xfeedface_cafebeef), v)
	c, ok := b.SmashableCmpImm32(cmpi)
	require.True(t, ok)
	require.Equal(t, int32(-42), c)
	require.Equal(t, jit.TCA(0x7fff_0000_1234), b.SmashableCallTarget(call))
	require.Equal(t, jit.TCA(0x7fff_0000_1234), b.SmashableJumpTarget(jmp))
	require.Equal(t, jit.TCA(0x7fff_0000_1234), b.SmashableCondJumpTarget(jcc))
	require.Equal(t, jit.CondGE, b.SmashableCondJumpCond(jcc))
	require.Equal(t, frontier, cb.Frontier())

	// The compare keeps its memory operand.
	require.Equal(t, ld(rAddr, R31, -8), cb.LoadDword(cmpi+8))

	b.SmashCondJump(jcc, 0x2000, jit.CondNone)
	require.Equal(t, jit.CondGE, b.SmashableCondJumpCond(jcc))
	require.Equal(t, jit.TCA(0x2000), b.SmashableCondJumpTarget(jcc))
}

func TestSmashJumpShortFill(t *testing.T) {
	b, cb := newBackend(t, 256)
	var meta jit.Meta
	jmp := b.EmitSmashableJump(cb, &meta, 0x4000)

	for gap := 4; gap <= maxShortFill; gap += 4 {
		b.SmashJump(jmp, jmp+jit.TCA(gap))
		require.Equal(t, jmp+jit.TCA(gap), b.SmashableJumpTarget(jmp))
		for i := 0; i < gap/4; i++ {
			require.Equal(t, nopWord, cb.LoadDword(jmp+jit.TCA(4*i)))
		}
		// Back to a full jump before the next fill.
		b.SmashJump(jmp, 0x4000)
		require.Equal(t, jit.TCA(0x4000), b.SmashableJumpTarget(jmp))
	}

	b.SmashJump(jmp, jmp+maxShortFill+4)
	require.Equal(t, jmp+maxShortFill+4, b.SmashableJumpTarget(jmp))
	require.NotEqual(t, nopWord, cb.LoadDword(jmp))
}

func TestDecodeMisses(t *testing.T) {
	b, cb := newBackend(t, 256)
	var meta jit.Meta
	call := b.EmitSmashableCall(cb, &meta, 0x1000)
	jmp := b.EmitSmashableJump(cb, &meta, 0x1000)

	require.Equal(t, jit.NoTCA, b.SmashableJumpTarget(call))
	require.Equal(t, jit.NoTCA, b.SmashableCallTarget(jmp))
	require.Equal(t, jit.NoTCA, b.SmashableCondJumpTarget(jmp))
	require.Equal(t, jit.CondInvalid, b.SmashableCondJumpCond(call))
	_, ok := b.SmashableLoadImm64(call)
	require.True(t, ok, "a call starts with a li64")
	_, ok = b.SmashableCmpImm32(call)
	require.False(t, ok)

	require.Equal(t, jit.NoTCA, b.SmashableCallTarget(call+4), "misaligned")
	require.Equal(t, jit.NoTCA, b.SmashableCallTarget(cb.End()+64), "outside every block")
}

func TestNopPaddingIsNotAJump(t *testing.T) {
	b, cb := newBackend(t, 256)
	a := NewAssembler(cb)
	a.emit(nopWord, nopWord, nopWord, li(R3, 1), li(R4, 2), mr(R5, R3), blrWord, nopWord)
	require.Equal(t, jit.NoTCA, b.SmashableJumpTarget(cb.Base()))

	// A short fill keeps the replaced jump's mtctr; bctr tail.
	var meta jit.Meta
	jmp := b.EmitSmashableJump(cb, &meta, 0x4000)
	b.SmashJump(jmp, jmp+12)
	require.Equal(t, jmp+12, b.SmashableJumpTarget(jmp))
	b.SmashJump(jmp, jmp+24)
	require.Equal(t, jmp+24, b.SmashableJumpTarget(jmp))
}

func TestSmashContractViolations(t *testing.T) {
	defer jit.SetFatalHandler(jit.PanicOnFatal)()
	b, cb := newBackend(t, 256)
	var meta jit.Meta
	call := b.EmitSmashableCall(cb, &meta, 0x1000)
	jmp := b.EmitSmashableJump(cb, &meta, 0x1000)

	require.Panics(t, func() { b.SmashCondJump(jmp, 0x2000, jit.CondNone) })
	require.Panics(t, func() { b.SmashJump(call, 0x2000) })
	require.Panics(t, func() { b.SmashCall(call+4, 0x2000) })
	require.Panics(t, func() { b.SmashCall(cb.End()+64, 0x2000) })
	require.Panics(t, func() { b.EmitSmashableCmpImm32(cb, &meta, 0, R3, 6) })
}

func TestNoTornReads(t *testing.T) {
	b, cb := newBackend(t, 256)
	var meta jit.Meta
	// The targets differ in one 16-bit chunk, so each smash is one store.
	t1, t2 := jit.TCA(0x1000_0000_0000_1000), jit.TCA(0x1000_0000_0000_2000)
	call := b.EmitSmashableCall(cb, &meta, t1)
	jcc := b.EmitSmashableCondJump(cb, &meta, t1, jit.CondE)

	var stop atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; !stop.Load(); i++ {
			target := t1
			if i%2 == 1 {
				target = t2
			}
			b.SmashCall(call, target)
			b.SmashCondJump(jcc, target, jit.CondNone)
		}
	}()
	for i := 0; i < 20000; i++ {
		got := b.SmashableCallTarget(call)
		require.True(t, got == t1 || got == t2, "torn call target %v", got)
		got = b.SmashableCondJumpTarget(jcc)
		require.True(t, got == t1 || got == t2, "torn jcc target %v", got)
	}
	stop.Store(true)
	wg.Wait()
}

func TestCallScenario(t *testing.T) {
	b, cb := newBackend(t, 256)
	var meta jit.Meta
	inst := b.EmitSmashableCall(cb, &meta, 0xDEAD0000)
	require.Equal(t, jit.TCA(0xDEAD0000), b.SmashableCallTarget(inst))
	frontier := cb.Frontier()
	b.SmashCall(inst, 0xBEEF0000)
	require.Equal(t, jit.TCA(0xBEEF0000), b.SmashableCallTarget(inst))
	require.Equal(t, frontier, cb.Frontier())
	require.Equal(t, []jit.SmashableLocation{{Addr: inst, Kind: jit.KindCall}}, meta.Smashable)
}

func TestLowerBranches(t *testing.T) {
	b, cb := newBackend(t, 256)
	u := vasm.NewUnit("branches")
	v := u.Main()
	slow := u.MakeBlock(vasm.AreaCold)
	done := v.MakeBlock()
	v.Cmpqi(vasm.Phys(R3), 0)
	v.Jcc(jit.CondE, slow, done)
	v.Use(done)
	v.Ret()
	vc := u.Out(slow)
	vc.Ldimmq(7, vasm.Phys(R3))
	vc.Jmp(done)

	var meta jit.Meta
	l := b.Lower(u, cb, nil, &meta)
	base := cb.Base()
	require.Equal(t, base+20, l.Addr(done))
	require.Equal(t, base+24, l.End)
	require.Equal(t, base+24, l.Addr(slow))

	want := []uint32{
		0x39600000, // li r11,0
		0x7C235800, // cmpd r3,r11
		0x7CA35840, // cmpld cr1,r3,r11
		0x40820008, // bne +8
		0x48000008, // b slow
		blrWord,
		0x38600007, // li r3,7
		0x4BFFFFF8, // b done
	}
	got := make([]uint32, len(want))
	for i := range got {
		got[i] = cb.LoadDword(base + jit.TCA(4*i))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("lowered words (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	require.NoError(t, b.Disassemble(&buf, cb.Slice(base, cb.Frontier()), base))
	require.Contains(t, buf.String(), "4e800020")
}

func TestLowerFrame(t *testing.T) {
	b, cb := newBackend(t, 256)
	saved := jit.MakeRegSet(R14, R15)
	u := vasm.NewUnit("frame")
	v := u.Main()
	v.Prologue(saved)
	v.Epilogue(saved)
	v.Ret()
	b.Lower(u, cb, nil, &jit.Meta{})

	want := []uint32{
		0x7C0802A6, // mflr r0
		0xF8010010, // std r0,16(r1)
		0xF821FFD1, // stdu r1,-48(r1)
		0xF9C10020, // std r14,32(r1)
		0xF9E10028, // std r15,40(r1)
		ld(R14, R1, 32),
		ld(R15, R1, 40),
		addi(R1, R1, 48),
		ld(R0, R1, 16),
		0x7C0803A6, // mtlr r0
		blrWord,
	}
	got := make([]uint32, len(want))
	for i := range got {
		got[i] = cb.LoadDword(cb.Base() + jit.TCA(4*i))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("frame words (-want +got):\n%s", diff)
	}
}
