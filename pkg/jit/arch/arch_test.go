package arch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
)

func newBackend(t *testing.T, name string) (Backend, *codecache.Block) {
	t.Helper()
	cb := codecache.Alloc("main", 4096)
	dir, err := codecache.NewDirectory(cb)
	require.NoError(t, err)
	opts := jit.DefaultOptions()
	opts.Arch = name
	b, err := New(opts, dir)
	require.NoError(t, err)
	require.Equal(t, name, b.Name())
	return b, cb
}

func TestNewRejectsUnknownArch(t *testing.T) {
	opts := jit.DefaultOptions()
	opts.Arch = "riscv"
	_, err := New(opts, &codecache.Directory{})
	require.ErrorContains(t, err, `"riscv"`)
}

func TestBackendsAgree(t *testing.T) {
	for _, name := range Names {
		t.Run(name, func(t *testing.T) {
			b, cb := newBackend(t, name)
			require.NoError(t, b.Shapes().Check())
			require.LessOrEqual(t, b.MaxShortFill(), b.Shape(jit.KindJump).Len)

			var meta jit.Meta
			t1, t2 := cb.Base()+0x800, cb.Base()+0xc00
			sites := map[jit.Kind]jit.TCA{
				jit.KindCall:     b.EmitSmashableCall(cb, &meta, t1),
				jit.KindJump:     b.EmitSmashableJump(cb, &meta, t1),
				jit.KindCondJump: b.EmitSmashableCondJump(cb, &meta, t1, jit.CondNE),
			}
			for k, inst := range sites {
				require.True(t, meta.IsSmashable(inst))
				require.Equal(t, t1, Target(b, k, inst), "%v", k)
				Smash(b, k, inst, t2)
				require.Equal(t, t2, Target(b, k, inst), "%v", k)
			}
			require.Equal(t, t2, MustCallTarget(b, sites[jit.KindCall]))
			require.Equal(t, t2, MustJumpTarget(b, sites[jit.KindJump]))
			require.Equal(t, t2, MustCondJumpTarget(b, sites[jit.KindCondJump]))
			require.Equal(t, jit.CondNE, b.SmashableCondJumpCond(sites[jit.KindCondJump]))
		})
	}
}

func TestMustTargetsAreFatalOnMiss(t *testing.T) {
	defer jit.SetFatalHandler(jit.PanicOnFatal)()
	for _, name := range Names {
		b, cb := newBackend(t, name)
		var meta jit.Meta
		jmp := b.EmitSmashableJump(cb, &meta, cb.Base()+0x800)
		require.Panics(t, func() { MustCallTarget(b, jmp) })
		require.Panics(t, func() { MustCondJumpTarget(b, jmp) })
		require.Panics(t, func() { MustJumpTarget(b, cb.End()+0x1000) })
		require.Panics(t, func() { Smash(b, jit.KindLoadImm64, jmp, 0) })
	}
}
