package tc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/arch"
	"github.com/ascrivener/tcgen/pkg/jit/codegen"
	"github.com/ascrivener/tcgen/pkg/jit/stubs"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
)

var testRuntime = Runtime{Runtime: stubs.Runtime{
	HandleSurprise:    0x1100,
	Release:           0x1200,
	UnwindResume:      0x1300,
	ResumeUnwind:      0x1400,
	UnwinderException: codegen.TLSDatum{Offset: -0x80},
}}

func testOptions(name string) jit.Options {
	opts := jit.DefaultOptions()
	opts.Arch = name
	opts.CodeSize = 256 << 10
	opts.ColdSize = 64 << 10
	return opts
}

func TestNewAndClose(t *testing.T) {
	defer jit.SetFatalHandler(jit.PanicOnFatal)()
	for _, name := range arch.Names {
		t.Run(name, func(t *testing.T) {
			tc, err := New(testOptions(name), testRuntime)
			require.NoError(t, err)

			st := tc.Stats()
			require.Equal(t, name, st.Arch)
			require.Equal(t, len(tc.Stubs.Entries()), st.Stubs)
			require.Positive(t, st.StubBytes)
			require.Zero(t, st.MainUsed)
			require.Equal(t, 256<<10, st.MainCapacity)
			require.Positive(t, st.ColdUsed)

			for _, b := range []jit.TCA{tc.Stubs.FunctionEnterHelper, tc.Main.Base(), tc.Cold.Base()} {
				_, ok := tc.Dir.BlockFor(b)
				require.True(t, ok, "%v", b)
			}

			require.NoError(t, tc.Close())
			require.NoError(t, tc.Close())
			_, err = tc.Translate(vasm.NewUnit("late"))
			require.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestTranslateCallsStub(t *testing.T) {
	defer jit.SetFatalHandler(jit.PanicOnFatal)()
	for _, name := range arch.Names {
		t.Run(name, func(t *testing.T) {
			tc, err := New(testOptions(name), testRuntime)
			require.NoError(t, err)
			defer tc.Close()

			// A translation that frees its two locals through a smashable
			// call bound to the helper, then returns.
			u := vasm.NewUnit("translation")
			v := u.Main()
			v.Calls(tc.Stubs.FreeLocalsHelpers[1], 0)
			v.Ret()
			l, err := tc.Translate(u)
			require.NoError(t, err)
			require.True(t, tc.Main.Contains(l.Entry()))

			meta := tc.TakeMeta()
			require.Len(t, meta.Smashable, 1)
			site := meta.Smashable[0]
			require.Equal(t, jit.KindCall, site.Kind)
			require.Equal(t, tc.Stubs.FreeLocalsHelpers[1], arch.MustCallTarget(tc.Backend, site.Addr))
			require.True(t, tc.TakeMeta().Empty())

			st := tc.Stats()
			require.Equal(t, 1, st.Translations)
			require.Equal(t, 1, st.Smashables)
			require.Positive(t, st.MainUsed)

			layout := tc.Context.Layout
			const fp, obj = 0x80000, 0x9000
			m := tc.Machine()
			var released []uint64
			m.Natives[testRuntime.Release] = func(m *vasm.Machine) error {
				released = append(released, m.Get(tc.Context.ABI.Arg(0)))
				return nil
			}
			m.Set(tc.Context.ABI.VMFP, fp)
			slot := uint64(fp + int64(layout.LocalOffset(1)))
			m.Mem.Store(slot+uint64(layout.DataOffset), 8, obj)
			m.Mem.Store(slot+uint64(layout.TypeOffset), 1, uint64(codegen.Array))
			m.Mem.Store(obj+uint64(layout.RefCountOffset), 4, 1)
			require.NoError(t, m.Run(u))
			require.Equal(t, []uint64{obj}, released)
		})
	}
}

func TestCloseReportsModifiedStubs(t *testing.T) {
	tc, err := New(testOptions("x64"), testRuntime)
	require.NoError(t, err)
	addr := tc.Stubs.EndCatchHelper
	tc.StubCode.PatchDword(addr, ^tc.StubCode.LoadDword(addr))
	require.ErrorContains(t, tc.Close(), "endCatchHelper")
}

func TestNewRejectsBadInput(t *testing.T) {
	opts := testOptions("x64")
	opts.CodeSize = 0
	opts.Arch = "arm"
	_, err := New(opts, testRuntime)
	require.ErrorContains(t, err, "code_size")
	require.ErrorContains(t, err, "unknown arch")

	_, err = New(testOptions("x64"), Runtime{})
	require.ErrorContains(t, err, "failed to build unique stubs")

	opts = testOptions("ppc64")
	opts.FastTLS = false
	_, err = New(opts, testRuntime)
	require.ErrorContains(t, err, "lookup function")

	rt := testRuntime
	rt.TLSGetSpecific = 0x1500
	tc, err := New(opts, rt)
	require.NoError(t, err)
	require.NoError(t, tc.Close())
}
