package stubs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/arch"
	"github.com/ascrivener/tcgen/pkg/jit/codegen"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
)

var testRuntime = Runtime{
	HandleSurprise:    0x1100,
	Release:           0x1200,
	UnwindResume:      0x1300,
	ResumeUnwind:      0x1400,
	UnwinderException: codegen.TLSDatum{Offset: -0x80, Key: 3},
}

type fixture struct {
	b          arch.Backend
	ctx        *codegen.Context
	main, cold *codecache.Block
	us         *UniqueStubs
}

func build(t *testing.T, name string) *fixture {
	t.Helper()
	mem, err := codecache.NewMemory(1<<20, 0)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Free() })
	main, err := mem.Carve("stubs", 64<<10)
	require.NoError(t, err)
	cold, err := mem.Carve("cold", 64<<10)
	require.NoError(t, err)
	dir, err := codecache.NewDirectory(main, cold)
	require.NoError(t, err)

	opts := jit.DefaultOptions()
	opts.Arch = name
	opts.FreeLocalsUnroll = 4
	b, err := arch.New(opts, dir)
	require.NoError(t, err)
	ctx := codegen.NewContext(b, opts)
	us, err := Build(b, main, cold, testRuntime, ctx)
	require.NoError(t, err)
	return &fixture{b: b, ctx: ctx, main: main, cold: cold, us: us}
}

func forEachArch(t *testing.T, fn func(t *testing.T, f *fixture)) {
	defer jit.SetFatalHandler(jit.PanicOnFatal)()
	for _, name := range arch.Names {
		t.Run(name, func(t *testing.T) { fn(t, build(t, name)) })
	}
}

func (f *fixture) machine() *vasm.Machine {
	m := vasm.NewMachine(f.ctx.ABI.SP)
	m.CallPush = int(f.ctx.ABI.ReturnAddrSize)
	f.us.Bind(m)
	return m
}

// caller returns a unit that calls addr and returns.
func caller(addr jit.TCA, args jit.RegSet) *vasm.Unit {
	u := vasm.NewUnit("caller")
	v := u.Main()
	v.Call(addr, args)
	v.Ret()
	return u
}

func TestBuildPublishesEveryStub(t *testing.T) {
	forEachArch(t, func(t *testing.T, f *fixture) {
		us := f.us
		var names []string
		for _, e := range us.Entries() {
			names = append(names, e.Name)
			require.True(t, f.main.Contains(e.Addr), e.Name)
			require.True(t, e.Addr >= e.Start && e.Addr < e.End, e.Name)
			addr, ok := us.Lookup(e.Name)
			require.True(t, ok)
			require.Equal(t, e.Addr, addr)
			require.True(t, us.Contains(e.Addr))

			var out bytes.Buffer
			require.NoError(t, f.b.Disassemble(&out, f.main.Read(e.Start, e.Size()), e.Start))
			require.NotEmpty(t, out.String())
		}
		require.Equal(t, []string{
			"functionEnterHelper", "enterTCExit", "callToExit", "decRefHelper",
			"freeManyLocalsHelper",
			"freeLocalsHelper[0]", "freeLocalsHelper[1]", "freeLocalsHelper[2]", "freeLocalsHelper[3]",
			"endCatchHelper",
		}, names)

		require.True(t, us.FunctionEnterHelper.Aligned(jit.AlignJmpTarget))
		require.True(t, us.DecRefHelper.Aligned(jit.AlignCacheLine))
		require.True(t, us.FreeManyLocalsHelper.Aligned(jit.AlignCacheLine))
		require.Len(t, us.FreeLocalsHelpers, 4)
		require.Greater(t, f.cold.Used(), 0)

		_, ok := us.Lookup("interpHelper")
		require.False(t, ok)
		require.False(t, us.Contains(f.main.Frontier()+64))
		require.NoError(t, us.Verify())
	})
}

func TestCallToExitLeavesThroughEnterTCExit(t *testing.T) {
	forEachArch(t, func(t *testing.T, f *fixture) {
		var site jit.TCA
		for _, r := range f.us.Meta.Relocs {
			if r.Target == f.us.EnterTCExit {
				site = r.Site
			}
		}
		require.NotEqual(t, jit.NoTCA, site)
		if f.ctx.ABI.ReturnAddrSize > 0 {
			require.Greater(t, site, f.us.CallToExit)
		} else {
			require.Equal(t, f.us.CallToExit, site)
		}
	})
}

func TestVerifyDetectsModifiedStub(t *testing.T) {
	forEachArch(t, func(t *testing.T, f *fixture) {
		addr := f.us.CallToExit
		old := f.main.LoadDword(addr)
		f.main.PatchDword(addr, ^old)
		err := f.us.Verify()
		require.ErrorContains(t, err, "callToExit")
		require.NotContains(t, err.Error(), "endCatchHelper")

		f.main.PatchDword(addr, old)
		require.NoError(t, f.us.Verify())
	})
}

func TestBuildRejectsIncompleteRuntime(t *testing.T) {
	opts := jit.DefaultOptions()
	main := codecache.Alloc("stubs", 4096)
	dir, err := codecache.NewDirectory(main)
	require.NoError(t, err)
	b, err := arch.New(opts, dir)
	require.NoError(t, err)
	ctx := codegen.NewContext(b, opts)

	_, err = Build(b, main, nil, Runtime{Release: 0x1200}, ctx)
	require.ErrorContains(t, err, "HandleSurprise")
	require.ErrorContains(t, err, "ResumeUnwind")
	require.NotContains(t, err.Error(), "Release")

	ctx.FastTLS = false
	_, err = Build(b, main, nil, testRuntime, ctx)
	require.ErrorContains(t, err, "lookup function")
	require.Zero(t, main.Used())
}

func TestFunctionEnterHelper(t *testing.T) {
	const target = jit.TCA(0x5000)
	const vmfp, rds = 0x8000, 0x20000
	forEachArch(t, func(t *testing.T, f *fixture) {
		abi := f.ctx.ABI
		for _, tc := range []struct {
			name      string
			flags     uint64
			resume    uint64
			surprises int
			entered   int
		}{
			{"no surprise", 0, 0, 0, 1},
			{"surprise handled", 1, 1, 1, 1},
			{"surprise abandons", 4, 0, 1, 0},
		} {
			m := f.machine()
			surprises, entered := 0, 0
			m.Natives[testRuntime.HandleSurprise] = func(m *vasm.Machine) error {
				require.EqualValues(t, vmfp, m.Get(abi.Arg(0)))
				surprises++
				m.Set(abi.Ret(0), tc.resume)
				return nil
			}
			m.Natives[target] = func(m *vasm.Machine) error {
				require.EqualValues(t, vmfp, m.Get(abi.VMFP))
				require.EqualValues(t, rds, m.Get(abi.VMTL))
				entered++
				return nil
			}
			for _, r := range abi.CalleeSaved.Regs() {
				m.Set(r, 0x100+uint64(r))
			}
			m.Mem.Store(rds+uint64(f.ctx.Layout.SurpriseFlagsOffset), 4, tc.flags)
			m.Set(abi.Arg(0), uint64(target))
			m.Set(abi.Arg(1), vmfp)
			m.Set(abi.Arg(2), rds)
			sp := m.Get(abi.SP)

			require.NoError(t, m.Run(caller(f.us.FunctionEnterHelper, abi.ArgSet(3))), tc.name)
			require.Equal(t, tc.surprises, surprises, tc.name)
			require.Equal(t, tc.entered, entered, tc.name)
			require.Equal(t, sp, m.Get(abi.SP), tc.name)
			for _, r := range abi.CalleeSaved.Regs() {
				require.Equal(t, 0x100+uint64(r), m.Get(r), "%s: %s", tc.name, abi.RegName(r))
			}
		}
	})
}

type slot struct {
	typ   codegen.DataType
	obj   uint64
	count int32
}

func TestFreeLocals(t *testing.T) {
	const fp = 0x80000
	slots := []slot{
		{codegen.Int, 0, 0},
		{codegen.String, 0x9000, 1},
		{codegen.Array, 0x9100, 3},
		{codegen.String, 0x9200, codegen.StaticRefCount},
		{codegen.Object, 0x9300, 1},
		{codegen.Object, 0x9400, 2},
	}

	forEachArch(t, func(t *testing.T, f *fixture) {
		abi, layout := f.ctx.ABI, f.ctx.Layout
		setup := func() (*vasm.Machine, *[]uint64) {
			m := f.machine()
			released := &[]uint64{}
			m.Natives[testRuntime.Release] = func(m *vasm.Machine) error {
				require.True(t, codegen.DataType(m.Get(abi.Arg(1))).Refcounted())
				*released = append(*released, m.Get(abi.Arg(0)))
				for _, r := range abi.CallerSaved.Regs() {
					m.Set(r, 0xdead)
				}
				return nil
			}
			m.Set(abi.VMFP, fp)
			for i, s := range slots {
				tv := uint64(int64(fp) + int64(layout.LocalOffset(i)))
				m.Mem.Store(tv+uint64(layout.DataOffset), 8, s.obj)
				m.Mem.Store(tv+uint64(layout.TypeOffset), 1, uint64(s.typ))
				if s.obj != 0 {
					m.Mem.Store(s.obj+uint64(layout.RefCountOffset), 4, uint64(uint32(s.count)))
				}
			}
			return m, released
		}
		countOf := func(m *vasm.Machine, i int) int32 {
			return int32(m.Mem.Load(slots[i].obj+uint64(layout.RefCountOffset), 4))
		}

		m, released := setup()
		require.NoError(t, m.Run(caller(f.us.FreeLocalsHelpers[2], 0)))
		require.Equal(t, []uint64{0x9000}, *released)
		require.EqualValues(t, 2, countOf(m, 2))
		require.EqualValues(t, 1, countOf(m, 4))
		require.EqualValues(t, fp, m.Get(abi.VMFP))

		m, released = setup()
		m.Set(abi.Arg(1), uint64(int64(fp)+int64(layout.LocalOffset(5))))
		require.NoError(t, m.Run(caller(f.us.FreeManyLocalsHelper, jit.MakeRegSet(abi.Arg(1)))))
		require.Equal(t, []uint64{0x9300, 0x9000}, *released)
		require.EqualValues(t, 2, countOf(m, 2))
		require.Equal(t, codegen.StaticRefCount, countOf(m, 3))
		require.EqualValues(t, 1, countOf(m, 5))
	})
}

func TestEndCatchHelper(t *testing.T) {
	const catchTrace = jit.TCA(0xca7c0000)
	const tlsBase, exception = 0x90000, 0xe0e0
	forEachArch(t, func(t *testing.T, f *fixture) {
		abi := f.ctx.ABI
		for _, resume := range []jit.TCA{catchTrace, jit.NoTCA} {
			m := f.machine()
			m.TLSBase = tlsBase
			m.Mem.Store(uint64(tlsBase+int64(testRuntime.UnwinderException.Offset)), 8, exception)
			m.Set(abi.VMFP, 0x8000)
			var unwound []uint64
			m.Natives[testRuntime.UnwindResume] = func(m *vasm.Machine) error {
				require.EqualValues(t, 0x8000, m.Get(abi.Arg(0)))
				m.Set(abi.Ret(0), uint64(resume))
				return nil
			}
			m.Natives[testRuntime.ResumeUnwind] = func(m *vasm.Machine) error {
				unwound = append(unwound, m.Get(abi.Arg(0)))
				return nil
			}

			u := vasm.NewUnit("unwinder")
			u.Main().Jmpi(f.us.EndCatchHelper)
			err := m.Run(u)
			if resume != jit.NoTCA {
				require.NoError(t, err)
				require.Equal(t, catchTrace, m.Exit)
				require.Empty(t, unwound)
				continue
			}
			// ResumeUnwind never returns; the trap after it catches one that
			// does.
			require.ErrorIs(t, err, vasm.ErrTrap)
			require.Equal(t, []uint64{exception}, unwound)
		}
	})
}
