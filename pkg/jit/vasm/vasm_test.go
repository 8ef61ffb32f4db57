package vasm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
)

// byteLowerer encodes each instruction as its opcode byte and each branch
// as a marker byte, the condition and the low 32 bits of the target.
type byteLowerer struct{}

const branchMarker = 0xbb

func (byteLowerer) Lower(e *Env, in *Instr) { e.CB.Byte(byte(in.Op)) }

func (byteLowerer) EmitBranch(cb *codecache.Block, cc jit.ConditionCode) jit.TCA {
	site := cb.Frontier()
	cb.Bytes(branchMarker, byte(cc), 0, 0, 0, 0)
	return site
}

func (byteLowerer) PatchBranch(cb *codecache.Block, site, target jit.TCA) {
	cb.WithCursor(site+2, func() {
		cb.Bytes(binary.LittleEndian.AppendUint32(nil, uint32(target))...)
	})
}

func TestEmitLayoutAndBranches(t *testing.T) {
	u := NewUnit("layout")
	v := u.Main()
	r0 := Phys(0)

	fall := v.MakeBlock()
	join := v.MakeBlock()
	cold := u.MakeBlock(AreaCold)

	v.Cmpqi(r0, 1)
	v.Jcc(jit.CondE, cold, fall)

	v.Use(fall)
	v.Ldimmq(1, r0)
	v.Jmp(join) // join is laid out next: elided

	v.Use(join)
	v.Ret()

	vc := u.Out(cold)
	vc.Ldimmq(2, r0)
	vc.Jmp(join)

	main := codecache.Alloc("main", 128)
	coldCB := codecache.Alloc("cold", 128)
	var meta jit.Meta
	l := Emit(u, main, coldCB, &meta, byteLowerer{})

	require.Equal(t, main.Base(), l.Entry())
	require.Equal(t, main.Base(), l.Start)
	// cmpqi, jcc(6), ldimmq, ret
	require.Equal(t, main.Base()+9, l.End)
	require.Equal(t, main.Base()+7, l.Addr(fall))
	require.Equal(t, main.Base()+8, l.Addr(join))
	require.Equal(t, coldCB.Base(), l.Addr(cold))

	code := main.Read(main.Base(), 9)
	require.Equal(t, byte(Cmpqi), code[0])
	require.Equal(t, byte(branchMarker), code[1])
	require.Equal(t, byte(jit.CondE), code[2])
	require.Equal(t, uint32(coldCB.Base()), binary.LittleEndian.Uint32(code[3:]))
	require.Equal(t, byte(Ldimmq), code[7])
	require.Equal(t, byte(Ret), code[8])

	coldCode := coldCB.Read(coldCB.Base(), 7)
	require.Equal(t, byte(Ldimmq), coldCode[0])
	require.Equal(t, byte(branchMarker), coldCode[1])
	require.Equal(t, byte(0xff), coldCode[2], "unconditional")
	require.Equal(t, uint32(main.Base()+8), binary.LittleEndian.Uint32(coldCode[3:]))
}

func TestEmitInvertsJccWhenTakenIsNext(t *testing.T) {
	u := NewUnit("invert")
	v := u.Main()
	taken := v.MakeBlock()
	other := u.MakeBlock(AreaCold)
	v.Cmpqi(Phys(1), 0)
	v.Jcc(jit.CondL, taken, other)
	v.Use(taken)
	v.Ret()
	u.Out(other).Ud2()

	main := codecache.Alloc("main", 64)
	Emit(u, main, nil, &jit.Meta{}, byteLowerer{})
	code := main.Read(main.Base(), 3)
	require.Equal(t, byte(branchMarker), code[1])
	require.Equal(t, byte(jit.CondGE), code[2])
}

func TestEmitRejectsAbstractRegisters(t *testing.T) {
	defer jit.SetFatalHandler(jit.PanicOnFatal)()
	u := NewUnit("virt")
	v := u.Main()
	v.Ldimmq(1, v.MakeReg())
	v.Ret()
	require.Panics(t, func() {
		Emit(u, codecache.Alloc("main", 64), nil, &jit.Meta{}, byteLowerer{})
	})
}

func TestEmitRejectsUnterminatedBlock(t *testing.T) {
	defer jit.SetFatalHandler(jit.PanicOnFatal)()
	u := NewUnit("open")
	u.Main().Nop()
	require.Panics(t, func() {
		Emit(u, codecache.Alloc("main", 64), nil, &jit.Meta{}, byteLowerer{})
	})
}

func TestAppendAfterTerminalIsFatal(t *testing.T) {
	defer jit.SetFatalHandler(jit.PanicOnFatal)()
	v := NewUnit("closed").Main()
	v.Ret()
	require.True(t, v.Closed())
	require.Panics(t, func() { v.Nop() })
}

func TestMachineLoop(t *testing.T) {
	// Count down from 10, storing the counter each iteration.
	u := NewUnit("countdown")
	v := u.Main()
	i := Phys(1)
	loop := v.MakeBlock()
	done := v.MakeBlock()

	v.Ldimmq(10, i)
	v.Jmp(loop)

	v.Use(loop)
	v.Store(i, Phys(2).At(0))
	v.Subqi(1, i)
	v.Cmpqi(i, 0)
	v.Jcc(jit.CondNE, loop, done)

	v.Use(done)
	v.Ret()

	m := NewMachine(4)
	var sum uint64
	m.Trace = func(_ *Unit, in *Instr) {
		if in.Op == Store {
			sum += m.Regs[i]
		}
	}
	m.Set(2, 0x1000)
	require.NoError(t, m.Run(u))
	require.Equal(t, uint64(55), sum)
	require.Equal(t, uint64(0), m.Get(1))
	require.Equal(t, uint64(1), m.Mem.Load(0x1000, 8))
}

func TestMachineFlags(t *testing.T) {
	m := NewMachine(4)
	m.subFlags(1, 2, 64)
	require.True(t, m.Flags.Holds(jit.CondL))
	require.True(t, m.Flags.Holds(jit.CondB))

	// INT32_MIN - 1 overflows; the signed result is still "less".
	m.subFlags(0x80000000, 1, 32)
	require.True(t, m.Flags.OF)
	require.True(t, m.Flags.Holds(jit.CondL))
	require.True(t, m.Flags.Holds(jit.CondA))

	m.addFlags(0x7fffffff, 1, 32)
	require.True(t, m.Flags.OF)
	require.True(t, m.Flags.SF)

	m.subFlags(0xff, 0xff, 8)
	require.True(t, m.Flags.Holds(jit.CondE))

	m.logicFlags(0x10, 32)
	require.True(t, m.Flags.Holds(jit.CondNZ))
}

func TestMachineCallsAndExits(t *testing.T) {
	callee := NewUnit("callee")
	cv := callee.Main()
	cv.Prologue(jit.MakeRegSet(3))
	cv.Ldimmq(99, Phys(3))
	cv.Copy(Phys(3), Phys(0))
	cv.Epilogue(jit.MakeRegSet(3))
	cv.Ret()

	caller := NewUnit("caller")
	v := caller.Main()
	v.Ldimmq(7, Phys(3))
	v.Call(0x5000, 0)
	v.Call(0x6000, 0)
	v.Jmpi(0x7000)

	m := NewMachine(4)
	m.CallPush = 8
	m.Register(0x5000, callee)
	var nativeArg uint64
	m.Natives[0x6000] = func(m *Machine) error {
		nativeArg = m.Get(0)
		return nil
	}
	sp := m.Get(4)
	require.NoError(t, m.Run(caller))
	require.Equal(t, uint64(99), nativeArg)
	require.Equal(t, uint64(7), m.Get(3), "prologue/epilogue restore saved registers")
	require.Equal(t, sp, m.Get(4))
	require.Equal(t, jit.TCA(0x7000), m.Exit)
}

func TestMachineTrap(t *testing.T) {
	u := NewUnit("trap")
	u.Main().Ud2()
	require.ErrorIs(t, NewMachine(4).Run(u), ErrTrap)
}
