package codegen

import (
	"fmt"

	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
)

type CallKind uint8

const (
	// CallDirect calls a fixed address, indirectly when it is out of reach.
	CallDirect CallKind = iota
	// CallSmashable emits a call site that can be retargeted later.
	CallSmashable
	// CallIndirect calls through a register.
	CallIndirect
)

// CallSpec names the destination of a call.
type CallSpec struct {
	Kind CallKind
	Addr jit.TCA
	Reg  vasm.Vreg
}

func Direct(addr jit.TCA) CallSpec    { return CallSpec{Kind: CallDirect, Addr: addr, Reg: vasm.InvalidVreg} }
func Smashable(addr jit.TCA) CallSpec { return CallSpec{Kind: CallSmashable, Addr: addr, Reg: vasm.InvalidVreg} }
func Indirect(r vasm.Vreg) CallSpec   { return CallSpec{Kind: CallIndirect, Reg: r} }

func (c CallSpec) String() string {
	switch c.Kind {
	case CallSmashable:
		return fmt.Sprintf("smashable %v", c.Addr)
	case CallIndirect:
		return fmt.Sprintf("indirect %v", c.Reg)
	}
	return fmt.Sprintf("direct %v", c.Addr)
}

// EmitCall calls target with the argument registers in args live. Every
// caller-saved register is clobbered.
func EmitCall(v *vasm.Vout, ctx *Context, target CallSpec, args jit.RegSet) {
	switch target.Kind {
	case CallDirect:
		if ctx.CallFits(target.Addr) {
			v.Call(target.Addr, args)
			return
		}
		scratch := vasm.Phys(ctx.ABI.CallScratch)
		v.Ldimmq(uint64(target.Addr), scratch)
		v.Callr(scratch, args)
	case CallSmashable:
		v.Calls(target.Addr, args)
	case CallIndirect:
		v.Callr(target.Reg, args)
	default:
		jit.Fatalf("call of unknown kind %d", target.Kind)
	}
}

// saveRegs pushes regs and reserves the callee's frame header, keeping the
// stack pointer 16-byte aligned relative to where it started.
func saveRegs(v *vasm.Vout, ctx *Context, regs []jit.Reg) int32 {
	for _, r := range regs {
		v.Push(vasm.Phys(r))
	}
	pad := ctx.ABI.FrameHeader
	if len(regs)%2 == 1 {
		pad += 8
	}
	if pad > 0 {
		v.Subqi(pad, vasm.Phys(ctx.ABI.SP))
	}
	return pad
}

func restoreRegs(v *vasm.Vout, ctx *Context, regs []jit.Reg, pad int32) {
	if pad > 0 {
		v.Addqi(pad, vasm.Phys(ctx.ABI.SP))
	}
	for i := len(regs) - 1; i >= 0; i-- {
		v.Pop(vasm.Phys(regs[i]))
	}
}

// TLSDatum is a thread-local variable: its offset from the thread pointer
// and the key the lookup function takes.
type TLSDatum struct {
	Offset int32
	Key    uint64
}

// EmitTLSLoad loads datum into dest. Without FastTLS it calls the lookup
// function, preserving every caller-saved register other than dest.
func EmitTLSLoad(v *vasm.Vout, ctx *Context, datum TLSDatum, dest vasm.Vreg) {
	if ctx.FastTLS {
		v.Load(vasm.TLS(datum.Offset), dest)
		return
	}
	if ctx.TLSGetSpecific == jit.NoTCA {
		jit.Fatalf("thread-local load without a lookup function")
	}
	regs := ctx.ABI.CallerSaved.Remove(dest.Reg()).Regs()
	pad := saveRegs(v, ctx, regs)
	v.Ldimmq(datum.Key, vasm.Phys(ctx.ABI.Arg(0)))
	EmitCall(v, ctx, Direct(ctx.TLSGetSpecific), ctx.ABI.ArgSet(1))
	if ret := vasm.Phys(ctx.ABI.Ret(0)); ret != dest {
		v.Copy(ret, dest)
	}
	restoreRegs(v, ctx, regs, pad)
}
