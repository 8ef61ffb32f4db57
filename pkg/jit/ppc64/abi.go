package ppc64

import "github.com/ascrivener/tcgen/pkg/jit"

// Lowering scratch registers. rAddr builds addresses that do not fit a
// displacement; rAsm holds immediates and loaded operands.
const (
	rAsm  = R11
	rAddr = R12
	// rTLS is the thread pointer segment-relative operands are based on.
	rTLS = R13
)

// ABI is the ELFv2 convention with the VM registers pinned to the top of
// the callee-saved range.
var ABI = jit.ABI{
	SP:          R1,
	Args:        []jit.Reg{R3, R4, R5, R6, R7, R8, R9, R10},
	Rets:        []jit.Reg{R3, R4},
	CalleeSaved: calleeSaved(),
	CallerSaved: jit.MakeRegSet(R0, R3, R4, R5, R6, R7, R8, R9, R10, R11, R12),
	CallScratch: R12,
	VMFP:        R28,
	VMSP:        R29,
	VMTL:        R30,
	FrameHeader: 32,
	RegName:     RegName,
}

func calleeSaved() jit.RegSet {
	var s jit.RegSet
	for r := R14; r <= R31; r++ {
		s = s.Add(r)
	}
	return s
}
