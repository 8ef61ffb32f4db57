package x64

import "github.com/ascrivener/tcgen/pkg/jit"

// rAsm is reserved for sequences the lowerer expands on its own, such as
// far jumps and calls. Nothing else allocates it.
const rAsm = R10

// ABI is the System V AMD64 convention with the VM registers pinned to
// callee-saved registers.
var ABI = jit.ABI{
	SP:             RSP,
	Args:           []jit.Reg{RDI, RSI, RDX, RCX, R8, R9},
	Rets:           []jit.Reg{RAX, RDX},
	CalleeSaved:    jit.MakeRegSet(RBX, RBP, R12, R13, R14, R15),
	CallerSaved:    jit.MakeRegSet(RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11),
	CallScratch:    R11,
	VMFP:           RBP,
	VMSP:           RBX,
	VMTL:           R12,
	ReturnAddrSize: 8,
	RegName:        RegName,
}
