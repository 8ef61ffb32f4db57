package vasm

import (
	"fmt"
	"strings"

	"github.com/ascrivener/tcgen/pkg/jit"
)

// Op is a virtual instruction opcode.
type Op uint8

const (
	Nop Op = iota
	Ud2

	// moves
	Ldimmq  // D = Imm
	Copy    // D = S
	Load    // D = M (64-bit)
	Loadzbq // D = zero-extended byte M
	Loadzlq // D = zero-extended dword M
	Store   // M = S (64-bit)
	Storeqi // M = Imm (64-bit)
	Storebi // M = low byte of Imm
	Lea     // D = address of M

	// arithmetic, setting flags
	Addqi // D += Imm
	Subqi // D -= Imm
	Inclm // dword M += 1
	Declm // dword M -= 1

	// comparisons: flags from left - right, or left & right for tests
	Cmpq    // S - S2
	Cmpqi   // S - Imm
	Cmplim  // dword M - Imm
	Cmpbi   // low byte of S - Imm
	Testq   // S & S2
	Testlim // dword M & Imm

	// control flow
	Jcc      // CC ? Taken : Next
	Jmp      // Taken
	Jmpi     // Target
	Jmpr     // S
	Call     // Target, arguments in Args
	Callr    // S, arguments in Args
	Ret      //
	Push     // S
	Pop      // D
	Prologue // save Saved and the return linkage
	Epilogue // restore Saved and the return linkage

	// smashable forms
	Ldimmqs // D = Imm
	Cmpqims // qword M - sign-extended Imm
	Calls   // Target
	Jmps    // Target
	Jccs    // CC ? Target : Next
	Bindjcc // CC ? Target : Target2

	numOps
)

var opNames = [numOps]string{
	Nop: "nop", Ud2: "ud2",
	Ldimmq: "ldimmq", Copy: "copy", Load: "load", Loadzbq: "loadzbq", Loadzlq: "loadzlq",
	Store: "store", Storeqi: "storeqi", Storebi: "storebi", Lea: "lea",
	Addqi: "addqi", Subqi: "subqi", Inclm: "inclm", Declm: "declm",
	Cmpq: "cmpq", Cmpqi: "cmpqi", Cmplim: "cmplim", Cmpbi: "cmpbi", Testq: "testq", Testlim: "testlim",
	Jcc: "jcc", Jmp: "jmp", Jmpi: "jmpi", Jmpr: "jmpr", Call: "call", Callr: "callr", Ret: "ret",
	Push: "push", Pop: "pop", Prologue: "prologue", Epilogue: "epilogue",
	Ldimmqs: "ldimmqs", Cmpqims: "cmpqims", Calls: "calls", Jmps: "jmps", Jccs: "jccs", Bindjcc: "bindjcc",
}

func (o Op) String() string {
	if o < numOps {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Terminal reports whether o ends a block.
func (o Op) Terminal() bool {
	switch o {
	case Jcc, Jmp, Jmpi, Jmpr, Ret, Ud2, Jmps, Jccs, Bindjcc:
		return true
	}
	return false
}

// Instr is one virtual instruction. Which fields are meaningful depends on
// Op; the comments on the opcodes name them.
type Instr struct {
	Op      Op
	CC      jit.ConditionCode
	D       Vreg
	S       Vreg
	S2      Vreg
	M       Vptr
	Imm     int64
	Target  jit.TCA
	Target2 jit.TCA
	Taken   Label
	Next    Label
	Args    jit.RegSet
	Saved   jit.RegSet
}

func (in *Instr) String() string {
	var sb strings.Builder
	sb.WriteString(in.Op.String())
	arg := func(format string, a ...any) {
		sb.WriteByte(' ')
		fmt.Fprintf(&sb, format, a...)
	}
	switch in.Op {
	case Ldimmq, Ldimmqs:
		arg("%#x, %v", uint64(in.Imm), in.D)
	case Copy:
		arg("%v, %v", in.S, in.D)
	case Load, Loadzbq, Loadzlq, Lea:
		arg("%v, %v", in.M, in.D)
	case Store:
		arg("%v, %v", in.S, in.M)
	case Storeqi, Storebi, Inclm, Declm, Cmplim, Testlim, Cmpqims:
		arg("%#x, %v", in.Imm, in.M)
	case Addqi, Subqi:
		arg("%d, %v", in.Imm, in.D)
	case Cmpq, Testq:
		arg("%v, %v", in.S, in.S2)
	case Cmpqi, Cmpbi:
		arg("%v, %#x", in.S, in.Imm)
	case Jcc:
		arg("%v, B%d, B%d", in.CC, in.Taken, in.Next)
	case Jmp:
		arg("B%d", in.Taken)
	case Jmpi, Call, Calls, Jmps:
		arg("%v", in.Target)
	case Jccs:
		arg("%v, %v, B%d", in.CC, in.Target, in.Next)
	case Bindjcc:
		arg("%v, %v, %v", in.CC, in.Target, in.Target2)
	case Jmpr, Callr, Push:
		arg("%v", in.S)
	case Pop:
		arg("%v", in.D)
	case Prologue, Epilogue:
		arg("%#x", uint64(in.Saved))
	}
	return sb.String()
}

// regs returns every register operand of in.
func (in *Instr) regs() []Vreg {
	return []Vreg{in.D, in.S, in.S2, in.M.Base}
}

func (u *Unit) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "unit %s:\n", u.Name)
	for i := range u.Blocks {
		b := &u.Blocks[i]
		fmt.Fprintf(&sb, "B%d (%v):\n", i, b.Area)
		for j := range b.Code {
			fmt.Fprintf(&sb, "    %s\n", b.Code[j].String())
		}
	}
	return sb.String()
}
