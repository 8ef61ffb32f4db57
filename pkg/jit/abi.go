package jit

// ABI describes the register conventions a backend exposes to the helper
// library and the unique stubs.
type ABI struct {
	SP Reg
	// Args are the integer argument registers in order.
	Args []Reg
	// Rets are the integer return registers in order.
	Rets []Reg

	CalleeSaved RegSet
	CallerSaved RegSet

	// CallScratch is clobbered by calls and not an argument register; the
	// helper library materializes far call targets into it.
	CallScratch Reg

	// VM registers pinned across generated code.
	VMFP Reg
	VMSP Reg
	VMTL Reg

	// ReturnAddrSize is the number of stack bytes a call pushes. It is zero
	// on targets that return through a link register.
	ReturnAddrSize int32
	// FrameHeader is the stack a caller leaves free below its own data for
	// the callee to store linkage into.
	FrameHeader int32

	// RegName renders a register for diagnostics.
	RegName func(Reg) string
}

func (a *ABI) Arg(i int) Reg {
	if i >= len(a.Args) {
		Fatalf("argument register %d out of range", i)
	}
	return a.Args[i]
}

func (a *ABI) Ret(i int) Reg {
	if i >= len(a.Rets) {
		Fatalf("return register %d out of range", i)
	}
	return a.Rets[i]
}

// ArgSet returns the first n argument registers as a set.
func (a *ABI) ArgSet(n int) RegSet {
	var s RegSet
	for i := 0; i < n; i++ {
		s = s.Add(a.Arg(i))
	}
	return s
}
