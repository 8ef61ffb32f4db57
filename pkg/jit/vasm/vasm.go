// Package vasm is the virtual instruction stream every piece of generated
// code is written in. Helpers append instructions to a Unit through a Vout;
// a backend lowers the unit into code blocks.
package vasm

import (
	"fmt"

	"github.com/ascrivener/tcgen/pkg/jit"
)

// Vreg is a register operand. Values below jit.MaxPhysRegs name physical
// registers; larger values are abstract registers local to one unit.
type Vreg uint16

const InvalidVreg Vreg = 0xffff

const firstVirtual Vreg = jit.MaxPhysRegs

// Phys wraps a physical register.
func Phys(r jit.Reg) Vreg {
	if r == jit.InvalidReg {
		return InvalidVreg
	}
	if r >= jit.MaxPhysRegs {
		jit.Fatalf("physical register %d out of range", r)
	}
	return Vreg(r)
}

func (r Vreg) Valid() bool  { return r != InvalidVreg }
func (r Vreg) IsPhys() bool { return r < firstVirtual }

// Reg returns the physical register. Lowering an abstract register is a
// contract violation: allocation must have happened upstream.
func (r Vreg) Reg() jit.Reg {
	if !r.IsPhys() {
		jit.Fatalf("unallocated register %v reached lowering", r)
	}
	return jit.Reg(r)
}

func (r Vreg) String() string {
	switch {
	case r == InvalidVreg:
		return "%invalid"
	case r.IsPhys():
		return fmt.Sprintf("%%r%d", r)
	}
	return fmt.Sprintf("%%v%d", r-firstVirtual)
}

// At returns the memory operand r+disp.
func (r Vreg) At(disp int32) Vptr {
	return Vptr{Base: r, Disp: disp}
}

// Segment selects an address space override for a memory operand.
type Segment uint8

const (
	SegNone Segment = iota
	// SegTLS addresses relative to the thread pointer (%fs on x86-64, r13
	// on ppc64).
	SegTLS
)

// Vptr is a memory operand: [Seg: Base + Disp]. Base may be invalid.
type Vptr struct {
	Base Vreg
	Disp int32
	Seg  Segment
}

// TLS returns the thread-local operand at offset disp.
func TLS(disp int32) Vptr {
	return Vptr{Base: InvalidVreg, Disp: disp, Seg: SegTLS}
}

func (p Vptr) String() string {
	s := ""
	if p.Seg == SegTLS {
		s = "tls:"
	}
	if !p.Base.Valid() {
		return fmt.Sprintf("%s[%#x]", s, p.Disp)
	}
	return fmt.Sprintf("%s[%v%+#x]", s, p.Base, p.Disp)
}

// Label names a block of a unit.
type Label int32

const NoLabel Label = -1

// Area is the code region a block is laid out in.
type Area uint8

const (
	AreaMain Area = iota
	AreaCold
)

func (a Area) String() string {
	if a == AreaCold {
		return "cold"
	}
	return "main"
}

// Block is a straight-line run of instructions ending in a terminal one.
type Block struct {
	Area Area
	Code []Instr
}

// Unit is one independently lowered piece of code, e.g. a stub.
type Unit struct {
	Name   string
	Blocks []Block
	Entry  Label
	next   Vreg
}

// NewUnit returns a unit with an empty entry block in the main area.
func NewUnit(name string) *Unit {
	u := &Unit{Name: name, next: firstVirtual}
	u.Entry = u.MakeBlock(AreaMain)
	return u
}

func (u *Unit) MakeBlock(a Area) Label {
	u.Blocks = append(u.Blocks, Block{Area: a})
	return Label(len(u.Blocks) - 1)
}

// MakeReg returns a fresh abstract register.
func (u *Unit) MakeReg() Vreg {
	r := u.next
	u.next++
	return r
}

// Out returns a stream appending to block l.
func (u *Unit) Out(l Label) *Vout {
	return &Vout{unit: u, block: l}
}

// Main returns a stream positioned at the entry block.
func (u *Unit) Main() *Vout {
	return u.Out(u.Entry)
}

// Order returns the labels of area a in layout order.
func (u *Unit) Order(a Area) []Label {
	var out []Label
	for i := range u.Blocks {
		if u.Blocks[i].Area == a {
			out = append(out, Label(i))
		}
	}
	return out
}
