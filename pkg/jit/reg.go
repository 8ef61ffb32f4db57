package jit

import (
	"math/bits"
	"strings"
)

// Reg is a physical register number. Its meaning belongs to the backend.
type Reg uint8

// MaxPhysRegs bounds the register numbers any backend may use.
const MaxPhysRegs = 64

// InvalidReg marks an absent register operand.
const InvalidReg Reg = 0xff

// RegSet is a set of physical registers.
type RegSet uint64

// MakeRegSet builds a set from its members.
func MakeRegSet(regs ...Reg) RegSet {
	var s RegSet
	for _, r := range regs {
		s = s.Add(r)
	}
	return s
}

func (s RegSet) Add(r Reg) RegSet {
	if r >= MaxPhysRegs {
		Fatalf("register %d out of range", r)
	}
	return s | 1<<r
}

func (s RegSet) Remove(r Reg) RegSet       { return s &^ (1 << r) }
func (s RegSet) Contains(r Reg) bool       { return r < MaxPhysRegs && s&(1<<r) != 0 }
func (s RegSet) Union(o RegSet) RegSet     { return s | o }
func (s RegSet) Intersect(o RegSet) RegSet { return s & o }
func (s RegSet) Len() int                  { return bits.OnesCount64(uint64(s)) }
func (s RegSet) Empty() bool               { return s == 0 }

// Regs returns the members in ascending order.
func (s RegSet) Regs() []Reg {
	out := make([]Reg, 0, s.Len())
	for s != 0 {
		r := Reg(bits.TrailingZeros64(uint64(s)))
		out = append(out, r)
		s = s.Remove(r)
	}
	return out
}

// Format renders the set using a backend's register names.
func (s RegSet) Format(name func(Reg) string) string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, r := range s.Regs() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(name(r))
	}
	sb.WriteByte('}')
	return sb.String()
}
