package jit

import "fmt"

// ConditionCode is the outcome tested by a conditional branch. The values
// of the sixteen real conditions match the x86 condition nibble.
type ConditionCode int8

const (
	CondO  ConditionCode = 0x0
	CondNO ConditionCode = 0x1
	CondB  ConditionCode = 0x2
	CondAE ConditionCode = 0x3
	CondE  ConditionCode = 0x4
	CondNE ConditionCode = 0x5
	CondBE ConditionCode = 0x6
	CondA  ConditionCode = 0x7
	CondS  ConditionCode = 0x8
	CondNS ConditionCode = 0x9
	CondP  ConditionCode = 0xa
	CondNP ConditionCode = 0xb
	CondL  ConditionCode = 0xc
	CondGE ConditionCode = 0xd
	CondLE ConditionCode = 0xe
	CondG  ConditionCode = 0xf

	// CondNone means no condition: the branch is always taken.
	CondNone ConditionCode = -1
	// CondInvalid is returned by condition decoders that find no branch.
	CondInvalid ConditionCode = -2
)

// Aliases.
const (
	CondZ  = CondE
	CondNZ = CondNE
	CondC  = CondB
	CondNC = CondAE
)

var ccNames = [16]string{
	"O", "NO", "B", "AE", "E", "NE", "BE", "A",
	"S", "NS", "P", "NP", "L", "GE", "LE", "G",
}

// Valid reports whether cc is one of the sixteen real conditions.
func (cc ConditionCode) Valid() bool {
	return cc >= CondO && cc <= CondG
}

// Negate returns the opposite condition. CondNone has no opposite.
func (cc ConditionCode) Negate() ConditionCode {
	if !cc.Valid() {
		Fatalf("negating condition %v", cc)
	}
	return cc ^ 1
}

func (cc ConditionCode) String() string {
	switch {
	case cc.Valid():
		return ccNames[cc]
	case cc == CondNone:
		return "None"
	case cc == CondInvalid:
		return "Invalid"
	}
	return fmt.Sprintf("CC(%d)", int8(cc))
}

// Flags is the status-flag state a comparison leaves behind.
type Flags struct {
	CF, ZF, SF, OF, PF bool
}

// Holds evaluates cc against f.
func (f Flags) Holds(cc ConditionCode) bool {
	var r bool
	switch cc &^ 1 {
	case CondO:
		r = f.OF
	case CondB:
		r = f.CF
	case CondE:
		r = f.ZF
	case CondBE:
		r = f.CF || f.ZF
	case CondS:
		r = f.SF
	case CondP:
		r = f.PF
	case CondL:
		r = f.SF != f.OF
	case CondLE:
		r = f.ZF || f.SF != f.OF
	default:
		if cc == CondNone {
			return true
		}
		Fatalf("evaluating condition %v", cc)
	}
	if cc&1 != 0 {
		return !r
	}
	return r
}
