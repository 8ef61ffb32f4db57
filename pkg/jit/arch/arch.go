// Package arch selects the code generation backend for a target.
package arch

import (
	"fmt"
	"io"

	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/ppc64"
	"github.com/ascrivener/tcgen/pkg/jit/vasm"
	"github.com/ascrivener/tcgen/pkg/jit/x64"
)

// Backend emits, patches and decodes the smashable instructions of one
// target and lowers vasm units for it. Smash and decode operations find the
// owning block through the directory the backend was created with.
type Backend interface {
	Name() string
	ABI() *jit.ABI
	Shape(k jit.Kind) jit.Shape
	Shapes() *jit.ShapeTable
	// MaxShortFill is the largest forward distance a smashed jump is
	// replaced by a run of nops for.
	MaxShortFill() int
	Align(cb *codecache.Block, n int)
	// CallFits reports whether target is reachable by a direct call from
	// anywhere in the translation cache.
	CallFits(target jit.TCA) bool

	EmitSmashableLoadImm64(cb *codecache.Block, meta *jit.Meta, imm uint64, d jit.Reg) jit.TCA
	EmitSmashableCmpImm32(cb *codecache.Block, meta *jit.Meta, imm int32, base jit.Reg, disp int8) jit.TCA
	EmitSmashableCall(cb *codecache.Block, meta *jit.Meta, target jit.TCA) jit.TCA
	EmitSmashableJump(cb *codecache.Block, meta *jit.Meta, target jit.TCA) jit.TCA
	EmitSmashableCondJump(cb *codecache.Block, meta *jit.Meta, target jit.TCA, cc jit.ConditionCode) jit.TCA
	EmitSmashableCondJumpThenJump(cb *codecache.Block, meta *jit.Meta, target, fallthru jit.TCA, cc jit.ConditionCode) (jcc, jmp jit.TCA)

	SmashLoadImm64(inst jit.TCA, imm uint64)
	SmashCmpImm32(inst jit.TCA, imm int32)
	SmashCall(inst, target jit.TCA)
	SmashJump(inst, target jit.TCA)
	SmashCondJump(inst, target jit.TCA, cc jit.ConditionCode)

	SmashableLoadImm64(inst jit.TCA) (uint64, bool)
	SmashableCmpImm32(inst jit.TCA) (int32, bool)
	SmashableCallTarget(inst jit.TCA) jit.TCA
	SmashableJumpTarget(inst jit.TCA) jit.TCA
	SmashableCondJumpTarget(inst jit.TCA) jit.TCA
	SmashableCondJumpCond(inst jit.TCA) jit.ConditionCode

	Lower(u *vasm.Unit, main, cold *codecache.Block, meta *jit.Meta) *vasm.Layout
	Disassemble(w io.Writer, code []byte, pc jit.TCA) error
}

var (
	_ Backend = (*x64.Backend)(nil)
	_ Backend = (*ppc64.Backend)(nil)
)

// Names lists the supported targets.
var Names = []string{"x64", "ppc64"}

// New returns the backend named by opts.Arch.
func New(opts jit.Options, dir *codecache.Directory) (Backend, error) {
	switch opts.Arch {
	case "x64":
		return x64.New(dir), nil
	case "ppc64":
		return ppc64.New(dir), nil
	default:
		return nil, fmt.Errorf("unsupported architecture %q", opts.Arch)
	}
}

// MustCallTarget decodes the call at inst, failing if there is none.
func MustCallTarget(b Backend, inst jit.TCA) jit.TCA {
	t := b.SmashableCallTarget(inst)
	if t == jit.NoTCA {
		jit.Fatalf("%s: no smashable call at %v", b.Name(), inst)
	}
	return t
}

func MustJumpTarget(b Backend, inst jit.TCA) jit.TCA {
	t := b.SmashableJumpTarget(inst)
	if t == jit.NoTCA {
		jit.Fatalf("%s: no smashable jump at %v", b.Name(), inst)
	}
	return t
}

func MustCondJumpTarget(b Backend, inst jit.TCA) jit.TCA {
	t := b.SmashableCondJumpTarget(inst)
	if t == jit.NoTCA {
		jit.Fatalf("%s: no smashable conditional jump at %v", b.Name(), inst)
	}
	return t
}

// Smash retargets the smashable branch of kind k at inst.
func Smash(b Backend, k jit.Kind, inst, target jit.TCA) {
	switch k {
	case jit.KindCall:
		b.SmashCall(inst, target)
	case jit.KindJump:
		b.SmashJump(inst, target)
	case jit.KindCondJump:
		b.SmashCondJump(inst, target, jit.CondNone)
	default:
		jit.Fatalf("%s: %v is not a branch", b.Name(), k)
	}
}

// Target decodes the destination of the smashable branch of kind k at inst.
func Target(b Backend, k jit.Kind, inst jit.TCA) jit.TCA {
	switch k {
	case jit.KindCall:
		return b.SmashableCallTarget(inst)
	case jit.KindJump:
		return b.SmashableJumpTarget(inst)
	case jit.KindCondJump:
		return b.SmashableCondJumpTarget(inst)
	}
	return jit.NoTCA
}
