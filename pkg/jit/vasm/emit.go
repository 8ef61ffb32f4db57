package vasm

import (
	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
)

// Lowerer encodes virtual instructions for one target.
type Lowerer interface {
	// Lower encodes in, which is neither Jcc nor Jmp, at e.CB's frontier.
	Lower(e *Env, in *Instr)
	// EmitBranch emits a jump (CondNone) or conditional jump whose target
	// is not known yet and returns the site to hand to PatchBranch.
	EmitBranch(cb *codecache.Block, cc jit.ConditionCode) jit.TCA
	// PatchBranch points the branch at site to target.
	PatchBranch(cb *codecache.Block, site, target jit.TCA)
}

// Env is the state visible to a Lowerer while it encodes one instruction.
type Env struct {
	Unit *Unit
	// CB is the block being written: Main or Cold depending on the area.
	CB   *codecache.Block
	Main *codecache.Block
	Cold *codecache.Block
	Meta *jit.Meta
}

// Layout records where each block of a lowered unit landed.
type Layout struct {
	Unit  *Unit
	addrs []jit.TCA
	// Start and End bound the unit's main-area code.
	Start, End jit.TCA
}

// Addr returns the address of block l.
func (l *Layout) Addr(lbl Label) jit.TCA {
	if lbl < 0 || int(lbl) >= len(l.addrs) {
		jit.Fatalf("%s: no block B%d", l.Unit.Name, lbl)
	}
	return l.addrs[lbl]
}

func (l *Layout) Entry() jit.TCA { return l.Addr(l.Unit.Entry) }

type pendingBranch struct {
	cb     *codecache.Block
	site   jit.TCA
	target Label
}

// Emit lowers u: main-area blocks into main and cold-area blocks into cold
// (or after the main blocks when cold is nil), each in creation order.
// Branches between blocks are resolved once every block has an address.
func Emit(u *Unit, main, cold *codecache.Block, meta *jit.Meta, lw Lowerer) *Layout {
	if cold == nil {
		cold = main
	}
	u.check()

	l := &Layout{Unit: u, addrs: make([]jit.TCA, len(u.Blocks))}
	env := &Env{Unit: u, Main: main, Cold: cold, Meta: meta}
	var pending []pendingBranch
	branch := func(cb *codecache.Block, cc jit.ConditionCode, target Label) {
		pending = append(pending, pendingBranch{cb, lw.EmitBranch(cb, cc), target})
	}

	for _, area := range []Area{AreaMain, AreaCold} {
		cb := main
		if area == AreaCold {
			cb = cold
		}
		env.CB = cb
		order := u.Order(area)
		if area == AreaMain {
			l.Start = cb.Frontier()
		}
		for i, lbl := range order {
			next := NoLabel
			if i+1 < len(order) {
				next = order[i+1]
			}
			l.addrs[lbl] = cb.Frontier()
			code := u.Blocks[lbl].Code
			for j := range code {
				in := &code[j]
				switch in.Op {
				case Jmp:
					if in.Taken != next {
						branch(cb, jit.CondNone, in.Taken)
					}
				case Jcc:
					switch {
					case in.Taken == next:
						branch(cb, in.CC.Negate(), in.Next)
					default:
						branch(cb, in.CC, in.Taken)
						if in.Next != next {
							branch(cb, jit.CondNone, in.Next)
						}
					}
				case Jccs:
					lw.Lower(env, in)
					if in.Next != next {
						branch(cb, jit.CondNone, in.Next)
					}
				default:
					lw.Lower(env, in)
				}
			}
		}
		if area == AreaMain {
			l.End = cb.Frontier()
		}
	}

	for _, p := range pending {
		lw.PatchBranch(p.cb, p.site, l.addrs[p.target])
	}
	jit.Logger().Trace().Str("unit", u.Name).
		Stringer("start", l.Start).Int("size", int(l.End-l.Start)).Msg("lowered unit")
	return l
}

// check verifies the unit is ready for lowering: every non-empty block ends
// in a terminal, branch labels exist and no abstract register remains.
func (u *Unit) check() {
	for i := range u.Blocks {
		code := u.Blocks[i].Code
		if len(code) == 0 {
			continue
		}
		if last := code[len(code)-1].Op; !last.Terminal() {
			jit.Fatalf("%s: block B%d ends in non-terminal %v", u.Name, i, last)
		}
		for j := range code {
			in := &code[j]
			for _, r := range in.regs() {
				if r.Valid() && !r.IsPhys() {
					jit.Fatalf("%s: unallocated register %v in %v", u.Name, r, in)
				}
			}
			for _, lbl := range []Label{in.Taken, in.Next} {
				if lbl != NoLabel && (lbl < 0 || int(lbl) >= len(u.Blocks)) {
					jit.Fatalf("%s: %v targets missing block B%d", u.Name, in, lbl)
				}
			}
		}
	}
}
