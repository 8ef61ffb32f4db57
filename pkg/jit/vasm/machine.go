package vasm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/ascrivener/tcgen/pkg/jit"
)

// Memory is the address space a Machine reads and writes.
type Memory interface {
	Load(addr uint64, size int) uint64
	Store(addr uint64, size int, v uint64)
}

// SparseMemory is a little-endian byte map; unwritten bytes read as zero.
type SparseMemory map[uint64]byte

func (m SparseMemory) Load(addr uint64, size int) uint64 {
	var buf [8]byte
	for i := 0; i < size; i++ {
		buf[i] = m[addr+uint64(i)]
	}
	return binary.LittleEndian.Uint64(buf[:])
}

func (m SparseMemory) Store(addr uint64, size int, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	for i := 0; i < size; i++ {
		m[addr+uint64(i)] = buf[i]
	}
}

// Native is host code reachable through a call or jump to its address.
type Native func(m *Machine) error

// Entry is code reachable by address: a block of a unit.
type Entry struct {
	Unit  *Unit
	Label Label
}

var (
	ErrTrap      = errors.New("vasm: trap")
	ErrStepLimit = errors.New("vasm: step limit exceeded")
)

// Machine interprets units. It models the registers, status flags and
// memory that lowered code would touch, which lets helper sequences be
// checked without executing native code.
type Machine struct {
	Regs    map[Vreg]uint64
	Flags   jit.Flags
	Mem     Memory
	TLSBase uint64
	SP      jit.Reg
	// CallPush is the number of stack bytes a call pushes.
	CallPush int

	Natives map[jit.TCA]Native
	Code    map[jit.TCA]Entry

	// Exit is set when control leaves through a jump to an address the
	// machine does not know.
	Exit     jit.TCA
	MaxSteps int
	steps    int
	// Trace receives every executed instruction when set.
	Trace func(u *Unit, in *Instr)
}

func NewMachine(sp jit.Reg) *Machine {
	m := &Machine{
		Regs:     map[Vreg]uint64{},
		Mem:      SparseMemory{},
		SP:       sp,
		Natives:  map[jit.TCA]Native{},
		Code:     map[jit.TCA]Entry{},
		MaxSteps: 1 << 20,
	}
	m.Set(sp, 0x7fff_0000)
	return m
}

func (m *Machine) Get(r jit.Reg) uint64    { return m.Regs[Phys(r)] }
func (m *Machine) Set(r jit.Reg, v uint64) { m.Regs[Phys(r)] = v }

// Register makes u's entry reachable at addr.
func (m *Machine) Register(addr jit.TCA, u *Unit) {
	m.Code[addr] = Entry{Unit: u, Label: u.Entry}
}

// Run executes u from its entry until it returns, leaves or traps.
func (m *Machine) Run(u *Unit) error {
	m.Exit = jit.NoTCA
	return m.run(u, u.Entry)
}

func (m *Machine) addr(p Vptr) uint64 {
	a := uint64(int64(p.Disp))
	if p.Base.Valid() {
		a += m.Regs[p.Base]
	}
	if p.Seg == SegTLS {
		a += m.TLSBase
	}
	return a
}

func (m *Machine) push(v uint64) {
	sp := m.Get(m.SP) - 8
	m.Set(m.SP, sp)
	m.Mem.Store(sp, 8, v)
}

func (m *Machine) pop() uint64 {
	sp := m.Get(m.SP)
	m.Set(m.SP, sp+8)
	return m.Mem.Load(sp, 8)
}

func (m *Machine) call(target jit.TCA) error {
	if n, ok := m.Natives[target]; ok {
		return n(m)
	}
	e, ok := m.Code[target]
	if !ok {
		return fmt.Errorf("vasm: call to unknown address %v", target)
	}
	m.Set(m.SP, m.Get(m.SP)-uint64(m.CallPush))
	err := m.run(e.Unit, e.Label)
	m.Set(m.SP, m.Get(m.SP)+uint64(m.CallPush))
	return err
}

func (m *Machine) run(u *Unit, lbl Label) error {
	for {
		code := u.Blocks[lbl].Code
		if len(code) == 0 {
			return fmt.Errorf("vasm: %s: fell into empty block B%d", u.Name, lbl)
		}
		jumped := false
		for i := range code {
			in := &code[i]
			m.steps++
			if m.MaxSteps > 0 && m.steps > m.MaxSteps {
				return ErrStepLimit
			}
			if m.Trace != nil {
				m.Trace(u, in)
			}
			next, target, done, err := m.step(in)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			if target != jit.NoTCA {
				if n, ok := m.Natives[target]; ok {
					return n(m)
				}
				e, ok := m.Code[target]
				if !ok {
					m.Exit = target
					return nil
				}
				u, next = e.Unit, e.Label
			}
			if next != NoLabel {
				lbl = next
				jumped = true
				break
			}
		}
		if !jumped {
			return fmt.Errorf("vasm: %s: ran off the end of B%d", u.Name, lbl)
		}
	}
}

// step executes one instruction. It returns the next block for a branch
// within the unit, an address for a branch out of it, or done on return.
func (m *Machine) step(in *Instr) (next Label, target jit.TCA, done bool, err error) {
	next = NoLabel
	r := m.Regs
	switch in.Op {
	case Nop:
	case Ud2:
		return next, 0, false, ErrTrap
	case Ldimmq, Ldimmqs:
		r[in.D] = uint64(in.Imm)
	case Copy:
		r[in.D] = r[in.S]
	case Load:
		r[in.D] = m.Mem.Load(m.addr(in.M), 8)
	case Loadzbq:
		r[in.D] = m.Mem.Load(m.addr(in.M), 1)
	case Loadzlq:
		r[in.D] = m.Mem.Load(m.addr(in.M), 4)
	case Store:
		m.Mem.Store(m.addr(in.M), 8, r[in.S])
	case Storeqi:
		m.Mem.Store(m.addr(in.M), 8, uint64(in.Imm))
	case Storebi:
		m.Mem.Store(m.addr(in.M), 1, uint64(in.Imm))
	case Lea:
		r[in.D] = m.addr(in.M)
	case Addqi:
		a := r[in.D]
		r[in.D] = m.addFlags(a, uint64(in.Imm), 64)
	case Subqi:
		a := r[in.D]
		r[in.D] = m.subFlags(a, uint64(in.Imm), 64)
	case Inclm, Declm:
		a := m.addr(in.M)
		v := m.Mem.Load(a, 4)
		cf := m.Flags.CF
		if in.Op == Inclm {
			v = m.addFlags(v, 1, 32)
		} else {
			v = m.subFlags(v, 1, 32)
		}
		m.Flags.CF = cf
		m.Mem.Store(a, 4, v)
	case Cmpq:
		m.subFlags(r[in.S], r[in.S2], 64)
	case Cmpqi:
		m.subFlags(r[in.S], uint64(in.Imm), 64)
	case Cmplim:
		m.subFlags(m.Mem.Load(m.addr(in.M), 4), uint64(in.Imm), 32)
	case Cmpqims:
		m.subFlags(m.Mem.Load(m.addr(in.M), 8), uint64(in.Imm), 64)
	case Cmpbi:
		m.subFlags(r[in.S], uint64(in.Imm), 8)
	case Testq:
		m.logicFlags(r[in.S]&r[in.S2], 64)
	case Testlim:
		m.logicFlags(m.Mem.Load(m.addr(in.M), 4)&uint64(in.Imm), 32)
	case Jcc:
		if m.Flags.Holds(in.CC) {
			return in.Taken, 0, false, nil
		}
		return in.Next, 0, false, nil
	case Jmp:
		return in.Taken, 0, false, nil
	case Jmpi, Jmps:
		return next, in.Target, false, nil
	case Jmpr:
		return next, jit.TCA(r[in.S]), false, nil
	case Jccs:
		if m.Flags.Holds(in.CC) {
			return next, in.Target, false, nil
		}
		return in.Next, 0, false, nil
	case Bindjcc:
		if m.Flags.Holds(in.CC) {
			return next, in.Target, false, nil
		}
		return next, in.Target2, false, nil
	case Call, Calls:
		err = m.call(in.Target)
	case Callr:
		err = m.call(jit.TCA(r[in.S]))
	case Ret:
		return next, 0, true, nil
	case Push:
		m.push(r[in.S])
	case Pop:
		r[in.D] = m.pop()
	case Prologue:
		for _, reg := range in.Saved.Regs() {
			m.push(m.Get(reg))
		}
	case Epilogue:
		regs := in.Saved.Regs()
		for i := len(regs) - 1; i >= 0; i-- {
			m.Set(regs[i], m.pop())
		}
	default:
		err = fmt.Errorf("vasm: cannot execute %v", in.Op)
	}
	return next, 0, false, err
}

func mask(width int) uint64 {
	if width == 64 {
		return ^uint64(0)
	}
	return 1<<width - 1
}

func (m *Machine) setResultFlags(res uint64, width int) {
	m.Flags.ZF = res == 0
	m.Flags.SF = res>>(width-1)&1 != 0
	m.Flags.PF = bits.OnesCount8(uint8(res))%2 == 0
}

func (m *Machine) subFlags(a, b uint64, width int) uint64 {
	mk := mask(width)
	a, b = a&mk, b&mk
	res := (a - b) & mk
	m.setResultFlags(res, width)
	m.Flags.CF = a < b
	m.Flags.OF = ((a^b)&(a^res))>>(width-1)&1 != 0
	return res
}

func (m *Machine) addFlags(a, b uint64, width int) uint64 {
	mk := mask(width)
	a, b = a&mk, b&mk
	res := (a + b) & mk
	m.setResultFlags(res, width)
	m.Flags.CF = res < a
	m.Flags.OF = (^(a^b)&(a^res))>>(width-1)&1 != 0
	return res
}

func (m *Machine) logicFlags(res uint64, width int) {
	m.setResultFlags(res&mask(width), width)
	m.Flags.CF = false
	m.Flags.OF = false
}
