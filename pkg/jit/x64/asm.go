// Package x64 is the x86-64 backend: encoder, smashable instructions and
// lowering of the virtual instruction stream.
package x64

import (
	"encoding/binary"

	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
)

// Reg is an x86-64 general purpose register number.
type Reg = jit.Reg

const (
	RAX Reg = 0
	RCX Reg = 1
	RDX Reg = 2
	RBX Reg = 3
	RSP Reg = 4
	RBP Reg = 5
	RSI Reg = 6
	RDI Reg = 7
	R8  Reg = 8
	R9  Reg = 9
	R10 Reg = 10
	R11 Reg = 11
	R12 Reg = 12
	R13 Reg = 13
	R14 Reg = 14
	R15 Reg = 15
)

// NoBase marks a memory operand with an absolute 32-bit displacement.
const NoBase = jit.InvalidReg

var regNames = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func RegName(r Reg) string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "r?"
}

// Mem is a memory operand [fs: base + disp].
type Mem struct {
	Base Reg
	Disp int32
	FS   bool
}

// Assembler emits x86-64 machine code at a block's frontier.
type Assembler struct {
	cb *codecache.Block
}

func NewAssembler(cb *codecache.Block) *Assembler {
	return &Assembler{cb: cb}
}

// Frontier returns the address the next instruction lands at.
func (a *Assembler) Frontier() jit.TCA {
	return a.cb.Frontier()
}

func (a *Assembler) emit(bytes ...byte) {
	a.cb.Bytes(bytes...)
}

func (a *Assembler) emitInt32(v int32) {
	a.emit(binary.LittleEndian.AppendUint32(nil, uint32(v))...)
}

func (a *Assembler) emitUint64(v uint64) {
	a.emit(binary.LittleEndian.AppendUint64(nil, v)...)
}

// rex builds REX prefix: 0100WRXB
// W=1 for 64-bit operand size
// R=1 if reg field uses R8-R15
// X=1 if SIB index uses R8-R15
// B=1 if rm field uses R8-R15
func rex(w, r, x, b bool) byte {
	var prefix byte = 0x40
	if w {
		prefix |= 0x08
	}
	if r {
		prefix |= 0x04
	}
	if x {
		prefix |= 0x02
	}
	if b {
		prefix |= 0x01
	}
	return prefix
}

// rexW returns REX.W prefix for 64-bit operations
func rexW(reg, rm Reg) byte {
	return rex(true, reg >= 8, false, rm >= 8)
}

// modRM builds ModR/M byte: [mod:2][reg:3][rm:3]
// mod should be pre-shifted: 0x00=no disp, 0x40=disp8, 0x80=disp32, 0xC0=register
func modRM(mod byte, reg, rm Reg) byte {
	return mod | ((byte(reg) & 7) << 3) | (byte(rm) & 7)
}

func fitsInt8(v int64) bool  { return v >= -128 && v <= 127 }
func fitsInt32(v int64) bool { return v >= -1<<31 && v < 1<<31 }

// memInsn emits [fs] [rex] opcode modrm [sib] [disp] for a memory operand.
// reg is either a register or an opcode extension.
func (a *Assembler) memInsn(w bool, reg Reg, m Mem, opcode ...byte) {
	if m.FS {
		a.emit(0x64)
	}
	b := m.Base != NoBase && m.Base >= 8
	if w || reg >= 8 || b {
		a.emit(rex(w, reg >= 8, false, b))
	}
	a.emit(opcode...)
	a.emitMemOperand(reg, m)
}

// emitMemOperand emits ModR/M and displacement for memory operands
func (a *Assembler) emitMemOperand(reg Reg, m Mem) {
	base, disp := m.Base, m.Disp
	switch {
	case base == NoBase:
		// SIB with no base and no index: absolute disp32.
		a.emit(modRM(0x00, reg, RSP), 0x25)
		a.emitInt32(disp)
	case base == RSP || base == R12:
		if disp == 0 {
			a.emit(modRM(0x00, reg, RSP), 0x24)
		} else if fitsInt8(int64(disp)) {
			a.emit(modRM(0x40, reg, RSP), 0x24, byte(disp))
		} else {
			a.emit(modRM(0x80, reg, RSP), 0x24)
			a.emitInt32(disp)
		}
	case base == RBP || base == R13:
		if fitsInt8(int64(disp)) {
			a.emit(modRM(0x40, reg, base), byte(disp))
		} else {
			a.emit(modRM(0x80, reg, base))
			a.emitInt32(disp)
		}
	case disp == 0:
		a.emit(modRM(0x00, reg, base))
	case fitsInt8(int64(disp)):
		a.emit(modRM(0x40, reg, base), byte(disp))
	default:
		a.emit(modRM(0x80, reg, base))
		a.emitInt32(disp)
	}
}

// MovRegReg: mov dst, src (64-bit)
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.emit(rexW(src, dst), 0x89, modRM(0xC0, src, dst))
}

// MovRegImm64: mov reg, imm64
func (a *Assembler) MovRegImm64(reg Reg, imm uint64) {
	// REX.W + B8+rd + imm64
	a.emit(rex(true, false, false, reg >= 8), 0xB8|byte(reg&7))
	a.emitUint64(imm)
}

// MovRegImm32: mov reg32, imm32 (zero-extends to 64-bit)
func (a *Assembler) MovRegImm32(reg Reg, imm uint32) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xB8 | byte(reg&7))
	a.emitInt32(int32(imm))
}

// MovRegImm32SignExt: mov reg, imm32 (sign-extended to 64-bit)
func (a *Assembler) MovRegImm32SignExt(reg Reg, imm int32) {
	// REX.W + C7 /0 + imm32
	a.emit(rex(true, false, false, reg >= 8), 0xC7, modRM(0xC0, 0, reg))
	a.emitInt32(imm)
}

// MovImm picks the shortest encoding that loads imm.
func (a *Assembler) MovImm(reg Reg, imm uint64) {
	switch {
	case imm <= 0xffffffff:
		a.MovRegImm32(reg, uint32(imm))
	case fitsInt32(int64(imm)):
		a.MovRegImm32SignExt(reg, int32(imm))
	default:
		a.MovRegImm64(reg, imm)
	}
}

// MovRegMem64: mov reg, m (64-bit load)
func (a *Assembler) MovRegMem64(reg Reg, m Mem) {
	a.memInsn(true, reg, m, 0x8B)
}

// MovRegMem32: mov reg32, m (zero-extends to 64-bit)
func (a *Assembler) MovRegMem32(reg Reg, m Mem) {
	a.memInsn(false, reg, m, 0x8B)
}

// MovzxRegMem8: movzx reg32, byte m
func (a *Assembler) MovzxRegMem8(reg Reg, m Mem) {
	a.memInsn(false, reg, m, 0x0F, 0xB6)
}

// MovMemReg64: mov m, reg (64-bit store)
func (a *Assembler) MovMemReg64(m Mem, reg Reg) {
	a.memInsn(true, reg, m, 0x89)
}

// MovMemImm32: mov qword m, imm32 (sign-extended)
func (a *Assembler) MovMemImm32(m Mem, imm int32) {
	a.memInsn(true, 0, m, 0xC7)
	a.emitInt32(imm)
}

// MovMem32Imm32: mov dword m, imm32
func (a *Assembler) MovMem32Imm32(m Mem, imm int32) {
	a.memInsn(false, 0, m, 0xC7)
	a.emitInt32(imm)
}

// MovMem8Imm8: mov byte m, imm8
func (a *Assembler) MovMem8Imm8(m Mem, imm int8) {
	a.memInsn(false, 0, m, 0xC6)
	a.emit(byte(imm))
}

// Lea: lea reg, m
func (a *Assembler) Lea(reg Reg, m Mem) {
	if m.FS {
		jit.Fatalf("lea of a segment-relative operand")
	}
	a.memInsn(true, reg, m, 0x8D)
}

// AddRegImm32: add reg, imm32 (64-bit, sign-extended)
func (a *Assembler) AddRegImm32(reg Reg, imm int32) {
	if fitsInt8(int64(imm)) {
		a.emit(rexW(0, reg), 0x83, modRM(0xC0, 0, reg), byte(imm))
	} else {
		a.emit(rexW(0, reg), 0x81, modRM(0xC0, 0, reg))
		a.emitInt32(imm)
	}
}

// SubRegImm32: sub reg, imm32 (64-bit, sign-extended)
func (a *Assembler) SubRegImm32(reg Reg, imm int32) {
	if fitsInt8(int64(imm)) {
		a.emit(rexW(0, reg), 0x83, modRM(0xC0, 5, reg), byte(imm))
	} else {
		a.emit(rexW(0, reg), 0x81, modRM(0xC0, 5, reg))
		a.emitInt32(imm)
	}
}

// IncMem32: inc dword m
func (a *Assembler) IncMem32(m Mem) {
	a.memInsn(false, 0, m, 0xFF)
}

// DecMem32: dec dword m
func (a *Assembler) DecMem32(m Mem) {
	a.memInsn(false, 1, m, 0xFF)
}

// CmpRegReg: cmp left, right (64-bit)
func (a *Assembler) CmpRegReg(left, right Reg) {
	a.emit(rexW(right, left), 0x39, modRM(0xC0, right, left))
}

// CmpRegImm32: cmp reg, imm32 (64-bit, sign-extended)
func (a *Assembler) CmpRegImm32(reg Reg, imm int32) {
	if fitsInt8(int64(imm)) {
		a.emit(rexW(0, reg), 0x83, modRM(0xC0, 7, reg), byte(imm))
	} else {
		a.emit(rexW(0, reg), 0x81, modRM(0xC0, 7, reg))
		a.emitInt32(imm)
	}
}

// CmpReg8Imm8: cmp reg8, imm8
func (a *Assembler) CmpReg8Imm8(reg Reg, imm int8) {
	// SPL, BPL, SIL and DIL are only reachable with a REX prefix.
	if reg >= RSP {
		a.emit(rex(false, false, false, reg >= 8))
	}
	a.emit(0x80, modRM(0xC0, 7, reg), byte(imm))
}

// CmpMem32Imm32: cmp dword m, imm32
func (a *Assembler) CmpMem32Imm32(m Mem, imm int32) {
	if fitsInt8(int64(imm)) {
		a.memInsn(false, 7, m, 0x83)
		a.emit(byte(imm))
		return
	}
	a.memInsn(false, 7, m, 0x81)
	a.emitInt32(imm)
}

// CmpMem64Imm32: cmp qword m, imm32 (sign-extended)
func (a *Assembler) CmpMem64Imm32(m Mem, imm int32) {
	a.memInsn(true, 7, m, 0x81)
	a.emitInt32(imm)
}

// TestRegReg: test left, right (64-bit)
func (a *Assembler) TestRegReg(left, right Reg) {
	a.emit(rexW(right, left), 0x85, modRM(0xC0, right, left))
}

// TestMem32Imm32: test dword m, imm32
func (a *Assembler) TestMem32Imm32(m Mem, imm int32) {
	a.memInsn(false, 0, m, 0xF7)
	a.emitInt32(imm)
}

// JccRel32: jcc rel32
func (a *Assembler) JccRel32(cc jit.ConditionCode, rel32 int32) {
	if !cc.Valid() {
		jit.Fatalf("jcc with condition %v", cc)
	}
	a.emit(0x0F, 0x80|byte(cc))
	a.emitInt32(rel32)
}

// JmpRel32: jmp rel32
func (a *Assembler) JmpRel32(rel32 int32) {
	a.emit(0xE9)
	a.emitInt32(rel32)
}

// JmpReg: jmp reg
func (a *Assembler) JmpReg(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modRM(0xC0, 4, reg))
}

// CallReg: call reg
func (a *Assembler) CallReg(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0xFF, modRM(0xC0, 2, reg))
}

// CallRel32: call rel32
func (a *Assembler) CallRel32(rel32 int32) {
	a.emit(0xE8)
	a.emitInt32(rel32)
}

// Ret: ret
func (a *Assembler) Ret() {
	a.emit(0xC3)
}

// Push: push reg
func (a *Assembler) Push(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x50 | byte(reg&7))
}

// Pop: pop reg
func (a *Assembler) Pop(reg Reg) {
	if reg >= 8 {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x58 | byte(reg&7))
}

// Ud2: ud2
func (a *Assembler) Ud2() {
	a.emit(0x0F, 0x0B)
}

// nops holds the recommended multi-byte nop of each length.
var nops = [...][]byte{
	1: {0x90},
	2: {0x66, 0x90},
	3: {0x0F, 0x1F, 0x00},
	4: {0x0F, 0x1F, 0x40, 0x00},
	5: {0x0F, 0x1F, 0x44, 0x00, 0x00},
	6: {0x66, 0x0F, 0x1F, 0x44, 0x00, 0x00},
	7: {0x0F, 0x1F, 0x80, 0x00, 0x00, 0x00, 0x00},
	8: {0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	9: {0x66, 0x0F, 0x1F, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

// Nop emits n bytes of no-ops using as few instructions as possible.
func (a *Assembler) Nop(n int) {
	for n > 0 {
		k := min(n, len(nops)-1)
		a.emit(nops[k]...)
		n -= k
	}
}

// AlignTo pads with no-ops until the frontier is a multiple of align.
func (a *Assembler) AlignTo(align int) {
	gap := int(-uintptr(a.Frontier()) & uintptr(align-1))
	a.Nop(gap)
}
