// Package jit holds the vocabulary shared by the code cache, the per-target
// emitters, the helper library and the unique stubs.
package jit

import "fmt"

// TCA is an address inside the translation cache.
type TCA uintptr

// NoTCA is returned by address decoders that find no matching instruction.
const NoTCA TCA = 0

func (a TCA) String() string {
	return fmt.Sprintf("%#x", uintptr(a))
}

// Aligned reports whether a is a multiple of align (a power of two).
func (a TCA) Aligned(align int) bool {
	return uintptr(a)&uintptr(align-1) == 0
}

// Named alignments used when padding code.
const (
	AlignJmpTarget = 16
	AlignCacheLine = 64
)

// Kind identifies one of the patchable instruction shapes.
type Kind uint8

const (
	KindLoadImm64 Kind = iota
	KindCmpImm32
	KindCall
	KindJump
	KindCondJump
	KindCondJumpThenJump

	NumKinds = int(KindCondJumpThenJump) + 1
)

var kindNames = [...]string{
	KindLoadImm64:        "LoadImm64",
	KindCmpImm32:         "CmpImm32",
	KindCall:             "Call",
	KindJump:             "Jump",
	KindCondJump:         "CondJump",
	KindCondJumpThenJump: "CondJumpThenJump",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Shape is the fixed byte length and start alignment of a smashable kind.
// Len <= Align <= AlignCacheLine, so a smashable instruction never crosses
// a cache line.
type Shape struct {
	Len   int
	Align int
}

// ShapeTable maps every Kind to its Shape for one target.
type ShapeTable [NumKinds]Shape

// Check reports the first entry that breaks the length/alignment rules.
func (t *ShapeTable) Check() error {
	for k, s := range t {
		switch {
		case s.Align <= 0 || s.Align&(s.Align-1) != 0:
			return fmt.Errorf("%v: alignment %d is not a power of two", Kind(k), s.Align)
		case s.Len <= 0 || s.Len > s.Align:
			return fmt.Errorf("%v: length %d exceeds alignment %d", Kind(k), s.Len, s.Align)
		case s.Align > AlignCacheLine:
			return fmt.Errorf("%v: alignment %d exceeds a cache line", Kind(k), s.Align)
		}
	}
	return nil
}
