package ppc64

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/arch/ppc64/ppc64asm"

	"github.com/ascrivener/tcgen/pkg/jit"
)

// Disassemble writes one line per instruction word of code, which starts
// at pc. Words that do not decode are printed as data.
func (b *Backend) Disassemble(w io.Writer, code []byte, pc jit.TCA) error {
	for offset := 0; offset+4 <= len(code); offset += 4 {
		addr := uint64(pc) + uint64(offset)
		word := binary.LittleEndian.Uint32(code[offset:])
		text := fmt.Sprintf(".long %#08x", word)
		if inst, err := ppc64asm.Decode(code[offset:offset+4], binary.LittleEndian); err == nil {
			text = ppc64asm.GNUSyntax(inst, addr)
		}
		if _, err := fmt.Fprintf(w, "%#x: %08x  %s\n", addr, word, text); err != nil {
			return err
		}
	}
	return nil
}
