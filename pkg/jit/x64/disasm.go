package x64

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/ascrivener/tcgen/pkg/jit"
)

// Disassemble writes one line per instruction of code, which starts at pc.
// Bytes that do not decode are printed as data and skipped one at a time.
func (b *Backend) Disassemble(w io.Writer, code []byte, pc jit.TCA) error {
	offset := 0
	for offset < len(code) {
		addr := uint64(pc) + uint64(offset)
		inst, err := x86asm.Decode(code[offset:], 64)
		length := inst.Len
		if err != nil || length == 0 {
			if _, err := fmt.Fprintf(w, "%#x: %-24s .byte %#02x\n", addr, fmt.Sprintf("%02x", code[offset]), code[offset]); err != nil {
				return err
			}
			offset++
			continue
		}

		var hexBytes []string
		for i := 0; i < length; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		if _, err := fmt.Fprintf(w, "%#x: %-24s %s\n", addr, strings.Join(hexBytes, " "),
			x86asm.GNUSyntax(inst, addr, nil)); err != nil {
			return err
		}
		offset += length
	}
	return nil
}
