package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ascrivener/tcgen/pkg/codecache"
	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/arch"
)

// demo is one smashable instruction emitted at a fresh block's frontier,
// with the patch the command applies to it.
type demo struct {
	kind   jit.Kind
	emit   func() jit.TCA
	smash  func(inst jit.TCA)
	decode func(inst jit.TCA) string
}

func demos(b arch.Backend, cb *codecache.Block, meta *jit.Meta) map[string]demo {
	from, to := cb.Base()+0x1000, cb.Base()+0x2000
	reg := b.ABI().Arg(0)
	target := func(t jit.TCA) string { return t.String() }
	return map[string]demo{
		"call": {
			kind:   jit.KindCall,
			emit:   func() jit.TCA { return b.EmitSmashableCall(cb, meta, from) },
			smash:  func(inst jit.TCA) { b.SmashCall(inst, to) },
			decode: func(inst jit.TCA) string { return target(b.SmashableCallTarget(inst)) },
		},
		"jump": {
			kind:   jit.KindJump,
			emit:   func() jit.TCA { return b.EmitSmashableJump(cb, meta, from) },
			smash:  func(inst jit.TCA) { b.SmashJump(inst, to) },
			decode: func(inst jit.TCA) string { return target(b.SmashableJumpTarget(inst)) },
		},
		"jcc": {
			kind:  jit.KindCondJump,
			emit:  func() jit.TCA { return b.EmitSmashableCondJump(cb, meta, from, jit.CondE) },
			smash: func(inst jit.TCA) { b.SmashCondJump(inst, to, jit.CondNE) },
			decode: func(inst jit.TCA) string {
				return fmt.Sprintf("%v if %v", b.SmashableCondJumpTarget(inst), b.SmashableCondJumpCond(inst))
			},
		},
		"imm64": {
			kind:  jit.KindLoadImm64,
			emit:  func() jit.TCA { return b.EmitSmashableLoadImm64(cb, meta, 0xdead0000, reg) },
			smash: func(inst jit.TCA) { b.SmashLoadImm64(inst, 0xbeef0000) },
			decode: func(inst jit.TCA) string {
				v, _ := b.SmashableLoadImm64(inst)
				return fmt.Sprintf("%#x", v)
			},
		},
		"cmp": {
			kind:  jit.KindCmpImm32,
			emit:  func() jit.TCA { return b.EmitSmashableCmpImm32(cb, meta, 42, reg, 8) },
			smash: func(inst jit.TCA) { b.SmashCmpImm32(inst, -7) },
			decode: func(inst jit.TCA) string {
				v, _ := b.SmashableCmpImm32(inst)
				return fmt.Sprint(v)
			},
		},
	}
}

func demoNames() []string {
	return []string{"call", "cmp", "imm64", "jcc", "jump"}
}

func newSmashCmd(g *globalFlags) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "smash",
		Short: "Emit one smashable instruction, smash it and show both versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSmash(cmd.OutOrStdout(), g.opts, kind)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "call",
		fmt.Sprintf("instruction to smash (%s)", strings.Join(demoNames(), ", ")))
	return cmd
}

func runSmash(w io.Writer, opts jit.Options, kind string) error {
	mem, err := codecache.NewMemory(64<<10, uintptr(opts.BaseHint))
	if err != nil {
		return err
	}
	defer mem.Free()
	cb, err := mem.Carve("smash", 16<<10)
	if err != nil {
		return err
	}
	dir, err := codecache.NewDirectory(cb)
	if err != nil {
		return err
	}
	b, err := arch.New(opts, dir)
	if err != nil {
		return err
	}

	var meta jit.Meta
	d, ok := demos(b, cb, &meta)[kind]
	if !ok {
		return fmt.Errorf("unknown kind %q, want one of %s", kind, strings.Join(demoNames(), ", "))
	}
	inst := d.emit()
	n := b.Shape(d.kind).Len
	frontier := cb.Frontier()

	var before, after bytes.Buffer
	if err := b.Disassemble(&before, cb.Read(inst, n), inst); err != nil {
		return err
	}
	was := d.decode(inst)
	d.smash(inst)
	if err := b.Disassemble(&after, cb.Read(inst, n), inst); err != nil {
		return err
	}
	if cb.Frontier() != frontier {
		return fmt.Errorf("smash moved the frontier from %v to %v", frontier, cb.Frontier())
	}

	label := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s %v smashable %v at %v, %d bytes\n", label(b.Name()), d.kind, kind, inst, n)
	fmt.Fprintf(w, "%s %s\n", label("before:"), was)
	fmt.Fprint(w, before.String())
	fmt.Fprintf(w, "%s %s\n", label("after: "), d.decode(inst))
	printChanged(w, before.String(), after.String())
	return nil
}

// printChanged prints after, highlighting the lines not in before.
func printChanged(w io.Writer, before, after string) {
	old := map[string]bool{}
	for _, line := range strings.Split(before, "\n") {
		old[line] = true
	}
	changed := color.New(color.FgYellow).SprintFunc()
	for _, line := range strings.Split(strings.TrimSuffix(after, "\n"), "\n") {
		if !old[line] {
			line = changed(line)
		}
		fmt.Fprintln(w, line)
	}
}
