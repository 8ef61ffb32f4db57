package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/ascrivener/tcgen/pkg/jit"
	"github.com/ascrivener/tcgen/pkg/jit/codegen"
	"github.com/ascrivener/tcgen/pkg/jit/stubs"
	"github.com/ascrivener/tcgen/pkg/tc"
	"github.com/ascrivener/tcgen/pkg/tcdb"
)

// placeholderRuntime is what the stubs are built against when no VM is
// attached. The entries are never called.
func placeholderRuntime() tc.Runtime {
	return tc.Runtime{
		Runtime: stubs.Runtime{
			HandleSurprise:    0x0000_4000_0000_1000,
			Release:           0x0000_4000_0000_2000,
			UnwindResume:      0x0000_4000_0000_3000,
			ResumeUnwind:      0x0000_4000_0000_4000,
			UnwinderException: codegen.TLSDatum{Offset: -0x80, Key: 1},
		},
		TLSGetSpecific: 0x0000_4000_0000_5000,
	}
}

func newStubsCmd(g *globalFlags) *cobra.Command {
	var (
		disasm bool
		dbDir  string
	)
	cmd := &cobra.Command{
		Use:   "stubs",
		Short: "Build the unique stubs and list them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cache, err := tc.New(g.opts, placeholderRuntime())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := cache.Close(); cerr != nil {
					err = multierror.Append(err, cerr)
				}
			}()

			out := cmd.OutOrStdout()
			entries := cache.Stubs.Entries()
			printStubTable(out, entries)
			if disasm {
				if err := disassembleStubs(out, cache, entries); err != nil {
					return err
				}
			}
			if dbDir != "" {
				return saveSession(out, cache, dbDir)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&disasm, "disasm", false, "disassemble every stub")
	cmd.Flags().StringVar(&dbDir, "db", "", "save the stubs to the code map store in this directory")
	return cmd
}

func printStubTable(w io.Writer, entries []stubs.Entry) {
	bold := color.New(color.Bold).SprintFunc()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, bold("NAME\tADDRESS\tSIZE\tCOLD\tDIGEST"))
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%v\t%d\t%d\t%x\n",
			e.Name, e.Addr, e.Size(), e.ColdEnd-e.ColdStart, e.Digest[:8])
	}
	tw.Flush()
}

// disassembleStubs prints each stub unit once, headed by the names of the
// entry points inside it.
func disassembleStubs(w io.Writer, cache *tc.TC, entries []stubs.Entry) error {
	header := color.New(color.FgCyan, color.Bold).SprintFunc()
	for i := 0; i < len(entries); {
		e := entries[i]
		var names []string
		for ; i < len(entries) && entries[i].Start == e.Start; i++ {
			names = append(names, fmt.Sprintf("%s@%v", entries[i].Name, entries[i].Addr))
		}
		fmt.Fprintf(w, "\n%s\n", header(strings.Join(names, ", ")))
		if err := cache.Backend.Disassemble(w, cache.StubCode.Read(e.Start, e.Size()), e.Start); err != nil {
			return err
		}
		if e.ColdEnd > e.ColdStart {
			fmt.Fprintln(w, header("  cold:"))
			code := cache.Cold.Read(e.ColdStart, int(e.ColdEnd-e.ColdStart))
			if err := cache.Backend.Disassemble(w, code, e.ColdStart); err != nil {
				return err
			}
		}
	}
	return nil
}

func saveSession(w io.Writer, cache *tc.TC, dir string) error {
	db, err := tcdb.Open(dir, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	s, stubRecs, siteRecs := tcdb.Snapshot(cache, cache.Stubs.Meta.Smashable)
	if err := db.Save(s, stubRecs, siteRecs); err != nil {
		return err
	}
	jit.Logger().Debug().Str("dir", dir).Int("stubs", len(stubRecs)).Msg("saved code map")
	fmt.Fprintf(w, "saved session %s\n", color.GreenString(s.ID.String()))
	return nil
}
