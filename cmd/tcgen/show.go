package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ascrivener/tcgen/pkg/tcdb"
)

func newShowCmd() *cobra.Command {
	var dbDir, session string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List saved sessions, or the records of one session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := tcdb.Open(dbDir, nil)
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			if session == "" {
				return showSessions(out, db)
			}
			id, err := uuid.Parse(session)
			if err != nil {
				return fmt.Errorf("invalid session id %q: %w", session, err)
			}
			return showSession(out, db, id)
		},
	}
	cmd.Flags().StringVar(&dbDir, "db", "", "code map store directory")
	cmd.Flags().StringVar(&session, "session", "", "session to show")
	cmd.MarkFlagRequired("db")
	return cmd
}

func showSessions(w io.Writer, db *tcdb.DB) error {
	sessions, err := db.Sessions()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tARCH\tCREATED\tSTUBS\tSITES")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
			s.ID, s.Arch, s.Created.Format(time.RFC3339), s.Stubs, s.Sites)
	}
	return tw.Flush()
}

func showSession(w io.Writer, db *tcdb.DB, id uuid.UUID) error {
	s, err := db.Session(id)
	if err != nil {
		return err
	}
	stubRecs, err := db.Stubs(id)
	if err != nil {
		return err
	}
	siteRecs, err := db.Sites(id)
	if err != nil {
		return err
	}

	heading := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s %s, created %s\n", heading(s.Arch+" session"), s.ID, s.Created.Format(time.RFC3339))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STUB\tADDRESS\tBYTES\tDIGEST")
	for _, r := range stubRecs {
		fmt.Fprintf(tw, "%s\t%#x\t%d\t%x\n", r.Name, r.Addr, len(r.Code), r.Digest[:8])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(siteRecs) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SITE\tKIND\tVALUE\tCODE")
	for _, r := range siteRecs {
		value := fmt.Sprintf("%#x", r.Value)
		if r.Cond != "" {
			value += " if " + r.Cond
		}
		fmt.Fprintf(tw, "%#x\t%s\t%s\t% x\n", r.Addr, r.Kind, value, r.Code)
	}
	return tw.Flush()
}
