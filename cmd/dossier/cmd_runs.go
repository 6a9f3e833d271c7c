package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dossier/internal/format"
	"dossier/internal/store"
)

const journalDefault = store.DefaultDBPath

func newRunsCmd() *cobra.Command {
	var flags struct {
		journal string
		limit   int
		mode    string
	}
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs recorded in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := store.Open(flags.journal)
			if err != nil {
				return err
			}
			defer st.Close()
			runs, err := st.ListRuns(flags.limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No runs in %s\n", flags.journal)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), format.RunTable(format.ParseMode(flags.mode), runs, time.Now()))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.journal, "journal", journalDefault, "Journal database path")
	f.IntVarP(&flags.limit, "limit", "n", 20, "Maximum runs to list (0 = all)")
	f.StringVar(&flags.mode, "table", "ascii", "Table style (ascii, markdown)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var flags struct {
		journal string
		calls   bool
		mode    string
	}
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a journaled run: attempts, stage timings and external calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.Open(flags.journal)
			if err != nil {
				return err
			}
			defer st.Close()

			r, err := st.GetRun(args[0])
			if err != nil {
				return err
			}
			attempts, err := st.ListAttempts(r.ID)
			if err != nil {
				return err
			}
			timings, err := st.ListTimings(r.ID)
			if err != nil {
				return err
			}

			mode := format.ParseMode(flags.mode)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:      %s\n", r.ID)
			fmt.Fprintf(out, "Subject:  %s\n", r.Subject)
			fmt.Fprintf(out, "Domain:   %s\n", r.Domain)
			fmt.Fprintf(out, "Status:   %s\n", r.Status)
			fmt.Fprintf(out, "Started:  %s (%s)\n", r.Started.Local().Format(time.DateTime), format.Ago(r.Started, time.Now()))
			fmt.Fprintf(out, "Elapsed:  %s\n", format.Duration(r.Elapsed()))
			fmt.Fprintf(out, "Cache:    %s hit(s)\n", format.Count(r.CacheHits))
			if r.Failure != "" {
				fmt.Fprintf(out, "Failure:  %s\n", r.Failure)
			}
			if len(attempts) > 0 {
				fmt.Fprintf(out, "\nAttempts:\n%s\n", format.AttemptTable(mode, attempts))
			}
			if len(timings) > 0 {
				fmt.Fprintf(out, "\nStages:\n%s\n", format.TimingTable(mode, timings))
			}
			if flags.calls {
				calls, err := st.ListCalls(r.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "\nCalls:\n%s\n", format.CallTable(mode, calls))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.journal, "journal", journalDefault, "Journal database path")
	f.BoolVar(&flags.calls, "calls", false, "Also list every external call attempt")
	f.StringVar(&flags.mode, "table", "ascii", "Table style (ascii, markdown)")
	return cmd
}
