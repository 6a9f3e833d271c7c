package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"dossier/internal/config"
	"dossier/internal/dossier"
	"dossier/internal/format"
	"dossier/pkg/pipeline"
)

func newRunCmd() *cobra.Command {
	var flags struct {
		domain      string
		live        bool
		format      string
		output      string
		journal     string
		metricsAddr string
		timings     bool
	}
	cmd := &cobra.Command{
		Use:   "run <subject>",
		Short: "Research a subject and print the dossier",
		Long: `Runs the full stage sequence for a subject and prints the validated dossier.
Without --live the deterministic stub services answer every call, which is
useful for exercising a domain bundle offline.

A run that does not pass the gate prints its failure report and exits non-zero.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.format != "markdown" && flags.format != "json" {
				return fmt.Errorf("unknown format %q (want markdown or json)", flags.format)
			}
			d, err := config.Resolve(flags.domain)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, runtimeOptions{
				live:        flags.live,
				journalPath: flags.journal,
				metricsAddr: flags.metricsAddr,
			})
			if err != nil {
				return err
			}
			defer rt.Close()

			out, err := rt.engine.Execute(ctx, strings.Join(args, " "), d)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if flags.output != "" {
				f, err := os.Create(flags.output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := writeOutcome(w, out, flags.format); err != nil {
				return err
			}
			if flags.timings {
				fmt.Fprint(cmd.ErrOrStderr(), format.AttemptTable(format.ASCII, out.Attempts), "\n")
				fmt.Fprint(cmd.ErrOrStderr(), format.TimingTable(format.ASCII, out.Timings), "\n")
			}
			if !out.Delivered() {
				return fmt.Errorf("run %s finished %s", out.RunID, out.Status)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flags.domain, "domain", "d", "general", "Built-in domain name or path to a bundle (yaml, toml, json)")
	f.BoolVar(&flags.live, "live", false, "Use the Gemini and Perplexity services configured in the environment")
	f.StringVarP(&flags.format, "format", "f", "markdown", "Output format (markdown, json)")
	f.StringVarP(&flags.output, "output", "o", "", "Write the dossier to a file instead of stdout")
	f.StringVar(&flags.journal, "journal", "", "Record the run in a sqlite journal at this path (e.g. "+journalDefault+")")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the run is in flight")
	f.BoolVar(&flags.timings, "timings", false, "Print attempt and stage timing tables to stderr")
	return cmd
}

// failureView is the JSON shape of a run that was not delivered.
type failureView struct {
	RunID    string                    `json:"run_id"`
	Subject  string                    `json:"subject"`
	Status   pipeline.RunStatus        `json:"status"`
	Failure  *pipeline.FailureReport   `json:"failure,omitempty"`
	Attempts []pipeline.AttemptSummary `json:"attempts"`
	Notes    []string                  `json:"notes,omitempty"`
}

func writeOutcome(w io.Writer, out *pipeline.Outcome, mode string) error {
	if !out.Delivered() {
		if mode == "json" {
			return writeJSON(w, failureView{
				RunID:    out.RunID,
				Subject:  out.Subject.ID,
				Status:   out.Status,
				Failure:  out.Failure,
				Attempts: out.Attempts,
				Notes:    dossier.Notes(out),
			})
		}
		_, err := io.WriteString(w, dossier.RenderFailure(out))
		return err
	}
	doc, err := dossier.Assemble(out)
	if err != nil {
		return err
	}
	if mode == "json" {
		return writeJSON(w, doc)
	}
	_, err = io.WriteString(w, dossier.RenderMarkdown(doc))
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
