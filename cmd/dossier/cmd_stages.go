package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dossier/internal/config"
	"dossier/internal/dossier"
	"dossier/internal/format"
	"dossier/pkg/pipeline"
)

func newStagesCmd() *cobra.Command {
	var flags struct {
		domain string
		mode   string
	}
	cmd := &cobra.Command{
		Use:   "stages",
		Short: "List a domain's stage sequence and gate predicates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := config.Resolve(flags.domain)
			if err != nil {
				return err
			}
			plan, err := planFor(d)
			if err != nil {
				return err
			}
			mode := format.ParseMode(flags.mode)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Domain: %s (%d stages, %d attempt(s), wall clock %s)\n\n",
				plan.Name, plan.Sequence.Len()+1, plan.Budget.MaxAttempts, format.Duration(plan.Budget.WallClock))
			fmt.Fprintln(out, format.StageTable(mode, plan.Sequence.Stages()))

			names := make([]string, len(plan.Gate.Predicates))
			for i, p := range plan.Gate.Predicates {
				names[i] = p.Name
			}
			fmt.Fprintf(out, "\n%s: %s\n", plan.Gate.ID, strings.Join(names, ", "))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flags.domain, "domain", "d", "general", "Built-in domain name or path to a bundle")
	f.StringVar(&flags.mode, "table", "ascii", "Table style (ascii, markdown)")
	return cmd
}

// planFor compiles a domain against the stub services: building a plan
// never calls a service.
func planFor(d config.Domain) (pipeline.Plan, error) {
	svc, _ := services(context.Background(), false)
	return dossier.NewEngine(pipeline.New(), svc).Plan(d.WithDefaults())
}
