// dossier runs the staged research pipeline that turns a subject into a
// validated narrative dossier.
//
// Usage:
//
//	dossier run "<subject>" [--domain=<name|path>] [--live] [--format=markdown|json]
//	dossier stages [--domain=<name|path>]
//	dossier config validate|show <name|path>
//	dossier runs [--journal=<path>]
//	dossier status <run-id> [--journal=<path>]
//	dossier serve [--live]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dossier/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

func newRootCmd() *cobra.Command {
	var flags struct {
		logLevel  string
		logFormat string
	}
	root := &cobra.Command{
		Use:   "dossier",
		Short: "Staged research pipeline producing validated dossiers",
		Long: "dossier researches a subject through a fixed sequence of reasoning and\n" +
			"research stages, validates the result against a quality gate and\n" +
			"re-executes from the implicated stage until it passes or the budget runs out.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logging.ParseLevel(flags.logLevel)
			if err != nil {
				return err
			}
			logging.Init(level, flags.logFormat, cmd.ErrOrStderr())
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newStagesCmd(),
		newConfigCmd(),
		newRunsCmd(),
		newStatusCmd(),
		newServeCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
